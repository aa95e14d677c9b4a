package link

import (
	"sync"

	"github.com/pkg/errors"
)

// Symbols is a Resolver backed by a fixed symbol table.
type Symbols map[string]uint64

func (s Symbols) Resolve(symbol string) (uint64, bool) {
	addr, ok := s[symbol]
	return addr, ok
}

// LocalRegistrar is a Registrar for code that runs in-process with the
// subsystem. Instead of patching instructions, the instrumented code reports
// reaching a probed address with Hit, HitEntry or HitExit.
//
// At most one kprobe and one kretprobe may be registered per address.
type LocalRegistrar struct {
	mu         sync.Mutex
	kprobes    map[uint64]*localProbe
	kretprobes map[uint64]*localProbe
}

var _ Registrar = (*LocalRegistrar)(nil)

func NewLocalRegistrar() *LocalRegistrar {
	return &LocalRegistrar{
		kprobes:    make(map[uint64]*localProbe),
		kretprobes: make(map[uint64]*localProbe),
	}
}

type localProbe struct {
	r          *LocalRegistrar
	addr       uint64
	ret        bool
	pre, exit  Handler
	registered bool
}

func (p *localProbe) Close() error {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()

	if !p.registered {
		return errors.Errorf("probe at %#x already unregistered", p.addr)
	}
	p.registered = false
	if p.ret {
		delete(p.r.kretprobes, p.addr)
	} else {
		delete(p.r.kprobes, p.addr)
	}
	return nil
}

func (r *LocalRegistrar) RegisterKprobe(addr uint64, pre Handler) (Probe, error) {
	return r.register(r.kprobes, &localProbe{r: r, addr: addr, pre: pre})
}

func (r *LocalRegistrar) RegisterKretprobe(addr uint64, entry, exit Handler) (Probe, error) {
	return r.register(r.kretprobes, &localProbe{r: r, addr: addr, ret: true, pre: entry, exit: exit})
}

func (r *LocalRegistrar) register(probes map[uint64]*localProbe, p *localProbe) (Probe, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := probes[p.addr]; ok {
		return nil, errors.Errorf("address %#x already probed", p.addr)
	}
	p.registered = true
	probes[p.addr] = p
	return p, nil
}

// Probes returns the number of live registrations.
func (r *LocalRegistrar) Probes() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.kprobes) + len(r.kretprobes)
}

func (r *LocalRegistrar) lookup(probes map[uint64]*localProbe, addr uint64) (*localProbe, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := probes[addr]
	return p, ok
}

// Hit reports that execution reached addr. Handlers run on the calling
// goroutine without any registrar lock held. Returns false if no kprobe is
// registered at addr.
func (r *LocalRegistrar) Hit(addr uint64, frame []byte) bool {
	p, ok := r.lookup(r.kprobes, addr)
	if !ok {
		return false
	}
	p.pre(addr, frame)
	return true
}

// HitEntry reports entering the kretprobe'd function at addr.
func (r *LocalRegistrar) HitEntry(addr uint64, frame []byte) bool {
	p, ok := r.lookup(r.kretprobes, addr)
	if !ok {
		return false
	}
	p.pre(addr, frame)
	return true
}

// HitExit reports returning from the kretprobe'd function at addr.
func (r *LocalRegistrar) HitExit(addr uint64, frame []byte) bool {
	p, ok := r.lookup(r.kretprobes, addr)
	if !ok {
		return false
	}
	p.exit(addr, frame)
	return true
}
