package testutils

import (
	"sync"

	"github.com/kbpf-dev/kbpf/link"
)

// Registrar is a link.LocalRegistrar which counts registrations and can be
// told to fail.
type Registrar struct {
	*link.LocalRegistrar

	mu      sync.Mutex
	kprobes map[uint64]*FakeProbe
	// Registrations counts successful Register calls.
	Registrations int
	// Fail makes every Register call return this error.
	Fail error
}

func NewRegistrar() *Registrar {
	return &Registrar{
		LocalRegistrar: link.NewLocalRegistrar(),
		kprobes:        make(map[uint64]*FakeProbe),
	}
}

// FakeProbe is returned by Registrar.
type FakeProbe struct {
	link.Probe
	// CloseErr is returned from Close after the probe was unregistered.
	CloseErr error
}

func (p *FakeProbe) Close() error {
	if err := p.Probe.Close(); err != nil {
		return err
	}
	return p.CloseErr
}

func (r *Registrar) RegisterKprobe(addr uint64, pre link.Handler) (link.Probe, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Fail != nil {
		return nil, r.Fail
	}
	p, err := r.LocalRegistrar.RegisterKprobe(addr, pre)
	if err != nil {
		return nil, err
	}
	fp := &FakeProbe{Probe: p}
	r.kprobes[addr] = fp
	r.Registrations++
	return fp, nil
}

func (r *Registrar) RegisterKretprobe(addr uint64, entry, exit link.Handler) (link.Probe, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Fail != nil {
		return nil, r.Fail
	}
	p, err := r.LocalRegistrar.RegisterKretprobe(addr, entry, exit)
	if err != nil {
		return nil, err
	}
	r.Registrations++
	return &FakeProbe{Probe: p}, nil
}

// Kprobe returns the most recent kprobe registered at addr.
func (r *Registrar) Kprobe(addr uint64) (*FakeProbe, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.kprobes[addr]
	return p, ok
}
