package testutils

import (
	"sync"

	"github.com/kbpf-dev/kbpf"
	"github.com/kbpf-dev/kbpf/kernel"
)

// Runner is a kbpf.Runner which records every context it is run with.
type Runner struct {
	mu     sync.Mutex
	ctxs   [][]byte
	closed int

	// Result is returned from Run.
	Result uint64
	// Err is returned from Run.
	Err error
	// OnRun is called with the context before Run returns.
	OnRun func(ctx []byte)
	// CloseErr is returned from Close.
	CloseErr error
}

var _ kbpf.Runner = (*Runner)(nil)

func (r *Runner) Run(ctx []byte) (uint64, error) {
	r.mu.Lock()
	r.ctxs = append(r.ctxs, append([]byte(nil), ctx...))
	r.mu.Unlock()

	if r.OnRun != nil {
		r.OnRun(ctx)
	}
	return r.Result, r.Err
}

// Close counts how often the runner was closed.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed++
	return r.CloseErr
}

// Runs returns a copy of the contexts seen so far.
func (r *Runner) Runs() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([][]byte(nil), r.ctxs...)
}

// Closed returns how often Close was called.
func (r *Runner) Closed() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.closed
}

// NewProgram returns a program backed by a fresh Runner.
func NewProgram(name string) (*kbpf.Program, *Runner) {
	r := new(Runner)
	return kbpf.NewProgram(name, r), r
}

// Loader is a kernel.Loader which records what it was asked to load and
// hands out Runners.
type Loader struct {
	mu    sync.Mutex
	loads []Load

	// Err is returned from Load.
	Err error
}

// Load is a single call to Loader.Load.
type Load struct {
	ELF    []byte
	Maps   []kernel.MapBinding
	Runner *Runner
}

var _ kernel.Loader = (*Loader)(nil)

func (l *Loader) Load(elf []byte, maps []kernel.MapBinding) (kbpf.Runner, error) {
	if l.Err != nil {
		return nil, l.Err
	}

	r := new(Runner)
	l.mu.Lock()
	l.loads = append(l.loads, Load{elf, maps, r})
	l.mu.Unlock()
	return r, nil
}

// Loads returns the successful calls to Load.
func (l *Loader) Loads() []Load {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]Load(nil), l.loads...)
}
