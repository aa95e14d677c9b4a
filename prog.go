package kbpf

import (
	"fmt"
	"io"

	"go.uber.org/atomic"
)

// Runner executes a loaded program against a context buffer.
//
// Runners are produced by a loader outside this package. If a Runner also
// implements io.Closer it is closed once the last reference to its Program
// is released.
type Runner interface {
	Run(ctx []byte) (uint64, error)
}

// Program is a shared handle to a loaded program.
//
// The same *Program is referenced by its fd and by every tracepoint it is
// attached to. Handles are compared by identity: two Programs wrapping equal
// runners are still distinct.
type Program struct {
	name   string
	runner Runner
	refs   atomic.Int32
}

var _ Object = (*Program)(nil)

// NewProgram wraps a runner. The returned handle holds one reference which is
// owned by the caller.
func NewProgram(name string, runner Runner) *Program {
	p := &Program{name: name, runner: runner}
	p.refs.Store(1)
	return p
}

func (p *Program) String() string {
	if p.name == "" {
		return fmt.Sprintf("Program(%p)", p)
	}
	return fmt.Sprintf("Program(%s)", p.name)
}

// Name returns the name the program was loaded with, if any.
func (p *Program) Name() string {
	return p.name
}

// Run executes the program. ctx is shared with other programs run at the
// same tracepoint and must not be retained.
func (p *Program) Run(ctx []byte) (uint64, error) {
	if p.refs.Load() <= 0 {
		return 0, fmt.Errorf("%s: run after release", p)
	}
	return p.runner.Run(ctx)
}

// Retain acquires an additional reference.
func (p *Program) Retain() *Program {
	p.refs.Inc()
	return p
}

// Release drops a reference. The last release closes the runner.
func (p *Program) Release() error {
	switch n := p.refs.Dec(); {
	case n > 0:
		return nil
	case n < 0:
		return fmt.Errorf("%s: released too often", p)
	}

	if c, ok := p.runner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Refs returns the number of live references.
func (p *Program) Refs() int {
	return int(p.refs.Load())
}

func (p *Program) Kind() ObjectKind {
	return ProgramObject
}

func (p *Program) release() error {
	return p.Release()
}
