package link

import (
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kbpf-dev/kbpf"
	"github.com/kbpf-dev/kbpf/internal/logging"
	"github.com/kbpf-dev/kbpf/metrics"
)

// EngineOptions configure an Engine. Resolver and Registrar are required.
type EngineOptions struct {
	Resolver  Resolver
	Registrar Registrar
	Logger    logrus.FieldLogger
	Metrics   *metrics.Metrics
}

// Engine tracks which programs run at which tracepoint and owns the
// underlying probe registrations.
//
// A tracepoint entry is created by the first attach to it and is kept, along
// with its probe, when its last program is detached. Attaching again later
// reuses the registration. Close removes everything.
type Engine struct {
	resolver  Resolver
	registrar Registrar
	log       logrus.FieldLogger
	metrics   *metrics.Metrics

	mu sync.RWMutex
	// Programs per tracepoint in execution order. Each entry holds a
	// reference to its program.
	attached map[Tracepoint][]*kbpf.Program
	// Probe registrations by the tracepoint that created them. The paired
	// kretprobe tracepoint has no entry of its own.
	probes map[Tracepoint]Probe
}

// NewEngine creates an engine without any attachments.
func NewEngine(opts EngineOptions) *Engine {
	log := opts.Logger
	if log == nil {
		log = logging.DefaultLogger
	}
	return &Engine{
		resolver:  opts.Resolver,
		registrar: opts.Registrar,
		log:       log,
		metrics:   opts.Metrics,
		attached:  make(map[Tracepoint][]*kbpf.Program),
		probes:    make(map[Tracepoint]Probe),
	}
}

// Attach runs prog whenever the tracepoint described by target fires.
//
// target has the form "<kind>$<symbol>", see ParseTarget. The first attach
// to a tracepoint registers the underlying probe; for kretprobes this
// registration serves both the entry and the exit tracepoint, so the sibling
// tracepoint is created alongside without any programs.
//
// Attaching the same program twice to a tracepoint returns
// ErrAlreadyAttached.
func (e *Engine) Attach(target string, prog *kbpf.Program) (err error) {
	typ, symbol, err := ParseTarget(target)
	if err != nil {
		return err
	}
	defer func() { e.metrics.Attach(typ.String(), err) }()

	addr, ok := e.resolver.Resolve(symbol)
	if !ok {
		return errors.Wrapf(kbpf.ErrNotExist, "symbol %s", symbol)
	}

	tp := Tracepoint{typ, addr}
	log := e.log.WithFields(logrus.Fields{
		logging.FieldTracepoint: tp,
		logging.FieldSymbol:     symbol,
		logging.FieldProgram:    prog,
	})

	e.mu.Lock()
	defer e.mu.Unlock()

	if progs, ok := e.attached[tp]; ok {
		if slices.Contains(progs, prog) {
			return errors.Wrapf(kbpf.ErrAlreadyAttached, "%s at %s", prog, tp)
		}
		e.attached[tp] = append(progs, prog.Retain())
		log.Debug("Program attached to existing tracepoint")
		return nil
	}

	probe, err := e.register(tp)
	if err != nil {
		return errors.Wrapf(kbpf.ErrInvalidArgument, "register probe for %s (%s): %s", tp, symbol, err)
	}

	e.probes[tp] = probe
	e.attached[tp] = []*kbpf.Program{prog.Retain()}
	if typ.isRet() {
		e.attached[tp.pair()] = nil
	}

	log.Info("Probe registered, program attached")
	return nil
}

func (e *Engine) register(tp Tracepoint) (Probe, error) {
	if tp.Type.isRet() {
		return e.registrar.RegisterKretprobe(tp.Token, e.handler(KRetProbeEntry), e.handler(KRetProbeExit))
	}
	return e.registrar.RegisterKprobe(tp.Token, e.handler(KProbe))
}

func (e *Engine) handler(typ TracepointType) Handler {
	return func(addr uint64, frame []byte) {
		ctx, _ := Context{Type: typ, Addr: addr, Frame: frame}.MarshalBinary()
		e.Dispatch(Tracepoint{typ, addr}, ctx)
	}
}

// Detach removes prog from every tracepoint it is attached to.
//
// Returns ErrNotExist if prog isn't attached anywhere. Probe registrations
// are kept even if a tracepoint is left without programs.
func (e *Engine) Detach(prog *kbpf.Program) error {
	var from []Tracepoint

	e.mu.Lock()
	for tp, progs := range e.attached {
		if i := slices.Index(progs, prog); i >= 0 {
			e.attached[tp] = slices.Delete(progs, i, i+1)
			from = append(from, tp)
		}
	}
	e.mu.Unlock()

	if len(from) == 0 {
		return errors.Wrapf(kbpf.ErrNotExist, "%s is not attached", prog)
	}

	var result *multierror.Error
	for _, tp := range from {
		e.log.WithFields(logrus.Fields{
			logging.FieldTracepoint: tp,
			logging.FieldProgram:    prog,
		}).Debug("Program detached")

		if err := prog.Release(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Dispatch runs the programs attached to tp in attach order.
//
// It is called by probe handlers on the thread that hit the probe. The
// program list is copied before any program runs, so programs may themselves
// hit probes, and attach or detach may proceed concurrently. Program results
// and errors are not propagated.
func (e *Engine) Dispatch(tp Tracepoint, ctx []byte) {
	e.mu.RLock()
	progs, ok := e.attached[tp]
	progs = slices.Clone(progs)
	for _, prog := range progs {
		prog.Retain()
	}
	e.mu.RUnlock()

	if !ok {
		e.metrics.MissingTracepoint()
		e.log.WithField(logging.FieldTracepoint, tp).Error("Probe hit for unknown tracepoint")
		return
	}

	e.metrics.Dispatch(tp.Type.String())
	for _, prog := range progs {
		if _, err := prog.Run(ctx); err != nil {
			e.metrics.ProgramError(tp.Type.String())
			e.log.WithError(err).WithFields(logrus.Fields{
				logging.FieldTracepoint: tp,
				logging.FieldProgram:    prog,
			}).Debug("Attached program failed")
		}
		if err := prog.Release(); err != nil {
			e.log.WithError(err).WithField(logging.FieldProgram, prog).Warn("Releasing program after run")
		}
	}
}

// Tracepoints returns all tracepoints, including ones without programs, in
// ascending order.
func (e *Engine) Tracepoints() []Tracepoint {
	e.mu.RLock()
	tps := make([]Tracepoint, 0, len(e.attached))
	for tp := range e.attached {
		tps = append(tps, tp)
	}
	e.mu.RUnlock()

	slices.SortFunc(tps, Tracepoint.Compare)
	return tps
}

// Programs returns the programs attached to tp in execution order. ok is
// false if the tracepoint doesn't exist.
func (e *Engine) Programs(tp Tracepoint) (progs []*kbpf.Program, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	progs, ok = e.attached[tp]
	return slices.Clone(progs), ok
}

// Close unregisters all probes and drops every attachment.
func (e *Engine) Close() error {
	e.mu.Lock()
	attached, probes := e.attached, e.probes
	e.attached = make(map[Tracepoint][]*kbpf.Program)
	e.probes = make(map[Tracepoint]Probe)
	e.mu.Unlock()

	var result *multierror.Error
	for tp, probe := range probes {
		if err := probe.Close(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "unregister %s", tp))
		}
	}
	for _, progs := range attached {
		for _, prog := range progs {
			if err := prog.Release(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}
