// Package metrics exposes prometheus collectors for the bpf subsystem.
//
// All methods are safe to call on a nil *Metrics, in which case nothing is
// recorded.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kbpf-dev/kbpf/internal/sys"
	"github.com/kbpf-dev/kbpf/internal/unix"
)

const Namespace = "kbpf"

const resultOK = "ok"

type Metrics struct {
	Commands        *prometheus.CounterVec
	MapOps          *prometheus.CounterVec
	Attaches        *prometheus.CounterVec
	Dispatches      *prometheus.CounterVec
	ProgramErrors   *prometheus.CounterVec
	DispatchMissing prometheus.Counter
	Objects         *prometheus.GaugeVec
}

// New allocates unregistered collectors.
func New() *Metrics {
	return &Metrics{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "commands_total",
			Help:      "The total number of bpf(2) commands by command and result.",
		}, []string{"cmd", "result"}),
		MapOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "map_ops_total",
			Help:      "The total number of map operations by operation and result.",
		}, []string{"op", "result"}),
		Attaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "attach_total",
			Help:      "The total number of attach requests by tracepoint type and result.",
		}, []string{"type", "result"}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "dispatch_total",
			Help:      "The total number of probe hits dispatched by tracepoint type.",
		}, []string{"type"}),
		ProgramErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "program_errors_total",
			Help:      "The total number of attached program runs that returned an error.",
		}, []string{"type"}),
		DispatchMissing: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "dispatch_missing_total",
			Help:      "The total number of probe hits without a tracepoint entry.",
		}),
		Objects: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "objects",
			Help:      "The number of live objects in the fd table by kind.",
		}, []string{"kind"}),
	}
}

// Register adds all collectors to r.
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.Commands, m.MapOps, m.Attaches, m.Dispatches,
		m.ProgramErrors, m.DispatchMissing, m.Objects,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Result turns an error into a label value: "ok" or the errno name.
func Result(err error) string {
	if err == nil {
		return resultOK
	}
	if errno, ok := sys.Errno(err); ok {
		return unix.ErrnoName(errno)
	}
	return "error"
}

func (m *Metrics) Command(cmd string, err error) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(cmd, Result(err)).Inc()
}

func (m *Metrics) MapOp(op string, err error) {
	if m == nil {
		return
	}
	m.MapOps.WithLabelValues(op, Result(err)).Inc()
}

func (m *Metrics) Attach(typ string, err error) {
	if m == nil {
		return
	}
	m.Attaches.WithLabelValues(typ, Result(err)).Inc()
}

func (m *Metrics) Dispatch(typ string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(typ).Inc()
}

func (m *Metrics) ProgramError(typ string) {
	if m == nil {
		return
	}
	m.ProgramErrors.WithLabelValues(typ).Inc()
}

func (m *Metrics) MissingTracepoint() {
	if m == nil {
		return
	}
	m.DispatchMissing.Inc()
}

func (m *Metrics) SetObjects(kind string, n int) {
	if m == nil {
		return
	}
	m.Objects.WithLabelValues(kind).Set(float64(n))
}
