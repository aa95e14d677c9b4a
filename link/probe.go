// Package link attaches programs to kernel instrumentation points and runs
// them when a probe fires.
package link

// Handler is called by the probe subsystem on the thread that hit the probe.
// addr is the probed address and frame the saved register state, which is
// only valid for the duration of the call.
type Handler func(addr uint64, frame []byte)

// Probe is an underlying kprobe or kretprobe registration.
type Probe interface {
	// Close unregisters the probe.
	Close() error
}

// Registrar installs probes. It is provided by the kernel's kprobe
// implementation.
type Registrar interface {
	// RegisterKprobe installs a probe calling pre when execution reaches addr.
	RegisterKprobe(addr uint64, pre Handler) (Probe, error)
	// RegisterKretprobe installs a probe calling entry when the function at
	// addr is entered and exit when it returns.
	RegisterKretprobe(addr uint64, entry, exit Handler) (Probe, error)
}

// Resolver looks up kernel symbols.
type Resolver interface {
	Resolve(symbol string) (uint64, bool)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(symbol string) (uint64, bool)

func (fn ResolverFunc) Resolve(symbol string) (uint64, bool) {
	return fn(symbol)
}
