package kernel

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kbpf-dev/kbpf"
	"github.com/kbpf-dev/kbpf/internal/logging"
	"github.com/kbpf-dev/kbpf/link"
	"github.com/kbpf-dev/kbpf/metrics"
	"github.com/kbpf-dev/kbpf/usermem"
)

// MapBinding associates a map name used by a program object with the map
// user space passed for it.
type MapBinding struct {
	Name string
	FD   uint32
	Map  kbpf.Map
}

// Loader turns a program object into something that can run. Verification
// and execution of the bytecode are up to the loader.
type Loader interface {
	Load(elf []byte, maps []MapBinding) (kbpf.Runner, error)
}

// Config describes the environment of a Subsystem.
type Config struct {
	// Memory gives access to the calling process' memory. Required for BPF.
	Memory usermem.IO
	// Resolver looks up probe targets. Required.
	Resolver link.Resolver
	// Registrar installs probes. Required.
	Registrar link.Registrar
	// Loader is used by BPF_PROG_LOAD_EX. If nil the command is not
	// supported.
	Loader Loader

	// Logger defaults to the package wide logrus logger.
	Logger logrus.FieldLogger
	// Metrics are not recorded if nil.
	Metrics *metrics.Metrics

	// FirstFD is the first fd handed out, kbpf.DefaultFirstFD if zero.
	FirstFD uint32
	// MaxObjects limits the number of live fds. Zero means unlimited.
	MaxObjects int

	// CollapseErrors makes BPF return -1 for every failure instead of the
	// negated errno.
	CollapseErrors bool
}

func (c *Config) validate() error {
	if c.Resolver == nil {
		return errors.New("missing symbol resolver")
	}
	if c.Registrar == nil {
		return errors.New("missing probe registrar")
	}
	if c.MaxObjects < 0 {
		return errors.New("negative object limit")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = logging.DefaultLogger
	}
	if c.FirstFD == 0 {
		c.FirstFD = kbpf.DefaultFirstFD
	}
	return c
}
