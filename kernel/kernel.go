// Package kernel implements the bpf(2) system call on top of the map, object
// and attachment machinery of this module.
//
// A Subsystem owns one object table and one attachment engine. It can be
// driven through the raw BPF entry point, which decodes fixed layout records
// from user memory, or through the typed methods which take Go values.
package kernel

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kbpf-dev/kbpf"
	"github.com/kbpf-dev/kbpf/internal/logging"
	"github.com/kbpf-dev/kbpf/link"
	"github.com/kbpf-dev/kbpf/metrics"
)

// Subsystem is an instance of the bpf subsystem.
type Subsystem struct {
	cfg     Config
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	objects *kbpf.Table
	engine  *link.Engine
}

// New creates a subsystem without any objects.
func New(cfg Config) (*Subsystem, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	cfg = cfg.withDefaults()

	return &Subsystem{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		objects: kbpf.NewTable(kbpf.TableOptions{
			FirstFD:    cfg.FirstFD,
			MaxObjects: cfg.MaxObjects,
		}),
		engine: link.NewEngine(link.EngineOptions{
			Resolver:  cfg.Resolver,
			Registrar: cfg.Registrar,
			Logger:    cfg.Logger,
			Metrics:   cfg.Metrics,
		}),
	}, nil
}

// Objects returns the fd table.
func (s *Subsystem) Objects() *kbpf.Table {
	return s.objects
}

// Engine returns the attachment engine.
func (s *Subsystem) Engine() *link.Engine {
	return s.engine
}

// Close unregisters all probes and releases every object.
func (s *Subsystem) Close() error {
	var result *multierror.Error
	if err := s.engine.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.objects.Clear(); err != nil {
		result = multierror.Append(result, err)
	}
	s.updateObjectGauges()
	return result.ErrorOrNil()
}

func (s *Subsystem) updateObjectGauges() {
	if s.metrics == nil {
		return
	}
	for _, kind := range []kbpf.ObjectKind{kbpf.MapObject, kbpf.ProgramObject} {
		s.metrics.SetObjects(kind.String(), s.objects.Count(kind))
	}
}

// CreateMap creates a map and returns its fd.
func (s *Subsystem) CreateMap(attr kbpf.MapAttr) (uint32, error) {
	fd, err := s.objects.Create(func() (kbpf.Object, error) {
		m, err := kbpf.NewMap(attr)
		if err != nil {
			return nil, err
		}
		return kbpf.NewMapObject(m), nil
	})
	if err != nil {
		return 0, err
	}

	s.updateObjectGauges()
	s.log.WithFields(logrus.Fields{
		logging.FieldFD:      fd,
		logging.FieldMapType: attr.Type,
	}).Debugf("Created map %s", attr)
	return fd, nil
}

// LookupElem returns a copy of the value stored at key.
func (s *Subsystem) LookupElem(fd uint32, key []byte) (value []byte, err error) {
	defer func() { s.metrics.MapOp("lookup", err) }()

	m, err := s.objects.Map(fd)
	if err != nil {
		return nil, err
	}
	return m.Lookup(key)
}

// UpdateElem stores value at key.
func (s *Subsystem) UpdateElem(fd uint32, key, value []byte, flags kbpf.MapUpdateFlags) (err error) {
	defer func() { s.metrics.MapOp("update", err) }()

	m, err := s.objects.Map(fd)
	if err != nil {
		return err
	}
	return m.Update(key, value, flags)
}

// DeleteElem removes key.
func (s *Subsystem) DeleteElem(fd uint32, key []byte) (err error) {
	defer func() { s.metrics.MapOp("delete", err) }()

	m, err := s.objects.Map(fd)
	if err != nil {
		return err
	}
	return m.Delete(key)
}

// NextKey returns the key after key, or the first key if key is nil.
func (s *Subsystem) NextKey(fd uint32, key []byte) (next []byte, err error) {
	defer func() { s.metrics.MapOp("next_key", err) }()

	m, err := s.objects.Map(fd)
	if err != nil {
		return nil, err
	}
	return m.NextKey(key)
}

// MapFD names a map fd passed to LoadProgram.
type MapFD struct {
	Name string
	FD   uint32
}

// LoadProgram hands a program object and its maps to the configured Loader
// and returns the fd of the resulting program.
func (s *Subsystem) LoadProgram(name string, elf []byte, maps []MapFD) (uint32, error) {
	if s.cfg.Loader == nil {
		return 0, errors.Wrap(kbpf.ErrNotSupported, "no program loader")
	}

	bindings := make([]MapBinding, 0, len(maps))
	for _, mfd := range maps {
		m, err := s.objects.Map(mfd.FD)
		if err != nil {
			return 0, errors.Wrapf(err, "map %q", mfd.Name)
		}
		bindings = append(bindings, MapBinding{mfd.Name, mfd.FD, m})
	}

	runner, err := s.cfg.Loader.Load(elf, bindings)
	if err != nil {
		return 0, errors.Wrapf(kbpf.ErrInvalidArgument, "load program: %s", err)
	}

	fd, err := s.AddProgram(name, runner)
	if err != nil {
		return 0, err
	}

	s.log.WithFields(logrus.Fields{
		logging.FieldFD:      fd,
		logging.FieldProgram: name,
	}).Infof("Loaded program with %d maps", len(bindings))
	return fd, nil
}

// AddProgram inserts an already loaded program and returns its fd.
func (s *Subsystem) AddProgram(name string, runner kbpf.Runner) (uint32, error) {
	fd, err := s.objects.Create(func() (kbpf.Object, error) {
		return kbpf.NewProgram(name, runner), nil
	})
	if err != nil {
		return 0, err
	}
	s.updateObjectGauges()
	return fd, nil
}

// Attach runs the program behind fd whenever target fires. See
// link.ParseTarget for the target syntax.
func (s *Subsystem) Attach(target string, fd uint32) error {
	prog, err := s.objects.AcquireProgram(fd)
	if err != nil {
		return err
	}
	defer s.release(prog)

	if err := s.engine.Attach(target, prog); err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		logging.FieldFD:         fd,
		logging.FieldTracepoint: target,
	}).Info("Attached program")
	return nil
}

// Detach removes the program behind fd from every tracepoint and closes fd.
//
// If the program isn't attached anywhere ErrNotExist is returned and fd
// stays open.
func (s *Subsystem) Detach(fd uint32) error {
	prog, err := s.objects.AcquireProgram(fd)
	if err != nil {
		return err
	}
	defer s.release(prog)

	if err := s.engine.Detach(prog); err != nil {
		return err
	}
	if _, err := s.objects.Remove(fd); err != nil {
		return err
	}

	s.updateObjectGauges()
	s.log.WithField(logging.FieldFD, fd).Info("Detached program")
	return nil
}

// release drops a reference taken with AcquireProgram. It may be the last one
// if fd was closed concurrently.
func (s *Subsystem) release(prog *kbpf.Program) {
	if err := prog.Release(); err != nil {
		s.log.WithError(err).WithField(logging.FieldProgram, prog).Warn("Releasing program")
	}
}

// CloseFD removes fd from the table. Programs stay attached until they are
// detached or the subsystem is closed.
func (s *Subsystem) CloseFD(fd uint32) error {
	obj, err := s.objects.Remove(fd)
	if err != nil {
		return err
	}

	s.updateObjectGauges()
	s.log.WithField(logging.FieldFD, fd).Debugf("Closed %s", obj.Kind())
	return nil
}
