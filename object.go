package kbpf

import (
	"math"
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// ObjectKind tells maps and programs apart.
type ObjectKind int

const (
	MapObject ObjectKind = iota + 1
	ProgramObject
)

func (k ObjectKind) String() string {
	switch k {
	case MapObject:
		return "map"
	case ProgramObject:
		return "program"
	default:
		return "unknown"
	}
}

// Object is anything addressable by an fd: a map or a program.
//
// The set of implementations is closed, use AsMap and AsProgram to get at
// the concrete object.
type Object interface {
	Kind() ObjectKind
	release() error
}

type mapObject struct {
	m Map
}

func (mapObject) Kind() ObjectKind { return MapObject }
func (mapObject) release() error   { return nil }

// NewMapObject wraps a map for insertion into a Table.
func NewMapObject(m Map) Object {
	return mapObject{m}
}

// AsMap returns the map behind obj, or false if obj is not a map.
func AsMap(obj Object) (Map, bool) {
	mo, ok := obj.(mapObject)
	if !ok {
		return nil, false
	}
	return mo.m, true
}

// AsProgram returns the program behind obj, or false if obj is not a program.
func AsProgram(obj Object) (*Program, bool) {
	p, ok := obj.(*Program)
	return p, ok
}

// DefaultFirstFD is the first fd handed out by a Table. Lower numbers are
// left to stdio.
const DefaultFirstFD = 3

// TableOptions control fd allocation.
type TableOptions struct {
	// FirstFD is the first fd allocated. Zero means DefaultFirstFD.
	FirstFD uint32
	// MaxObjects limits the number of live objects. Zero means unlimited.
	MaxObjects int
}

// Table maps fds to live objects.
//
// Fds are allocated in strictly increasing order and never reused. The
// table holds one reference to every object it contains; removing an fd
// drops that reference while other holders, for example tracepoints, keep
// the object alive.
type Table struct {
	max int

	mu      sync.Mutex
	next    uint64
	objects map[uint32]Object
}

// NewTable creates an empty table.
func NewTable(opts TableOptions) *Table {
	first := opts.FirstFD
	if first == 0 {
		first = DefaultFirstFD
	}
	return &Table{
		max:     opts.MaxObjects,
		next:    uint64(first),
		objects: make(map[uint32]Object),
	}
}

// Create builds an object and inserts it under a fresh fd.
//
// build runs without the table lock held. If the table is exhausted the
// built object is released again and ErrTooManyObjects is returned.
func (t *Table) Create(build func() (Object, error)) (uint32, error) {
	obj, err := build()
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if (t.max > 0 && len(t.objects) >= t.max) || t.next > math.MaxUint32 {
		_ = obj.release()
		return 0, errors.Wrapf(ErrTooManyObjects, "%d live objects", len(t.objects))
	}

	fd := uint32(t.next)
	t.next++
	t.objects[fd] = obj
	return fd, nil
}

// Get returns the object behind fd.
func (t *Table) Get(fd uint32) (Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	obj, ok := t.objects[fd]
	if !ok {
		return nil, errors.Wrapf(ErrNotExist, "fd %d", fd)
	}
	return obj, nil
}

// Map returns the map behind fd. Fds referring to programs are reported as
// ErrNotExist.
func (t *Table) Map(fd uint32) (Map, error) {
	obj, err := t.Get(fd)
	if err != nil {
		return nil, err
	}
	m, ok := AsMap(obj)
	if !ok {
		return nil, errors.Wrapf(ErrNotExist, "fd %d is a %s, not a map", fd, obj.Kind())
	}
	return m, nil
}

// Program returns the program behind fd. Fds referring to maps are reported
// as ErrNotExist.
func (t *Table) Program(fd uint32) (*Program, error) {
	obj, err := t.Get(fd)
	if err != nil {
		return nil, err
	}
	p, ok := AsProgram(obj)
	if !ok {
		return nil, errors.Wrapf(ErrNotExist, "fd %d is a %s, not a program", fd, obj.Kind())
	}
	return p, nil
}

// AcquireProgram returns the program behind fd with an additional reference
// taken while the table lock is held, so a concurrent Remove can't drop the
// last reference first. The caller must Release it.
func (t *Table) AcquireProgram(fd uint32) (*Program, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	obj, ok := t.objects[fd]
	if !ok {
		return nil, errors.Wrapf(ErrNotExist, "fd %d", fd)
	}
	p, ok := AsProgram(obj)
	if !ok {
		return nil, errors.Wrapf(ErrNotExist, "fd %d is a %s, not a program", fd, obj.Kind())
	}
	return p.Retain(), nil
}

// Remove detaches fd from the table and drops the table's reference to the
// object.
//
// The returned object stays valid only as long as another holder keeps a
// reference to it.
func (t *Table) Remove(fd uint32) (Object, error) {
	t.mu.Lock()
	obj, ok := t.objects[fd]
	delete(t.objects, fd)
	t.mu.Unlock()

	if !ok {
		return nil, errors.Wrapf(ErrNotExist, "fd %d", fd)
	}
	if err := obj.release(); err != nil {
		return obj, errors.Wrapf(err, "release fd %d", fd)
	}
	return obj, nil
}

// Len returns the number of live fds.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.objects)
}

// FDs returns all live fds in ascending order.
func (t *Table) FDs() []uint32 {
	t.mu.Lock()
	fds := make([]uint32, 0, len(t.objects))
	for fd := range t.objects {
		fds = append(fds, fd)
	}
	t.mu.Unlock()

	slices.Sort(fds)
	return fds
}

// Count returns the number of live objects of a kind.
func (t *Table) Count(kind ObjectKind) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, obj := range t.objects {
		if obj.Kind() == kind {
			n++
		}
	}
	return n
}

// Clear removes every fd. Fds are still not reused afterwards.
func (t *Table) Clear() error {
	t.mu.Lock()
	objects := t.objects
	t.objects = make(map[uint32]Object)
	t.mu.Unlock()

	var result *multierror.Error
	for fd, obj := range objects {
		if err := obj.release(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "release fd %d", fd))
		}
	}
	return result.ErrorOrNil()
}
