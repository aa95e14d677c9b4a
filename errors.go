package kbpf

import (
	"github.com/pkg/errors"

	"github.com/kbpf-dev/kbpf/internal/sys"
	"github.com/kbpf-dev/kbpf/internal/unix"
)

// Errors returned by maps, the object table and the attachment engine.
//
// Each carries the errno reported for it at the bpf(2) boundary, which can be
// recovered with errors.As.
var (
	// ErrInvalidArgument covers malformed requests: bad map types and sizes,
	// bad target strings, array deletes and out of range array writes.
	ErrInvalidArgument = sys.Error(errors.New("invalid argument"), unix.EINVAL)
	// ErrNotExist is returned for unknown fds, fds of the wrong kind,
	// unresolvable symbols and detaching a program that isn't attached.
	ErrNotExist = sys.Error(errors.New("object does not exist"), unix.ENOENT)
	// ErrKeyNotExist is returned when a key is not present in a map.
	ErrKeyNotExist = sys.Error(errors.New("key does not exist"), unix.ENOENT)
	// ErrKeyExist is returned by UpdateNoExist for a key which is present.
	ErrKeyExist = sys.Error(errors.New("key already exists"), unix.EEXIST)
	// ErrEndOfIteration is returned by NextKey for the last key of a map.
	ErrEndOfIteration = sys.Error(errors.New("no more keys"), unix.ENOENT)
	// ErrMapFull is returned when inserting into a hash map at capacity.
	ErrMapFull = sys.Error(errors.New("map is full"), unix.E2BIG)
	// ErrAlreadyAttached is returned when a program is attached twice to the
	// same tracepoint.
	ErrAlreadyAttached = sys.Error(errors.New("program already attached"), unix.EEXIST)
	// ErrTooManyObjects is returned when the object table is exhausted.
	ErrTooManyObjects = sys.Error(errors.New("too many objects"), unix.EMFILE)
	// ErrFault is returned when user memory can't be accessed.
	ErrFault = sys.Error(errors.New("bad address"), unix.EFAULT)
	// ErrNotSupported is returned for commands this kernel doesn't implement.
	ErrNotSupported = sys.Error(errors.New("operation not supported"), unix.EOPNOTSUPP)
)
