package kernel

import (
	"github.com/kbpf-dev/kbpf/internal/sys"
	"github.com/kbpf-dev/kbpf/internal/unix"
)

// Errno returns the errno reported for err at the syscall boundary.
//
// Errors from this module carry their errno, see the sentinels in package
// kbpf. Anything else, for example a loader error which wasn't wrapped, is
// reported as EINVAL.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	if errno, ok := sys.Errno(err); ok {
		return errno
	}
	return unix.EINVAL
}
