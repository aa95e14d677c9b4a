// Package unix re-exports the errno values the bpf(2) boundary reports.
package unix

import (
	"syscall"

	linux "golang.org/x/sys/unix"
)

type Errno = syscall.Errno

const (
	ENOENT     = linux.ENOENT
	EFAULT     = linux.EFAULT
	EEXIST     = linux.EEXIST
	EINVAL     = linux.EINVAL
	EMFILE     = linux.EMFILE
	E2BIG      = linux.E2BIG
	EAGAIN     = linux.EAGAIN
	EBADF      = linux.EBADF
	EOPNOTSUPP = linux.EOPNOTSUPP
)

// ErrnoName returns the symbolic name of an errno, e.g. "ENOENT".
func ErrnoName(e Errno) string {
	if name := linux.ErrnoName(e); name != "" {
		return name
	}
	return e.Error()
}
