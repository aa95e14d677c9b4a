package testutils

import (
	"bytes"
	"errors"
	"fmt"
	"syscall"

	"github.com/go-quicktest/qt"

	"github.com/kbpf-dev/kbpf/internal/unix"
)

// HasErrno checks that errno can be recovered from err with errors.As:
//
//	qt.Assert(t, testutils.HasErrno(err, unix.ENOENT))
func HasErrno(err error, errno unix.Errno) qt.Checker {
	return &errnoChecker{err, errno}
}

type errnoChecker struct {
	err   error
	errno unix.Errno
}

func (ec *errnoChecker) Check(_ func(key string, value any)) error {
	if ec.err == nil {
		return fmt.Errorf("got nil error")
	}

	var errno syscall.Errno
	if !errors.As(ec.err, &errno) {
		return fmt.Errorf("error doesn't carry an errno")
	}
	if errno != ec.errno {
		return fmt.Errorf("got %s, want %s", unix.ErrnoName(errno), unix.ErrnoName(ec.errno))
	}
	return nil
}

func (ec *errnoChecker) Args() []qt.Arg {
	return []qt.Arg{
		{Name: "error", Value: ec.err},
		{Name: "errno", Value: ec.errno},
	}
}

// IsCopy checks that got holds the same bytes as want without sharing its
// backing memory.
func IsCopy(got, want []byte) qt.Checker {
	return &copyChecker{got, want}
}

type copyChecker struct {
	got, want []byte
}

func (cc *copyChecker) Check(_ func(key string, value any)) error {
	if !bytes.Equal(cc.got, cc.want) {
		return fmt.Errorf("contents differ")
	}
	if len(cc.want) > 0 && &cc.got[0] == &cc.want[0] {
		return fmt.Errorf("equal backing memory")
	}
	return nil
}

func (cc *copyChecker) Args() []qt.Arg {
	return []qt.Arg{
		{Name: "got", Value: cc.got},
		{Name: "want", Value: cc.want},
	}
}
