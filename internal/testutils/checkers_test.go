package testutils

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/kbpf-dev/kbpf/internal/sys"
	"github.com/kbpf-dev/kbpf/internal/unix"
)

func TestHasErrno(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", sys.Error(errors.New("missing"), unix.ENOENT))

	qt.Check(t, qt.IsNil(HasErrno(err, unix.ENOENT).Check(nil)))
	qt.Check(t, qt.ErrorMatches(HasErrno(err, unix.EINVAL).Check(nil), "got ENOENT, want EINVAL"))
	qt.Check(t, qt.ErrorMatches(HasErrno(errors.New("plain"), unix.EINVAL).Check(nil), ".*doesn't carry an errno"))
	qt.Check(t, qt.ErrorMatches(HasErrno(nil, unix.EINVAL).Check(nil), "got nil error"))
}

func TestIsCopy(t *testing.T) {
	a := []byte{1, 2, 3}
	b := []byte{1, 2, 3}

	qt.Check(t, qt.IsNil(IsCopy(a, b).Check(nil)))
	qt.Check(t, qt.ErrorMatches(IsCopy(a, a).Check(nil), "equal backing memory"))
	qt.Check(t, qt.ErrorMatches(IsCopy(a, []byte{1}).Check(nil), "contents differ"))
	qt.Check(t, qt.IsNil(IsCopy(nil, []byte{}).Check(nil)))
}
