package unix

import (
	"os"
	"testing"

	"github.com/go-quicktest/qt"
)

func TestErrno(t *testing.T) {
	qt.Assert(t, qt.ErrorIs(ENOENT, os.ErrNotExist))
	qt.Assert(t, qt.ErrorIs(EEXIST, os.ErrExist))
}

func TestErrnoName(t *testing.T) {
	qt.Assert(t, qt.Equals(ErrnoName(EINVAL), "EINVAL"))
	qt.Assert(t, qt.Equals(ErrnoName(E2BIG), "E2BIG"))
}
