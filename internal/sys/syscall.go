package sys

import (
	"errors"
	"strconv"
	"syscall"
)

// Cmd is the bpf(2) command discriminant.
type Cmd int

// Numbering follows the Linux enumeration for the commands both share.
const (
	BPF_MAP_CREATE       Cmd = 0
	BPF_MAP_LOOKUP_ELEM  Cmd = 1
	BPF_MAP_UPDATE_ELEM  Cmd = 2
	BPF_MAP_DELETE_ELEM  Cmd = 3
	BPF_MAP_GET_NEXT_KEY Cmd = 4
	BPF_PROG_LOAD        Cmd = 5
	BPF_PROG_ATTACH      Cmd = 8
	BPF_PROG_DETACH      Cmd = 9
	BPF_PROG_LOAD_EX     Cmd = 1000
	BPF_OBJ_CLOSE        Cmd = 1001
)

var cmdNames = map[Cmd]string{
	BPF_MAP_CREATE:       "BPF_MAP_CREATE",
	BPF_MAP_LOOKUP_ELEM:  "BPF_MAP_LOOKUP_ELEM",
	BPF_MAP_UPDATE_ELEM:  "BPF_MAP_UPDATE_ELEM",
	BPF_MAP_DELETE_ELEM:  "BPF_MAP_DELETE_ELEM",
	BPF_MAP_GET_NEXT_KEY: "BPF_MAP_GET_NEXT_KEY",
	BPF_PROG_LOAD:        "BPF_PROG_LOAD",
	BPF_PROG_ATTACH:      "BPF_PROG_ATTACH",
	BPF_PROG_DETACH:      "BPF_PROG_DETACH",
	BPF_PROG_LOAD_EX:     "BPF_PROG_LOAD_EX",
	BPF_OBJ_CLOSE:        "BPF_OBJ_CLOSE",
}

// Valid reports whether cmd is a known discriminant.
func (cmd Cmd) Valid() bool {
	_, ok := cmdNames[cmd]
	return ok
}

func (cmd Cmd) String() string {
	if name, ok := cmdNames[cmd]; ok {
		return name
	}
	return "Cmd(" + strconv.Itoa(int(cmd)) + ")"
}

type syscallError struct {
	error
	errno syscall.Errno
}

// Error pairs a sentinel error with the errno reported for it at the syscall
// boundary.
//
// errors.Is matches the sentinel, errors.As recovers the errno.
func Error(err error, errno syscall.Errno) error {
	return &syscallError{err, errno}
}

func (se *syscallError) Is(target error) bool {
	return target == se.error
}

func (se *syscallError) Unwrap() error {
	return se.errno
}

// Errno extracts the errno attached to err, if any.
func Errno(err error) (syscall.Errno, bool) {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}
