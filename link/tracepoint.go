package link

import (
	"cmp"
	"encoding/binary"
	"fmt"
)

// TracepointType is the kind of instrumentation point a program runs at.
type TracepointType uint32

const (
	// KProbe fires when execution reaches the probed address.
	KProbe TracepointType = iota
	// KRetProbeEntry fires when a kretprobe'd function is entered.
	KRetProbeEntry
	// KRetProbeExit fires when a kretprobe'd function returns.
	KRetProbeExit
)

func (tt TracepointType) String() string {
	switch tt {
	case KProbe:
		return "kprobe"
	case KRetProbeEntry:
		return "kretprobe@entry"
	case KRetProbeExit:
		return "kretprobe@exit"
	default:
		return fmt.Sprintf("TracepointType(%d)", uint32(tt))
	}
}

func (tt TracepointType) isRet() bool {
	return tt == KRetProbeEntry || tt == KRetProbeExit
}

// Tracepoint identifies where attached programs run: a kind of probe at a
// resolved kernel address.
//
// The entry and exit tracepoints of a kretprobe share one underlying probe
// registration.
type Tracepoint struct {
	Type  TracepointType
	Token uint64
}

func (tp Tracepoint) String() string {
	return fmt.Sprintf("%s$%#x", tp.Type, tp.Token)
}

// Compare orders tracepoints by type, then token.
func (tp Tracepoint) Compare(other Tracepoint) int {
	if c := cmp.Compare(tp.Type, other.Type); c != 0 {
		return c
	}
	return cmp.Compare(tp.Token, other.Token)
}

// pair returns the sibling of a kretprobe tracepoint.
func (tp Tracepoint) pair() Tracepoint {
	switch tp.Type {
	case KRetProbeEntry:
		return Tracepoint{KRetProbeExit, tp.Token}
	case KRetProbeExit:
		return Tracepoint{KRetProbeEntry, tp.Token}
	default:
		return tp
	}
}

// Context is what attached programs receive when a probe fires.
type Context struct {
	Type TracepointType
	Addr uint64
	// Frame is the saved register state of the probed thread.
	Frame []byte
}

// contextHeaderSize is the size of the type and address fields.
const contextHeaderSize = 16

// MarshalBinary encodes the context as a little endian u64 type, u64 address
// and the raw frame.
func (c Context) MarshalBinary() ([]byte, error) {
	buf := make([]byte, contextHeaderSize, contextHeaderSize+len(c.Frame))
	binary.LittleEndian.PutUint64(buf[0:], uint64(c.Type))
	binary.LittleEndian.PutUint64(buf[8:], c.Addr)
	return append(buf, c.Frame...), nil
}

// UnmarshalBinary is the inverse of MarshalBinary.
func (c *Context) UnmarshalBinary(buf []byte) error {
	if len(buf) < contextHeaderSize {
		return fmt.Errorf("context needs at least %d bytes, got %d", contextHeaderSize, len(buf))
	}
	c.Type = TracepointType(binary.LittleEndian.Uint64(buf[0:]))
	c.Addr = binary.LittleEndian.Uint64(buf[8:])
	c.Frame = append([]byte(nil), buf[contextHeaderSize:]...)
	return nil
}
