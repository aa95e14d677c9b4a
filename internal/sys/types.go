package sys

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// All records assume a 64-bit user space: pointer fields are eight bytes and
// structures are padded to eight byte alignment, as a C compiler would.

// MapCreateAttr is the record of BPF_MAP_CREATE.
type MapCreateAttr struct {
	MapType    uint32
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
}

// MapOpAttr is the record of the BPF_MAP_*_ELEM and BPF_MAP_GET_NEXT_KEY
// commands. Value holds the next key buffer for BPF_MAP_GET_NEXT_KEY.
type MapOpAttr struct {
	MapFd uint32
	_     uint32
	Key   Pointer
	Value Pointer
	Flags uint64
}

// KprobeAttachAttr is the record of BPF_PROG_ATTACH. Target is not
// necessarily NUL terminated, StrLen gives its length.
type KprobeAttachAttr struct {
	Target Pointer
	StrLen uint32
	ProgFd uint32
}

// ProgDetachAttr is the record of BPF_PROG_DETACH.
type ProgDetachAttr struct {
	ProgFd uint32
}

// ProgLoadExAttr is the record of BPF_PROG_LOAD_EX. MapArray points at
// MapArrayLen consecutive MapFdEntry records.
type ProgLoadExAttr struct {
	ElfProg     Pointer
	ElfSize     uint32
	_           uint32
	MapArray    Pointer
	MapArrayLen uint32
	_           uint32
}

// MapFdEntry binds a map name used by an ELF object to a map fd. Name points
// at a NUL terminated string.
type MapFdEntry struct {
	Name Pointer
	Fd   uint32
	_    uint32
}

// ObjCloseAttr is the record of BPF_OBJ_CLOSE.
type ObjCloseAttr struct {
	Fd uint32
}

// Size returns the wire size of a record.
func Size(attr any) int {
	return binary.Size(attr)
}

// Decode unmarshals a record from its wire representation. buf may be longer
// than the record, trailing bytes are ignored.
func Decode(buf []byte, attr any) error {
	size := binary.Size(attr)
	if size < 0 {
		return fmt.Errorf("%T is not a fixed size record", attr)
	}
	if len(buf) < size {
		return fmt.Errorf("record %T needs %d bytes, got %d", attr, size, len(buf))
	}
	return binary.Read(bytes.NewReader(buf[:size]), ByteOrder, attr)
}

// Encode marshals a record into its wire representation.
func Encode(attr any) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, ByteOrder, attr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
