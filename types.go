package kbpf

//go:generate stringer -output types_string.go -type=MapType,MapUpdateFlags

// MapType indicates the type map structure
// that will be initialized in the kernel.
type MapType uint32

// All the map types this kernel can create. Values match the Linux
// enumeration.
const (
	UnspecifiedMap MapType = iota
	// Hash is a hash map
	Hash
	// Array is an array map
	Array
)

// MapUpdateFlags controls the behaviour of Map.Update.
type MapUpdateFlags uint64

const (
	// UpdateAny creates a new element or updates an existing one.
	UpdateAny MapUpdateFlags = iota
	// UpdateNoExist creates a new element.
	UpdateNoExist
	// UpdateExist updates an existing element.
	UpdateExist
)

func (f MapUpdateFlags) valid() bool {
	return f <= UpdateExist
}
