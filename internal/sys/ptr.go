package sys

// Pointer is a user space virtual address as it appears in a bpf(2) record.
//
// It is never dereferenced by the kernel side; all access goes through the
// user memory copy primitives.
type Pointer uint64

// IsNil reports whether the pointer is the NULL address.
func (p Pointer) IsNil() bool {
	return p == 0
}

// Add returns the address offset by n bytes.
func (p Pointer) Add(n uint64) Pointer {
	return p + Pointer(n)
}
