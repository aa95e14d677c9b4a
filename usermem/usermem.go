// Package usermem implements copies across the user/kernel boundary.
//
// User addresses are opaque integers. They are never converted to Go
// pointers; all access goes through an IO.
package usermem

import (
	"math"
	"sync"

	"github.com/pkg/errors"

	"github.com/kbpf-dev/kbpf"
)

// PageSize is the granularity of AddressSpace mappings.
const PageSize = 4096

// MaxCStringLen bounds ReadCString when the caller passes no limit.
const MaxCStringLen = 4096

// IO copies between kernel buffers and user memory.
//
// A failed copy leaves dst, or the user memory for CopyOut, untouched and
// returns an error wrapping kbpf.ErrFault.
type IO interface {
	CopyIn(addr uint64, dst []byte) error
	CopyOut(addr uint64, src []byte) error
}

// AddressSpace is a sparse user address space backed by individually
// allocated pages, so a virtually contiguous range is generally split across
// several unrelated buffers.
type AddressSpace struct {
	mu    sync.RWMutex
	pages map[uint64][]byte
	// Next address handed out by Alloc.
	brk uint64
}

var _ IO = (*AddressSpace)(nil)

// allocBase keeps the zero page unmapped so that null pointers fault.
const allocBase = 0x10000

func NewAddressSpace() *AddressSpace {
	return &AddressSpace{
		pages: make(map[uint64][]byte),
		brk:   allocBase,
	}
}

// Map makes [addr, addr+length) accessible. Pages which are already mapped
// keep their contents.
func (as *AddressSpace) Map(addr uint64, length int) error {
	first, last, err := pageRange(addr, length)
	if err != nil {
		return err
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	for pn := first; pn <= last && length > 0; pn++ {
		if _, ok := as.pages[pn]; !ok {
			as.pages[pn] = make([]byte, PageSize)
		}
	}
	return nil
}

// Unmap removes every page overlapping [addr, addr+length).
func (as *AddressSpace) Unmap(addr uint64, length int) error {
	first, last, err := pageRange(addr, length)
	if err != nil {
		return err
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	for pn := first; pn <= last && length > 0; pn++ {
		delete(as.pages, pn)
	}
	return nil
}

// Alloc maps n bytes at a fresh address and returns it. Allocations are
// separated by an unmapped guard page.
func (as *AddressSpace) Alloc(n int) (uint64, error) {
	if n < 0 {
		return 0, errors.Errorf("negative allocation size %d", n)
	}

	as.mu.Lock()
	addr := as.brk
	pages := uint64(n+PageSize-1)/PageSize + 1
	as.brk += pages * PageSize
	as.mu.Unlock()

	if n == 0 {
		return addr, nil
	}
	return addr, as.Map(addr, n)
}

// Put allocates len(data) bytes and copies data there.
func (as *AddressSpace) Put(data []byte) (uint64, error) {
	addr, err := as.Alloc(len(data))
	if err != nil {
		return 0, err
	}
	return addr, as.CopyOut(addr, data)
}

// CopyIn implements IO.
func (as *AddressSpace) CopyIn(addr uint64, dst []byte) error {
	as.mu.RLock()
	defer as.mu.RUnlock()

	return as.forEachSegment(addr, len(dst), func(seg []byte, off int) {
		copy(dst[off:], seg)
	})
}

// CopyOut implements IO.
func (as *AddressSpace) CopyOut(addr uint64, src []byte) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	return as.forEachSegment(addr, len(src), func(seg []byte, off int) {
		copy(seg, src[off:])
	})
}

// forEachSegment calls fn for every page-sized piece of [addr, addr+n) with
// the offset of the piece into the range. Nothing is called unless the whole
// range is mapped.
func (as *AddressSpace) forEachSegment(addr uint64, n int, fn func(seg []byte, off int)) error {
	if n == 0 {
		return nil
	}
	if addr > math.MaxUint64-uint64(n)+1 {
		return errors.Wrapf(kbpf.ErrFault, "range %#x+%d overflows", addr, n)
	}

	first, last := addr/PageSize, (addr+uint64(n)-1)/PageSize
	for pn := first; pn <= last; pn++ {
		if _, ok := as.pages[pn]; !ok {
			return errors.Wrapf(kbpf.ErrFault, "access to %#x+%d: page %#x not mapped", addr, n, pn*PageSize)
		}
	}

	off := 0
	for off < n {
		cur := addr + uint64(off)
		page := as.pages[cur/PageSize]
		start := int(cur % PageSize)
		end := min(PageSize, start+n-off)
		fn(page[start:end], off)
		off += end - start
	}
	return nil
}

func pageRange(addr uint64, length int) (first, last uint64, err error) {
	if length < 0 {
		return 0, 0, errors.Errorf("negative length %d", length)
	}
	if length == 0 {
		return addr / PageSize, addr / PageSize, nil
	}
	if addr > math.MaxUint64-uint64(length)+1 {
		return 0, 0, errors.Errorf("range %#x+%d overflows", addr, length)
	}
	return addr / PageSize, (addr + uint64(length) - 1) / PageSize, nil
}

// CopyInBytes copies n bytes starting at addr into a new buffer.
func CopyInBytes(io IO, addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := io.CopyIn(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadCString reads a NUL-terminated string one byte at a time. At most
// limit bytes, not counting the terminator, are read; limit <= 0 selects
// MaxCStringLen.
func ReadCString(io IO, addr uint64, limit int) (string, error) {
	if limit <= 0 {
		limit = MaxCStringLen
	}

	var (
		buf []byte
		c   [1]byte
	)
	for i := 0; ; i++ {
		if i > limit {
			return "", errors.Wrapf(kbpf.ErrInvalidArgument, "string at %#x longer than %d bytes", addr, limit)
		}
		if err := io.CopyIn(addr+uint64(i), c[:]); err != nil {
			return "", err
		}
		if c[0] == 0 {
			return string(buf), nil
		}
		buf = append(buf, c[0])
	}
}
