package guestmem

import (
	"errors"
	"fmt"
)

// PageSize is the granularity of guest-physical memory descriptors.
const PageSize = 4096

var (
	ErrOffsetTooLarge = errors.New("offset does not fit in the first page")
	ErrNegativeLength = errors.New("negative length")
	ErrRangeTooLong   = errors.New("range exceeds described pages")
	ErrPageUnmapped   = errors.New("page outside guest memory")
	ErrBadAccess      = errors.New("access outside buffer grant")
)

// PagedRange is a guest-supplied memory descriptor: an ordered list of
// guest page numbers plus a byte offset into the first page and a total
// byte length. It describes guest memory; it grants nothing until resolved
// against a Memory.
type PagedRange struct {
	Offset int
	Length int
	Pages  []uint64
}

// NewPagedRange validates the descriptor's internal consistency. Page
// numbers are not checked here; only Resolve can do that.
func NewPagedRange(offset, length int, pages []uint64) (PagedRange, error) {
	r := PagedRange{Offset: offset, Length: length, Pages: pages}
	if err := r.Validate(); err != nil {
		return PagedRange{}, err
	}
	return r, nil
}

func (r PagedRange) Validate() error {
	if r.Offset < 0 || r.Offset >= PageSize {
		return fmt.Errorf("%w: offset %d", ErrOffsetTooLarge, r.Offset)
	}
	if r.Length < 0 {
		return ErrNegativeLength
	}
	if int64(r.Offset)+int64(r.Length) > int64(len(r.Pages))*PageSize {
		return fmt.Errorf("%w: offset %d + length %d over %d pages",
			ErrRangeTooLong, r.Offset, r.Length, len(r.Pages))
	}
	return nil
}

// Memory is a page-granular view of guest memory. The engine only ever
// touches it through resolved buffers.
type Memory struct {
	data []byte
}

// Allocate builds a zeroed guest memory of the given page count, for
// hosting in-process guests and tests.
func Allocate(pages int) *Memory {
	return &Memory{data: make([]byte, pages*PageSize)}
}

// FromBytes wraps an existing backing slice, typically a shared mapping
// established by the embedder. Trailing bytes beyond the last whole page
// are ignored.
func FromBytes(b []byte) *Memory {
	return &Memory{data: b[:len(b)/PageSize*PageSize]}
}

func (m *Memory) PageCount() uint64 {
	return uint64(len(m.data) / PageSize)
}

func (m *Memory) page(gpn uint64) ([]byte, error) {
	if gpn >= m.PageCount() {
		return nil, fmt.Errorf("%w: page %d of %d", ErrPageUnmapped, gpn, m.PageCount())
	}
	start := gpn * PageSize
	return m.data[start : start+PageSize], nil
}

// Access is the direction a resolved buffer grants, from the engine's
// point of view.
type Access int

const (
	// AccessRead lets the engine read guest bytes (guest-to-device
	// transfers).
	AccessRead Access = iota
	// AccessWrite lets the engine write guest bytes (device-to-guest
	// transfers).
	AccessWrite
)

// Buffer is a resolved, bounds-checked window onto guest memory. It is
// scoped to the single request it was resolved for and must not be
// retained once that request completes.
type Buffer struct {
	chunks [][]byte
	length int
	access Access
}

// Resolve validates the descriptor against this memory and returns a
// buffer granting exactly the described bytes. Every page is checked
// before any access is granted; a descriptor naming even one unmapped page
// resolves to nothing.
func (m *Memory) Resolve(r PagedRange, access Access) (*Buffer, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	buf := &Buffer{access: access, length: r.Length}
	remaining := r.Length
	offset := r.Offset

	for _, gpn := range r.Pages {
		if remaining == 0 {
			break
		}
		page, err := m.page(gpn)
		if err != nil {
			return nil, err
		}
		chunk := page[offset:]
		offset = 0
		if len(chunk) > remaining {
			chunk = chunk[:remaining]
		}
		buf.chunks = append(buf.chunks, chunk)
		remaining -= len(chunk)
	}

	if remaining != 0 {
		// Unreachable once Validate passed; kept as a loud guard.
		return nil, ErrRangeTooLong
	}

	return buf, nil
}

func (b *Buffer) Len() int {
	return b.length
}

func (b *Buffer) Access() Access {
	return b.access
}

// Chunks returns the buffer's contiguous spans of guest memory, in order.
// This is the zero-copy path for handing guest data to a disk backend;
// callers must honor the buffer's access direction and must not hold the
// slices past the owning request.
func (b *Buffer) Chunks() [][]byte {
	return b.chunks
}

// ReadAt copies guest bytes out of the buffer. It fails rather than
// reading outside the resolved window or against a write-only grant.
func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	if b.access != AccessRead {
		return 0, fmt.Errorf("%w: buffer is write-only", ErrBadAccess)
	}
	return b.copyAt(p, off, false)
}

// WriteAt copies bytes into guest memory. It fails rather than writing
// outside the resolved window or against a read-only grant.
func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	if b.access != AccessWrite {
		return 0, fmt.Errorf("%w: buffer is read-only", ErrBadAccess)
	}
	return b.copyAt(p, off, true)
}

func (b *Buffer) copyAt(p []byte, off int64, toGuest bool) (int, error) {
	if off < 0 || off > int64(b.length) {
		return 0, fmt.Errorf("%w: offset %d in %d-byte buffer", ErrBadAccess, off, b.length)
	}
	if int64(len(p)) > int64(b.length)-off {
		return 0, fmt.Errorf("%w: %d bytes at offset %d in %d-byte buffer",
			ErrBadAccess, len(p), off, b.length)
	}

	n := 0
	skip := int(off)
	for _, chunk := range b.chunks {
		if skip >= len(chunk) {
			skip -= len(chunk)
			continue
		}
		chunk = chunk[skip:]
		skip = 0

		if n == len(p) {
			break
		}
		if toGuest {
			n += copy(chunk, p[n:])
		} else {
			n += copy(p[n:], chunk)
		}
	}

	return n, nil
}
