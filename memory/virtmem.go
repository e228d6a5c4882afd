package memory

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

type Range struct {
	Start, Size uint64
}

func (r Range) Contains(x uint64) bool {
	if x < r.Start {
		return false
	}

	if x >= r.Start+r.Size {
		return false
	}

	return true
}

func (r Range) End() uint64 {
	return r.Start + r.Size
}

// RangeAllocator is a first-fit virtual range allocator over the window
// [base, base+size). Ranges are kept sorted by start address.
type RangeAllocator struct {
	mu sync.Mutex

	base, size uint64
	ranges     []Range
	inUse      uint64
}

var _ VirtualAllocator = (*RangeAllocator)(nil)

func NewRangeAllocator(base, size uint64) (*RangeAllocator, error) {
	if size == 0 || !IsAligned(base) || base == 0 {
		return nil, errors.Wrapf(ErrBadRegionRequest, "window base=%x, size=%x", base, size)
	}

	if base+size < base {
		return nil, errors.Wrapf(ErrBadRegionRequest, "window base=%x, size=%x overflows", base, size)
	}

	return &RangeAllocator{
		base: base,
		size: PageRound(size),
	}, nil
}

func (ra *RangeAllocator) Window() Range {
	return Range{Start: ra.base, Size: ra.size}
}

func (ra *RangeAllocator) insert(r Range) {
	idx := sort.Search(len(ra.ranges), func(i int) bool {
		return ra.ranges[i].Start > r.Start
	})

	ra.ranges = append(ra.ranges, Range{})
	copy(ra.ranges[idx+1:], ra.ranges[idx:])
	ra.ranges[idx] = r

	ra.inUse += r.Size
}

func (ra *RangeAllocator) Alloc(size uint64) (uint64, error) {
	if size == 0 {
		return 0, errors.Wrap(ErrBadRegionRequest, "zero sized virtual allocation")
	}

	size = PageRound(size)

	ra.mu.Lock()
	defer ra.mu.Unlock()

	next := ra.base

	for _, r := range ra.ranges {
		if r.Start-next >= size {
			break
		}

		next = r.End()
	}

	if next+size > ra.base+ra.size || next+size < next {
		return 0, errors.Wrapf(ErrVirtualExhausted, "unable to allocate %x bytes", size)
	}

	ra.insert(Range{Start: next, Size: size})

	return next, nil
}

func (ra *RangeAllocator) AllocAt(addr, size uint64) error {
	if size == 0 || !IsAligned(addr) {
		return errors.Wrapf(ErrBadRegionRequest, "addr=%x, size=%x", addr, size)
	}

	size = PageRound(size)
	want := Range{Start: addr, Size: size}

	ra.mu.Lock()
	defer ra.mu.Unlock()

	if addr < ra.base || want.End() > ra.base+ra.size || want.End() < addr {
		return errors.Wrapf(ErrBadRegionRequest, "addr=%x outside window", addr)
	}

	for _, r := range ra.ranges {
		if r.Start < want.End() && want.Start < r.End() {
			return errors.Wrapf(ErrMappingConflict, "addr=%x overlaps %x", addr, r.Start)
		}
	}

	ra.insert(want)

	return nil
}

func (ra *RangeAllocator) Free(addr uint64) (uint64, error) {
	ra.mu.Lock()
	defer ra.mu.Unlock()

	for i, r := range ra.ranges {
		if r.Start == addr {
			ra.ranges = append(ra.ranges[:i], ra.ranges[i+1:]...)
			ra.inUse -= r.Size
			return r.Size, nil
		}
	}

	return 0, errors.Wrapf(ErrBadFree, "virtual address=%x", addr)
}

func (ra *RangeAllocator) QueryLength(addr uint64) uint64 {
	r, ok := ra.FindRange(addr)
	if !ok || r.Start != addr {
		return 0
	}

	return r.Size
}

func (ra *RangeAllocator) FindRange(addr uint64) (Range, bool) {
	ra.mu.Lock()
	defer ra.mu.Unlock()

	for _, r := range ra.ranges {
		if r.Contains(addr) {
			return r, true
		}
	}

	return Range{}, false
}

func (ra *RangeAllocator) Fork() VirtualAllocator {
	ra.mu.Lock()
	defer ra.mu.Unlock()

	child := &RangeAllocator{
		base:   ra.base,
		size:   ra.size,
		inUse:  ra.inUse,
		ranges: make([]Range, len(ra.ranges)),
	}

	copy(child.ranges, ra.ranges)

	return child
}

// InUse reports the number of bytes currently handed out.
func (ra *RangeAllocator) InUse() uint64 {
	ra.mu.Lock()
	defer ra.mu.Unlock()

	return ra.inUse
}
