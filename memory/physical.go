package memory

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// DefaultPhysicalBase keeps physical address 0 out of the arena so a zero
// address never names a real allocation.
const DefaultPhysicalBase = 0x100000

type frameRun struct {
	Start, Size uint64

	linear []byte
}

func (r *frameRun) Contains(x uint64) bool {
	return x >= r.Start && x < r.Start+r.Size
}

func (r *frameRun) Project(addr, sz uint64) []byte {
	offset := addr - r.Start
	return r.linear[offset : offset+sz]
}

// PhysicalMemory simulates a fixed amount of RAM handed out in contiguous
// page runs. Every allocation is zeroed.
type PhysicalMemory struct {
	mu sync.Mutex

	base  uint64
	pages uint64
	used  []uint64

	runs  []*frameRun
	inUse uint64
}

func NewPhysicalMemory(size uint64) *PhysicalMemory {
	pages := PageRound(size) / PageSize

	return &PhysicalMemory{
		base:  DefaultPhysicalBase,
		pages: pages,
		used:  make([]uint64, (pages+63)/64),
	}
}

func (pm *PhysicalMemory) isUsed(page uint64) bool {
	return pm.used[page/64]&(1<<(page%64)) != 0
}

func (pm *PhysicalMemory) setUsed(page uint64, v bool) {
	if v {
		pm.used[page/64] |= 1 << (page % 64)
	} else {
		pm.used[page/64] &^= 1 << (page % 64)
	}
}

func (pm *PhysicalMemory) findFree(n uint64) (uint64, bool) {
	var run uint64

	for page := uint64(0); page < pm.pages; page++ {
		if pm.isUsed(page) {
			run = 0
			continue
		}

		run++

		if run == n {
			return page + 1 - n, true
		}
	}

	return 0, false
}

func (pm *PhysicalMemory) Alloc(size uint64) (uint64, error) {
	if size == 0 {
		return 0, errors.Wrap(ErrBadRegionRequest, "zero sized physical allocation")
	}

	size = PageRound(size)
	n := size / PageSize

	pm.mu.Lock()
	defer pm.mu.Unlock()

	first, ok := pm.findFree(n)
	if !ok {
		return 0, errors.Wrapf(ErrOutOfMemory, "unable to allocate %d pages", n)
	}

	for page := first; page < first+n; page++ {
		pm.setUsed(page, true)
	}

	run := &frameRun{
		Start:  pm.base + first*PageSize,
		Size:   size,
		linear: make([]byte, size),
	}

	idx := sort.Search(len(pm.runs), func(i int) bool {
		return pm.runs[i].Start > run.Start
	})

	pm.runs = append(pm.runs, nil)
	copy(pm.runs[idx+1:], pm.runs[idx:])
	pm.runs[idx] = run

	pm.inUse += size

	return run.Start, nil
}

func (pm *PhysicalMemory) findRun(addr uint64) (int, bool) {
	idx := sort.Search(len(pm.runs), func(i int) bool {
		return pm.runs[i].Start+pm.runs[i].Size > addr
	})

	if idx < len(pm.runs) && pm.runs[idx].Contains(addr) {
		return idx, true
	}

	return 0, false
}

func (pm *PhysicalMemory) Free(addr uint64) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	idx, ok := pm.findRun(addr)
	if !ok || pm.runs[idx].Start != addr {
		return errors.Wrapf(ErrBadFree, "physical address=%x", addr)
	}

	run := pm.runs[idx]

	first := (run.Start - pm.base) / PageSize
	for page := first; page < first+run.Size/PageSize; page++ {
		pm.setUsed(page, false)
	}

	pm.runs = append(pm.runs[:idx], pm.runs[idx+1:]...)
	pm.inUse -= run.Size

	return nil
}

func (pm *PhysicalMemory) Project(addr, sz uint64) ([]byte, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	idx, ok := pm.findRun(addr)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidMemoryAccess, "error projecting address=%x, size=%x", addr, sz)
	}

	run := pm.runs[idx]

	if addr+sz > run.Start+run.Size {
		return nil, errors.Wrapf(ErrInvalidMemoryAccess, "error projecting address=%x, size=%x", addr, sz)
	}

	return run.Project(addr, sz), nil
}

// InUse reports the number of bytes currently allocated.
func (pm *PhysicalMemory) InUse() uint64 {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	return pm.inUse
}

func (pm *PhysicalMemory) Size() uint64 {
	return pm.pages * PageSize
}
