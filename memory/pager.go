package memory

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/evanphx/arctan/log"
)

type pte struct {
	phys  uint64
	flags Flags
}

type table struct {
	entries map[uint64]pte
}

// PageTables is an in-memory pager. Each root is a flat map from virtual
// page to entry; the hardware walk is not modelled.
type PageTables struct {
	mu sync.RWMutex

	next   Root
	kernel Root
	tables map[Root]*table
}

func NewPager() *PageTables {
	pt := &PageTables{
		tables: make(map[Root]*table),
	}

	pt.kernel = pt.newTable()

	return pt
}

func (pt *PageTables) newTable() Root {
	pt.next++
	pt.tables[pt.next] = &table{entries: make(map[uint64]pte)}
	return pt.next
}

func (pt *PageTables) KernelRoot() Root {
	return pt.kernel
}

func (pt *PageTables) CreateTables() (Root, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	return pt.newTable(), nil
}

func (pt *PageTables) FreeTables(root Root) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if root == pt.kernel {
		return errors.Wrap(ErrUnknownTables, "refusing to free the kernel tables")
	}

	if _, ok := pt.tables[root]; !ok {
		return errors.Wrapf(ErrUnknownTables, "root=%d", root)
	}

	delete(pt.tables, root)

	return nil
}

func (pt *PageTables) lookup(root Root) (*table, error) {
	t, ok := pt.tables[root]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTables, "root=%d", root)
	}

	return t, nil
}

func checkRange(virt, size uint64) (uint64, error) {
	if !IsAligned(virt) {
		return 0, errors.Wrapf(ErrMisaligned, "virtual=%x", virt)
	}

	if size == 0 {
		return 0, errors.Wrap(ErrBadRegionRequest, "zero sized range")
	}

	return PageRound(size) / PageSize, nil
}

func (pt *PageTables) Map(root Root, virt, phys, size uint64, flags Flags) error {
	n, err := checkRange(virt, size)
	if err != nil {
		return err
	}

	if !IsAligned(phys) {
		return errors.Wrapf(ErrMisaligned, "physical=%x", phys)
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	t, err := pt.lookup(root)
	if err != nil {
		return err
	}

	for i := uint64(0); i < n; i++ {
		if _, ok := t.entries[virt+i*PageSize]; ok {
			return errors.Wrapf(ErrMappingConflict, "virtual=%x already mapped", virt+i*PageSize)
		}
	}

	for i := uint64(0); i < n; i++ {
		t.entries[virt+i*PageSize] = pte{phys: phys + i*PageSize, flags: flags}
	}

	return nil
}

func (pt *PageTables) Unmap(root Root, virt, size uint64) (uint64, error) {
	n, err := checkRange(virt, size)
	if err != nil {
		return 0, err
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	t, err := pt.lookup(root)
	if err != nil {
		return 0, err
	}

	var (
		first   uint64
		removed int
	)

	for i := uint64(0); i < n; i++ {
		va := virt + i*PageSize

		e, ok := t.entries[va]
		if !ok {
			continue
		}

		if i == 0 {
			first = e.phys
		}

		delete(t.entries, va)
		removed++
	}

	if removed == 0 {
		return 0, errors.Wrapf(ErrNotMapped, "virtual=%x, size=%x", virt, size)
	}

	return first, nil
}

// Clone copies the kernel root's entries for [src, src+size) into root at
// dst. Unmapped source pages are skipped. Cloned entries are global.
func (pt *PageTables) Clone(root Root, dst, src, size uint64, flags Flags) error {
	n, err := checkRange(dst, size)
	if err != nil {
		return err
	}

	if !IsAligned(src) {
		return errors.Wrapf(ErrMisaligned, "source=%x", src)
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	t, err := pt.lookup(root)
	if err != nil {
		return err
	}

	k := pt.tables[pt.kernel]

	var cloned int

	for i := uint64(0); i < n; i++ {
		e, ok := k.entries[src+i*PageSize]
		if !ok {
			continue
		}

		t.entries[dst+i*PageSize] = pte{phys: e.phys, flags: e.flags | flags | FlagGlobal}
		cloned++
	}

	log.L.Trace("pager-clone", "root", root, "dst", dst, "src", src, "pages", cloned)

	return nil
}

func (pt *PageTables) Protect(root Root, virt, size uint64, flags Flags) error {
	n, err := checkRange(virt, size)
	if err != nil {
		return err
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	t, err := pt.lookup(root)
	if err != nil {
		return err
	}

	for i := uint64(0); i < n; i++ {
		if _, ok := t.entries[virt+i*PageSize]; !ok {
			return errors.Wrapf(ErrNotMapped, "virtual=%x", virt+i*PageSize)
		}
	}

	for i := uint64(0); i < n; i++ {
		e := t.entries[virt+i*PageSize]
		e.flags = flags | (e.flags & FlagGlobal)
		t.entries[virt+i*PageSize] = e
	}

	return nil
}

func (pt *PageTables) Translate(root Root, virt uint64) (uint64, Flags, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	t, ok := pt.tables[root]
	if !ok {
		return 0, 0, false
	}

	e, ok := t.entries[PageAlign(virt)]
	if !ok {
		return 0, 0, false
	}

	return e.phys + (virt & PageMask), e.flags, true
}

// Walk visits every mapped page of root in ascending virtual order. The
// table is snapshotted first so fn may call back into the pager.
func (pt *PageTables) Walk(root Root, fn func(virt, phys uint64, flags Flags) error) error {
	pt.mu.RLock()

	t, err := pt.lookup(root)
	if err != nil {
		pt.mu.RUnlock()
		return err
	}

	type walked struct {
		virt uint64
		e    pte
	}

	entries := make([]walked, 0, len(t.entries))
	for va, e := range t.entries {
		entries = append(entries, walked{va, e})
	}

	pt.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].virt < entries[j].virt
	})

	for _, w := range entries {
		if err := fn(w.virt, w.e.phys, w.e.flags); err != nil {
			return err
		}
	}

	return nil
}

// Mapped reports how many pages root currently maps.
func (pt *PageTables) Mapped(root Root) int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	t, ok := pt.tables[root]
	if !ok {
		return 0
	}

	return len(t.entries)
}

// Roots reports how many roots are live, including the kernel root.
func (pt *PageTables) Roots() int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	return len(pt.tables)
}
