package kernel

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/arctan/arch"
	"github.com/evanphx/arctan/log"
	"github.com/evanphx/arctan/memory"
)

// ledger records which physical allocation backs every page an address
// space mapped itself, and how many of those pages are still mapped, so
// each allocation is freed exactly once.
type ledger struct {
	pages map[uint64]uint64
	refs  map[uint64]int
}

func newLedger() *ledger {
	return &ledger{
		pages: make(map[uint64]uint64),
		refs:  make(map[uint64]int),
	}
}

func (l *ledger) add(virt, base, size uint64) {
	for off := uint64(0); off < size; off += memory.PageSize {
		l.pages[virt+off] = base
		l.refs[base]++
	}
}

// drop forgets virt and reports the allocation base if this was its last
// mapped page.
func (l *ledger) drop(virt uint64) (uint64, bool) {
	base, ok := l.pages[virt]
	if !ok {
		return 0, false
	}

	delete(l.pages, virt)

	l.refs[base]--
	if l.refs[base] > 0 {
		return 0, false
	}

	delete(l.refs, base)

	return base, true
}

func (l *ledger) sorted() []uint64 {
	out := make([]uint64, 0, len(l.pages))
	for virt := range l.pages {
		out = append(out, virt)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

// AddressSpace is the set of page-table roots a process runs on. A
// kernel-only space uses the kernel root for both rings; a userspace space
// has its own kernel-facing and user-facing roots.
type AddressSpace struct {
	phys  memory.Physical
	pager memory.Pager

	userspace  bool
	kernelRoot memory.Root
	userRoot   memory.Root

	ownsKernel bool
	ownsUser   bool

	controlBlock uint64
	controlVirt  uint64

	mu     sync.Mutex
	ledger *ledger
}

// Resolve returns the root code running at ring r uses.
func (a *AddressSpace) Resolve(r arch.Ring) memory.Root {
	if r == arch.RingUser {
		return a.userRoot
	}

	return a.kernelRoot
}

func (a *AddressSpace) ring() arch.Ring {
	if a.userspace {
		return arch.RingUser
	}

	return arch.RingKernel
}

func (a *AddressSpace) Userspace() bool {
	return a.userspace
}

func (a *AddressSpace) Physical() memory.Physical {
	return a.phys
}

func (a *AddressSpace) root() memory.Root {
	return a.Resolve(a.ring())
}

// Allocate backs [virt, virt+size) with one fresh physical allocation and
// returns its physical address.
func (a *AddressSpace) Allocate(virt, size uint64, flags memory.Flags) (uint64, error) {
	size = memory.PageRound(size)

	phys, err := a.phys.Alloc(size)
	if err != nil {
		return 0, err
	}

	err = a.MapOwned(virt, phys, size, flags)
	if err != nil {
		if ferr := a.phys.Free(phys); ferr != nil {
			log.L.Error("error freeing physical memory", "phys", hclog.Fmt("%#x", phys), "error", ferr)
		}

		return 0, err
	}

	return phys, nil
}

// MapOwned maps the allocation at phys and takes ownership of it: it is
// freed once all of its pages are released.
func (a *AddressSpace) MapOwned(virt, phys, size uint64, flags memory.Flags) error {
	size = memory.PageRound(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.pager.Map(a.root(), virt, phys, size, flags)
	if err != nil {
		return err
	}

	a.ledger.add(virt, phys, size)

	return nil
}

// Release unmaps every owned page in [virt, virt+size) and frees the
// allocations that no longer have mapped pages. A page the ledger knows
// about that the pager cannot unmap halts the kernel.
func (a *AddressSpace) Release(virt, size uint64) error {
	if !memory.IsAligned(virt) {
		return errors.Wrapf(memory.ErrMisaligned, "virtual=%x", virt)
	}

	size = memory.PageRound(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	var released int

	for off := uint64(0); off < size; off += memory.PageSize {
		va := virt + off

		if _, ok := a.ledger.pages[va]; !ok {
			continue
		}

		_, err := a.pager.Unmap(a.root(), va, memory.PageSize)
		if err != nil {
			Halt(errors.Wrapf(err, "unmapping owned page %#x", va))
		}

		released++

		base, last := a.ledger.drop(va)
		if !last {
			continue
		}

		if err := a.phys.Free(base); err != nil {
			Halt(errors.Wrapf(err, "freeing physical %#x", base))
		}
	}

	if released == 0 {
		return errors.Wrapf(memory.ErrNotMapped, "virtual=%x, size=%x", virt, size)
	}

	return nil
}

func (a *AddressSpace) Protect(virt, size uint64, flags memory.Flags) error {
	return a.pager.Protect(a.root(), virt, size, flags)
}

func (a *AddressSpace) Translate(virt uint64) (uint64, memory.Flags, bool) {
	return a.pager.Translate(a.root(), virt)
}

// Owned reports how many pages the space mapped itself.
func (a *AddressSpace) Owned() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.ledger.pages)
}

// OwnedPages lists the owned pages in ascending order.
func (a *AddressSpace) OwnedPages() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.ledger.sorted()
}

func (a *AddressSpace) ControlBlock() uint64 {
	return a.controlVirt
}

// access walks [addr, addr+n) page by page, handing fn the direct view of
// each piece.
func (a *AddressSpace) access(addr uint64, n int, fn func(buf []byte, done int)) error {
	root := a.root()

	done := 0

	for done < n {
		va := addr + uint64(done)

		phys, _, ok := a.pager.Translate(root, va)
		if !ok {
			return errors.Wrapf(memory.ErrInvalidMemoryAccess, "address %#x not mapped", va)
		}

		chunk := memory.PageSize - (va & memory.PageMask)
		if left := uint64(n - done); left < chunk {
			chunk = left
		}

		buf, err := a.phys.Project(phys, chunk)
		if err != nil {
			return err
		}

		fn(buf, done)

		done += int(chunk)
	}

	return nil
}

func (a *AddressSpace) ReadAt(b []byte, off int64) (int, error) {
	err := a.access(uint64(off), len(b), func(buf []byte, done int) {
		copy(b[done:], buf)
	})
	if err != nil {
		return 0, err
	}

	return len(b), nil
}

func (a *AddressSpace) WriteAt(b []byte, off int64) (int, error) {
	err := a.access(uint64(off), len(b), func(buf []byte, done int) {
		copy(buf, b[done:])
	})
	if err != nil {
		return 0, err
	}

	return len(b), nil
}

type readAdapter struct {
	sub    io.ReaderAt
	offset int64
}

func (ra *readAdapter) Read(b []byte) (int, error) {
	n, err := ra.sub.ReadAt(b, ra.offset)
	ra.offset += int64(n)
	return n, err
}

type writeAdapter struct {
	sub    io.WriterAt
	offset int64
}

func (wa *writeAdapter) Write(b []byte) (int, error) {
	n, err := wa.sub.WriteAt(b, wa.offset)
	wa.offset += int64(n)
	return n, err
}

// CopyIn decodes val from user memory at addr.
func (a *AddressSpace) CopyIn(addr uint64, val interface{}) error {
	return binary.Read(&readAdapter{sub: a, offset: int64(addr)}, binary.LittleEndian, val)
}

// CopyOut encodes val into user memory at addr.
func (a *AddressSpace) CopyOut(addr uint64, val interface{}) error {
	return binary.Write(&writeAdapter{sub: a, offset: int64(addr)}, binary.LittleEndian, val)
}

const maxCString = 4096

func (a *AddressSpace) ReadCString(addr uint64) ([]byte, error) {
	var buf bytes.Buffer

	var t [1]byte

	for off := uint64(0); off < maxCString; off++ {
		_, err := a.ReadAt(t[:], int64(addr+off))
		if err != nil {
			return nil, err
		}

		if t[0] == 0 {
			return buf.Bytes(), nil
		}

		buf.WriteByte(t[0])
	}

	return nil, errors.Wrapf(ErrInvalidArgument, "string at %#x exceeds %d bytes", addr, maxCString)
}

// Destroy releases every owned page, the control block and the tables the
// space allocated.
func (a *AddressSpace) Destroy() error {
	for _, virt := range a.OwnedPages() {
		if err := a.Release(virt, memory.PageSize); err != nil {
			Halt(err)
		}
	}

	if a.controlBlock != 0 {
		_, err := a.pager.Unmap(a.userRoot, a.controlVirt, memory.PageSize)
		if err != nil {
			Halt(errors.Wrapf(err, "unmapping control block"))
		}

		if err := a.phys.Free(a.controlBlock); err != nil {
			Halt(errors.Wrapf(err, "freeing control block"))
		}

		a.controlBlock = 0
	}

	var err error

	if a.ownsUser {
		if e := a.pager.FreeTables(a.userRoot); e != nil {
			err = e
		}

		a.ownsUser = false
	}

	if a.ownsKernel {
		if e := a.pager.FreeTables(a.kernelRoot); e != nil {
			err = e
		}

		a.ownsKernel = false
	}

	return err
}
