// Package memory holds the collaborator contracts the execution core is
// built against (physical allocator, pager, virtual range allocator) along
// with in-memory implementations of each.
package memory

import (
	"github.com/pkg/errors"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1
)

var (
	ErrOutOfMemory         = errors.New("out of physical memory")
	ErrVirtualExhausted    = errors.New("virtual range exhausted")
	ErrBadFree             = errors.New("free of unknown allocation")
	ErrBadRegionRequest    = errors.New("bad region request")
	ErrMappingConflict     = errors.New("mapping conflict")
	ErrNotMapped           = errors.New("address not mapped")
	ErrMisaligned          = errors.New("address not page aligned")
	ErrUnknownTables       = errors.New("unknown page tables")
	ErrInvalidMemoryAccess = errors.New("invalid memory access via projection")
)

// Flags are the permission bits attached to a page mapping.
type Flags uint32

const (
	FlagWrite Flags = 1 << iota
	FlagUser
	FlagNoExec
	FlagGlobal
)

func (f Flags) String() string {
	s := []byte("r---")

	if f&FlagWrite != 0 {
		s[1] = 'w'
	}

	if f&FlagNoExec == 0 {
		s[2] = 'x'
	}

	if f&FlagUser != 0 {
		s[3] = 'u'
	}

	if f&FlagGlobal != 0 {
		s = append(s, 'g')
	}

	return string(s)
}

// Root is an opaque handle to a page-table root.
type Root uint64

const NoRoot Root = 0

// Physical is the page-granular physical allocator. Project returns the
// direct-mapped bytes backing [addr, addr+size), which must lie inside a
// single allocation.
type Physical interface {
	Alloc(size uint64) (uint64, error)
	Free(addr uint64) error
	Project(addr, size uint64) ([]byte, error)
}

// Pager manipulates page tables. Unmap returns the physical address that
// backed the first page of the range.
type Pager interface {
	CreateTables() (Root, error)
	FreeTables(root Root) error
	KernelRoot() Root

	Map(root Root, virt, phys, size uint64, flags Flags) error
	Unmap(root Root, virt, size uint64) (uint64, error)
	Clone(root Root, dst, src, size uint64, flags Flags) error
	Protect(root Root, virt, size uint64, flags Flags) error
	Translate(root Root, virt uint64) (uint64, Flags, bool)
	Walk(root Root, fn func(virt, phys uint64, flags Flags) error) error
}

// VirtualAllocator hands out virtual ranges inside a fixed window.
type VirtualAllocator interface {
	Alloc(size uint64) (uint64, error)
	AllocAt(addr, size uint64) error
	Free(addr uint64) (uint64, error)
	QueryLength(addr uint64) uint64
	Fork() VirtualAllocator
}

func PageRound(sz uint64) uint64 {
	if sz == 0 {
		return 0
	}

	return (sz + PageMask) &^ PageMask
}

func PageAlign(addr uint64) uint64 {
	return addr &^ PageMask
}

func IsAligned(addr uint64) bool {
	return addr&PageMask == 0
}
