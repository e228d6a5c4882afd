package loader

import (
	"context"
	"debug/elf"
	"encoding/base64"
	"io"

	"github.com/davecgh/go-spew/spew"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/evanphx/arctan/log"
	"github.com/evanphx/arctan/memory"
)

// Space is the address space an image is materialized into.
type Space interface {
	Userspace() bool

	// Allocate backs [virt, virt+size) with fresh physical memory and
	// returns its physical address.
	Allocate(virt, size uint64, flags memory.Flags) (uint64, error)

	// Release unmaps [virt, virt+size) and frees the backing memory.
	Release(virt, size uint64) error

	Protect(virt, size uint64, flags memory.Flags) error

	Physical() memory.Physical
}

type Loader struct {
	L     hclog.Logger
	cache *LoaderCache
}

func NewLoader(cache *LoaderCache) *Loader {
	return &Loader{
		L:     log.L.Named("loader"),
		cache: cache,
	}
}

func (l *Loader) headers(r io.ReadSeeker) (*elfInfo, error) {
	if l.cache == nil {
		return parseHeader(r)
	}

	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	_, err = io.Copy(h, r)
	if err != nil {
		return nil, err
	}

	key := base64.URLEncoding.EncodeToString(h.Sum(nil))

	l.L.Trace("looking for cached headers", "key", key)

	if info, ok := l.cache.Lookup(key); ok {
		return info, nil
	}

	info, err := parseHeader(r)
	if err != nil {
		return nil, err
	}

	l.cache.Set(key, info)
	l.L.Trace("cached headers", "key", key)

	return info, nil
}

// Load maps every PT_LOAD segment of the image in r into space. On failure
// every page mapped by this call is released again.
func (l *Loader) Load(ctx context.Context, space Space, r io.ReadSeeker) (*ELFMeta, error) {
	info, err := l.headers(r)
	if err != nil {
		return nil, err
	}

	l.L.Debug("loading 64-bit elf", "entry", hclog.Fmt("%#x", info.entry), "phnum", len(info.phdrs))

	ld := &load{
		L:     l.L,
		space: space,
		pages: make(map[uint64]*loadedPage),
	}

	for i := range info.phdrs {
		ph := &info.phdrs[i]

		l.L.Trace("program header", "index", i, "header", spew.Sdump(ph))

		switch ph.Type {
		case elf.PT_LOAD:
			if err := ctx.Err(); err != nil {
				ld.rollback()
				return nil, err
			}

			err = ld.segment(r, ph)
			if err != nil {
				l.L.Error("error loading segment", "index", i, "vaddr", hclog.Fmt("%#x", ph.Vaddr), "error", err)
				ld.rollback()
				return nil, err
			}
		case elf.PT_DYNAMIC:
			l.L.Warn("dynamic segment not processed", "index", i)
		default:
			l.L.Debug("skipping program header", "index", i, "type", ph.Type)
		}
	}

	meta := &ELFMeta{
		Entry: info.entry,
	}

	if addr := info.phdrAddr(); addr != 0 {
		meta.Phdr = addr
		meta.Phent = uint64(prog64Size)
		meta.Phnum = uint64(len(info.phdrs))
	}

	l.L.Debug("loaded elf", "entry", hclog.Fmt("%#x", meta.Entry), "pages", len(ld.order))

	return meta, nil
}

type loadedPage struct {
	flags memory.Flags
	buf   []byte
}

// load tracks the pages materialized by a single Load call.
type load struct {
	L     hclog.Logger
	space Space

	pages map[uint64]*loadedPage
	order []uint64
}

// page returns the bytes of the page at virt, allocating it unless an
// earlier segment of this load already did.
func (ld *load) page(virt uint64, flags memory.Flags) ([]byte, error) {
	if pg, ok := ld.pages[virt]; ok {
		want := unionFlags(pg.flags, flags)
		if want != pg.flags {
			err := ld.space.Protect(virt, memory.PageSize, want)
			if err != nil {
				return nil, err
			}

			pg.flags = want
		}

		return pg.buf, nil
	}

	phys, err := ld.space.Allocate(virt, memory.PageSize, flags)
	if err != nil {
		return nil, err
	}

	ld.pages[virt] = nil
	ld.order = append(ld.order, virt)

	buf, err := ld.space.Physical().Project(phys, memory.PageSize)
	if err != nil {
		return nil, err
	}

	ld.pages[virt] = &loadedPage{flags: flags, buf: buf}

	return buf, nil
}

func (ld *load) segment(r io.ReadSeeker, ph *elf.ProgHeader) error {
	if ph.Filesz > ph.Memsz {
		return errors.Wrapf(ErrInvalidBinary, "segment file size %#x exceeds memory size %#x", ph.Filesz, ph.Memsz)
	}

	if ph.Vaddr+ph.Memsz < ph.Vaddr {
		return errors.Wrapf(ErrInvalidBinary, "segment at %#x overflows", ph.Vaddr)
	}

	flags := progFlags(ph.Flags, ld.space.Userspace())

	for off := uint64(0); off < ph.Memsz; {
		vaddr := ph.Vaddr + off
		jank := vaddr & memory.PageMask

		chunk := memory.PageSize - jank
		if left := ph.Memsz - off; left < chunk {
			chunk = left
		}

		buf, err := ld.page(memory.PageAlign(vaddr), flags)
		if err != nil {
			return err
		}

		dst := buf[jank : jank+chunk]

		var fromFile uint64

		if off < ph.Filesz {
			fromFile = ph.Filesz - off
			if fromFile > chunk {
				fromFile = chunk
			}

			if _, err := r.Seek(int64(ph.Off+off), io.SeekStart); err != nil {
				return invalid(err, "seeking to segment data")
			}

			if _, err := io.ReadFull(r, dst[:fromFile]); err != nil {
				return invalid(err, "reading segment data at %#x", ph.Off+off)
			}
		}

		for i := fromFile; i < chunk; i++ {
			dst[i] = 0
		}

		off += chunk
	}

	return nil
}

func (ld *load) rollback() {
	for i := len(ld.order) - 1; i >= 0; i-- {
		virt := ld.order[i]

		err := ld.space.Release(virt, memory.PageSize)
		if err != nil {
			ld.L.Error("error releasing page during rollback", "virt", hclog.Fmt("%#x", virt), "error", err)
		}
	}

	ld.pages = nil
	ld.order = nil
}
