package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/evanphx/arctan/memory"
)

const (
	// elfMagic identifies an ELF file.
	elfMagic = "\x7fELF"

	// maxTotalPhdrSize is the maximum combined size of all program
	// headers. Linux limits this to one page.
	maxTotalPhdrSize = memory.PageSize
)

var (
	ErrInvalidBinary = errors.New("invalid binary")

	prog64Size = binary.Size(elf.Prog64{})
)

// ELFMeta is what the rest of the kernel needs from a loaded image. Phdr
// is the virtual address of the program headers when they are part of a
// loaded segment, zero otherwise.
type ELFMeta struct {
	Entry uint64

	Phdr  uint64
	Phent uint64
	Phnum uint64
}

// elfInfo contains the parsed headers of an ELF image.
type elfInfo struct {
	entry   uint64
	machine elf.Machine
	typ     elf.Type

	phoff uint64
	phdrs []elf.ProgHeader
}

func invalid(err error, format string, args ...interface{}) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = ErrInvalidBinary
	}

	return errors.Wrapf(err, format, args...)
}

// parseHeader reads the file header and program headers. It only accepts
// 64-bit little endian images.
func parseHeader(r io.ReadSeeker) (*elfInfo, error) {
	var ident [elf.EI_NIDENT]byte

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	if _, err := io.ReadFull(r, ident[:]); err != nil {
		return nil, invalid(err, "reading elf ident")
	}

	if !bytes.Equal(ident[:len(elfMagic)], []byte(elfMagic)) {
		return nil, errors.Wrap(ErrInvalidBinary, "file is not an ELF")
	}

	if class := elf.Class(ident[elf.EI_CLASS]); class != elf.ELFCLASS64 {
		return nil, errors.Wrapf(ErrInvalidBinary, "unsupported ELF class: %v", class)
	}

	if endian := elf.Data(ident[elf.EI_DATA]); endian != elf.ELFDATA2LSB {
		return nil, errors.Wrapf(ErrInvalidBinary, "unsupported ELF endianness: %v", endian)
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var hdr elf.Header64

	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, invalid(err, "reading elf header")
	}

	info := &elfInfo{
		entry:   hdr.Entry,
		machine: elf.Machine(hdr.Machine),
		typ:     elf.Type(hdr.Type),
		phoff:   hdr.Phoff,
	}

	if hdr.Phnum == 0 {
		return info, nil
	}

	if int(hdr.Phentsize) != prog64Size {
		return nil, errors.Wrapf(ErrInvalidBinary, "unsupported phdr size %d", hdr.Phentsize)
	}

	if total := prog64Size * int(hdr.Phnum); total > maxTotalPhdrSize {
		return nil, errors.Wrapf(ErrInvalidBinary, "too many phdrs (%d): total size %d > %d", hdr.Phnum, total, maxTotalPhdrSize)
	}

	if int64(hdr.Phoff) < 0 {
		return nil, errors.Wrapf(ErrInvalidBinary, "unsupported phdr offset %d", hdr.Phoff)
	}

	if _, err := r.Seek(int64(hdr.Phoff), io.SeekStart); err != nil {
		return nil, invalid(err, "seeking to program headers")
	}

	progs := make([]elf.Prog64, hdr.Phnum)

	if err := binary.Read(r, binary.LittleEndian, progs); err != nil {
		return nil, invalid(err, "reading program headers")
	}

	info.phdrs = make([]elf.ProgHeader, len(progs))

	for i, p := range progs {
		info.phdrs[i] = elf.ProgHeader{
			Type:   elf.ProgType(p.Type),
			Flags:  elf.ProgFlag(p.Flags),
			Off:    p.Off,
			Vaddr:  p.Vaddr,
			Paddr:  p.Paddr,
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
			Align:  p.Align,
		}
	}

	return info, nil
}

// phdrAddr finds where the program headers live once the image is loaded.
func (info *elfInfo) phdrAddr() uint64 {
	for _, ph := range info.phdrs {
		if ph.Type == elf.PT_PHDR {
			return ph.Vaddr
		}
	}

	for _, ph := range info.phdrs {
		if ph.Type != elf.PT_LOAD {
			continue
		}

		if info.phoff >= ph.Off && info.phoff < ph.Off+ph.Filesz {
			return ph.Vaddr + (info.phoff - ph.Off)
		}
	}

	return 0
}

func progFlags(f elf.ProgFlag, userspace bool) memory.Flags {
	var flags memory.Flags

	if f&elf.PF_W == elf.PF_W {
		flags |= memory.FlagWrite
	}

	if f&elf.PF_X == 0 {
		flags |= memory.FlagNoExec
	}

	if userspace {
		flags |= memory.FlagUser
	}

	return flags
}

// unionFlags returns the permissions needed by a page shared by two
// segments.
func unionFlags(a, b memory.Flags) memory.Flags {
	return ((a | b) &^ memory.FlagNoExec) | (a & b & memory.FlagNoExec)
}

// Headers is the parsed view of an image as the loader sees it.
type Headers struct {
	Entry   uint64
	Type    elf.Type
	Machine elf.Machine

	// Phdr is the load address of the program headers, zero when no
	// segment carries them.
	Phdr  uint64
	Progs []elf.ProgHeader
}

// Inspect parses the headers of r without loading anything.
func Inspect(r io.ReadSeeker) (*Headers, error) {
	info, err := parseHeader(r)
	if err != nil {
		return nil, err
	}

	return &Headers{
		Entry:   info.entry,
		Type:    info.typ,
		Machine: info.machine,
		Phdr:    info.phdrAddr(),
		Progs:   info.phdrs,
	}, nil
}
