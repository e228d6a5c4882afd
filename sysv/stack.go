// Package sysv lays out the initial process stack expected by SysV style
// program startup code.
package sysv

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/evanphx/arctan/abi"
	"github.com/evanphx/arctan/loader"
	"github.com/evanphx/arctan/memory"
)

const wordSize = 8

var (
	ErrStackOverflow = errors.New("initial stack does not fit")
	ErrBadStack      = errors.New("bad stack pointer")
)

// AuxEntry is a single auxiliary vector tag/value pair.
type AuxEntry struct {
	Tag   uint64
	Value uint64
}

// Auxv returns the auxiliary vector entries describing meta, excluding the
// terminating AT_NULL.
func Auxv(meta *loader.ELFMeta) []AuxEntry {
	var aux []AuxEntry

	if meta != nil {
		aux = append(aux, AuxEntry{abi.AT_ENTRY, meta.Entry})

		if meta.Phdr != 0 {
			aux = append(aux,
				AuxEntry{abi.AT_PHDR, meta.Phdr},
				AuxEntry{abi.AT_PHENT, meta.Phent},
				AuxEntry{abi.AT_PHNUM, meta.Phnum},
			)
		}
	}

	aux = append(aux, AuxEntry{abi.AT_PAGESZ, memory.PageSize})

	return aux
}

type builder struct {
	mem  []byte
	base uint64
	sp   int
}

func (b *builder) addr() uint64 {
	return b.base + uint64(b.sp)
}

func (b *builder) pushString(s string) (uint64, error) {
	need := len(s) + 1
	if b.sp < need {
		return 0, errors.Wrapf(ErrStackOverflow, "pushing string of %d bytes", len(s))
	}

	b.sp -= need

	copy(b.mem[b.sp:], s)
	b.mem[b.sp+len(s)] = 0

	return b.addr(), nil
}

func (b *builder) align() {
	b.sp -= int(b.addr() % wordSize)
}

func (b *builder) push(val uint64) error {
	b.align()

	if b.sp < wordSize {
		return errors.Wrap(ErrStackOverflow, "pushing word")
	}

	b.sp -= wordSize

	binary.LittleEndian.PutUint64(b.mem[b.sp:], val)

	return nil
}

// Prepare writes env, argv and the auxiliary vector into stack, the direct
// view of the memory that ends at virtual address top. It returns how far
// below top the initial stack pointer is. The stack pointer is 16 byte
// aligned and points at argc.
func Prepare(stack []byte, top uint64, meta *loader.ELFMeta, env, argv []string) (uint64, error) {
	if uint64(len(stack)) > top {
		return 0, errors.Wrapf(ErrBadStack, "stack of %d bytes ends at %#x", len(stack), top)
	}

	b := &builder{
		mem:  stack,
		base: top - uint64(len(stack)),
		sp:   len(stack),
	}

	envPtrs := make([]uint64, len(env))

	for i := len(env) - 1; i >= 0; i-- {
		addr, err := b.pushString(env[i])
		if err != nil {
			return 0, err
		}

		envPtrs[i] = addr
	}

	argPtrs := make([]uint64, len(argv))

	for i := len(argv) - 1; i >= 0; i-- {
		addr, err := b.pushString(argv[i])
		if err != nil {
			return 0, err
		}

		argPtrs[i] = addr
	}

	aux := Auxv(meta)

	b.align()
	if b.sp < 0 {
		return 0, errors.Wrap(ErrStackOverflow, "aligning strings")
	}

	// argc, argv, NULL, envp, NULL, auxv pairs, AT_NULL pair
	words := 1 + len(argv) + 1 + len(env) + 1 + 2*len(aux) + 2

	if (b.addr()-uint64(words*wordSize))%16 != 0 {
		if err := b.push(0); err != nil {
			return 0, err
		}
	}

	if err := b.push(0); err != nil {
		return 0, err
	}

	if err := b.push(abi.AT_NULL); err != nil {
		return 0, err
	}

	for i := len(aux) - 1; i >= 0; i-- {
		if err := b.push(aux[i].Value); err != nil {
			return 0, err
		}

		if err := b.push(aux[i].Tag); err != nil {
			return 0, err
		}
	}

	if err := b.push(0); err != nil {
		return 0, err
	}

	for i := len(envPtrs) - 1; i >= 0; i-- {
		if err := b.push(envPtrs[i]); err != nil {
			return 0, err
		}
	}

	if err := b.push(0); err != nil {
		return 0, err
	}

	for i := len(argPtrs) - 1; i >= 0; i-- {
		if err := b.push(argPtrs[i]); err != nil {
			return 0, err
		}
	}

	if err := b.push(uint64(len(argv))); err != nil {
		return 0, err
	}

	return top - b.addr(), nil
}
