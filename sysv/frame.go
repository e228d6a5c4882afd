package sysv

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/evanphx/arctan/abi"
)

// Frame is an initial stack read back from memory.
type Frame struct {
	Argc uint64
	Argv []string
	Env  []string
	Aux  []AuxEntry
}

type reader struct {
	mem  []byte
	base uint64
}

func (r *reader) word(addr uint64) (uint64, error) {
	if addr < r.base || addr+wordSize > r.base+uint64(len(r.mem)) {
		return 0, errors.Wrapf(ErrBadStack, "word at %#x", addr)
	}

	return binary.LittleEndian.Uint64(r.mem[addr-r.base:]), nil
}

func (r *reader) str(addr uint64) (string, error) {
	if addr < r.base || addr >= r.base+uint64(len(r.mem)) {
		return "", errors.Wrapf(ErrBadStack, "string at %#x", addr)
	}

	data := r.mem[addr-r.base:]

	idx := bytes.IndexByte(data, 0)
	if idx < 0 {
		return "", errors.Wrapf(ErrBadStack, "unterminated string at %#x", addr)
	}

	return string(data[:idx]), nil
}

func (r *reader) strings(addr uint64) ([]string, uint64, error) {
	var out []string

	for {
		ptr, err := r.word(addr)
		if err != nil {
			return nil, 0, err
		}

		addr += wordSize

		if ptr == 0 {
			return out, addr, nil
		}

		s, err := r.str(ptr)
		if err != nil {
			return nil, 0, err
		}

		out = append(out, s)
	}
}

// ReadFrame decodes the stack prepared in stack (ending at top) starting at
// the stack pointer sp.
func ReadFrame(stack []byte, top, sp uint64) (*Frame, error) {
	r := &reader{mem: stack, base: top - uint64(len(stack))}

	argc, err := r.word(sp)
	if err != nil {
		return nil, err
	}

	f := &Frame{Argc: argc}

	addr := sp + wordSize

	f.Argv, addr, err = r.strings(addr)
	if err != nil {
		return nil, err
	}

	if uint64(len(f.Argv)) != argc {
		return nil, errors.Wrapf(ErrBadStack, "argc %d but %d arguments", argc, len(f.Argv))
	}

	f.Env, addr, err = r.strings(addr)
	if err != nil {
		return nil, err
	}

	for {
		tag, err := r.word(addr)
		if err != nil {
			return nil, err
		}

		val, err := r.word(addr + wordSize)
		if err != nil {
			return nil, err
		}

		addr += 2 * wordSize

		if tag == abi.AT_NULL {
			return f, nil
		}

		f.Aux = append(f.Aux, AuxEntry{Tag: tag, Value: val})
	}
}

// Lookup returns the value of the auxv entry tag.
func (f *Frame) Lookup(tag uint64) (uint64, bool) {
	for _, a := range f.Aux {
		if a.Tag == tag {
			return a.Value, true
		}
	}

	return 0, false
}
