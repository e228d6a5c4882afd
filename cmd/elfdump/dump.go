package main

import (
	"debug/elf"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/davecgh/go-spew/spew"

	"github.com/evanphx/arctan/loader"
)

func flagString(f elf.ProgFlag) string {
	s := []byte("---")

	if f&elf.PF_R != 0 {
		s[0] = 'r'
	}

	if f&elf.PF_W != 0 {
		s[1] = 'w'
	}

	if f&elf.PF_X != 0 {
		s[2] = 'x'
	}

	return string(s)
}

func dump(out io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer f.Close()

	h, err := loader.Inspect(f)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "\n[header]\n")

	tr := tabwriter.NewWriter(out, 4, 8, 1, ' ', 0)
	fmt.Fprintf(tr, "type\t%s\n", h.Type)
	fmt.Fprintf(tr, "machine\t%s\n", h.Machine)
	fmt.Fprintf(tr, "entry\t%#x\n", h.Entry)

	if h.Phdr != 0 {
		fmt.Fprintf(tr, "phdr\t%#x\n", h.Phdr)
	}

	tr.Flush()

	fmt.Fprintf(out, "\n[program headers]\n")

	tr = tabwriter.NewWriter(out, 4, 8, 1, ' ', 0)
	fmt.Fprintf(tr, "idx\ttype\tflags\toffset\tvaddr\tfilesz\tmemsz\tpages\n")

	var pages uint64

	for i, ph := range h.Progs {
		var span uint64
		if ph.Type == elf.PT_LOAD {
			span = pageSpan(ph.Vaddr, ph.Memsz)
			pages += span
		}

		fmt.Fprintf(tr, "%d\t%s\t%s\t%#x\t%#x\t%#x\t%#x\t%d\n",
			i, ph.Type, flagString(ph.Flags), ph.Off, ph.Vaddr, ph.Filesz, ph.Memsz, span)
	}

	tr.Flush()

	// Overlapping segment tails share a page at load time, so this is an
	// upper bound.
	fmt.Fprintf(out, "\nat most %d pages mapped by PT_LOAD segments\n", pages)

	if *fSpew {
		fmt.Fprintf(out, "\n[raw]\n")
		spew.Fdump(out, h.Progs)
	}

	return nil
}
