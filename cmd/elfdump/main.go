package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/pflag"

	"github.com/evanphx/arctan/memory"
)

var fSpew = pflag.BoolP("verbose", "v", false, "dump the raw program headers as well")

func main() {
	pflag.Parse()

	if pflag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "usage: elfdump [-v] <file>...\n")
		os.Exit(1)
	}

	for _, path := range pflag.Args() {
		if pflag.NArg() > 1 {
			fmt.Printf("%s:\n", path)
		}

		err := dump(os.Stdout, path)
		if err != nil {
			log.Fatal(err)
		}
	}
}

func pageSpan(vaddr, memsz uint64) uint64 {
	if memsz == 0 {
		return 0
	}

	return (memory.PageRound(vaddr+memsz) - memory.PageAlign(vaddr)) / memory.PageSize
}
