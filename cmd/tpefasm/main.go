// tpefasm - TPEF assembler
//
// Usage: tpefasm [flags] file.s
//
// Flags:
//   -m file    Machine description (JSON, required)
//   -o file    Write output to file (default: out.tpef)
//   -v         Print warnings as well as errors

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gmofishsauce/tpef/asm"
	"github.com/gmofishsauce/tpef/tpef/writer"
)

func main() {
	machinePath := flag.String("m", "", "machine description (JSON, required)")
	output := flag.String("o", "out.tpef", "output file")
	verbose := flag.Bool("v", false, "print warnings as well as errors")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] file.s\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "TPEF assembler\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *machinePath == "" || flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	machine, err := loadMachine(*machinePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tpefasm: %v\n", err)
		os.Exit(1)
	}

	srcPath := flag.Arg(0)
	src, err := os.ReadFile(srcPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tpefasm: %v\n", err)
		os.Exit(1)
	}

	bin, diags, err := asm.Assemble(string(src), machine)
	if *verbose {
		for _, w := range diags.Warnings() {
			fmt.Fprintf(os.Stderr, "%s:%d: warning: %s\n", srcPath, w.Line, w.Message)
		}
	}
	if err != nil {
		for _, e := range diags.Errors() {
			fmt.Fprintf(os.Stderr, "%s:%d: error: %s\n", srcPath, e.Line, e.Message)
		}
		fmt.Fprintf(os.Stderr, "tpefasm: %v\n", err)
		os.Exit(1)
	}

	data, err := writer.Write(bin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tpefasm: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(*output, data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "tpefasm: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Assembly successful: %s\n", *output)
}
