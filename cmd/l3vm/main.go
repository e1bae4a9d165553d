// Command l3vm runs, assembles, interprets and disassembles L3
// bytecode programs.
//
// Given a program image as its only argument it loads and runs the
// image, and the process exit status is the value the program passed
// to HALT, truncated to the low 8 bits.
package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"l3vm/pkg/asm"
	"l3vm/pkg/mem"
	"l3vm/pkg/vm"
)

func main() {
	log.SetFlags(0)
	exitCode := 0
	var verbose bool
	var output string

	rootCmd := &cobra.Command{
		Use:           "l3vm <program-image>",
		Short:         "L3 virtual machine — run compiled L3 bytecode",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := runImage(args[0], verbose)
			if err != nil {
				return err
			}
			exitCode = int(code) & 0xff
			return nil
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Trace every instruction to stderr")

	runCmd := &cobra.Command{
		Use:   "run <program-image>",
		Short: "Run a bytecode image (same as the bare invocation)",
		Args:  cobra.ExactArgs(1),
		RunE:  rootCmd.RunE,
	}

	asmCmd := &cobra.Command{
		Use:   "asm <assembly-file>",
		Short: "Assemble a source file into a bytecode image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return assemble(args[0], output)
		},
	}
	asmCmd.Flags().StringVarP(&output, "output", "o", "",
		"Output image path (default stdout)")

	interpCmd := &cobra.Command{
		Use:   "interp <assembly-file>",
		Short: "Assemble a source file and run it in one step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := interp(args[0], verbose)
			if err != nil {
				return err
			}
			exitCode = int(code) & 0xff
			return nil
		},
	}

	disCmd := &cobra.Command{
		Use:   "dis <program-image>",
		Short: "Disassemble a bytecode image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return disassemble(args[0])
		},
	}

	rootCmd.AddCommand(runCmd, asmCmd, interpCmd, disCmd)
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
	os.Exit(exitCode)
}

func runImage(filename string, verbose bool) (int32, error) {
	fp, err := os.Open(filename)
	if err != nil {
		return 0, err
	}
	defer fp.Close()
	m := mem.New(mem.DefaultSize)
	if _, err := vm.LoadImage(fp, m); err != nil {
		return 0, err
	}
	return execute(vm.New(m), verbose)
}

func interp(filename string, verbose bool) (int32, error) {
	fp, err := os.Open(filename)
	if err != nil {
		return 0, err
	}
	defer fp.Close()
	words, err := asm.Assemble(fp)
	if err != nil {
		return 0, err
	}
	m := mem.New(mem.DefaultSize)
	for i, word := range words {
		m.Set(int32(i), int32(word))
	}
	m.SetHeapStart(int32(len(words)))
	return execute(vm.New(m), verbose)
}

func execute(eng *vm.Engine, verbose bool) (int32, error) {
	if !verbose {
		return eng.Run()
	}
	for {
		ci := eng.Fetch()
		log.Printf("vm: %s", eng)
		log.Printf("vm: %#032b %s", ci, vm.Disassemble(ci))
		if err := eng.Execute(ci); err != nil {
			if errors.Is(err, vm.ErrHalted) {
				return eng.ExitCode(), nil
			}
			return 0, err
		}
	}
}

func assemble(filename, output string) error {
	fp, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer fp.Close()
	out := os.Stdout
	if output != "" {
		out, err = os.Create(output)
		if err != nil {
			return err
		}
		defer out.Close()
	}
	for instr := range asm.StartAssembler(fp) {
		line, err := instr.Encode()
		if err != nil {
			return fmt.Errorf("line %d: %w", instr.Lineno, err)
		}
		fmt.Fprint(out, line)
	}
	return nil
}

func disassemble(filename string) error {
	fp, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer fp.Close()
	m := mem.New(mem.DefaultSize)
	count, err := vm.LoadImage(fp, m)
	if err != nil {
		return err
	}
	for ix := int32(0); ix < count; ix++ {
		word := m.Get(ix)
		fmt.Printf("%6d: %08x  %s\n", ix, uint32(word), vm.Disassemble(word))
	}
	return nil
}
