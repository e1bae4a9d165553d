// Package asm contains the L3 bytecode assembler.
//
// See the documentation of the vm package for more information about
// the instruction set and the bytecode format.
//
// Assembly format
//
// One instruction per line. A '#' starts a comment that runs to the
// end of the line. A token ending with ':' defines a label, either on
// its own line or in front of an instruction; the label names the
// cell index of the next instruction. Operands are separated by
// whitespace:
//
//     loop:  add L2 L2 L1        # registers are L0..L191, I0..I31, O0..O31
//            jlt L1 L3 loop      # branch targets may be labels or offsets
//            ldlo L0 fact        # a label as a load immediate resolves to
//            ldhi L0 fact        # the byte address of the labelled cell
//            call L0
//            ralo O 8            # window letter and frame size
//            balo L4 L1 5        # last operand is the block tag
//
// Numeric immediates accept the usual Go literal bases (42, 0x2a,
// 0b101010). The conditional jumps and JI take a cell offset relative
// to their own cell, so a numeric operand is used verbatim while a
// label is converted to target minus pc.
package asm

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strings"

	"l3vm/pkg/vm"
)

// InstructionOrError contains either an assembled instruction
// or an error that occurred during the assemblation.
type InstructionOrError struct {
	Instruction uint32
	Error       error
	Lineno      int
}

// Encode encodes the current instruction as a bytecode line that the
// vm loader accepts, or returns an error.
func (ioe InstructionOrError) Encode() (string, error) {
	if ioe.Error != nil {
		return "", ioe.Error
	}
	return fmt.Sprintf(
		"%08x\t# %s - line: %d\n",
		ioe.Instruction, vm.Disassemble(int32(ioe.Instruction)), ioe.Lineno,
	), nil
}

// StartAssembler starts the assembler in a background goroutine and
// returns a sequence of InstructionOrError.
func StartAssembler(r io.Reader) <-chan InstructionOrError {
	out := make(chan InstructionOrError)
	go AssemblerAsync(r, out)
	return out
}

// AssemblerAsync runs the assembler. It reads from the input reader
// and it writes InstructionOrError on the output channel.
func AssemblerAsync(r io.Reader, out chan<- InstructionOrError) {
	defer close(out)
	labels := make(map[string]int64)
	var instructions []sourceInstr
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		instr, ok, err := parseLine(scanner.Text(), lineno, labels, int64(len(instructions)))
		if err != nil {
			out <- InstructionOrError{Error: err, Lineno: lineno}
			return
		}
		if ok {
			instructions = append(instructions, instr)
		}
	}
	if err := scanner.Err(); err != nil {
		out <- InstructionOrError{Error: err, Lineno: lineno}
		return
	}
	for pc, instr := range instructions {
		if pc > math.MaxInt32 {
			out <- InstructionOrError{Error: ErrTooManyInstructions, Lineno: instr.lineno}
			return
		}
		encoded, err := instr.encode(labels, int32(pc))
		if err != nil {
			out <- InstructionOrError{Error: err, Lineno: instr.lineno}
			continue
		}
		out <- InstructionOrError{Instruction: encoded, Lineno: instr.lineno}
	}
}

// Assemble reads a whole assembly file and returns the instruction
// words, or the first error annotated with its line number.
func Assemble(r io.Reader) ([]uint32, error) {
	var words []uint32
	for ioe := range StartAssembler(r) {
		if ioe.Error != nil {
			return nil, fmt.Errorf("line %d: %w", ioe.Lineno, ioe.Error)
		}
		words = append(words, ioe.Instruction)
	}
	return words, nil
}

// parseLine splits one source line into a sourceInstr. It records any
// label into labels using idx, the index the next instruction will
// occupy. ok is false for blank lines and label-only lines.
func parseLine(line string, lineno int, labels map[string]int64, idx int64) (sourceInstr, bool, error) {
	if i := strings.Index(line, "#"); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	if len(fields) > 0 && strings.HasSuffix(fields[0], ":") {
		label := strings.TrimSuffix(fields[0], ":")
		if label == "" {
			return sourceInstr{}, false, fmt.Errorf("%w: empty label", ErrBadSyntax)
		}
		if _, dup := labels[label]; dup {
			return sourceInstr{}, false, fmt.Errorf("%w: duplicate label '%s'", ErrBadSyntax, label)
		}
		labels[label] = idx
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return sourceInstr{}, false, nil
	}
	spec, found := mnemonics[strings.ToLower(fields[0])]
	if !found {
		return sourceInstr{}, false, fmt.Errorf("%w: '%s'", ErrUnknownMnemonic, fields[0])
	}
	args := fields[1:]
	if len(args) != spec.nargs() {
		return sourceInstr{}, false, fmt.Errorf(
			"%w: '%s' wants %d operands, got %d",
			ErrBadSyntax, fields[0], spec.nargs(), len(args))
	}
	return sourceInstr{lineno: lineno, spec: spec, args: args}, true, nil
}
