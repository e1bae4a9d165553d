package asm

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"l3vm/pkg/vm"
)

// The following errors may be returned.
var (
	// ErrBadSyntax indicates a line the parser cannot make sense of.
	ErrBadSyntax = errors.New("asm: syntax error")

	// ErrUnknownMnemonic indicates a mnemonic outside the instruction set.
	ErrUnknownMnemonic = errors.New("asm: unknown mnemonic")

	// ErrBadRegister indicates a malformed register name.
	ErrBadRegister = errors.New("asm: invalid register")

	// ErrCannotEncode indicates an operand that cannot be encoded,
	// e.g. a label that is never defined.
	ErrCannotEncode = errors.New("asm: cannot encode")

	// ErrOutOfRange indicates an immediate that does not fit its field.
	ErrOutOfRange = errors.New("asm: value out of range")

	// ErrTooManyInstructions indicates that the program does not fit
	// the address space.
	ErrTooManyInstructions = errors.New("asm: too many instructions")
)

// format selects how an instruction's operands are encoded.
type format int

const (
	formatRRR    format = iota // op ra rb rc
	formatRR                   // op ra rb
	formatR                    // op ra
	formatNone                 // op
	formatBranch               // op ra rb offset|label
	formatJump                 // op offset|label
	formatLdLo                 // op ra imm|label
	formatLdHi                 // op ra imm|label
	formatRalo                 // op window size
	formatBalo                 // op ra rb tag
)

// opSpec describes one mnemonic.
type opSpec struct {
	opcode int32
	format format
}

func (s opSpec) nargs() int {
	switch s.format {
	case formatRRR, formatBranch, formatBalo:
		return 3
	case formatRR, formatLdLo, formatLdHi, formatRalo:
		return 2
	case formatR, formatJump:
		return 1
	default:
		return 0
	}
}

var mnemonics = map[string]opSpec{
	"add":  {vm.OpcodeADD, formatRRR},
	"sub":  {vm.OpcodeSUB, formatRRR},
	"mul":  {vm.OpcodeMUL, formatRRR},
	"div":  {vm.OpcodeDIV, formatRRR},
	"mod":  {vm.OpcodeMOD, formatRRR},
	"lsl":  {vm.OpcodeLSL, formatRRR},
	"lsr":  {vm.OpcodeLSR, formatRRR},
	"and":  {vm.OpcodeAND, formatRRR},
	"or":   {vm.OpcodeOR, formatRRR},
	"xor":  {vm.OpcodeXOR, formatRRR},
	"jlt":  {vm.OpcodeJLT, formatBranch},
	"jle":  {vm.OpcodeJLE, formatBranch},
	"jeq":  {vm.OpcodeJEQ, formatBranch},
	"jne":  {vm.OpcodeJNE, formatBranch},
	"ji":   {vm.OpcodeJI, formatJump},
	"tcal": {vm.OpcodeTCAL, formatR},
	"call": {vm.OpcodeCALL, formatR},
	"ret":  {vm.OpcodeRET, formatNone},
	"halt": {vm.OpcodeHALT, formatR},
	"ldlo": {vm.OpcodeLDLO, formatLdLo},
	"ldhi": {vm.OpcodeLDHI, formatLdHi},
	"move": {vm.OpcodeMOVE, formatRR},
	"ralo": {vm.OpcodeRALO, formatRalo},
	"balo": {vm.OpcodeBALO, formatBalo},
	"bsiz": {vm.OpcodeBSIZ, formatRR},
	"btag": {vm.OpcodeBTAG, formatRR},
	"bget": {vm.OpcodeBGET, formatRRR},
	"bset": {vm.OpcodeBSET, formatRRR},
	"brea": {vm.OpcodeBREA, formatR},
	"bwri": {vm.OpcodeBWRI, formatR},
}

// sourceInstr is one parsed instruction waiting for the label table.
type sourceInstr struct {
	lineno int
	spec   opSpec
	args   []string
}

// encode encodes the instruction given the table mapping each label
// to its cell index and the instruction's own cell index pc.
func (si sourceInstr) encode(labels map[string]int64, pc int32) (uint32, error) {
	out := uint32(si.spec.opcode) << 26
	switch si.spec.format {
	case formatRRR:
		return si.encodeRegs(out, 3)
	case formatRR:
		return si.encodeRegs(out, 2)
	case formatR:
		return si.encodeRegs(out, 1)
	case formatNone:
		return out, nil
	case formatBranch:
		out, err := si.encodeRegs(out, 2)
		if err != nil {
			return 0, err
		}
		off, err := resolveOffset(labels, si.args[2], pc)
		if err != nil {
			return 0, err
		}
		field, err := CastToUint32(off, 10)
		if err != nil {
			return 0, err
		}
		return out | field&0x3FF, nil
	case formatJump:
		off, err := resolveOffset(labels, si.args[0], pc)
		if err != nil {
			return 0, err
		}
		field, err := CastToUint32(off, 26)
		if err != nil {
			return 0, err
		}
		return out | field&0x3FF_FFFF, nil
	case formatLdLo:
		out, err := si.encodeRegs(out, 1)
		if err != nil {
			return 0, err
		}
		value, isLabel, err := resolveValue(labels, si.args[1])
		if err != nil {
			return 0, err
		}
		if isLabel {
			// low 18 bits of the byte address; a paired ldhi with the
			// same label completes the constant
			return out | uint32(value<<vm.Log2CellBytes)&0x3_FFFF, nil
		}
		field, err := CastToUint32(value, 18)
		if err != nil {
			return 0, err
		}
		return out | field&0x3_FFFF, nil
	case formatLdHi:
		out, err := si.encodeRegs(out, 1)
		if err != nil {
			return 0, err
		}
		value, isLabel, err := resolveValue(labels, si.args[1])
		if err != nil {
			return 0, err
		}
		if isLabel {
			return out | uint32(value<<vm.Log2CellBytes>>16)&0xFFFF, nil
		}
		field, err := castToUnsigned(value, 16)
		if err != nil {
			return 0, err
		}
		return out | field, nil
	case formatRalo:
		var window uint32
		switch strings.ToUpper(si.args[0]) {
		case "L":
			window = 0
		case "I":
			window = 1
		case "O":
			window = 2
		default:
			return 0, fmt.Errorf("%w: window '%s'", ErrBadSyntax, si.args[0])
		}
		size, err := parseUnsigned(si.args[1], 8)
		if err != nil {
			return 0, err
		}
		return out | window<<24 | size<<16, nil
	case formatBalo:
		out, err := si.encodeRegs(out, 2)
		if err != nil {
			return 0, err
		}
		tag, err := parseUnsigned(si.args[2], 8)
		if err != nil {
			return 0, err
		}
		return out | tag<<2, nil
	default:
		panic("unhandled instruction format")
	}
}

// regShifts are the field positions of RA, RB and RC.
var regShifts = [3]uint{18, 10, 2}

// encodeRegs encodes the first n operands as register references.
func (si sourceInstr) encodeRegs(out uint32, n int) (uint32, error) {
	for k := 0; k < n; k++ {
		r, err := ParseRegister(si.args[k])
		if err != nil {
			return 0, err
		}
		out |= r << regShifts[k]
	}
	return out, nil
}

// ParseRegister parses an assembly register name (L0..L191, I0..I31,
// O0..O31) into its 8-bit encoding.
func ParseRegister(name string) (uint32, error) {
	if len(name) < 2 {
		return 0, fmt.Errorf("%w: '%s'", ErrBadRegister, name)
	}
	n, err := strconv.ParseUint(name[1:], 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: '%s'", ErrBadRegister, name)
	}
	switch name[0] {
	case 'L', 'l':
		if n > 191 {
			return 0, fmt.Errorf("%w: '%s'", ErrBadRegister, name)
		}
		return uint32(n), nil
	case 'I', 'i':
		if n > 31 {
			return 0, fmt.Errorf("%w: '%s'", ErrBadRegister, name)
		}
		return uint32(6<<5 | n), nil
	case 'O', 'o':
		if n > 31 {
			return 0, fmt.Errorf("%w: '%s'", ErrBadRegister, name)
		}
		return uint32(7<<5 | n), nil
	default:
		return 0, fmt.Errorf("%w: '%s'", ErrBadRegister, name)
	}
}

// resolveValue resolves a numeric immediate or a label. For labels it
// returns the cell index of the labelled instruction and isLabel true.
func resolveValue(labels map[string]int64, name string) (value int64, isLabel bool, err error) {
	value, err = strconv.ParseInt(name, 0, 64)
	if err == nil {
		return value, false, nil
	}
	value, found := labels[name]
	if !found {
		return 0, false, fmt.Errorf("%w because label '%s' is missing", ErrCannotEncode, name)
	}
	return value, true, nil
}

// resolveOffset resolves a branch operand: a numeric value is a cell
// offset used verbatim, a label is converted to target minus pc.
func resolveOffset(labels map[string]int64, name string, pc int32) (int64, error) {
	value, isLabel, err := resolveValue(labels, name)
	if err != nil {
		return 0, err
	}
	if isLabel {
		return value - int64(pc), nil
	}
	return value, nil
}

// CastToUint32 casts the given value to uint32, checking that it fits
// the two's-complement range of the given number of bits.
func CastToUint32(value int64, bits int) (uint32, error) {
	if bits < 1 || bits > 32 {
		panic("bits value out of range")
	}
	if value < -(1<<(bits-1)) || value > ((1<<(bits-1))-1) {
		return 0, fmt.Errorf("%w for %d-bit field: %d", ErrOutOfRange, bits, value)
	}
	return uint32(value), nil
}

// castToUnsigned checks that value fits bits as an unsigned field.
func castToUnsigned(value int64, bits int) (uint32, error) {
	if value < 0 || value >= 1<<bits {
		return 0, fmt.Errorf("%w for unsigned %d-bit field: %d", ErrOutOfRange, bits, value)
	}
	return uint32(value), nil
}

// parseUnsigned parses a numeric operand that must fit bits unsigned.
func parseUnsigned(name string, bits int) (uint32, error) {
	value, err := strconv.ParseInt(name, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: '%s'", ErrBadSyntax, name)
	}
	return castToUnsigned(value, bits)
}
