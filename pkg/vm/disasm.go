package vm

import "fmt"

// RegName returns the assembly name of an 8-bit register reference:
// L0..L191 for the local windows, I0..I31 for the input window and
// O0..O31 for the outgoing window.
func RegName(r int32) string {
	i := r & 0x1F
	switch r >> 5 {
	case 6:
		return fmt.Sprintf("I%d", i)
	case 7:
		return fmt.Sprintf("O%d", i)
	default:
		return fmt.Sprintf("L%d", r)
	}
}

// windowNames maps the RALO window selector to its assembly name.
var windowNames = [4]string{"L", "I", "O", "?"}

// Disassemble disassembles a single instruction and returns valid
// assembly code implementing such instruction.
func Disassemble(ci int32) string {
	ra := RegName(DecodeRA(ci))
	rb := RegName(DecodeRB(ci))
	rc := RegName(DecodeRC(ci))
	switch DecodeOpcode(ci) {
	case OpcodeADD:
		return fmt.Sprintf("add %s %s %s", ra, rb, rc)
	case OpcodeSUB:
		return fmt.Sprintf("sub %s %s %s", ra, rb, rc)
	case OpcodeMUL:
		return fmt.Sprintf("mul %s %s %s", ra, rb, rc)
	case OpcodeDIV:
		return fmt.Sprintf("div %s %s %s", ra, rb, rc)
	case OpcodeMOD:
		return fmt.Sprintf("mod %s %s %s", ra, rb, rc)
	case OpcodeLSL:
		return fmt.Sprintf("lsl %s %s %s", ra, rb, rc)
	case OpcodeLSR:
		return fmt.Sprintf("lsr %s %s %s", ra, rb, rc)
	case OpcodeAND:
		return fmt.Sprintf("and %s %s %s", ra, rb, rc)
	case OpcodeOR:
		return fmt.Sprintf("or %s %s %s", ra, rb, rc)
	case OpcodeXOR:
		return fmt.Sprintf("xor %s %s %s", ra, rb, rc)
	case OpcodeJLT:
		return fmt.Sprintf("jlt %s %s %d", ra, rb, ExtractS(ci, 0, 10))
	case OpcodeJLE:
		return fmt.Sprintf("jle %s %s %d", ra, rb, ExtractS(ci, 0, 10))
	case OpcodeJEQ:
		return fmt.Sprintf("jeq %s %s %d", ra, rb, ExtractS(ci, 0, 10))
	case OpcodeJNE:
		return fmt.Sprintf("jne %s %s %d", ra, rb, ExtractS(ci, 0, 10))
	case OpcodeJI:
		return fmt.Sprintf("ji %d", ExtractS(ci, 0, 26))
	case OpcodeTCAL:
		return fmt.Sprintf("tcal %s", ra)
	case OpcodeCALL:
		return fmt.Sprintf("call %s", ra)
	case OpcodeRET:
		return "ret"
	case OpcodeHALT:
		return fmt.Sprintf("halt %s", ra)
	case OpcodeLDLO:
		return fmt.Sprintf("ldlo %s %d", ra, ExtractS(ci, 0, 18))
	case OpcodeLDHI:
		return fmt.Sprintf("ldhi %s %d", ra, ExtractU(ci, 0, 16))
	case OpcodeMOVE:
		return fmt.Sprintf("move %s %s", ra, rb)
	case OpcodeRALO:
		return fmt.Sprintf("ralo %s %d",
			windowNames[ExtractU(ci, 24, 2)], ExtractU(ci, 16, 8))
	case OpcodeBALO:
		return fmt.Sprintf("balo %s %s %d", ra, rb, ExtractU(ci, 2, 8))
	case OpcodeBSIZ:
		return fmt.Sprintf("bsiz %s %s", ra, rb)
	case OpcodeBTAG:
		return fmt.Sprintf("btag %s %s", ra, rb)
	case OpcodeBGET:
		return fmt.Sprintf("bget %s %s %s", ra, rb, rc)
	case OpcodeBSET:
		return fmt.Sprintf("bset %s %s %s", ra, rb, rc)
	case OpcodeBREA:
		return fmt.Sprintf("brea %s", ra)
	case OpcodeBWRI:
		return fmt.Sprintf("bwri %s", ra)
	default:
		return fmt.Sprintf("<unknown instruction: %d>", ci)
	}
}
