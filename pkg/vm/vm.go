// Package vm contains the L3 virtual machine.
//
// The machine executes the compact bytecode produced by the L3
// ahead-of-time compiler. Memory is a flat array of signed 32-bit
// cells (see package mem); a byte address is a cell index shifted
// left by 2. Addresses stored in cells are always byte addresses,
// indices used inside the engine are cell indices.
//
// Instruction format
//
// Each instruction is 32 bits wide. The top 6 bits select the opcode
// and the remaining 26 bits are operand fields whose interpretation
// depends on the opcode:
//
//     <Opcode:6><RA:8><RB:8><RC:8><Unused:2>
//
// The conditional jumps overlay bits [9:0] with a signed cell offset,
// JI overlays [25:0] with a signed cell offset, LDLO overlays [17:0]
// with a signed 18-bit immediate, LDHI overlays [15:0] with an
// unsigned 16-bit immediate, RALO uses [25:24] for the window
// selector and [23:16] for the frame size, and BALO uses [9:2] for
// the block tag.
//
// Register windows
//
// A register reference is 8 bits, <W:3><I:5>, selecting one of 256
// logical registers. W in 0..5 addresses the local window at Lb with
// offset I+32*W, W=6 addresses the input window at Ib, and W=7
// addresses the outgoing window at Ob. The three bases point at
// heap-allocated register-frame blocks (tag 201). Arguments to a
// call are laid out in the caller's outgoing frame, which CALL
// promotes to the callee's input frame without copying; cells 0..3 of
// a non-initial input frame hold the caller's saved Ib, Lb, Ob and
// return pc, all encoded as byte addresses so a collector can scan
// frames generically.
//
// Bytecode format
//
// A program image is a text file with one instruction per line. Each
// line starts with exactly 8 hexadecimal characters encoding the
// instruction word, most significant nibble first; anything after the
// 8th character is ignored. See LoadImage.
package vm

import (
	"errors"
	"fmt"

	"l3vm/pkg/mem"
)

// The following constants define the opcodes. We have 6 bits to
// define opcodes, so up to 64; the L3 compiler emits exactly these 30.
const (
	OpcodeADD = int32(iota)
	OpcodeSUB
	OpcodeMUL
	OpcodeDIV
	OpcodeMOD
	OpcodeLSL
	OpcodeLSR
	OpcodeAND
	OpcodeOR
	OpcodeXOR
	OpcodeJLT
	OpcodeJLE
	OpcodeJEQ
	OpcodeJNE
	OpcodeJI
	OpcodeTCAL
	OpcodeCALL
	OpcodeRET
	OpcodeHALT
	OpcodeLDLO
	OpcodeLDHI
	OpcodeMOVE
	OpcodeRALO
	OpcodeBALO
	OpcodeBSIZ
	OpcodeBTAG
	OpcodeBGET
	OpcodeBSET
	OpcodeBREA
	OpcodeBWRI
)

// TagRegisterFrame is the block tag reserved for register frames
// allocated by RALO.
const TagRegisterFrame = 201

// Log2CellBytes is the shift between cell indices and byte addresses.
const Log2CellBytes = 2

// The following errors may be returned.
var (
	// ErrHalted indicates that the machine executed HALT. It is the
	// normal way out of the dispatch loop, not a failure.
	ErrHalted = errors.New("vm: halted")

	// ErrBadAddress indicates that a cell value was decoded as a byte
	// address but was misaligned or negative.
	ErrBadAddress = errors.New("vm: invalid byte address")

	// ErrUnknownOpcode indicates that the fetched instruction's opcode
	// is outside the instruction set.
	ErrUnknownOpcode = errors.New("vm: unknown opcode")

	// ErrDivideByZero indicates a DIV or MOD with a zero divisor.
	ErrDivideByZero = errors.New("vm: division by zero")

	// ErrIllegalOperand indicates an operand field with no defined
	// meaning, such as a RALO window selector of 3.
	ErrIllegalOperand = errors.New("vm: illegal operand")

	// ErrMemoryFault indicates a cell access outside the memory.
	ErrMemoryFault = errors.New("vm: memory fault")
)

// ExtractU returns, as an unsigned value, the length-bit field of ci
// that starts at bit start.
func ExtractU(ci int32, start, length uint) int32 {
	return int32(uint32(ci) >> start & (1<<length - 1))
}

// ExtractS is like ExtractU but sign-extends the field from length
// bits to a signed 32-bit value.
func ExtractS(ci int32, start, length uint) int32 {
	bits := ExtractU(ci, start, length)
	m := int32(1) << (length - 1)
	return (bits ^ m) - m
}

// DecodeOpcode decodes the opcode of an instruction.
func DecodeOpcode(ci int32) int32 {
	return ExtractU(ci, 26, 6)
}

// DecodeRA decodes the first register reference of an instruction.
func DecodeRA(ci int32) int32 {
	return ExtractU(ci, 18, 8)
}

// DecodeRB decodes the second register reference of an instruction.
func DecodeRB(ci int32) int32 {
	return ExtractU(ci, 10, 8)
}

// DecodeRC decodes the third register reference of an instruction.
func DecodeRC(ci int32) int32 {
	return ExtractU(ci, 2, 8)
}

// IndexToAddress converts a cell index to a byte address.
func IndexToAddress(ix int32) int32 {
	return ix << Log2CellBytes
}

// AddressToIndex converts a byte address to a cell index. The address
// must be cell-aligned and non-negative.
func AddressToIndex(addr int32) (int32, error) {
	if addr < 0 || addr&(1<<Log2CellBytes-1) != 0 {
		return 0, fmt.Errorf("%w: %d (16#%x)", ErrBadAddress, addr, uint32(addr))
	}
	return addr >> Log2CellBytes, nil
}

// Engine is a machine instance. The engine is not goroutine safe; a
// single goroutine should manage it.
type Engine struct {
	mem     *mem.Memory
	console *Console
	pc      int32 // cell index of the next instruction
	ib      int32 // input window base
	lb      int32 // local window base
	ob      int32 // outgoing window base
	exit    int32 // RA value of the HALT that stopped the machine
}

// New creates an engine running over m, with the console attached to
// the process standard input and output.
func New(m *mem.Memory) *Engine {
	return NewWithConsole(m, StdioConsole())
}

// NewWithConsole is like New but attaches the given console.
func NewWithConsole(m *mem.Memory, c *Console) *Engine {
	return &Engine{mem: m, console: c}
}

// String generates a string representation of the engine state.
func (e *Engine) String() string {
	return fmt.Sprintf("{PC:%d IB:%d LB:%d OB:%d}", e.pc, e.ib, e.lb, e.ob)
}

// ExitCode returns the value HALT left behind. Meaningful only after
// Execute has returned ErrHalted.
func (e *Engine) ExitCode() int32 {
	return e.exit
}

// regIndex resolves an 8-bit register reference to a cell index.
func (e *Engine) regIndex(r int32) int32 {
	i := r & 0x1F
	switch r >> 5 {
	case 6:
		return e.ib + i
	case 7:
		return e.ob + i
	default:
		// six stacked 32-cell windows at Lb; the low 8 bits of the
		// reference are exactly the offset
		return e.lb + r
	}
}

func (e *Engine) ra(ci int32) int32 {
	return e.mem.Get(e.regIndex(DecodeRA(ci)))
}

func (e *Engine) rb(ci int32) int32 {
	return e.mem.Get(e.regIndex(DecodeRB(ci)))
}

func (e *Engine) rc(ci int32) int32 {
	return e.mem.Get(e.regIndex(DecodeRC(ci)))
}

func (e *Engine) setRA(ci, v int32) {
	e.mem.Set(e.regIndex(DecodeRA(ci)), v)
}

// arith executes a three-register arithmetic or bitwise instruction.
func (e *Engine) arith(ci int32, op func(x, y int32) int32) {
	v := op(e.rb(ci), e.rc(ci))
	e.setRA(ci, v)
	e.pc++
}

// condBranch executes a two-register conditional branch with a signed
// 10-bit cell offset.
func (e *Engine) condBranch(ci int32, op func(x, y int32) bool) {
	if op(e.ra(ci), e.rb(ci)) {
		e.pc += ExtractS(ci, 0, 10)
	} else {
		e.pc++
	}
}

// Fetch returns the instruction at the program counter. It does not
// advance the program counter: control instructions need the address
// of their own cell.
func (e *Engine) Fetch() int32 {
	return e.mem.Get(e.pc)
}

// Execute executes the instruction ci and updates the program
// counter. It returns ErrHalted when the machine executed HALT and a
// fatal error when the program is malformed.
func (e *Engine) Execute(ci int32) error {
	switch DecodeOpcode(ci) {
	case OpcodeADD:
		e.arith(ci, func(x, y int32) int32 { return x + y })
	case OpcodeSUB:
		e.arith(ci, func(x, y int32) int32 { return x - y })
	case OpcodeMUL:
		e.arith(ci, func(x, y int32) int32 { return x * y })
	case OpcodeDIV, OpcodeMOD:
		v, err := divide(DecodeOpcode(ci), e.rb(ci), e.rc(ci))
		if err != nil {
			return err
		}
		e.setRA(ci, v)
		e.pc++
	case OpcodeLSL:
		e.arith(ci, func(x, y int32) int32 {
			return int32(uint32(x) << (uint32(y) & 31))
		})
	case OpcodeLSR:
		e.arith(ci, func(x, y int32) int32 {
			return int32(uint32(x) >> (uint32(y) & 31))
		})
	case OpcodeAND:
		e.arith(ci, func(x, y int32) int32 { return x & y })
	case OpcodeOR:
		e.arith(ci, func(x, y int32) int32 { return x | y })
	case OpcodeXOR:
		e.arith(ci, func(x, y int32) int32 { return x ^ y })
	case OpcodeJLT:
		e.condBranch(ci, func(x, y int32) bool { return x < y })
	case OpcodeJLE:
		e.condBranch(ci, func(x, y int32) bool { return x <= y })
	case OpcodeJEQ:
		e.condBranch(ci, func(x, y int32) bool { return x == y })
	case OpcodeJNE:
		e.condBranch(ci, func(x, y int32) bool { return x != y })
	case OpcodeJI:
		e.pc += ExtractS(ci, 0, 26)
	case OpcodeTCAL:
		target, err := AddressToIndex(e.ra(ci))
		if err != nil {
			return err
		}
		// Propagate the caller's saved context one level down so the
		// callee returns directly to the grand-caller.
		ctx0 := e.mem.Get(e.ib + 0)
		ctx1 := e.mem.Get(e.ib + 1)
		ctx2 := e.mem.Get(e.ib + 2)
		ctx3 := e.mem.Get(e.ib + 3)
		e.ib, e.lb, e.ob = e.ob, 0, 0
		e.mem.Set(e.ib+0, ctx0)
		e.mem.Set(e.ib+1, ctx1)
		e.mem.Set(e.ib+2, ctx2)
		e.mem.Set(e.ib+3, ctx3)
		e.pc = target
	case OpcodeCALL:
		target, err := AddressToIndex(e.ra(ci))
		if err != nil {
			return err
		}
		// The outgoing frame, already holding the arguments at cells
		// 4.., becomes the callee's input frame; the saved context
		// goes into cells 0..3 as byte addresses.
		ib, lb, ob, ret := e.ib, e.lb, e.ob, e.pc+1
		e.ib, e.lb, e.ob = ob, 0, 0
		e.mem.Set(e.ib+0, IndexToAddress(ib))
		e.mem.Set(e.ib+1, IndexToAddress(lb))
		e.mem.Set(e.ib+2, IndexToAddress(ob))
		e.mem.Set(e.ib+3, IndexToAddress(ret))
		e.pc = target
	case OpcodeRET:
		retValue := e.mem.Get(e.ib + 4)
		retIb, err := AddressToIndex(e.mem.Get(e.ib + 0))
		if err != nil {
			return err
		}
		retLb, err := AddressToIndex(e.mem.Get(e.ib + 1))
		if err != nil {
			return err
		}
		retOb, err := AddressToIndex(e.mem.Get(e.ib + 2))
		if err != nil {
			return err
		}
		retPc, err := AddressToIndex(e.mem.Get(e.ib + 3))
		if err != nil {
			return err
		}
		e.mem.Set(retOb+0, retValue)
		e.ib, e.lb, e.ob, e.pc = retIb, retLb, retOb, retPc
	case OpcodeHALT:
		e.exit = e.ra(ci)
		if err := e.console.Flush(); err != nil {
			return err
		}
		return ErrHalted
	case OpcodeLDLO:
		e.setRA(ci, ExtractS(ci, 0, 18))
		e.pc++
	case OpcodeLDHI:
		hi := ExtractU(ci, 0, 16) << 16
		lo := e.ra(ci) & 0xFFFF
		e.setRA(ci, hi|lo)
		e.pc++
	case OpcodeMOVE:
		e.setRA(ci, e.rb(ci))
		e.pc++
	case OpcodeRALO:
		size := ExtractU(ci, 16, 8)
		bix, err := e.allocate(TagRegisterFrame, size)
		if err != nil {
			return err
		}
		switch ExtractU(ci, 24, 2) {
		case 0:
			e.lb = bix
		case 1:
			e.ib = bix
		case 2:
			e.ob = bix
		default:
			return fmt.Errorf("%w: register frame target 3", ErrIllegalOperand)
		}
		e.pc++
	case OpcodeBALO:
		tag := ExtractU(ci, 2, 8)
		size := e.rb(ci)
		bix, err := e.allocate(tag, size)
		if err != nil {
			return err
		}
		e.setRA(ci, IndexToAddress(bix))
		e.pc++
	case OpcodeBSIZ:
		bix, err := AddressToIndex(e.rb(ci))
		if err != nil {
			return err
		}
		e.setRA(ci, e.mem.BlockSize(bix))
		e.pc++
	case OpcodeBTAG:
		bix, err := AddressToIndex(e.rb(ci))
		if err != nil {
			return err
		}
		e.setRA(ci, e.mem.BlockTag(bix))
		e.pc++
	case OpcodeBGET:
		bix, err := AddressToIndex(e.rb(ci))
		if err != nil {
			return err
		}
		e.setRA(ci, e.mem.Get(bix+e.rc(ci)))
		e.pc++
	case OpcodeBSET:
		bix, err := AddressToIndex(e.rb(ci))
		if err != nil {
			return err
		}
		e.mem.Set(bix+e.rc(ci), e.ra(ci))
		e.pc++
	case OpcodeBREA:
		b, err := e.console.ReadByte()
		if err != nil {
			return err
		}
		e.setRA(ci, b)
		e.pc++
	case OpcodeBWRI:
		if err := e.console.WriteByte(byte(e.ra(ci))); err != nil {
			return err
		}
		e.pc++
	default:
		return fmt.Errorf("%w: %d", ErrUnknownOpcode, DecodeOpcode(ci))
	}
	return nil
}

// allocate asks the memory for a block, rooting the three window
// bases so a collecting allocator may relocate the live frames and
// update the bases in place.
func (e *Engine) allocate(tag, size int32) (int32, error) {
	return e.mem.Allocate(tag, size, [3]*int32{&e.ib, &e.lb, &e.ob})
}

// divide implements DIV and MOD with truncation toward zero. A zero
// divisor is a fatal error; MinInt32 over -1 wraps like every other
// arithmetic instruction instead of trapping.
func divide(opcode, l, r int32) (int32, error) {
	if r == 0 {
		return 0, ErrDivideByZero
	}
	if r == -1 {
		if opcode == OpcodeDIV {
			return -l, nil
		}
		return 0, nil
	}
	if opcode == OpcodeDIV {
		return l / r, nil
	}
	return l % r, nil
}

// Run executes instructions until HALT and returns the HALT value. A
// cell access outside the memory is reported as ErrMemoryFault with
// the program counter of the faulting instruction.
func (e *Engine) Run() (code int32, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: pc=%d: %v", ErrMemoryFault, e.pc, r)
		}
	}()
	for {
		if err := e.Execute(e.Fetch()); err != nil {
			if errors.Is(err, ErrHalted) {
				return e.exit, nil
			}
			return 0, fmt.Errorf("pc=%d: %w", e.pc, err)
		}
	}
}
