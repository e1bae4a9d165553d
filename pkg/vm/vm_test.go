package vm_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"l3vm/pkg/asm"
	"l3vm/pkg/mem"
	"l3vm/pkg/vm"
)

// Register references used by the word builders below.
const (
	rL0 = int32(iota)
	rL1
	rL2
	rL3
	rL4
)

const (
	rI0 = int32(6<<5 + iota)
)

const (
	rO0 = int32(7<<5 + iota)
	rO1
	rO2
	rO3
	rO4
)

func rrr(op, ra, rb, rc int32) int32 {
	return op<<26 | ra<<18 | rb<<10 | rc<<2
}

func branch(op, ra, rb, off int32) int32 {
	return op<<26 | ra<<18 | rb<<10 | off&0x3FF
}

func ji(off int32) int32 {
	return vm.OpcodeJI<<26 | off&0x3FF_FFFF
}

func ldlo(ra, imm int32) int32 {
	return vm.OpcodeLDLO<<26 | ra<<18 | imm&0x3FFFF
}

func ldhi(ra, imm int32) int32 {
	return vm.OpcodeLDHI<<26 | ra<<18 | imm&0xFFFF
}

func ralo(window, size int32) int32 {
	return vm.OpcodeRALO<<26 | window<<24 | size<<16
}

func balo(ra, rb, tag int32) int32 {
	return vm.OpcodeBALO<<26 | ra<<18 | rb<<10 | tag<<2
}

func call(ra int32) int32 { return vm.OpcodeCALL<<26 | ra<<18 }

func tcal(ra int32) int32 { return vm.OpcodeTCAL<<26 | ra<<18 }

func ret() int32 { return vm.OpcodeRET << 26 }

func halt(ra int32) int32 { return vm.OpcodeHALT<<26 | ra<<18 }

// newMachine loads the given words into a fresh memory, marks the
// heap start past them, and attaches a console over stdin/stdout
// buffers.
func newMachine(words []int32, stdin string) (*vm.Engine, *bytes.Buffer) {
	m := mem.New(4096)
	for i, w := range words {
		m.Set(int32(i), w)
	}
	m.SetHeapStart(int32(len(words)))
	var stdout bytes.Buffer
	eng := vm.NewWithConsole(m, vm.NewConsole(strings.NewReader(stdin), &stdout))
	return eng, &stdout
}

func run(t *testing.T, words []int32, stdin string) (int32, string) {
	t.Helper()
	eng, stdout := newMachine(words, stdin)
	code, err := eng.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return code, stdout.String()
}

func TestIdentityHalt(t *testing.T) {
	code, _ := run(t, []int32{
		ldlo(rL0, 42),
		halt(rL0),
	}, "")
	if code != 42 {
		t.Fatalf("exit code: got %d, want 42", code)
	}
}

func TestAddSmallPositives(t *testing.T) {
	code, _ := run(t, []int32{
		ldlo(rL0, 3),
		ldlo(rL1, 4),
		rrr(vm.OpcodeADD, rL2, rL0, rL1),
		halt(rL2),
	}, "")
	if code != 7 {
		t.Fatalf("exit code: got %d, want 7", code)
	}
}

func TestWrappingOverflow(t *testing.T) {
	// L0 := 0x80000000, doubling it wraps to zero
	code, _ := run(t, []int32{
		ldlo(rL0, 0),
		ldhi(rL0, 0x8000),
		rrr(vm.OpcodeADD, rL1, rL0, rL0),
		halt(rL1),
	}, "")
	if code != 0 {
		t.Fatalf("exit code: got %d, want 0", code)
	}
}

func TestWrappingMul(t *testing.T) {
	// 65536 * 65536 wraps to zero
	code, _ := run(t, []int32{
		ldlo(rL0, 0),
		ldhi(rL0, 1),
		rrr(vm.OpcodeMUL, rL1, rL0, rL0),
		halt(rL1),
	}, "")
	if code != 0 {
		t.Fatalf("exit code: got %d, want 0", code)
	}
}

func TestConditionalBranchTaken(t *testing.T) {
	code, _ := run(t, []int32{
		ldlo(rL0, 1),
		ldlo(rL1, 2),
		branch(vm.OpcodeJLT, rL0, rL1, 3),
		ldlo(rL2, 0),
		halt(rL2),
		ldlo(rL2, 1),
		halt(rL2),
	}, "")
	if code != 1 {
		t.Fatalf("exit code: got %d, want 1", code)
	}
}

func TestConditionalBranchNotTaken(t *testing.T) {
	code, _ := run(t, []int32{
		ldlo(rL0, 1),
		ldlo(rL1, 2),
		branch(vm.OpcodeJLT, rL1, rL0, 3), // 2 < 1 is false
		ldlo(rL2, 0),
		halt(rL2),
		ldlo(rL2, 1),
		halt(rL2),
	}, "")
	if code != 0 {
		t.Fatalf("exit code: got %d, want 0", code)
	}
}

func TestUnconditionalJump(t *testing.T) {
	code, _ := run(t, []int32{
		ldlo(rL0, 5),
		ji(2),
		halt(rL0), // skipped
		ldlo(rL0, 6),
		halt(rL0),
	}, "")
	if code != 6 {
		t.Fatalf("exit code: got %d, want 6", code)
	}
}

func TestImmediateComposition(t *testing.T) {
	for _, v := range []int32{0, 42, -1, 0x12345678, 0x7FFFFFFF, -0x80000000, 0xFFFF, 0x10000} {
		code, _ := run(t, []int32{
			ldlo(rL0, v&0x3FFFF),
			ldhi(rL0, int32(uint32(v)>>16)),
			halt(rL0),
		}, "")
		if code != v {
			t.Fatalf("compose %#x: got %#x", uint32(v), uint32(code))
		}
	}
}

func TestHeapBlockRoundTrip(t *testing.T) {
	code, _ := run(t, []int32{
		ldlo(rL0, 3),             // block size
		balo(rL1, rL0, 5),        // L1 := address of block, tag 5
		ldlo(rL2, 99),
		ldlo(rL3, 1),
		rrr(vm.OpcodeBSET, rL2, rL1, rL3), // block[1] := 99
		rrr(vm.OpcodeBGET, rL4, rL1, rL3), // L4 := block[1]
		halt(rL4),
	}, "")
	if code != 99 {
		t.Fatalf("exit code: got %d, want 99", code)
	}
}

func TestBlockSizeAndTag(t *testing.T) {
	code, _ := run(t, []int32{
		ldlo(rL0, 3),
		balo(rL1, rL0, 7),
		rrr(vm.OpcodeBSIZ, rL2, rL1, 0), // L2 := 3
		rrr(vm.OpcodeBTAG, rL3, rL1, 0), // L3 := 7
		rrr(vm.OpcodeMUL, rL4, rL2, rL3),
		halt(rL4),
	}, "")
	if code != 21 {
		t.Fatalf("exit code: got %d, want 21", code)
	}
}

func TestEchoOneByte(t *testing.T) {
	code, out := run(t, []int32{
		vm.OpcodeBREA<<26 | rL0<<18,
		vm.OpcodeBWRI<<26 | rL0<<18,
		halt(rL0),
	}, "A")
	if out != "A" {
		t.Fatalf("stdout: got %q, want %q", out, "A")
	}
	if code != 65 {
		t.Fatalf("exit code: got %d, want 65", code)
	}
}

func TestReadEOF(t *testing.T) {
	code, _ := run(t, []int32{
		vm.OpcodeBREA<<26 | rL0<<18,
		halt(rL0),
	}, "")
	if code != -1 {
		t.Fatalf("exit code: got %d, want -1", code)
	}
}

func TestCallRet(t *testing.T) {
	// the callee, a single ret, returns its first argument
	code, _ := run(t, []int32{
		ralo(0, 8),     // local frame
		ralo(2, 8),     // outgoing frame
		ldlo(rO4, 5),   // argument
		ldlo(rL0, 6*4), // callee byte address
		call(rL0),
		halt(rO0), // return value lands in the outgoing frame
		ret(),     // callee at cell 6: Ib[4] is the argument
	}, "")
	if code != 5 {
		t.Fatalf("exit code: got %d, want 5", code)
	}
}

func TestTailCallTransparency(t *testing.T) {
	// main calls A; A tail-calls B; B returns its argument straight
	// to main
	code, _ := run(t, []int32{
		ralo(0, 8),
		ralo(2, 8),
		ldlo(rO4, 7),
		ldlo(rL0, 6*4), // A
		call(rL0),
		halt(rO0),
		// A, cell 6
		ralo(0, 8),
		ralo(2, 8),
		ldlo(rO4, 9),
		ldlo(rL0, 11*4), // B
		tcal(rL0),
		// B, cell 11
		ret(),
	}, "")
	if code != 9 {
		t.Fatalf("exit code: got %d, want 9", code)
	}
}

func TestInputWindowHoldsArguments(t *testing.T) {
	// the callee reads two arguments from its input window, adds
	// them and returns the sum via Ib[4]
	code, _ := run(t, []int32{
		ralo(0, 8),
		ralo(2, 8),
		ldlo(rO4, 30),
		ldlo(rO4+1, 12),
		ldlo(rL0, 7*4),
		call(rL0),
		halt(rO0),
		// callee, cell 7
		rrr(vm.OpcodeADD, rI0+4, rI0+4, rI0+5),
		ret(),
	}, "")
	if code != 42 {
		t.Fatalf("exit code: got %d, want 42", code)
	}
}

func TestUnknownOpcode(t *testing.T) {
	eng, _ := newMachine([]int32{-1}, "") // opcode 63
	_, err := eng.Run()
	if !errors.Is(err, vm.ErrUnknownOpcode) {
		t.Fatalf("got %v, want ErrUnknownOpcode", err)
	}
}

func TestDivisionByZeroIsFatal(t *testing.T) {
	eng, _ := newMachine([]int32{
		ldlo(rL0, 1),
		ldlo(rL1, 0),
		rrr(vm.OpcodeDIV, rL2, rL0, rL1),
	}, "")
	_, err := eng.Run()
	if !errors.Is(err, vm.ErrDivideByZero) {
		t.Fatalf("got %v, want ErrDivideByZero", err)
	}
}

func TestMisalignedCallTarget(t *testing.T) {
	eng, _ := newMachine([]int32{
		ldlo(rL0, 6), // not cell-aligned
		call(rL0),
	}, "")
	_, err := eng.Run()
	if !errors.Is(err, vm.ErrBadAddress) {
		t.Fatalf("got %v, want ErrBadAddress", err)
	}
}

func TestNegativePCFaults(t *testing.T) {
	eng, _ := newMachine([]int32{
		ji(-100),
	}, "")
	_, err := eng.Run()
	if !errors.Is(err, vm.ErrMemoryFault) {
		t.Fatalf("got %v, want ErrMemoryFault", err)
	}
}

func TestLoadImage(t *testing.T) {
	image := strings.Join([]string{
		"4c00002a\t# ldlo L0 42 - line: 1",
		"48000000 trailing garbage is ignored",
		"ffffffff",
	}, "\n")
	m := mem.New(64)
	count, err := vm.LoadImage(strings.NewReader(image), m)
	if err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	if count != 3 {
		t.Fatalf("count: got %d, want 3", count)
	}
	if got := m.Get(0); got != int32(0x4c00002a) {
		t.Fatalf("cell 0: got %#x", uint32(got))
	}
	if got := m.Get(2); got != -1 {
		t.Fatalf("cell 2: got %#x", uint32(got))
	}
	if hs := m.HeapStart(); hs != 3 {
		t.Fatalf("heap start: got %d, want 3", hs)
	}
}

func TestLoadImageRejectsMalformedLines(t *testing.T) {
	for _, image := range []string{"zzzzzzzz", "1234"} {
		m := mem.New(64)
		if _, err := vm.LoadImage(strings.NewReader(image), m); !errors.Is(err, vm.ErrBadImage) {
			t.Errorf("image %q: got %v, want ErrBadImage", image, err)
		}
	}
}

func TestAssembledProgramRuns(t *testing.T) {
	source := `
	       ralo L 8
	       ldlo L0 0       # zero
	       ldlo L1 10      # i
	       ldlo L2 0       # sum
	loop:  add L2 L2 L1
	       ldlo L3 1
	       sub L1 L1 L3
	       jne L1 L0 loop
	       halt L2
	`
	words, err := asm.Assemble(strings.NewReader(source))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	signed := make([]int32, len(words))
	for i, w := range words {
		signed[i] = int32(w)
	}
	code, _ := run(t, signed, "")
	if code != 55 {
		t.Fatalf("exit code: got %d, want 55", code)
	}
}
