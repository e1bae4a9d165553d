// Package mem contains the memory of the L3 virtual machine.
//
// The memory is a flat, ordered sequence of signed 32-bit cells
// indexed by a non-negative integer. The program loader writes the
// code image into the low cells and then calls SetHeapStart; every
// cell at or above that boundary belongs to the embedded block
// allocator.
//
// Block format
//
// Each allocated block is preceded by one header cell encoding the
// block tag in the low 8 bits and the payload size, in cells, in the
// remaining high bits:
//
//     <Size: 24><Tag: 8>
//
// Allocate returns the index of the first payload cell; BlockTag and
// BlockSize read the header one cell below that index. This allocator
// never reclaims or moves blocks: it is a bump allocator, and
// Allocate fails with ErrOutOfMemory once the space between the heap
// start and the end of memory is exhausted. The GC roots accepted by
// Allocate exist so that a collecting allocator can be dropped in
// behind the same interface; see Allocate for the contract.
package mem

import (
	"errors"
	"fmt"
)

// DefaultSize is the number of cells the host reserves before
// loading a program: 1,000,000 bytes at 4 bytes per cell.
const DefaultSize = 1_000_000 >> 2

const (
	headerTagBits = 8
	headerTagMask = 1<<headerTagBits - 1
)

// The following errors may be returned.
var (
	// ErrOutOfMemory indicates that an allocation did not fit in
	// the remaining heap space.
	ErrOutOfMemory = errors.New("mem: out of memory")

	// ErrBadSize indicates an allocation with a negative size.
	ErrBadSize = errors.New("mem: invalid block size")
)

// Memory is the cell memory of a single machine instance. It is not
// goroutine safe; a single goroutine should manage it.
type Memory struct {
	cells []int32
	free  int32 // index of the next unallocated cell
}

// New creates a Memory with the given number of cells, all zero.
func New(size int) *Memory {
	return &Memory{cells: make([]int32, size)}
}

// Get returns the value of the cell at index ix. An index outside the
// memory faults the machine by panicking.
func (m *Memory) Get(ix int32) int32 {
	return m.cells[ix]
}

// Set writes v into the cell at index ix. An index outside the memory
// faults the machine by panicking.
func (m *Memory) Set(ix, v int32) {
	m.cells[ix] = v
}

// Size returns the number of cells.
func (m *Memory) Size() int {
	return len(m.cells)
}

// SetHeapStart records the first cell index available for heap
// allocation. The loader calls this once, after the last code cell.
func (m *Memory) SetHeapStart(ix int32) {
	m.free = ix
}

// HeapStart returns the index of the next cell the allocator would
// hand out, i.e. the current top of the heap.
func (m *Memory) HeapStart() int32 {
	return m.free
}

// Allocate reserves a block of size payload cells carrying the given
// tag and returns the index of its first payload cell.
//
// roots are the live register-frame base indices of the engine. This
// allocator ignores them, but a compacting collector is allowed to
// relocate blocks during Allocate and update the roots in place, so
// callers must not cache cell indices across the call.
func (m *Memory) Allocate(tag, size int32, roots [3]*int32) (int32, error) {
	_ = roots
	if size < 0 {
		return 0, fmt.Errorf("%w: %d", ErrBadSize, size)
	}
	if int(m.free)+int(size)+1 > len(m.cells) {
		return 0, fmt.Errorf("%w: need %d cells, %d left",
			ErrOutOfMemory, size+1, int32(len(m.cells))-m.free)
	}
	header := m.free
	m.cells[header] = size<<headerTagBits | tag&headerTagMask
	m.free += size + 1
	return header + 1, nil
}

// BlockSize returns the payload size, in cells, of the block starting
// at index ix.
func (m *Memory) BlockSize(ix int32) int32 {
	return m.cells[ix-1] >> headerTagBits
}

// BlockTag returns the tag of the block starting at index ix.
func (m *Memory) BlockTag(ix int32) int32 {
	return m.cells[ix-1] & headerTagMask
}
