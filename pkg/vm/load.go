package vm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"

	"l3vm/pkg/mem"
)

// ErrBadImage indicates a malformed program image line.
var ErrBadImage = errors.New("vm: malformed program image")

// LoadImage reads a program image from r into m, one instruction per
// line, each line starting with exactly 8 hexadecimal characters;
// anything after the 8th character is ignored. It records the index
// past the last loaded cell as the heap start and returns the number
// of cells loaded.
func LoadImage(r io.Reader, m *mem.Memory) (int32, error) {
	scanner := bufio.NewScanner(r)
	var index int32
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if len(line) < 8 {
			return 0, fmt.Errorf("%w: line %d: %q", ErrBadImage, lineno, line)
		}
		word, err := strconv.ParseUint(line[:8], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: line %d: %q", ErrBadImage, lineno, line)
		}
		m.Set(index, int32(word))
		index++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("%w: line %d: %v", ErrBadImage, lineno, err)
	}
	m.SetHeapStart(index)
	return index, nil
}
