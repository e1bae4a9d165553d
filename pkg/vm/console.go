package vm

import (
	"bufio"
	"io"
	"os"
)

// Console is the byte-wise standard I/O device of the machine.
//
// The user of this struct is supposed to create a new instance with
// NewConsole (or StdioConsole for the process streams) and hand it to
// NewWithConsole. The engine shall manage the console: BREA and BWRI
// go through it, and output is flushed before every read so that
// prompts are visible, and once more when the machine halts.
type Console struct {
	in  *bufio.Reader
	out *bufio.Writer
}

// NewConsole creates a console reading from in and writing to out.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{in: bufio.NewReader(in), out: bufio.NewWriter(out)}
}

// StdioConsole creates a console attached to the process standard
// input and standard output.
func StdioConsole() *Console {
	return NewConsole(os.Stdin, os.Stdout)
}

// ReadByte flushes pending output and reads one byte from the input
// stream. EOF and read errors are reported in-band as -1; only a
// flush failure is an error.
func (c *Console) ReadByte() (int32, error) {
	if err := c.out.Flush(); err != nil {
		return 0, err
	}
	b, err := c.in.ReadByte()
	if err != nil {
		return -1, nil
	}
	return int32(b), nil
}

// WriteByte writes one byte to the output stream.
func (c *Console) WriteByte(b byte) error {
	return c.out.WriteByte(b)
}

// Flush flushes pending output.
func (c *Console) Flush() error {
	return c.out.Flush()
}
