// Package cmdline parses the loader command line: whitespace separated
// key=value tokens matched against a fixed option table.
package cmdline

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// PresentNoValue marks an option given without "=value".
	PresentNoValue = "OPTIONONLY"

	// MaxValueLen bounds a value including its terminator, so values may be
	// at most MaxValueLen-1 bytes.
	MaxValueLen = 64

	IOBaseOption = "iobase"
)

var ErrValueTooLong = errors.New("command line value too long")

// Option is one recognised key and its current value.
type Option struct {
	Name  string
	Value string
}

// DefaultOptions returns the loader option table with default values.
func DefaultOptions() []Option {
	return []Option{
		{Name: IOBaseOption, Value: "0"},
	}
}

func find(opts []Option, name string) *Option {
	for i := range opts {
		if opts[i].Name == name {
			return &opts[i]
		}
	}
	return nil
}

// Parse updates opts from line. Unknown keys are ignored, as are tokens with
// an empty key or an empty value.
func Parse(line string, opts []Option) error {
	for _, tok := range strings.Fields(line) {
		key, value, ok := strings.Cut(tok, "=")
		if !ok {
			if o := find(opts, tok); o != nil {
				o.Value = PresentNoValue
			}
			continue
		}
		if len(value) > MaxValueLen-1 {
			return fmt.Errorf("%w: %q is %d bytes", ErrValueTooLong, key, len(value))
		}
		if key == "" || value == "" {
			continue
		}
		if o := find(opts, key); o != nil {
			o.Value = value
		}
	}
	return nil
}

// Lookup returns the value of name and whether the table knows it.
func Lookup(opts []Option, name string) (string, bool) {
	if o := find(opts, name); o != nil {
		return o.Value, true
	}
	return "", false
}

// IOBase returns the serial port base from the iobase option, parsed as hex.
// Zero means no serial port.
func IOBase(opts []Option) uint16 {
	v, ok := Lookup(opts, IOBaseOption)
	if !ok {
		return 0
	}
	v = strings.TrimPrefix(strings.TrimPrefix(v, "0x"), "0X")
	port, err := strconv.ParseUint(v, 16, 16)
	if err != nil {
		return 0
	}
	return uint16(port)
}
