package diag

import (
	"fmt"
	"sync"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/xmonboot/internal/physmem"
)

const (
	VGABase     = 0xB8000
	VGAColumns  = 80
	VGARows     = 25
	DefaultAttr = 0x07 // light grey on black

	tabWidth = 8
)

// VGA writes text into the colour text-mode buffer of physical memory. Each
// cell is a character byte followed by an attribute byte.
type VGA struct {
	mu   sync.Mutex
	mem  physmem.Memory
	base uint64
	row  int
	col  int
	attr byte
}

// NewVGA returns a writer for the text buffer at VGABase and clears it.
func NewVGA(mem physmem.Memory) (*VGA, error) {
	v := &VGA{mem: mem, base: VGABase, attr: DefaultAttr}
	if err := v.Clear(); err != nil {
		return nil, err
	}
	return v, nil
}

// SetAttr changes the attribute used for subsequent characters.
func (v *VGA) SetAttr(attr byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.attr = attr
}

// Cursor returns the current row and column.
func (v *VGA) Cursor() (row, col int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.row, v.col
}

// Clear blanks the screen and homes the cursor.
func (v *VGA) Clear() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.row, v.col = 0, 0
	return v.blankRows(0, VGARows)
}

func (v *VGA) cellAddr(row, col int) uint64 {
	return v.base + uint64(row*VGAColumns+col)*2
}

func (v *VGA) blankRows(from, to int) error {
	line := make([]byte, VGAColumns*2)
	for i := 0; i < len(line); i += 2 {
		line[i] = ' '
		line[i+1] = v.attr
	}
	for row := from; row < to; row++ {
		if _, err := v.mem.WriteAt(line, int64(v.cellAddr(row, 0))); err != nil {
			return fmt.Errorf("vga: %w", err)
		}
	}
	return nil
}

func (v *VGA) scroll() error {
	rest := make([]byte, (VGARows-1)*VGAColumns*2)
	if _, err := v.mem.ReadAt(rest, int64(v.cellAddr(1, 0))); err != nil {
		return fmt.Errorf("vga: %w", err)
	}
	if _, err := v.mem.WriteAt(rest, int64(v.cellAddr(0, 0))); err != nil {
		return fmt.Errorf("vga: %w", err)
	}
	return v.blankRows(VGARows-1, VGARows)
}

func (v *VGA) newline() error {
	v.col = 0
	if v.row < VGARows-1 {
		v.row++
		return nil
	}
	return v.scroll()
}

func (v *VGA) put(c byte) error {
	switch c {
	case '\n':
		return v.newline()
	case '\r':
		v.col = 0
		return nil
	case '\t':
		next := (v.col/tabWidth + 1) * tabWidth
		for v.col < next && v.col < VGAColumns {
			if err := v.put(' '); err != nil {
				return err
			}
		}
		return nil
	}
	if c < 0x20 || c > 0x7e {
		c = '?'
	}
	if _, err := v.mem.WriteAt([]byte{c, v.attr}, int64(v.cellAddr(v.row, v.col))); err != nil {
		return fmt.Errorf("vga: %w", err)
	}
	v.col++
	if v.col == VGAColumns {
		return v.newline()
	}
	return nil
}

// Write prints p with escape sequences removed. The returned count covers
// all of p on success.
func (v *VGA) Write(p []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	text := ansi.Strip(string(p))
	for i := 0; i < len(text); i++ {
		if err := v.put(text[i]); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Line returns the text of row with trailing blanks kept.
func (v *VGA) Line(row int) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if row < 0 || row >= VGARows {
		return "", fmt.Errorf("vga: row %d out of range", row)
	}
	cells := make([]byte, VGAColumns*2)
	if _, err := v.mem.ReadAt(cells, int64(v.cellAddr(row, 0))); err != nil {
		return "", fmt.Errorf("vga: %w", err)
	}
	out := make([]byte, VGAColumns)
	for i := range out {
		out[i] = cells[2*i]
	}
	return string(out), nil
}
