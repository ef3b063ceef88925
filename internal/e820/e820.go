// Package e820 builds the memory map handed to the hypervisor and the
// primary guest.
package e820

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/lunixbochs/struc"
)

// Type is an E820 address range type.
type Type uint32

const (
	Memory   Type = 1
	Reserved Type = 2
	ACPI     Type = 3
	NVS      Type = 4
)

func (t Type) String() string {
	switch t {
	case Memory:
		return "usable"
	case Reserved:
		return "reserved"
	case ACPI:
		return "ACPI data"
	case NVS:
		return "ACPI NVS"
	default:
		return fmt.Sprintf("type %d", uint32(t))
	}
}

// Entry is one address range.
type Entry struct {
	Base   uint64
	Length uint64
	Type   Type
}

func (e Entry) End() uint64 { return e.Base + e.Length }

// Map is an ordered list of ranges.
type Map []Entry

// Sort orders the map by base address.
func (m Map) Sort() {
	sort.SliceStable(m, func(i, j int) bool { return m[i].Base < m[j].Base })
}

// FindAvailable returns the usable entry that fully contains [base,
// base+size).
func (m Map) FindAvailable(base, size uint64) (Entry, bool) {
	end := base + size
	if end < base {
		return Entry{}, false
	}
	for _, e := range m {
		if e.Type == Memory && e.Base <= base && end <= e.End() {
			return e, true
		}
	}
	return Entry{}, false
}

// Hide returns a copy of m where [base, base+size) is Reserved. Entries that
// straddle the range are split; non-usable entries are left alone.
func (m Map) Hide(base, size uint64) Map {
	end := base + size
	var out Map
	for _, e := range m {
		if e.Type != Memory || e.End() <= base || e.Base >= end {
			out = append(out, e)
			continue
		}
		if e.Base < base {
			out = append(out, Entry{Base: e.Base, Length: base - e.Base, Type: Memory})
		}
		lo, hi := max(e.Base, base), min(e.End(), end)
		out = append(out, Entry{Base: lo, Length: hi - lo, Type: Reserved})
		if e.End() > end {
			out = append(out, Entry{Base: end, Length: e.End() - end, Type: Memory})
		}
	}
	out.Sort()
	return out
}

// Usable returns the number of usable bytes in m.
func (m Map) Usable() uint64 {
	var n uint64
	for _, e := range m {
		if e.Type == Memory {
			n += e.Length
		}
	}
	return n
}

// wireEntry matches the extended INT15 E820 entry: base, length, type and
// the extended attributes word with the enabled bit set.
type wireEntry struct {
	Base       uint64
	Length     uint64
	Type       uint32
	Attributes uint32
}

const attrEnabled = 1

// EntrySize is the encoded size of one entry.
const EntrySize = 24

// Encode returns the map as a 32-bit byte count followed by extended
// entries, little endian.
func (m Map) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(m)*EntrySize)); err != nil {
		return nil, err
	}
	for _, e := range m {
		w := wireEntry{Base: e.Base, Length: e.Length, Type: uint32(e.Type), Attributes: attrEnabled}
		if err := struc.PackWithOrder(&buf, &w, binary.LittleEndian); err != nil {
			return nil, fmt.Errorf("encode e820 entry: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// Decode parses the output of Encode.
func Decode(data []byte) (Map, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("e820 map too short: %d bytes", len(data))
	}
	size := binary.LittleEndian.Uint32(data)
	if size%EntrySize != 0 || uint64(size) > uint64(len(data)-4) {
		return nil, fmt.Errorf("e820 map size %d invalid for %d bytes", size, len(data)-4)
	}
	r := bytes.NewReader(data[4 : 4+size])
	m := make(Map, 0, size/EntrySize)
	for r.Len() > 0 {
		var w wireEntry
		if err := struc.UnpackWithOrder(r, &w, binary.LittleEndian); err != nil {
			return nil, fmt.Errorf("decode e820 entry: %w", err)
		}
		m = append(m, Entry{Base: w.Base, Length: w.Length, Type: Type(w.Type)})
	}
	return m, nil
}
