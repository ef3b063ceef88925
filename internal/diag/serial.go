package diag

import (
	"fmt"
	"io"
)

// Serial is the debug port selected by the iobase option. A zero port
// discards all output.
type Serial struct {
	port uint16
	w    io.Writer
}

// NewSerial returns a sink writing to w when port is non-zero.
func NewSerial(port uint16, w io.Writer) *Serial {
	return &Serial{port: port, w: w}
}

func (s *Serial) Port() uint16 { return s.port }

// Enabled reports whether output reaches the port.
func (s *Serial) Enabled() bool { return s.port != 0 && s.w != nil }

func (s *Serial) Write(p []byte) (int, error) {
	if !s.Enabled() {
		return len(p), nil
	}
	n, err := s.w.Write(p)
	if err != nil {
		return n, fmt.Errorf("serial %#x: %w", s.port, err)
	}
	return n, nil
}

func (s *Serial) String() string {
	if s.port == 0 {
		return "serial(none)"
	}
	return fmt.Sprintf("serial(%#x)", s.port)
}
