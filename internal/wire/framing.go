package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single framed message.
const MaxMessageSize = 1024 * 1024

// ReadLengthPrefixed reads one 4-byte-big-endian-length-prefixed message
// from r.
func ReadLengthPrefixed(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("wire: read length: %w", err)
	}
	if length > MaxMessageSize {
		return nil, fmt.Errorf("wire: message too large: %d > %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("wire: read body: %w", err)
	}
	return data, nil
}

// WriteLengthPrefixed writes data to w prefixed with its 4-byte big-endian
// length.
func WriteLengthPrefixed(w io.Writer, data []byte) error {
	if len(data) > MaxMessageSize {
		return fmt.Errorf("wire: message too large: %d > %d", len(data), MaxMessageSize)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("wire: write length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("wire: write body: %w", err)
	}
	return nil
}
