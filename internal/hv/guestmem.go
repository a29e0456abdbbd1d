package hv

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ReadGuestOf reads a fixed-size little-endian value from guest physical
// memory.
func ReadGuestOf[T any](mem io.ReaderAt, gpa GuestPhysAddr) (T, error) {
	var v T
	size := binary.Size(v)
	if size <= 0 {
		return v, fmt.Errorf("hv: read guest %T: type has no fixed size: %w", v, ErrInvalidInput)
	}
	buf := make([]byte, size)
	if _, err := mem.ReadAt(buf, int64(gpa)); err != nil {
		return v, fmt.Errorf("hv: read %d bytes at %v: %w", size, gpa, err)
	}
	if _, err := binary.Decode(buf, binary.LittleEndian, &v); err != nil {
		return v, fmt.Errorf("hv: decode guest %T: %w", v, err)
	}
	return v, nil
}

// WriteGuestOf writes a fixed-size little-endian value to guest physical
// memory.
func WriteGuestOf[T any](mem io.WriterAt, gpa GuestPhysAddr, v T) error {
	buf, err := binary.Append(nil, binary.LittleEndian, v)
	if err != nil {
		return fmt.Errorf("hv: encode guest %T: %w", v, err)
	}
	if _, err := mem.WriteAt(buf, int64(gpa)); err != nil {
		return fmt.Errorf("hv: write %d bytes at %v: %w", len(buf), gpa, err)
	}
	return nil
}
