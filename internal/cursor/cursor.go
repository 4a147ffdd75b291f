// Package cursor implements bounded little-endian reads over an in-memory
// byte buffer, plus the two variable-length integer dialects used by the
// RAR and 7-Zip container formats. Every read is a total function: a short
// buffer returns an error instead of panicking, so callers never need to
// pre-check remaining length.
package cursor

import (
	"encoding/binary"
	"errors"
)

var (
	// ErrTruncated is returned when a fixed-width or counted read runs past
	// the end of the buffer.
	ErrTruncated = errors.New("cursor: truncated")
	// ErrBadVint is returned when a variable-length integer cannot be
	// decoded within its dialect's bounds (RAR: 10 bytes/70 bits of shift;
	// 7-Zip: 8 extra bytes).
	ErrBadVint = errors.New("cursor: bad variable-length integer")
)

// Cursor walks a byte slice forward, never holding or returning any bytes
// outside of [0, len(b)).
type Cursor struct {
	b   []byte
	pos int
}

// New wraps b for bounded sequential reads starting at offset 0.
func New(b []byte) *Cursor {
	return &Cursor{b: b}
}

// Pos returns the current read offset.
func (c *Cursor) Pos() int { return c.pos }

// Len returns the number of bytes not yet consumed.
func (c *Cursor) Len() int { return len(c.b) - c.pos }

// Seek repositions the cursor to an absolute offset. It fails if the offset
// is negative or past the end of the buffer.
func (c *Cursor) Seek(pos int) error {
	if pos < 0 || pos > len(c.b) {
		return ErrTruncated
	}
	c.pos = pos
	return nil
}

// Skip advances the cursor by n bytes without returning them.
func (c *Cursor) Skip(n int) error {
	if n < 0 || n > c.Len() {
		return ErrTruncated
	}
	c.pos += n
	return nil
}

// Bytes returns the next n bytes without copying, advancing the cursor.
// The returned slice aliases the underlying buffer and must not be retained
// past the caller's immediate use if the buffer may be reused.
func (c *Cursor) Bytes(n int) ([]byte, error) {
	if n < 0 || n > c.Len() {
		return nil, ErrTruncated
	}
	out := c.b[c.pos : c.pos+n]
	c.pos += n
	return out, nil
}

// U8 reads a single byte.
func (c *Cursor) U8() (byte, error) {
	b, err := c.Bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// U16 reads a little-endian uint16.
func (c *Cursor) U16() (uint16, error) {
	b, err := c.Bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// U32 reads a little-endian uint32.
func (c *Cursor) U32() (uint32, error) {
	b, err := c.Bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// U64 reads a little-endian uint64.
func (c *Cursor) U64() (uint64, error) {
	b, err := c.Bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// RarVint reads RAR5's continuation-bit variable-length integer: the low 7
// bits of each byte are data, the high bit marks "more follows". Up to 10
// bytes (70 bits of shift) are consumed; see rarlab.com/technote.htm.
func (c *Cursor) RarVint() (uint64, error) {
	var v uint64
	var shift uint
	for {
		if shift > 63 {
			return 0, ErrBadVint
		}
		b, err := c.U8()
		if err != nil {
			return 0, ErrBadVint
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
		shift += 7
	}
}

// SevenZipVint reads 7-Zip's leading-ones-prefix variable-length integer.
// The first byte's leading 1-bits (scanned MSB to LSB, at most 8) count how
// many extra little-endian bytes follow; the remaining low bits of the
// first byte become the value's top bits. 0xFE reads 7 extra bytes with no
// contribution from the first byte; 0xFF reads 8 extra bytes and ignores
// the first byte entirely.
func (c *Cursor) SevenZipVint() (uint64, error) {
	first, err := c.U8()
	if err != nil {
		return 0, ErrBadVint
	}

	if first == 0xff {
		b, err := c.Bytes(8)
		if err != nil {
			return 0, ErrBadVint
		}
		return binary.LittleEndian.Uint64(b), nil
	}

	var extra int
	mask := byte(0x80)
	for extra = 0; extra < 8; extra++ {
		if first&mask == 0 {
			break
		}
		mask >>= 1
	}

	b, err := c.Bytes(extra)
	if err != nil {
		return 0, ErrBadVint
	}

	var low uint64
	for i, x := range b {
		low |= uint64(x) << (8 * uint(i))
	}

	if extra == 8 {
		return low, nil
	}

	highBits := first & (mask - 1)
	high := uint64(highBits) << (8 * uint(extra))
	return low | high, nil
}
