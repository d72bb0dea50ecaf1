package binary

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrShortInput is returned when a read extends past the end of the buffer.
var ErrShortInput = errors.New("unexpected end of input")

// ErrInvalidUTF8 is returned when a length-prefixed string is not valid UTF-8.
var ErrInvalidUTF8 = errors.New("invalid UTF-8 in string")

// Reader decodes little-endian values from a byte buffer with position
// tracking. Byte-slice reads return subslices of the underlying buffer,
// so decoded payloads alias the input rather than copy it.
type Reader struct {
	buf []byte
	pos int
}

// NewReader creates a new Reader over buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Position returns the current byte position.
func (r *Reader) Position() int {
	return r.pos
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

// Seek moves the position to pos.
func (r *Reader) Seek(pos int) error {
	if pos < 0 || pos > len(r.buf) {
		return fmt.Errorf("seek to %d outside buffer of %d bytes", pos, len(r.buf))
	}
	r.pos = pos
	return nil
}

// Skip advances the position by n bytes.
func (r *Reader) Skip(n int) error {
	if n < 0 || n > r.Remaining() {
		return r.short(n)
	}
	r.pos += n
	return nil
}

// ReadByte reads a single byte and advances the position.
func (r *Reader) ReadByte() (byte, error) {
	if r.Remaining() < 1 {
		return 0, r.short(1)
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// ReadBytes reads exactly n bytes, returned as a subslice of the buffer.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 || n > r.Remaining() {
		return nil, r.short(n)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadU16 reads a little-endian uint16 (fixed 2 bytes).
func (r *Reader) ReadU16() (uint16, error) {
	b, err := r.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadU32 reads a little-endian uint32 (fixed 4 bytes).
func (r *Reader) ReadU32() (uint32, error) {
	b, err := r.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadU64 reads a little-endian uint64 (fixed 8 bytes).
func (r *Reader) ReadU64() (uint64, error) {
	b, err := r.ReadBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadUvarint reads an unsigned LEB128 value of at most 32 bits.
func (r *Reader) ReadUvarint() (uint32, error) {
	var result uint32
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 35 {
			return 0, fmt.Errorf("at position %d: varint exceeds 32 bits", r.pos)
		}
	}
}

// ReadString reads a UTF-8 string prefixed with its u32 byte length.
func (r *Reader) ReadString() (string, error) {
	length, err := r.ReadU32()
	if err != nil {
		return "", err
	}
	data, err := r.ReadBytes(int(length))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("at position %d: %w", r.pos, ErrInvalidUTF8)
	}
	return string(data), nil
}

func (r *Reader) short(n int) error {
	return fmt.Errorf("at position %d: need %d bytes, have %d: %w", r.pos, n, r.Remaining(), ErrShortInput)
}
