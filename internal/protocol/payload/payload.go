// Package payload is the byte-buffer codec that carries packet bodies between
// typed packets and the framing engine.
//
// A Buffer is written by a packet's Serialize method and read by a packet
// handler after the engine assigns a received body to it with Assign.
package payload

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/danmuck/edgewire/internal/protocol/tlv"
)

var (
	ErrShortRead      = errors.New("payload: short read")
	ErrStringTooLarge = errors.New("payload: string too large")
)

// Buffer is a sequential reader/writer over one packet body. Not safe for concurrent use.
type Buffer struct {
	data []byte
	off  int
}

func New() *Buffer {
	return &Buffer{}
}

// Reset clears the buffer for reuse.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.off = 0
}

// Assign points the buffer at body for reading. The slice is not copied.
func (b *Buffer) Assign(body []byte) {
	b.data = body
	b.off = 0
}

// Bytes returns the serialized data.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the serialized byte length.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Remaining returns how many unread bytes are left.
func (b *Buffer) Remaining() int {
	return len(b.data) - b.off
}

func (b *Buffer) WriteBytes(p []byte) {
	b.data = append(b.data, p...)
}

func (b *Buffer) WriteU8(v uint8) {
	b.data = append(b.data, v)
}

func (b *Buffer) WriteU16(v uint16) {
	b.data = binary.BigEndian.AppendUint16(b.data, v)
}

func (b *Buffer) WriteU32(v uint32) {
	b.data = binary.BigEndian.AppendUint32(b.data, v)
}

func (b *Buffer) WriteU64(v uint64) {
	b.data = binary.BigEndian.AppendUint64(b.data, v)
}

// WriteString writes a u16 length prefix followed by the string bytes.
func (b *Buffer) WriteString(s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("%w: %d bytes", ErrStringTooLarge, len(s))
	}
	b.WriteU16(uint16(len(s)))
	b.data = append(b.data, s...)
	return nil
}

// WriteFields appends TLV-encoded fields.
func (b *Buffer) WriteFields(fields ...tlv.Field) {
	b.data = append(b.data, tlv.EncodeFields(fields)...)
}

// ReadBytes consumes exactly n bytes and returns a copy.
func (b *Buffer) ReadBytes(n int) ([]byte, error) {
	p, err := b.next(n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), p...), nil
}

// ReadAll consumes and copies every unread byte.
func (b *Buffer) ReadAll() []byte {
	p, _ := b.next(b.Remaining())
	return append([]byte(nil), p...)
}

func (b *Buffer) ReadU8() (uint8, error) {
	p, err := b.next(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (b *Buffer) ReadU16() (uint16, error) {
	p, err := b.next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p), nil
}

func (b *Buffer) ReadU32() (uint32, error) {
	p, err := b.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(p), nil
}

func (b *Buffer) ReadU64() (uint64, error) {
	p, err := b.next(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(p), nil
}

func (b *Buffer) ReadString() (string, error) {
	n, err := b.ReadU16()
	if err != nil {
		return "", err
	}
	p, err := b.next(int(n))
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// ReadFields decodes every unread byte as TLV fields.
func (b *Buffer) ReadFields() ([]tlv.Field, error) {
	p, _ := b.next(b.Remaining())
	return tlv.DecodeFields(p)
}

func (b *Buffer) next(n int) ([]byte, error) {
	if n < 0 || b.Remaining() < n {
		return nil, fmt.Errorf("%w: want %d have %d", ErrShortRead, n, b.Remaining())
	}
	p := b.data[b.off : b.off+n]
	b.off += n
	return p, nil
}
