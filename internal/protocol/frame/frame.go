package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// HeaderLen is the fixed wire header size: magic(4) + id(2) + flags(2) + length(4).
const HeaderLen = 12

// Magic marks the start of every frame.
const Magic uint32 = 0xED6E7710

// Control flags carried in Header.Flags.
const (
	FlagNone            uint16 = 0
	FlagHandshakeServer uint16 = 1 << 0
	FlagHandshakeClient uint16 = 1 << 1
	FlagHeartbeat       uint16 = 1 << 2
	FlagDisconnect      uint16 = 1 << 3
)

// Reserved packet ids. Ids below FirstApplicationID are consumed by the engine.
const (
	IDHandshake        uint16 = 1
	IDHeartbeat        uint16 = 2
	IDDisconnect       uint16 = 3
	FirstApplicationID uint16 = 16
)

var (
	ErrShortHeader    = errors.New("frame: short header")
	ErrInvalidMagic   = errors.New("frame: invalid magic")
	ErrLengthTooSmall = errors.New("frame: length smaller than header")
	ErrFrameTooLarge  = errors.New("frame: frame too large")
)

// Header is the fixed wire header prefixed to every packet.
type Header struct {
	Magic  uint32
	ID     uint16
	Flags  uint16
	Length uint32
}

// Limits constrains how large a declared frame may be before it is treated as corrupt.
type Limits struct {
	MaxFrameBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxFrameBytes: 8 * 1024 * 1024,
	}
}

// NewHeader builds the header for a body of bodyLen bytes.
func NewHeader(bodyLen uint32, id uint16, flags uint16) Header {
	return Header{
		Magic:  Magic,
		ID:     id,
		Flags:  flags,
		Length: HeaderLen + bodyLen,
	}
}

// BodyLen returns the declared body size. Callers must Validate first.
func (h Header) BodyLen() uint32 {
	return h.Length - HeaderLen
}

func (h Header) IsControl() bool {
	return IsControlID(h.ID)
}

// IsDisconnect reports whether the frame asks the receiver to drop the connection.
func (h Header) IsDisconnect() bool {
	return h.ID == IDDisconnect && h.Flags&FlagDisconnect != 0
}

func (h Header) HasFlag(flag uint16) bool {
	return h.Flags&flag != 0
}

// Validate checks that h can start a frame. A zero MaxFrameBytes disables the size cap.
func (h Header) Validate(limits Limits) error {
	if h.Magic != Magic {
		return ErrInvalidMagic
	}
	if h.Length < HeaderLen {
		return ErrLengthTooSmall
	}
	if limits.MaxFrameBytes > 0 && h.Length > limits.MaxFrameBytes {
		return ErrFrameTooLarge
	}
	return nil
}

func IsControlID(id uint16) bool {
	return id < FirstApplicationID
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	PutHeader(buf, h)
	return buf
}

// PutHeader writes h into the first HeaderLen bytes of dst.
func PutHeader(dst []byte, h Header) {
	binary.BigEndian.PutUint32(dst[0:4], h.Magic)
	binary.BigEndian.PutUint16(dst[4:6], h.ID)
	binary.BigEndian.PutUint16(dst[6:8], h.Flags)
	binary.BigEndian.PutUint32(dst[8:12], h.Length)
}

// DecodeHeader parses the header at the start of b without consuming anything.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	return Header{
		Magic:  binary.BigEndian.Uint32(b[0:4]),
		ID:     binary.BigEndian.Uint16(b[4:6]),
		Flags:  binary.BigEndian.Uint16(b[6:8]),
		Length: binary.BigEndian.Uint32(b[8:12]),
	}, nil
}

// CheckBodyLen reports ErrFrameTooLarge when a body of n bytes cannot be
// framed: the total must fit the 32-bit length field and, when set, the cap.
func CheckBodyLen(n int, limits Limits) error {
	total := uint64(HeaderLen) + uint64(n)
	if total > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes exceeds length field", ErrFrameTooLarge, total)
	}
	if limits.MaxFrameBytes > 0 && total > uint64(limits.MaxFrameBytes) {
		return fmt.Errorf("%w: %d bytes, max %d", ErrFrameTooLarge, total, limits.MaxFrameBytes)
	}
	return nil
}

// EncodeFrame returns header+body ready for the wire. It panics when body
// cannot be described by the length field; callers framing untrusted sizes
// check CheckBodyLen first.
func EncodeFrame(id uint16, flags uint16, body []byte) []byte {
	if err := CheckBodyLen(len(body), Limits{}); err != nil {
		panic(err)
	}
	buf := make([]byte, HeaderLen+len(body))
	PutHeader(buf, NewHeader(uint32(len(body)), id, flags))
	copy(buf[HeaderLen:], body)
	return buf
}

// ReadHeader blocks until exactly one header has been read from r.
func ReadHeader(r io.Reader) (Header, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Header{}, ErrShortHeader
		}
		return Header{}, err
	}
	return DecodeHeader(fixed[:])
}
