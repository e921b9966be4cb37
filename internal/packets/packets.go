// Package packets is the application packet catalog carried over edgewire transports.
package packets

import (
	"fmt"

	"github.com/danmuck/edgewire/internal/protocol/frame"
	"github.com/danmuck/edgewire/internal/protocol/payload"
	"github.com/danmuck/edgewire/internal/protocol/tlv"
)

// Packet is anything a transport can put on the wire.
type Packet interface {
	PacketID() uint16
	Serialize(b *payload.Buffer) error
}

// Application ids. Control ids live in frame and are never used here.
const (
	IDExample = frame.FirstApplicationID + iota
	IDRaw
)

// Raw is an opaque body sent under an arbitrary application id.
type Raw struct {
	ID   uint16
	Body []byte
}

func (p *Raw) PacketID() uint16 { return p.ID }

func (p *Raw) Serialize(b *payload.Buffer) error {
	if frame.IsControlID(p.ID) {
		return fmt.Errorf("packets: raw id %d is reserved", p.ID)
	}
	b.WriteBytes(p.Body)
	return nil
}

// Example field ids.
const (
	fieldSomeShort       uint16 = 1
	fieldSomeArray       uint16 = 2
	fieldSomeStringArray uint16 = 3
)

// Example is the demo packet exchanged by the cmd front ends.
type Example struct {
	SomeShort       uint16
	SomeArray       []uint32
	SomeStringArray []string
}

func (p *Example) PacketID() uint16 { return IDExample }

func (p *Example) Serialize(b *payload.Buffer) error {
	fields := []tlv.Field{tlv.U16(fieldSomeShort, p.SomeShort)}
	for _, v := range p.SomeArray {
		fields = append(fields, tlv.U32(fieldSomeArray, v))
	}
	for _, s := range p.SomeStringArray {
		fields = append(fields, tlv.String(fieldSomeStringArray, s))
	}
	b.WriteFields(fields...)
	return nil
}

// ReadExample decodes an Example from the unread bytes of b.
func ReadExample(b *payload.Buffer) (*Example, error) {
	fields, err := b.ReadFields()
	if err != nil {
		return nil, err
	}
	out := &Example{}
	if f, ok := tlv.GetField(fields, fieldSomeShort); ok {
		if out.SomeShort, err = f.AsU16(); err != nil {
			return nil, err
		}
	}
	for _, f := range tlv.GetAll(fields, fieldSomeArray) {
		v, err := f.AsU32()
		if err != nil {
			return nil, err
		}
		out.SomeArray = append(out.SomeArray, v)
	}
	for _, f := range tlv.GetAll(fields, fieldSomeStringArray) {
		s, err := f.AsString()
		if err != nil {
			return nil, err
		}
		out.SomeStringArray = append(out.SomeStringArray, s)
	}
	return out, nil
}

// Encode serializes p into a fresh buffer and returns the complete frame.
// A frame a receiver under limits would reject yields frame.ErrFrameTooLarge.
func Encode(p Packet, limits frame.Limits) ([]byte, error) {
	b := payload.New()
	if err := p.Serialize(b); err != nil {
		return nil, err
	}
	if err := frame.CheckBodyLen(len(b.Bytes()), limits); err != nil {
		return nil, fmt.Errorf("packets: id %d: %w", p.PacketID(), err)
	}
	return frame.EncodeFrame(p.PacketID(), frame.FlagNone, b.Bytes()), nil
}
