package transport

import (
	"errors"
	"io"
	"net"
	"reflect"
	"sync"
	"time"

	"github.com/danmuck/edgewire/internal/observability"
	"github.com/danmuck/edgewire/internal/packets"
	"github.com/danmuck/edgewire/internal/protocol/frame"
)

// sender serializes writes for one front end so frames never interleave.
type sender struct {
	mu      sync.Mutex
	name    string
	timeout time.Duration
}

func (s *sender) send(conn net.Conn, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.timeout))
	}
	n, err := writeFull(conn, raw)
	observability.RecordBytesSent(s.name, n)
	return err
}

// sendTo writes one datagram. Datagrams are never split, so there is no retry loop.
func (s *sender) sendTo(conn net.PacketConn, addr net.Addr, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.timeout))
	}
	n, err := conn.WriteTo(raw, addr)
	observability.RecordBytesSent(s.name, n)
	if err != nil {
		return err
	}
	if n < len(raw) {
		return io.ErrShortWrite
	}
	return nil
}

// writeFull retries until every byte of p is written or a write fails.
func writeFull(w io.Writer, p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := w.Write(p[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

func isNilPacket(p packets.Packet) bool {
	if p == nil {
		return true
	}
	v := reflect.ValueOf(p)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// encodePacket validates and serializes p into a complete frame. Nothing is
// written when the frame exceeds limits, so the connection stays usable.
func encodePacket(op string, p packets.Packet, limits frame.Limits) ([]byte, error) {
	if isNilPacket(p) {
		return nil, newError(op, ReasonNilPacket, nil)
	}
	raw, err := packets.Encode(p, limits)
	if errors.Is(err, frame.ErrFrameTooLarge) {
		return nil, newError(op, ReasonFrameTooLarge, err)
	}
	if err != nil {
		return nil, newError(op, ReasonSendFailure, err)
	}
	return raw, nil
}
