package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/danmuck/edgewire/internal/protocol/frame"
)

func handshakeHeader(flags uint16) []byte {
	return frame.EncodeHeader(frame.NewHeader(0, frame.IDHandshake, flags))
}

// validateHandshake checks a handshake reply field by field.
func validateHandshake(h frame.Header, wantFlags uint16) error {
	switch {
	case h.Flags != wantFlags:
		return fmt.Errorf("%w: got 0x%04x want 0x%04x", ErrHandshakeFlags, h.Flags, wantFlags)
	case h.ID != frame.IDHandshake:
		return fmt.Errorf("%w: got %d", ErrHandshakeID, h.ID)
	case h.Length != frame.HeaderLen:
		return fmt.Errorf("%w: got %d", ErrHandshakeLength, h.Length)
	case h.Magic != frame.Magic:
		return fmt.Errorf("%w: got 0x%08x", ErrHandshakeMagic, h.Magic)
	}
	return nil
}

func withDeadline(conn net.Conn, timeout time.Duration) func() {
	if timeout <= 0 {
		return func() {}
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))
	return func() { _ = conn.SetDeadline(time.Time{}) }
}

// serverHandshake sends the server hello and reads exactly one header back.
// Bytes after that header stay in the socket for the stream reader.
func serverHandshake(conn net.Conn, timeout time.Duration) error {
	defer withDeadline(conn, timeout)()
	if _, err := writeFull(conn, handshakeHeader(frame.FlagHandshakeServer)); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}
	hdr, err := readHandshake(conn)
	if err != nil {
		return err
	}
	return validateHandshake(hdr, frame.FlagHandshakeClient)
}

// clientHandshake waits for the server hello and answers it.
func clientHandshake(conn net.Conn, timeout time.Duration) error {
	defer withDeadline(conn, timeout)()
	hdr, err := readHandshake(conn)
	if err != nil {
		return err
	}
	if err := validateHandshake(hdr, frame.FlagHandshakeServer); err != nil {
		return err
	}
	if _, err := writeFull(conn, handshakeHeader(frame.FlagHandshakeClient)); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

func readHandshake(conn net.Conn) (frame.Header, error) {
	hdr, err := frame.ReadHeader(conn)
	if err != nil {
		return frame.Header{}, fmt.Errorf("read handshake: %w", err)
	}
	return hdr, nil
}
