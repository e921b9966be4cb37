// Package wiretest drives the frame protocol from the raw-socket side so
// transport tests can play a misbehaving or minimal peer.
package wiretest

import (
	"net"
	"testing"
	"time"

	"github.com/danmuck/edgewire/internal/protocol/frame"
	"github.com/stretchr/testify/require"
)

// IOTimeout bounds every blocking helper.
const IOTimeout = 2 * time.Second

// Dial opens a raw TCP connection without handshaking.
func Dial(t testing.TB, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, IOTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// DialHandshake opens a connection and completes the client side of the handshake.
func DialHandshake(t testing.TB, addr string) net.Conn {
	t.Helper()
	conn := Dial(t, addr)
	hello := ReadHeader(t, conn)
	require.Equal(t, frame.IDHandshake, hello.ID)
	require.Equal(t, frame.FlagHandshakeServer, hello.Flags)
	WriteHeader(t, conn, frame.NewHeader(0, frame.IDHandshake, frame.FlagHandshakeClient))
	return conn
}

func ReadHeader(t testing.TB, conn net.Conn) frame.Header {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(IOTimeout)))
	h, err := frame.ReadHeader(conn)
	require.NoError(t, err)
	return h
}

// ReadFrame reads one header and its body.
func ReadFrame(t testing.TB, conn net.Conn) (frame.Header, []byte) {
	t.Helper()
	h := ReadHeader(t, conn)
	body := make([]byte, h.BodyLen())
	if len(body) > 0 {
		_, err := readFull(conn, body)
		require.NoError(t, err)
	}
	return h, body
}

// ReadUntil skips frames until one with the given id arrives.
func ReadUntil(t testing.TB, conn net.Conn, id uint16) (frame.Header, []byte) {
	t.Helper()
	for {
		h, body := ReadFrame(t, conn)
		if h.ID == id {
			return h, body
		}
	}
}

func WriteHeader(t testing.TB, conn net.Conn, h frame.Header) {
	t.Helper()
	Write(t, conn, frame.EncodeHeader(h))
}

func WriteFrame(t testing.TB, conn net.Conn, id uint16, flags uint16, body []byte) {
	t.Helper()
	Write(t, conn, frame.EncodeFrame(id, flags, body))
}

func Write(t testing.TB, conn net.Conn, p []byte) {
	t.Helper()
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(IOTimeout)))
	_, err := conn.Write(p)
	require.NoError(t, err)
}

// Disconnect writes the header-only disconnect frame.
func Disconnect(t testing.TB, conn net.Conn) {
	t.Helper()
	WriteHeader(t, conn, frame.NewHeader(0, frame.IDDisconnect, frame.FlagDisconnect))
}

func readFull(conn net.Conn, p []byte) (int, error) {
	if err := conn.SetReadDeadline(time.Now().Add(IOTimeout)); err != nil {
		return 0, err
	}
	n := 0
	for n < len(p) {
		m, err := conn.Read(p[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// FakeServer accepts one TCP connection and lets a test script the server side.
type FakeServer struct {
	ln    net.Listener
	conns chan net.Conn
}

func NewFakeServer(t testing.TB) *FakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fs := &FakeServer{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				close(fs.conns)
				return
			}
			fs.conns <- conn
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return fs
}

func (fs *FakeServer) Addr() string {
	return fs.ln.Addr().String()
}

// Accept waits for the next connection.
func (fs *FakeServer) Accept(t testing.TB) net.Conn {
	t.Helper()
	select {
	case conn, ok := <-fs.conns:
		require.True(t, ok, "fake server closed")
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(IOTimeout):
		require.FailNow(t, "no connection accepted")
		return nil
	}
}

// Hello sends a server hello with the given flags.
func Hello(t testing.TB, conn net.Conn, flags uint16) {
	t.Helper()
	WriteHeader(t, conn, frame.NewHeader(0, frame.IDHandshake, flags))
}

// FreeUDPAddr returns a loopback address that was free a moment ago.
func FreeUDPAddr(t testing.TB) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	require.NoError(t, pc.Close())
	return addr
}
