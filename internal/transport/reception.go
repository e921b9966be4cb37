package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/danmuck/edgewire/internal/observability"
	"github.com/rs/zerolog/log"
)

// streamReader moves bytes from one stream connection into its accumulation buffer.
type streamReader struct {
	name      string
	conn      net.Conn
	handle    Handle
	table     *Table
	bufSize   int
	deadAfter time.Duration
	wake      func()
	onError   func(h Handle, err error)
}

// run reads until ctx ends or the connection fails. A clean end of stream
// is not a disconnect; the handle stays until a frame or send says otherwise.
func (r streamReader) run(ctx context.Context) {
	defer r.table.Forget(r.handle)
	buf := make([]byte, r.bufSize)
	for {
		if r.deadAfter > 0 {
			_ = r.conn.SetReadDeadline(time.Now().Add(r.deadAfter))
		}
		n, err := r.conn.Read(buf)
		if n > 0 {
			r.table.Append(r.handle, buf[:n])
			observability.RecordBytesReceived(r.name, n)
			r.wake()
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, io.EOF) {
			log.Debug().
				Str("transport", r.name).
				Stringer("handle", r.handle).
				Msg("peer closed stream")
			r.awaitSilence(ctx)
			return
		}
		r.onError(r.handle, err)
		return
	}
}

// awaitSilence reports ErrPeerSilent once deadAfter passes with no further
// input possible. Without a deadAfter the handle is left to heartbeats.
func (r streamReader) awaitSilence(ctx context.Context) {
	if r.deadAfter <= 0 {
		return
	}
	timer := time.NewTimer(r.deadAfter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
		if r.table.Contains(r.handle) {
			r.onError(r.handle, ErrPeerSilent)
		}
	}
}

// packetReader feeds every datagram from conn into the buffer of PeerHandle.
type packetReader struct {
	name    string
	conn    net.PacketConn
	table   *Table
	backoff time.Duration
	wake    func()
	onPeer  func(addr net.Addr)
}

// udpReadSize holds the largest possible datagram so none are truncated.
const udpReadSize = 64 * 1024

func (r packetReader) run(ctx context.Context) {
	defer r.table.Forget(PeerHandle)
	buf := make([]byte, udpReadSize)
	for {
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debug().Str("transport", r.name).Err(err).Msg("datagram read failed")
			if !sleepCtx(ctx, r.backoff) {
				return
			}
			continue
		}
		if n == 0 {
			continue
		}
		r.onPeer(addr)
		r.table.Append(PeerHandle, buf[:n])
		observability.RecordBytesReceived(r.name, n)
		r.wake()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
