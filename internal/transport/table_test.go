package transport

import (
	"testing"

	"github.com/danmuck/edgewire/internal/protocol/frame"
	"github.com/danmuck/edgewire/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestTableAdmitRemoveIsIdempotent(t *testing.T) {
	testlog.Start(t)

	tbl := NewTable()
	tbl.Admit(7, nil)
	tbl.Admit(7, nil)
	require.Equal(t, []Handle{7}, tbl.Snapshot())

	_, ok := tbl.Remove(7)
	require.True(t, ok)
	_, ok = tbl.Remove(7)
	require.False(t, ok)
	require.Zero(t, tbl.Len())
}

func TestTableAppendCreatesBufferOnFirstTouch(t *testing.T) {
	testlog.Start(t)

	tbl := NewTable()
	tbl.Append(3, []byte{1, 2})
	tbl.Append(3, []byte{3})
	require.Equal(t, []byte{1, 2, 3}, tbl.Buffer(3))
	require.False(t, tbl.Contains(3))

	// Consume refuses handles that were never admitted.
	require.False(t, tbl.Consume(3, 1))
}

func TestTablePeekStates(t *testing.T) {
	testlog.Start(t)

	tbl := NewTable()
	limits := frame.DefaultLimits()
	_, _, status, _ := tbl.peek(1, limits)
	require.Equal(t, peekGone, status)

	tbl.Admit(1, nil)
	raw := frame.EncodeFrame(20, frame.FlagNone, []byte("abc"))
	tbl.Append(1, raw[:frame.HeaderLen+1])
	_, _, status, _ = tbl.peek(1, limits)
	require.Equal(t, peekWait, status)

	tbl.Append(1, raw[frame.HeaderLen+1:])
	hdr, body, status, err := tbl.peek(1, limits)
	require.NoError(t, err)
	require.Equal(t, peekFrame, status)
	require.Equal(t, uint16(20), hdr.ID)
	require.Equal(t, []byte("abc"), body)

	require.True(t, tbl.Consume(1, int(hdr.Length)))
	require.Empty(t, tbl.Buffer(1))

	tbl.Append(1, []byte("not a frame header"))
	_, _, status, err = tbl.peek(1, limits)
	require.Equal(t, peekMalformed, status)
	require.ErrorIs(t, err, frame.ErrInvalidMagic)
}

func TestTableClearReturnsConnections(t *testing.T) {
	testlog.Start(t)

	tbl := NewTable()
	tbl.Admit(1, nil)
	tbl.Admit(2, nil)
	tbl.Append(2, []byte{9})
	require.Empty(t, tbl.Clear())
	require.Zero(t, tbl.Len())
	require.Nil(t, tbl.Buffer(2))
}

func TestTableForgetOnlyDropsUnadmittedBuffers(t *testing.T) {
	testlog.Start(t)

	tbl := NewTable()
	tbl.Admit(1, nil)
	tbl.Append(1, []byte{1})
	tbl.Forget(1)
	require.True(t, tbl.Contains(1))
	require.Equal(t, []byte{1}, tbl.Buffer(1))

	// A late read after removal recreates the buffer until the reader exits.
	_, ok := tbl.Remove(1)
	require.True(t, ok)
	tbl.Append(1, []byte{2})
	require.Len(t, tbl.entries, 1)
	tbl.Forget(1)
	require.Empty(t, tbl.entries)
}

func TestTableReadmissionAfterForgetStartsEmpty(t *testing.T) {
	testlog.Start(t)

	tbl := NewTable()
	tbl.Admit(PeerHandle, nil)
	tbl.Clear()
	tbl.Append(PeerHandle, []byte("stale"))
	tbl.Forget(PeerHandle)

	tbl.Admit(PeerHandle, nil)
	require.Empty(t, tbl.Buffer(PeerHandle))
}
