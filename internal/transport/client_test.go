package transport

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/edgewire/internal/packets"
	"github.com/danmuck/edgewire/internal/protocol/frame"
	"github.com/danmuck/edgewire/internal/protocol/payload"
	"github.com/danmuck/edgewire/internal/testutil/testlog"
	"github.com/danmuck/edgewire/internal/testutil/wiretest"
	"github.com/stretchr/testify/require"
)

func TestClientServerExampleRoundTrip(t *testing.T) {
	testlog.Start(t)

	s := NewServer(testConfig())
	require.NoError(t, s.RegisterCallback(func(srv *Server, from Handle, id uint16, r *payload.Buffer) {
		if id != packets.IDExample {
			return
		}
		in, err := packets.ReadExample(r)
		if err != nil {
			return
		}
		_ = srv.SendPacket(from, in)
	}))
	require.NoError(t, s.Start("127.0.0.1:0"))
	t.Cleanup(s.Close)

	c := NewClient(testConfig())
	replies := make(chan *packets.Example, 1)
	disconnected := make(chan struct{})
	require.NoError(t, c.RegisterCallback(func(cl *Client, id uint16, r *payload.Buffer) {
		in, err := packets.ReadExample(r)
		if err != nil {
			return
		}
		replies <- in
		cl.Disconnect()
	}))
	require.NoError(t, c.RegisterDisconnectCallback(func(*Client) { close(disconnected) }))
	require.NoError(t, c.Connect(context.Background(), s.Addr().String()))
	t.Cleanup(c.Close)
	require.True(t, c.IsConnected())

	out := &packets.Example{
		SomeShort:       128,
		SomeArray:       []uint32{1, 2, 3, 4, 5},
		SomeStringArray: []string{"Hello", "from", "client!"},
	}
	require.NoError(t, c.SendPacket(out))

	select {
	case got := <-replies:
		require.Equal(t, out, got)
	case <-time.After(eventually):
		require.FailNow(t, "no echo")
	}
	select {
	case <-disconnected:
	case <-time.After(eventually):
		require.FailNow(t, "client never disconnected")
	}
	require.False(t, c.IsConnected())
	require.Eventually(t, func() bool { return len(s.Snapshot()) == 0 }, eventually, time.Millisecond)
}

func TestClientConnectErrors(t *testing.T) {
	testlog.Start(t)

	c := NewClient(testConfig())
	err := c.Connect(context.Background(), "127.0.0.1:1")
	require.ErrorIs(t, err, ErrNoCallback)

	require.NoError(t, c.RegisterCallback(func(*Client, uint16, *payload.Buffer) {}))
	err = c.Connect(context.Background(), wiretest.FreeUDPAddr(t))
	require.ErrorIs(t, err, ErrConnectFailure)

	require.ErrorIs(t, c.SendPacket(&packets.Example{}), ErrNotRunning)
	require.ErrorIs(t, c.SendPacket(nil), ErrNilPacket)
}

func TestClientRejectsBadServerHello(t *testing.T) {
	testlog.Start(t)

	fs := wiretest.NewFakeServer(t)
	c := NewClient(testConfig())
	require.NoError(t, c.RegisterCallback(func(*Client, uint16, *payload.Buffer) {}))

	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect(context.Background(), fs.Addr()) }()
	conn := fs.Accept(t)
	wiretest.Hello(t, conn, frame.FlagHandshakeClient)

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrHandshakeFailure)
		require.ErrorIs(t, err, ErrHandshakeFlags)
	case <-time.After(eventually):
		require.FailNow(t, "connect did not return")
	}
	require.False(t, c.IsConnected())
}

func TestClientAnswersHelloAndSeesHeartbeats(t *testing.T) {
	testlog.Start(t)

	fs := wiretest.NewFakeServer(t)
	c := NewClient(testConfig())
	frames := make(chan uint16, 4)
	require.NoError(t, c.RegisterCallback(func(_ *Client, id uint16, _ *payload.Buffer) { frames <- id }))

	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect(context.Background(), fs.Addr()) }()
	conn := fs.Accept(t)
	wiretest.Hello(t, conn, frame.FlagHandshakeServer)
	reply := wiretest.ReadHeader(t, conn)
	require.Equal(t, frame.IDHandshake, reply.ID)
	require.Equal(t, frame.FlagHandshakeClient, reply.Flags)
	require.Equal(t, uint32(frame.HeaderLen), reply.Length)
	require.NoError(t, <-errCh)
	t.Cleanup(c.Close)

	before := c.LastHeartbeat()
	time.Sleep(5 * time.Millisecond)
	wiretest.WriteHeader(t, conn, frame.NewHeader(0, frame.IDHeartbeat, frame.FlagHeartbeat))
	wiretest.WriteFrame(t, conn, 400, frame.FlagNone, nil)

	select {
	case id := <-frames:
		require.Equal(t, uint16(400), id)
	case <-time.After(eventually):
		require.FailNow(t, "no frame delivered")
	}
	require.True(t, c.LastHeartbeat().After(before))
}

func TestClientDisconnectedByServer(t *testing.T) {
	testlog.Start(t)

	s, _ := startServer(t, testConfig())
	c := NewClient(testConfig())
	disconnected := make(chan struct{})
	require.NoError(t, c.RegisterCallback(func(*Client, uint16, *payload.Buffer) {}))
	require.NoError(t, c.RegisterDisconnectCallback(func(*Client) { close(disconnected) }))
	require.NoError(t, c.Connect(context.Background(), s.Addr().String()))
	t.Cleanup(c.Close)

	require.Eventually(t, func() bool { return len(s.Snapshot()) == 1 }, eventually, time.Millisecond)
	s.DisconnectClient(s.Snapshot()[0])

	select {
	case <-disconnected:
	case <-time.After(eventually):
		require.FailNow(t, "client missed server disconnect")
	}
	require.False(t, c.IsConnected())
}

func TestClientDropsSilentServer(t *testing.T) {
	testlog.Start(t)

	fs := wiretest.NewFakeServer(t)
	cfg := testConfig()
	cfg.DeadAfter = 50 * time.Millisecond
	c := NewClient(cfg)
	disconnected := make(chan struct{})
	require.NoError(t, c.RegisterCallback(func(*Client, uint16, *payload.Buffer) {}))
	require.NoError(t, c.RegisterDisconnectCallback(func(*Client) { close(disconnected) }))

	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect(context.Background(), fs.Addr()) }()
	conn := fs.Accept(t)
	wiretest.Hello(t, conn, frame.FlagHandshakeServer)
	wiretest.ReadHeader(t, conn)
	require.NoError(t, <-errCh)
	t.Cleanup(c.Close)

	select {
	case <-disconnected:
	case <-time.After(eventually):
		require.FailNow(t, "silent server was not detected")
	}
}

func TestClientRefusesFrameOverLimit(t *testing.T) {
	testlog.Start(t)

	s, rec := startServer(t, testConfig())
	c := NewClient(testConfig())
	require.NoError(t, c.RegisterCallback(func(*Client, uint16, *payload.Buffer) {}))
	require.NoError(t, c.Connect(context.Background(), s.Addr().String()))
	t.Cleanup(c.Close)

	err := c.SendPacket(&packets.Raw{ID: 100, Body: make([]byte, 9<<20)})
	require.ErrorIs(t, err, ErrFrameTooLarge)
	require.ErrorIs(t, err, frame.ErrFrameTooLarge)
	require.Equal(t, ReasonFrameTooLarge, ReasonOf(err))
	require.True(t, c.IsConnected())

	// Nothing reached the wire, so the next frame still parses on the server.
	require.NoError(t, c.SendPacket(&packets.Raw{ID: 101, Body: []byte("fits")}))
	got := waitFrame(t, rec)
	require.Equal(t, uint16(101), got.id)
	require.Equal(t, []byte("fits"), got.body)
	require.True(t, c.IsConnected())
	require.Zero(t, rec.disconnectCount())
}
