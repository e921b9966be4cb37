package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgewire/internal/packets"
	"github.com/danmuck/edgewire/internal/protocol/frame"
	"github.com/danmuck/edgewire/internal/protocol/payload"
	"github.com/danmuck/edgewire/internal/testutil/testlog"
	"github.com/danmuck/edgewire/internal/testutil/wiretest"
	"github.com/stretchr/testify/require"
)

const eventually = 2 * time.Second

type received struct {
	from Handle
	id   uint16
	body []byte
}

type recorder struct {
	mu           sync.Mutex
	frames       []received
	connects     []Handle
	disconnects  []Handle
	stops        int
	frameCh      chan received
	disconnectCh chan Handle
}

func newRecorder() *recorder {
	return &recorder{
		frameCh:      make(chan received, 64),
		disconnectCh: make(chan Handle, 64),
	}
}

func (r *recorder) handler(_ *Server, from Handle, id uint16, b *payload.Buffer) {
	got := received{from: from, id: id, body: b.ReadAll()}
	r.mu.Lock()
	r.frames = append(r.frames, got)
	r.mu.Unlock()
	r.frameCh <- got
}

func (r *recorder) connect(_ *Server, h Handle) {
	r.mu.Lock()
	r.connects = append(r.connects, h)
	r.mu.Unlock()
}

func (r *recorder) disconnect(_ *Server, h Handle) {
	r.mu.Lock()
	r.disconnects = append(r.disconnects, h)
	r.mu.Unlock()
	r.disconnectCh <- h
}

func (r *recorder) stop(*Server) {
	r.mu.Lock()
	r.stops++
	r.mu.Unlock()
}

func (r *recorder) disconnectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.disconnects)
}

func (r *recorder) connectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connects)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 500 * time.Millisecond
	cfg.WriteTimeout = time.Second
	return cfg
}

func startServer(t *testing.T, cfg Config) (*Server, *recorder) {
	t.Helper()
	s := NewServer(cfg)
	rec := newRecorder()
	require.NoError(t, s.RegisterCallback(rec.handler))
	require.NoError(t, s.RegisterConnectCallback(rec.connect))
	require.NoError(t, s.RegisterDisconnectCallback(rec.disconnect))
	require.NoError(t, s.RegisterStopCallback(rec.stop))
	require.NoError(t, s.Start("127.0.0.1:0"))
	t.Cleanup(s.Close)
	return s, rec
}

func waitFrame(t *testing.T, rec *recorder) received {
	t.Helper()
	select {
	case got := <-rec.frameCh:
		return got
	case <-time.After(eventually):
		require.FailNow(t, "no frame delivered")
		return received{}
	}
}

func TestServerStartRequiresCallback(t *testing.T) {
	testlog.Start(t)

	s := NewServer(testConfig())
	err := s.Start("127.0.0.1:0")
	require.ErrorIs(t, err, ErrNoCallback)
	require.Equal(t, ReasonNoCallback, ReasonOf(err))
	require.False(t, s.IsRunning())

	require.ErrorIs(t, s.RegisterCallback(nil), ErrNullCallback)
	require.ErrorIs(t, s.RegisterStopCallback(nil), ErrNullCallback)
}

func TestServerDoubleStartFails(t *testing.T) {
	testlog.Start(t)

	s, _ := startServer(t, testConfig())
	err := s.Start("127.0.0.1:0")
	require.ErrorIs(t, err, ErrAlreadyRunning)
	require.True(t, s.IsRunning())
}

func TestServerStartResolveFailure(t *testing.T) {
	testlog.Start(t)

	s := NewServer(testConfig())
	require.NoError(t, s.RegisterCallback(func(*Server, Handle, uint16, *payload.Buffer) {}))
	err := s.Start("127.0.0.1:notaport")
	require.ErrorIs(t, err, ErrResolveFailure)
}

func TestServerDeliversHelloFromRawClient(t *testing.T) {
	testlog.Start(t)

	s, rec := startServer(t, testConfig())
	conn := wiretest.DialHandshake(t, s.Addr().String())
	require.Eventually(t, func() bool { return rec.connectCount() == 1 }, eventually, time.Millisecond)

	wiretest.WriteFrame(t, conn, 100, frame.FlagNone, []byte("Hello"))
	got := waitFrame(t, rec)
	require.Equal(t, uint16(100), got.id)
	require.Equal(t, []byte("Hello"), got.body)
	require.Equal(t, s.Snapshot(), []Handle{got.from})
}

func TestServerHandlesFramesSplitAcrossWrites(t *testing.T) {
	testlog.Start(t)

	s, rec := startServer(t, testConfig())
	conn := wiretest.DialHandshake(t, s.Addr().String())

	var stream []byte
	for i := 0; i < 5; i++ {
		stream = append(stream, frame.EncodeFrame(uint16(100+i), frame.FlagNone, []byte{byte(i)})...)
	}
	for i := 0; i < len(stream); i += 7 {
		end := min(i+7, len(stream))
		wiretest.Write(t, conn, stream[i:end])
	}

	for i := 0; i < 5; i++ {
		got := waitFrame(t, rec)
		require.Equal(t, uint16(100+i), got.id)
		require.Equal(t, []byte{byte(i)}, got.body)
	}
}

func TestServerRejectsBadHandshakes(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		name string
		raw  []byte
	}{
		{
			name: "wrong flags",
			raw:  frame.EncodeHeader(frame.NewHeader(0, frame.IDHandshake, frame.FlagHandshakeServer)),
		},
		{
			name: "wrong id",
			raw:  frame.EncodeHeader(frame.NewHeader(0, 42, frame.FlagHandshakeClient)),
		},
		{
			name: "wrong length",
			raw:  frame.EncodeFrame(frame.IDHandshake, frame.FlagHandshakeClient, []byte{0}),
		},
		{
			name: "wrong magic",
			raw: func() []byte {
				h := frame.NewHeader(0, frame.IDHandshake, frame.FlagHandshakeClient)
				h.Magic = 0xDEADBEEF
				return frame.EncodeHeader(h)
			}(),
		},
	}

	s, rec := startServer(t, testConfig())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := wiretest.Dial(t, s.Addr().String())
			hello := wiretest.ReadHeader(t, conn)
			require.Equal(t, frame.FlagHandshakeServer, hello.Flags)
			wiretest.Write(t, conn, tc.raw)

			require.NoError(t, conn.SetReadDeadline(time.Now().Add(eventually)))
			_, err := conn.Read(make([]byte, 64))
			require.Error(t, err, "server must close a rejected connection")
		})
	}
	require.Zero(t, rec.connectCount())
	require.Empty(t, s.Snapshot())
}

func TestServerHandshakeTimeout(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	s, rec := startServer(t, cfg)

	conn := wiretest.Dial(t, s.Addr().String())
	wiretest.ReadHeader(t, conn)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(eventually)))
	_, err := conn.Read(make([]byte, 1))
	require.Error(t, err)
	require.Zero(t, rec.connectCount())
}

func TestServerDisconnectFrameFiresOnce(t *testing.T) {
	testlog.Start(t)

	s, rec := startServer(t, testConfig())
	conn := wiretest.DialHandshake(t, s.Addr().String())
	require.Eventually(t, func() bool { return len(s.Snapshot()) == 1 }, eventually, time.Millisecond)
	h := s.Snapshot()[0]

	bye := frame.EncodeHeader(frame.NewHeader(0, frame.IDDisconnect, frame.FlagDisconnect))
	wiretest.Write(t, conn, append(bye, bye...))

	select {
	case got := <-rec.disconnectCh:
		require.Equal(t, h, got)
	case <-time.After(eventually):
		require.FailNow(t, "no disconnect callback")
	}
	s.DisconnectClient(h)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, rec.disconnectCount())
	require.Empty(t, s.Snapshot())
}

func TestServerDisconnectClientNotifiesPeer(t *testing.T) {
	testlog.Start(t)

	s, rec := startServer(t, testConfig())
	conn := wiretest.DialHandshake(t, s.Addr().String())
	require.Eventually(t, func() bool { return len(s.Snapshot()) == 1 }, eventually, time.Millisecond)

	s.DisconnectClient(s.Snapshot()[0])
	h, _ := wiretest.ReadUntil(t, conn, frame.IDDisconnect)
	require.True(t, h.IsDisconnect())
	require.Equal(t, 1, rec.disconnectCount())

	_, err := conn.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestServerHeartbeatFailureDropsClient(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	s, rec := startServer(t, cfg)

	keep := wiretest.DialHandshake(t, s.Addr().String())
	gone := wiretest.DialHandshake(t, s.Addr().String())
	require.Eventually(t, func() bool { return len(s.Snapshot()) == 2 }, eventually, time.Millisecond)

	hb := wiretest.ReadHeader(t, keep)
	require.Equal(t, frame.IDHeartbeat, hb.ID)
	require.Equal(t, frame.FlagHeartbeat, hb.Flags)
	require.Equal(t, uint32(frame.HeaderLen), hb.Length)

	// A closed peer is not dropped on end-of-stream, only once a heartbeat write fails.
	require.NoError(t, gone.Close())
	require.Eventually(t, func() bool { return rec.disconnectCount() == 1 }, eventually, 5*time.Millisecond)
	require.Len(t, s.Snapshot(), 1)
}

func TestServerSendPacketErrors(t *testing.T) {
	testlog.Start(t)

	s, _ := startServer(t, testConfig())
	err := s.SendPacket(99999, &packets.Example{SomeShort: 1})
	require.ErrorIs(t, err, ErrUnknownHandle)

	err = s.SendPacket(1, nil)
	require.ErrorIs(t, err, ErrNilPacket)

	var typedNil *packets.Example
	err = s.SendPacket(1, typedNil)
	require.ErrorIs(t, err, ErrNilPacket)
}

func TestServerSendPacketReachesClient(t *testing.T) {
	testlog.Start(t)

	s, _ := startServer(t, testConfig())
	conn := wiretest.DialHandshake(t, s.Addr().String())
	require.Eventually(t, func() bool { return len(s.Snapshot()) == 1 }, eventually, time.Millisecond)

	out := &packets.Example{SomeShort: 7, SomeArray: []uint32{1, 2}, SomeStringArray: []string{"a"}}
	require.NoError(t, s.SendPacket(s.Snapshot()[0], out))

	h, body := wiretest.ReadUntil(t, conn, packets.IDExample)
	require.Equal(t, frame.FlagNone, h.Flags)
	b := payload.New()
	b.Assign(body)
	in, err := packets.ReadExample(b)
	require.NoError(t, err)
	require.Equal(t, out, in)
}

func TestServerBroadcast(t *testing.T) {
	testlog.Start(t)

	s, _ := startServer(t, testConfig())
	a := wiretest.DialHandshake(t, s.Addr().String())
	b := wiretest.DialHandshake(t, s.Addr().String())
	require.Eventually(t, func() bool { return len(s.Snapshot()) == 2 }, eventually, time.Millisecond)

	n, err := s.Broadcast(&packets.Raw{ID: 300, Body: []byte("all")})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	for _, conn := range []net.Conn{a, b} {
		_, body := wiretest.ReadUntil(t, conn, 300)
		require.Equal(t, []byte("all"), body)
	}
}

func TestServerStopDisconnectsEveryone(t *testing.T) {
	testlog.Start(t)

	s, rec := startServer(t, testConfig())
	wiretest.DialHandshake(t, s.Addr().String())
	wiretest.DialHandshake(t, s.Addr().String())
	require.Eventually(t, func() bool { return len(s.Snapshot()) == 2 }, eventually, time.Millisecond)

	s.Stop()
	s.Stop()
	s.Wait()

	require.False(t, s.IsRunning())
	require.Nil(t, s.Addr())
	require.Empty(t, s.Snapshot())
	require.Equal(t, 2, rec.disconnectCount())
	rec.mu.Lock()
	require.Equal(t, 1, rec.stops)
	rec.mu.Unlock()
}

func TestServerStopFromHandler(t *testing.T) {
	testlog.Start(t)

	s := NewServer(testConfig())
	stopped := make(chan struct{})
	require.NoError(t, s.RegisterCallback(func(srv *Server, _ Handle, _ uint16, _ *payload.Buffer) {
		srv.Stop()
	}))
	require.NoError(t, s.RegisterStopCallback(func(*Server) { close(stopped) }))
	require.NoError(t, s.Start("127.0.0.1:0"))
	t.Cleanup(s.Close)

	conn := wiretest.DialHandshake(t, s.Addr().String())
	wiretest.WriteFrame(t, conn, 100, frame.FlagNone, []byte("stop"))

	select {
	case <-stopped:
	case <-time.After(eventually):
		require.FailNow(t, "server did not stop")
	}
	s.Wait()
	require.False(t, s.IsRunning())
}

func TestServerRestart(t *testing.T) {
	testlog.Start(t)

	s, rec := startServer(t, testConfig())
	s.Close()
	require.NoError(t, s.Start("127.0.0.1:0"))

	conn := wiretest.DialHandshake(t, s.Addr().String())
	wiretest.WriteFrame(t, conn, 101, frame.FlagNone, []byte("again"))
	got := waitFrame(t, rec)
	require.Equal(t, []byte("again"), got.body)
}

func TestServerDropsClientOnMalformedStream(t *testing.T) {
	testlog.Start(t)

	s, rec := startServer(t, testConfig())
	conn := wiretest.DialHandshake(t, s.Addr().String())
	wiretest.Write(t, conn, []byte("garbage that is not a header"))

	require.Eventually(t, func() bool { return rec.disconnectCount() == 1 }, eventually, time.Millisecond)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(eventually)))
	_, err := io.ReadAll(conn)
	if err != nil {
		var ne net.Error
		require.False(t, errors.As(err, &ne) && ne.Timeout(), "connection left open")
	}
}

func TestServerRefusesFrameOverLimit(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.Limits = frame.Limits{MaxFrameBytes: 64}
	s, rec := startServer(t, cfg)
	conn := wiretest.DialHandshake(t, s.Addr().String())
	require.Eventually(t, func() bool { return len(s.Snapshot()) == 1 }, eventually, time.Millisecond)
	h := s.Snapshot()[0]

	big := &packets.Raw{ID: 300, Body: make([]byte, 64)}
	require.ErrorIs(t, s.SendPacket(h, big), ErrFrameTooLarge)
	n, err := s.Broadcast(big)
	require.ErrorIs(t, err, ErrFrameTooLarge)
	require.Zero(t, n)

	require.Equal(t, []Handle{h}, s.Snapshot())
	require.Zero(t, rec.disconnectCount())
	require.NoError(t, s.SendPacket(h, &packets.Raw{ID: 301, Body: []byte("small")}))
	_, body := wiretest.ReadUntil(t, conn, 301)
	require.Equal(t, []byte("small"), body)
}

func TestServerStopDuringHandshakeAdmitsNothing(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.HandshakeTimeout = 5 * time.Second
	s, rec := startServer(t, cfg)

	conn := wiretest.Dial(t, s.Addr().String())
	hello := wiretest.ReadHeader(t, conn)
	require.Equal(t, frame.FlagHandshakeServer, hello.Flags)

	// The accept loop is now blocked waiting for this client's reply.
	s.Stop()
	wiretest.Hello(t, conn, frame.FlagHandshakeClient)
	s.Wait()

	require.Zero(t, rec.connectCount())
	require.Zero(t, rec.disconnectCount())
	require.Empty(t, s.Snapshot())

	_ = conn.SetReadDeadline(time.Now().Add(eventually))
	_, err := conn.Read(make([]byte, 1))
	require.Error(t, err)
}

func TestServerStopFromConnectCallbackKeepsOrder(t *testing.T) {
	testlog.Start(t)

	var (
		mu     sync.Mutex
		events []string
	)
	record := func(ev string) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	s := NewServer(testConfig())
	require.NoError(t, s.RegisterCallback(func(*Server, Handle, uint16, *payload.Buffer) {}))
	require.NoError(t, s.RegisterConnectCallback(func(srv *Server, _ Handle) {
		record("connect")
		srv.Stop()
	}))
	require.NoError(t, s.RegisterDisconnectCallback(func(*Server, Handle) { record("disconnect") }))
	require.NoError(t, s.RegisterStopCallback(func(*Server) { record("stop") }))
	require.NoError(t, s.Start("127.0.0.1:0"))
	t.Cleanup(s.Close)

	conn := wiretest.DialHandshake(t, s.Addr().String())
	require.Eventually(t, func() bool { return !s.IsRunning() }, eventually, time.Millisecond)
	s.Wait()

	mu.Lock()
	require.Equal(t, []string{"connect", "stop", "disconnect"}, events)
	mu.Unlock()
	require.Empty(t, s.Snapshot())

	h, _ := wiretest.ReadUntil(t, conn, frame.IDDisconnect)
	require.True(t, h.IsDisconnect())
}

func TestServerLeavesNoBuffersAfterDisconnects(t *testing.T) {
	testlog.Start(t)

	s, rec := startServer(t, testConfig())
	for i := 0; i < 5; i++ {
		conn := wiretest.DialHandshake(t, s.Addr().String())
		require.Eventually(t, func() bool { return len(s.Snapshot()) == 1 }, eventually, time.Millisecond)
		// Keep bytes in flight while the server drops the client.
		wiretest.Write(t, conn, []byte{0xED, 0x6E})
		s.DisconnectClient(s.Snapshot()[0])
		_ = conn.Close()
	}
	require.Eventually(t, func() bool { return rec.disconnectCount() == 5 }, eventually, time.Millisecond)
	require.Eventually(t, func() bool {
		s.table.mu.Lock()
		defer s.table.mu.Unlock()
		return len(s.table.entries) == 0
	}, eventually, time.Millisecond)
}
