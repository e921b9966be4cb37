package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgewire/internal/observability"
	"github.com/danmuck/edgewire/internal/packets"
	"github.com/danmuck/edgewire/internal/protocol/frame"
	"github.com/danmuck/edgewire/internal/protocol/payload"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const serverTransport = "tcp_server"

// Disconnect causes, used as log fields and metric labels.
const (
	causeLocal     = "local"
	causePeer      = "peer"
	causeRead      = "read"
	causeSend      = "send"
	causeHeartbeat = "heartbeat"
	causeMalformed = "malformed"
	causeStop      = "stop"
)

// Handler processes one application frame received by a Server.
type Handler func(s *Server, from Handle, id uint16, r *payload.Buffer)

type StopFunc func(s *Server)

// ConnFunc observes a handle entering or leaving a Server's connection set.
type ConnFunc func(s *Server, h Handle)

// Server accepts TCP clients, handshakes them, heartbeats them and
// dispatches their frames to a single Handler.
type Server struct {
	cfg      Config
	instance string

	cbMu         sync.RWMutex
	handler      Handler
	onStop       StopFunc
	onConnect    ConnFunc
	onDisconnect ConnFunc

	lifeMu  sync.Mutex
	running atomic.Bool
	ln      net.Listener
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// announcing is the handle whose connect callback is running, or 0.
	announcing atomic.Uint64

	table    *Table
	sender   *sender
	dispatch *dispatcher
}

func NewServer(cfg Config) *Server {
	cfg = cfg.WithDefaults()
	s := &Server{
		cfg:      cfg,
		instance: uuid.NewString(),
		table:    NewTable(),
		sender:   &sender{name: serverTransport, timeout: cfg.WriteTimeout},
	}
	s.dispatch = newDispatcher(serverTransport, s.table, cfg.Limits, frameSink{
		onFrame:      s.deliver,
		onMalformed:  func(h Handle, _ error) { s.drop(h, causeMalformed, nil) },
		onDisconnect: func(h Handle) { s.drop(h, causePeer, nil) },
	})
	return s
}

// Instance is the random id that tags this server's log lines.
func (s *Server) Instance() string {
	return s.instance
}

// RegisterCallback sets the frame handler. It may be replaced while running.
func (s *Server) RegisterCallback(fn Handler) error {
	if fn == nil {
		return newError("server register", ReasonNullCallback, nil)
	}
	s.cbMu.Lock()
	s.handler = fn
	s.cbMu.Unlock()
	return nil
}

func (s *Server) RegisterStopCallback(fn StopFunc) error {
	if fn == nil {
		return newError("server register stop", ReasonNullCallback, nil)
	}
	s.cbMu.Lock()
	s.onStop = fn
	s.cbMu.Unlock()
	return nil
}

func (s *Server) RegisterConnectCallback(fn ConnFunc) error {
	if fn == nil {
		return newError("server register connect", ReasonNullCallback, nil)
	}
	s.cbMu.Lock()
	s.onConnect = fn
	s.cbMu.Unlock()
	return nil
}

func (s *Server) RegisterDisconnectCallback(fn ConnFunc) error {
	if fn == nil {
		return newError("server register disconnect", ReasonNullCallback, nil)
	}
	s.cbMu.Lock()
	s.onDisconnect = fn
	s.cbMu.Unlock()
	return nil
}

// Start binds addr and launches the accept, dispatch and heartbeat loops.
func (s *Server) Start(addr string) error {
	if s.running.Load() {
		return newError("server start", ReasonAlreadyRunning, nil)
	}
	// A previous run may still be unwinding after Stop.
	s.wg.Wait()

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.running.Load() {
		return newError("server start", ReasonAlreadyRunning, nil)
	}
	s.cbMu.RLock()
	hasHandler := s.handler != nil
	s.cbMu.RUnlock()
	if !hasHandler {
		return newError("server start", ReasonNoCallback, nil)
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return newError("server start", ReasonResolveFailure, err)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return newError("server start", ReasonListenFailure, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.ln = ln
	s.cancel = cancel
	s.running.Store(true)

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, ln)
	}()
	go func() {
		defer s.wg.Done()
		s.dispatch.run(ctx, s.cfg.PollInterval)
	}()
	go func() {
		defer s.wg.Done()
		s.heartbeatLoop(ctx)
	}()

	log.Info().
		Str("transport", serverTransport).
		Str("instance", s.instance).
		Str("addr", ln.Addr().String()).
		Msg("server started")
	return nil
}

// Stop ends every loop, notifies and disconnects every client, then fires
// the stop callback. It is safe to call from inside any callback.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.lifeMu.Lock()
	cancel, ln := s.cancel, s.ln
	s.lifeMu.Unlock()

	cancel()
	_ = ln.Close()
	for _, h := range s.table.Snapshot() {
		// admit drops a handle still being announced once its connect callback returns.
		if uint64(h) == s.announcing.Load() {
			continue
		}
		s.notifyDisconnect(h)
		s.drop(h, causeStop, nil)
	}

	log.Info().
		Str("transport", serverTransport).
		Str("instance", s.instance).
		Msg("server stopped")

	s.cbMu.RLock()
	fn := s.onStop
	s.cbMu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

// Wait blocks until every goroutine of the last run has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Close stops the server and waits for it. Do not call it from a callback.
func (s *Server) Close() {
	s.Stop()
	s.Wait()
}

func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Addr is the bound listen address, or nil when not running.
func (s *Server) Addr() net.Addr {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.ln == nil || !s.running.Load() {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) Snapshot() []Handle {
	return s.table.Snapshot()
}

func (s *Server) Connections() []ConnectionInfo {
	return s.table.Info()
}

// SendPacket writes p to one client. A write failure disconnects that client.
func (s *Server) SendPacket(to Handle, p packets.Packet) error {
	raw, err := encodePacket("server send", p, s.cfg.Limits)
	if err != nil {
		return err
	}
	conn, ok := s.table.Conn(to)
	if !ok {
		return newError("server send", ReasonUnknownHandle, nil)
	}
	if err := s.sender.send(conn, raw); err != nil {
		s.drop(to, causeSend, err)
		return newError("server send", ReasonSendFailure, err)
	}
	return nil
}

// Broadcast sends p to every client and returns how many writes succeeded.
func (s *Server) Broadcast(p packets.Packet) (int, error) {
	raw, err := encodePacket("server broadcast", p, s.cfg.Limits)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, h := range s.table.Snapshot() {
		conn, ok := s.table.Conn(h)
		if !ok {
			continue
		}
		if err := s.sender.send(conn, raw); err != nil {
			s.drop(h, causeSend, err)
			continue
		}
		sent++
	}
	return sent, nil
}

// DisconnectClient tells h it is being dropped, then removes it. Unknown
// handles are ignored.
func (s *Server) DisconnectClient(h Handle) {
	s.notifyDisconnect(h)
	s.drop(h, causeLocal, nil)
}

func (s *Server) notifyDisconnect(h Handle) {
	conn, ok := s.table.Conn(h)
	if !ok {
		return
	}
	raw := frame.EncodeHeader(frame.NewHeader(0, frame.IDDisconnect, frame.FlagDisconnect))
	_ = s.sender.send(conn, raw)
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Str("transport", serverTransport).Err(err).Msg("accept failed")
			if !sleepCtx(ctx, s.cfg.PollInterval) {
				return
			}
			continue
		}
		s.admit(ctx, conn)
	}
}

// admit handshakes conn synchronously; a slow client holds up accept for at
// most HandshakeTimeout.
func (s *Server) admit(ctx context.Context, conn net.Conn) {
	started := time.Now()
	remote := conn.RemoteAddr().String()
	if err := serverHandshake(conn, s.cfg.HandshakeTimeout); err != nil {
		observability.RecordHandshake(serverTransport, false, time.Since(started))
		log.Warn().
			Str("transport", serverTransport).
			Str("remote", remote).
			Err(err).
			Msg("handshake rejected")
		_ = conn.Close()
		return
	}
	observability.RecordHandshake(serverTransport, true, time.Since(started))
	if ctx.Err() != nil {
		_ = conn.Close()
		return
	}

	h := nextHandle()
	s.announcing.Store(uint64(h))
	s.table.Admit(h, conn)
	observability.RecordConnect(serverTransport)
	log.Info().
		Str("transport", serverTransport).
		Stringer("handle", h).
		Str("remote", remote).
		Msg("client connected")

	s.cbMu.RLock()
	fn := s.onConnect
	s.cbMu.RUnlock()
	if fn != nil {
		fn(s, h)
	}
	s.announcing.Store(0)
	if ctx.Err() != nil {
		s.notifyDisconnect(h)
		s.drop(h, causeStop, nil)
		return
	}

	reader := streamReader{
		name:    serverTransport,
		conn:    conn,
		handle:  h,
		table:   s.table,
		bufSize: s.cfg.ReadBufferSize,
		wake:    s.dispatch.notify,
		onError: func(h Handle, err error) { s.drop(h, causeRead, err) },
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		reader.run(ctx)
	}()
}

func (s *Server) deliver(h Handle, id uint16, body []byte) {
	s.cbMu.RLock()
	fn := s.handler
	s.cbMu.RUnlock()
	if fn == nil {
		return
	}
	r := payload.New()
	r.Assign(body)
	fn(s, h, id, r)
}

// drop removes h exactly once, closing its socket and firing the
// disconnect callback. Later calls for the same handle do nothing.
func (s *Server) drop(h Handle, cause string, err error) bool {
	conn, ok := s.table.Remove(h)
	if !ok {
		return false
	}
	if conn != nil {
		_ = conn.Close()
	}
	observability.RecordDisconnect(serverTransport, cause)
	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("transport", serverTransport).
		Stringer("handle", h).
		Str("cause", cause).
		Msg("client disconnected")

	s.cbMu.RLock()
	fn := s.onDisconnect
	s.cbMu.RUnlock()
	if fn != nil {
		fn(s, h)
	}
	return true
}
