package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/danmuck/edgewire/internal/packets"
	"github.com/danmuck/edgewire/internal/protocol/payload"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const listenerTransport = "udp_listener"

// ListenerHandler processes one application frame received by a Listener.
// from is always PeerHandle.
type ListenerHandler func(l *Listener, from Handle, id uint16, r *payload.Buffer)

type ListenerStopFunc func(l *Listener)

// Listener receives framed datagrams on a UDP socket. Every sender shares
// PeerHandle; replies go to whoever sent last.
type Listener struct {
	cfg      Config
	instance string

	cbMu    sync.RWMutex
	handler ListenerHandler
	onStop  ListenerStopFunc

	lifeMu  sync.Mutex
	running atomic.Bool
	conn    *net.UDPConn
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	peerMu sync.Mutex
	peer   net.Addr

	table    *Table
	sender   *sender
	dispatch *dispatcher
}

func NewListener(cfg Config) *Listener {
	cfg = cfg.WithDefaults()
	l := &Listener{
		cfg:      cfg,
		instance: uuid.NewString(),
		table:    NewTable(),
		sender:   &sender{name: listenerTransport, timeout: cfg.WriteTimeout},
	}
	l.dispatch = newDispatcher(listenerTransport, l.table, cfg.Limits, frameSink{
		onFrame: l.deliver,
		// Datagrams carry no stream to resync, so corrupt input is discarded whole.
		onMalformed: func(h Handle, _ error) { l.table.Reset(h) },
		onDisconnect: func(Handle) {
			l.setPeer(nil)
			log.Debug().Str("transport", listenerTransport).Msg("peer disconnected")
		},
	})
	return l
}

func (l *Listener) Instance() string {
	return l.instance
}

func (l *Listener) RegisterCallback(fn ListenerHandler) error {
	if fn == nil {
		return newError("listener register", ReasonNullCallback, nil)
	}
	l.cbMu.Lock()
	l.handler = fn
	l.cbMu.Unlock()
	return nil
}

func (l *Listener) RegisterStopCallback(fn ListenerStopFunc) error {
	if fn == nil {
		return newError("listener register stop", ReasonNullCallback, nil)
	}
	l.cbMu.Lock()
	l.onStop = fn
	l.cbMu.Unlock()
	return nil
}

// Start binds addr and launches the receive and dispatch loops.
func (l *Listener) Start(addr string) error {
	if l.running.Load() {
		return newError("listener start", ReasonAlreadyRunning, nil)
	}
	l.wg.Wait()

	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()
	if l.running.Load() {
		return newError("listener start", ReasonAlreadyRunning, nil)
	}
	l.cbMu.RLock()
	hasHandler := l.handler != nil
	l.cbMu.RUnlock()
	if !hasHandler {
		return newError("listener start", ReasonNoCallback, nil)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return newError("listener start", ReasonResolveFailure, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return newError("listener start", ReasonBindFailure, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.conn = conn
	l.cancel = cancel
	l.table.Admit(PeerHandle, nil)
	l.running.Store(true)

	reader := packetReader{
		name:    listenerTransport,
		conn:    conn,
		table:   l.table,
		backoff: l.cfg.PollInterval,
		wake:    l.dispatch.notify,
		onPeer:  l.setPeer,
	}
	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		reader.run(ctx)
	}()
	go func() {
		defer l.wg.Done()
		l.dispatch.run(ctx, l.cfg.PollInterval)
	}()

	log.Info().
		Str("transport", listenerTransport).
		Str("instance", l.instance).
		Str("addr", conn.LocalAddr().String()).
		Msg("listener started")
	return nil
}

// Stop closes the socket, forgets the peer and fires the stop callback.
func (l *Listener) Stop() {
	if !l.running.CompareAndSwap(true, false) {
		return
	}
	l.lifeMu.Lock()
	cancel, conn := l.cancel, l.conn
	l.lifeMu.Unlock()

	cancel()
	_ = conn.Close()
	l.table.Clear()
	l.setPeer(nil)

	log.Info().
		Str("transport", listenerTransport).
		Str("instance", l.instance).
		Msg("listener stopped")

	l.cbMu.RLock()
	fn := l.onStop
	l.cbMu.RUnlock()
	if fn != nil {
		fn(l)
	}
}

func (l *Listener) Wait() {
	l.wg.Wait()
}

func (l *Listener) Close() {
	l.Stop()
	l.Wait()
}

func (l *Listener) IsRunning() bool {
	return l.running.Load()
}

func (l *Listener) Addr() net.Addr {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()
	if l.conn == nil || !l.running.Load() {
		return nil
	}
	return l.conn.LocalAddr()
}

// Peer is the source address of the most recent datagram, or nil.
func (l *Listener) Peer() net.Addr {
	l.peerMu.Lock()
	defer l.peerMu.Unlock()
	return l.peer
}

func (l *Listener) setPeer(addr net.Addr) {
	l.peerMu.Lock()
	l.peer = addr
	l.peerMu.Unlock()
}

func (l *Listener) Connections() []ConnectionInfo {
	infos := l.table.Info()
	if peer := l.Peer(); peer != nil {
		for i := range infos {
			infos[i].Remote = peer.String()
		}
	}
	return infos
}

// SendPacket replies to the last observed peer.
func (l *Listener) SendPacket(to Handle, p packets.Packet) error {
	raw, err := encodePacket("listener send", p, l.cfg.Limits)
	if err != nil {
		return err
	}
	if to != PeerHandle {
		return newError("listener send", ReasonUnknownHandle, nil)
	}
	if !l.running.Load() {
		return newError("listener send", ReasonNotRunning, nil)
	}
	peer := l.Peer()
	if peer == nil {
		return newError("listener send", ReasonNoPeer, nil)
	}
	l.lifeMu.Lock()
	conn := l.conn
	l.lifeMu.Unlock()
	if err := l.sender.sendTo(conn, peer, raw); err != nil {
		return newError("listener send", ReasonSendFailure, err)
	}
	return nil
}

func (l *Listener) deliver(h Handle, id uint16, body []byte) {
	l.cbMu.RLock()
	fn := l.handler
	l.cbMu.RUnlock()
	if fn == nil {
		return
	}
	r := payload.New()
	r.Assign(body)
	fn(l, h, id, r)
}
