package transport

import (
	"net"
	"sync"

	"github.com/danmuck/edgewire/internal/packets"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const talkerTransport = "udp_talker"

// Talker is a fire-and-forget datagram sender with one destination.
type Talker struct {
	cfg      Config
	instance string
	mu       sync.Mutex
	conn     *net.UDPConn
	dest     *net.UDPAddr
	sender   *sender
}

func NewTalker(cfg Config) *Talker {
	cfg = cfg.WithDefaults()
	return &Talker{
		cfg:      cfg,
		instance: uuid.NewString(),
		sender:   &sender{name: talkerTransport, timeout: cfg.WriteTimeout},
	}
}

func (t *Talker) Instance() string {
	return t.instance
}

// SetDestination resolves host:port and replaces any previous destination.
// On failure the previous destination is kept.
func (t *Talker) SetDestination(host, port string) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, port))
	if err != nil {
		return newError("talker destination", ReasonResolveFailure, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return newError("talker destination", ReasonBindFailure, err)
	}

	t.mu.Lock()
	old := t.conn
	t.conn = conn
	t.dest = addr
	t.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	log.Info().
		Str("transport", talkerTransport).
		Str("destination", addr.String()).
		Msg("destination set")
	return nil
}

func (t *Talker) Destination() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dest == nil {
		return nil
	}
	return t.dest
}

func (t *Talker) SendPacket(p packets.Packet) error {
	raw, err := encodePacket("talker send", p, t.cfg.Limits)
	if err != nil {
		return err
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return newError("talker send", ReasonNoDestination, nil)
	}
	if err := t.sender.send(conn, raw); err != nil {
		return newError("talker send", ReasonSendFailure, err)
	}
	return nil
}

// Close releases the socket. The talker can be reused after SetDestination.
func (t *Talker) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.dest = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
