package transport

import (
	"context"
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

const clientTransport = "tcp_client"

// ClientHandler processes one application frame received from the server.
type ClientHandler func(c *Client, id uint16, r *payload.Buffer)

type ClientDisconnectFunc func(c *Client)

// Client is the connecting side of the stream transport.
type Client struct {
	cfg      Config
	instance string

	cbMu         sync.RWMutex
	handler      ClientHandler
	onDisconnect ClientDisconnectFunc

	lifeMu    sync.Mutex
	connected atomic.Bool
	conn      net.Conn
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	lastHeartbeat atomic.Int64

	table    *Table
	sender   *sender
	dispatch *dispatcher
}

func NewClient(cfg Config) *Client {
	cfg = cfg.WithDefaults()
	c := &Client{
		cfg:      cfg,
		instance: uuid.NewString(),
		table:    NewTable(),
		sender:   &sender{name: clientTransport, timeout: cfg.WriteTimeout},
	}
	c.dispatch = newDispatcher(clientTransport, c.table, cfg.Limits, frameSink{
		onFrame: c.deliver,
		onControl: func(_ Handle, hdr frame.Header) {
			if hdr.HasFlag(frame.FlagHeartbeat) {
				c.lastHeartbeat.Store(time.Now().UnixNano())
			}
		},
		onMalformed:  func(Handle, error) { c.drop(causeMalformed, nil) },
		onDisconnect: func(Handle) { c.drop(causePeer, nil) },
	})
	return c
}

func (c *Client) Instance() string {
	return c.instance
}

func (c *Client) RegisterCallback(fn ClientHandler) error {
	if fn == nil {
		return newError("client register", ReasonNullCallback, nil)
	}
	c.cbMu.Lock()
	c.handler = fn
	c.cbMu.Unlock()
	return nil
}

func (c *Client) RegisterDisconnectCallback(fn ClientDisconnectFunc) error {
	if fn == nil {
		return newError("client register disconnect", ReasonNullCallback, nil)
	}
	c.cbMu.Lock()
	c.onDisconnect = fn
	c.cbMu.Unlock()
	return nil
}

// Connect dials addr, completes the handshake and starts receiving.
func (c *Client) Connect(ctx context.Context, addr string) error {
	if c.connected.Load() {
		return newError("client connect", ReasonAlreadyRunning, nil)
	}
	c.wg.Wait()

	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.connected.Load() {
		return newError("client connect", ReasonAlreadyRunning, nil)
	}
	c.cbMu.RLock()
	hasHandler := c.handler != nil
	c.cbMu.RUnlock()
	if !hasHandler {
		return newError("client connect", ReasonNoCallback, nil)
	}

	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return newError("client connect", ReasonConnectFailure, err)
	}
	started := time.Now()
	if err := clientHandshake(conn, c.cfg.HandshakeTimeout); err != nil {
		observability.RecordHandshake(clientTransport, false, time.Since(started))
		_ = conn.Close()
		return newError("client connect", ReasonHandshakeFailure, err)
	}
	observability.RecordHandshake(clientTransport, true, time.Since(started))

	runCtx, cancel := context.WithCancel(context.Background())
	h := nextHandle()
	c.conn = conn
	c.cancel = cancel
	c.table.Admit(h, conn)
	c.lastHeartbeat.Store(time.Now().UnixNano())
	c.connected.Store(true)
	observability.RecordConnect(clientTransport)

	reader := streamReader{
		name:      clientTransport,
		conn:      conn,
		handle:    h,
		table:     c.table,
		bufSize:   c.cfg.ReadBufferSize,
		deadAfter: c.cfg.DeadAfter,
		wake:      c.dispatch.notify,
		onError:   func(_ Handle, err error) { c.drop(causeRead, err) },
	}
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		reader.run(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.dispatch.run(runCtx, c.cfg.PollInterval)
	}()

	log.Info().
		Str("transport", clientTransport).
		Str("instance", c.instance).
		Str("remote", conn.RemoteAddr().String()).
		Msg("connected")
	return nil
}

// Disconnect tells the server goodbye and tears the connection down.
// It is safe to call from the handler and more than once.
func (c *Client) Disconnect() {
	c.lifeMu.Lock()
	conn := c.conn
	c.lifeMu.Unlock()
	if conn != nil && c.connected.Load() {
		raw := frame.EncodeHeader(frame.NewHeader(0, frame.IDDisconnect, frame.FlagDisconnect))
		_ = c.sender.send(conn, raw)
	}
	c.drop(causeLocal, nil)
}

func (c *Client) Wait() {
	c.wg.Wait()
}

func (c *Client) Close() {
	c.Disconnect()
	c.Wait()
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// LastHeartbeat is when the server last proved it was alive.
func (c *Client) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

func (c *Client) Connections() []ConnectionInfo {
	return c.table.Info()
}

func (c *Client) SendPacket(p packets.Packet) error {
	raw, err := encodePacket("client send", p, c.cfg.Limits)
	if err != nil {
		return err
	}
	if !c.connected.Load() {
		return newError("client send", ReasonNotRunning, nil)
	}
	c.lifeMu.Lock()
	conn := c.conn
	c.lifeMu.Unlock()
	if err := c.sender.send(conn, raw); err != nil {
		c.drop(causeSend, err)
		return newError("client send", ReasonSendFailure, err)
	}
	return nil
}

func (c *Client) deliver(_ Handle, id uint16, body []byte) {
	c.cbMu.RLock()
	fn := c.handler
	c.cbMu.RUnlock()
	if fn == nil {
		return
	}
	r := payload.New()
	r.Assign(body)
	fn(c, id, r)
}

func (c *Client) drop(cause string, err error) {
	if !c.connected.CompareAndSwap(true, false) {
		return
	}
	c.lifeMu.Lock()
	conn, cancel := c.conn, c.cancel
	c.lifeMu.Unlock()

	cancel()
	_ = conn.Close()
	c.table.Clear()
	observability.RecordDisconnect(clientTransport, cause)
	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("transport", clientTransport).
		Str("instance", c.instance).
		Str("cause", cause).
		Msg("disconnected")

	c.cbMu.RLock()
	fn := c.onDisconnect
	c.cbMu.RUnlock()
	if fn != nil {
		fn(c)
	}
}
