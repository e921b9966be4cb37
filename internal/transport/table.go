package transport

import (
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/danmuck/edgewire/internal/protocol/frame"
)

// Handle identifies one admitted connection for the life of the process.
type Handle uint64

// PeerHandle is the synthetic handle of the UDP listener's single peer.
const PeerHandle Handle = 0

var handleSeq atomic.Uint64

func nextHandle() Handle {
	return Handle(handleSeq.Add(1))
}

func (h Handle) String() string {
	return strconv.FormatUint(uint64(h), 10)
}

// ConnectionInfo is a point-in-time view of one admitted connection.
type ConnectionInfo struct {
	Handle   Handle `json:"handle"`
	Remote   string `json:"remote"`
	Buffered int    `json:"buffered"`
}

type entry struct {
	conn     net.Conn
	buf      []byte
	admitted bool
}

// Table is the connection set plus one accumulation buffer per handle.
// All state is guarded by a single mutex.
type Table struct {
	mu      sync.Mutex
	order   []Handle
	entries map[Handle]*entry
}

func NewTable() *Table {
	return &Table{entries: make(map[Handle]*entry)}
}

// Admit adds h to the connection set. Re-admitting a live handle is a no-op.
func (t *Table) Admit(h Handle, conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[h]
	if !ok {
		e = &entry{}
		t.entries[h] = e
	}
	if e.admitted {
		return
	}
	e.conn = conn
	e.admitted = true
	t.order = append(t.order, h)
}

// Remove drops h and its buffer. It reports whether h was admitted, so
// concurrent callers race to exactly one true.
func (t *Table) Remove(h Handle) (net.Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[h]
	if !ok {
		return nil, false
	}
	delete(t.entries, h)
	if !e.admitted {
		return nil, false
	}
	if i := slices.Index(t.order, h); i >= 0 {
		t.order = slices.Delete(t.order, i, i+1)
	}
	return e.conn, true
}

// Append adds p to the tail of h's buffer, creating the buffer on first touch.
func (t *Table) Append(h Handle, p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[h]
	if !ok {
		e = &entry{}
		t.entries[h] = e
	}
	e.buf = append(e.buf, p...)
}

// Buffer returns a copy of h's pending bytes.
func (t *Table) Buffer(h Handle) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[h]
	if !ok {
		return nil
	}
	return append([]byte(nil), e.buf...)
}

// Consume erases n bytes from the head of h's buffer. It returns false when
// h is gone, in which case nothing is touched.
func (t *Table) Consume(h Handle, n int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[h]
	if !ok || !e.admitted {
		return false
	}
	if n > len(e.buf) {
		n = len(e.buf)
	}
	e.buf = slices.Delete(e.buf, 0, n)
	return true
}

// Forget deletes h's buffer if h is not admitted. Readers call it on exit so
// bytes that raced a Remove or Clear cannot outlive the reader or leak into
// a later admission of the same handle.
func (t *Table) Forget(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[h]; ok && !e.admitted {
		delete(t.entries, h)
	}
}

// Reset discards every pending byte of h.
func (t *Table) Reset(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[h]; ok {
		e.buf = e.buf[:0]
	}
}

func (t *Table) Contains(h Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[h]
	return ok && e.admitted
}

func (t *Table) Conn(h Handle) (net.Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[h]
	if !ok || !e.admitted {
		return nil, false
	}
	return e.conn, true
}

// Snapshot returns the admitted handles in admission order.
func (t *Table) Snapshot() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.order)
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

func (t *Table) Info() []ConnectionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ConnectionInfo, 0, len(t.order))
	for _, h := range t.order {
		e := t.entries[h]
		info := ConnectionInfo{Handle: h, Buffered: len(e.buf)}
		if e.conn != nil {
			info.Remote = e.conn.RemoteAddr().String()
		}
		out = append(out, info)
	}
	return out
}

// Clear empties the table and returns the connections it held.
func (t *Table) Clear() []net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	conns := make([]net.Conn, 0, len(t.order))
	for _, h := range t.order {
		if c := t.entries[h].conn; c != nil {
			conns = append(conns, c)
		}
	}
	t.order = nil
	t.entries = make(map[Handle]*entry)
	return conns
}

type peekStatus int

const (
	peekWait peekStatus = iota
	peekFrame
	peekMalformed
	peekGone
)

// peek inspects the frame at the head of h's buffer without consuming it.
// On peekFrame the body is a copy, safe to use after the lock is released.
func (t *Table) peek(h Handle, limits frame.Limits) (frame.Header, []byte, peekStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[h]
	if !ok || !e.admitted {
		return frame.Header{}, nil, peekGone, nil
	}
	if len(e.buf) < frame.HeaderLen {
		return frame.Header{}, nil, peekWait, nil
	}
	hdr, err := frame.DecodeHeader(e.buf)
	if err != nil {
		return frame.Header{}, nil, peekMalformed, err
	}
	if err := hdr.Validate(limits); err != nil {
		return hdr, nil, peekMalformed, err
	}
	if uint64(len(e.buf)) < uint64(hdr.Length) {
		return hdr, nil, peekWait, nil
	}
	body := append([]byte(nil), e.buf[frame.HeaderLen:hdr.Length]...)
	return hdr, body, peekFrame, nil
}
