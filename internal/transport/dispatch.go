package transport

import (
	"context"
	"time"

	"github.com/danmuck/edgewire/internal/observability"
	"github.com/danmuck/edgewire/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// frameSink receives what the dispatch engine extracts. Only onFrame is required.
type frameSink struct {
	onFrame      func(h Handle, id uint16, body []byte)
	onControl    func(h Handle, hdr frame.Header)
	onMalformed  func(h Handle, err error)
	onDisconnect func(h Handle)
}

// dispatcher turns accumulated bytes into frames. A single goroutine runs
// it, so handlers for one front end never execute concurrently.
type dispatcher struct {
	name   string
	table  *Table
	limits frame.Limits
	sink   frameSink
	wake   chan struct{}
}

func newDispatcher(name string, table *Table, limits frame.Limits, sink frameSink) *dispatcher {
	return &dispatcher{
		name:   name,
		table:  table,
		limits: limits,
		sink:   sink,
		wake:   make(chan struct{}, 1),
	}
}

// notify requests a pass without blocking the caller.
func (d *dispatcher) notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.wake:
		}
		d.pass()
	}
}

// pass drains every complete frame from every admitted handle.
func (d *dispatcher) pass() {
	for _, h := range d.table.Snapshot() {
		d.drain(h)
	}
}

func (d *dispatcher) drain(h Handle) {
	for {
		hdr, body, status, err := d.table.peek(h, d.limits)
		switch status {
		case peekWait, peekGone:
			return
		case peekMalformed:
			observability.RecordMalformed(d.name)
			log.Debug().
				Str("transport", d.name).
				Stringer("handle", h).
				Err(err).
				Msg("malformed frame")
			if d.sink.onMalformed != nil {
				d.sink.onMalformed(h, err)
			}
			return
		}

		control := hdr.IsControl()
		observability.RecordFrame(d.name, control)
		if control {
			if d.sink.onControl != nil {
				d.sink.onControl(h, hdr)
			}
		} else {
			d.sink.onFrame(h, hdr.ID, body)
		}

		// The handler may have removed h; its bytes went with it.
		if !d.table.Consume(h, int(hdr.Length)) {
			return
		}
		if hdr.IsDisconnect() {
			if d.sink.onDisconnect != nil {
				d.sink.onDisconnect(h)
			}
			return
		}
	}
}
