package transport

import (
	"errors"
	"fmt"
)

// Reason classifies a transport failure reported to callers.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonAlreadyRunning
	ReasonNoCallback
	ReasonNullCallback
	ReasonResolveFailure
	ReasonBindFailure
	ReasonListenFailure
	ReasonNilPacket
	ReasonNotRunning
	ReasonUnknownHandle
	ReasonNoDestination
	ReasonNoPeer
	ReasonSendFailure
	ReasonHandshakeFailure
	ReasonConnectFailure
	ReasonFrameTooLarge
)

var reasonNames = map[Reason]string{
	ReasonNone:             "none",
	ReasonAlreadyRunning:   "already running",
	ReasonNoCallback:       "no processing callback set",
	ReasonNullCallback:     "no callback given",
	ReasonResolveFailure:   "address resolution failed",
	ReasonBindFailure:      "bind failed",
	ReasonListenFailure:    "listen failed",
	ReasonNilPacket:        "packet was nil",
	ReasonNotRunning:       "not running",
	ReasonUnknownHandle:    "unknown connection handle",
	ReasonNoDestination:    "no destination set",
	ReasonNoPeer:           "no peer observed yet",
	ReasonSendFailure:      "send failed",
	ReasonHandshakeFailure: "handshake failed",
	ReasonConnectFailure:   "connect failed",
	ReasonFrameTooLarge:    "frame too large",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// Error is the failure type returned by every front-end operation.
type Error struct {
	Reason Reason
	Op     string
	Err    error
}

func (e *Error) Error() string {
	msg := "transport: "
	if e.Op != "" {
		msg += e.Op + ": "
	}
	msg += e.Reason.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same Reason, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == e.Reason && t.Op == "" && t.Err == nil
}

var (
	ErrAlreadyRunning   = &Error{Reason: ReasonAlreadyRunning}
	ErrNoCallback       = &Error{Reason: ReasonNoCallback}
	ErrNullCallback     = &Error{Reason: ReasonNullCallback}
	ErrResolveFailure   = &Error{Reason: ReasonResolveFailure}
	ErrBindFailure      = &Error{Reason: ReasonBindFailure}
	ErrListenFailure    = &Error{Reason: ReasonListenFailure}
	ErrNilPacket        = &Error{Reason: ReasonNilPacket}
	ErrNotRunning       = &Error{Reason: ReasonNotRunning}
	ErrUnknownHandle    = &Error{Reason: ReasonUnknownHandle}
	ErrNoDestination    = &Error{Reason: ReasonNoDestination}
	ErrNoPeer           = &Error{Reason: ReasonNoPeer}
	ErrSendFailure      = &Error{Reason: ReasonSendFailure}
	ErrHandshakeFailure = &Error{Reason: ReasonHandshakeFailure}
	ErrConnectFailure   = &Error{Reason: ReasonConnectFailure}
	ErrFrameTooLarge    = &Error{Reason: ReasonFrameTooLarge}
)

// Handshake validation failures, wrapped by ReasonHandshakeFailure.
var (
	ErrHandshakeFlags  = errors.New("transport: handshake flags mismatch")
	ErrHandshakeID     = errors.New("transport: handshake id mismatch")
	ErrHandshakeLength = errors.New("transport: handshake length mismatch")
	ErrHandshakeMagic  = errors.New("transport: handshake magic mismatch")
)

// ErrPeerSilent is reported when a peer closed its stream and sent nothing for DeadAfter.
var ErrPeerSilent = errors.New("transport: peer silent")

func newError(op string, reason Reason, err error) *Error {
	return &Error{Reason: reason, Op: op, Err: err}
}

// ReasonOf extracts the Reason from err, or ReasonNone.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonNone
}
