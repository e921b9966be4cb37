package transport

import (
	"errors"
	"fmt"
	"testing"

	"github.com/danmuck/edgewire/internal/protocol/frame"
	"github.com/danmuck/edgewire/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestErrorMatchesSentinelByReason(t *testing.T) {
	testlog.Start(t)

	cause := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", newError("server send", ReasonSendFailure, cause))

	require.ErrorIs(t, err, ErrSendFailure)
	require.ErrorIs(t, err, cause)
	require.NotErrorIs(t, err, ErrNoPeer)
	require.Equal(t, ReasonSendFailure, ReasonOf(err))
	require.Equal(t, ReasonNone, ReasonOf(cause))
	require.Equal(t, "transport: server send: send failed: boom", newError("server send", ReasonSendFailure, cause).Error())
}

func TestValidateHandshakeOrder(t *testing.T) {
	testlog.Start(t)

	good := frame.NewHeader(0, frame.IDHandshake, frame.FlagHandshakeClient)
	require.NoError(t, validateHandshake(good, frame.FlagHandshakeClient))

	bad := good
	bad.Magic = 0
	bad.Length = 99
	require.ErrorIs(t, validateHandshake(bad, frame.FlagHandshakeClient), ErrHandshakeLength)

	bad.Length = frame.HeaderLen
	require.ErrorIs(t, validateHandshake(bad, frame.FlagHandshakeClient), ErrHandshakeMagic)

	bad.ID = frame.IDHeartbeat
	require.ErrorIs(t, validateHandshake(bad, frame.FlagHandshakeClient), ErrHandshakeID)

	require.ErrorIs(t, validateHandshake(good, frame.FlagHandshakeServer), ErrHandshakeFlags)
}

func TestConfigWithDefaultsKeepsDisabledTimeouts(t *testing.T) {
	testlog.Start(t)

	cfg := Config{}.WithDefaults()
	require.Equal(t, DefaultConfig().PollInterval, cfg.PollInterval)
	require.Equal(t, DefaultConfig().Limits, cfg.Limits)
	require.Equal(t, 4096, cfg.ReadBufferSize)
	require.Zero(t, cfg.HandshakeTimeout)
	require.Zero(t, cfg.DeadAfter)
}
