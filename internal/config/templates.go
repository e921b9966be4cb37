package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Template renders the defaults of mode as a config file. Every key Load
// understands is present.
func Template(mode string) (string, error) {
	m, err := ParseMode(mode)
	if err != nil {
		return "", err
	}
	out, err := toml.Marshal(toFile(Default(m)))
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", m, err)
	}
	return string(out), nil
}

func WriteTemplate(path, mode string, overwrite bool) error {
	template, err := Template(mode)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

func toFile(cfg NodeConfig) fileConfig {
	t := cfg.Transport
	return fileConfig{
		Mode:              string(cfg.Mode),
		Addr:              cfg.Addr,
		Destination:       cfg.Destination,
		AdminAddr:         cfg.AdminAddr,
		AdminToken:        cfg.AdminToken,
		CorsOrigins:       cfg.CorsOrigins,
		LogLevel:          cfg.LogLevel,
		PollInterval:      t.PollInterval.String(),
		HeartbeatInterval: t.HeartbeatInterval.String(),
		HandshakeTimeout:  t.HandshakeTimeout.String(),
		WriteTimeout:      t.WriteTimeout.String(),
		ConnectTimeout:    t.ConnectTimeout.String(),
		DeadAfter:         t.DeadAfter.String(),
		ReadBufferSize:    t.ReadBufferSize,
		MaxFrameBytes:     t.Limits.MaxFrameBytes,
		ReconnectInitial:  t.Backoff.InitialDelay.String(),
		ReconnectMax:      t.Backoff.MaxDelay.String(),
		ReconnectAttempts: t.Backoff.MaxAttempts,
	}
}
