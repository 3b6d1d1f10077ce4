package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/sharectl/internal/protocol/transport"
	"github.com/pelletier/go-toml/v2"
)

// Template renders the default config of kind ("client" or "authority") as TOML.
func Template(kind string) (string, error) {
	var doc any
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "client", "sharectl":
		cfg := DefaultClientConfig()
		doc = clientFile{
			UserName:        cfg.UserName,
			Pairing:         cfg.Pairing,
			Address:         cfg.Address,
			ListenAddr:      cfg.ListenAddr,
			MaxPairAttempts: cfg.MaxPairAttempts,
			TickInterval:    cfg.TickInterval.String(),
			SessionName:     cfg.SessionName,
			PingText:        cfg.PingText,
			Transport:       transportTemplate(cfg.Transport),
		}
	case "authority", "sessiond":
		cfg := DefaultAuthorityConfig()
		doc = authorityFile{
			ListenAddr:         cfg.ListenAddr,
			AdminListenAddr:    cfg.AdminListenAddr,
			PersistentSessions: cfg.PersistentSessions,
			CORSOrigins:        cfg.CORSOrigins,
			Transport:          transportTemplate(cfg.Transport),
		}
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	out, err := toml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return string(out), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
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

func transportTemplate(cfg transport.Config) transportFile {
	return transportFile{
		ConnectTimeout:   cfg.ConnectTimeout.String(),
		HandshakeTimeout: cfg.HandshakeTimeout.String(),
		WriteTimeout:     cfg.WriteTimeout.String(),
		AckTimeout:       cfg.AckTimeout.String(),
		SendQueueSize:    cfg.SendQueueSize,
		RecvQueueSize:    cfg.RecvQueueSize,
		MaxPayloadBytes:  cfg.MaxPayloadBytes,
		SecurityMode:     string(cfg.SecurityMode),
		TLS:              cfg.TLS,
	}
}
