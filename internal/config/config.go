// Package config loads sharectl and sessiond settings: defaults, then a TOML
// file, then SHARECTL_/SESSIOND_ environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/danmuck/sharectl/internal/protocol/transport"
)

const (
	PairingConnect = "connect"
	PairingReceive = "receive"

	DefaultSessionName = "TEST SESSION"
	DefaultPingText    = "PING STRING"
)

// ClientConfig drives the sharectl console client.
type ClientConfig struct {
	UserName        string        `env:"USER_NAME"`
	Pairing         string        `env:"PAIRING"`
	Address         string        `env:"ADDRESS"`
	ListenAddr      string        `env:"LISTEN_ADDR"`
	MaxPairAttempts int           `env:"MAX_PAIR_ATTEMPTS"`
	TickInterval    time.Duration `env:"TICK_INTERVAL"`
	SessionName     string        `env:"SESSION_NAME"`
	PingText        string        `env:"PING_TEXT"`
	Transport       transport.Config
}

// AuthorityConfig drives the sessiond authority.
type AuthorityConfig struct {
	ListenAddr         string   `env:"LISTEN_ADDR"`
	AdminListenAddr    string   `env:"ADMIN_LISTEN_ADDR"`
	PersistentSessions []string `env:"PERSISTENT_SESSIONS" envSeparator:","`
	CORSOrigins        []string `env:"CORS_ORIGINS" envSeparator:","`
	AdminToken         string   `env:"ADMIN_TOKEN"`
	Transport          transport.Config
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		UserName:     "sharectl",
		Pairing:      PairingConnect,
		Address:      "127.0.0.1:20602",
		ListenAddr:   ":20603",
		TickInterval: 10 * time.Millisecond,
		SessionName:  DefaultSessionName,
		PingText:     DefaultPingText,
		Transport:    transport.DefaultConfig(),
	}
}

func DefaultAuthorityConfig() AuthorityConfig {
	return AuthorityConfig{
		ListenAddr:         ":20602",
		AdminListenAddr:    ":20680",
		PersistentSessions: []string{DefaultSessionName},
		CORSOrigins:        []string{"http://localhost:3000"},
		Transport:          transport.DefaultConfig(),
	}
}

type transportFile struct {
	ConnectTimeout   string              `toml:"connect_timeout"`
	HandshakeTimeout string              `toml:"handshake_timeout"`
	WriteTimeout     string              `toml:"write_timeout"`
	AckTimeout       string              `toml:"ack_timeout"`
	SendQueueSize    int                 `toml:"send_queue_size"`
	RecvQueueSize    int                 `toml:"recv_queue_size"`
	MaxPayloadBytes  uint64              `toml:"max_payload_bytes"`
	SecurityMode     string              `toml:"security_mode"`
	TLS              transport.TLSConfig `toml:"tls"`
}

type clientFile struct {
	UserName        string        `toml:"user_name"`
	Pairing         string        `toml:"pairing"`
	Address         string        `toml:"address"`
	ListenAddr      string        `toml:"listen_addr"`
	MaxPairAttempts int           `toml:"max_pair_attempts"`
	TickInterval    string        `toml:"tick_interval"`
	SessionName     string        `toml:"session_name"`
	PingText        string        `toml:"ping_text"`
	Transport       transportFile `toml:"transport"`
}

type authorityFile struct {
	ListenAddr         string        `toml:"listen_addr"`
	AdminListenAddr    string        `toml:"admin_listen_addr"`
	PersistentSessions []string      `toml:"persistent_sessions"`
	CORSOrigins        []string      `toml:"cors_origins"`
	AdminToken         string        `toml:"admin_token"`
	Transport          transportFile `toml:"transport"`
}

// LoadClient returns defaults overlaid by path (if non-empty) and SHARECTL_* env.
func LoadClient(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if strings.TrimSpace(path) != "" {
		var raw clientFile
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("load client config: %w", err)
		}
		if err := applyClientFile(&cfg, raw, meta); err != nil {
			return ClientConfig{}, fmt.Errorf("load client config: %w", err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "SHARECTL_"}); err != nil {
		return ClientConfig{}, fmt.Errorf("load client config: env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// LoadAuthority returns defaults overlaid by path (if non-empty) and SESSIOND_* env.
func LoadAuthority(path string) (AuthorityConfig, error) {
	cfg := DefaultAuthorityConfig()
	if strings.TrimSpace(path) != "" {
		var raw authorityFile
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return AuthorityConfig{}, fmt.Errorf("load authority config: %w", err)
		}
		if meta.IsDefined("listen_addr") {
			cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
		}
		if meta.IsDefined("admin_listen_addr") {
			cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
		}
		if meta.IsDefined("persistent_sessions") {
			cfg.PersistentSessions = trimAll(raw.PersistentSessions)
		}
		if meta.IsDefined("cors_origins") {
			cfg.CORSOrigins = trimAll(raw.CORSOrigins)
		}
		if meta.IsDefined("admin_token") {
			cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
		}
		if err := applyTransportFile(&cfg.Transport, raw.Transport, meta); err != nil {
			return AuthorityConfig{}, fmt.Errorf("load authority config: %w", err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "SESSIOND_"}); err != nil {
		return AuthorityConfig{}, fmt.Errorf("load authority config: env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return AuthorityConfig{}, err
	}
	return cfg, nil
}

func applyClientFile(cfg *ClientConfig, raw clientFile, meta toml.MetaData) error {
	if meta.IsDefined("user_name") {
		cfg.UserName = strings.TrimSpace(raw.UserName)
	}
	if meta.IsDefined("pairing") {
		cfg.Pairing = strings.ToLower(strings.TrimSpace(raw.Pairing))
	}
	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("max_pair_attempts") {
		cfg.MaxPairAttempts = raw.MaxPairAttempts
	}
	if meta.IsDefined("tick_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.TickInterval))
		if err != nil {
			return fmt.Errorf("tick_interval: %w", err)
		}
		cfg.TickInterval = d
	}
	if meta.IsDefined("session_name") {
		cfg.SessionName = strings.TrimSpace(raw.SessionName)
	}
	if meta.IsDefined("ping_text") {
		cfg.PingText = raw.PingText
	}
	return applyTransportFile(&cfg.Transport, raw.Transport, meta)
}

func applyTransportFile(cfg *transport.Config, raw transportFile, meta toml.MetaData) error {
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"ack_timeout", raw.AckTimeout, &cfg.AckTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined("transport", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("transport.%s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("transport", "send_queue_size") {
		cfg.SendQueueSize = raw.SendQueueSize
	}
	if meta.IsDefined("transport", "recv_queue_size") {
		cfg.RecvQueueSize = raw.RecvQueueSize
	}
	if meta.IsDefined("transport", "max_payload_bytes") {
		cfg.MaxPayloadBytes = raw.MaxPayloadBytes
	}
	if meta.IsDefined("transport", "security_mode") {
		cfg.SecurityMode = transport.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if meta.IsDefined("transport", "tls") {
		tls := raw.TLS
		tls.CertFile = strings.TrimSpace(tls.CertFile)
		tls.KeyFile = strings.TrimSpace(tls.KeyFile)
		tls.CAFile = strings.TrimSpace(tls.CAFile)
		tls.ServerName = strings.TrimSpace(tls.ServerName)
		cfg.TLS = tls
	}
	return nil
}

func (c ClientConfig) Validate() error {
	if strings.TrimSpace(c.UserName) == "" {
		return fmt.Errorf("client config missing user_name")
	}
	switch c.Pairing {
	case PairingConnect:
		if strings.TrimSpace(c.Address) == "" {
			return fmt.Errorf("client config missing address for pairing=connect")
		}
	case PairingReceive:
		if strings.TrimSpace(c.ListenAddr) == "" {
			return fmt.Errorf("client config missing listen_addr for pairing=receive")
		}
	default:
		return fmt.Errorf("client config invalid pairing %q (expected connect or receive)", c.Pairing)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("client config tick_interval must be positive")
	}
	if c.MaxPairAttempts < 0 {
		return fmt.Errorf("client config max_pair_attempts must not be negative")
	}
	return c.Transport.ValidateClient()
}

func (c AuthorityConfig) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("authority config missing listen_addr")
	}
	for i, name := range c.PersistentSessions {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("authority config persistent_sessions[%d] is empty", i)
		}
	}
	return c.Transport.ValidateServer()
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.TrimSpace(s))
	}
	return out
}
