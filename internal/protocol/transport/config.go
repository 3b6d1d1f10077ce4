package transport

import (
	"time"

	"github.com/danmuck/sharectl/internal/protocol/frame"
)

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig selects TLS and mutual TLS for TCP transports.
type TLSConfig struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines transport reliability defaults.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	AckTimeout       time.Duration
	SendQueueSize    int
	RecvQueueSize    int
	MaxPayloadBytes  uint64
	SecurityMode     SecurityMode
	TLS              TLSConfig
	Backoff          BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     15 * time.Second,
		AckTimeout:       20 * time.Second,
		SendQueueSize:    256,
		RecvQueueSize:    1024,
		MaxPayloadBytes:  frame.DefaultLimits().MaxPayloadBytes,
		SecurityMode:     SecurityModeDevelopment,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// Limits returns the frame limits implied by the config.
func (c Config) Limits() frame.Limits {
	if c.MaxPayloadBytes == 0 {
		return frame.DefaultLimits()
	}
	return frame.Limits{MaxPayloadBytes: c.MaxPayloadBytes}
}
