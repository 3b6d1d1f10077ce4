package conn

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/danmuck/sharectl/internal/protocol/transport"
	"github.com/gorilla/websocket"
)

// IsWebSocketAddress reports whether address selects the WebSocket transport.
func IsWebSocketAddress(address string) bool {
	a := strings.ToLower(strings.TrimSpace(address))
	return strings.HasPrefix(a, "ws://") || strings.HasPrefix(a, "wss://")
}

// Dial connects to address: host:port uses TCP (TLS when enabled), ws:// and
// wss:// use WebSocket.
func Dial(ctx context.Context, address string, cfg transport.Config, opts ...Option) (*Connection, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, fmt.Errorf("conn: dial: empty address")
	}
	var (
		tr  Transport
		err error
	)
	if IsWebSocketAddress(address) {
		tr, err = dialWebSocket(ctx, address, cfg)
	} else {
		tr, err = dialStream(ctx, address, cfg)
	}
	if err != nil {
		return nil, err
	}
	return NewConnection(tr, cfg, opts...), nil
}

func dialStream(ctx context.Context, address string, cfg transport.Config) (Transport, error) {
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return NewStreamTransport(raw, cfg.Limits(), cfg.WriteTimeout), nil
	}
	tlsCfg, err := cfg.ClientTLS(address)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	tc := tls.Client(raw, tlsCfg)
	hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := tc.HandshakeContext(hctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return NewStreamTransport(tc, cfg.Limits(), cfg.WriteTimeout), nil
}

func dialWebSocket(ctx context.Context, address string, cfg transport.Config) (Transport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		Proxy:            nil,
	}
	if strings.HasPrefix(strings.ToLower(address), "wss://") {
		if err := cfg.ValidateClient(); err != nil {
			return nil, err
		}
		u, err := url.Parse(address)
		if err != nil {
			return nil, fmt.Errorf("conn: websocket address %q: %w", address, err)
		}
		host := net.JoinHostPort(u.Hostname(), "443")
		tlsCfg, err := cfg.ClientTLS(host)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	}
	ws, resp, err := dialer.DialContext(ctx, address, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("conn: websocket dial %s: %w", address, err)
	}
	return NewWebSocketTransport(ws, cfg.Limits(), cfg.WriteTimeout), nil
}
