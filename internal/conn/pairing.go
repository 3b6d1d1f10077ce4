package conn

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/sharectl/internal/observability"
	"github.com/danmuck/sharectl/internal/protocol/transport"
	"github.com/rs/zerolog/log"
)

// PairingListener learns the outcome of BeginPairing from Pairing.Update.
type PairingListener interface {
	PairingConnectionSucceeded(c *Connection)
	PairingConnectionFailed(reason string)
}

// Strategy establishes one connection attempt.
type Strategy interface {
	Name() string
	establish(ctx context.Context, cfg transport.Config, opts []Option) (*Connection, error)
}

// DirectConnector dials Address (host:port or ws:// URL).
type DirectConnector struct {
	Address string
}

func (DirectConnector) Name() string { return "connector" }

func (s DirectConnector) establish(ctx context.Context, cfg transport.Config, opts []Option) (*Connection, error) {
	dctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout+cfg.HandshakeTimeout)
	defer cancel()
	return Dial(dctx, s.Address, cfg, opts...)
}

// DirectReceiver listens on ListenAddress and accepts exactly one peer.
// OnListening, if set, is called with the bound address of each attempt.
type DirectReceiver struct {
	ListenAddress string
	OnListening   func(addr string)
}

func (DirectReceiver) Name() string { return "receiver" }

func (s DirectReceiver) establish(ctx context.Context, cfg transport.Config, opts []Option) (*Connection, error) {
	var tlsCfg *tls.Config
	if cfg.TLS.Enabled {
		if err := cfg.ValidateServer(); err != nil {
			return nil, err
		}
		var err error
		if tlsCfg, err = cfg.ServerTLS(); err != nil {
			return nil, err
		}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.ListenAddress)
	if err != nil {
		return nil, err
	}
	defer ln.Close()
	if s.OnListening != nil {
		s.OnListening(ln.Addr().String())
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	raw, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if tlsCfg == nil {
		return NewConnection(NewStreamTransport(raw, cfg.Limits(), cfg.WriteTimeout), cfg, opts...), nil
	}
	tc := tls.Server(raw, tlsCfg)
	hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := tc.HandshakeContext(hctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return NewConnection(NewStreamTransport(tc, cfg.Limits(), cfg.WriteTimeout), cfg, opts...), nil
}

type pairResult struct {
	gen    uint64
	conn   *Connection
	reason string
}

// Pairing runs one background establishment at a time and reports the result
// on the update loop.
type Pairing struct {
	cfg         transport.Config
	maxAttempts int
	opts        []Option

	mu       sync.Mutex
	rng      *rand.Rand
	gen      uint64
	active   bool
	cancel   context.CancelFunc
	listener PairingListener
	results  chan pairResult
}

// NewPairing retries up to maxAttempts per BeginPairing (0 retries forever).
func NewPairing(cfg transport.Config, maxAttempts int, opts ...Option) *Pairing {
	return &Pairing{
		cfg:         cfg,
		maxAttempts: maxAttempts,
		opts:        opts,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		results:     make(chan pairResult, 4),
	}
}

// State is Connecting while an attempt is running.
func (p *Pairing) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return StateConnecting
	}
	return StateDisconnected
}

func (p *Pairing) BeginPairing(ctx context.Context, strategy Strategy, listener PairingListener) error {
	if strategy == nil || listener == nil {
		return ErrInvalidStrategy
	}
	switch s := strategy.(type) {
	case DirectConnector:
		if strings.TrimSpace(s.Address) == "" {
			return fmt.Errorf("%w: connector address required", ErrInvalidStrategy)
		}
	case DirectReceiver:
		if strings.TrimSpace(s.ListenAddress) == "" {
			return fmt.Errorf("%w: receiver listen address required", ErrInvalidStrategy)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return ErrPairingInProgress
	}
	p.gen++
	p.active = true
	p.listener = listener
	pctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	log.Info().Str("strategy", strategy.Name()).Msg("conn.Pairing.BeginPairing")
	go p.run(pctx, p.gen, strategy)
	return nil
}

// CancelPairing stops the running attempt without a callback.
func (p *Pairing) CancelPairing() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return
	}
	p.cancel()
	p.active = false
	p.listener = nil
	log.Info().Msg("conn.Pairing.CancelPairing")
}

// Update delivers at most one finished attempt to its listener.
func (p *Pairing) Update() {
	for {
		select {
		case res := <-p.results:
			p.mu.Lock()
			current := p.active && res.gen == p.gen
			listener := p.listener
			if current {
				p.active = false
				p.listener = nil
				p.cancel()
			}
			p.mu.Unlock()
			if !current {
				if res.conn != nil {
					res.conn.Disconnect()
				}
				continue
			}
			if res.conn != nil {
				listener.PairingConnectionSucceeded(res.conn)
			} else {
				listener.PairingConnectionFailed(res.reason)
			}
			return
		default:
			return
		}
	}
}

func (p *Pairing) run(ctx context.Context, gen uint64, strategy Strategy) {
	for attempt := 1; ; attempt++ {
		c, err := strategy.establish(ctx, p.cfg, p.opts)
		if err == nil {
			if ctx.Err() != nil {
				c.Disconnect()
				return
			}
			observability.RecordPairingAttempt(strategy.Name(), true)
			log.Info().Str("strategy", strategy.Name()).Int("attempt", attempt).Str("remote", c.RemoteAddr()).Msg("conn.Pairing established")
			p.results <- pairResult{gen: gen, conn: c}
			return
		}
		if ctx.Err() != nil {
			return
		}
		observability.RecordPairingAttempt(strategy.Name(), false)
		log.Debug().Err(err).Str("strategy", strategy.Name()).Int("attempt", attempt).Msg("conn.Pairing attempt failed")
		if !transport.ShouldRetry(p.maxAttempts, attempt) {
			p.results <- pairResult{gen: gen, reason: err.Error()}
			return
		}
		p.mu.Lock()
		delay := transport.NextBackoffDelay(p.cfg.Backoff, attempt, p.rng)
		p.mu.Unlock()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
