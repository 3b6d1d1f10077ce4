package authority

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/danmuck/sharectl/internal/config"
	"github.com/danmuck/sharectl/internal/conn"
	"github.com/danmuck/sharectl/internal/protocol"
	"github.com/danmuck/sharectl/internal/protocol/schema"
	"github.com/danmuck/sharectl/internal/protocol/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// inbound lists the message types a client may send.
var inbound = []uint32{
	schema.MsgHello,
	schema.MsgListSessions,
	schema.MsgCreateSession,
	schema.MsgJoinSession,
	schema.MsgLeaveSession,
	schema.MsgPing,
	schema.MsgSyncCreate,
	schema.MsgSyncModify,
	schema.MsgSyncDelete,
}

type Server struct {
	cfg        config.AuthorityConfig
	instanceID string
	started    time.Time

	mu          sync.Mutex
	peers       map[*conn.Connection]*peer
	order       []*peer
	sessions    []*session
	nextUser    uint32
	nextSession uint32
	nextElement uint64

	conns sync.WaitGroup
}

// New creates the authority with its persistent sessions already open.
func New(cfg config.AuthorityConfig) *Server {
	s := &Server{
		cfg:        cfg,
		instanceID: uuid.NewString(),
		started:    time.Now(),
		peers:      make(map[*conn.Connection]*peer),
	}
	for _, name := range cfg.PersistentSessions {
		if s.sessionByName(name) == nil {
			s.newSession(name, protocol.SessionPersistent)
		}
	}
	s.recordCounts()
	return s
}

func (s *Server) InstanceID() string { return s.instanceID }

func (s *Server) writeTimeout() time.Duration {
	if s.cfg.Transport.WriteTimeout > 0 {
		return s.cfg.Transport.WriteTimeout
	}
	return transport.DefaultConfig().WriteTimeout
}

// Run listens on the session and admin addresses until ctx is done or either
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Serve(gctx, ln)
	})
	if s.cfg.AdminListenAddr != "" {
		g.Go(func() error {
			return s.ServeAdmin(gctx, s.cfg.AdminListenAddr)
		})
	}
	return g.Wait()
}

// Listen opens the session listener, TLS when configured.
func (s *Server) Listen() (net.Listener, error) {
	if err := s.cfg.Transport.ValidateServer(); err != nil {
		return nil, err
	}
	if !s.cfg.Transport.TLS.Enabled {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	tlsCfg, err := s.cfg.Transport.ServerTLS()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
}

// Serve accepts stream connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	log.Info().Str("addr", ln.Addr().String()).Str("instance", s.instanceID).Msg("authority.Server.Serve listening")
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.conns.Wait()
				return nil
			}
			return err
		}
		tr := conn.NewStreamTransport(raw, s.cfg.Transport.Limits(), s.cfg.Transport.WriteTimeout)
		c := conn.NewConnection(tr, s.cfg.Transport, conn.WithRole("authority"))
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			_ = s.ServeConn(ctx, c)
		}()
	}
}

// ServeConn attaches c and dispatches its messages until it closes or ctx is
// done.
func (s *Server) ServeConn(ctx context.Context, c *conn.Connection) error {
	s.Attach(c)
	err := c.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Debug().Err(err).Str("remote", c.RemoteAddr()).Msg("authority.Server.ServeConn ended")
	}
	return err
}

// Attach registers c as a peer. The caller pumps c with Run or Update.
func (s *Server) Attach(c *conn.Connection) {
	s.mu.Lock()
	if _, ok := s.peers[c]; !ok {
		p := &peer{conn: c, writeTimeout: s.writeTimeout()}
		s.peers[c] = p
		s.order = append(s.order, p)
	}
	s.mu.Unlock()
	for _, t := range inbound {
		c.AddListener(t, s)
	}
}

func (s *Server) OnConnected(c *conn.Connection) {
	log.Info().Str("remote", c.RemoteAddr()).Msg("authority.Server peer connected")
}

func (s *Server) OnDisconnected(c *conn.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.peers[c]
	if p == nil {
		return
	}
	s.leave(p)
	delete(s.peers, c)
	if i := slices.Index(s.order, p); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
	s.recordCounts()
	log.Info().Str("remote", c.RemoteAddr()).Uint32("user_id", p.userID).Msg("authority.Server peer disconnected")
}

func (s *Server) OnMessage(c *conn.Connection, msg protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.peers[c]
	if p == nil {
		return
	}
	var err error
	switch msg.Type {
	case schema.MsgHello:
		err = protocol.Handle(msg, func(b protocol.Hello) { s.onHello(p, b) })
	case schema.MsgListSessions:
		s.onListSessions(p)
	case schema.MsgCreateSession:
		err = protocol.HandleErr(msg, func(b protocol.CreateSession) error { return s.onCreateSession(p, b) })
	case schema.MsgJoinSession:
		err = protocol.HandleErr(msg, func(b protocol.JoinSession) error { return s.onJoinSession(p, b) })
	case schema.MsgLeaveSession:
		err = protocol.HandleErr(msg, func(b protocol.LeaveSession) error { return s.onLeaveSession(p, b) })
	case schema.MsgPing:
		err = protocol.Handle(msg, func(b protocol.Ping) { s.onPing(p, b) })
	case schema.MsgSyncCreate:
		err = protocol.HandleErr(msg, func(b protocol.SyncCreate) error { return s.onSyncCreate(p, b) })
	case schema.MsgSyncModify:
		err = protocol.HandleErr(msg, func(b protocol.SyncModify) error { return s.onSyncModify(p, b) })
	case schema.MsgSyncDelete:
		err = protocol.HandleErr(msg, func(b protocol.SyncDelete) error { return s.onSyncDelete(p, b) })
	}
	if err != nil {
		log.Warn().Err(err).Uint32("user_id", p.userID).Str("type", msg.Name()).Msg("authority.Server request rejected")
		p.send(protocol.Error{Reason: err.Error()})
	}
	s.recordCounts()
}
