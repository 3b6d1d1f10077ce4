package authority

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/sharectl/internal/auth"
	"github.com/danmuck/sharectl/internal/conn"
	"github.com/danmuck/sharectl/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const adminService = "sessiond"

type MemberSnapshot struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
}

type SessionSnapshot struct {
	ID       uint32           `json:"id"`
	Name     string           `json:"name"`
	Type     string           `json:"type"`
	RootID   uint64           `json:"root_id"`
	Elements int              `json:"elements"`
	Members  []MemberSnapshot `json:"members"`
}

// Snapshot reports every open session in creation order.
func (s *Server) Snapshot() []SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionSnapshot, 0, len(s.sessions))
	for _, sess := range s.sessions {
		snap := SessionSnapshot{
			ID:       sess.id,
			Name:     sess.name,
			Type:     sess.kind.String(),
			RootID:   sess.rootID,
			Elements: len(sess.nodes) - 1,
			Members:  make([]MemberSnapshot, 0, len(sess.members)),
		}
		for _, m := range sess.members {
			snap.Members = append(snap.Members, MemberSnapshot{ID: m.userID, Name: m.name})
		}
		out = append(out, snap)
	}
	return out
}

func (s *Server) peerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Router builds the admin HTTP surface. WebSocket peers attached through /ws
// live until they disconnect or ctx is done.
func (s *Server) Router(ctx context.Context) *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(adminService))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"uptime":   time.Since(s.started).String(),
			"service":  adminService,
			"instance": s.instanceID,
			"peers":    s.peerCount(),
		})
	})
	private := r.Group("/")
	if s.cfg.AdminToken != "" {
		private.Use(requireToken(auth.StaticToken{Token: s.cfg.AdminToken}))
	}
	private.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": s.Snapshot()})
	})
	private.GET("/metrics", observability.MetricsHandler())

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	r.GET("/ws", func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Str("remote", c.Request.RemoteAddr).Msg("authority.Server websocket upgrade failed")
			return
		}
		tr := conn.NewWebSocketTransport(ws, s.cfg.Transport.Limits(), s.cfg.Transport.WriteTimeout)
		_ = s.ServeConn(ctx, conn.NewConnection(tr, s.cfg.Transport, conn.WithRole("authority")))
	})
	return r
}

// ServeAdmin serves Router on addr until ctx is done.
func (s *Server) ServeAdmin(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(ctx),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("authority.Server.ServeAdmin listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// requireToken rejects requests whose bearer token v does not accept.
func requireToken(v auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := auth.Check(v, c.GetHeader("Authorization")); err != nil {
			log.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("authority.Server admin request denied")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
