package client

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/sharectl/internal/authority"
	"github.com/danmuck/sharectl/internal/config"
	"github.com/danmuck/sharectl/internal/conn"
	"github.com/danmuck/sharectl/internal/console"
	"github.com/danmuck/sharectl/internal/protocol/transport"
	"github.com/danmuck/sharectl/internal/sessions"
	"github.com/danmuck/sharectl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type lineSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *lineSink) Line(_ console.Kind, format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, fmt.Sprintf(format, args...))
}

func (s *lineSink) has(sub string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

func (s *lineSink) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lines) == 0 {
		return ""
	}
	return s.lines[len(s.lines)-1]
}

func (s *lineSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

type peer struct {
	client *Client
	sink   *lineSink
	stop   context.CancelFunc
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	srv   *authority.Server
	peers []*peer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	cfg := config.DefaultAuthorityConfig()
	cfg.AdminListenAddr = ""
	return &harness{t: t, ctx: ctx, srv: authority.New(cfg)}
}

// connect attaches a new client to the authority over an in-memory pipe and
// waits for the hello and session list.
func (h *harness) connect(name string) *peer {
	h.t.Helper()
	tcfg := transport.DefaultConfig()
	a, b := net.Pipe()
	sctx, stop := context.WithCancel(h.ctx)
	server := conn.NewConnection(conn.NewStreamTransport(b, tcfg.Limits(), time.Second), tcfg, conn.WithRole("authority"))
	go func() { _ = h.srv.ServeConn(sctx, server) }()

	cfg := config.DefaultClientConfig()
	cfg.UserName = name
	p := &peer{sink: &lineSink{}, stop: stop}
	p.client = New(cfg, p.sink)
	p.client.ConnectionEstablished(conn.NewConnection(conn.NewStreamTransport(a, tcfg.Limits(), time.Second), tcfg))
	h.t.Cleanup(p.client.Cleanup)
	h.peers = append(h.peers, p)
	h.until(func() bool {
		r := p.client.Registry()
		return r.CurrentUser() != nil && r.Len() > 0
	})
	return p
}

func (h *harness) until(cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range h.peers {
			p.client.Update()
		}
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.t.Fatal("condition not reached")
}

func (h *harness) join(p *peer, name string) {
	h.t.Helper()
	require.NoError(h.t, p.client.Execute("join "+name))
	h.until(func() bool {
		return p.client.CurrentSession() != nil && p.client.Tree() != nil && p.client.Tree().Pending() == 0
	})
}

func TestCreateJoinLeaveScenario(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")

	require.NoError(t, alice.client.Execute("create Foo"))
	h.until(func() bool { return alice.sink.has("Session Foo created") })
	require.Nil(t, alice.client.CurrentSession())

	require.NoError(t, alice.client.Execute("join Foo"))
	h.until(func() bool { return alice.client.CurrentSession() != nil })
	require.Equal(t, "Foo", alice.client.CurrentSession().Name())
	require.True(t, alice.sink.has("Joined session Foo"))
	require.NotNil(t, alice.client.Tree())

	require.NoError(t, alice.client.Execute("LEAVE"))
	require.Nil(t, alice.client.CurrentSession())
	require.Nil(t, alice.client.Tree())
	require.Nil(t, alice.client.Registry().CurrentSession())
	require.ErrorIs(t, alice.client.Execute("leave"), ErrNoSession)

	h.until(func() bool { return alice.sink.has("Session closed: Foo") })
	require.Nil(t, alice.client.Registry().Session("Foo"))
}

func TestSetIntShowIntBeforeAck(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	h.join(alice, config.DefaultSessionName)

	require.NoError(t, alice.client.Execute("setint 5"))
	require.NoError(t, alice.client.Execute("showint"))
	require.Equal(t, "Int Value: 5", alice.sink.last())

	require.NoError(t, alice.client.Execute("ping synced"))
	h.until(func() bool { return alice.sink.has("Pong: synced") })
	require.NoError(t, alice.client.Execute("showint"))
	require.Equal(t, "Int Value: 5", alice.sink.last())
}

func TestValuesReplicateBetweenClients(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	bob := h.connect("bob")
	h.join(alice, config.DefaultSessionName)
	h.join(bob, config.DefaultSessionName)
	h.until(func() bool { return alice.sink.has("bob joined " + config.DefaultSessionName) })

	require.NoError(t, alice.client.Execute("setint 7"))
	h.until(func() bool { return bob.sink.has("Int Value changed: 7") })
	require.NoError(t, bob.client.Execute("showint"))
	require.Equal(t, "Int Value: 7", bob.sink.last())
	require.Equal(t, alice.client.intValue.ID(), bob.client.intValue.ID())

	require.NoError(t, bob.client.Execute("setstr hello there"))
	h.until(func() bool { return alice.sink.has("Element added: StringValue (string)") })
	require.NoError(t, alice.client.Execute("setstr reply"))
	h.until(func() bool { return bob.sink.has(`String Value changed: "reply"`) })

	require.NoError(t, bob.client.Execute("setfloat 2.5"))
	h.until(func() bool { return alice.sink.has("Element added: FloatValue (float)") })
	require.NoError(t, alice.client.Execute("tree"))
	require.True(t, alice.sink.has("FloatValue ["))
	require.True(t, alice.sink.has("float = 2.5"))
}

func TestCommandPreconditions(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")

	require.ErrorIs(t, alice.client.Execute("bogus"), ErrUnknownCommand)
	require.Equal(t, `Command "bogus" not recognized`, alice.sink.last())
	require.ErrorIs(t, alice.client.Execute("leave"), ErrNoSession)
	require.ErrorIs(t, alice.client.Execute("showint"), ErrNoSession)
	require.ErrorIs(t, alice.client.Execute("ping"), ErrNoSession)
	require.ErrorIs(t, alice.client.Execute("join Nope"), sessions.ErrSessionNotFound)
	require.Nil(t, alice.client.CurrentSession())

	h.join(alice, "")
	require.ErrorIs(t, alice.client.Execute("setint"), ErrMissingValue)
	require.Error(t, alice.client.Execute("setint abc"))
	require.NoError(t, alice.client.Execute("showint"))
	require.Equal(t, "Int Value: 0", alice.sink.last())
}

func TestPingRoundTrip(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	h.join(alice, config.DefaultSessionName)

	require.NoError(t, alice.client.Execute("ping"))
	h.until(func() bool { return alice.sink.has("Pong: " + config.DefaultPingText) })
	require.NoError(t, alice.client.Execute("ping hi there"))
	h.until(func() bool { return alice.sink.has("Pong: hi there") })
}

func TestListMarksCurrentSession(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	h.join(alice, config.DefaultSessionName)

	require.NoError(t, alice.client.Execute("list"))
	require.Equal(t, config.DefaultSessionName+" (persistent, 1 users) *", alice.sink.last())
}

func TestConnectionLossReleasesSession(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	h.join(alice, config.DefaultSessionName)

	alice.stop()
	h.until(func() bool { return alice.client.CurrentSession() == nil })
	require.Nil(t, alice.client.Tree())
	require.True(t, alice.sink.has("Connection lost"))
	require.False(t, alice.client.Registry().IsServerConnected())
	require.ErrorIs(t, alice.client.Execute("create Bar"), sessions.ErrNotConnected)
}

func TestCleanupLeavesAndDisconnects(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	bob := h.connect("bob")
	h.join(alice, config.DefaultSessionName)

	require.NoError(t, alice.client.Execute("cleanup"))
	require.True(t, alice.sink.has("Left session "+config.DefaultSessionName))
	require.Nil(t, alice.client.CurrentSession())
	require.Nil(t, alice.client.Tree())
	require.False(t, alice.client.Registry().IsServerConnected())
	h.until(func() bool { return bob.sink.has("alice left " + config.DefaultSessionName) })
	require.False(t, alice.sink.has("Connection lost"))
}

func TestRunAppliesCommandsInOrderAndQuitsOnEOF(t *testing.T) {
	testlog.Start(t)
	sink := &lineSink{}
	c := New(config.DefaultClientConfig(), sink)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx, strings.NewReader("list\n\n  HELP  \n")))
	require.True(t, c.Quitting())

	lines := sink.snapshot()
	require.Equal(t, "No sessions", lines[0])
	require.Equal(t, "  create [name]", lines[1])
	require.False(t, c.SubmitCommand("late"))
}

func TestRunAgainNeedsStart(t *testing.T) {
	testlog.Start(t)
	sink := &lineSink{}
	cfg := config.DefaultClientConfig()
	cfg.Address = "127.0.0.1:1"
	cfg.MaxPairAttempts = 1
	c := New(cfg, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx, strings.NewReader("quit\n")))
	require.ErrorIs(t, c.Run(ctx, strings.NewReader("quit\n")), ErrStopped)
	require.False(t, c.SubmitCommand("list"))

	require.NoError(t, c.Start(ctx))
	require.False(t, c.Quitting())
	require.NoError(t, c.Run(ctx, strings.NewReader("list\n")))
	require.True(t, c.Quitting())
	require.Equal(t, 2, strings.Count(strings.Join(sink.snapshot(), "\n"), "Cleaning up state..."))
	require.True(t, sink.has("No sessions"))
}

func TestRunStopsWithContext(t *testing.T) {
	testlog.Start(t)
	c := New(config.DefaultClientConfig(), &lineSink{})
	pr, pw := net.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx, pr) }()
	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop")
	}
}
