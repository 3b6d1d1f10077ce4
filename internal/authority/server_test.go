package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/sharectl/internal/config"
	"github.com/danmuck/sharectl/internal/conn"
	"github.com/danmuck/sharectl/internal/protocol"
	"github.com/danmuck/sharectl/internal/protocol/schema"
	"github.com/danmuck/sharectl/internal/protocol/transport"
	"github.com/danmuck/sharectl/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type probe struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (p *probe) OnConnected(*conn.Connection)    {}
func (p *probe) OnDisconnected(*conn.Connection) {}
func (p *probe) OnMessage(_ *conn.Connection, msg protocol.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
}

func (p *probe) take(msgType uint32) (protocol.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, m := range p.msgs {
		if m.Type == msgType {
			p.msgs = append(p.msgs[:i], p.msgs[i+1:]...)
			return m, true
		}
	}
	return protocol.Message{}, false
}

func (p *probe) has(msgType uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.msgs {
		if m.Type == msgType {
			return true
		}
	}
	return false
}

// client is a raw protocol peer driven by the test.
type client struct {
	t     *testing.T
	conn  *conn.Connection
	probe *probe
	id    uint32
}

func (c *client) send(b protocol.Body) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SendBody(b))
}

func await[T any, P interface {
	*T
	protocol.Body
}](c *client) T {
	c.t.Helper()
	var zero T
	want := P(&zero).MessageType()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c.conn.Update()
		if msg, ok := c.probe.take(want); ok {
			out, err := decodeAny[T](msg)
			require.NoError(c.t, err)
			return out
		}
		time.Sleep(2 * time.Millisecond)
	}
	c.t.Fatalf("no %s received", schema.Name(want))
	return zero
}

// decodeAny narrows msg through the concrete decoders.
func decodeAny[T any](msg protocol.Message) (T, error) {
	var out any
	var err error
	switch msg.Type {
	case schema.MsgHelloAck:
		out, err = protocol.Decode[protocol.HelloAck](msg)
	case schema.MsgSessionList:
		out, err = protocol.Decode[protocol.SessionList](msg)
	case schema.MsgCreateSessionReply:
		out, err = protocol.Decode[protocol.CreateSessionReply](msg)
	case schema.MsgSessionAdded:
		out, err = protocol.Decode[protocol.SessionAdded](msg)
	case schema.MsgSessionClosed:
		out, err = protocol.Decode[protocol.SessionClosed](msg)
	case schema.MsgJoinSessionReply:
		out, err = protocol.Decode[protocol.JoinSessionReply](msg)
	case schema.MsgUserJoined:
		out, err = protocol.Decode[protocol.UserJoined](msg)
	case schema.MsgUserLeft:
		out, err = protocol.Decode[protocol.UserLeft](msg)
	case schema.MsgPong:
		out, err = protocol.Decode[protocol.Pong](msg)
	case schema.MsgSyncCreated:
		out, err = protocol.Decode[protocol.SyncCreated](msg)
	case schema.MsgSyncModified:
		out, err = protocol.Decode[protocol.SyncModified](msg)
	case schema.MsgSyncDeleted:
		out, err = protocol.Decode[protocol.SyncDeleted](msg)
	case schema.MsgError:
		out, err = protocol.Decode[protocol.Error](msg)
	}
	typed, _ := out.(T)
	return typed, err
}

func newServer(t *testing.T, opts ...func(*config.AuthorityConfig)) (*Server, context.Context) {
	t.Helper()
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	cfg := config.DefaultAuthorityConfig()
	cfg.AdminListenAddr = ""
	for _, opt := range opts {
		opt(&cfg)
	}
	return New(cfg), ctx
}

func dial(t *testing.T, s *Server, ctx context.Context, name string) *client {
	t.Helper()
	return dialWith(t, s, ctx, name, transport.DefaultConfig(), transport.DefaultConfig())
}

// dialWith connects a peer whose authority side uses serverCfg and whose
// client side uses clientCfg.
func dialWith(t *testing.T, s *Server, ctx context.Context, name string, serverCfg, clientCfg transport.Config) *client {
	t.Helper()
	a, b := net.Pipe()
	peer := conn.NewConnection(conn.NewStreamTransport(b, serverCfg.Limits(), time.Second), serverCfg, conn.WithRole("authority"))
	go func() { _ = s.ServeConn(ctx, peer) }()

	c := &client{
		t:     t,
		conn:  conn.NewConnection(conn.NewStreamTransport(a, clientCfg.Limits(), time.Second), clientCfg),
		probe: &probe{},
	}
	for mt := schema.MsgHello; mt <= schema.MsgError; mt++ {
		if schema.Known(mt) {
			c.conn.AddListener(mt, c.probe)
		}
	}
	t.Cleanup(c.conn.Disconnect)
	if name != "" {
		c.send(protocol.Hello{UserName: name})
		c.id = await[protocol.HelloAck](c).UserID
	}
	return c
}

func TestHelloAssignsUserIDsAndListsPersistentSessions(t *testing.T) {
	s, ctx := newServer(t)
	alice := dial(t, s, ctx, "alice")
	bob := dial(t, s, ctx, "bob")
	require.NotZero(t, alice.id)
	require.NotEqual(t, alice.id, bob.id)

	alice.send(protocol.ListSessions{})
	list := await[protocol.SessionList](alice)
	require.Len(t, list.Sessions, 1)
	require.Equal(t, config.DefaultSessionName, list.Sessions[0].Name)
	require.Equal(t, protocol.SessionPersistent, list.Sessions[0].Type)
}

func TestCreateSessionRepliesAndAnnounces(t *testing.T) {
	s, ctx := newServer(t)
	alice := dial(t, s, ctx, "alice")
	bob := dial(t, s, ctx, "bob")

	alice.send(protocol.CreateSession{RequestID: "r1", Name: " Foo ", Type: protocol.SessionAdHoc})
	reply := await[protocol.CreateSessionReply](alice)
	require.True(t, reply.OK)
	require.Equal(t, "r1", reply.RequestID)
	require.Equal(t, "Foo", reply.Session.Name)
	added := await[protocol.SessionAdded](bob)
	require.Equal(t, reply.Session.ID, added.Session.ID)

	alice.send(protocol.CreateSession{RequestID: "r2", Name: "Foo", Type: protocol.SessionAdHoc})
	require.Equal(t, "session exists", await[protocol.CreateSessionReply](alice).Reason)
	alice.send(protocol.CreateSession{RequestID: "r3", Name: strings.Repeat("x", 65), Type: protocol.SessionAdHoc})
	require.Equal(t, "invalid session name", await[protocol.CreateSessionReply](alice).Reason)

	anon := dial(t, s, ctx, "")
	anon.send(protocol.CreateSession{RequestID: "r4", Name: "Bar", Type: protocol.SessionAdHoc})
	require.Contains(t, await[protocol.Error](anon).Reason, "hello required")
}

func TestJoinSendsSnapshotAndMembership(t *testing.T) {
	s, ctx := newServer(t)
	alice := dial(t, s, ctx, "alice")
	bob := dial(t, s, ctx, "bob")

	alice.send(protocol.JoinSession{SessionID: 99})
	miss := await[protocol.JoinSessionReply](alice)
	require.False(t, miss.OK)
	require.Equal(t, "session not found", miss.Reason)

	alice.send(protocol.JoinSession{SessionID: 1})
	joined := await[protocol.JoinSessionReply](alice)
	require.True(t, joined.OK)
	require.NotZero(t, joined.RootID)
	require.Equal(t, "alice", await[protocol.UserJoined](bob).User.Name)

	alice.send(protocol.SyncCreate{SessionID: 1, RequestID: "k1", ParentID: joined.RootID, Name: "IntValue", Value: protocol.IntValue(3)})
	created := await[protocol.SyncCreated](alice)
	require.Equal(t, "k1", created.RequestID)

	bob.send(protocol.JoinSession{SessionID: 1})
	require.True(t, await[protocol.JoinSessionReply](bob).OK)
	snap := await[protocol.SyncCreated](bob)
	require.Equal(t, created.ElementID, snap.ElementID)
	require.Equal(t, protocol.IntValue(3), snap.Value)
	require.Empty(t, snap.RequestID)
	require.Equal(t, alice.id, snap.OriginUser)
}

// seedElements adds n int elements below the root of the named session.
func seedElements(s *Server, sessionName string, n int) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessionByName(sessionName)
	root := sess.nodes[sess.rootID]
	for i := 0; i < n; i++ {
		s.nextElement++
		nd := &node{id: s.nextElement, parent: root.id, name: fmt.Sprintf("v%d", i), value: protocol.IntValue(int64(i))}
		sess.nodes[nd.id] = nd
		root.children = append(root.children, nd.id)
	}
	return sess.id
}

func TestJoinSnapshotLargerThanSendQueueArrivesWhole(t *testing.T) {
	s, ctx := newServer(t)
	const total = 300
	id := seedElements(s, config.DefaultSessionName, total)

	serverCfg := transport.DefaultConfig()
	serverCfg.SendQueueSize = 8
	alice := dialWith(t, s, ctx, "alice", serverCfg, transport.DefaultConfig())
	alice.send(protocol.JoinSession{SessionID: id})
	require.True(t, await[protocol.JoinSessionReply](alice).OK)

	seen := make(map[uint64]bool, total)
	for len(seen) < total {
		seen[await[protocol.SyncCreated](alice).ElementID] = true
	}
	require.True(t, alice.conn.IsConnected())
}

func TestStalledMemberIsEvicted(t *testing.T) {
	s, ctx := newServer(t, func(cfg *config.AuthorityConfig) {
		cfg.Transport.WriteTimeout = 50 * time.Millisecond
	})
	id := seedElements(s, config.DefaultSessionName, 500)

	serverCfg := transport.DefaultConfig()
	serverCfg.SendQueueSize = 4
	clientCfg := transport.DefaultConfig()
	clientCfg.RecvQueueSize = 4
	slow := dialWith(t, s, ctx, "slow", serverCfg, clientCfg)
	slow.send(protocol.JoinSession{SessionID: id})

	// slow never pumps, so its queues fill and the authority gives up on it.
	deadline := time.Now().Add(3 * time.Second)
	for {
		s.mu.Lock()
		peers := len(s.peers)
		s.mu.Unlock()
		if peers == 0 {
			break
		}
		require.True(t, time.Now().Before(deadline), "stalled peer still attached")
		time.Sleep(5 * time.Millisecond)
	}
	s.mu.Lock()
	require.Empty(t, s.sessionByID(id).members)
	s.mu.Unlock()

	for time.Now().Before(deadline) && slow.conn.IsConnected() {
		slow.conn.Update()
		time.Sleep(2 * time.Millisecond)
	}
	require.False(t, slow.conn.IsConnected())
}

func TestSyncOrdersAndFansOut(t *testing.T) {
	s, ctx := newServer(t)
	alice := dial(t, s, ctx, "alice")
	bob := dial(t, s, ctx, "bob")
	var root uint64
	for _, c := range []*client{alice, bob} {
		c.send(protocol.JoinSession{SessionID: 1})
		root = await[protocol.JoinSessionReply](c).RootID
	}

	alice.send(protocol.SyncCreate{SessionID: 1, RequestID: "k1", ParentID: root, Name: "n", Value: protocol.IntValue(0)})
	mine := await[protocol.SyncCreated](alice)
	theirs := await[protocol.SyncCreated](bob)
	require.Equal(t, mine.ElementID, theirs.ElementID)
	require.Empty(t, theirs.RequestID)

	bob.send(protocol.SyncCreate{SessionID: 1, RequestID: "k2", ParentID: root, Name: "n", Value: protocol.IntValue(8)})
	dup := await[protocol.SyncCreated](bob)
	require.True(t, dup.Existed)
	require.Equal(t, "k2", dup.RequestID)
	require.Equal(t, mine.ElementID, dup.ElementID)
	require.Equal(t, protocol.IntValue(0), dup.Value)

	bob.send(protocol.SyncModify{SessionID: 1, ElementID: mine.ElementID, Seq: 4, Value: protocol.IntValue(5)})
	for _, c := range []*client{alice, bob} {
		m := await[protocol.SyncModified](c)
		require.Equal(t, bob.id, m.OriginUser)
		require.Equal(t, uint64(4), m.Seq)
		require.Equal(t, protocol.IntValue(5), m.Value)
	}

	bob.send(protocol.SyncModify{SessionID: 1, ElementID: mine.ElementID, Seq: 5, Value: protocol.StringValue("x")})
	require.Contains(t, await[protocol.Error](bob).Reason, "invalid write")
	bob.send(protocol.SyncModify{SessionID: 1, ElementID: 4242, Seq: 6, Value: protocol.IntValue(1)})
	require.Contains(t, await[protocol.Error](bob).Reason, "unknown element")

	alice.send(protocol.SyncDelete{SessionID: 1, ElementID: mine.ElementID})
	del := await[protocol.SyncDeleted](bob)
	require.Equal(t, alice.id, del.OriginUser)
	alice.send(protocol.Ping{SessionID: 1, Text: "marker"})
	require.Equal(t, "marker", await[protocol.Pong](alice).Text)
	require.False(t, alice.probe.has(schema.MsgSyncDeleted))
	require.Zero(t, s.Snapshot()[0].Elements)
}

func TestAdHocSessionClosesWithLastMember(t *testing.T) {
	s, ctx := newServer(t)
	alice := dial(t, s, ctx, "alice")
	bob := dial(t, s, ctx, "bob")

	alice.send(protocol.CreateSession{RequestID: "r1", Name: "Foo", Type: protocol.SessionAdHoc})
	foo := await[protocol.CreateSessionReply](alice).Session
	alice.send(protocol.JoinSession{SessionID: foo.ID})
	require.True(t, await[protocol.JoinSessionReply](alice).OK)
	alice.send(protocol.LeaveSession{SessionID: foo.ID})
	require.Equal(t, alice.id, await[protocol.UserLeft](bob).UserID)
	require.Equal(t, foo.ID, await[protocol.SessionClosed](bob).SessionID)
	require.Equal(t, foo.ID, await[protocol.SessionClosed](alice).SessionID)

	alice.send(protocol.JoinSession{SessionID: 1})
	require.True(t, await[protocol.JoinSessionReply](alice).OK)
	alice.send(protocol.LeaveSession{SessionID: 1})
	await[protocol.UserLeft](bob)
	bob.send(protocol.Ping{Text: "marker"})
	await[protocol.Pong](bob)
	require.False(t, bob.probe.has(schema.MsgSessionClosed))

	snaps := s.Snapshot()
	require.Len(t, snaps, 1)
	require.Equal(t, config.DefaultSessionName, snaps[0].Name)
}

func TestDisconnectLeavesSession(t *testing.T) {
	s, ctx := newServer(t)
	alice := dial(t, s, ctx, "alice")
	bob := dial(t, s, ctx, "bob")
	bob.send(protocol.JoinSession{SessionID: 1})
	require.True(t, await[protocol.JoinSessionReply](bob).OK)
	await[protocol.UserJoined](alice)

	bob.conn.Disconnect()
	require.Equal(t, bob.id, await[protocol.UserLeft](alice).UserID)
	require.Eventually(t, func() bool { return len(s.Snapshot()[0].Members) == 0 }, 3*time.Second, 5*time.Millisecond)
}

func TestAdminRoutes(t *testing.T) {
	s, ctx := newServer(t)
	srv := httptest.NewServer(s.Router(ctx))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, s.InstanceID(), health["instance"])

	resp, err = http.Get(srv.URL + "/sessions")
	require.NoError(t, err)
	var body struct {
		Sessions []SessionSnapshot `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	if diff := cmp.Diff(s.Snapshot(), body.Sessions); diff != "" {
		t.Fatalf("sessions mismatch (-want +got):\n%s", diff)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketPeer(t *testing.T) {
	s, ctx := newServer(t)
	srv := httptest.NewServer(s.Router(ctx))
	t.Cleanup(srv.Close)

	c, err := conn.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", transport.DefaultConfig())
	require.NoError(t, err)
	ws := &client{t: t, conn: c, probe: &probe{}}
	c.AddListener(schema.MsgHelloAck, ws.probe)
	t.Cleanup(c.Disconnect)

	ws.send(protocol.Hello{UserName: "web"})
	require.NotZero(t, await[protocol.HelloAck](ws).UserID)
	require.Eventually(t, func() bool { return s.peerCount() == 1 }, 3*time.Second, 5*time.Millisecond)
}

func TestAdminTokenGuardsPrivateRoutes(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	cfg := config.DefaultAuthorityConfig()
	cfg.AdminToken = "s3cret"
	srv := httptest.NewServer(New(cfg).Router(ctx))
	t.Cleanup(srv.Close)

	get := func(path, token string) int {
		req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	require.Equal(t, http.StatusOK, get("/health", ""))
	require.Equal(t, http.StatusUnauthorized, get("/sessions", ""))
	require.Equal(t, http.StatusUnauthorized, get("/sessions", "wrong"))
	require.Equal(t, http.StatusOK, get("/sessions", "s3cret"))
	require.Equal(t, http.StatusUnauthorized, get("/metrics", ""))
}
