package conn

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/sharectl/internal/protocol"
	"github.com/danmuck/sharectl/internal/protocol/schema"
	"github.com/danmuck/sharectl/internal/protocol/transport"
	"github.com/danmuck/sharectl/internal/testutil/testlog"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu           sync.Mutex
	connected    int
	disconnected int
	msgs         []protocol.Message
	onMessage    func(c *Connection, msg protocol.Message)
}

func (r *recorder) OnConnected(*Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected++
}

func (r *recorder) OnDisconnected(*Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected++
}

func (r *recorder) OnMessage(c *Connection, msg protocol.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	hook := r.onMessage
	r.mu.Unlock()
	if hook != nil {
		hook(c, msg)
	}
}

func (r *recorder) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected, r.disconnected, len(r.msgs)
}

func pump(t *testing.T, cond func() bool, steps ...func()) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, step := range steps {
			step()
		}
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached before deadline")
}

func testConfig() transport.Config {
	cfg := transport.DefaultConfig()
	cfg.ConnectTimeout = time.Second
	cfg.HandshakeTimeout = time.Second
	cfg.WriteTimeout = time.Second
	cfg.Backoff = transport.BackoffConfig{InitialDelay: 5 * time.Millisecond, Multiplier: 1}
	return cfg
}

func pipePair(t *testing.T) (*Connection, *Connection) {
	t.Helper()
	a, b := net.Pipe()
	cfg := testConfig()
	left := NewConnection(NewStreamTransport(a, cfg.Limits(), cfg.WriteTimeout), cfg)
	right := NewConnection(NewStreamTransport(b, cfg.Limits(), cfg.WriteTimeout), cfg, WithRole("authority"))
	t.Cleanup(func() {
		left.Disconnect()
		right.Disconnect()
	})
	return left, right
}

func TestMessagesReachListenersByType(t *testing.T) {
	testlog.Start(t)
	left, right := pipePair(t)
	pings := &recorder{}
	require.True(t, right.AddListener(schema.MsgPing, pings))
	require.True(t, right.AddListener(schema.MsgLeaveSession, pings))
	require.False(t, right.AddListener(schema.MsgPing, pings))

	require.NoError(t, left.SendBody(protocol.Ping{SessionID: 3, Text: "PING STRING"}))
	require.NoError(t, left.SendBody(protocol.Pong{SessionID: 3, Text: "ignored"}))
	require.NoError(t, left.SendBody(protocol.LeaveSession{SessionID: 3}))

	pump(t, func() bool {
		_, _, n := pings.counts()
		return n == 2
	}, right.Update)

	connected, _, _ := pings.counts()
	require.Equal(t, 1, connected, "OnConnected goes once per listener")
	ping, err := protocol.Decode[protocol.Ping](pings.msgs[0])
	require.NoError(t, err)
	require.Equal(t, "PING STRING", ping.Text)
	require.Equal(t, schema.MsgLeaveSession, pings.msgs[1].Type)
	require.NotZero(t, pings.msgs[0].ID)
}

func TestDisconnectNotifiesBothSidesOnce(t *testing.T) {
	testlog.Start(t)
	left, right := pipePair(t)
	l, r := &recorder{}, &recorder{}
	left.AddListener(schema.MsgPong, l)
	right.AddListener(schema.MsgPing, r)
	left.Update()
	right.Update()

	left.Disconnect()
	_, disconnected, _ := l.counts()
	require.Equal(t, 1, disconnected, "local disconnect notifies synchronously")
	require.Equal(t, StateDisconnected, left.State())
	require.ErrorIs(t, left.SendBody(protocol.Ping{Text: "x"}), ErrNotConnected)

	pump(t, func() bool {
		_, d, _ := r.counts()
		return d == 1
	}, right.Update)
	left.Disconnect()
	right.Update()
	_, d1, _ := l.counts()
	_, d2, _ := r.counts()
	require.Equal(t, 1, d1)
	require.Equal(t, 1, d2)
	require.Error(t, right.Err())
}

func TestRemovedListenerStopsReceiving(t *testing.T) {
	testlog.Start(t)
	left, right := pipePair(t)
	r := &recorder{}
	right.AddListener(schema.MsgPing, r)
	require.True(t, right.RemoveListener(schema.MsgPing, r))
	require.False(t, right.RemoveListener(schema.MsgPing, r))
	probe := &recorder{}
	right.AddListener(schema.MsgPong, probe)

	require.NoError(t, left.SendBody(protocol.Ping{Text: "a"}))
	require.NoError(t, left.SendBody(protocol.Pong{Text: "b"}))
	pump(t, func() bool {
		_, _, n := probe.counts()
		return n == 1
	}, right.Update)
	c, _, n := r.counts()
	require.Zero(t, n)
	require.Zero(t, c)
}

func TestSendRejectsInvalidMessage(t *testing.T) {
	testlog.Start(t)
	left, _ := pipePair(t)
	var ve schema.ValidationError
	require.ErrorAs(t, left.Send(protocol.Message{Type: schema.MsgJoinSession}), &ve)
}

type stallTransport struct {
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *stallTransport) ReadMessage() (protocol.Message, error) {
	<-s.closed
	return protocol.Message{}, io.EOF
}

func (s *stallTransport) WriteMessage(protocol.Message) error {
	<-s.closed
	return io.ErrClosedPipe
}

func (s *stallTransport) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *stallTransport) RemoteAddr() string { return "stall" }
func (s *stallTransport) Kind() string       { return "test" }

func TestSendQueueFullAndDisconnectDiscards(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.SendQueueSize = 1
	c := NewConnection(&stallTransport{closed: make(chan struct{})}, cfg)

	var full error
	for i := 0; i < 3 && full == nil; i++ {
		full = c.SendBody(protocol.Ping{Text: "x"})
	}
	require.ErrorIs(t, full, ErrSendQueueFull)

	c.Disconnect()
	require.Zero(t, len(c.out))
	c.Wait()
}

func TestSendWaitBlocksUntilSpaceOrDeadline(t *testing.T) {
	testlog.Start(t)
	left, right := pipePair(t)
	rec := &recorder{}
	right.AddListener(schema.MsgPing, rec)

	// right's inbound queue drains only while it is pumped, so left's queue backs up.
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				right.Update()
				time.Sleep(time.Millisecond)
			}
		}
	}()
	const total = 3000
	for i := 0; i < total; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := left.SendWait(ctx, protocol.New(protocol.Ping{Text: "x"}))
		cancel()
		require.NoError(t, err)
	}
	pump(t, func() bool {
		_, _, n := rec.counts()
		return n == total
	})
	close(stop)
	<-done

	cfg := testConfig()
	cfg.SendQueueSize = 1
	stalled := NewConnection(&stallTransport{closed: make(chan struct{})}, cfg)
	defer stalled.Disconnect()
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		err = stalled.SendWait(ctx, protocol.New(protocol.Ping{Text: "x"}))
		cancel()
	}
	require.ErrorIs(t, err, ErrSendQueueFull)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAbortDisconnectsBothSidesThroughThePump(t *testing.T) {
	testlog.Start(t)
	left, right := pipePair(t)
	lrec, rrec := &recorder{}, &recorder{}
	left.AddListener(schema.MsgPing, lrec)
	right.AddListener(schema.MsgPing, rrec)
	left.Update()
	right.Update()

	cause := errors.New("peer too slow")
	right.Abort(cause)
	_, disconnected, _ := rrec.counts()
	require.Zero(t, disconnected, "listeners only hear about it from the pump")

	pump(t, func() bool {
		_, l, _ := lrec.counts()
		_, r, _ := rrec.counts()
		return l == 1 && r == 1
	}, left.Update, right.Update)
	require.ErrorIs(t, right.Err(), cause)
	require.ErrorIs(t, right.SendBody(protocol.Ping{Text: "x"}), ErrNotConnected)
}

func TestListenerPanicDoesNotStopDelivery(t *testing.T) {
	testlog.Start(t)
	left, right := pipePair(t)
	bad := &recorder{onMessage: func(*Connection, protocol.Message) { panic("listener bug") }}
	good := &recorder{}
	right.AddListener(schema.MsgPing, bad)
	right.AddListener(schema.MsgPing, good)
	require.NoError(t, left.SendBody(protocol.Ping{Text: "x"}))
	pump(t, func() bool {
		_, _, n := good.counts()
		return n == 1
	}, right.Update)
	require.True(t, right.IsConnected())
}

func TestWebSocketTransportRoundTrip(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	upgrader := websocket.Upgrader{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		peer := NewConnection(NewWebSocketTransport(ws, cfg.Limits(), cfg.WriteTimeout), cfg, WithRole("authority"))
		peer.AddListener(schema.MsgPing, &recorder{onMessage: func(c *Connection, msg protocol.Message) {
			ping, _ := protocol.Decode[protocol.Ping](msg)
			_ = c.SendBody(protocol.Pong{SessionID: ping.SessionID, Text: ping.Text})
		}})
		_ = peer.Run(ctx)
	}))
	defer srv.Close()

	address := "ws" + strings.TrimPrefix(srv.URL, "http")
	require.True(t, IsWebSocketAddress(address))
	client, err := Dial(ctx, address, cfg)
	require.NoError(t, err)
	defer client.Disconnect()

	pongs := &recorder{}
	client.AddListener(schema.MsgPong, pongs)
	require.NoError(t, client.SendBody(protocol.Ping{SessionID: 9, Text: "over ws"}))
	pump(t, func() bool {
		_, _, n := pongs.counts()
		return n == 1
	}, client.Update)
	pong, err := protocol.Decode[protocol.Pong](pongs.msgs[0])
	require.NoError(t, err)
	require.Equal(t, "over ws", pong.Text)
	require.Equal(t, uint32(9), pong.SessionID)
}

func TestDialRejectsEmptyAddress(t *testing.T) {
	testlog.Start(t)
	_, err := Dial(context.Background(), "  ", testConfig())
	require.Error(t, err)
	_, err = Dial(context.Background(), "127.0.0.1:1", testConfig())
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrNotConnected))
}
