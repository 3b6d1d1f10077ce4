package conn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/danmuck/sharectl/internal/dispatch"
	"github.com/danmuck/sharectl/internal/observability"
	"github.com/danmuck/sharectl/internal/protocol"
	"github.com/danmuck/sharectl/internal/protocol/schema"
	"github.com/danmuck/sharectl/internal/protocol/transport"
	"github.com/rs/zerolog/log"
)

// Listener receives connection lifecycle events and the messages of the
// types it registered for.
type Listener interface {
	OnConnected(c *Connection)
	OnDisconnected(c *Connection)
	OnMessage(c *Connection, msg protocol.Message)
}

type Option func(*Connection)

// WithRole labels logs and metrics ("client", "authority").
func WithRole(role string) Option {
	return func(c *Connection) {
		c.role = role
	}
}

// Connection is one established channel. Listeners are only called from
// Update or Run, never from the network goroutines.
type Connection struct {
	tr   Transport
	cfg  transport.Config
	role string

	state    atomic.Int32
	announce atomic.Bool
	nextID   atomic.Uint64

	out    chan protocol.Message
	in     chan protocol.Message
	closed chan struct{}
	lost   chan struct{}

	failOnce  sync.Once
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	mu        sync.Mutex
	byType    map[uint32]*dispatch.List[Listener]
	members   *dispatch.List[Listener]
	refs      map[Listener]int
	goroutine sync.WaitGroup
}

// NewConnection wraps an established transport and starts its reader and
// writer. The connection starts Connected; OnConnected is delivered by the
// first Update or Run.
func NewConnection(tr Transport, cfg transport.Config, opts ...Option) *Connection {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = transport.DefaultConfig().SendQueueSize
	}
	if cfg.RecvQueueSize <= 0 {
		cfg.RecvQueueSize = transport.DefaultConfig().RecvQueueSize
	}
	c := &Connection{
		tr:      tr,
		cfg:     cfg,
		role:    "client",
		out:     make(chan protocol.Message, cfg.SendQueueSize),
		in:      make(chan protocol.Message, cfg.RecvQueueSize),
		closed:  make(chan struct{}),
		lost:    make(chan struct{}),
		byType:  make(map[uint32]*dispatch.List[Listener]),
		members: dispatch.New[Listener]("conn.members"),
		refs:    make(map[Listener]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.state.Store(int32(StateConnected))
	c.announce.Store(true)
	observability.ConnectionOpened(c.role, tr.Kind())
	log.Debug().
		Str("role", c.role).
		Str("remote", tr.RemoteAddr()).
		Str("transport", tr.Kind()).
		Msg("conn.Connection opened")

	c.goroutine.Add(2)
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// RemoteAddr is the endpoint identity.
func (c *Connection) RemoteAddr() string {
	return c.tr.RemoteAddr()
}

// Err returns the transport error that ended the connection, if any.
func (c *Connection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// AddListener registers l for messageType and for lifecycle events.
func (c *Connection) AddListener(messageType uint32, l Listener) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	list, ok := c.byType[messageType]
	if !ok {
		list = dispatch.New[Listener](schema.Name(messageType))
		c.byType[messageType] = list
	}
	if !list.Add(l) {
		return false
	}
	if c.refs[l] == 0 {
		c.members.Add(l)
	}
	c.refs[l]++
	return true
}

func (c *Connection) RemoveListener(messageType uint32, l Listener) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	list, ok := c.byType[messageType]
	if !ok || !list.Remove(l) {
		return false
	}
	c.refs[l]--
	if c.refs[l] <= 0 {
		delete(c.refs, l)
		c.members.Remove(l)
	}
	return true
}

// Send validates msg and queues it for the writer. Messages without an ID get
// the next connection-local sequence number.
func (c *Connection) Send(msg protocol.Message) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := schema.Validate(msg.Type, msg.Fields); err != nil {
		return err
	}
	if msg.ID == 0 {
		msg.ID = c.nextID.Add(1)
	}
	select {
	case c.out <- msg:
		return nil
	default:
		log.Warn().Str("role", c.role).Str("type", msg.Name()).Msg("conn.Connection.Send queue full")
		return fmt.Errorf("%w: %s", ErrSendQueueFull, msg.Name())
	}
}

// SendWait is Send that waits for queue space until ctx is done, in which
// case it fails with ErrSendQueueFull.
func (c *Connection) SendWait(ctx context.Context, msg protocol.Message) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := schema.Validate(msg.Type, msg.Fields); err != nil {
		return err
	}
	if msg.ID == 0 {
		msg.ID = c.nextID.Add(1)
	}
	select {
	case c.out <- msg:
		return nil
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.closed:
		return ErrNotConnected
	case <-c.lost:
		return ErrNotConnected
	case <-ctx.Done():
		log.Warn().Str("role", c.role).Str("type", msg.Name()).Msg("conn.Connection.SendWait queue stayed full")
		return fmt.Errorf("%w: %s: %w", ErrSendQueueFull, msg.Name(), ctx.Err())
	}
}

// Abort ends the connection from any goroutine. The transport closes at once;
// listeners see OnDisconnected from the next Update or Run.
func (c *Connection) Abort(err error) {
	c.fail(err)
	_ = c.tr.Close()
}

// SendBody is Send(protocol.New(b)).
func (c *Connection) SendBody(b protocol.Body) error {
	return c.Send(protocol.New(b))
}

// Disconnect closes the transport, discards queued outbound messages and
// notifies OnDisconnected before returning.
func (c *Connection) Disconnect() {
	if !c.teardown("local") {
		return
	}
	for {
		select {
		case <-c.out:
		default:
			return
		}
	}
}

// Update is one pump step: lifecycle announcement, every queued inbound
// message, then loss detection.
func (c *Connection) Update() {
	c.announceConnected()
	lostNow := isClosed(c.lost)
	n := len(c.in)
	for i := 0; i < n; i++ {
		select {
		case msg := <-c.in:
			c.deliver(msg)
		default:
		}
	}
	if lostNow {
		c.teardown("remote")
	}
}

// Run dispatches on the calling goroutine until the connection ends or ctx is
// done, in which case the connection is disconnected.
func (c *Connection) Run(ctx context.Context) error {
	c.announceConnected()
	for {
		select {
		case <-ctx.Done():
			c.Disconnect()
			return ctx.Err()
		case msg := <-c.in:
			c.deliver(msg)
		case <-c.lost:
			for len(c.in) > 0 {
				c.deliver(<-c.in)
			}
			c.teardown("remote")
			return c.Err()
		case <-c.closed:
			return c.Err()
		}
	}
}

// Wait blocks until both network goroutines have exited.
func (c *Connection) Wait() {
	c.goroutine.Wait()
}

func (c *Connection) announceConnected() {
	if !c.announce.CompareAndSwap(true, false) || !c.IsConnected() {
		return
	}
	log.Debug().Str("role", c.role).Str("remote", c.RemoteAddr()).Msg("conn.Connection connected")
	c.members.Notify(func(l Listener) { l.OnConnected(c) })
}

func (c *Connection) deliver(msg protocol.Message) {
	if !c.IsConnected() {
		return
	}
	c.mu.Lock()
	list := c.byType[msg.Type]
	c.mu.Unlock()
	if list == nil || list.Len() == 0 {
		log.Debug().Str("role", c.role).Str("type", msg.Name()).Msg("conn.Connection no listener")
		return
	}
	list.Notify(func(l Listener) { l.OnMessage(c, msg) })
}

// teardown performs the single Connected -> Disconnected transition.
func (c *Connection) teardown(origin string) bool {
	if !c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected)) {
		return false
	}
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.tr.Close()
	})
	observability.ConnectionClosed(c.role, c.tr.Kind())
	ev := log.Info()
	if err := c.Err(); err != nil {
		ev = ev.Err(err)
	}
	ev.Str("role", c.role).Str("remote", c.RemoteAddr()).Str("origin", origin).Msg("conn.Connection disconnected")
	c.members.Notify(func(l Listener) { l.OnDisconnected(c) })
	return true
}

func (c *Connection) fail(err error) {
	c.failOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.lost)
	})
}

func (c *Connection) readLoop() {
	defer c.goroutine.Done()
	for {
		msg, err := c.tr.ReadMessage()
		if err != nil {
			if !isClosed(c.closed) {
				c.fail(err)
			}
			return
		}
		observability.RecordMessage(c.role, "in", msg.Name())
		select {
		case c.in <- msg:
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) writeLoop() {
	defer c.goroutine.Done()
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.out:
			if err := c.tr.WriteMessage(msg); err != nil {
				if !isClosed(c.closed) {
					log.Warn().Err(err).Str("role", c.role).Str("type", msg.Name()).Msg("conn.Connection write failed")
					c.fail(err)
				}
				return
			}
			observability.RecordMessage(c.role, "out", msg.Name())
		}
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
