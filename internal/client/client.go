package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/sharectl/internal/config"
	"github.com/danmuck/sharectl/internal/conn"
	"github.com/danmuck/sharectl/internal/console"
	"github.com/danmuck/sharectl/internal/protocol"
	"github.com/danmuck/sharectl/internal/protocol/schema"
	"github.com/danmuck/sharectl/internal/replica"
	"github.com/danmuck/sharectl/internal/sessions"
	"github.com/rs/zerolog/log"
)

const (
	intValueName    = "IntValue"
	floatValueName  = "FloatValue"
	stringValueName = "StringValue"
)

// Sink receives one human-readable line per lifecycle transition.
// *console.Sink satisfies it.
type Sink interface {
	Line(kind console.Kind, format string, args ...any)
}

// syncTypes are the connection messages the client consumes itself; the
// registry binds the session-control types.
var syncTypes = []uint32{
	schema.MsgSyncCreated,
	schema.MsgSyncModified,
	schema.MsgSyncDeleted,
	schema.MsgPong,
}

type Option func(*Client)

// WithPrompt prints prompt to w before each input line is read.
func WithPrompt(w io.Writer, prompt string) Option {
	return func(c *Client) {
		c.promptOut = w
		c.prompt = prompt
	}
}

// runLoop is the command handoff of one Run. done closes when that Run
// returns; Start replaces a finished loop.
type runLoop struct {
	commands chan string
	done     chan struct{}
}

func newRunLoop() *runLoop {
	return &runLoop{commands: make(chan string), done: make(chan struct{})}
}

func (l *runLoop) finished() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

type Client struct {
	cfg  config.ClientConfig
	sink Sink

	pairing  *conn.Pairing
	strategy conn.Strategy
	ctx      context.Context
	stopped  bool

	conn     *conn.Connection
	registry *sessions.Registry
	session  *sessions.Session

	tree        *replica.Tree
	objects     *replica.Index[*replica.ObjectElement]
	intValue    *replica.IntElement
	floatValue  *replica.FloatElement
	stringValue *replica.StringElement

	loop      atomic.Pointer[runLoop]
	quit      bool
	prompt    string
	promptOut io.Writer
}

func New(cfg config.ClientConfig, sink Sink, opts ...Option) *Client {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = config.DefaultClientConfig().TickInterval
	}
	c := &Client{
		cfg:      cfg,
		sink:     sink,
		pairing:  conn.NewPairing(cfg.Transport, cfg.MaxPairAttempts),
		registry: sessions.NewRegistry(cfg.UserName, cfg.Transport),
		ctx:      context.Background(),
	}
	c.loop.Store(newRunLoop())
	for _, opt := range opts {
		opt(c)
	}
	c.registry.AddListener(c)
	return c
}

// Registry exposes the session registry for inspection.
func (c *Client) Registry() *sessions.Registry { return c.registry }

// CurrentSession is non-nil only between a successful join and the next
// leave, close, disconnect or cleanup.
func (c *Client) CurrentSession() *sessions.Session { return c.session }

// Tree is the replica of the current session, nil when not joined.
func (c *Client) Tree() *replica.Tree { return c.tree }

func (c *Client) Quitting() bool { return c.quit }

// Start begins pairing with the configured strategy. The outcome arrives on
// a later Update. After a Run has returned, Start also readies the client for
// the next Run.
func (c *Client) Start(ctx context.Context) error {
	c.ctx = ctx
	c.stopped = false
	if c.loop.Load().finished() {
		c.loop.Store(newRunLoop())
		c.quit = false
	}
	switch c.cfg.Pairing {
	case config.PairingReceive:
		c.strategy = conn.DirectReceiver{
			ListenAddress: c.cfg.ListenAddr,
			OnListening: func(addr string) {
				log.Info().Str("addr", addr).Msg("client.Client pairing receiver listening")
			},
		}
	default:
		c.strategy = conn.DirectConnector{Address: c.cfg.Address}
	}
	return c.beginPairing()
}

func (c *Client) beginPairing() error {
	if err := c.pairing.BeginPairing(c.ctx, c.strategy, c); err != nil {
		c.sink.Line(console.KindError, "Pairing not started: %v", err)
		return err
	}
	c.sink.Line(console.KindInfo, "Pairing (%s)...", c.strategy.Name())
	return nil
}

// Update is one pump pass: pairing results, connection traffic, then request
// deadlines.
func (c *Client) Update() {
	c.pairing.Update()
	if c.conn != nil {
		c.conn.Update()
	}
	if c.tree != nil {
		if err := c.tree.Flush(); err != nil {
			log.Debug().Err(err).Int("unsent", c.tree.Unsent()).Msg("client.Client.Update flush deferred")
		}
	}
	c.registry.Update()
}

func (c *Client) PairingConnectionSucceeded(cn *conn.Connection) {
	c.sink.Line(console.KindSuccess, "Pairing succeeded: %s", cn.RemoteAddr())
	c.ConnectionEstablished(cn)
}

func (c *Client) PairingConnectionFailed(reason string) {
	c.sink.Line(console.KindError, "Pairing failed: %s", reason)
}

// ConnectionEstablished adopts cn as the authority connection. The hello
// exchange starts on the next Update.
func (c *Client) ConnectionEstablished(cn *conn.Connection) {
	if c.conn != nil && c.conn != cn {
		c.dropConnection()
	}
	c.conn = cn
	c.registry.Bind(cn)
	for _, t := range syncTypes {
		cn.AddListener(t, c)
	}
	log.Info().Str("remote", cn.RemoteAddr()).Msg("client.Client connection established")
}

// ConnectionLost forgets the connection and pairs again unless the client
// was cleaned up.
func (c *Client) ConnectionLost() {
	if c.conn == nil {
		return
	}
	c.dropConnection()
	c.sink.Line(console.KindWarn, "Connection lost")
	if c.stopped || c.strategy == nil {
		return
	}
	_ = c.beginPairing()
}

// dropConnection disconnects while the registry is still bound so it sees
// the loss, then detaches everything from the connection.
func (c *Client) dropConnection() {
	cn := c.conn
	c.conn = nil
	for _, t := range syncTypes {
		cn.RemoveListener(t, c)
	}
	if cn.IsConnected() {
		cn.Disconnect()
	}
	c.registry.Unbind()
	c.unbindTree()
	c.session = nil
}

// SubmitCommand hands text to the update loop, blocking until it is taken.
// It returns false once the loop has stopped.
func (c *Client) SubmitCommand(text string) bool {
	return c.loop.Load().submit(text)
}

func (l *runLoop) submit(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return true
	}
	select {
	case l.commands <- text:
		return true
	case <-l.done:
		return false
	}
}

// Run reads commands from input and drives the update loop until quit, ctx
// is done or input ends. A client runs once per Start; a second Run without
// Start returns ErrStopped.
func (c *Client) Run(ctx context.Context, input io.Reader) error {
	l := c.loop.Load()
	if l.finished() {
		return ErrStopped
	}
	go c.readInput(l, input)
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	defer close(l.done)

	for {
		select {
		case text := <-l.commands:
			c.Execute(text)
		default:
		}
		c.Update()
		if c.quit {
			c.Cleanup()
			return nil
		}
		select {
		case <-ctx.Done():
			c.Cleanup()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) readInput(l *runLoop, input io.Reader) {
	sc := bufio.NewScanner(input)
	for {
		if c.promptOut != nil {
			fmt.Fprint(c.promptOut, c.prompt)
		}
		if !sc.Scan() {
			break
		}
		if !l.submit(sc.Text()) {
			return
		}
	}
	if err := sc.Err(); err != nil {
		log.Warn().Err(err).Msg("client.Client.readInput failed")
	}
	l.submit("quit")
}

// Cleanup leaves the current session, stops pairing and closes the
// connection. The client can be started and run again afterwards.
func (c *Client) Cleanup() {
	c.sink.Line(console.KindInfo, "Cleaning up state...")
	c.stopped = true
	c.pairing.CancelPairing()
	if s := c.session; s != nil && s.IsJoined() {
		if err := c.registry.LeaveSession(s, c); err != nil {
			log.Debug().Err(err).Msg("client.Client.Cleanup leave")
		} else {
			c.sink.Line(console.KindInfo, "Left session %s", s.Name())
		}
	}
	c.unbindTree()
	c.session = nil
	if c.conn != nil {
		c.dropConnection()
	}
	log.Info().Msg("client.Client.Cleanup done")
}

// bindTree creates the replica for s and the shared values under its root.
func (c *Client) bindTree(s *sessions.Session) {
	c.unbindTree()
	var opts []replica.Option
	if u := c.registry.CurrentUser(); u != nil {
		opts = append(opts, replica.WithLocalUser(u.ID()))
	}
	c.tree = replica.NewTree(s.ID(), s.RootID(), c.conn, opts...)
	c.objects = replica.NewIndex(func(e replica.Element) (*replica.ObjectElement, bool) {
		o, err := replica.Cast[*replica.ObjectElement](e)
		return o, err == nil
	})
	root := c.tree.Root()
	root.AddListener(c.objects)
	root.AddListener(c)
	iv, err := root.CreateInt(intValueName, 0)
	if err != nil {
		log.Warn().Err(err).Msg("client.Client.bindTree int value")
		return
	}
	c.intValue = iv
}

func (c *Client) unbindTree() {
	if c.tree == nil {
		return
	}
	c.objects.Clear()
	c.tree.Close()
	c.tree = nil
	c.objects = nil
	c.intValue = nil
	c.floatValue = nil
	c.stringValue = nil
}

func (c *Client) OnConnected(*conn.Connection) {}

func (c *Client) OnDisconnected(cn *conn.Connection) {
	if cn == c.conn {
		c.ConnectionLost()
	}
}

func (c *Client) OnMessage(_ *conn.Connection, msg protocol.Message) {
	if msg.Type == schema.MsgPong {
		if err := protocol.Handle(msg, func(b protocol.Pong) {
			c.sink.Line(console.KindEvent, "Pong: %s", b.Text)
		}); err != nil {
			log.Warn().Err(err).Msg("client.Client dropped pong")
		}
		return
	}
	if c.tree == nil {
		log.Debug().Str("type", msg.Name()).Msg("client.Client sync message without a joined session")
		return
	}
	if err := c.tree.Apply(msg); err != nil {
		log.Debug().Err(err).Str("type", msg.Name()).Msg("client.Client.OnMessage apply")
	}
}
