package client

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/sharectl/internal/config"
	"github.com/danmuck/sharectl/internal/console"
	"github.com/danmuck/sharectl/internal/protocol"
	"github.com/danmuck/sharectl/internal/replica"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoSession      = errors.New("client: no current session")
	ErrUnknownCommand = errors.New("client: unknown command")
	ErrMissingValue   = errors.New("client: missing value")
	ErrStopped        = errors.New("client: run loop stopped, Start it again")
)

type command struct {
	name  string
	usage string
	run   func(c *Client, arg string) error
}

// commandTable is matched in order by case-insensitive prefix of the input.
// It is filled in init because help lists it.
var commandTable []command

func init() {
	commandTable = []command{
		{"create", "create [name]", (*Client).cmdCreate},
		{"join", "join [name]", (*Client).cmdJoin},
		{"leave", "leave", (*Client).cmdLeave},
		{"ping", "ping [text]", (*Client).cmdPing},
		{"cleanup", "cleanup", (*Client).cmdCleanup},
		{"setint", "setint <int>", (*Client).cmdSetInt},
		{"showint", "showint", (*Client).cmdShowInt},
		{"setfloat", "setfloat <float>", (*Client).cmdSetFloat},
		{"setstr", "setstr <text>", (*Client).cmdSetString},
		{"list", "list", (*Client).cmdList},
		{"tree", "tree", (*Client).cmdTree},
		{"help", "help", (*Client).cmdHelp},
		{"quit", "quit", (*Client).cmdQuit},
	}
}

// Execute applies one command line. Failures are reported to the sink and
// returned.
func (c *Client) Execute(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	lower := strings.ToLower(text)
	arg := ""
	if fields := strings.Fields(text); len(fields) > 1 {
		arg = strings.Join(fields[1:], " ")
	}
	for _, cmd := range commandTable {
		if !strings.HasPrefix(lower, cmd.name) {
			continue
		}
		log.Debug().Str("command", cmd.name).Str("arg", arg).Msg("client.Client.Execute")
		err := cmd.run(c, arg)
		if err != nil {
			c.sink.Line(console.KindError, "%s: %v", cmd.name, err)
		}
		return err
	}
	c.sink.Line(console.KindError, "Command %q not recognized", text)
	return fmt.Errorf("%w: %q", ErrUnknownCommand, text)
}

func (c *Client) cmdCreate(name string) error {
	if name == "" {
		name = config.DefaultSessionName
	}
	c.sink.Line(console.KindInfo, "Creating session %s...", name)
	prev := c.session
	if err := c.registry.CreateSession(name); err != nil {
		return err
	}
	if prev != nil && c.release(prev) {
		c.sink.Line(console.KindInfo, "Left session %s", prev.Name())
	}
	return nil
}

func (c *Client) cmdJoin(name string) error {
	if name == "" {
		name = c.cfg.SessionName
	}
	if name == "" {
		name = config.DefaultSessionName
	}
	prev := c.session
	s, err := c.registry.JoinSession(name, c)
	if err != nil {
		return err
	}
	if prev != nil && prev != s {
		c.release(prev)
		c.sink.Line(console.KindInfo, "Left session %s", prev.Name())
	}
	if s.IsJoined() {
		c.sink.Line(console.KindInfo, "Already in session %s", s.Name())
		return nil
	}
	c.sink.Line(console.KindInfo, "Join request sent for %s", s.Name())
	return nil
}

func (c *Client) cmdLeave(string) error {
	s := c.session
	if s == nil {
		return ErrNoSession
	}
	if err := c.registry.LeaveSession(s, c); err != nil {
		return err
	}
	c.unbindTree()
	c.session = nil
	c.sink.Line(console.KindSuccess, "Left session %s", s.Name())
	return nil
}

func (c *Client) cmdPing(text string) error {
	if c.session == nil || c.conn == nil {
		return ErrNoSession
	}
	if text == "" {
		text = c.cfg.PingText
	}
	if text == "" {
		text = config.DefaultPingText
	}
	return c.conn.SendBody(protocol.Ping{SessionID: c.session.ID(), Text: text})
}

func (c *Client) cmdCleanup(string) error {
	c.Cleanup()
	return nil
}

func (c *Client) cmdSetInt(arg string) error {
	if c.tree == nil {
		return ErrNoSession
	}
	if arg == "" {
		return fmt.Errorf("%w: setint <int>", ErrMissingValue)
	}
	v, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return err
	}
	if c.intValue != nil {
		return c.intValue.Set(v)
	}
	c.intValue, err = lookupOrCreate(c.tree.Root(), intValueName, v, (*replica.ObjectElement).CreateInt)
	return err
}

func (c *Client) cmdShowInt(string) error {
	if c.intValue == nil {
		return ErrNoSession
	}
	c.sink.Line(console.KindInfo, "Int Value: %d", c.intValue.Value())
	return nil
}

func (c *Client) cmdSetFloat(arg string) error {
	if c.tree == nil {
		return ErrNoSession
	}
	if arg == "" {
		return fmt.Errorf("%w: setfloat <float>", ErrMissingValue)
	}
	v, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return err
	}
	if c.floatValue != nil {
		return c.floatValue.Set(v)
	}
	c.floatValue, err = lookupOrCreate(c.tree.Root(), floatValueName, v, (*replica.ObjectElement).CreateFloat)
	return err
}

func (c *Client) cmdSetString(arg string) error {
	if c.tree == nil {
		return ErrNoSession
	}
	if c.stringValue != nil {
		return c.stringValue.Set(arg)
	}
	var err error
	c.stringValue, err = lookupOrCreate(c.tree.Root(), stringValueName, arg, (*replica.ObjectElement).CreateString)
	return err
}

type settable[V any] interface {
	replica.Element
	Set(V) error
}

// lookupOrCreate writes v to the child called name, creating the child with
// v as its initial value when it does not exist yet.
func lookupOrCreate[V any, T settable[V]](root *replica.ObjectElement, name string, v V, create func(*replica.ObjectElement, string, V) (T, error)) (T, error) {
	if e := root.Child(name); e != nil {
		out, err := replica.Cast[T](e)
		if err != nil {
			return out, err
		}
		return out, out.Set(v)
	}
	return create(root, name, v)
}

func (c *Client) cmdList(string) error {
	if c.registry.Len() == 0 {
		c.sink.Line(console.KindInfo, "No sessions")
		return nil
	}
	for s := range c.registry.Sessions() {
		marker := ""
		if s == c.session {
			marker = " *"
		}
		c.sink.Line(console.KindInfo, "%s (%s, %d users)%s", s.Name(), s.Type(), s.UserCount(), marker)
	}
	return nil
}

func (c *Client) cmdTree(string) error {
	if c.tree == nil {
		return ErrNoSession
	}
	c.sink.Line(console.KindInfo, "%s (root %d, %d elements)", c.session.Name(), c.tree.Root().ID(), c.tree.Len())
	c.tree.Walk(func(depth int, e replica.Element) {
		if depth == 0 {
			return
		}
		c.sink.Line(console.KindInfo, "%s%s", strings.Repeat("  ", depth-1), describe(e))
	})
	return nil
}

func describe(e replica.Element) string {
	id := "pending"
	if e.Synced() {
		id = strconv.FormatUint(e.ID(), 10)
	}
	switch x := e.(type) {
	case *replica.IntElement:
		return fmt.Sprintf("%s [%s] int = %d", x.Name(), id, x.Value())
	case *replica.FloatElement:
		return fmt.Sprintf("%s [%s] float = %g", x.Name(), id, x.Value())
	case *replica.StringElement:
		return fmt.Sprintf("%s [%s] string = %q", x.Name(), id, x.Value())
	default:
		return fmt.Sprintf("%s [%s] object", e.Name(), id)
	}
}

func (c *Client) cmdHelp(string) error {
	for _, cmd := range commandTable {
		c.sink.Line(console.KindInfo, "  %s", cmd.usage)
	}
	return nil
}

func (c *Client) cmdQuit(string) error {
	c.quit = true
	return nil
}
