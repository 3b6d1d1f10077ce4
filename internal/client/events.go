package client

import (
	"github.com/danmuck/sharectl/internal/console"
	"github.com/danmuck/sharectl/internal/replica"
	"github.com/danmuck/sharectl/internal/sessions"
	"github.com/rs/zerolog/log"
)

// Registry events.

func (c *Client) OnCreateSucceeded(s *sessions.Session) {
	c.sink.Line(console.KindSuccess, "Session %s created", s.Name())
}

func (c *Client) OnCreateFailed(err error) {
	c.sink.Line(console.KindError, "Create failed: %v", err)
}

func (c *Client) OnSessionAdded(s *sessions.Session) {
	c.sink.Line(console.KindEvent, "Session added: %s (%s)", s.Name(), s.Type())
}

func (c *Client) OnSessionClosed(s *sessions.Session) {
	c.sink.Line(console.KindEvent, "Session closed: %s", s.Name())
	c.release(s)
}

func (c *Client) OnUserJoinedSession(s *sessions.Session, u *sessions.User) {
	c.sink.Line(console.KindEvent, "%s joined %s", u.Name(), s.Name())
}

func (c *Client) OnUserLeftSession(s *sessions.Session, u *sessions.User) {
	c.sink.Line(console.KindEvent, "%s left %s", u.Name(), s.Name())
}

func (c *Client) OnServerConnected() {
	c.sink.Line(console.KindSuccess, "Connected to authority")
}

func (c *Client) OnServerDisconnected() {
	c.sink.Line(console.KindWarn, "Disconnected from authority")
}

// Session events.

func (c *Client) OnJoinSucceeded(s *sessions.Session) {
	c.session = s
	c.bindTree(s)
	c.sink.Line(console.KindSuccess, "Joined session %s", s.Name())
}

func (c *Client) OnJoinFailed(s *sessions.Session, err error) {
	c.release(s)
	c.sink.Line(console.KindError, "Join failed: %v", err)
}

func (c *Client) OnSessionDisconnected(s *sessions.Session) {
	if c.release(s) {
		c.sink.Line(console.KindWarn, "No longer in session %s", s.Name())
	}
}

// release drops s as the current session and reports whether it was.
func (c *Client) release(s *sessions.Session) bool {
	if c.session != s {
		return false
	}
	c.unbindTree()
	c.session = nil
	return true
}

// Root object events. Changes are matched against the values this client
// tracks; anything else is only logged.

func (c *Client) OnIntElementChanged(id uint64, v int64) {
	if c.intValue != nil && c.intValue.ID() == id {
		c.sink.Line(console.KindEvent, "Int Value changed: %d", v)
		return
	}
	log.Debug().Uint64("element_id", id).Int64("value", v).Msg("client.Client untracked int change")
}

func (c *Client) OnFloatElementChanged(id uint64, v float64) {
	if c.floatValue != nil && c.floatValue.ID() == id {
		c.sink.Line(console.KindEvent, "Float Value changed: %g", v)
		return
	}
	log.Debug().Uint64("element_id", id).Float64("value", v).Msg("client.Client untracked float change")
}

func (c *Client) OnStringElementChanged(id uint64, v string) {
	if c.stringValue != nil && c.stringValue.ID() == id {
		c.sink.Line(console.KindEvent, "String Value changed: %q", v)
		return
	}
	log.Debug().Uint64("element_id", id).Str("value", v).Msg("client.Client untracked string change")
}

func (c *Client) OnElementAdded(e replica.Element) {
	c.sink.Line(console.KindEvent, "Element added: %s (%s)", e.Name(), e.Kind())
}

func (c *Client) OnElementDeleted(e replica.Element) {
	c.sink.Line(console.KindEvent, "Element deleted: %s", e.Name())
	switch e {
	case replica.Element(c.intValue):
		c.intValue = nil
	case replica.Element(c.floatValue):
		c.floatValue = nil
	case replica.Element(c.stringValue):
		c.stringValue = nil
	}
}
