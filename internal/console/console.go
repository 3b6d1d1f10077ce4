// Package console prints the human-readable status lines of the client.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
)

// Kind selects the color of a line.
type Kind int

const (
	KindInfo Kind = iota
	KindSuccess
	KindWarn
	KindError
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindWarn:
		return "warn"
	case KindError:
		return "error"
	case KindEvent:
		return "event"
	default:
		return "info"
	}
}

// Sink writes one line per call.
type Sink struct {
	mu     sync.Mutex
	out    io.Writer
	colors map[Kind]*color.Color
}

func New(out io.Writer, noColor bool) *Sink {
	colors := map[Kind]*color.Color{
		KindInfo:    color.New(color.FgWhite),
		KindSuccess: color.New(color.FgGreen),
		KindWarn:    color.New(color.FgYellow),
		KindError:   color.New(color.FgRed, color.Bold),
		KindEvent:   color.New(color.FgCyan),
	}
	for _, c := range colors {
		if noColor {
			c.DisableColor()
		} else {
			c.EnableColor()
		}
	}
	return &Sink{out: out, colors: colors}
}

// Line formats and writes a single line; embedded newlines are flattened.
func (s *Sink) Line(kind Kind, format string, args ...any) {
	text := strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", " ")
	c, ok := s.colors[kind]
	if !ok {
		c = s.colors[KindInfo]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintln(s.out, c.Sprint(text)); err != nil {
		log.Warn().Err(err).Msg("console.Sink.Line write failed")
	}
	log.Trace().Str("kind", kind.String()).Str("line", text).Msg("console.Sink.Line")
}
