package protocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/danmuck/sharectl/internal/protocol/frame"
	"github.com/danmuck/sharectl/internal/protocol/schema"
	"github.com/danmuck/sharectl/internal/protocol/tlv"
)

// Message is one decoded wire message: frame header identity plus TLV fields.
type Message struct {
	ID     uint64
	Type   uint32
	Flags  uint32
	Fields []tlv.Field
}

// Body is a typed message payload.
type Body interface {
	MessageType() uint32
	appendFields([]tlv.Field) []tlv.Field
}

type bodyPtr[T any] interface {
	*T
	Body
	readFields(*fieldReader)
}

// New builds an unnumbered message from a typed body.
func New(b Body) Message {
	return Message{
		Type:   b.MessageType(),
		Fields: b.appendFields(nil),
	}
}

// Decode narrows msg to the typed body T after schema validation.
func Decode[T any, P bodyPtr[T]](msg Message) (T, error) {
	var out T
	p := P(&out)
	if msg.Type != p.MessageType() {
		return out, fmt.Errorf("%w: got %s want %s", ErrMessageTypeMismatch, schema.Name(msg.Type), schema.Name(p.MessageType()))
	}
	if err := schema.Validate(msg.Type, msg.Fields); err != nil {
		return out, err
	}
	r := &fieldReader{fields: msg.Fields}
	p.readFields(r)
	if r.err != nil {
		return out, fmt.Errorf("protocol: decode %s: %w", schema.Name(msg.Type), r.err)
	}
	return out, nil
}

// Name returns the schema label of the message type.
func (m Message) Name() string {
	return schema.Name(m.Type)
}

func (m Message) HasFlag(flag uint32) bool {
	return m.Flags&flag != 0
}

// ToFrame validates m against the schema and encodes it.
func ToFrame(m Message) (frame.Frame, error) {
	if err := schema.Validate(m.Type, m.Fields); err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{
		Header: frame.Header{
			MessageID:   m.ID,
			MessageType: m.Type,
			Flags:       m.Flags,
		},
		Payload: tlv.EncodeFields(m.Fields),
	}, nil
}

// FromFrame decodes the TLV payload of f. Schema validation is left to Decode so
// unknown types can still be routed and counted.
func FromFrame(f frame.Frame) (Message, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:     f.Header.MessageID,
		Type:   f.Header.MessageType,
		Flags:  f.Header.Flags,
		Fields: fields,
	}, nil
}

// Marshal returns the full wire bytes for m.
func Marshal(m Message, limits frame.Limits) ([]byte, error) {
	f, err := ToFrame(m)
	if err != nil {
		return nil, err
	}
	return frame.Marshal(f, limits)
}

// WriteMessage writes m as a single frame.
func WriteMessage(w io.Writer, m Message, limits frame.Limits) error {
	f, err := ToFrame(m)
	if err != nil {
		return err
	}
	return frame.WriteFrame(w, f, limits)
}

// ReadMessage reads one frame and decodes its fields.
func ReadMessage(r io.Reader, limits frame.Limits) (Message, error) {
	f, err := frame.ReadFrame(r, limits)
	if err != nil {
		return Message{}, err
	}
	return FromFrame(f)
}

// Unmarshal decodes a message from a complete frame buffer, as delivered by
// message-oriented transports.
func Unmarshal(b []byte, limits frame.Limits) (Message, error) {
	return ReadMessage(bytes.NewReader(b), limits)
}

// fieldReader pulls typed values out of a field list, keeping the first error.
type fieldReader struct {
	fields []tlv.Field
	err    error
}

func (r *fieldReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *fieldReader) has(id uint16) bool {
	_, ok := tlv.GetField(r.fields, id)
	return ok
}

func (r *fieldReader) u8(id uint16) uint8 {
	f, ok := tlv.GetField(r.fields, id)
	if !ok {
		return 0
	}
	v, err := f.AsU8()
	r.fail(err)
	return v
}

func (r *fieldReader) u32(id uint16) uint32 {
	f, ok := tlv.GetField(r.fields, id)
	if !ok {
		return 0
	}
	v, err := f.AsU32()
	r.fail(err)
	return v
}

func (r *fieldReader) u64(id uint16) uint64 {
	f, ok := tlv.GetField(r.fields, id)
	if !ok {
		return 0
	}
	v, err := f.AsU64()
	r.fail(err)
	return v
}

func (r *fieldReader) boolean(id uint16) bool {
	f, ok := tlv.GetField(r.fields, id)
	if !ok {
		return false
	}
	v, err := f.AsBool()
	r.fail(err)
	return v
}

func (r *fieldReader) str(id uint16) string {
	f, ok := tlv.GetField(r.fields, id)
	if !ok {
		return ""
	}
	v, err := f.AsString()
	r.fail(err)
	return v
}

func (r *fieldReader) nested(id uint16) []*fieldReader {
	raw := tlv.GetFields(r.fields, id)
	out := make([]*fieldReader, 0, len(raw))
	for _, f := range raw {
		if err := tlv.MustType(f, tlv.TypeBytes); err != nil {
			r.fail(err)
			return nil
		}
		inner, err := tlv.DecodeFields(f.Value)
		if err != nil {
			r.fail(err)
			return nil
		}
		out = append(out, &fieldReader{fields: inner})
	}
	return out
}

// absorb lifts a nested reader's error into r.
func (r *fieldReader) absorb(inner *fieldReader) {
	if inner.err != nil {
		r.fail(inner.err)
	}
}

// Handle decodes msg as T and passes the body to fn.
func Handle[T any, P bodyPtr[T]](msg Message, fn func(T)) error {
	b, err := Decode[T, P](msg)
	if err != nil {
		return err
	}
	fn(b)
	return nil
}

// HandleErr is Handle for handlers that can fail.
func HandleErr[T any, P bodyPtr[T]](msg Message, fn func(T) error) error {
	b, err := Decode[T, P](msg)
	if err != nil {
		return err
	}
	return fn(b)
}
