package protocol

import (
	"fmt"
	"strconv"

	"github.com/danmuck/sharectl/internal/protocol/schema"
	"github.com/danmuck/sharectl/internal/protocol/tlv"
)

// ElementKind tags the type of a replicated element.
type ElementKind uint8

const (
	KindInt    ElementKind = 1
	KindFloat  ElementKind = 2
	KindString ElementKind = 3
	KindObject ElementKind = 4
)

func (k ElementKind) Valid() bool {
	return k >= KindInt && k <= KindObject
}

func (k ElementKind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// SessionType distinguishes sessions that outlive their members from those
// that close with the last leave.
type SessionType uint8

const (
	SessionPersistent SessionType = 1
	SessionAdHoc      SessionType = 2
)

func (t SessionType) Valid() bool {
	return t == SessionPersistent || t == SessionAdHoc
}

func (t SessionType) String() string {
	switch t {
	case SessionPersistent:
		return "persistent"
	case SessionAdHoc:
		return "adhoc"
	default:
		return "type(" + strconv.Itoa(int(t)) + ")"
	}
}

// Value is a scalar element value. Object elements carry no value.
type Value struct {
	Kind   ElementKind
	Int    int64
	Float  float64
	String string
}

func IntValue(v int64) Value        { return Value{Kind: KindInt, Int: v} }
func FloatValue(v float64) Value    { return Value{Kind: KindFloat, Float: v} }
func StringValue(v string) Value    { return Value{Kind: KindString, String: v} }
func ObjectValue() Value            { return Value{Kind: KindObject} }
func ZeroValue(k ElementKind) Value { return Value{Kind: k} }

func (v Value) Format() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.String)
	default:
		return "{}"
	}
}

func appendValue(fields []tlv.Field, v Value) []tlv.Field {
	switch v.Kind {
	case KindInt:
		return append(fields, tlv.I64(schema.FieldValue, v.Int))
	case KindFloat:
		return append(fields, tlv.F64(schema.FieldValue, v.Float))
	case KindString:
		return append(fields, tlv.String(schema.FieldValue, v.String))
	default:
		return fields
	}
}

func (r *fieldReader) value(kind ElementKind) Value {
	if !kind.Valid() {
		r.fail(fmt.Errorf("%w: %d", ErrInvalidElementKind, kind))
		return Value{}
	}
	out := Value{Kind: kind}
	if kind == KindObject {
		return out
	}
	f, ok := tlv.GetField(r.fields, schema.FieldValue)
	if !ok {
		r.fail(fmt.Errorf("%w: missing %s value", ErrInvalidValue, kind))
		return out
	}
	var err error
	switch kind {
	case KindInt:
		out.Int, err = f.AsI64()
	case KindFloat:
		out.Float, err = f.AsF64()
	case KindString:
		out.String, err = f.AsString()
	}
	if err != nil {
		r.fail(fmt.Errorf("%w: %s: %v", ErrInvalidValue, kind, err))
	}
	return out
}
