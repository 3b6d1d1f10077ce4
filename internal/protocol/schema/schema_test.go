package schema

import (
	"errors"
	"testing"

	"github.com/danmuck/sharectl/internal/protocol/tlv"
	"github.com/danmuck/sharectl/internal/testutil/testlog"
)

func TestValidateCreateSessionRequiredFields(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldRequestID, "req-1"),
		tlv.String(FieldSessionName, "Foo"),
		tlv.U8(FieldSessionType, 1),
	}
	if err := Validate(MsgCreateSession, fields); err != nil {
		t.Fatalf("validate create: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U32(FieldSessionID, 7),
		{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}},
	}
	if err := Validate(MsgLeaveSession, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{tlv.U32(FieldSessionID, 1)}
	err := Validate(MsgUserJoined, fields)
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldUserID || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U32(FieldSessionID, 1),
		tlv.U64(FieldElementID, 2),
		tlv.U8(FieldElementType, 1),
		tlv.U32(FieldSeq, 3),
	}
	err := Validate(MsgSyncModify, fields)
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldSeq || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	err := Validate(4242, nil)
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Reason != "unknown message_type" {
		t.Fatalf("unexpected error: %v", err)
	}
	if Known(4242) || !Known(MsgPing) {
		t.Fatalf("Known reports wrong catalog membership")
	}
}
