package schema

import (
	"fmt"

	"github.com/danmuck/sharectl/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs from the wire contract.
const (
	MsgHello        uint32 = 1
	MsgHelloAck     uint32 = 2
	MsgListSessions uint32 = 3
	MsgSessionList  uint32 = 4

	MsgCreateSession      uint32 = 10
	MsgCreateSessionReply uint32 = 11
	MsgSessionAdded       uint32 = 12
	MsgSessionClosed      uint32 = 13
	MsgJoinSession        uint32 = 14
	MsgJoinSessionReply   uint32 = 15
	MsgLeaveSession       uint32 = 16
	MsgUserJoined         uint32 = 17
	MsgUserLeft           uint32 = 18

	MsgPing uint32 = 20
	MsgPong uint32 = 21

	MsgSyncCreate   uint32 = 30
	MsgSyncCreated  uint32 = 31
	MsgSyncModify   uint32 = 32
	MsgSyncModified uint32 = 33
	MsgSyncDelete   uint32 = 34
	MsgSyncDeleted  uint32 = 35

	MsgError uint32 = 99
)

// Field IDs from the wire contract.
const (
	FieldRequestID uint16 = 1
	FieldOK        uint16 = 2
	FieldReason    uint16 = 3

	FieldUserID   uint16 = 100
	FieldUserName uint16 = 101
	FieldUser     uint16 = 102

	FieldSessionID   uint16 = 200
	FieldSessionName uint16 = 201
	FieldSessionType uint16 = 202
	FieldSession     uint16 = 203

	FieldText uint16 = 300

	FieldElementID   uint16 = 400
	FieldParentID    uint16 = 401
	FieldElementType uint16 = 402
	FieldElementName uint16 = 403
	FieldRootID      uint16 = 404
	FieldOriginUser  uint16 = 405
	FieldSeq         uint16 = 406
	FieldExisted     uint16 = 407

	FieldValue uint16 = 500
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgHello:        {{FieldUserName, tlv.TypeString}},
	MsgHelloAck:     {{FieldUserID, tlv.TypeU32}},
	MsgListSessions: {},
	MsgSessionList:  {},
	MsgCreateSession: {
		{FieldRequestID, tlv.TypeString},
		{FieldSessionName, tlv.TypeString},
		{FieldSessionType, tlv.TypeU8},
	},
	MsgCreateSessionReply: {
		{FieldRequestID, tlv.TypeString},
		{FieldOK, tlv.TypeBool},
	},
	MsgSessionAdded:  {{FieldSession, tlv.TypeBytes}},
	MsgSessionClosed: {{FieldSessionID, tlv.TypeU32}},
	MsgJoinSession:   {{FieldSessionID, tlv.TypeU32}},
	MsgJoinSessionReply: {
		{FieldSessionID, tlv.TypeU32},
		{FieldOK, tlv.TypeBool},
	},
	MsgLeaveSession: {{FieldSessionID, tlv.TypeU32}},
	MsgUserJoined: {
		{FieldSessionID, tlv.TypeU32},
		{FieldUserID, tlv.TypeU32},
		{FieldUserName, tlv.TypeString},
	},
	MsgUserLeft: {
		{FieldSessionID, tlv.TypeU32},
		{FieldUserID, tlv.TypeU32},
	},
	MsgPing: {
		{FieldSessionID, tlv.TypeU32},
		{FieldText, tlv.TypeString},
	},
	MsgPong: {
		{FieldSessionID, tlv.TypeU32},
		{FieldText, tlv.TypeString},
	},
	MsgSyncCreate: {
		{FieldSessionID, tlv.TypeU32},
		{FieldRequestID, tlv.TypeString},
		{FieldParentID, tlv.TypeU64},
		{FieldElementType, tlv.TypeU8},
		{FieldElementName, tlv.TypeString},
	},
	MsgSyncCreated: {
		{FieldSessionID, tlv.TypeU32},
		{FieldElementID, tlv.TypeU64},
		{FieldParentID, tlv.TypeU64},
		{FieldElementType, tlv.TypeU8},
		{FieldElementName, tlv.TypeString},
	},
	MsgSyncModify: {
		{FieldSessionID, tlv.TypeU32},
		{FieldElementID, tlv.TypeU64},
		{FieldElementType, tlv.TypeU8},
		{FieldSeq, tlv.TypeU64},
	},
	MsgSyncModified: {
		{FieldSessionID, tlv.TypeU32},
		{FieldElementID, tlv.TypeU64},
		{FieldElementType, tlv.TypeU8},
		{FieldOriginUser, tlv.TypeU32},
		{FieldSeq, tlv.TypeU64},
	},
	MsgSyncDelete: {
		{FieldSessionID, tlv.TypeU32},
		{FieldElementID, tlv.TypeU64},
	},
	MsgSyncDeleted: {
		{FieldSessionID, tlv.TypeU32},
		{FieldElementID, tlv.TypeU64},
	},
	MsgError: {{FieldReason, tlv.TypeString}},
}

// Known reports whether messageType is part of the wire contract.
func Known(messageType uint32) bool {
	_, ok := requirements[messageType]
	return ok
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	log.Trace().Uint32("message_type", messageType).Int("fields", len(fields)).Msg("schema.Validate ok")
	return nil
}

// Name returns a short label for logs and metrics.
func Name(messageType uint32) string {
	switch messageType {
	case MsgHello:
		return "hello"
	case MsgHelloAck:
		return "hello.ack"
	case MsgListSessions:
		return "sessions.list"
	case MsgSessionList:
		return "sessions.list.reply"
	case MsgCreateSession:
		return "session.create"
	case MsgCreateSessionReply:
		return "session.create.reply"
	case MsgSessionAdded:
		return "session.added"
	case MsgSessionClosed:
		return "session.closed"
	case MsgJoinSession:
		return "session.join"
	case MsgJoinSessionReply:
		return "session.join.reply"
	case MsgLeaveSession:
		return "session.leave"
	case MsgUserJoined:
		return "user.joined"
	case MsgUserLeft:
		return "user.left"
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	case MsgSyncCreate:
		return "sync.create"
	case MsgSyncCreated:
		return "sync.created"
	case MsgSyncModify:
		return "sync.modify"
	case MsgSyncModified:
		return "sync.modified"
	case MsgSyncDelete:
		return "sync.delete"
	case MsgSyncDeleted:
		return "sync.deleted"
	case MsgError:
		return "error"
	default:
		return fmt.Sprintf("unknown.%d", messageType)
	}
}
