package protocol

import (
	"fmt"

	"github.com/danmuck/sharectl/internal/protocol/schema"
	"github.com/danmuck/sharectl/internal/protocol/tlv"
)

// UserDescriptor identifies one session member.
type UserDescriptor struct {
	ID   uint32
	Name string
}

// SessionDescriptor is the authority view of one session.
type SessionDescriptor struct {
	ID    uint32
	Name  string
	Type  SessionType
	Users []UserDescriptor
}

func (d SessionDescriptor) field() tlv.Field {
	inner := []tlv.Field{
		tlv.U32(schema.FieldSessionID, d.ID),
		tlv.String(schema.FieldSessionName, d.Name),
		tlv.U8(schema.FieldSessionType, uint8(d.Type)),
	}
	for _, u := range d.Users {
		inner = append(inner, tlv.Bytes(schema.FieldUser, tlv.EncodeFields([]tlv.Field{
			tlv.U32(schema.FieldUserID, u.ID),
			tlv.String(schema.FieldUserName, u.Name),
		})))
	}
	return tlv.Bytes(schema.FieldSession, tlv.EncodeFields(inner))
}

func readSessionDescriptor(r *fieldReader) SessionDescriptor {
	d := SessionDescriptor{
		ID:   r.u32(schema.FieldSessionID),
		Name: r.str(schema.FieldSessionName),
		Type: SessionType(r.u8(schema.FieldSessionType)),
	}
	if r.err == nil && !d.Type.Valid() {
		r.fail(fmt.Errorf("%w: %d", ErrInvalidSessionType, d.Type))
	}
	for _, ur := range r.nested(schema.FieldUser) {
		d.Users = append(d.Users, UserDescriptor{
			ID:   ur.u32(schema.FieldUserID),
			Name: ur.str(schema.FieldUserName),
		})
		r.absorb(ur)
	}
	return d
}

func (r *fieldReader) sessions() []SessionDescriptor {
	var out []SessionDescriptor
	for _, sr := range r.nested(schema.FieldSession) {
		out = append(out, readSessionDescriptor(sr))
		r.absorb(sr)
	}
	return out
}

func (r *fieldReader) session() SessionDescriptor {
	all := r.sessions()
	if len(all) == 0 {
		return SessionDescriptor{}
	}
	return all[0]
}

// Hello announces the local user name right after connecting.
type Hello struct {
	UserName string
}

func (Hello) MessageType() uint32 { return schema.MsgHello }
func (b Hello) appendFields(f []tlv.Field) []tlv.Field {
	return append(f, tlv.String(schema.FieldUserName, b.UserName))
}
func (b *Hello) readFields(r *fieldReader) {
	b.UserName = r.str(schema.FieldUserName)
}

// HelloAck returns the authority-assigned user id.
type HelloAck struct {
	UserID uint32
}

func (HelloAck) MessageType() uint32 { return schema.MsgHelloAck }
func (b HelloAck) appendFields(f []tlv.Field) []tlv.Field {
	return append(f, tlv.U32(schema.FieldUserID, b.UserID))
}
func (b *HelloAck) readFields(r *fieldReader) {
	b.UserID = r.u32(schema.FieldUserID)
}

type ListSessions struct{}

func (ListSessions) MessageType() uint32                    { return schema.MsgListSessions }
func (ListSessions) appendFields(f []tlv.Field) []tlv.Field { return f }
func (*ListSessions) readFields(*fieldReader)               {}

type SessionList struct {
	Sessions []SessionDescriptor
}

func (SessionList) MessageType() uint32 { return schema.MsgSessionList }
func (b SessionList) appendFields(f []tlv.Field) []tlv.Field {
	for _, d := range b.Sessions {
		f = append(f, d.field())
	}
	return f
}
func (b *SessionList) readFields(r *fieldReader) {
	b.Sessions = r.sessions()
}

type CreateSession struct {
	RequestID string
	Name      string
	Type      SessionType
}

func (CreateSession) MessageType() uint32 { return schema.MsgCreateSession }
func (b CreateSession) appendFields(f []tlv.Field) []tlv.Field {
	return append(f,
		tlv.String(schema.FieldRequestID, b.RequestID),
		tlv.String(schema.FieldSessionName, b.Name),
		tlv.U8(schema.FieldSessionType, uint8(b.Type)),
	)
}
func (b *CreateSession) readFields(r *fieldReader) {
	b.RequestID = r.str(schema.FieldRequestID)
	b.Name = r.str(schema.FieldSessionName)
	b.Type = SessionType(r.u8(schema.FieldSessionType))
	if r.err == nil && !b.Type.Valid() {
		r.fail(fmt.Errorf("%w: %d", ErrInvalidSessionType, b.Type))
	}
}

// CreateSessionReply carries the session on success and a reason on failure.
type CreateSessionReply struct {
	RequestID string
	OK        bool
	Reason    string
	Session   SessionDescriptor
}

func (CreateSessionReply) MessageType() uint32 { return schema.MsgCreateSessionReply }
func (b CreateSessionReply) appendFields(f []tlv.Field) []tlv.Field {
	f = append(f,
		tlv.String(schema.FieldRequestID, b.RequestID),
		tlv.Bool(schema.FieldOK, b.OK),
	)
	if b.OK {
		return append(f, b.Session.field())
	}
	return append(f, tlv.String(schema.FieldReason, b.Reason))
}
func (b *CreateSessionReply) readFields(r *fieldReader) {
	b.RequestID = r.str(schema.FieldRequestID)
	b.OK = r.boolean(schema.FieldOK)
	b.Reason = r.str(schema.FieldReason)
	if b.OK {
		if !r.has(schema.FieldSession) {
			r.fail(fmt.Errorf("protocol: create reply missing session"))
			return
		}
		b.Session = r.session()
	}
}

type SessionAdded struct {
	Session SessionDescriptor
}

func (SessionAdded) MessageType() uint32 { return schema.MsgSessionAdded }
func (b SessionAdded) appendFields(f []tlv.Field) []tlv.Field {
	return append(f, b.Session.field())
}
func (b *SessionAdded) readFields(r *fieldReader) {
	b.Session = r.session()
}

type SessionClosed struct {
	SessionID uint32
}

func (SessionClosed) MessageType() uint32 { return schema.MsgSessionClosed }
func (b SessionClosed) appendFields(f []tlv.Field) []tlv.Field {
	return append(f, tlv.U32(schema.FieldSessionID, b.SessionID))
}
func (b *SessionClosed) readFields(r *fieldReader) {
	b.SessionID = r.u32(schema.FieldSessionID)
}

type JoinSession struct {
	SessionID uint32
}

func (JoinSession) MessageType() uint32 { return schema.MsgJoinSession }
func (b JoinSession) appendFields(f []tlv.Field) []tlv.Field {
	return append(f, tlv.U32(schema.FieldSessionID, b.SessionID))
}
func (b *JoinSession) readFields(r *fieldReader) {
	b.SessionID = r.u32(schema.FieldSessionID)
}

// JoinSessionReply carries the root element id on success.
type JoinSessionReply struct {
	SessionID uint32
	OK        bool
	RootID    uint64
	Reason    string
}

func (JoinSessionReply) MessageType() uint32 { return schema.MsgJoinSessionReply }
func (b JoinSessionReply) appendFields(f []tlv.Field) []tlv.Field {
	f = append(f,
		tlv.U32(schema.FieldSessionID, b.SessionID),
		tlv.Bool(schema.FieldOK, b.OK),
	)
	if b.OK {
		return append(f, tlv.U64(schema.FieldRootID, b.RootID))
	}
	return append(f, tlv.String(schema.FieldReason, b.Reason))
}
func (b *JoinSessionReply) readFields(r *fieldReader) {
	b.SessionID = r.u32(schema.FieldSessionID)
	b.OK = r.boolean(schema.FieldOK)
	b.RootID = r.u64(schema.FieldRootID)
	b.Reason = r.str(schema.FieldReason)
	if b.OK && b.RootID == 0 {
		r.fail(fmt.Errorf("protocol: join reply missing root id"))
	}
}

type LeaveSession struct {
	SessionID uint32
}

func (LeaveSession) MessageType() uint32 { return schema.MsgLeaveSession }
func (b LeaveSession) appendFields(f []tlv.Field) []tlv.Field {
	return append(f, tlv.U32(schema.FieldSessionID, b.SessionID))
}
func (b *LeaveSession) readFields(r *fieldReader) {
	b.SessionID = r.u32(schema.FieldSessionID)
}

type UserJoined struct {
	SessionID uint32
	User      UserDescriptor
}

func (UserJoined) MessageType() uint32 { return schema.MsgUserJoined }
func (b UserJoined) appendFields(f []tlv.Field) []tlv.Field {
	return append(f,
		tlv.U32(schema.FieldSessionID, b.SessionID),
		tlv.U32(schema.FieldUserID, b.User.ID),
		tlv.String(schema.FieldUserName, b.User.Name),
	)
}
func (b *UserJoined) readFields(r *fieldReader) {
	b.SessionID = r.u32(schema.FieldSessionID)
	b.User.ID = r.u32(schema.FieldUserID)
	b.User.Name = r.str(schema.FieldUserName)
}

type UserLeft struct {
	SessionID uint32
	UserID    uint32
}

func (UserLeft) MessageType() uint32 { return schema.MsgUserLeft }
func (b UserLeft) appendFields(f []tlv.Field) []tlv.Field {
	return append(f,
		tlv.U32(schema.FieldSessionID, b.SessionID),
		tlv.U32(schema.FieldUserID, b.UserID),
	)
}
func (b *UserLeft) readFields(r *fieldReader) {
	b.SessionID = r.u32(schema.FieldSessionID)
	b.UserID = r.u32(schema.FieldUserID)
}

type Ping struct {
	SessionID uint32
	Text      string
}

func (Ping) MessageType() uint32 { return schema.MsgPing }
func (b Ping) appendFields(f []tlv.Field) []tlv.Field {
	return append(f,
		tlv.U32(schema.FieldSessionID, b.SessionID),
		tlv.String(schema.FieldText, b.Text),
	)
}
func (b *Ping) readFields(r *fieldReader) {
	b.SessionID = r.u32(schema.FieldSessionID)
	b.Text = r.str(schema.FieldText)
}

type Pong struct {
	SessionID uint32
	Text      string
}

func (Pong) MessageType() uint32 { return schema.MsgPong }
func (b Pong) appendFields(f []tlv.Field) []tlv.Field {
	return append(f,
		tlv.U32(schema.FieldSessionID, b.SessionID),
		tlv.String(schema.FieldText, b.Text),
	)
}
func (b *Pong) readFields(r *fieldReader) {
	b.SessionID = r.u32(schema.FieldSessionID)
	b.Text = r.str(schema.FieldText)
}

// SyncCreate asks the authority to create a child element. RequestID is the
// provisional key the reply is matched on.
type SyncCreate struct {
	SessionID uint32
	RequestID string
	ParentID  uint64
	Name      string
	Value     Value
}

func (SyncCreate) MessageType() uint32 { return schema.MsgSyncCreate }
func (b SyncCreate) appendFields(f []tlv.Field) []tlv.Field {
	f = append(f,
		tlv.U32(schema.FieldSessionID, b.SessionID),
		tlv.String(schema.FieldRequestID, b.RequestID),
		tlv.U64(schema.FieldParentID, b.ParentID),
		tlv.U8(schema.FieldElementType, uint8(b.Value.Kind)),
		tlv.String(schema.FieldElementName, b.Name),
	)
	return appendValue(f, b.Value)
}
func (b *SyncCreate) readFields(r *fieldReader) {
	b.SessionID = r.u32(schema.FieldSessionID)
	b.RequestID = r.str(schema.FieldRequestID)
	b.ParentID = r.u64(schema.FieldParentID)
	b.Name = r.str(schema.FieldElementName)
	b.Value = r.value(ElementKind(r.u8(schema.FieldElementType)))
}

// SyncCreated announces an element. Existed is set when the create named an
// element that was already present; Value then holds the current value.
type SyncCreated struct {
	SessionID  uint32
	RequestID  string
	ElementID  uint64
	ParentID   uint64
	Name       string
	Value      Value
	OriginUser uint32
	Existed    bool
}

func (SyncCreated) MessageType() uint32 { return schema.MsgSyncCreated }
func (b SyncCreated) appendFields(f []tlv.Field) []tlv.Field {
	f = append(f,
		tlv.U32(schema.FieldSessionID, b.SessionID),
		tlv.U64(schema.FieldElementID, b.ElementID),
		tlv.U64(schema.FieldParentID, b.ParentID),
		tlv.U8(schema.FieldElementType, uint8(b.Value.Kind)),
		tlv.String(schema.FieldElementName, b.Name),
		tlv.U32(schema.FieldOriginUser, b.OriginUser),
	)
	if b.RequestID != "" {
		f = append(f, tlv.String(schema.FieldRequestID, b.RequestID))
	}
	if b.Existed {
		f = append(f, tlv.Bool(schema.FieldExisted, true))
	}
	return appendValue(f, b.Value)
}
func (b *SyncCreated) readFields(r *fieldReader) {
	b.SessionID = r.u32(schema.FieldSessionID)
	b.ElementID = r.u64(schema.FieldElementID)
	b.ParentID = r.u64(schema.FieldParentID)
	b.Name = r.str(schema.FieldElementName)
	b.OriginUser = r.u32(schema.FieldOriginUser)
	b.RequestID = r.str(schema.FieldRequestID)
	b.Existed = r.boolean(schema.FieldExisted)
	b.Value = r.value(ElementKind(r.u8(schema.FieldElementType)))
}

// SyncModify carries a local write. Seq increases per element per writer.
type SyncModify struct {
	SessionID uint32
	ElementID uint64
	Seq       uint64
	Value     Value
}

func (SyncModify) MessageType() uint32 { return schema.MsgSyncModify }
func (b SyncModify) appendFields(f []tlv.Field) []tlv.Field {
	f = append(f,
		tlv.U32(schema.FieldSessionID, b.SessionID),
		tlv.U64(schema.FieldElementID, b.ElementID),
		tlv.U8(schema.FieldElementType, uint8(b.Value.Kind)),
		tlv.U64(schema.FieldSeq, b.Seq),
	)
	return appendValue(f, b.Value)
}
func (b *SyncModify) readFields(r *fieldReader) {
	b.SessionID = r.u32(schema.FieldSessionID)
	b.ElementID = r.u64(schema.FieldElementID)
	b.Seq = r.u64(schema.FieldSeq)
	b.Value = r.value(ElementKind(r.u8(schema.FieldElementType)))
	if r.err == nil && b.Value.Kind == KindObject {
		r.fail(fmt.Errorf("%w: object elements have no value", ErrInvalidValue))
	}
}

// SyncModified is the authority-ordered echo of a SyncModify, sent to every
// member including the origin.
type SyncModified struct {
	SessionID  uint32
	ElementID  uint64
	OriginUser uint32
	Seq        uint64
	Value      Value
}

func (SyncModified) MessageType() uint32 { return schema.MsgSyncModified }
func (b SyncModified) appendFields(f []tlv.Field) []tlv.Field {
	f = append(f,
		tlv.U32(schema.FieldSessionID, b.SessionID),
		tlv.U64(schema.FieldElementID, b.ElementID),
		tlv.U8(schema.FieldElementType, uint8(b.Value.Kind)),
		tlv.U32(schema.FieldOriginUser, b.OriginUser),
		tlv.U64(schema.FieldSeq, b.Seq),
	)
	return appendValue(f, b.Value)
}
func (b *SyncModified) readFields(r *fieldReader) {
	b.SessionID = r.u32(schema.FieldSessionID)
	b.ElementID = r.u64(schema.FieldElementID)
	b.OriginUser = r.u32(schema.FieldOriginUser)
	b.Seq = r.u64(schema.FieldSeq)
	b.Value = r.value(ElementKind(r.u8(schema.FieldElementType)))
}

type SyncDelete struct {
	SessionID uint32
	ElementID uint64
}

func (SyncDelete) MessageType() uint32 { return schema.MsgSyncDelete }
func (b SyncDelete) appendFields(f []tlv.Field) []tlv.Field {
	return append(f,
		tlv.U32(schema.FieldSessionID, b.SessionID),
		tlv.U64(schema.FieldElementID, b.ElementID),
	)
}
func (b *SyncDelete) readFields(r *fieldReader) {
	b.SessionID = r.u32(schema.FieldSessionID)
	b.ElementID = r.u64(schema.FieldElementID)
}

type SyncDeleted struct {
	SessionID  uint32
	ElementID  uint64
	OriginUser uint32
}

func (SyncDeleted) MessageType() uint32 { return schema.MsgSyncDeleted }
func (b SyncDeleted) appendFields(f []tlv.Field) []tlv.Field {
	return append(f,
		tlv.U32(schema.FieldSessionID, b.SessionID),
		tlv.U64(schema.FieldElementID, b.ElementID),
		tlv.U32(schema.FieldOriginUser, b.OriginUser),
	)
}
func (b *SyncDeleted) readFields(r *fieldReader) {
	b.SessionID = r.u32(schema.FieldSessionID)
	b.ElementID = r.u64(schema.FieldElementID)
	b.OriginUser = r.u32(schema.FieldOriginUser)
}

// Error reports a request the authority could not route.
type Error struct {
	Reason string
}

func (Error) MessageType() uint32 { return schema.MsgError }
func (b Error) appendFields(f []tlv.Field) []tlv.Field {
	return append(f, tlv.String(schema.FieldReason, b.Reason))
}
func (b *Error) readFields(r *fieldReader) {
	b.Reason = r.str(schema.FieldReason)
}
