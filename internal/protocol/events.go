package protocol

import "encoding/json"

// Inbound event names.
const (
	EventJoin         = "join"
	EventSendMessage  = "sendMessage"
	EventJoinRoom     = "join-room"
	EventLeaveRoom    = "leave-room"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventIceCandidate = "ice-candidate"
)

// Outbound event names. Signals reuse their inbound names.
const (
	EventChatMessage   = "chatMessage"
	EventOnlineUsers   = "onlineUsers"
	EventUserConnected = "user-connected"
	EventUserLeft      = "user-left"
	EventError         = "error"
)

// SystemUser is the sender name of server-generated chat lines.
const SystemUser = "System"

// Envelope is the frame exchanged over the socket in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ReplyRef is a value copy of the message being replied to.
type ReplyRef struct {
	User    string `json:"user" validate:"required,max=64"`
	Message string `json:"message" validate:"max=5000"`
}

// ChatMessage is relayed to every connection.
type ChatMessage struct {
	User    string    `json:"user" validate:"max=64"`
	Message string    `json:"message" validate:"max=5000"`
	ReplyTo *ReplyRef `json:"replyTo,omitempty"`
}

// IsSystem reports whether the message was generated by the server.
func (m ChatMessage) IsSystem() bool {
	return m.User == SystemUser && m.ReplyTo == nil
}

// RoomRequest is the payload of join-room and leave-room.
type RoomRequest struct {
	MeetingRoom string `json:"meetingRoom" validate:"required,max=128"`
	UserID      string `json:"userId" validate:"required,max=128"`
}

// Peer identifies a room member by its application-level id.
type Peer struct {
	UserID string `json:"userId"`
}

// ErrorPayload is sent only to the connection that caused it.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried in ErrorPayload.
const (
	CodeBadRequest    = "bad_request"
	CodeDuplicateJoin = "duplicate_join"
	CodeNotJoined     = "not_joined"
	CodeInvalidName   = "invalid_display_name"
)

// Inbound is one decoded client event.
type Inbound interface {
	EventName() string
}

// Join registers the connection under a display name.
type Join struct {
	DisplayName string
}

// SendMessage asks the server to relay a chat line.
type SendMessage struct {
	ChatMessage
}

// JoinRoom adds the connection to a signaling room.
type JoinRoom struct {
	RoomRequest
}

// LeaveRoom removes the connection from a signaling room.
type LeaveRoom struct {
	RoomRequest
}

// Signal is an offer, answer or ICE candidate. Payload is kept verbatim.
type Signal struct {
	Kind        string
	MeetingRoom string
	Payload     json.RawMessage
}

func (Join) EventName() string        { return EventJoin }
func (SendMessage) EventName() string { return EventSendMessage }
func (JoinRoom) EventName() string    { return EventJoinRoom }
func (LeaveRoom) EventName() string   { return EventLeaveRoom }
func (s Signal) EventName() string    { return s.Kind }

// IsSignal reports whether event is relayed verbatim inside a room.
func IsSignal(event string) bool {
	switch event {
	case EventOffer, EventAnswer, EventIceCandidate:
		return true
	}
	return false
}
