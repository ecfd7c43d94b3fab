// Package protocol defines the events exchanged between the relay and its
// clients and the CBOR framing that carries them.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/sage/internal/conversation"
)

// Inbound events, client to relay.
const (
	EventCreateSession = "create-session"
	EventJoinSession   = "join-session"
	EventSendMessage   = "send-message"
	EventTyping        = "typing"
	EventPauseSession  = "pause-session"
	EventEndSession    = "end-session"
	EventDisconnect    = "disconnect"
)

// Outbound events, relay to client.
const (
	EventSessionCreated   = "session-created"
	EventSessionJoined    = "session-joined"
	EventMessage          = "message"
	EventParticipantCount = "participant-count-updated"
	EventUserTyping       = "user-typing"
	EventError            = "error"
	EventSessionEnded     = "session-ended"
)

// ErrNoData is returned when decoding a frame that carries no payload.
var ErrNoData = errors.New("frame has no data")

// Frame is one event on the wire.
type Frame struct {
	Event string     `cbor:"event"`
	Data  RawMessage `cbor:"data,omitempty"`
}

// NewFrame encodes payload into a frame for event. A nil payload
// produces a frame without data.
func NewFrame(event string, payload any) (Frame, error) {
	frame := Frame{Event: event}
	if payload == nil {
		return frame, nil
	}
	data, err := Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s payload: %w", event, err)
	}
	frame.Data = data
	return frame, nil
}

// Decode unmarshals the frame's payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return ErrNoData
	}
	if err := Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", f.Event, err)
	}
	return nil
}

// CreateSession is the payload of create-session.
type CreateSession struct {
	UserName string `cbor:"userName" json:"userName"`
}

// JoinSession is the payload of join-session.
type JoinSession struct {
	SessionCode string `cbor:"sessionCode" json:"sessionCode"`
	UserName    string `cbor:"userName" json:"userName"`
}

// SendMessage is the payload of send-message.
type SendMessage struct {
	Content string `cbor:"content" json:"content"`
}

// Typing is the payload of typing.
type Typing struct {
	IsTyping bool `cbor:"isTyping" json:"isTyping"`
}

// SessionCreated is sent to the creator of a session.
type SessionCreated struct {
	SessionCode string `cbor:"sessionCode" json:"sessionCode"`
	SessionID   string `cbor:"sessionId" json:"sessionId"`
	UserName    string `cbor:"userName" json:"userName"`
}

// SessionJoined is sent to a joining participant with the log so far.
type SessionJoined struct {
	SessionCode string    `cbor:"sessionCode" json:"sessionCode"`
	SessionID   string    `cbor:"sessionId" json:"sessionId"`
	UserName    string    `cbor:"userName" json:"userName"`
	Messages    []Message `cbor:"messages" json:"messages"`
}

// ParticipantCount announces the current roster.
type ParticipantCount struct {
	Participants []string `cbor:"participants" json:"participants"`
	Count        int      `cbor:"count" json:"count"`
}

// UserTyping relays a typing indicator.
type UserTyping struct {
	UserName string `cbor:"userName" json:"userName"`
	IsTyping bool   `cbor:"isTyping" json:"isTyping"`
}

// Error reports a failed request to the originating connection.
type Error struct {
	Message string `cbor:"message" json:"message"`
}

// Message is a log entry as seen by clients. Sender is the connection
// ID for participants and "sage" or "system" otherwise.
type Message struct {
	Timestamp  time.Time `cbor:"timestamp" json:"timestamp"`
	Content    string    `cbor:"content" json:"content"`
	Sender     string    `cbor:"sender" json:"sender"`
	SenderName string    `cbor:"senderName" json:"senderName"`
	Type       string    `cbor:"type,omitempty" json:"type,omitempty"`
	ID         int64     `cbor:"id" json:"id"`
}

// FromMessage converts a log entry to its wire form.
func FromMessage(m conversation.Message) Message {
	return Message{
		ID:         m.ID,
		Content:    m.Content,
		Sender:     m.Sender(),
		SenderName: m.SenderName,
		Timestamp:  m.Timestamp,
		Type:       string(m.Annotation),
	}
}

// FromMessages converts a slice of log entries. Never returns nil.
func FromMessages(msgs []conversation.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, FromMessage(m))
	}
	return out
}
