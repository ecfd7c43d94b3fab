// Package conversation holds the in-memory model of a moderated
// conversation: sessions, their participants, the append-only message
// log and the rolling turn-taking state.
package conversation

import (
	"fmt"
	"time"
)

// MaxParticipants is the hard cap of participants in one session.
const MaxParticipants = 2

// Display names used for non-participant senders.
const (
	FacilitatorName = "Sage"
	SystemName      = "System"
)

// SenderKind distinguishes who authored a message.
type SenderKind int

const (
	// SenderParticipant is one of the two people in the session.
	SenderParticipant SenderKind = iota
	// SenderFacilitator is the automated facilitator voice.
	SenderFacilitator
	// SenderSystem is a relay notice such as join or disconnect.
	SenderSystem
)

// String returns the wire name of the sender kind.
func (k SenderKind) String() string {
	switch k {
	case SenderParticipant:
		return "participant"
	case SenderFacilitator:
		return "sage"
	case SenderSystem:
		return "system"
	default:
		return fmt.Sprintf("SenderKind(%d)", int(k))
	}
}

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusWaiting means the creator is waiting for a partner.
	StatusWaiting Status = "waiting"
	// StatusActive means both participants are present.
	StatusActive Status = "active"
	// StatusPaused is reported while the pause flag is set.
	StatusPaused Status = "paused"
	// StatusEnded is terminal.
	StatusEnded Status = "ended"
)

// Annotation marks special messages.
type Annotation string

// AnnotationInterruption marks facilitator content that is not a direct reply.
const AnnotationInterruption Annotation = "interruption"

// Message is one immutable entry of a session log.
type Message struct {
	Timestamp  time.Time
	Content    string
	SenderID   string // connection ID for participants, empty otherwise
	SenderName string
	Annotation Annotation
	ID         int64
	Kind       SenderKind
}

// Sender returns the wire sender value: the connection ID for
// participants, "sage" or "system" otherwise.
func (m Message) Sender() string {
	if m.Kind == SenderParticipant {
		return m.SenderID
	}
	return m.Kind.String()
}

// IsParticipant reports whether a participant authored the message.
func (m Message) IsParticipant() bool {
	return m.Kind == SenderParticipant
}

// Participant is a connected person in a session.
type Participant struct {
	JoinedAt time.Time
	ConnID   string
	Name     string
}

// NewParticipantMessage builds a message authored by p.
func NewParticipantMessage(p Participant, content string, now time.Time) Message {
	return Message{
		Kind:       SenderParticipant,
		SenderID:   p.ConnID,
		SenderName: p.Name,
		Content:    content,
		Timestamp:  now,
	}
}

// NewFacilitatorMessage builds a facilitator message.
func NewFacilitatorMessage(content string, annotation Annotation, now time.Time) Message {
	return Message{
		Kind:       SenderFacilitator,
		SenderName: FacilitatorName,
		Content:    content,
		Annotation: annotation,
		Timestamp:  now,
	}
}

// NewSystemMessage builds a relay notice.
func NewSystemMessage(content string, now time.Time) Message {
	return Message{
		Kind:       SenderSystem,
		SenderName: SystemName,
		Content:    content,
		Timestamp:  now,
	}
}
