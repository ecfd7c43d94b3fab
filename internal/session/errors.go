package session

import (
	"errors"

	"github.com/Veraticus/sage/internal/conversation"
)

// Request errors. Each is reported only to the connection that caused
// it and leaves session state unchanged.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionFull     = conversation.ErrSessionFull
	ErrNotAuthorized   = errors.New("not authorized for this session")
	ErrSessionEnded    = errors.New("session has ended")
	ErrRateLimited     = errors.New("rate limited")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrInvalidName     = errors.New("invalid display name")
)

// UserMessage maps an engine error to the text shown to participants.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return "Session not found"
	case errors.Is(err, ErrSessionFull):
		return "Session is full"
	case errors.Is(err, ErrNotAuthorized):
		return "Not authorized for this session"
	case errors.Is(err, ErrSessionEnded):
		return "Session has ended"
	case errors.Is(err, ErrRateLimited):
		return "You're sending messages too quickly. Please slow down."
	case errors.Is(err, ErrEmptyMessage):
		return "Message cannot be empty"
	case errors.Is(err, ErrInvalidName):
		return "Please enter a name"
	default:
		return "Something went wrong"
	}
}
