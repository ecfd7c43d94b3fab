// Package trigger decides when the facilitator speaks and in which
// stance. Decisions are pure functions of the incoming message, the
// session's turn-taking state and the most recent log window.
package trigger

import (
	"fmt"
	"time"

	"github.com/Veraticus/sage/internal/conversation"
)

// WindowSize is how many recent log entries the pattern check inspects.
const WindowSize = 5

// ResponseType is the facilitator's stance for a turn.
type ResponseType string

const (
	// ResponseIntervention interrupts with a fixed message.
	ResponseIntervention ResponseType = "intervention"
	// ResponseRedirect invites the quieter partner in.
	ResponseRedirect ResponseType = "redirect"
	// ResponseCheckin checks how the conversation is going.
	ResponseCheckin ResponseType = "checkin"
	// ResponseDeescalate calms heated language.
	ResponseDeescalate ResponseType = "deescalate"
	// ResponseSupport follows emotional disclosure.
	ResponseSupport ResponseType = "support"
	// ResponseNormal is a generic reply.
	ResponseNormal ResponseType = "normal"
)

// Strategic reports whether the type uses the strategic prompt path.
func (t ResponseType) Strategic() bool {
	switch t {
	case ResponseRedirect, ResponseCheckin, ResponseDeescalate, ResponseSupport:
		return true
	case ResponseIntervention, ResponseNormal:
		return false
	default:
		return false
	}
}

// Urgency controls how quickly a response is delivered.
type Urgency int

const (
	// UrgencyNormal responses are delivered after a randomized delay.
	UrgencyNormal Urgency = iota
	// UrgencyImmediate responses are delivered after a short fixed delay.
	UrgencyImmediate
)

// Decision is the outcome of evaluating one message.
type Decision struct {
	Type    ResponseType
	Reason  string
	Urgency Urgency
	Respond bool
}

// None is the decision not to respond.
var None = Decision{}

// Thresholds parameterize the rules.
type Thresholds struct {
	// InterventionStreak is the same-sender streak in the window that,
	// combined with heated language, forces an intervention.
	InterventionStreak int
	// DominationStreak is the consecutive count that triggers a redirect.
	DominationStreak int
	// CheckinMessages is the participant message count since the
	// facilitator last spoke that triggers a check-in.
	CheckinMessages int
	// CheckinSilence is the time since the facilitator last spoke that
	// triggers a check-in.
	CheckinSilence time.Duration
	// SupportMessages is the minimum message count for a support turn.
	SupportMessages int
}

// DefaultThresholds returns the standard rule parameters.
func DefaultThresholds() Thresholds {
	return Thresholds{
		InterventionStreak: 2,
		DominationStreak:   3,
		CheckinMessages:    8,
		CheckinSilence:     5 * time.Minute,
		SupportMessages:    3,
	}
}

// Input is everything a decision depends on.
type Input struct {
	Now     time.Time
	State   conversation.TrackerState
	Window  []conversation.Message // most recent log entries, oldest first, including Message
	Message conversation.Message
}

// Engine evaluates the rules in priority order.
type Engine struct {
	lexicon       Lexicon
	thresholds    Thresholds
	alwaysRespond bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithThresholds overrides the rule parameters.
func WithThresholds(th Thresholds) Option {
	return func(e *Engine) {
		e.thresholds = th
	}
}

// WithAlwaysRespond turns "no trigger" into a normal reply.
func WithAlwaysRespond(always bool) Option {
	return func(e *Engine) {
		e.alwaysRespond = always
	}
}

// NewEngine creates an engine over lexicon.
func NewEngine(lexicon Lexicon, opts ...Option) *Engine {
	e := &Engine{
		lexicon:    lexicon,
		thresholds: DefaultThresholds(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Lexicon returns the engine's word lists.
func (e *Engine) Lexicon() Lexicon { return e.lexicon }

// Decide evaluates in. The first matching rule wins.
func (e *Engine) Decide(in Input) Decision {
	th := e.thresholds
	content := in.Message.Content

	if streak := senderStreak(in.Window, in.Message); streak >= th.InterventionStreak && e.heatedWindow(in.Window) {
		return Decision{
			Respond: true,
			Type:    ResponseIntervention,
			Urgency: UrgencyImmediate,
			Reason:  fmt.Sprintf("streak of %d with heated language", streak),
		}
	}

	if in.State.Consecutive >= th.DominationStreak {
		return respond(ResponseRedirect, fmt.Sprintf("%d consecutive messages from one participant", in.State.Consecutive))
	}

	if in.State.SinceFacilitator >= th.CheckinMessages {
		return respond(ResponseCheckin, fmt.Sprintf("%d messages since facilitator", in.State.SinceFacilitator))
	}

	if e.lexicon.IsHeated(content) {
		return respond(ResponseDeescalate, "heated language")
	}

	if silence := in.Now.Sub(in.State.LastFacilitatorAt); silence >= th.CheckinSilence {
		return respond(ResponseCheckin, fmt.Sprintf("facilitator silent for %s", silence.Truncate(time.Second)))
	}

	if e.lexicon.IsEmotional(content) && in.State.SinceFacilitator >= th.SupportMessages {
		return respond(ResponseSupport, "emotional disclosure")
	}

	if e.alwaysRespond {
		return respond(ResponseNormal, "respond to every message")
	}

	return None
}

func respond(t ResponseType, reason string) Decision {
	return Decision{Respond: true, Type: t, Urgency: UrgencyNormal, Reason: reason}
}

// senderStreak counts, newest first, the run of window entries sent by
// the author of msg. Facilitator and system entries end the run.
func senderStreak(window []conversation.Message, msg conversation.Message) int {
	if !msg.IsParticipant() {
		return 0
	}
	streak := 0
	for i := len(window) - 1; i >= 0; i-- {
		entry := window[i]
		if !entry.IsParticipant() || entry.SenderID != msg.SenderID {
			break
		}
		streak++
	}
	return streak
}

func (e *Engine) heatedWindow(window []conversation.Message) bool {
	for _, entry := range window {
		if entry.IsParticipant() && e.lexicon.IsHeated(entry.Content) {
			return true
		}
	}
	return false
}
