// Package facilitator produces Sage's turns: it builds the generation
// request for a response type, absorbs provider failures into fixed
// fallback text, and picks the delivery delay.
package facilitator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/Veraticus/sage/internal/conversation"
	"github.com/Veraticus/sage/internal/llm"
	"github.com/Veraticus/sage/internal/trigger"
)

// Context window sizes and generation limits.
const (
	StrategicWindow    = 6
	NormalWindow       = 10
	StrategicMaxTokens = 150
	NormalMaxTokens    = 200
	Temperature        = 0.7

	// DefaultGenerateTimeout bounds a single generation call.
	DefaultGenerateTimeout = 30 * time.Second
)

// Delays controls how long a reply waits before delivery. Randomized
// delays are uniform in [Min, Max).
type Delays struct {
	Intervention time.Duration
	StrategicMin time.Duration
	StrategicMax time.Duration
	NormalMin    time.Duration
	NormalMax    time.Duration
}

// DefaultDelays returns the standard delivery delays.
func DefaultDelays() Delays {
	return Delays{
		Intervention: time.Second,
		StrategicMin: 2 * time.Second,
		StrategicMax: 4 * time.Second,
		NormalMin:    2 * time.Second,
		NormalMax:    5 * time.Second,
	}
}

// Validate checks that every range is well formed.
func (d Delays) Validate() error {
	if d.Intervention < 0 || d.StrategicMin < 0 || d.NormalMin < 0 {
		return errors.New("delays cannot be negative")
	}
	if d.StrategicMax < d.StrategicMin {
		return fmt.Errorf("strategic delay max %s is below min %s", d.StrategicMax, d.StrategicMin)
	}
	if d.NormalMax < d.NormalMin {
		return fmt.Errorf("normal delay max %s is below min %s", d.NormalMax, d.NormalMin)
	}
	return nil
}

// Turn is the context captured when a facilitator reply is dispatched.
// Later participant messages do not affect it.
type Turn struct {
	StartedAt    time.Time
	Now          time.Time
	Trigger      conversation.Message
	History      []conversation.Message
	Type         trigger.ResponseType
	Participants int
}

// Responder generates facilitator replies.
type Responder struct {
	generator    llm.Generator
	logger       *slog.Logger
	random       func(n int64) int64
	systemPrompt string
	model        string
	delays       Delays
	timeout      time.Duration
}

// Option configures a Responder.
type Option func(*Responder) error

// WithModel overrides the backend's default model.
func WithModel(model string) Option {
	return func(r *Responder) error {
		r.model = model
		return nil
	}
}

// WithDelays sets the delivery delays.
func WithDelays(d Delays) Option {
	return func(r *Responder) error {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("invalid delays: %w", err)
		}
		r.delays = d
		return nil
	}
}

// WithTimeout bounds each generation call.
func WithTimeout(timeout time.Duration) Option {
	return func(r *Responder) error {
		if timeout <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", timeout)
		}
		r.timeout = timeout
		return nil
	}
}

// WithRandom replaces the source of delay jitter. f must return a value
// in [0, n).
func WithRandom(f func(n int64) int64) Option {
	return func(r *Responder) error {
		if f == nil {
			return errors.New("random source cannot be nil")
		}
		r.random = f
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Responder) error {
		r.logger = logger
		return nil
	}
}

// NewResponder creates a Responder around generator using systemPrompt
// as the base counseling instruction.
func NewResponder(generator llm.Generator, systemPrompt string, opts ...Option) (*Responder, error) {
	if generator == nil {
		return nil, errors.New("responder creation failed: generator is required")
	}
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, errors.New("responder creation failed: system prompt is required")
	}

	r := &Responder{
		generator:    generator,
		systemPrompt: strings.TrimSpace(systemPrompt),
		delays:       DefaultDelays(),
		timeout:      DefaultGenerateTimeout,
		random:       rand.Int64N,
		logger:       slog.Default().With(slog.String("component", "facilitator")),
	}

	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	return r, nil
}

// Delay returns how long to wait before delivering a reply of type t.
func (r *Responder) Delay(t trigger.ResponseType) time.Duration {
	switch t {
	case trigger.ResponseIntervention:
		return r.delays.Intervention
	case trigger.ResponseRedirect, trigger.ResponseCheckin, trigger.ResponseDeescalate, trigger.ResponseSupport:
		return r.jitter(r.delays.StrategicMin, r.delays.StrategicMax)
	case trigger.ResponseNormal:
		return r.jitter(r.delays.NormalMin, r.delays.NormalMax)
	default:
		return r.jitter(r.delays.NormalMin, r.delays.NormalMax)
	}
}

func (r *Responder) jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(r.random(int64(hi-lo)))
}

// NeedsGeneration reports whether a reply of type t calls the backend.
func NeedsGeneration(t trigger.ResponseType) bool {
	return t != trigger.ResponseIntervention
}

// Respond produces the reply text for turn. It never fails: provider
// errors and timeouts yield the fallback for the turn's path.
func (r *Responder) Respond(ctx context.Context, turn Turn) string {
	if !NeedsGeneration(turn.Type) {
		return InterventionText
	}

	req := r.BuildRequest(turn)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	text, err := r.generator.Generate(ctx, req)
	text = strings.TrimSpace(text)
	if err == nil && text != "" {
		r.logger.DebugContext(ctx, "facilitator reply generated",
			slog.String("response_type", string(turn.Type)),
			slog.Duration("duration", time.Since(start)))
		return text
	}

	if err == nil {
		err = errors.New("empty reply")
	}
	r.logger.WarnContext(ctx, "generation failed, using fallback",
		slog.String("response_type", string(turn.Type)),
		slog.Bool("rate_limited", isRateLimited(err)),
		slog.Any("error", err))
	return Fallback(turn.Type)
}

// Fallback returns the fixed text substituted when generation fails.
func Fallback(t trigger.ResponseType) string {
	if t.Strategic() {
		return StrategicFallback
	}
	return NormalFallback
}

// Annotation returns the annotation carried by replies of type t.
func Annotation(t trigger.ResponseType) conversation.Annotation {
	if t == trigger.ResponseIntervention {
		return conversation.AnnotationInterruption
	}
	return ""
}

// BuildRequest assembles the generation request for turn.
func (r *Responder) BuildRequest(turn Turn) llm.Request {
	if turn.Type.Strategic() {
		return r.strategicRequest(turn)
	}
	return r.normalRequest(turn)
}

func (r *Responder) strategicRequest(turn Turn) llm.Request {
	system := r.systemPrompt
	if addendum := Addendum(turn.Type); addendum != "" {
		system += "\n\n" + addendum
	}

	messages := []llm.ChatMessage{{
		Role:    llm.RoleSystem,
		Content: fmt.Sprintf("Session context: %d participants. Response type: %s", turn.Participants, turn.Type),
	}}
	messages = append(messages, participantLines(tail(turn.History, StrategicWindow))...)

	return llm.Request{
		Model:       r.model,
		System:      system,
		Messages:    messages,
		MaxTokens:   StrategicMaxTokens,
		Temperature: Temperature,
	}
}

func (r *Responder) normalRequest(turn Turn) llm.Request {
	minutes := int(turn.Now.Sub(turn.StartedAt) / time.Minute)

	messages := []llm.ChatMessage{{
		Role: llm.RoleSystem,
		Content: fmt.Sprintf("Current session context: %d participants, session duration: %d minutes",
			turn.Participants, minutes),
	}}

	window := tail(turn.History, NormalWindow)
	messages = append(messages, participantLines(window)...)
	// The trigger is normally the newest history entry already.
	if n := len(window); n == 0 || window[n-1].ID != turn.Trigger.ID {
		messages = append(messages, participantLines([]conversation.Message{turn.Trigger})...)
	}

	return llm.Request{
		Model:       r.model,
		System:      r.systemPrompt,
		Messages:    messages,
		MaxTokens:   NormalMaxTokens,
		Temperature: Temperature,
	}
}

func tail(msgs []conversation.Message, n int) []conversation.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

// participantLines renders participant messages as "Name: text" user
// lines. Facilitator and system messages are skipped.
func participantLines(msgs []conversation.Message) []llm.ChatMessage {
	lines := make([]llm.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Kind {
		case conversation.SenderParticipant:
			lines = append(lines, llm.ChatMessage{
				Role:    llm.RoleUser,
				Content: m.SenderName + ": " + m.Content,
			})
		case conversation.SenderFacilitator, conversation.SenderSystem:
		}
	}
	return lines
}

func isRateLimited(err error) bool {
	var providerErr *llm.ProviderError
	return errors.As(err, &providerErr) && providerErr.IsRateLimited()
}
