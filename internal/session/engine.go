// Package session runs the moderated conversation: it admits
// participants, relays their messages, and schedules the facilitator's
// turns when the trigger rules fire.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Veraticus/sage/internal/clock"
	"github.com/Veraticus/sage/internal/conversation"
	"github.com/Veraticus/sage/internal/facilitator"
	"github.com/Veraticus/sage/internal/protocol"
	"github.com/Veraticus/sage/internal/queue"
	"github.com/Veraticus/sage/internal/scheduler"
	"github.com/Veraticus/sage/internal/trigger"
)

const (
	// DefaultReadyDelay is the pause before the facilitator greets a full room.
	DefaultReadyDelay = 1500 * time.Millisecond

	// MaxNameLength bounds display names, in runes.
	MaxNameLength = 50
)

// Stats summarizes engine state for the health surface.
type Stats struct {
	ActiveSessions int
	Participants   int
}

// Engine serializes every session mutation behind one lock. Facilitator
// generation runs outside the lock and re-enters it to deliver.
type Engine struct {
	hub        Broadcaster
	responder  *facilitator.Responder
	store      *conversation.Store
	decider    *trigger.Engine
	scheduler  scheduler.Scheduler
	limiter    *queue.RateLimiter
	clock      clock.Clock
	logger     *slog.Logger
	readyDelay time.Duration
	mu         sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine) error

// WithStore sets the session store.
func WithStore(store *conversation.Store) Option {
	return func(e *Engine) error {
		if store == nil {
			return errors.New("store cannot be nil")
		}
		e.store = store
		return nil
	}
}

// WithClock sets the time source.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) error {
		if clk == nil {
			return errors.New("clock cannot be nil")
		}
		e.clock = clk
		return nil
	}
}

// WithScheduler sets the deferred task runner.
func WithScheduler(s scheduler.Scheduler) Option {
	return func(e *Engine) error {
		if s == nil {
			return errors.New("scheduler cannot be nil")
		}
		e.scheduler = s
		return nil
	}
}

// WithTrigger sets the rules deciding when the facilitator speaks.
func WithTrigger(decider *trigger.Engine) Option {
	return func(e *Engine) error {
		if decider == nil {
			return errors.New("trigger engine cannot be nil")
		}
		e.decider = decider
		return nil
	}
}

// WithRateLimiter sets the per-connection send limiter.
func WithRateLimiter(limiter *queue.RateLimiter) Option {
	return func(e *Engine) error {
		if limiter == nil {
			return errors.New("rate limiter cannot be nil")
		}
		e.limiter = limiter
		return nil
	}
}

// WithReadyDelay sets the pause before the ready message.
func WithReadyDelay(d time.Duration) Option {
	return func(e *Engine) error {
		if d < 0 {
			return fmt.Errorf("ready delay cannot be negative, got %s", d)
		}
		e.readyDelay = d
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		e.logger = logger
		return nil
	}
}

// NewEngine creates an Engine that delivers events through hub and
// produces facilitator turns with responder.
func NewEngine(hub Broadcaster, responder *facilitator.Responder, opts ...Option) (*Engine, error) {
	if hub == nil {
		return nil, errors.New("engine creation failed: broadcaster is required")
	}
	if responder == nil {
		return nil, errors.New("engine creation failed: responder is required")
	}

	e := &Engine{
		hub:        hub,
		responder:  responder,
		clock:      clock.Real(),
		readyDelay: DefaultReadyDelay,
		logger:     slog.Default().With(slog.String("component", "session")),
	}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if e.store == nil {
		e.store = conversation.NewStore()
	}
	if e.decider == nil {
		e.decider = trigger.NewEngine(trigger.DefaultLexicon())
	}
	if e.scheduler == nil {
		e.scheduler = scheduler.NewDeferred(e.clock)
	}
	if e.limiter == nil {
		e.limiter = queue.DefaultRateLimiter(e.clock)
	}
	return e, nil
}

// CreateSession opens a new session with connID as its first
// participant and returns the session code.
func (e *Engine) CreateSession(connID, userName string) (string, error) {
	name, err := validName(userName)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.leaveLocked(connID)

	now := e.clock.Now()
	s, err := e.store.Create(now)
	if err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	if err := s.AddParticipant(conversation.Participant{ConnID: connID, Name: name, JoinedAt: now}); err != nil {
		e.store.Delete(s.Code)
		return "", fmt.Errorf("adding creator: %w", err)
	}
	e.store.IndexParticipant(connID, s.Code)
	e.hub.Join(s.Code, connID)

	welcome := e.noticeLocked(s, conversation.NewFacilitatorMessage(welcomeText(name, s.Code), "", now))

	e.hub.Send(connID, protocol.EventSessionCreated, protocol.SessionCreated{
		SessionCode: s.Code,
		SessionID:   s.ID,
		UserName:    name,
	})
	e.hub.Send(connID, protocol.EventMessage, protocol.FromMessage(welcome))

	e.logger.Info("session created",
		slog.String("session", s.Code),
		slog.String("conn", connID))
	return s.Code, nil
}

// JoinSession adds connID to the session identified by code.
func (e *Engine) JoinSession(connID, code, userName string) error {
	name, err := validName(userName)
	if err != nil {
		return err
	}
	code = strings.ToUpper(strings.TrimSpace(code))

	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.store.Get(code)
	if !ok {
		return ErrSessionNotFound
	}
	if s.Ended() {
		return ErrSessionEnded
	}
	if current, indexed := e.store.SessionFor(connID); indexed && current == code {
		e.sendJoinedLocked(s, connID, name)
		return nil
	}
	if s.ParticipantCount() >= conversation.MaxParticipants {
		return ErrSessionFull
	}

	e.leaveLocked(connID)

	now := e.clock.Now()
	if err := s.AddParticipant(conversation.Participant{ConnID: connID, Name: name, JoinedAt: now}); err != nil {
		return err
	}
	e.store.IndexParticipant(connID, code)
	e.hub.Join(code, connID)
	s.Touch(now)

	e.sendJoinedLocked(s, connID, name)
	e.broadcastRosterLocked(s)

	joined := s.Log().Append(conversation.NewSystemMessage(joinedText(name), now))
	e.hub.Broadcast(code, protocol.EventMessage, protocol.FromMessage(joined))

	e.logger.Info("participant joined",
		slog.String("session", code),
		slog.String("conn", connID),
		slog.Int("participants", s.ParticipantCount()))

	if s.ParticipantCount() == conversation.MaxParticipants && s.ClaimReady() {
		e.scheduleLocked(s, e.readyDelay, func(context.Context) { e.deliverReady(s) })
	}
	return nil
}

func (e *Engine) sendJoinedLocked(s *conversation.Session, connID, name string) {
	e.hub.Send(connID, protocol.EventSessionJoined, protocol.SessionJoined{
		SessionCode: s.Code,
		SessionID:   s.ID,
		UserName:    name,
		Messages:    protocol.FromMessages(s.Log().Messages()),
	})
}

func (e *Engine) deliverReady(s *conversation.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.liveLocked(s) {
		return
	}
	msg := e.noticeLocked(s, conversation.NewFacilitatorMessage(readyText, "", e.clock.Now()))
	e.hub.Broadcast(s.Code, protocol.EventMessage, protocol.FromMessage(msg))
}

// SendMessage appends a participant message, relays it to the room and
// lets the trigger rules decide whether the facilitator replies.
func (e *Engine) SendMessage(connID, content string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, p, err := e.participantLocked(connID)
	if err != nil {
		return err
	}
	if s.Ended() {
		return ErrSessionEnded
	}
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if !e.limiter.Allow(connID) {
		return ErrRateLimited
	}

	now := e.clock.Now()
	msg := s.Log().Append(conversation.NewParticipantMessage(p, content, now))
	s.Touch(now)
	e.hub.Broadcast(s.Code, protocol.EventMessage, protocol.FromMessage(msg))

	state := s.Tracker().Observe(connID)
	decision := e.decider.Decide(trigger.Input{
		Now:     now,
		State:   state,
		Window:  s.Log().Last(trigger.WindowSize),
		Message: msg,
	})
	if !decision.Respond {
		return nil
	}

	e.dispatchLocked(s, msg, decision)
	return nil
}

// dispatchLocked resets turn-taking state and schedules the facilitator
// reply with the context as it is now.
func (e *Engine) dispatchLocked(s *conversation.Session, msg conversation.Message, decision trigger.Decision) {
	now := e.clock.Now()
	s.Tracker().FacilitatorSpoke(now)

	turn := facilitator.Turn{
		Type:         decision.Type,
		Trigger:      msg,
		History:      s.Log().Messages(),
		Participants: s.ParticipantCount(),
		StartedAt:    s.CreatedAt,
		Now:          now,
	}
	delay := e.responder.Delay(decision.Type)

	e.logger.Info("facilitator turn dispatched",
		slog.String("session", s.Code),
		slog.String("response_type", string(decision.Type)),
		slog.String("reason", decision.Reason),
		slog.Duration("delay", delay))

	if facilitator.NeedsGeneration(decision.Type) {
		e.hub.Broadcast(s.Code, protocol.EventUserTyping, protocol.UserTyping{
			UserName: conversation.FacilitatorName,
			IsTyping: true,
		})
	}
	e.scheduleLocked(s, delay, func(ctx context.Context) { e.deliverReply(ctx, s, turn) })
}

func (e *Engine) deliverReply(ctx context.Context, s *conversation.Session, turn facilitator.Turn) {
	text := e.responder.Respond(ctx, turn)

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.liveLocked(s) {
		e.logger.Debug("facilitator reply dropped",
			slog.String("session", s.Code),
			slog.String("response_type", string(turn.Type)))
		return
	}

	if facilitator.NeedsGeneration(turn.Type) {
		e.hub.Broadcast(s.Code, protocol.EventUserTyping, protocol.UserTyping{
			UserName: conversation.FacilitatorName,
			IsTyping: false,
		})
	}
	msg := s.Log().Append(conversation.NewFacilitatorMessage(text, facilitator.Annotation(turn.Type), e.clock.Now()))
	e.hub.Broadcast(s.Code, protocol.EventMessage, protocol.FromMessage(msg))
}

func (e *Engine) scheduleLocked(s *conversation.Session, delay time.Duration, task scheduler.Task) {
	if err := e.scheduler.Schedule(s.ID, delay, task); err != nil {
		e.logger.Warn("failed to schedule facilitator task",
			slog.String("session", s.Code),
			slog.Any("error", err))
	}
}

// liveLocked reports whether s is still stored and not ended.
func (e *Engine) liveLocked(s *conversation.Session) bool {
	current, ok := e.store.Get(s.Code)
	return ok && current == s && !s.Ended()
}

// Typing relays a typing indicator to the rest of the room.
func (e *Engine) Typing(connID string, isTyping bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, p, err := e.participantLocked(connID)
	if err != nil {
		return
	}
	e.hub.BroadcastExcept(s.Code, connID, protocol.EventUserTyping, protocol.UserTyping{
		UserName: p.Name,
		IsTyping: isTyping,
	})
}

// TogglePause flips the advisory pause flag.
func (e *Engine) TogglePause(connID string) error {
	return e.setPaused(connID, func(paused bool) bool { return !paused })
}

// Pause sets the advisory pause flag. Pausing a paused session is a no-op.
func (e *Engine) Pause(connID string) error {
	return e.setPaused(connID, func(bool) bool { return true })
}

// Resume clears the advisory pause flag. Resuming a running session is a no-op.
func (e *Engine) Resume(connID string) error {
	return e.setPaused(connID, func(bool) bool { return false })
}

func (e *Engine) setPaused(connID string, next func(paused bool) bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, _, err := e.participantLocked(connID)
	if err != nil {
		return err
	}
	if s.Ended() {
		return ErrSessionEnded
	}

	paused := next(s.Paused())
	if paused == s.Paused() {
		return nil
	}
	s.SetPaused(paused)

	text := resumedText
	if paused {
		text = pausedText
	}
	now := e.clock.Now()
	s.Touch(now)
	msg := e.noticeLocked(s, conversation.NewFacilitatorMessage(text, conversation.AnnotationInterruption, now))
	e.hub.Broadcast(s.Code, protocol.EventMessage, protocol.FromMessage(msg))

	e.logger.Info("session pause toggled",
		slog.String("session", s.Code),
		slog.Bool("paused", paused))
	return nil
}

// End closes the session for further messages. Pending facilitator
// replies are cancelled; the log stays readable until teardown.
func (e *Engine) End(connID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, _, err := e.participantLocked(connID)
	if err != nil {
		return err
	}
	if s.Ended() {
		return ErrSessionEnded
	}

	e.endLocked(s)
	e.logger.Info("session ended", slog.String("session", s.Code), slog.String("conn", connID))
	return nil
}

func (e *Engine) endLocked(s *conversation.Session) {
	s.End()
	e.scheduler.Cancel(s.ID)

	msg := e.noticeLocked(s, conversation.NewFacilitatorMessage(endText, conversation.AnnotationInterruption, e.clock.Now()))
	e.hub.Broadcast(s.Code, protocol.EventMessage, protocol.FromMessage(msg))
	e.hub.Broadcast(s.Code, protocol.EventSessionEnded, nil)
}

// Leave removes connID from its session. Safe to call for unknown or
// already removed connections.
func (e *Engine) Leave(connID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.leaveLocked(connID)
	e.limiter.Forget(connID)
}

func (e *Engine) leaveLocked(connID string) {
	code, ok := e.store.SessionFor(connID)
	if !ok {
		return
	}
	e.store.UnindexParticipant(connID)

	s, ok := e.store.Get(code)
	if !ok {
		return
	}
	p, removed := s.RemoveParticipant(connID)
	e.hub.Leave(code, connID)
	if !removed {
		return
	}

	if s.ParticipantCount() == 0 {
		e.teardownLocked(s)
		e.logger.Info("session closed", slog.String("session", code))
		return
	}

	e.broadcastRosterLocked(s)
	msg := s.Log().Append(conversation.NewSystemMessage(disconnectedText(p.Name), e.clock.Now()))
	e.hub.BroadcastExcept(code, connID, protocol.EventMessage, protocol.FromMessage(msg))

	e.logger.Info("participant left",
		slog.String("session", code),
		slog.String("conn", connID),
		slog.Int("participants", s.ParticipantCount()))
}

// teardownLocked forgets s entirely.
func (e *Engine) teardownLocked(s *conversation.Session) {
	for _, p := range s.Participants() {
		e.store.UnindexParticipant(p.ConnID)
		e.hub.Leave(s.Code, p.ConnID)
	}
	e.scheduler.Cancel(s.ID)
	e.store.Delete(s.Code)
}

// ExpireIdle ends and removes sessions without participant activity for
// maxIdle. Returns the number removed.
func (e *Engine) ExpireIdle(maxIdle time.Duration) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.clock.Now().Add(-maxIdle)
	expired := 0
	for _, s := range e.store.Sessions() {
		if s.LastActivity().After(cutoff) {
			continue
		}
		if !s.Ended() {
			e.endLocked(s)
		}
		e.teardownLocked(s)
		expired++
		e.logger.Info("idle session expired", slog.String("session", s.Code))
	}
	e.limiter.CleanupStale(maxIdle)
	return expired
}

// Shutdown cancels every pending facilitator task and drops all sessions.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.scheduler.CancelAll()
	for _, s := range e.store.Sessions() {
		for _, p := range s.Participants() {
			e.hub.Leave(s.Code, p.ConnID)
		}
	}
	e.store.Clear()
}

// Stats returns the live session and participant counts.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := Stats{ActiveSessions: e.store.Count()}
	for _, s := range e.store.Sessions() {
		stats.Participants += s.ParticipantCount()
	}
	return stats
}

// participantLocked resolves connID to its session and participant record.
func (e *Engine) participantLocked(connID string) (*conversation.Session, conversation.Participant, error) {
	code, ok := e.store.SessionFor(connID)
	if !ok {
		return nil, conversation.Participant{}, ErrSessionNotFound
	}
	s, ok := e.store.Get(code)
	if !ok {
		return nil, conversation.Participant{}, ErrSessionNotFound
	}
	p, ok := s.Participant(connID)
	if !ok {
		return nil, conversation.Participant{}, ErrNotAuthorized
	}
	return s, p, nil
}

// noticeLocked appends an unprompted facilitator message. It counts as
// the facilitator speaking.
func (e *Engine) noticeLocked(s *conversation.Session, msg conversation.Message) conversation.Message {
	msg = s.Log().Append(msg)
	s.Tracker().FacilitatorSpoke(msg.Timestamp)
	return msg
}

func (e *Engine) broadcastRosterLocked(s *conversation.Session) {
	e.hub.Broadcast(s.Code, protocol.EventParticipantCount, protocol.ParticipantCount{
		Count:        s.ParticipantCount(),
		Participants: s.ParticipantNames(),
	})
}

func validName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > MaxNameLength {
		return "", ErrInvalidName
	}
	return name, nil
}
