package conversation

import (
	"errors"
	"time"
)

// ErrSessionFull is returned when a third participant tries to join.
var ErrSessionFull = errors.New("session is full")

// Session is one moderated conversation between up to two participants.
//
// Session is not safe for concurrent use; the session engine
// serializes every access.
type Session struct {
	CreatedAt    time.Time
	lastActivity time.Time
	log          *Log
	tracker      *Tracker
	Code         string
	ID           string
	status       Status
	participants []Participant
	paused       bool
	ready        bool
}

func newSession(code, id string, now time.Time) *Session {
	return &Session{
		Code:         code,
		ID:           id,
		CreatedAt:    now,
		lastActivity: now,
		log:          NewLog(),
		tracker:      NewTracker(now),
		status:       StatusWaiting,
	}
}

// Log returns the session's message log.
func (s *Session) Log() *Log { return s.log }

// Tracker returns the session's turn-taking state.
func (s *Session) Tracker() *Tracker { return s.tracker }

// Participants returns a copy of the participants in join order.
func (s *Session) Participants() []Participant {
	out := make([]Participant, len(s.participants))
	copy(out, s.participants)
	return out
}

// ParticipantNames returns display names in join order.
func (s *Session) ParticipantNames() []string {
	names := make([]string, 0, len(s.participants))
	for _, p := range s.participants {
		names = append(names, p.Name)
	}
	return names
}

// ParticipantCount returns the number of participants.
func (s *Session) ParticipantCount() int { return len(s.participants) }

// Participant looks up a participant by connection ID.
func (s *Session) Participant(connID string) (Participant, bool) {
	for _, p := range s.participants {
		if p.ConnID == connID {
			return p, true
		}
	}
	return Participant{}, false
}

// AddParticipant appends p. The first time the session reaches
// MaxParticipants it becomes active.
func (s *Session) AddParticipant(p Participant) error {
	if len(s.participants) >= MaxParticipants {
		return ErrSessionFull
	}
	s.participants = append(s.participants, p)
	if len(s.participants) == MaxParticipants && s.status == StatusWaiting {
		s.status = StatusActive
	}
	return nil
}

// RemoveParticipant removes the participant with connID. An active
// session left with a single participant goes back to waiting.
func (s *Session) RemoveParticipant(connID string) (Participant, bool) {
	for i, p := range s.participants {
		if p.ConnID == connID {
			s.participants = append(s.participants[:i], s.participants[i+1:]...)
			if s.status == StatusActive && len(s.participants) < MaxParticipants {
				s.status = StatusWaiting
			}
			return p, true
		}
	}
	return Participant{}, false
}

// Status reports the lifecycle state, showing paused while the pause flag is set.
func (s *Session) Status() Status {
	if s.status != StatusEnded && s.paused {
		return StatusPaused
	}
	return s.status
}

// Ended reports whether the session reached its terminal state.
func (s *Session) Ended() bool { return s.status == StatusEnded }

// End moves the session to its terminal state.
func (s *Session) End() { s.status = StatusEnded }

// Paused reports the advisory pause flag.
func (s *Session) Paused() bool { return s.paused }

// SetPaused sets the advisory pause flag.
func (s *Session) SetPaused(paused bool) { s.paused = paused }

// ClaimReady returns true exactly once per session, for the caller
// that should announce both participants are present.
func (s *Session) ClaimReady() bool {
	if s.ready {
		return false
	}
	s.ready = true
	return true
}

// Touch records activity at now.
func (s *Session) Touch(now time.Time) { s.lastActivity = now }

// LastActivity returns the time of the last recorded activity.
func (s *Session) LastActivity() time.Time { return s.lastActivity }
