package conversation

import "time"

// TrackerState is a value snapshot of a Tracker.
type TrackerState struct {
	LastFacilitatorAt time.Time
	LastSender        string
	Consecutive       int
	SinceFacilitator  int
}

// Tracker keeps the rolling turn-taking state of one session. Only
// participant messages are observed; facilitator turns reset it.
type Tracker struct {
	state TrackerState
}

// NewTracker creates a tracker whose facilitator clock starts at now.
func NewTracker(now time.Time) *Tracker {
	return &Tracker{state: TrackerState{LastFacilitatorAt: now}}
}

// Observe records an accepted participant message from sender.
func (t *Tracker) Observe(sender string) TrackerState {
	t.state.SinceFacilitator++
	if t.state.LastSender == sender {
		t.state.Consecutive++
	} else {
		t.state.Consecutive = 1
		t.state.LastSender = sender
	}
	return t.state
}

// FacilitatorSpoke resets the counters. The last sender is kept so a
// participant who keeps talking after the facilitator starts a new
// streak at one.
func (t *Tracker) FacilitatorSpoke(now time.Time) {
	t.state.SinceFacilitator = 0
	t.state.Consecutive = 0
	t.state.LastFacilitatorAt = now
}

// State returns the current snapshot.
func (t *Tracker) State() TrackerState {
	return t.state
}
