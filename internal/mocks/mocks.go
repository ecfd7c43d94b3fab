// Package mocks provides mock implementations for testing.
package mocks

import (
	"context"
	"slices"
	"sync"

	"github.com/Veraticus/sage/internal/llm"
	"github.com/Veraticus/sage/internal/session"
)

// Compile-time checks to ensure mocks implement their interfaces.
var (
	_ llm.Generator       = (*MockGenerator)(nil)
	_ session.Broadcaster = (*MockBroadcaster)(nil)
)

// MockGenerator is a test implementation of the Generator interface.
type MockGenerator struct {
	err       error
	responses []string
	calls     []llm.Request
	mu        sync.Mutex

	// GenerateFunc allows tests to provide custom generation behavior.
	GenerateFunc func(ctx context.Context, req llm.Request) (string, error)
}

// NewMockGenerator creates a mock generator that answers with responses
// in order, repeating the last one.
func NewMockGenerator(responses ...string) *MockGenerator {
	return &MockGenerator{responses: responses}
}

// Generate implements the Generator interface.
func (m *MockGenerator) Generate(ctx context.Context, req llm.Request) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	fn := m.GenerateFunc
	err := m.err
	var text string
	switch len(m.responses) {
	case 0:
		text = "Mock reply"
	case 1:
		text = m.responses[0]
	default:
		text = m.responses[0]
		m.responses = m.responses[1:]
	}
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

// SetError makes every call fail with err.
func (m *MockGenerator) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// GetCalls returns all recorded requests.
func (m *MockGenerator) GetCalls() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]llm.Request, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// Event records one delivery to one connection.
type Event struct {
	Payload any
	ConnID  string
	Name    string
}

// MockBroadcaster is a test implementation of the Broadcaster interface.
// Room fan-out is resolved at send time so every recipient gets its own
// Event.
type MockBroadcaster struct {
	rooms  map[string]map[string]struct{}
	events []Event
	mu     sync.Mutex
}

// NewMockBroadcaster creates a new mock broadcaster.
func NewMockBroadcaster() *MockBroadcaster {
	return &MockBroadcaster{rooms: make(map[string]map[string]struct{})}
}

// Send implements the Broadcaster interface.
func (m *MockBroadcaster) Send(connID, event string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Event{ConnID: connID, Name: event, Payload: payload})
}

// Broadcast implements the Broadcaster interface.
func (m *MockBroadcaster) Broadcast(room, event string, payload any) {
	m.BroadcastExcept(room, "", event, payload)
}

// BroadcastExcept implements the Broadcaster interface.
func (m *MockBroadcaster) BroadcastExcept(room, exceptConnID, event string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, connID := range sortedMembers(m.rooms[room]) {
		if connID == exceptConnID {
			continue
		}
		m.events = append(m.events, Event{ConnID: connID, Name: event, Payload: payload})
	}
}

// Join implements the Broadcaster interface.
func (m *MockBroadcaster) Join(room, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		m.rooms[room] = members
	}
	members[connID] = struct{}{}
}

// Leave implements the Broadcaster interface.
func (m *MockBroadcaster) Leave(room, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms[room], connID)
	if len(m.rooms[room]) == 0 {
		delete(m.rooms, room)
	}
}

// Members returns the connections currently in room.
func (m *MockBroadcaster) Members(room string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedMembers(m.rooms[room])
}

// EventsFor returns everything delivered to connID, in order.
func (m *MockBroadcaster) EventsFor(connID string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.ConnID == connID {
			out = append(out, e)
		}
	}
	return out
}

// Named returns the events named name delivered to connID.
func (m *MockBroadcaster) Named(connID, name string) []Event {
	var out []Event
	for _, e := range m.EventsFor(connID) {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Reset forgets recorded events but keeps room membership.
func (m *MockBroadcaster) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}

func sortedMembers(members map[string]struct{}) []string {
	out := make([]string, 0, len(members))
	for connID := range members {
		out = append(out, connID)
	}
	slices.Sort(out)
	return out
}
