package session

// Broadcaster delivers events to connections. Rooms are keyed by session
// code. Implementations must not block the caller.
type Broadcaster interface {
	// Send delivers an event to one connection.
	Send(connID, event string, payload any)

	// Broadcast delivers an event to every member of room.
	Broadcast(room, event string, payload any)

	// BroadcastExcept delivers an event to every member of room but exceptConnID.
	BroadcastExcept(room, exceptConnID, event string, payload any)

	// Join adds connID to room.
	Join(room, connID string)

	// Leave removes connID from room.
	Leave(room, connID string)
}
