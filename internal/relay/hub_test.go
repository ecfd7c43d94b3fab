package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/sage/internal/protocol"
)

func drain(c *client) []protocol.Frame {
	var frames []protocol.Frame
	for {
		select {
		case f := <-c.out:
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func TestHub_RoutesToRooms(t *testing.T) {
	hub := NewHub()
	a := hub.register("a")
	b := hub.register("b")
	c := hub.register("c")
	hub.Join("ROOM01", "a")
	hub.Join("ROOM01", "b")
	hub.Join("ROOM02", "c")

	hub.Broadcast("ROOM01", protocol.EventMessage, protocol.Message{ID: 1, Content: "hello"})
	hub.BroadcastExcept("ROOM01", "a", protocol.EventUserTyping, protocol.UserTyping{UserName: "Avery", IsTyping: true})
	hub.Send("c", protocol.EventError, protocol.Error{Message: "Session not found"})

	aFrames := drain(a)
	require.Len(t, aFrames, 1)
	var msg protocol.Message
	require.NoError(t, aFrames[0].Decode(&msg))
	assert.Equal(t, "hello", msg.Content)

	bFrames := drain(b)
	require.Len(t, bFrames, 2)
	assert.Equal(t, protocol.EventUserTyping, bFrames[1].Event)

	cFrames := drain(c)
	require.Len(t, cFrames, 1)
	assert.Equal(t, protocol.EventError, cFrames[0].Event)
}

func TestHub_UnknownTargetsAreIgnored(t *testing.T) {
	hub := NewHub()
	assert.NotPanics(t, func() {
		hub.Send("missing", protocol.EventSessionEnded, nil)
		hub.Broadcast("NOROOM", protocol.EventSessionEnded, nil)
		hub.Leave("NOROOM", "missing")
	})

	// Room membership without a registered connection is skipped.
	hub.Join("ROOM01", "ghost")
	hub.Broadcast("ROOM01", protocol.EventSessionEnded, nil)
}

func TestHub_FullQueueDropsConnection(t *testing.T) {
	hub := NewHub(WithQueueSize(2))
	a := hub.register("a")
	hub.Join("ROOM01", "a")

	for range 3 {
		hub.Broadcast("ROOM01", protocol.EventSessionEnded, nil)
	}

	select {
	case <-a.done:
	default:
		t.Fatal("connection should be dropped when its queue overflows")
	}
	assert.Len(t, drain(a), 2)

	hub.Send("a", protocol.EventSessionEnded, nil)
	assert.Empty(t, drain(a), "closed connections receive nothing")
}

func TestHub_UnregisterLeavesRooms(t *testing.T) {
	hub := NewHub()
	a := hub.register("a")
	hub.Join("ROOM01", "a")
	assert.Equal(t, 1, hub.Connections())

	hub.unregister("a")
	assert.Equal(t, 0, hub.Connections())
	assert.Empty(t, hub.rooms)

	select {
	case <-a.done:
	default:
		t.Fatal("unregister should close the queue")
	}
	hub.unregister("a")
}

func TestHub_ReRegisterClosesOldQueue(t *testing.T) {
	hub := NewHub()
	old := hub.register("a")
	fresh := hub.register("a")

	select {
	case <-old.done:
	default:
		t.Fatal("old queue should be closed")
	}
	hub.Send("a", protocol.EventSessionEnded, nil)
	assert.Len(t, drain(fresh), 1)
}
