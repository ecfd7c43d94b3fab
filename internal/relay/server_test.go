package relay_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/sage/internal/facilitator"
	"github.com/Veraticus/sage/internal/mocks"
	"github.com/Veraticus/sage/internal/protocol"
	"github.com/Veraticus/sage/internal/relay"
	"github.com/Veraticus/sage/internal/session"
)

const frameTimeout = 3 * time.Second

type testClient struct {
	t      *testing.T
	conn   net.Conn
	enc    *protocol.Encoder
	frames chan protocol.Frame
}

func dial(t *testing.T, addr net.Addr) *testClient {
	t.Helper()
	conn, err := net.Dial(addr.Network(), addr.String())
	require.NoError(t, err)

	c := &testClient{
		t:      t,
		conn:   conn,
		enc:    protocol.NewEncoder(conn),
		frames: make(chan protocol.Frame, 64),
	}
	go func() {
		defer close(c.frames)
		dec := protocol.NewDecoder(conn)
		for {
			var f protocol.Frame
			if err := dec.Decode(&f); err != nil {
				return
			}
			c.frames <- f
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *testClient) send(event string, payload any) {
	c.t.Helper()
	frame, err := protocol.NewFrame(event, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.enc.Encode(frame))
}

// expect skips frames until one named event arrives and decodes it into v.
func (c *testClient) expect(event string, v any) {
	c.t.Helper()
	deadline := time.After(frameTimeout)
	for {
		select {
		case f, ok := <-c.frames:
			require.True(c.t, ok, "connection closed while waiting for %s", event)
			if f.Event != event {
				continue
			}
			if v != nil {
				require.NoError(c.t, f.Decode(v))
			}
			return
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s", event)
		}
	}
}

// expectMessage waits for a message event with the given content.
func (c *testClient) expectMessage(content string) protocol.Message {
	c.t.Helper()
	deadline := time.After(frameTimeout)
	for {
		select {
		case f, ok := <-c.frames:
			require.True(c.t, ok, "connection closed while waiting for %q", content)
			if f.Event != protocol.EventMessage {
				continue
			}
			var msg protocol.Message
			require.NoError(c.t, f.Decode(&msg))
			if msg.Content == content {
				return msg
			}
		case <-deadline:
			c.t.Fatalf("timed out waiting for message %q", content)
		}
	}
}

func startServer(t *testing.T) (*relay.Server, *mocks.MockGenerator) {
	t.Helper()

	dir, err := os.MkdirTemp("", "sage")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	gen := mocks.NewMockGenerator("Let's take a breath together.")
	responder, err := facilitator.NewResponder(gen, "You are Sage.",
		facilitator.WithDelays(facilitator.Delays{
			Intervention: 5 * time.Millisecond,
			StrategicMin: 5 * time.Millisecond,
			StrategicMax: 10 * time.Millisecond,
			NormalMin:    5 * time.Millisecond,
			NormalMax:    10 * time.Millisecond,
		}))
	require.NoError(t, err)

	hub := relay.NewHub()
	engine, err := session.NewEngine(hub, responder, session.WithReadyDelay(5*time.Millisecond))
	require.NoError(t, err)

	server := relay.NewServer("unix", filepath.Join(dir, "relay.sock"), hub, engine)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(frameTimeout):
			t.Error("server did not stop")
		}
		engine.Shutdown()
	})

	select {
	case <-server.Ready():
	case err := <-done:
		t.Fatalf("server failed to start: %v", err)
	}
	return server, gen
}

func TestServer_Conversation(t *testing.T) {
	server, gen := startServer(t)

	avery := dial(t, server.Addr())
	avery.send(protocol.EventCreateSession, protocol.CreateSession{UserName: "Avery"})

	var created protocol.SessionCreated
	avery.expect(protocol.EventSessionCreated, &created)
	assert.Len(t, created.SessionCode, 6)
	assert.NotEmpty(t, created.SessionID)
	welcome := avery.expectMessage("Hello Avery! I'm Sage, your AI counseling assistant. " +
		"I'm here to help facilitate healthy communication between you and your partner. " +
		"Please wait for your partner to join using code: " + created.SessionCode)
	assert.Equal(t, "sage", welcome.Sender)

	blair := dial(t, server.Addr())
	blair.send(protocol.EventJoinSession, protocol.JoinSession{SessionCode: created.SessionCode, UserName: "Blair"})

	var joined protocol.SessionJoined
	blair.expect(protocol.EventSessionJoined, &joined)
	assert.Equal(t, created.SessionID, joined.SessionID)
	require.Len(t, joined.Messages, 1)

	var roster protocol.ParticipantCount
	avery.expect(protocol.EventParticipantCount, &roster)
	assert.Equal(t, protocol.ParticipantCount{Count: 2, Participants: []string{"Avery", "Blair"}}, roster)
	avery.expectMessage("Blair has joined the session.")

	blair.send(protocol.EventSendMessage, protocol.SendMessage{Content: "You never listen."})
	avery.expectMessage("You never listen.")

	var typing protocol.UserTyping
	avery.expect(protocol.EventUserTyping, &typing)
	assert.Equal(t, "Sage", typing.UserName)
	reply := avery.expectMessage("Let's take a breath together.")
	assert.Equal(t, "Sage", reply.SenderName)
	blair.expectMessage("Let's take a breath together.")
	assert.NotEmpty(t, gen.GetCalls())

	avery.send(protocol.EventTyping, protocol.Typing{IsTyping: true})
	blair.expect(protocol.EventUserTyping, &typing)
	assert.Equal(t, protocol.UserTyping{UserName: "Avery", IsTyping: true}, typing)

	require.NoError(t, blair.conn.Close())
	avery.expect(protocol.EventParticipantCount, &roster)
	assert.Equal(t, 1, roster.Count)
	avery.expectMessage("Blair has disconnected.")

	avery.send(protocol.EventEndSession, nil)
	avery.expect(protocol.EventSessionEnded, nil)
}

func TestServer_Errors(t *testing.T) {
	server, _ := startServer(t)
	client := dial(t, server.Addr())

	var errPayload protocol.Error

	client.send(protocol.EventJoinSession, protocol.JoinSession{SessionCode: "ZZZZZZ", UserName: "Casey"})
	client.expect(protocol.EventError, &errPayload)
	assert.Equal(t, "Session not found", errPayload.Message)

	client.send(protocol.EventSendMessage, protocol.SendMessage{Content: "hello"})
	client.expect(protocol.EventError, &errPayload)
	assert.Equal(t, "Session not found", errPayload.Message)

	client.send(protocol.EventCreateSession, nil)
	client.expect(protocol.EventError, &errPayload)
	assert.Equal(t, "Invalid request", errPayload.Message)

	client.send("launch-rockets", nil)
	client.expect(protocol.EventError, &errPayload)
	assert.Equal(t, `Unknown event "launch-rockets"`, errPayload.Message)
}

func TestServer_DisconnectEventClosesConnection(t *testing.T) {
	server, _ := startServer(t)
	client := dial(t, server.Addr())

	client.send(protocol.EventCreateSession, protocol.CreateSession{UserName: "Avery"})
	client.expect(protocol.EventSessionCreated, nil)

	client.send(protocol.EventDisconnect, nil)
	deadline := time.After(frameTimeout)
	for {
		select {
		case _, ok := <-client.frames:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("server did not close the connection")
		}
	}
}
