package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Veraticus/sage/internal/protocol"
	"github.com/Veraticus/sage/internal/session"
)

// writeTimeout bounds a single frame write to a slow client.
const writeTimeout = 10 * time.Second

// Handler is the session surface driven by inbound events.
type Handler interface {
	CreateSession(connID, userName string) (string, error)
	JoinSession(connID, code, userName string) error
	SendMessage(connID, content string) error
	Typing(connID string, isTyping bool)
	TogglePause(connID string) error
	End(connID string) error
	Leave(connID string)
}

var _ Handler = (*session.Engine)(nil)

// Server accepts stream connections carrying CBOR frames. Each
// connection is one participant; closing it is a disconnect.
type Server struct {
	listener net.Listener
	hub      *Hub
	handler  Handler
	logger   *slog.Logger
	ready    chan struct{}
	network  string
	address  string
	active   sync.WaitGroup
	mu       sync.Mutex
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a server listening on network ("unix" or "tcp") at
// address once Serve is called.
func NewServer(network, address string, hub *Hub, handler Handler, opts ...ServerOption) *Server {
	s := &Server{
		network: network,
		address: address,
		hub:     hub,
		handler: handler,
		ready:   make(chan struct{}),
		logger:  slog.Default().With(slog.String("component", "relay")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ready is closed once the listener is accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the listening address. Valid after Ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled, then closes every
// open connection and waits for their handlers to finish.
//
// For unix sockets any stale socket file is removed first and the file
// is removed again on return.
func (s *Server) Serve(ctx context.Context) error {
	if s.network == "unix" {
		if err := os.Remove(s.address); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale socket %s: %w", s.address, err)
		}
	}

	listener, err := net.Listen(s.network, s.address)
	if err != nil {
		return fmt.Errorf("listening on %s %s: %w", s.network, s.address, err)
	}
	defer func() {
		_ = listener.Close()
		if s.network == "unix" {
			_ = os.Remove(s.address)
		}
	}()

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	close(s.ready)

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	s.logger.Info("relay listening",
		slog.String("network", s.network),
		slog.String("address", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", slog.Any("error", err))
			continue
		}

		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.active.Wait()
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	connID := uuid.NewString()
	logger := s.logger.With(slog.String("conn", connID))
	c := s.hub.register(connID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(conn, c, logger)
	}()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-connCtx.Done():
		case <-c.done:
		}
		_ = conn.Close()
	}()

	logger.Debug("client connected")
	s.readLoop(conn, connID, logger)

	s.handler.Leave(connID)
	s.hub.unregister(connID)
	_ = conn.Close()
	<-writerDone
	logger.Debug("client disconnected")
}

func (s *Server) readLoop(conn net.Conn, connID string, logger *slog.Logger) {
	dec := protocol.NewDecoder(conn)
	for {
		var frame protocol.Frame
		if err := dec.Decode(&frame); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("read failed", slog.Any("error", err))
			}
			return
		}
		if !s.dispatch(connID, frame) {
			return
		}
	}
}

// writeLoop drains the connection's queue until it is closed.
func (s *Server) writeLoop(conn net.Conn, c *client, logger *slog.Logger) {
	enc := protocol.NewEncoder(conn)
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := enc.Encode(frame); err != nil {
				logger.Debug("write failed", slog.Any("error", err))
				c.close()
				return
			}
		}
	}
}

// errInvalidRequest marks a frame whose payload could not be decoded.
var errInvalidRequest = errors.New("invalid request")

// dispatch routes one inbound frame. Returns false when the client
// asked to disconnect.
func (s *Server) dispatch(connID string, frame protocol.Frame) bool {
	decode := func(v any) error {
		if err := frame.Decode(v); err != nil {
			return fmt.Errorf("%w: %w", errInvalidRequest, err)
		}
		return nil
	}

	var err error
	switch frame.Event {
	case protocol.EventCreateSession:
		var req protocol.CreateSession
		if err = decode(&req); err == nil {
			_, err = s.handler.CreateSession(connID, req.UserName)
		}
	case protocol.EventJoinSession:
		var req protocol.JoinSession
		if err = decode(&req); err == nil {
			err = s.handler.JoinSession(connID, req.SessionCode, req.UserName)
		}
	case protocol.EventSendMessage:
		var req protocol.SendMessage
		if err = decode(&req); err == nil {
			err = s.handler.SendMessage(connID, req.Content)
		}
	case protocol.EventTyping:
		var req protocol.Typing
		if err = decode(&req); err == nil {
			s.handler.Typing(connID, req.IsTyping)
		}
	case protocol.EventPauseSession:
		err = s.handler.TogglePause(connID)
	case protocol.EventEndSession:
		err = s.handler.End(connID)
	case protocol.EventDisconnect:
		return false
	default:
		s.hub.Send(connID, protocol.EventError, protocol.Error{
			Message: fmt.Sprintf("Unknown event %q", frame.Event),
		})
		return true
	}

	if err != nil {
		s.logger.Debug("request rejected",
			slog.String("conn", connID),
			slog.String("event", frame.Event),
			slog.Any("error", err))
		s.hub.Send(connID, protocol.EventError, protocol.Error{Message: userMessage(err)})
	}
	return true
}

func userMessage(err error) string {
	if errors.Is(err, errInvalidRequest) {
		return "Invalid request"
	}
	return session.UserMessage(err)
}
