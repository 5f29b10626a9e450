package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/Ruz-on-git/FiguraJustCommunicateServer/internal/router"
	"github.com/Ruz-on-git/FiguraJustCommunicateServer/pkg/protocol"
	"github.com/Ruz-on-git/FiguraJustCommunicateServer/pkg/state"
)

// Conn is the slice of the transport connection a session drives. Tests
// substitute in-memory fakes.
type Conn interface {
	Send(message []byte) error
	Close(err error)
	CloseWithStatus(code websocket.StatusCode, err error)
}

type sessionState int

const (
	stateConnecting sessionState = iota
	stateRegistered
	stateClosed
)

var errRegisterTimeout = errors.New("registration deadline exceeded")

// Session owns one connection's lifecycle: connecting until a valid
// register command arrives, registered while commands are dispatched to
// the router, closed once the connection goes away. Cleanup runs exactly
// once no matter which exit path fires first.
type Session struct {
	logger   *slog.Logger
	registry state.Registry
	router   *router.Router
	conn     Conn
	roomID   string

	mu     sync.Mutex
	state  sessionState
	client *state.Client
	timer  *time.Timer
}

func New(logger *slog.Logger, registry state.Registry, rt *router.Router, conn Conn, roomID string) *Session {
	return &Session{
		logger:   logger.With(slog.String("component", "session"), slog.String("roomID", roomID)),
		registry: registry,
		router:   rt,
		conn:     conn,
		roomID:   roomID,
	}
}

// Start arms the registration deadline. A connection that never sends a
// valid register command is dropped when it fires.
func (s *Session) Start(registerDeadline time.Duration) {
	if registerDeadline <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateConnecting {
		return
	}
	s.timer = time.AfterFunc(registerDeadline, s.onRegisterTimeout)
}

// HandleFrame is the transport's message callback.
func (s *Session) HandleFrame(_ context.Context, _ uuid.UUID, msg []byte) {
	cmd, parseErr := protocol.Parse(msg)

	s.mu.Lock()
	st := s.state
	client := s.client
	s.mu.Unlock()

	switch st {
	case stateConnecting:
		s.handleRegistration(cmd, parseErr)
	case stateRegistered:
		if parseErr != nil {
			s.sendError(parseErr.Error())
			return
		}
		if cmd.CommandType() == protocol.TypeRegister {
			s.sendError("Already registered.")
			return
		}
		s.router.HandleCommand(client, cmd)
	case stateClosed:
		// Frame raced the close; nothing to do.
	}
}

// handleRegistration processes the mandatory first frame. Any failure
// here is fatal: the connection is closed without registry side effects.
func (s *Session) handleRegistration(cmd protocol.Command, parseErr error) {
	if parseErr != nil {
		s.reject(websocket.StatusProtocolError, "Protocol error: First message must be a valid 'register' type.", parseErr)
		return
	}
	reg, ok := cmd.(*protocol.Register)
	if !ok {
		s.reject(websocket.StatusProtocolError, "Protocol error: First message must be a valid 'register' type.", errors.New("first command was "+cmd.CommandType()))
		return
	}
	if reg.UserID == "" {
		s.reject(websocket.StatusPolicyViolation, "User ID is invalid or already in use.", errors.New("empty user id"))
		return
	}

	s.mu.Lock()
	if s.state != stateConnecting {
		s.mu.Unlock()
		return
	}
	client, err := s.registry.Register(s.roomID, reg.UserID, s.conn, state.NewWhitelist(reg.Whitelist))
	if err != nil {
		s.mu.Unlock()
		s.reject(websocket.StatusPolicyViolation, "User ID is invalid or already in use.", err)
		return
	}
	s.state = stateRegistered
	s.client = client
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	s.logger.Info("Client registered", slog.String("userID", reg.UserID))
}

// HandleClose is the transport's close callback. Registry cleanup runs
// here and only here, so every exit path funnels through one spot.
func (s *Session) HandleClose(_ uuid.UUID, err error) {
	client, prev := s.transitionClosed()
	if prev == stateClosed {
		return
	}
	if client != nil {
		s.registry.Remove(client.RoomID, client.UserID)
		s.logger.Info("Client unregistered", slog.String("userID", client.UserID), slog.Any("reason", err))
	}
}

func (s *Session) onRegisterTimeout() {
	_, prev := s.transitionClosed()
	if prev != stateConnecting {
		return
	}
	s.logger.Warn("Registration deadline exceeded, closing connection")
	s.sendError("Registration timed out.")
	s.conn.CloseWithStatus(websocket.StatusPolicyViolation, errRegisterTimeout)
}

// reject sends an error frame and closes a still-unregistered
// connection. Marking the session closed first keeps the transport's
// close callback from double-running cleanup.
func (s *Session) reject(code websocket.StatusCode, message string, cause error) {
	_, prev := s.transitionClosed()
	if prev == stateClosed {
		return
	}
	s.logger.Warn("Rejecting connection", slog.String("message", message), slog.Any("error", cause))
	s.sendError(message)
	s.conn.CloseWithStatus(code, cause)
}

// transitionClosed moves the session to closed and reports the prior
// state. Idempotent; the first caller gets the real prior state and the
// client record, everyone after sees closed.
func (s *Session) transitionClosed() (*state.Client, sessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return nil, stateClosed
	}
	prev := s.state
	s.state = stateClosed
	if s.timer != nil {
		s.timer.Stop()
	}
	client := s.client
	s.client = nil
	return client, prev
}

func (s *Session) sendError(message string) {
	frame, err := protocol.EncodeError(message)
	if err != nil {
		s.logger.Error("Failed to encode error frame", slog.Any("error", err))
		return
	}
	if err := s.conn.Send(frame); err != nil {
		s.logger.Debug("Error frame not delivered", slog.Any("error", err))
	}
}
