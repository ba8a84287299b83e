package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// SessionState is the lifecycle position of one physical connection.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateOpen
	StateClosed
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// wsConn abstracts the WebSocket connection so the manager can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	Ping(ctx context.Context) error
	SetReadLimit(n int64)
}

// SessionInfo identifies a session in frames handed to the client.
type SessionInfo struct {
	// ID is the session-scoped connection identity sent as connectionId
	// on outbound creates.
	ID  string
	Seq uint64
	// Resync is true for every session after the first: its history
	// batch may repeat messages the client already holds.
	Resync bool
}

// Session is one physical channel instance. Its state only moves forward:
// Connecting to Open or Failed, and Open to Closed or Failed.
type Session struct {
	info SessionInfo

	mu       sync.RWMutex
	state    SessionState
	conn     wsConn
	openedAt time.Time
}

func newSession(info SessionInfo) *Session {
	return &Session{info: info, state: StateConnecting}
}

// Info returns the session identity.
func (s *Session) Info() SessionInfo {
	return s.info
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state
}

// open attaches conn and moves the session to Open.
func (s *Session) open(conn wsConn, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnecting {
		return fmt.Errorf("opening session in state %s", s.state)
	}

	s.conn = conn
	s.state = StateOpen
	s.openedAt = at

	return nil
}

// finish moves the session to a terminal state. Finishing an already
// finished session is a no-op.
func (s *Session) finish(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed || s.state == StateFailed {
		return
	}

	s.state = state
}

// liveConn returns the connection if the session is Open.
func (s *Session) liveConn() (wsConn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != StateOpen {
		return nil, false
	}

	return s.conn, true
}

// uptime reports how long the session has been open.
func (s *Session) uptime(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.openedAt.IsZero() {
		return 0
	}

	return now.Sub(s.openedAt)
}
