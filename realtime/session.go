package realtime

import (
	"sync"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/edgeee/chatsync/auth"
)

// State is the lifecycle stage of a session.
type State uint8

const (
	StateConnecting State = iota
	StateIdentified
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdentified:
		return "identified"
	default:
		return "disconnected"
	}
}

// Session is one live client connection.
type Session struct {
	id      string
	subject auth.Identity
	conn    *websocket.Conn
	limiter *rate.Limiter

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	state  State
	userID string
}

func newSession(id string, subject auth.Identity, conn *websocket.Conn, buffer int, limiter *rate.Limiter) *Session {
	return &Session{
		id:      id,
		subject: subject,
		conn:    conn,
		limiter: limiter,
		send:    make(chan []byte, buffer),
		done:    make(chan struct{}),
	}
}

// ID returns the connection id.
func (s *Session) ID() string { return s.id }

// UserID returns the user established by setup, or "" before that.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// State returns the lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) identify(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return false
	}
	s.state = StateIdentified
	s.userID = userID
	return true
}

// enqueue hands a frame to the writer without blocking. A session that
// cannot keep up is closed.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		s.close(websocket.StatusPolicyViolation, "slow consumer")
		return false
	}
}

// Done is closed once the session is disconnected.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		close(s.done)
		if s.conn != nil {
			// Close waits for the peer's close frame; never block the caller.
			go s.conn.Close(code, reason)
		}
	})
}
