package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// AnonymousPrefix namespaces the synthetic identities given to sessions
// that did not authenticate. Verified subjects never carry it.
const AnonymousPrefix = "anonymous:"

const defaultQueueSize = 64

var (
	ErrClosed            = errors.New("session closed")
	ErrQueueFull         = errors.New("session send queue full")
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// OverflowPolicy decides what happens when a session's outbound queue is full.
type OverflowPolicy int

const (
	// Disconnect closes the slow session.
	Disconnect OverflowPolicy = iota
	// DropOldest discards the oldest queued frame to make room.
	DropOldest
)

// ParseOverflowPolicy maps a config value to a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "disconnect":
		return Disconnect, nil
	case "drop_oldest", "drop-oldest":
		return DropOldest, nil
	}
	return Disconnect, fmt.Errorf("unknown overflow policy %q", s)
}

// IsAnonymousIdentity reports whether identity is a synthetic anonymous one.
func IsAnonymousIdentity(identity string) bool {
	return strings.HasPrefix(identity, AnonymousPrefix)
}

// Session is one live bidirectional connection. Identity is set at most
// once, by the handshake. The outbound queue is drained by the transport's
// write loop until Done is closed.
type Session struct {
	id         string
	remoteAddr string
	createdAt  time.Time

	mu       sync.Mutex
	state    State
	identity string

	send    chan []byte
	done    chan struct{}
	policy  OverflowPolicy
	dropped atomic.Uint64
}

// Option configures a Session.
type Option func(*Session)

// WithQueueSize sets the outbound queue capacity.
func WithQueueSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.send = make(chan []byte, n)
		}
	}
}

// WithOverflowPolicy sets the outbound overflow policy.
func WithOverflowPolicy(p OverflowPolicy) Option {
	return func(s *Session) {
		s.policy = p
	}
}

// WithCreatedAt overrides the creation timestamp.
func WithCreatedAt(t time.Time) Option {
	return func(s *Session) {
		s.createdAt = t
	}
}

// New creates a session in the Connecting state.
func New(id, remoteAddr string, opts ...Option) *Session {
	s := &Session{
		id:         id,
		remoteAddr: remoteAddr,
		createdAt:  time.Now(),
		state:      Connecting,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.send == nil {
		s.send = make(chan []byte, defaultQueueSize)
	}
	return s
}

func (s *Session) ID() string           { return s.id }
func (s *Session) RemoteAddr() string   { return s.remoteAddr }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Outbound is the queue the transport write loop drains.
func (s *Session) Outbound() <-chan []byte { return s.send }

// Done is closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Dropped counts frames discarded under the DropOldest policy.
func (s *Session) Dropped() uint64 { return s.dropped.Load() }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the session's identity, which is empty while Connecting.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Authenticated reports whether the identity was verified.
func (s *Session) Authenticated() bool {
	return s.State() == Authenticated
}

// Authenticate moves Connecting -> Authenticated and binds identity.
func (s *Session) Authenticate(identity string) error {
	if identity == "" || IsAnonymousIdentity(identity) {
		return fmt.Errorf("authenticate %s as %q: %w", s.id, identity, ErrInvalidTransition)
	}
	return s.transition(Authenticated, identity)
}

// MarkAnonymous moves Connecting -> Anonymous and binds the synthetic
// identity derived from the session id, which it returns.
func (s *Session) MarkAnonymous() (string, error) {
	identity := AnonymousPrefix + s.id
	if err := s.transition(Anonymous, identity); err != nil {
		return "", err
	}
	return identity, nil
}

func (s *Session) transition(to State, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.state, to) {
		return fmt.Errorf("session %s %s -> %s: %w", s.id, s.state, to, ErrInvalidTransition)
	}
	s.state = to
	s.identity = identity
	return nil
}

// Close moves the session to Closed. It reports true only for the call
// that performed the transition.
func (s *Session) Close() bool {
	_, ok := s.Terminate()
	return ok
}

// Terminate is Close that also returns the state the session left.
func (s *Session) Terminate() (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return Closed, false
	}
	prev := s.state
	s.state = Closed
	close(s.done)
	return prev, true
}

// Enqueue appends a frame to the outbound queue without blocking. A frame
// enqueued concurrently with Close may be left unsent.
func (s *Session) Enqueue(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return ErrClosed
	}

	select {
	case s.send <- data:
		return nil
	default:
	}

	if s.policy != DropOldest {
		return ErrQueueFull
	}

	select {
	case <-s.send:
		s.dropped.Add(1)
	default:
	}
	// Producers hold s.mu, so the slot freed above stays free.
	s.send <- data
	return nil
}
