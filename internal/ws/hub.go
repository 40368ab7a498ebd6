package ws

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/taskpulse/backend/internal/auth"
	"github.com/taskpulse/backend/internal/metrics"
	"github.com/taskpulse/backend/internal/room"
	"github.com/taskpulse/backend/internal/session"
)

var ErrTooManySessions = errors.New("too many sessions")

// Dispatcher is the surface other subsystems use to reach connected
// clients. Every send is best-effort and returns the number of sessions
// the event was queued to.
type Dispatcher interface {
	SendToIdentity(identity string, event EventType, payload any) int
	SendToIdentities(identities []string, event EventType, payload any) int
	SendToRoom(name string, event EventType, payload any) int
	Broadcast(event EventType, payload any) int
	IsOnline(identity string) bool
	ListOnlineIdentities() []string
	Status() Status
}

// Hub owns the connection registry and room manager and drives every
// session through its handshake lifecycle.
type Hub struct {
	registry *session.Registry
	rooms    *room.Manager
	verifier auth.Verifier
	logger   *log.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    func() string

	maxSessions int
	onRead      func(identity, notificationID string)

	startedAt time.Time
	proc      *process.Process
}

var _ Dispatcher = (*Hub)(nil)

// Option configures a Hub.
type Option func(*Hub)

func WithLogger(l *log.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithClock replaces time.Now for dispatch timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// WithMaxSessions caps open sessions; zero is unlimited.
func WithMaxSessions(n int) Option {
	return func(h *Hub) { h.maxSessions = n }
}

// WithReadReceipt is called when a client marks a notification read.
func WithReadReceipt(fn func(identity, notificationID string)) Option {
	return func(h *Hub) { h.onRead = fn }
}

// withIDs replaces the notification id generator in tests.
func withIDs(fn func() string) Option {
	return func(h *Hub) { h.newID = fn }
}

// NewHub creates a hub that authenticates sessions with verifier. A nil
// verifier leaves every session anonymous.
func NewHub(verifier auth.Verifier, opts ...Option) *Hub {
	if verifier == nil {
		verifier = auth.VerifierFunc(func(context.Context, string) (string, error) {
			return "", auth.ErrInvalidToken
		})
	}
	h := &Hub{
		registry:  session.NewRegistry(),
		rooms:     room.NewManager(),
		verifier:  verifier,
		logger:    log.Default(),
		now:       time.Now,
		newID:     newNotificationID,
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "hub")
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		h.proc = p
	}
	return h
}

// Accept takes ownership of a freshly connected session.
func (h *Hub) Accept(s *session.Session) error {
	if !h.registry.TryAdd(s, h.maxSessions) {
		return ErrTooManySessions
	}
	h.metrics.SessionOpened(session.Connecting.String())
	h.logger.Debug("session accepted", "session", s.ID(), "remote", s.RemoteAddr())
	return nil
}

// Full reports whether the session cap has been reached.
func (h *Hub) Full() bool {
	return h.maxSessions > 0 && h.registry.Count() >= h.maxSessions
}

// HandshakeResult describes how a handshake concluded.
type HandshakeResult struct {
	Identity string
	State    session.State
	Source   auth.Source
	Err      error
}

// Authenticate runs the handshake for s. A failed or missing credential is
// not fatal: the session continues as anonymous under a synthetic identity.
func (h *Hub) Authenticate(ctx context.Context, s *session.Session, cred auth.Credential) HandshakeResult {
	token, source := cred.Token()
	res := HandshakeResult{Source: source}

	var (
		identity string
		err      error
	)
	if strings.TrimSpace(token) == "" {
		err = auth.ErrMissingToken
	} else if identity, err = h.verifier.Verify(ctx, token); err == nil {
		if verr := room.ValidateIdentity(identity); verr != nil {
			identity, err = "", fmt.Errorf("%w: %v", auth.ErrInvalidToken, verr)
		} else if session.IsAnonymousIdentity(identity) {
			identity, err = "", fmt.Errorf("%w: reserved identity", auth.ErrInvalidToken)
		}
	}
	if err == nil {
		h.metrics.Auth("ok")
		res.Identity, res.Err = identity, h.authenticate(s, identity)
		res.State = s.State()
		if res.Err == nil {
			h.logger.Info("session authenticated", "session", s.ID(), "identity", identity, "source", source)
		}
		return res
	}

	reason := auth.Reason(err)
	h.metrics.Auth(reason)
	if reason == "missing" {
		h.logger.Debug("no credential, continuing anonymous", "session", s.ID())
	} else {
		h.logger.Info("credential rejected, continuing anonymous", "session", s.ID(), "reason", reason, "source", source, "err", err)
	}

	res.Identity, res.Err = h.anonymous(s)
	res.State = s.State()
	if res.Err == nil {
		res.Err = err
	}
	return res
}

func (h *Hub) authenticate(s *session.Session, identity string) error {
	if err := s.Authenticate(identity); err != nil {
		return err
	}
	h.metrics.SessionMoved(session.Connecting.String(), session.Authenticated.String())

	if err := h.registry.Register(identity, s.ID()); err != nil {
		if errors.Is(err, session.ErrIdentityConflict) {
			h.logger.Error("registry invariant violated, closing session", "session", s.ID(), "err", err)
			h.Disconnect(s, "registry conflict")
		}
		return err
	}
	if _, err := h.rooms.Join(s.ID(), room.UserRoom(identity)); err != nil {
		h.logger.Error("personal room join failed", "session", s.ID(), "identity", identity, "err", err)
	}
	h.undoIfClosed(s)

	h.send(s, EventConnected, ConnectedPayload{
		SessionID:     s.ID(),
		Identity:      identity,
		Authenticated: true,
	})
	return nil
}

func (h *Hub) anonymous(s *session.Session) (string, error) {
	identity, err := s.MarkAnonymous()
	if err != nil {
		return "", err
	}
	h.metrics.SessionMoved(session.Connecting.String(), session.Anonymous.String())

	if err := h.registry.Register(identity, s.ID()); err != nil {
		return identity, err
	}
	h.undoIfClosed(s)

	h.send(s, EventConnected, ConnectedPayload{
		SessionID: s.ID(),
		Identity:  identity,
		Anonymous: true,
	})
	return identity, nil
}

// undoIfClosed strips derived state added after a concurrent Disconnect
// already finished its purge.
func (h *Hub) undoIfClosed(s *session.Session) {
	if s.State() != session.Closed {
		return
	}
	h.registry.Unregister(s.ID())
	h.rooms.PurgeSession(s.ID())
}

// Disconnect moves s to Closed and removes it from the registry and every
// room. Repeated calls are no-ops.
func (h *Hub) Disconnect(s *session.Session, reason string) {
	prev, ok := s.Terminate()
	if !ok {
		return
	}
	identity := s.Identity()
	h.registry.Remove(s.ID())
	left := h.rooms.PurgeSession(s.ID())
	h.metrics.SessionClosed(prev.String())
	h.logger.Debug("session closed", "session", s.ID(), "identity", identity, "reason", reason, "rooms", len(left))
}

// DisconnectIdentity force-closes every session of identity.
func (h *Hub) DisconnectIdentity(identity string) int {
	n := 0
	for _, s := range h.sessionsOf(identity) {
		h.Disconnect(s, "kicked")
		n++
	}
	return n
}

// Shutdown closes every open session.
func (h *Hub) Shutdown() {
	for _, s := range h.registry.All() {
		h.Disconnect(s, "shutdown")
	}
}

// JoinRoom handles a client request to join a project or task room.
func (h *Hub) JoinRoom(s *session.Session, name string) error {
	if err := room.ValidateClientRoom(name); err != nil {
		return err
	}
	if s.State() == session.Closed {
		return session.ErrClosed
	}
	if _, err := h.rooms.Join(s.ID(), name); err != nil {
		return err
	}
	h.undoIfClosed(s)
	return nil
}

// LeaveRoom handles a client request to leave a project or task room.
func (h *Hub) LeaveRoom(s *session.Session, name string) error {
	if err := room.ValidateClientRoom(name); err != nil {
		return err
	}
	_, err := h.rooms.Leave(s.ID(), name)
	return err
}

// JoinIdentity adds every live session of identity to the room and
// returns how many joined.
func (h *Hub) JoinIdentity(identity, name string) (int, error) {
	if err := room.Validate(name); err != nil {
		return 0, err
	}
	n := 0
	for _, s := range h.sessionsOf(identity) {
		changed, err := h.rooms.Join(s.ID(), name)
		if err != nil {
			return n, err
		}
		h.undoIfClosed(s)
		if changed {
			n++
		}
	}
	return n, nil
}

// LeaveIdentity removes every live session of identity from the room.
func (h *Hub) LeaveIdentity(identity, name string) (int, error) {
	if err := room.Validate(name); err != nil {
		return 0, err
	}
	n := 0
	for _, s := range h.sessionsOf(identity) {
		changed, err := h.rooms.Leave(s.ID(), name)
		if err != nil {
			return n, err
		}
		if changed {
			n++
		}
	}
	return n, nil
}

func (h *Hub) IsOnline(identity string) bool {
	return h.registry.IsOnline(identity)
}

func (h *Hub) ListOnlineIdentities() []string {
	return h.registry.ListOnlineIdentities()
}

// RoomsOf returns the rooms s currently belongs to.
func (h *Hub) RoomsOf(s *session.Session) []string {
	return h.rooms.RoomsOf(s.ID())
}

// SessionCount returns the number of open sessions.
func (h *Hub) SessionCount() int {
	return h.registry.Count()
}

// sessionsOf resolves the registry entries for identity to live sessions.
func (h *Hub) sessionsOf(identity string) []*session.Session {
	ids := h.registry.SessionsOf(identity)
	out := make([]*session.Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := h.registry.Get(id); ok {
			out = append(out, s)
		}
	}
	return out
}
