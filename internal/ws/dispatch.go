package ws

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/taskpulse/backend/internal/room"
	"github.com/taskpulse/backend/internal/session"
)

const (
	modeIdentity   = "identity"
	modeIdentities = "identities"
	modeRoom       = "room"
	modeBroadcast  = "broadcast"
	modeDirect     = "direct"
)

func newNotificationID() string {
	return uuid.NewString()
}

// encode builds the frame for one dispatch call. Notifications are copied
// and stamped so every recipient sees the same id and timestamp.
func (h *Hub) encode(event EventType, payload any, now time.Time) ([]byte, error) {
	switch p := payload.(type) {
	case Notification:
		payload = h.stamp(p, now)
	case *Notification:
		if p != nil {
			payload = h.stamp(*p, now)
		}
	}
	return json.Marshal(Envelope{Type: event, Payload: payload, Timestamp: now})
}

func (h *Hub) stamp(n Notification, now time.Time) Notification {
	if n.ID == "" {
		n.ID = h.newID()
	}
	n.CreatedAt = now
	return n
}

// deliver queues data to each session and returns how many accepted it.
// A closed session is skipped silently; a full queue under the disconnect
// policy closes that session.
func (h *Hub) deliver(sessions []*session.Session, data []byte) int {
	n := 0
	for _, s := range sessions {
		err := s.Enqueue(data)
		switch {
		case err == nil:
			n++
		case errors.Is(err, session.ErrClosed):
			h.metrics.DeliveryFailed("closed")
		case errors.Is(err, session.ErrQueueFull):
			h.metrics.DeliveryFailed("queue_full")
			h.logger.Warn("session too slow, disconnecting", "session", s.ID(), "identity", s.Identity())
			h.Disconnect(s, "send queue full")
		}
	}
	return n
}

func (h *Hub) dispatch(mode string, event EventType, payload any, resolve func() []*session.Session) int {
	start := time.Now()
	defer h.metrics.ObserveDispatch(mode, start)

	data, err := h.encode(event, payload, h.now())
	if err != nil {
		h.logger.Error("dispatch encode failed", "event", event, "err", err)
		return 0
	}
	n := h.deliver(resolve(), data)
	h.metrics.Delivered(mode, n)
	return n
}

// send writes one event to a single session.
func (h *Hub) send(s *session.Session, event EventType, payload any) bool {
	return h.dispatch(modeDirect, event, payload, func() []*session.Session {
		return []*session.Session{s}
	}) == 1
}

// SendToIdentity delivers to every session registered under identity and
// every member of its personal room.
func (h *Hub) SendToIdentity(identity string, event EventType, payload any) int {
	return h.dispatch(modeIdentity, event, payload, func() []*session.Session {
		return h.resolveIdentity(identity)
	})
}

// SendToIdentities delivers to each distinct identity independently.
func (h *Hub) SendToIdentities(identities []string, event EventType, payload any) int {
	return h.dispatch(modeIdentities, event, payload, func() []*session.Session {
		seen := make(map[string]bool, len(identities))
		var out []*session.Session
		for _, identity := range identities {
			if seen[identity] {
				continue
			}
			seen[identity] = true
			out = append(out, h.resolveIdentity(identity)...)
		}
		return out
	})
}

// SendToRoom delivers to the current members of the named room.
func (h *Hub) SendToRoom(name string, event EventType, payload any) int {
	return h.dispatch(modeRoom, event, payload, func() []*session.Session {
		return h.lookup(h.rooms.MembersOf(name))
	})
}

// Broadcast delivers to every session that finished its handshake.
func (h *Hub) Broadcast(event EventType, payload any) int {
	return h.dispatch(modeBroadcast, event, payload, func() []*session.Session {
		all := h.registry.All()
		out := all[:0]
		for _, s := range all {
			switch s.State() {
			case session.Authenticated, session.Anonymous:
				out = append(out, s)
			}
		}
		return out
	})
}

func (h *Hub) resolveIdentity(identity string) []*session.Session {
	ids := h.registry.SessionsOf(identity)
	ids = append(ids, h.rooms.MembersOf(room.UserRoom(identity))...)

	seen := make(map[string]bool, len(ids))
	unique := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	return h.lookup(unique)
}

// lookup maps ids to sessions, skipping ids that have already gone.
func (h *Hub) lookup(ids []string) []*session.Session {
	out := make([]*session.Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := h.registry.Get(id); ok {
			out = append(out, s)
		}
	}
	return out
}
