package ws

import (
	"encoding/json"

	"github.com/taskpulse/backend/internal/session"
)

type inboundHandler func(h *Hub, s *session.Session, msg Inbound)

// inboundHandlers is the complete set of client requests the hub serves.
var inboundHandlers = map[InboundType]inboundHandler{
	InboundAuth:      handleLateAuth,
	InboundJoinRoom:  handleJoinRoom,
	InboundLeaveRoom: handleLeaveRoom,
	InboundPing:      handlePing,
	InboundMarkRead:  handleMarkRead,
}

// HandleInbound decodes one client frame and runs its handler. Undecodable
// frames and unknown types are ignored.
func (h *Hub) HandleInbound(s *session.Session, data []byte) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Debug("ignoring undecodable frame", "session", s.ID(), "err", err)
		return
	}
	handler, ok := inboundHandlers[msg.Type]
	if !ok {
		h.logger.Debug("ignoring unknown frame type", "session", s.ID(), "type", msg.Type)
		return
	}
	handler(h, s, msg)
}

// parseAuthFrame reports whether data is an auth frame and returns its token.
func parseAuthFrame(data []byte) (string, bool) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != InboundAuth {
		return "", false
	}
	return msg.Token, true
}

func handleLateAuth(h *Hub, s *session.Session, _ Inbound) {
	h.logger.Debug("auth frame after handshake ignored", "session", s.ID())
}

func handleJoinRoom(h *Hub, s *session.Session, msg Inbound) {
	if err := h.JoinRoom(s, msg.Room); err != nil {
		h.metrics.RoomRejected()
		h.logger.Debug("join rejected", "session", s.ID(), "room", msg.Room, "err", err)
		return
	}
	h.send(s, EventRoomJoined, RoomPayload{Room: msg.Room})
}

func handleLeaveRoom(h *Hub, s *session.Session, msg Inbound) {
	if err := h.LeaveRoom(s, msg.Room); err != nil {
		h.metrics.RoomRejected()
		h.logger.Debug("leave rejected", "session", s.ID(), "room", msg.Room, "err", err)
		return
	}
	h.send(s, EventRoomLeft, RoomPayload{Room: msg.Room})
}

func handlePing(h *Hub, s *session.Session, _ Inbound) {
	h.send(s, EventPong, PongPayload{Time: h.now()})
}

func handleMarkRead(h *Hub, s *session.Session, msg Inbound) {
	if msg.NotificationID == "" {
		return
	}
	if h.onRead != nil {
		h.onRead(s.Identity(), msg.NotificationID)
	}
	h.send(s, EventNotificationRead, NotificationReadPayload{
		NotificationID: msg.NotificationID,
		Read:           true,
	})
}
