package ws

import (
	"time"
)

// EventType names an outbound event.
type EventType string

const (
	EventConnected        EventType = "connected"
	EventNotification     EventType = "notification"
	EventProjectUpdate    EventType = "project-update"
	EventTaskUpdate       EventType = "task-update"
	EventBroadcast        EventType = "broadcast"
	EventNotificationRead EventType = "notificationRead"
	EventPong             EventType = "pong"
	EventRoomJoined       EventType = "room-joined"
	EventRoomLeft         EventType = "room-left"
	EventError            EventType = "error"
)

// dispatchable are the events application code may push through the
// admin API.
var dispatchable = map[EventType]bool{
	EventNotification:  true,
	EventProjectUpdate: true,
	EventTaskUpdate:    true,
	EventBroadcast:     true,
}

// Envelope is the frame written to clients. Timestamp is assigned once per
// dispatch call.
type Envelope struct {
	Type      EventType `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notification is the payload of a notification event. ID and CreatedAt
// are assigned by the hub when dispatched.
type Notification struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	UserID    string         `json:"userId"`
	Read      *bool          `json:"read,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	ProjectID string         `json:"projectId,omitempty"`
	CommentID string         `json:"commentId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

type ConnectedPayload struct {
	SessionID     string `json:"sessionId"`
	Identity      string `json:"identity"`
	Authenticated bool   `json:"authenticated"`
	Anonymous     bool   `json:"anonymous"`
}

type RoomPayload struct {
	Room string `json:"room"`
}

type PongPayload struct {
	Time time.Time `json:"time"`
}

type NotificationReadPayload struct {
	NotificationID string `json:"notificationId"`
	Read           bool   `json:"read"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// InboundType names a client request.
type InboundType string

const (
	InboundAuth      InboundType = "auth"
	InboundJoinRoom  InboundType = "join-room"
	InboundLeaveRoom InboundType = "leave-room"
	InboundPing      InboundType = "ping"
	InboundMarkRead  InboundType = "mark-read"
)

// Inbound is a frame received from a client.
type Inbound struct {
	Type           InboundType `json:"type"`
	Token          string      `json:"token,omitempty"`
	Room           string      `json:"room,omitempty"`
	NotificationID string      `json:"notificationId,omitempty"`
}
