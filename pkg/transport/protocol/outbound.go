package protocol

import "time"

// Outbound payloads sent by the gateway.

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
	RoomID  string `json:"roomId,omitempty"`
}

type ConnectionStatus struct {
	ConnectionID string `json:"connectionId"`
	SessionID    string `json:"sessionId,omitempty"`
	UserID       string `json:"userId"`
	Namespace    string `json:"namespace,omitempty"`
	Status       string `json:"status"`
}

type Reconnected struct {
	SessionID string   `json:"sessionId"`
	Rooms     []string `json:"rooms"`
}

type ChatMessage struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"roomId"`
	Content    string    `json:"content"`
	Author     string    `json:"author"`
	AuthorName string    `json:"authorName,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type TypingNotice struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

type JoinAck struct {
	RoomID  string         `json:"roomId"`
	Members int            `json:"members"`
	History []*ChatMessage `json:"history,omitempty"`
}

type LeaveAck struct {
	RoomID string `json:"roomId"`
}

type UserStatus struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type Kicked struct {
	Reason string `json:"reason,omitempty"`
	By     string `json:"by,omitempty"`
}

type ServerShutdown struct {
	Message       string `json:"message"`
	GracePeriodMs int64  `json:"gracePeriodMs"`
}

type SystemMessage struct {
	Message   string    `json:"message"`
	Level     string    `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

type NotificationUpdate struct {
	NotificationID string `json:"notificationId,omitempty"`
	Read           bool   `json:"read"`
	All            bool   `json:"all,omitempty"`
}

type Subscribed struct {
	RoomID string `json:"roomId"`
}

type Pong struct {
	Timestamp  int64 `json:"timestamp,omitempty"`
	ServerTime int64 `json:"serverTime"`
}
