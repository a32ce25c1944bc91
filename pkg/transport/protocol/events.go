package protocol

// Lifecycle events.
const (
	EventAuth             = "auth"
	EventConnectionStatus = "connection-status"
	EventReconnecting     = "reconnecting"
	EventReconnected      = "reconnected"
	EventError            = "error"
)

// Chat namespace.
const (
	EventChatMessage    = "chat:message"
	EventChatTyping     = "chat:typing"
	EventChatStopTyping = "chat:stop-typing"
	EventJoinRoom       = "join-room"
	EventLeaveRoom      = "leave-room"
	EventSendMessage    = "send-message"
	EventTyping         = "typing"
	EventStopTyping     = "stop-typing"
)

// Notification namespace.
const (
	EventNotificationNew     = "notification:new"
	EventNotificationUpdated = "notification:updated"
	EventNotificationDeleted = "notification:deleted"
	EventSubscribe           = "subscribe"
	EventMarkRead            = "mark-read"
	EventMarkAllRead         = "mark-all-read"
)

// Admin namespace.
const (
	EventAdminMetrics    = "admin:metrics"
	EventBroadcastSystem = "broadcast-system"
	EventKickUser        = "kick-user"
	EventSystemMessage   = "system-message"
)

// Generic.
const (
	EventUserStatus     = "user-status"
	EventKicked         = "kicked"
	EventServerShutdown = "server-shutdown"
	EventPing           = "ping"
	EventPong           = "pong"
)
