package protocol

import (
	"encoding/json"
	"strings"

	"github.com/HMasataka/gateway/pkg/errors"
)

// MaxRoomIDLength bounds room identifiers accepted from clients.
const MaxRoomIDLength = 256

// Payload is the closed set of inbound event payloads. Every inbound frame is
// decoded into one of these before it reaches a handler.
type Payload interface {
	Validate() error
	payload()
}

type AuthRequest struct {
	Token     string `json:"token"`
	SessionID string `json:"sessionId,omitempty"`
}

type JoinRoomRequest struct {
	RoomID string `json:"roomId"`
}

type LeaveRoomRequest struct {
	RoomID string `json:"roomId"`
}

type SendMessageRequest struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
}

type TypingRequest struct {
	RoomID string `json:"roomId"`
}

type SubscribeRequest struct{}

type MarkReadRequest struct {
	NotificationID string `json:"notificationId"`
}

type MarkAllReadRequest struct{}

type MetricsRequest struct{}

type BroadcastSystemRequest struct {
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

type KickUserRequest struct {
	UserID string `json:"userId"`
	Reason string `json:"reason,omitempty"`
}

type PingRequest struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

func (AuthRequest) payload()            {}
func (JoinRoomRequest) payload()        {}
func (LeaveRoomRequest) payload()       {}
func (SendMessageRequest) payload()     {}
func (TypingRequest) payload()          {}
func (SubscribeRequest) payload()       {}
func (MarkReadRequest) payload()        {}
func (MarkAllReadRequest) payload()     {}
func (MetricsRequest) payload()         {}
func (BroadcastSystemRequest) payload() {}
func (KickUserRequest) payload()        {}
func (PingRequest) payload()            {}

func (r AuthRequest) Validate() error {
	if strings.TrimSpace(r.Token) == "" {
		return invalid("token is required")
	}
	return nil
}

func (r JoinRoomRequest) Validate() error  { return validateRoomID(r.RoomID) }
func (r LeaveRoomRequest) Validate() error { return validateRoomID(r.RoomID) }
func (r TypingRequest) Validate() error    { return validateRoomID(r.RoomID) }

func (r SendMessageRequest) Validate() error {
	if err := validateRoomID(r.RoomID); err != nil {
		return err
	}
	if strings.TrimSpace(r.Content) == "" {
		return invalid("content is required")
	}
	return nil
}

func (SubscribeRequest) Validate() error   { return nil }
func (MarkAllReadRequest) Validate() error { return nil }
func (MetricsRequest) Validate() error     { return nil }
func (PingRequest) Validate() error        { return nil }

func (r MarkReadRequest) Validate() error {
	if strings.TrimSpace(r.NotificationID) == "" {
		return invalid("notificationId is required")
	}
	return nil
}

func (r BroadcastSystemRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return invalid("message is required")
	}
	switch r.Level {
	case "", "info", "warning", "critical":
		return nil
	default:
		return invalid("level must be info, warning or critical")
	}
}

func (r KickUserRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return invalid("userId is required")
	}
	return nil
}

func validateRoomID(id string) error {
	if strings.TrimSpace(id) == "" {
		return invalid("roomId is required")
	}
	if len(id) > MaxRoomIDLength {
		return invalid("roomId is too long")
	}
	return nil
}

func invalid(details string) error {
	return errors.New(errors.ErrorTypeValidation, errors.CodeInvalidPayload, "invalid payload").WithDetails(details)
}

var inbound = map[string]func() Payload{
	EventAuth:            func() Payload { return &AuthRequest{} },
	EventJoinRoom:        func() Payload { return &JoinRoomRequest{} },
	EventLeaveRoom:       func() Payload { return &LeaveRoomRequest{} },
	EventSendMessage:     func() Payload { return &SendMessageRequest{} },
	EventTyping:          func() Payload { return &TypingRequest{} },
	EventStopTyping:      func() Payload { return &TypingRequest{} },
	EventSubscribe:       func() Payload { return &SubscribeRequest{} },
	EventMarkRead:        func() Payload { return &MarkReadRequest{} },
	EventMarkAllRead:     func() Payload { return &MarkAllReadRequest{} },
	EventAdminMetrics:    func() Payload { return &MetricsRequest{} },
	EventBroadcastSystem: func() Payload { return &BroadcastSystemRequest{} },
	EventKickUser:        func() Payload { return &KickUserRequest{} },
	EventPing:            func() Payload { return &PingRequest{} },
}

// Known reports whether event has a registered inbound payload type.
func Known(event string) bool {
	_, ok := inbound[event]
	return ok
}

// DecodePayload decodes and validates the payload of an inbound frame.
// Unknown events yield a protocol error with CodeUnknownEvent.
func DecodePayload(event string, raw json.RawMessage) (Payload, error) {
	ctor, ok := inbound[event]
	if !ok {
		return nil, errors.New(errors.ErrorTypeProtocol, errors.CodeUnknownEvent, "unknown event").WithDetails(event)
	}

	p := ctor()
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, errors.CodeInvalidPayload, "malformed payload").WithDetails(event)
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// RoomOf returns the room a payload targets, or "" for roomless events.
func RoomOf(p Payload) string {
	switch r := p.(type) {
	case *JoinRoomRequest:
		return r.RoomID
	case *LeaveRoomRequest:
		return r.RoomID
	case *SendMessageRequest:
		return r.RoomID
	case *TypingRequest:
		return r.RoomID
	default:
		return ""
	}
}
