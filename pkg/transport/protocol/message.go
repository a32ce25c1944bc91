package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/HMasataka/gateway/pkg/domain"
	"github.com/HMasataka/gateway/pkg/errors"
	"github.com/rs/xid"
)

// Frame represents a transport-level message frame
type Frame struct {
	ID        string          `json:"id,omitempty"`
	Event     string          `json:"event"`
	Namespace string          `json:"namespace,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewFrame creates a new frame
func NewFrame(event string, payload any) (*Frame, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	return &Frame{
		ID:        xid.New().String(),
		Event:     event,
		Timestamp: time.Now().UTC(),
		Payload:   data,
	}, nil
}

// Encode builds a frame and marshals it in one step.
func Encode(event string, payload any) ([]byte, error) {
	f, err := NewFrame(event, payload)
	if err != nil {
		return nil, err
	}
	return f.Marshal()
}

// Decode decodes the frame payload into the provided value
func (f *Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}

// Marshal marshals the frame to bytes
func (f *Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// Unmarshal parses an inbound frame. Frames without an event name are
// rejected at the boundary.
func Unmarshal(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, errors.CodeInvalidPayload, "malformed frame")
	}
	f.Event = strings.TrimSpace(f.Event)
	if f.Event == "" {
		return nil, errors.New(errors.ErrorTypeProtocol, errors.CodeInvalidPayload, "frame has no event")
	}
	return &f, nil
}

// EncodeMessage renders a routed message as a wire frame. The frame keeps the
// message ID so the same message delivered on several instances is
// recognisable by clients.
func EncodeMessage(msg *domain.Message) ([]byte, error) {
	f := &Frame{
		ID:        msg.ID,
		Event:     msg.Event,
		Timestamp: msg.Timestamp,
		Payload:   msg.Payload,
	}
	return f.Marshal()
}

// NewMessage builds a routed message with a fresh ID.
func NewMessage(senderID string, scope domain.Scope, event string, payload any) (*domain.Message, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	return &domain.Message{
		ID:        xid.New().String(),
		SenderID:  senderID,
		Scope:     scope,
		Event:     event,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, errors.CodeMarshalFailed, "failed to marshal payload")
		}
		return b, nil
	}
}
