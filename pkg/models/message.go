package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageType classifies bus traffic. The set is closed; handlers switch
// exhaustively over it.
type MessageType string

const (
	// MessageTypeTask carries a task assignment to an agent.
	MessageTypeTask MessageType = "task"
	// MessageTypeQuery asks a component for information.
	MessageTypeQuery MessageType = "query"
	// MessageTypeResponse answers a query or reports a task result.
	MessageTypeResponse MessageType = "response"
	// MessageTypeError reports a structured failure.
	MessageTypeError MessageType = "error"
	// MessageTypeStatus carries lifecycle and heartbeat updates.
	MessageTypeStatus MessageType = "status"
	// MessageTypeCancellation asks the receiving agent to stop its
	// current task cooperatively.
	MessageTypeCancellation MessageType = "cancellation"
)

// Valid returns true if the type is a known value.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeTask, MessageTypeQuery, MessageTypeResponse,
		MessageTypeError, MessageTypeStatus, MessageTypeCancellation:
		return true
	default:
		return false
	}
}

// Message is the envelope for all bus traffic. Immutable after
// construction; the bus never stores it past delivery.
type Message struct {
	// ID is the unique identifier for this message.
	ID string `json:"id"`
	// Type classifies the payload.
	Type MessageType `json:"type"`
	// Sender is the ID of the publishing component.
	Sender string `json:"sender"`
	// Receiver is the intended recipient or channel, informational only;
	// routing is by the channel the message is published on.
	Receiver string `json:"receiver,omitempty"`
	// Content is the opaque payload.
	Content map[string]any `json:"content,omitempty"`
	// Timestamp is when the message was constructed.
	Timestamp time.Time `json:"timestamp"`
	// Context is the security context the sender operates under.
	Context SecurityContext `json:"security_context"`
	// ReplyChannel, if set, is where responses should be published.
	ReplyChannel string `json:"reply_channel,omitempty"`
}

// NewMessage constructs a message with a fresh ID and timestamp.
func NewMessage(typ MessageType, sender string, content map[string]any, sc SecurityContext) Message {
	return Message{
		ID:        uuid.New().String(),
		Type:      typ,
		Sender:    sender,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Context:   sc,
	}
}
