package models

import (
	"time"

	"github.com/google/uuid"
)

type MessageRole string

const (
	RoleUser      MessageRole = "USER"
	RoleAssistant MessageRole = "ASSISTANT"
	// RoleSystem is reserved; it is never user-creatable.
	RoleSystem MessageRole = "SYSTEM"
)

type MessageType string

const (
	TypeNormal MessageType = "NORMAL"
	TypeError  MessageType = "ERROR"
)

// Thread is a persisted conversation owned by a single user.
type Thread struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	Title     string     `json:"title"`
	Model     string     `json:"model"`
	Messages  []*Message `json:"messages"`
	CreatedAt time.Time  `json:"created_at"`
}

// Message is one immutable turn in a thread. Content holds the stored
// payload encoding: a JSON array of typed parts.
type Message struct {
	ID        uuid.UUID   `json:"id"`
	ThreadID  uuid.UUID   `json:"thread_id"`
	Role      MessageRole `json:"message_role"`
	Type      MessageType `json:"message_type"`
	Model     *string     `json:"model"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

// MessagePart is one typed segment of a message payload. Only "text"
// parts are currently meaningful; unknown kinds are filtered on read,
// never dropped on write.
type MessagePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// UIMessage is the canonical in-memory message shape shared by the
// streaming endpoint, the session cache and the model adapter.
type UIMessage struct {
	ID        string        `json:"id"`
	Role      string        `json:"role"` // "user" | "assistant"
	Parts     []MessagePart `json:"parts"`
	CreatedAt time.Time     `json:"createdAt,omitempty"`
}

// Text concatenates the text parts of the message.
func (m UIMessage) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// StreamChatRequest is the body of the streaming chat endpoint.
type StreamChatRequest struct {
	ThreadID        string      `json:"threadId"`
	Messages        []UIMessage `json:"messages"`
	Model           string      `json:"model"`
	SkipUserMessage bool        `json:"skipUserMessage"`
}

// CreateMessageRequest is the body of the thread-create and
// message-append actions.
type CreateMessageRequest struct {
	Content string `json:"content"`
	Model   string `json:"model"`
}

// ExchangePair is the confirmed result of a message-append action.
type ExchangePair struct {
	UserMessage      *Message `json:"user_message"`
	AssistantMessage *Message `json:"assistant_message,omitempty"`
}
