package models

import "github.com/google/uuid"

// ActionResponse is the envelope returned by every chat action.
type ActionResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// API error response used outside the action envelope (auth, middleware).
type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}

// PersistJob is a deferred message-append, queued on Redis when the
// post-stream persistence write fails.
type PersistJob struct {
	ThreadID   uuid.UUID  `json:"thread_id"`
	Messages   []*Message `json:"messages"`
	RetryCount int        `json:"retry_count"`
}

// Thread lifecycle events pushed to connected clients so they can
// refetch their thread list.
type ThreadEvent struct {
	Type     string    `json:"type"` // "thread_created" | "thread_deleted" | "messages_appended"
	ThreadID uuid.UUID `json:"thread_id"`
}
