package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"converse-backend/internal/models"
	"converse-backend/internal/services"
)

func TestStreamChatValidation(t *testing.T) {
	h := NewChatHandler(newFakeThreadRepo(), &fakeExchanger{}, "gemini-3-flash-preview")
	userID := uuid.New()

	tests := []struct {
		name    string
		body    models.StreamChatRequest
		userID  uuid.UUID
		status  int
		message string
	}{
		{
			name:    "no identity",
			body:    models.StreamChatRequest{Model: "gemini-3-flash-preview"},
			userID:  uuid.Nil,
			status:  http.StatusUnauthorized,
			message: "Unauthorized user",
		},
		{
			name:    "missing model",
			body:    models.StreamChatRequest{Messages: []models.UIMessage{{Role: "user", Parts: []models.MessagePart{{Type: "text", Text: "hi"}}}}},
			userID:  userID,
			status:  http.StatusBadRequest,
			message: "model is required",
		},
		{
			name:    "no messages and no thread",
			body:    models.StreamChatRequest{Model: "gemini-3-flash-preview"},
			userID:  userID,
			status:  http.StatusBadRequest,
			message: "messages are required",
		},
		{
			name: "bad thread id",
			body: models.StreamChatRequest{
				Model:    "gemini-3-flash-preview",
				ThreadID: "not-a-uuid",
			},
			userID:  userID,
			status:  http.StatusBadRequest,
			message: "Invalid thread ID",
		},
		{
			name: "unknown thread",
			body: models.StreamChatRequest{
				Model:    "gemini-3-flash-preview",
				ThreadID: uuid.NewString(),
			},
			userID:  userID,
			status:  http.StatusNotFound,
			message: "Chat not found",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.StreamChat(rr, authedRequest(t, http.MethodPost, "/api/v1/chat/stream", tc.body, tc.userID, nil))

			if rr.Code != tc.status {
				t.Errorf("Expected %d, got %d", tc.status, rr.Code)
			}
			if !strings.Contains(rr.Body.String(), tc.message) {
				t.Errorf("Expected error %q, got %s", tc.message, rr.Body.String())
			}
		})
	}
}

func TestStreamChatEmitsSSE(t *testing.T) {
	repo := newFakeThreadRepo()
	owner := uuid.New()
	thread, _ := repo.Create(t.Context(), owner, "seed", "gemini-3-flash-preview")

	ex := &fakeExchanger{
		increments: []services.Increment{
			{Type: services.IncrementTextDelta, Text: "Hello"},
			{Type: services.IncrementTextDelta, Text: " world"},
			{Type: services.IncrementFinish},
		},
	}
	h := NewChatHandler(repo, ex, "gemini-3-flash-preview")

	rr := httptest.NewRecorder()
	h.StreamChat(rr, authedRequest(t, http.MethodPost, "/api/v1/chat/stream", models.StreamChatRequest{
		ThreadID: thread.ID.String(),
		Model:    "gemini-3-flash-preview",
	}, owner, nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected text/event-stream, got %q", ct)
	}

	body := rr.Body.String()
	events := strings.Split(strings.TrimSpace(body), "\n\n")
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d: %q", len(events), body)
	}
	for _, ev := range events {
		if !strings.HasPrefix(ev, "data: ") {
			t.Errorf("Event missing data prefix: %q", ev)
		}
	}
	if !strings.Contains(events[0], `"text-delta"`) || !strings.Contains(events[0], "Hello") {
		t.Errorf("unexpected first event: %q", events[0])
	}
	if !strings.Contains(events[2], `"finish"`) {
		t.Errorf("unexpected final event: %q", events[2])
	}
}
