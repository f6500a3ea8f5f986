package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"converse-backend/internal/codec"
	"converse-backend/internal/middleware"
	"converse-backend/internal/models"
	"converse-backend/internal/services"
)

// fakeThreadRepo keeps threads in memory and enforces ownership the
// same way the real repository does: a foreign thread is ErrNoRows.
type fakeThreadRepo struct {
	threads   map[uuid.UUID]*models.Thread
	createErr error
	appendErr error
}

func newFakeThreadRepo() *fakeThreadRepo {
	return &fakeThreadRepo{threads: make(map[uuid.UUID]*models.Thread)}
}

func (f *fakeThreadRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Thread, error) {
	var out []*models.Thread
	for _, t := range f.threads {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeThreadRepo) GetByID(ctx context.Context, threadID, userID uuid.UUID) (*models.Thread, error) {
	t, ok := f.threads[threadID]
	if !ok || t.UserID != userID {
		return nil, pgx.ErrNoRows
	}
	return t, nil
}

func (f *fakeThreadRepo) Create(ctx context.Context, userID uuid.UUID, content, model string) (*models.Thread, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	mdl := model
	t := &models.Thread{
		ID:     uuid.New(),
		UserID: userID,
		Title:  content,
		Model:  model,
		Messages: []*models.Message{{
			ID:      uuid.New(),
			Role:    models.RoleUser,
			Type:    models.TypeNormal,
			Model:   &mdl,
			Content: content,
		}},
	}
	f.threads[t.ID] = t
	return t, nil
}

func (f *fakeThreadRepo) AppendMessages(ctx context.Context, threadID uuid.UUID, msgs []*models.Message) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	t, ok := f.threads[threadID]
	if !ok {
		return pgx.ErrNoRows
	}
	for _, m := range msgs {
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		m.ThreadID = threadID
		t.Messages = append(t.Messages, m)
	}
	return nil
}

func (f *fakeThreadRepo) Delete(ctx context.Context, threadID, userID uuid.UUID) error {
	t, ok := f.threads[threadID]
	if !ok || t.UserID != userID {
		return pgx.ErrNoRows
	}
	delete(f.threads, threadID)
	return nil
}

func (f *fakeThreadRepo) Messages(ctx context.Context, threadID uuid.UUID) ([]*models.Message, error) {
	t, ok := f.threads[threadID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return t.Messages, nil
}

// fakeExchanger replays a scripted increment sequence and records
// published events. When persist is set it appends an assistant
// message and emits the matching finish increment, like the real
// exchange's finish step would. extraAssistant simulates a concurrent
// exchange landing its own answer right after ours.
type fakeExchanger struct {
	increments     []services.Increment
	events         []models.ThreadEvent
	repo           *fakeThreadRepo
	persist        bool
	extraAssistant bool
}

func (f *fakeExchanger) StreamExchange(ctx context.Context, req services.ExchangeRequest) <-chan services.Increment {
	out := make(chan services.Increment, len(f.increments)+1)
	for _, inc := range f.increments {
		out <- inc
	}
	if f.persist && f.repo != nil {
		assistant := &models.Message{
			ID:      uuid.New(),
			Role:    models.RoleAssistant,
			Type:    models.TypeNormal,
			Model:   &req.Model,
			Content: codec.EncodeText("assistant reply"),
		}
		f.repo.AppendMessages(ctx, req.ThreadID, []*models.Message{assistant})
		if f.extraAssistant {
			f.repo.AppendMessages(ctx, req.ThreadID, []*models.Message{{
				ID:      uuid.New(),
				Role:    models.RoleAssistant,
				Type:    models.TypeNormal,
				Model:   &req.Model,
				Content: codec.EncodeText("someone else's reply"),
			}})
		}
		out <- services.Increment{Type: services.IncrementFinish, Message: &models.UIMessage{
			ID:    assistant.ID.String(),
			Role:  "assistant",
			Parts: []models.MessagePart{{Type: "text", Text: "assistant reply"}},
		}}
	}
	close(out)
	return out
}

func (f *fakeExchanger) PublishThreadEvent(ctx context.Context, userID uuid.UUID, event models.ThreadEvent) {
	f.events = append(f.events, event)
}

func authedRequest(t *testing.T, method, target string, body interface{}, userID uuid.UUID, params map[string]string) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")

	ctx := req.Context()
	if userID != uuid.Nil {
		ctx = context.WithValue(ctx, middleware.UserIDKey, userID)
	}
	if len(params) > 0 {
		rctx := chi.NewRouteContext()
		for k, v := range params {
			rctx.URLParams.Add(k, v)
		}
		ctx = context.WithValue(ctx, chi.RouteCtxKey, rctx)
	}
	return req.WithContext(ctx)
}

func decodeAction(t *testing.T, rr *httptest.ResponseRecorder) models.ActionResponse {
	t.Helper()
	var resp models.ActionResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode action response: %v", err)
	}
	return resp
}

func TestActionsRejectMissingIdentity(t *testing.T) {
	h := NewChatHandler(newFakeThreadRepo(), &fakeExchanger{}, "gemini-3-flash-preview")

	tests := []struct {
		name    string
		handler http.HandlerFunc
		req     *http.Request
	}{
		{"list", h.ListThreads, authedRequest(t, http.MethodGet, "/api/v1/chats", nil, uuid.Nil, nil)},
		{"create", h.CreateThread, authedRequest(t, http.MethodPost, "/api/v1/chats", models.CreateMessageRequest{Content: "hi"}, uuid.Nil, nil)},
		{"delete", h.DeleteThread, authedRequest(t, http.MethodDelete, "/api/v1/chats/x", nil, uuid.Nil, map[string]string{"id": uuid.NewString()})},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			tc.handler(rr, tc.req)

			if rr.Code != http.StatusUnauthorized {
				t.Errorf("Expected 401, got %d", rr.Code)
			}
			resp := decodeAction(t, rr)
			if resp.Success || resp.Message != "Unauthorized user" {
				t.Errorf("Expected unauthorized envelope, got %+v", resp)
			}
		})
	}
}

func TestCreateThread(t *testing.T) {
	repo := newFakeThreadRepo()
	ex := &fakeExchanger{}
	h := NewChatHandler(repo, ex, "gemini-3-flash-preview")
	userID := uuid.New()

	rr := httptest.NewRecorder()
	h.CreateThread(rr, authedRequest(t, http.MethodPost, "/api/v1/chats",
		models.CreateMessageRequest{Content: "Hello"}, userID, nil))

	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", rr.Code)
	}
	resp := decodeAction(t, rr)
	if !resp.Success {
		t.Fatalf("Expected success, got %+v", resp)
	}
	if len(repo.threads) != 1 {
		t.Errorf("Expected 1 thread, got %d", len(repo.threads))
	}
	if len(ex.events) != 1 || ex.events[0].Type != "thread_created" {
		t.Errorf("Expected thread_created event, got %+v", ex.events)
	}
}

func TestCreateThreadRequiresContent(t *testing.T) {
	h := NewChatHandler(newFakeThreadRepo(), &fakeExchanger{}, "gemini-3-flash-preview")

	rr := httptest.NewRecorder()
	h.CreateThread(rr, authedRequest(t, http.MethodPost, "/api/v1/chats",
		models.CreateMessageRequest{Content: "   "}, uuid.New(), nil))

	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rr.Code)
	}
	resp := decodeAction(t, rr)
	if resp.Success || resp.Message != "Message content is required" {
		t.Errorf("unexpected envelope: %+v", resp)
	}
}

func TestGetThreadOwnershipIndistinguishableFromMissing(t *testing.T) {
	repo := newFakeThreadRepo()
	owner := uuid.New()
	thread, _ := repo.Create(context.Background(), owner, "mine", "gemini-3-flash-preview")

	h := NewChatHandler(repo, &fakeExchanger{}, "gemini-3-flash-preview")

	tests := []struct {
		name     string
		threadID string
		userID   uuid.UUID
	}{
		{"foreign thread", thread.ID.String(), uuid.New()},
		{"unknown thread", uuid.NewString(), owner},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.GetThread(rr, authedRequest(t, http.MethodGet, "/api/v1/chats/"+tc.threadID,
				nil, tc.userID, map[string]string{"id": tc.threadID}))

			if rr.Code != http.StatusNotFound {
				t.Errorf("Expected 404, got %d", rr.Code)
			}
			resp := decodeAction(t, rr)
			if resp.Success || resp.Message != "Chat not found" {
				t.Errorf("unexpected envelope: %+v", resp)
			}
		})
	}
}

func TestDeleteThreadOwnershipIndistinguishableFromMissing(t *testing.T) {
	repo := newFakeThreadRepo()
	owner := uuid.New()
	thread, _ := repo.Create(context.Background(), owner, "mine", "gemini-3-flash-preview")

	h := NewChatHandler(repo, &fakeExchanger{}, "gemini-3-flash-preview")

	rr := httptest.NewRecorder()
	h.DeleteThread(rr, authedRequest(t, http.MethodDelete, "/api/v1/chats/"+thread.ID.String(),
		nil, uuid.New(), map[string]string{"id": thread.ID.String()}))

	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for foreign delete, got %d", rr.Code)
	}
	if _, ok := repo.threads[thread.ID]; !ok {
		t.Error("foreign delete must not remove the thread")
	}
}

func TestCreateMessageRunsExchange(t *testing.T) {
	repo := newFakeThreadRepo()
	owner := uuid.New()
	thread, _ := repo.Create(context.Background(), owner, "seed", "gemini-3-flash-preview")

	ex := &fakeExchanger{
		repo:    repo,
		persist: true,
		increments: []services.Increment{
			{Type: services.IncrementTextDelta, Text: "assistant "},
			{Type: services.IncrementTextDelta, Text: "reply"},
		},
	}
	h := NewChatHandler(repo, ex, "gemini-3-flash-preview")

	rr := httptest.NewRecorder()
	h.CreateMessage(rr, authedRequest(t, http.MethodPost, "/api/v1/chats/"+thread.ID.String()+"/messages",
		models.CreateMessageRequest{Content: "question"}, owner, map[string]string{"id": thread.ID.String()}))

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Success bool                `json:"success"`
		Data    models.ExchangePair `json:"data"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.Success {
		t.Fatal("Expected success")
	}
	if resp.Data.UserMessage == nil || resp.Data.UserMessage.Role != models.RoleUser {
		t.Errorf("missing confirmed user message: %+v", resp.Data)
	}
	if resp.Data.AssistantMessage == nil || resp.Data.AssistantMessage.Role != models.RoleAssistant {
		t.Errorf("missing confirmed assistant message: %+v", resp.Data)
	}

	// seed + user + assistant, in order
	msgs := repo.threads[thread.ID].Messages
	if len(msgs) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(msgs))
	}
	if msgs[1].Role != models.RoleUser || msgs[2].Role != models.RoleAssistant {
		t.Errorf("unexpected order: %s, %s", msgs[1].Role, msgs[2].Role)
	}
}

func TestCreateMessageReturnsOwnAssistantTurn(t *testing.T) {
	repo := newFakeThreadRepo()
	owner := uuid.New()
	thread, _ := repo.Create(context.Background(), owner, "seed", "gemini-3-flash-preview")

	// A concurrent exchange appends its answer after ours; the action
	// must still return the turn this exchange produced.
	ex := &fakeExchanger{
		repo:           repo,
		persist:        true,
		extraAssistant: true,
	}
	h := NewChatHandler(repo, ex, "gemini-3-flash-preview")

	rr := httptest.NewRecorder()
	h.CreateMessage(rr, authedRequest(t, http.MethodPost, "/api/v1/chats/"+thread.ID.String()+"/messages",
		models.CreateMessageRequest{Content: "question"}, owner, map[string]string{"id": thread.ID.String()}))

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Success bool                `json:"success"`
		Data    models.ExchangePair `json:"data"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Data.AssistantMessage == nil {
		t.Fatal("missing assistant message")
	}
	if resp.Data.AssistantMessage.Content != codec.EncodeText("assistant reply") {
		t.Errorf("Expected this exchange's answer, got %q", resp.Data.AssistantMessage.Content)
	}

	msgs := repo.threads[thread.ID].Messages
	if last := msgs[len(msgs)-1]; resp.Data.AssistantMessage.ID == last.ID {
		t.Error("Returned the concurrent exchange's turn instead of our own")
	}
}

func TestCreateMessageProviderFailure(t *testing.T) {
	repo := newFakeThreadRepo()
	owner := uuid.New()
	thread, _ := repo.Create(context.Background(), owner, "seed", "gemini-3-flash-preview")

	ex := &fakeExchanger{
		increments: []services.Increment{
			{Type: services.IncrementError, Error: "model provider failed"},
		},
	}
	h := NewChatHandler(repo, ex, "gemini-3-flash-preview")

	rr := httptest.NewRecorder()
	h.CreateMessage(rr, authedRequest(t, http.MethodPost, "/api/v1/chats/"+thread.ID.String()+"/messages",
		models.CreateMessageRequest{Content: "question"}, owner, map[string]string{"id": thread.ID.String()}))

	if rr.Code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", rr.Code)
	}

	// The user turn stays persisted; only the assistant turn is missing.
	msgs := repo.threads[thread.ID].Messages
	if len(msgs) != 2 || msgs[1].Role != models.RoleUser {
		t.Errorf("Expected seed + user message, got %d messages", len(msgs))
	}
}
