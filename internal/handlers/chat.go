package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"converse-backend/internal/codec"
	"converse-backend/internal/middleware"
	"converse-backend/internal/models"
	"converse-backend/internal/services"
)

type threadRepository interface {
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Thread, error)
	GetByID(ctx context.Context, threadID, userID uuid.UUID) (*models.Thread, error)
	Create(ctx context.Context, userID uuid.UUID, content, model string) (*models.Thread, error)
	AppendMessages(ctx context.Context, threadID uuid.UUID, msgs []*models.Message) error
	Delete(ctx context.Context, threadID, userID uuid.UUID) error
	Messages(ctx context.Context, threadID uuid.UUID) ([]*models.Message, error)
}

type exchanger interface {
	StreamExchange(ctx context.Context, req services.ExchangeRequest) <-chan services.Increment
	PublishThreadEvent(ctx context.Context, userID uuid.UUID, event models.ThreadEvent)
}

type ChatHandler struct {
	threadRepo   threadRepository
	gemini       exchanger
	defaultModel string
}

func NewChatHandler(threadRepo threadRepository, gemini exchanger, defaultModel string) *ChatHandler {
	return &ChatHandler{
		threadRepo:   threadRepo,
		gemini:       gemini,
		defaultModel: defaultModel,
	}
}

// Action envelope helpers. Actions never leak whether a thread exists
// for another user; both cases read as "Chat not found".

func actionOK(message string, data interface{}) models.ActionResponse {
	return models.ActionResponse{Success: true, Message: message, Data: data}
}

func actionFail(message string) models.ActionResponse {
	return models.ActionResponse{Success: false, Message: message}
}

// requireUser resolves the caller identity; a zero id means the
// request carried no valid identity.
func requireUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		writeJSON(w, http.StatusUnauthorized, actionFail("Unauthorized user"))
		return uuid.Nil, false
	}
	return userID, true
}

func (h *ChatHandler) ListThreads(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	threads, err := h.threadRepo.ListByUser(r.Context(), userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, actionFail("Failed to fetch chats"))
		return
	}

	writeJSON(w, http.StatusOK, actionOK("Chats fetched successfully", threads))
}

func (h *ChatHandler) GetThread(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	threadID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, actionFail("Invalid chat ID"))
		return
	}

	thread, err := h.threadRepo.GetByID(r.Context(), threadID, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, actionFail("Chat not found"))
			return
		}
		writeJSON(w, http.StatusInternalServerError, actionFail("Failed to fetch chat"))
		return
	}

	writeJSON(w, http.StatusOK, actionOK("Chat fetched successfully", thread))
}

// CreateThread atomically creates a chat with its first user message.
// The first assistant turn is produced afterwards by the streaming
// endpoint (the client auto-triggers it with skipUserMessage set).
func (h *ChatHandler) CreateThread(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req models.CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, actionFail("Invalid request body"))
		return
	}

	if strings.TrimSpace(req.Content) == "" {
		writeJSON(w, http.StatusBadRequest, actionFail("Message content is required"))
		return
	}
	if req.Model == "" {
		req.Model = h.defaultModel
	}

	thread, err := h.threadRepo.Create(r.Context(), userID, req.Content, req.Model)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, actionFail("Failed to create chat"))
		return
	}

	h.gemini.PublishThreadEvent(r.Context(), userID, models.ThreadEvent{
		Type:     "thread_created",
		ThreadID: thread.ID,
	})

	writeJSON(w, http.StatusCreated, actionOK("Chat created successfully", thread))
}

// CreateMessage appends a user turn and runs a full exchange, returning
// both confirmed messages. The user turn is persisted up front, so the
// exchange runs with user persistence suppressed.
func (h *ChatHandler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	threadID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, actionFail("Invalid chat ID"))
		return
	}

	var req models.CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, actionFail("Invalid request body"))
		return
	}

	if strings.TrimSpace(req.Content) == "" {
		writeJSON(w, http.StatusBadRequest, actionFail("Message content is required"))
		return
	}

	thread, err := h.threadRepo.GetByID(r.Context(), threadID, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, actionFail("Chat not found"))
			return
		}
		writeJSON(w, http.StatusInternalServerError, actionFail("Failed to fetch chat"))
		return
	}

	if req.Model == "" {
		req.Model = thread.Model
	}

	userMsg := &models.Message{
		Role:    models.RoleUser,
		Type:    models.TypeNormal,
		Model:   &req.Model,
		Content: codec.EncodeText(req.Content),
	}
	if err := h.threadRepo.AppendMessages(r.Context(), threadID, []*models.Message{userMsg}); err != nil {
		writeJSON(w, http.StatusInternalServerError, actionFail("Failed to save message"))
		return
	}

	input := models.UIMessage{
		ID:        userMsg.ID.String(),
		Role:      "user",
		Parts:     []models.MessagePart{{Type: "text", Text: req.Content}},
		CreatedAt: userMsg.CreatedAt,
	}

	increments := h.gemini.StreamExchange(r.Context(), services.ExchangeRequest{
		ThreadID:        threadID,
		UserID:          userID,
		Prior:           thread.Messages,
		NewMessages:     []models.UIMessage{input},
		Model:           req.Model,
		SkipUserMessage: true,
	})

	var streamErr string
	var finished *models.UIMessage
	for inc := range increments {
		switch inc.Type {
		case services.IncrementError:
			streamErr = inc.Error
		case services.IncrementFinish:
			finished = inc.Message
		}
	}
	if streamErr != "" {
		writeJSON(w, http.StatusBadGateway, actionFail("Failed to get AI response"))
		return
	}

	// Match the persisted row by the finished message's id; a
	// concurrent exchange may have appended its own assistant turn
	// in the meantime.
	pair := models.ExchangePair{UserMessage: userMsg}
	if finished != nil {
		if msgs, err := h.threadRepo.Messages(r.Context(), threadID); err == nil {
			for i := len(msgs) - 1; i >= 0; i-- {
				if msgs[i].ID.String() == finished.ID {
					pair.AssistantMessage = msgs[i]
					break
				}
			}
		}
	}

	writeJSON(w, http.StatusOK, actionOK("Message created successfully", pair))
}

func (h *ChatHandler) DeleteThread(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	threadID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, actionFail("Invalid chat ID"))
		return
	}

	if err := h.threadRepo.Delete(r.Context(), threadID, userID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, actionFail("Chat not found"))
			return
		}
		writeJSON(w, http.StatusInternalServerError, actionFail("Failed to delete chat"))
		return
	}

	h.gemini.PublishThreadEvent(r.Context(), userID, models.ThreadEvent{
		Type:     "thread_deleted",
		ThreadID: threadID,
	})

	writeJSON(w, http.StatusOK, actionOK("Chat deleted successfully", nil))
}
