package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"converse-backend/internal/middleware"
	"converse-backend/internal/models"
	"converse-backend/internal/services"
)

// StreamChat is the streaming exchange endpoint. It forwards provider
// increments over SSE as they arrive; persistence of the completed turn
// happens inside the exchange, after the stream finishes.
func (h *ChatHandler) StreamChat(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized user"})
		return
	}

	var req models.StreamChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}

	if req.Model == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "model is required"})
		return
	}
	if len(req.Messages) == 0 && req.ThreadID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "messages are required"})
		return
	}

	exReq := services.ExchangeRequest{
		UserID:          userID,
		NewMessages:     req.Messages,
		Model:           req.Model,
		SkipUserMessage: req.SkipUserMessage,
	}

	if req.ThreadID != "" {
		threadID, err := uuid.Parse(req.ThreadID)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid thread ID"})
			return
		}

		thread, err := h.threadRepo.GetByID(r.Context(), threadID, userID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "Chat not found"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to load chat"})
			return
		}
		exReq.ThreadID = threadID
		exReq.Prior = thread.Messages
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for inc := range h.gemini.StreamExchange(r.Context(), exReq) {
		data, err := json.Marshal(inc)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}
