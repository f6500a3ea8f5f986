package handlers

import (
	"context"
	"net/http"

	"converse-backend/internal/services"
)

type modelLister interface {
	ListModels(ctx context.Context) ([]services.ModelInfo, error)
}

type AIHandler struct {
	gemini modelLister
}

func NewAIHandler(gemini modelLister) *AIHandler {
	return &AIHandler{gemini: gemini}
}

// ListModels exposes the provider's generateContent-capable models.
func (h *AIHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.gemini.ListModels(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorResp("AI_ERROR", "Failed to fetch models", r))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"models": models})
}
