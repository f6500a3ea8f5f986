package services

import (
	"fmt"

	"github.com/google/generative-ai-go/genai"

	"converse-backend/internal/codec"
	"converse-backend/internal/models"
)

// buildHistory rebuilds the canonical conversation from stored prior
// messages and appends the new canonical inputs. Stored messages that
// decode to nothing are omitted so the model never sees empty turns.
func buildHistory(prior []*models.Message, newMessages []models.UIMessage) []models.UIMessage {
	history := make([]models.UIMessage, 0, len(prior)+len(newMessages))
	for _, m := range prior {
		ui, ok := codec.Decode(m)
		if !ok {
			continue
		}
		history = append(history, *ui)
	}
	return append(history, newMessages...)
}

// toProviderRole maps canonical roles onto the provider's vocabulary.
func toProviderRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

// translateHistory converts canonical messages into provider content.
// Strict mode errors on anything unexpected; callers fall back to
// translateFallback so an exchange never dies on a malformed part.
func translateHistory(history []models.UIMessage) ([]*genai.Content, error) {
	contents := make([]*genai.Content, 0, len(history))
	for _, m := range history {
		if len(m.Parts) == 0 {
			return nil, fmt.Errorf("message %s has no parts", m.ID)
		}
		c := &genai.Content{Role: toProviderRole(m.Role)}
		for _, p := range m.Parts {
			if p.Type != "text" {
				return nil, fmt.Errorf("unsupported part type %q in message %s", p.Type, m.ID)
			}
			c.Parts = append(c.Parts, genai.Text(p.Text))
		}
		contents = append(contents, c)
	}
	return contents, nil
}

// translateFallback degrades each message to its concatenated text
// parts and drops messages left empty.
func translateFallback(history []models.UIMessage) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, m := range history {
		text := m.Text()
		if text == "" {
			continue
		}
		contents = append(contents, &genai.Content{
			Role:  toProviderRole(m.Role),
			Parts: []genai.Part{genai.Text(text)},
		})
	}
	return contents
}
