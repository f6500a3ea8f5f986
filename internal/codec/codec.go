// Package codec translates between the stored message payload (a JSON
// array of typed parts) and the canonical part-based UIMessage shape.
// It is the only place that knows the stored encoding.
package codec

import (
	"encoding/json"
	"strings"

	"converse-backend/internal/models"
)

// Decode parses a stored message into its canonical shape. The second
// return value is false when the message should be omitted from any
// reconstructed conversation (no recognized parts survive filtering).
//
// Decoding never fails: a payload that is not a parseable part list is
// treated as a single raw text part.
func Decode(m *models.Message) (*models.UIMessage, bool) {
	ui := &models.UIMessage{
		ID:        m.ID.String(),
		Role:      strings.ToLower(string(m.Role)),
		CreatedAt: m.CreatedAt,
	}

	var parts []models.MessagePart
	if err := json.Unmarshal([]byte(m.Content), &parts); err != nil {
		ui.Parts = []models.MessagePart{{Type: "text", Text: m.Content}}
		return ui, true
	}

	for _, p := range parts {
		if p.Type == "text" {
			ui.Parts = append(ui.Parts, p)
		}
	}

	if len(ui.Parts) == 0 {
		return nil, false
	}
	return ui, true
}

// Encode serializes a part list into the stored payload encoding.
// Parts are written as-is; filtering of unknown kinds happens on read.
func Encode(parts []models.MessagePart) string {
	if len(parts) == 0 {
		return "[]"
	}
	data, err := json.Marshal(parts)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// EncodeText wraps plain text as a single-part payload, for inputs that
// carry no structured parts.
func EncodeText(text string) string {
	return Encode([]models.MessagePart{{Type: "text", Text: text}})
}

// EncodeMessage serializes a canonical message, falling back to its
// concatenated text when it has no parts.
func EncodeMessage(m models.UIMessage) string {
	if len(m.Parts) > 0 {
		return Encode(m.Parts)
	}
	return EncodeText(m.Text())
}
