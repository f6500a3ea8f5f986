package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"converse-backend/internal/models"
)

// systemPrompt is the fixed instruction sent with every exchange.
const systemPrompt = `You are a helpful, knowledgeable assistant. Answer the user's questions directly and accurately. Use Markdown formatting where it improves readability. If you are unsure about something, say so instead of guessing.`

type threadStore interface {
	AppendMessages(ctx context.Context, threadID uuid.UUID, msgs []*models.Message) error
}

// GeminiService wraps the model provider and drives streaming
// exchanges against it.
type GeminiService struct {
	client     *genai.Client
	threadRepo threadStore
	redis      *redis.Client
	rateChan   chan struct{} // Token bucket
	timeout    time.Duration
}

func NewGeminiService(
	apiKey string,
	concurrentReqs int,
	timeoutSecs int,
	threadRepo threadStore,
	redisClient *redis.Client,
) (*GeminiService, error) {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	// Token bucket for rate limiting
	rateChan := make(chan struct{}, concurrentReqs)
	for i := 0; i < concurrentReqs; i++ {
		rateChan <- struct{}{}
	}

	return &GeminiService{
		client:     client,
		threadRepo: threadRepo,
		redis:      redisClient,
		rateChan:   rateChan,
		timeout:    time.Duration(timeoutSecs) * time.Second,
	}, nil
}

func (s *GeminiService) Close() {
	s.client.Close()
}

// acquireRate blocks until a rate slot is available
func (s *GeminiService) acquireRate(ctx context.Context) error {
	select {
	case <-s.rateChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Minute):
		return fmt.Errorf("timeout waiting for Gemini rate slot")
	}
}

func (s *GeminiService) releaseRate() {
	s.rateChan <- struct{}{}
}

// PublishThreadEvent notifies the user's connected clients via Redis
// pub/sub that their thread list changed.
func (s *GeminiService) PublishThreadEvent(ctx context.Context, userID uuid.UUID, event models.ThreadEvent) {
	if s.redis == nil {
		return
	}
	data, _ := json.Marshal(event)
	s.redis.Publish(ctx, fmt.Sprintf("thread_updates:%s", userID.String()), string(data))
}

func genaiSystemInstruction() *genai.Content {
	return &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}
}

// extractText flattens the text parts of a provider response chunk.
func extractText(resp *genai.GenerateContentResponse) string {
	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
	}
	return text.String()
}

// ModelInfo describes one provider model for the catalog endpoint.
type ModelInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	ContextLength int32  `json:"context_length"`
}

// ListModels returns the provider models capable of generateContent.
func (s *GeminiService) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var out []ModelInfo
	it := s.client.ListModels(ctx)
	for {
		m, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list models: %w", err)
		}

		supported := false
		for _, method := range m.SupportedGenerationMethods {
			if method == "generateContent" {
				supported = true
				break
			}
		}
		if !supported {
			continue
		}

		out = append(out, ModelInfo{
			ID:            strings.TrimPrefix(m.Name, "models/"),
			Name:          m.DisplayName,
			Description:   m.Description,
			ContextLength: m.InputTokenLimit,
		})
	}
	return out, nil
}
