package services

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	"converse-backend/internal/codec"
	"converse-backend/internal/models"
)

// PersistQueueKey is the Redis list the retry worker drains when the
// post-stream append fails.
const PersistQueueKey = "queue:message-persist"

type IncrementType string

const (
	IncrementTextDelta IncrementType = "text-delta"
	IncrementError     IncrementType = "error"
	IncrementFinish    IncrementType = "finish"
)

// Increment is one unit of streamed output. The sequence is finite and
// non-restartable; it ends with exactly one error or finish increment.
type Increment struct {
	Type    IncrementType     `json:"type"`
	Text    string            `json:"text,omitempty"`
	Error   string            `json:"error,omitempty"`
	Message *models.UIMessage `json:"message,omitempty"`
}

// ExchangeRequest describes one streaming turn against the provider.
type ExchangeRequest struct {
	ThreadID        uuid.UUID
	UserID          uuid.UUID
	Prior           []*models.Message
	NewMessages     []models.UIMessage
	Model           string
	SkipUserMessage bool
}

// exchange carries the per-turn state; its finish step is guarded so a
// turn can never be persisted twice.
type exchange struct {
	svc      *GeminiService
	req      ExchangeRequest
	finished sync.Once
}

// StreamExchange runs a full exchange: rebuild history, stream the
// provider's answer to the returned channel as it arrives, then persist
// the turn exactly once. The channel is closed when the exchange ends;
// cancelling ctx stops forwarding and skips persistence.
//
// Persistence is deliberately off the delivery path: a store failure is
// logged and queued for retry, never retracted from the caller.
func (s *GeminiService) StreamExchange(ctx context.Context, req ExchangeRequest) <-chan Increment {
	out := make(chan Increment, 16)
	ex := &exchange{svc: s, req: req}

	go func() {
		defer close(out)

		history := buildHistory(req.Prior, req.NewMessages)
		contents, err := translateHistory(history)
		if err != nil {
			log.Printf("strict translation failed, using text fallback: %v", err)
			contents = translateFallback(history)
		}
		if len(contents) == 0 {
			emit(ctx, out, Increment{Type: IncrementError, Error: "no messages to send"})
			return
		}

		if err := s.acquireRate(ctx); err != nil {
			emit(ctx, out, Increment{Type: IncrementError, Error: "provider is busy, try again later"})
			return
		}
		defer s.releaseRate()

		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		model := s.client.GenerativeModel(req.Model)
		model.SystemInstruction = genaiSystemInstruction()

		cs := model.StartChat()
		cs.History = contents[:len(contents)-1]
		last := contents[len(contents)-1]

		var full strings.Builder
		iter := cs.SendMessageStream(callCtx, last.Parts...)
		for {
			resp, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				if ctx.Err() != nil {
					// Caller went away; nothing to deliver or persist.
					return
				}
				log.Printf("Gemini stream error: %v", err)
				// The assistant turn is lost, but the user's own input
				// still gets persisted unless suppressed.
				ex.finish(nil)
				emit(ctx, out, Increment{Type: IncrementError, Error: "model provider failed"})
				return
			}

			chunk := extractText(resp)
			if chunk == "" {
				continue
			}
			full.WriteString(chunk)
			if !emit(ctx, out, Increment{Type: IncrementTextDelta, Text: chunk}) {
				return
			}
		}

		assistant := &models.UIMessage{
			ID:        uuid.NewString(),
			Role:      "assistant",
			CreatedAt: time.Now().UTC(),
		}
		if full.Len() > 0 {
			assistant.Parts = []models.MessagePart{{Type: "text", Text: full.String()}}
		}

		ex.finish(assistant)
		emit(ctx, out, Increment{Type: IncrementFinish, Message: assistant})
	}()

	return out
}

// finish is the exactly-once persistence point. It runs with a
// background context so a client disconnect after stream completion
// cannot lose the turn.
func (e *exchange) finish(assistant *models.UIMessage) {
	s, req := e.svc, e.req
	e.finished.Do(func() {
		// A thread-less exchange has nowhere to attach the turn; an
		// append against a nil id could never succeed, it would only
		// poison the retry queue.
		if req.ThreadID == uuid.Nil {
			return
		}

		batch := buildPersistBatch(req, assistant)
		if len(batch) == 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := s.threadRepo.AppendMessages(ctx, req.ThreadID, batch); err != nil {
			log.Printf("failed to persist exchange for thread %s: %v", req.ThreadID, err)
			s.enqueuePersistRetry(ctx, req.ThreadID, batch)
			return
		}

		s.PublishThreadEvent(ctx, req.UserID, models.ThreadEvent{
			Type:     "messages_appended",
			ThreadID: req.ThreadID,
		})
	})
}

// buildPersistBatch assembles the messages to store for a completed
// exchange: the last user input (unless suppressed) and the assistant
// answer when it carries at least one part.
func buildPersistBatch(req ExchangeRequest, assistant *models.UIMessage) []*models.Message {
	model := req.Model
	var batch []*models.Message

	if !req.SkipUserMessage {
		for i := len(req.NewMessages) - 1; i >= 0; i-- {
			if req.NewMessages[i].Role != "user" {
				continue
			}
			batch = append(batch, &models.Message{
				Role:    models.RoleUser,
				Type:    models.TypeNormal,
				Model:   &model,
				Content: codec.EncodeMessage(req.NewMessages[i]),
			})
			break
		}
	}

	if assistant != nil && len(assistant.Parts) > 0 {
		batch = append(batch, &models.Message{
			Role:    models.RoleAssistant,
			Type:    models.TypeNormal,
			Model:   &model,
			Content: codec.Encode(assistant.Parts),
		})
	}

	return batch
}

func (s *GeminiService) enqueuePersistRetry(ctx context.Context, threadID uuid.UUID, batch []*models.Message) {
	if s.redis == nil {
		return
	}
	job := models.PersistJob{ThreadID: threadID, Messages: batch}
	data, _ := json.Marshal(job)
	if err := s.redis.LPush(ctx, PersistQueueKey, string(data)).Err(); err != nil {
		log.Printf("failed to enqueue persistence retry for thread %s: %v", threadID, err)
	}
}

// emit forwards an increment unless the caller is gone.
func emit(ctx context.Context, out chan<- Increment, inc Increment) bool {
	select {
	case out <- inc:
		return true
	case <-ctx.Done():
		return false
	}
}
