package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"converse-backend/internal/codec"
	"converse-backend/internal/models"
	"converse-backend/internal/services"
)

// Actions is the remote surface the coordinator mutates through. The
// HTTP client implements it; tests substitute fakes.
type Actions interface {
	ListThreads(ctx context.Context) ([]*models.Thread, error)
	GetThread(ctx context.Context, threadID uuid.UUID) (*models.Thread, error)
	CreateThread(ctx context.Context, content, model string) (*models.Thread, error)
	CreateMessage(ctx context.Context, threadID uuid.UUID, content, model string) (*models.ExchangePair, error)
	DeleteThread(ctx context.Context, threadID uuid.UUID) error
}

// Streamer consumes the streaming exchange endpoint, invoking the
// callback for every increment in arrival order.
type Streamer interface {
	StreamChat(ctx context.Context, req models.StreamChatRequest, onIncrement func(services.Increment)) error
}

// Coordinator applies conversation mutations optimistically: the store
// shows the change immediately, then either commits the server's
// confirmed rows or rolls back to the pre-mutation snapshot. Sends to
// the same thread are serialized so overlapping mutations cannot
// interleave their snapshots.
type Coordinator struct {
	store    *Store
	actions  Actions
	streamer Streamer

	mu          sync.Mutex
	threadLocks map[uuid.UUID]*sync.Mutex
}

func NewCoordinator(store *Store, actions Actions, streamer Streamer) *Coordinator {
	return &Coordinator{
		store:       store,
		actions:     actions,
		streamer:    streamer,
		threadLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

func (c *Coordinator) threadLock(threadID uuid.UUID) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.threadLocks[threadID]
	if !ok {
		lock = &sync.Mutex{}
		c.threadLocks[threadID] = lock
	}
	return lock
}

// RefreshThreads refetches the chat list and clears the stale flag.
func (c *Coordinator) RefreshThreads(ctx context.Context) error {
	chats, err := c.actions.ListThreads(ctx)
	if err != nil {
		return err
	}
	c.store.SetChats(chats)
	return nil
}

// OpenThread makes a thread active and loads its renderable messages.
func (c *Coordinator) OpenThread(ctx context.Context, threadID uuid.UUID) error {
	thread, err := c.actions.GetThread(ctx, threadID)
	if err != nil {
		return err
	}

	c.store.SetMessages(threadID, decodeMessages(thread.Messages))
	c.store.SetActiveThread(threadID)
	return nil
}

// StartThread creates a chat from its first message and adopts the
// confirmed thread as the active one. The first assistant turn is not
// part of creation; EnsureAutoTrigger kicks it off separately.
func (c *Coordinator) StartThread(ctx context.Context, content, model string) (*models.Thread, error) {
	thread, err := c.actions.CreateThread(ctx, content, model)
	if err != nil {
		return nil, err
	}

	c.store.AddChat(thread)
	c.store.SetMessages(thread.ID, decodeMessages(thread.Messages))
	c.store.SetActiveThread(thread.ID)
	return thread, nil
}

// SendMessage appends a user turn optimistically, runs the remote
// exchange, and commits or rolls back. On rollback the thread's
// messages are byte-for-byte what they were before the send.
func (c *Coordinator) SendMessage(ctx context.Context, threadID uuid.UUID, content, model string) error {
	lock := c.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	snapshot := c.store.Snapshot(threadID)

	placeholder := models.UIMessage{
		ID:        "pending-" + uuid.NewString(),
		Role:      "user",
		Parts:     []models.MessagePart{{Type: "text", Text: content}},
		CreatedAt: time.Now().UTC(),
	}
	c.store.AddMessage(threadID, placeholder)

	pair, err := c.actions.CreateMessage(ctx, threadID, content, model)
	if err != nil {
		c.store.Restore(threadID, snapshot)
		return fmt.Errorf("send message: %w", err)
	}

	confirmed := make([]models.UIMessage, 0, 2)
	if ui, ok := codec.Decode(pair.UserMessage); ok {
		confirmed = append(confirmed, *ui)
	}
	if pair.AssistantMessage != nil {
		if ui, ok := codec.Decode(pair.AssistantMessage); ok {
			confirmed = append(confirmed, *ui)
		}
	}
	c.store.ReplaceMessage(threadID, placeholder.ID, confirmed...)
	c.store.MarkListStale()
	return nil
}

// EnsureAutoTrigger produces the first assistant turn for a freshly
// created thread, at most once per thread. The server already holds the
// seed user message, so the stream runs with user persistence
// suppressed; re-running it would double the opening answer.
func (c *Coordinator) EnsureAutoTrigger(ctx context.Context, threadID uuid.UUID, model string) error {
	if !c.store.MarkTriggered(threadID) {
		return nil
	}

	lock := c.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	var full strings.Builder
	var streamErr string
	var assistant *models.UIMessage

	err := c.streamer.StreamChat(ctx, models.StreamChatRequest{
		ThreadID:        threadID.String(),
		Model:           model,
		SkipUserMessage: true,
	}, func(inc services.Increment) {
		switch inc.Type {
		case services.IncrementTextDelta:
			full.WriteString(inc.Text)
		case services.IncrementError:
			streamErr = inc.Error
		case services.IncrementFinish:
			assistant = inc.Message
		}
	})
	if err != nil {
		return fmt.Errorf("auto-trigger stream: %w", err)
	}
	if streamErr != "" {
		return fmt.Errorf("auto-trigger stream: %s", streamErr)
	}

	if assistant == nil {
		assistant = &models.UIMessage{
			ID:   uuid.NewString(),
			Role: "assistant",
		}
		if full.Len() > 0 {
			assistant.Parts = []models.MessagePart{{Type: "text", Text: full.String()}}
		}
	}
	if len(assistant.Parts) > 0 {
		c.store.AddMessage(threadID, *assistant)
	}
	c.store.MarkListStale()
	return nil
}

// RemoveThread deletes a chat remotely and drops all local state for
// it, including the active selection when it pointed there.
func (c *Coordinator) RemoveThread(ctx context.Context, threadID uuid.UUID) error {
	if err := c.actions.DeleteThread(ctx, threadID); err != nil {
		return err
	}
	c.store.RemoveChat(threadID)
	c.store.MarkListStale()
	return nil
}

func decodeMessages(msgs []*models.Message) []models.UIMessage {
	out := make([]models.UIMessage, 0, len(msgs))
	for _, m := range msgs {
		ui, ok := codec.Decode(m)
		if !ok {
			continue
		}
		out = append(out, *ui)
	}
	return out
}
