package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"converse-backend/internal/codec"
	"converse-backend/internal/models"
)

// titleMaxLen bounds thread titles derived from the seed message.
const titleMaxLen = 50

type ThreadRepo struct {
	pool *pgxpool.Pool
}

func NewThreadRepo(pool *pgxpool.Pool) *ThreadRepo {
	return &ThreadRepo{pool: pool}
}

// deriveTitle truncates the seed content to a bounded length, marking
// truncation with an ellipsis.
func deriveTitle(content string) string {
	runes := []rune(content)
	if len(runes) <= titleMaxLen {
		return content
	}
	return string(runes[:titleMaxLen]) + "..."
}

// Create atomically creates a thread together with its seed USER
// message. A thread is never observable without at least one message.
func (r *ThreadRepo) Create(ctx context.Context, userID uuid.UUID, content, model string) (*models.Thread, error) {
	thread := &models.Thread{
		ID:     uuid.New(),
		UserID: userID,
		Title:  deriveTitle(content),
		Model:  model,
	}

	msg := &models.Message{
		ID:       uuid.New(),
		ThreadID: thread.ID,
		Role:     models.RoleUser,
		Type:     models.TypeNormal,
		Model:    &model,
		Content:  codec.EncodeText(content),
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO threads (id, user_id, title, model) VALUES ($1, $2, $3, $4) RETURNING created_at`,
		thread.ID, thread.UserID, thread.Title, thread.Model,
	).Scan(&thread.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert thread: %w", err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO messages (id, thread_id, message_role, message_type, model, content)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`,
		msg.ID, msg.ThreadID, msg.Role, msg.Type, msg.Model, msg.Content,
	).Scan(&msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert seed message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit thread creation: %w", err)
	}

	thread.Messages = []*models.Message{msg}
	return thread, nil
}

// GetByID loads a thread with its messages in creation order. Ownership
// is part of the lookup: a thread owned by another user behaves exactly
// like an unknown id.
func (r *ThreadRepo) GetByID(ctx context.Context, threadID, userID uuid.UUID) (*models.Thread, error) {
	thread := &models.Thread{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, title, model, created_at FROM threads WHERE id = $1 AND user_id = $2`,
		threadID, userID,
	).Scan(&thread.ID, &thread.UserID, &thread.Title, &thread.Model, &thread.CreatedAt)
	if err != nil {
		return nil, err
	}

	thread.Messages, err = r.messagesForThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return thread, nil
}

// ListByUser returns the user's threads newest first, each with its
// messages in creation order.
func (r *ThreadRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Thread, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, title, model, created_at FROM threads
		 WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []*models.Thread
	var ids []uuid.UUID
	byID := make(map[uuid.UUID]*models.Thread)
	for rows.Next() {
		t := &models.Thread{Messages: []*models.Message{}}
		if err := rows.Scan(&t.ID, &t.UserID, &t.Title, &t.Model, &t.CreatedAt); err != nil {
			return nil, err
		}
		threads = append(threads, t)
		ids = append(ids, t.ID)
		byID[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(threads) == 0 {
		return threads, nil
	}

	msgRows, err := r.pool.Query(ctx,
		`SELECT id, thread_id, message_role, message_type, model, content, created_at
		 FROM messages WHERE thread_id = ANY($1) ORDER BY created_at ASC, seq ASC`,
		ids,
	)
	if err != nil {
		return nil, err
	}
	defer msgRows.Close()

	for msgRows.Next() {
		m := &models.Message{}
		if err := msgRows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Type, &m.Model, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		if t, ok := byID[m.ThreadID]; ok {
			t.Messages = append(t.Messages, m)
		}
	}
	return threads, msgRows.Err()
}

// AppendMessages persists a batch of messages in a single transaction,
// preserving call order. Ownership is the caller's concern; the batch
// is all-or-nothing.
func (r *ThreadRepo) AppendMessages(ctx context.Context, threadID uuid.UUID, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, m := range msgs {
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		m.ThreadID = threadID
		if m.Type == "" {
			m.Type = models.TypeNormal
		}
		err := tx.QueryRow(ctx,
			`INSERT INTO messages (id, thread_id, message_role, message_type, model, content)
			 VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`,
			m.ID, m.ThreadID, m.Role, m.Type, m.Model, m.Content,
		).Scan(&m.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// Delete removes a thread and, via cascade, its messages. Returns
// pgx.ErrNoRows when the thread does not exist or belongs to another
// user, indistinguishably.
func (r *ThreadRepo) Delete(ctx context.Context, threadID, userID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM threads WHERE id = $1 AND user_id = $2`,
		threadID, userID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Messages returns a thread's messages in creation order without
// loading the thread row. Used by the streaming endpoint after
// ownership has been checked.
func (r *ThreadRepo) Messages(ctx context.Context, threadID uuid.UUID) ([]*models.Message, error) {
	return r.messagesForThread(ctx, threadID)
}

func (r *ThreadRepo) messagesForThread(ctx context.Context, threadID uuid.UUID) ([]*models.Message, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, thread_id, message_role, message_type, model, content, created_at
		 FROM messages WHERE thread_id = $1 ORDER BY created_at ASC, seq ASC`,
		threadID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		m := &models.Message{}
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Type, &m.Model, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
