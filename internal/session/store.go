package session

import (
	"sync"

	"github.com/google/uuid"

	"converse-backend/internal/models"
)

// Store is the client-side view of the user's conversations: the chat
// list, the active thread, and the renderable messages per thread. All
// methods are safe for concurrent use; readers get copies, never the
// backing slices.
type Store struct {
	mu             sync.RWMutex
	chats          []*models.Thread
	activeThreadID uuid.UUID
	messages       map[uuid.UUID][]models.UIMessage
	triggered      map[uuid.UUID]bool
	listStale      bool
}

func NewStore() *Store {
	return &Store{
		messages:  make(map[uuid.UUID][]models.UIMessage),
		triggered: make(map[uuid.UUID]bool),
	}
}

func (s *Store) Chats() []*models.Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Thread, len(s.chats))
	copy(out, s.chats)
	return out
}

func (s *Store) SetChats(chats []*models.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats = make([]*models.Thread, len(chats))
	copy(s.chats, chats)
	s.listStale = false
}

// AddChat prepends; the list renders newest first.
func (s *Store) AddChat(chat *models.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats = append([]*models.Thread{chat}, s.chats...)
}

func (s *Store) RemoveChat(threadID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range s.chats {
		if c.ID == threadID {
			s.chats = append(s.chats[:i], s.chats[i+1:]...)
			break
		}
	}
	delete(s.messages, threadID)
	delete(s.triggered, threadID)
	if s.activeThreadID == threadID {
		s.activeThreadID = uuid.Nil
	}
}

func (s *Store) ActiveThread() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeThreadID
}

func (s *Store) SetActiveThread(threadID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeThreadID = threadID
}

func (s *Store) Messages(threadID uuid.UUID) []models.UIMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMessages(s.messages[threadID])
}

func (s *Store) SetMessages(threadID uuid.UUID, msgs []models.UIMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[threadID] = copyMessages(msgs)
}

func (s *Store) AddMessage(threadID uuid.UUID, msg models.UIMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[threadID] = append(s.messages[threadID], msg)
}

// ReplaceMessage swaps the message with the given id for the provided
// replacements, preserving position. Used to commit an optimistic
// placeholder once the server confirms the turn.
func (s *Store) ReplaceMessage(threadID uuid.UUID, id string, replacements ...models.UIMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[threadID]
	for i, m := range msgs {
		if m.ID == id {
			out := make([]models.UIMessage, 0, len(msgs)-1+len(replacements))
			out = append(out, msgs[:i]...)
			out = append(out, replacements...)
			out = append(out, msgs[i+1:]...)
			s.messages[threadID] = out
			return
		}
	}
}

// Snapshot returns a copy of a thread's messages for later rollback.
func (s *Store) Snapshot(threadID uuid.UUID) []models.UIMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMessages(s.messages[threadID])
}

// Restore discards the thread's messages in favor of a snapshot taken
// before an optimistic update.
func (s *Store) Restore(threadID uuid.UUID, snapshot []models.UIMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[threadID] = copyMessages(snapshot)
}

// MarkTriggered records that the first assistant turn for a thread has
// been kicked off. Returns false if it was already marked, so the
// auto-trigger runs at most once per thread per session.
func (s *Store) MarkTriggered(threadID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.triggered[threadID] {
		return false
	}
	s.triggered[threadID] = true
	return true
}

func (s *Store) HasTriggered(threadID uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.triggered[threadID]
}

// MarkListStale flags the chat list for refetch after a mutation that
// changes list ordering or contents.
func (s *Store) MarkListStale() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listStale = true
}

func (s *Store) ListStale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listStale
}

func copyMessages(msgs []models.UIMessage) []models.UIMessage {
	if msgs == nil {
		return nil
	}
	out := make([]models.UIMessage, len(msgs))
	copy(out, msgs)
	return out
}
