package services

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/MegaGrindStone/multimodal-chat/internal/models"
)

// MemoryStore implements the Store interface in process memory. Conversations live as long as the
// server process, which matches a demo deployment where history is not meant to outlive a session.
type MemoryStore struct {
	mu       sync.RWMutex
	seq      uint64
	chats    []models.Chat
	messages map[string][]models.Message
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string][]models.Message),
	}
}

// Chats returns all chats, newest first.
func (s *MemoryStore) Chats(context.Context) ([]models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chats := slices.Clone(s.chats)
	slices.Reverse(chats)
	return chats, nil
}

// AddChat stores a new chat. The returned ID is the chat's ID prefixed with a sequence number, so IDs
// stay unique and ordered even if the caller reuses one.
func (s *MemoryStore) AddChat(_ context.Context, chat models.Chat) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	chat.ID = fmt.Sprintf("%d-%s", s.seq, chat.ID)
	s.chats = append(s.chats, chat)
	s.messages[chat.ID] = make([]models.Message, 0, 16)
	return chat.ID, nil
}

// UpdateChat replaces the stored chat with the same ID.
func (s *MemoryStore) UpdateChat(_ context.Context, chat models.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.chats, func(c models.Chat) bool { return c.ID == chat.ID })
	if idx == -1 {
		return models.ErrChatNotFound
	}
	s.chats[idx] = chat
	return nil
}

// Messages returns a copy of the chat's messages in insertion order.
func (s *MemoryStore) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs, ok := s.messages[chatID]
	if !ok {
		return nil, models.ErrChatNotFound
	}
	return cloneMessages(msgs), nil
}

// AddMessage appends a message to the chat and returns its stored ID.
func (s *MemoryStore) AddMessage(_ context.Context, chatID string, message models.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, ok := s.messages[chatID]
	if !ok {
		return "", models.ErrChatNotFound
	}

	s.seq++
	message.ID = fmt.Sprintf("%d-%s", s.seq, message.ID)
	message.Contents = slices.Clone(message.Contents)
	s.messages[chatID] = append(msgs, message)
	return message.ID, nil
}

// UpdateMessage replaces the stored message with the same ID. Unknown messages are ignored.
func (s *MemoryStore) UpdateMessage(_ context.Context, chatID string, message models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, ok := s.messages[chatID]
	if !ok {
		return models.ErrChatNotFound
	}

	idx := slices.IndexFunc(msgs, func(m models.Message) bool { return m.ID == message.ID })
	if idx == -1 {
		return nil
	}
	message.Contents = slices.Clone(message.Contents)
	msgs[idx] = message
	return nil
}

func cloneMessages(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		m.Contents = slices.Clone(m.Contents)
		out[i] = m
	}
	return out
}
