package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps conversations in process. Used when no database is configured.
type MemoryStore struct {
	mu            sync.RWMutex
	nextID        int64
	conversations map[int64]*Conversation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conversations: make(map[int64]*Conversation)}
}

func (s *MemoryStore) CreateConversation(_ context.Context, conv NewConversation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.conversations[s.nextID] = &Conversation{
		ID:             s.nextID,
		StudyID:        conv.StudyID,
		User1ID:        conv.User1ID,
		User2ID:        conv.User2ID,
		User1Lang:      conv.User1Lang,
		User2Lang:      conv.User2Lang,
		Group:          GroupFor(conv.User1Lang, conv.User2Lang),
		Model:          conv.Model,
		StarterIndex:   conv.StarterIndex,
		User1PreSurvey: maps.Clone(conv.User1PreSurvey),
		User2PreSurvey: maps.Clone(conv.User2PreSurvey),
		CreatedAt:      time.Now().UTC(),
	}
	return s.nextID, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, conversationID int64, entry HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("append message to %d: %w", conversationID, ErrNotFound)
	}
	conv.History = append(conv.History, entry)
	return nil
}

func (s *MemoryStore) SavePostSurvey(_ context.Context, conversationID int64, slot Slot, answers map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("save post-survey for %d: %w", conversationID, ErrNotFound)
	}
	target := &conv.User1PostSurvey
	if slot == Slot2 {
		target = &conv.User2PostSurvey
	}
	if *target != nil {
		return ErrSurveyExists
	}
	*target = maps.Clone(answers)
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, conversationID int64) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *conv
	out.History = slices.Clone(conv.History)
	out.User1PostSurvey = maps.Clone(conv.User1PostSurvey)
	out.User2PostSurvey = maps.Clone(conv.User2PostSurvey)
	return &out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
