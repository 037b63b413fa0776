package registry

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MemoryRegistry keeps claims in process until their TTL passes
type MemoryRegistry struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	ttl    time.Duration
	claims map[string]time.Time
}

func NewMemoryRegistry(clock clockwork.Clock, ttl time.Duration) *MemoryRegistry {
	return &MemoryRegistry{
		clock:  clock,
		ttl:    ttl,
		claims: make(map[string]time.Time),
	}
}

func (r *MemoryRegistry) Claim(_ context.Context, participantID string) error {
	if participantID == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if expires, ok := r.claims[participantID]; ok && now.Before(expires) {
		return ErrAlreadyParticipated
	}
	r.claims[participantID] = now.Add(r.ttl)
	return nil
}

func (r *MemoryRegistry) Close() error {
	return nil
}
