package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRegistry stores claims as attempt:<participant_id> keys so every
// gateway replica sees the same set.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRegistry connects to Redis and verifies the connection
func NewRedisRegistry(addr string, db int, ttl time.Duration) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisRegistry{client: client, ttl: ttl}, nil
}

func attemptKey(participantID string) string {
	return fmt.Sprintf("attempt:%s", participantID)
}

func (r *RedisRegistry) Claim(ctx context.Context, participantID string) error {
	if participantID == "" {
		return nil
	}

	ok, err := r.client.SetNX(ctx, attemptKey(participantID), time.Now().UTC().Format(time.RFC3339), r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to claim attempt: %w", err)
	}
	if !ok {
		return ErrAlreadyParticipated
	}
	return nil
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
