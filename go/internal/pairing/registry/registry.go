package registry

import (
	"context"
	"errors"
)

// ErrAlreadyParticipated is returned when a participant id already claimed its pairing attempt
var ErrAlreadyParticipated = errors.New("participant has already taken part")

// Registry records which participants have used their one pairing attempt.
// An empty participant id is never recorded and always passes.
type Registry interface {
	Claim(ctx context.Context, participantID string) error
	Close() error
}
