package events

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const publishTimeout = 5 * time.Second

// Emitter publishes events off the caller's goroutine. The pairing hub must
// never block on the broker, so a full buffer drops the event.
type Emitter struct {
	publisher Publisher
	queue     chan Event
	done      chan struct{}
}

func NewEmitter(publisher Publisher, buffer int) *Emitter {
	return &Emitter{
		publisher: publisher,
		queue:     make(chan Event, buffer),
		done:      make(chan struct{}),
	}
}

// Emit queues an event. It reports false when the event was dropped.
func (e *Emitter) Emit(event Event) bool {
	select {
	case e.queue <- event:
		return true
	default:
		log.Warn().Str("event_type", event.Type).Msg("event buffer full, dropping event")
		return false
	}
}

// Run publishes queued events until ctx is done, then flushes what is left
func (e *Emitter) Run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case ev := <-e.queue:
			e.publish(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-e.queue:
					e.publish(ev)
				default:
					return
				}
			}
		}
	}
}

// Done is closed once Run has returned
func (e *Emitter) Done() <-chan struct{} {
	return e.done
}

func (e *Emitter) publish(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := e.publisher.Publish(ctx, ev); err != nil {
		log.Error().Err(err).
			Str("event_type", ev.Type).
			Str("event_id", ev.ID.String()).
			Msg("failed to publish study event")
	}
}
