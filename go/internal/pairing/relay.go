package pairing

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/turingchat/go/internal/pairing/store"
)

const relayBuffer = 64

// relayJob is one chat line waiting to be translated and recorded
type relayJob struct {
	sender store.Slot
	from   string
	to     string
	entry  store.HistoryEntry
}

// relayResult carries a translated line back to the hub for delivery
type relayResult struct {
	conversationID int64
	sender         store.Slot
	text           string
}

// MessageRelay translates and records the lines of one conversation in the
// order they were sent, off the hub goroutine. Submit and Stop are only
// called from the hub.
type MessageRelay struct {
	jobs    chan relayJob
	stopped bool
}

type relayDeps struct {
	translator Translator
	store      store.Store
	timeout    time.Duration
}

func startMessageRelay(ctx context.Context, conversationID int64, deps relayDeps, out chan<- relayResult) *MessageRelay {
	r := &MessageRelay{jobs: make(chan relayJob, relayBuffer)}

	go func() {
		for job := range r.jobs {
			res := relayResult{
				conversationID: conversationID,
				sender:         job.sender,
				text:           deps.translate(ctx, conversationID, job),
			}
			deps.record(ctx, conversationID, job.entry, res.text)

			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
		}
	}()
	return r
}

// Submit queues a line. It returns false when the relay is full or stopped.
func (r *MessageRelay) Submit(job relayJob) bool {
	if r.stopped {
		return false
	}
	select {
	case r.jobs <- job:
		return true
	default:
		return false
	}
}

// Stop lets queued lines finish and then ends the worker
func (r *MessageRelay) Stop() {
	if r.stopped {
		return
	}
	r.stopped = true
	close(r.jobs)
}

// translate falls back to the original text when the translator fails
func (d relayDeps) translate(ctx context.Context, conversationID int64, job relayJob) string {
	tctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	out, err := d.translator.Translate(tctx, job.entry.Text, job.from, job.to)
	if err != nil {
		log.Error().
			Err(err).
			Int64("conversation_id", conversationID).
			Str("from", job.from).
			Str("to", job.to).
			Msg("translation failed, relaying original text")
		return job.entry.Text
	}
	return out
}

func (d relayDeps) record(ctx context.Context, conversationID int64, entry store.HistoryEntry, translation string) {
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	entry.Translation = translation
	if err := d.store.AppendMessage(sctx, conversationID, entry); err != nil {
		log.Error().Err(err).Int64("conversation_id", conversationID).Msg("failed to append message")
	}
}
