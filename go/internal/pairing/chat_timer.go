package pairing

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// timerTick reports the remaining chat time of a conversation. Zero means
// the chat has expired.
type timerTick struct {
	conversationID int64
	remaining      int
}

// ChatTimer counts a conversation down once per second, from the full
// duration to 1, then reports zero and stops.
type ChatTimer struct {
	cancel chan struct{}
	once   sync.Once
}

func startChatTimer(clock clockwork.Clock, conversationID int64, seconds int, out chan<- timerTick, done <-chan struct{}) *ChatTimer {
	t := &ChatTimer{cancel: make(chan struct{})}
	ticker := clock.NewTicker(time.Second)

	go func() {
		defer ticker.Stop()
		for remaining := seconds; ; remaining-- {
			select {
			case out <- timerTick{conversationID: conversationID, remaining: remaining}:
			case <-t.cancel:
				return
			case <-done:
				return
			}
			if remaining <= 0 {
				return
			}

			select {
			case <-ticker.Chan():
			case <-t.cancel:
				return
			case <-done:
				return
			}
		}
	}()
	return t
}

// Stop cancels the countdown. Safe to call more than once.
func (t *ChatTimer) Stop() {
	t.once.Do(func() { close(t.cancel) })
}
