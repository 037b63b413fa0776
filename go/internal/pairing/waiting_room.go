package pairing

import (
	"time"

	"github.com/jonboulle/clockwork"
)

type waitingEntry struct {
	client *Client
	joined time.Time
	cancel chan struct{}
}

// WaitingRoom queues participants in arrival order. Each entry has its own
// timeout; an expired client is reported on the expired channel and stays
// queued until the hub removes it. Only the hub goroutine touches it.
type WaitingRoom struct {
	clock   clockwork.Clock
	timeout time.Duration
	expired chan<- *Client
	done    <-chan struct{}
	entries []*waitingEntry
}

func NewWaitingRoom(clock clockwork.Clock, timeout time.Duration, expired chan<- *Client, done <-chan struct{}) *WaitingRoom {
	return &WaitingRoom{
		clock:   clock,
		timeout: timeout,
		expired: expired,
		done:    done,
	}
}

// Add queues a client and starts its timeout
func (w *WaitingRoom) Add(c *Client) {
	entry := &waitingEntry{
		client: c,
		joined: w.clock.Now(),
		cancel: make(chan struct{}),
	}
	w.entries = append(w.entries, entry)

	timer := w.clock.NewTimer(w.timeout)
	go func() {
		select {
		case <-timer.Chan():
			select {
			case w.expired <- c:
			case <-entry.cancel:
			case <-w.done:
			}
		case <-entry.cancel:
			stopAndDrainTimer(timer)
		case <-w.done:
			stopAndDrainTimer(timer)
		}
	}()
}

// Remove dequeues a client and cancels its timeout. It reports whether the
// client was queued.
func (w *WaitingRoom) Remove(c *Client) bool {
	for i, entry := range w.entries {
		if entry.client == c {
			close(entry.cancel)
			w.entries = append(w.entries[:i], w.entries[i+1:]...)
			return true
		}
	}
	return false
}

// PopPair dequeues the two longest-waiting clients
func (w *WaitingRoom) PopPair() (*Client, *Client, bool) {
	if len(w.entries) < 2 {
		return nil, nil, false
	}
	first, second := w.entries[0].client, w.entries[1].client
	w.Remove(first)
	w.Remove(second)
	return first, second, true
}

// Waited returns how long a queued client has been waiting
func (w *WaitingRoom) Waited(c *Client) time.Duration {
	for _, entry := range w.entries {
		if entry.client == c {
			return w.clock.Since(entry.joined)
		}
	}
	return 0
}

func (w *WaitingRoom) Len() int {
	return len(w.entries)
}

func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
