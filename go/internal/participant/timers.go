package participant

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// WaitClock counts whole seconds spent waiting for a partner. It is display
// only; the server decides when waiting times out.
type WaitClock struct {
	clock   clockwork.Clock
	ticker  clockwork.Ticker
	elapsed int
}

func NewWaitClock(clock clockwork.Clock) *WaitClock {
	return &WaitClock{clock: clock}
}

// Start resets the count and begins ticking. It does nothing if already running.
func (w *WaitClock) Start() {
	if w.ticker != nil {
		return
	}
	w.elapsed = 0
	w.ticker = w.clock.NewTicker(time.Second)
}

// C is nil while stopped so a select on it blocks
func (w *WaitClock) C() <-chan time.Time {
	if w.ticker == nil {
		return nil
	}
	return w.ticker.Chan()
}

// Tick records one elapsed second
func (w *WaitClock) Tick() int {
	w.elapsed++
	return w.elapsed
}

func (w *WaitClock) Elapsed() int {
	return w.elapsed
}

func (w *WaitClock) Stop() {
	if w.ticker != nil {
		w.ticker.Stop()
		w.ticker = nil
	}
}

// TypingDebouncer coalesces local keystrokes into one start-typing and one
// stop-typing signal per burst. A burst ends once no activity is seen for the
// quiet window.
type TypingDebouncer struct {
	clock       clockwork.Clock
	window      time.Duration
	timer       clockwork.Timer
	outstanding bool
}

func NewTypingDebouncer(clock clockwork.Clock, window time.Duration) *TypingDebouncer {
	return &TypingDebouncer{clock: clock, window: window}
}

// Activity records a keystroke and restarts the quiet window. It reports true
// when this keystroke starts a new burst.
func (d *TypingDebouncer) Activity() bool {
	start := !d.outstanding
	d.outstanding = true
	if d.timer != nil {
		stopAndDrainTimer(d.timer)
	}
	d.timer = d.clock.NewTimer(d.window)
	return start
}

// C fires when the quiet window elapses; nil when no burst is in progress
func (d *TypingDebouncer) C() <-chan time.Time {
	if d.timer == nil {
		return nil
	}
	return d.timer.Chan()
}

// Fire is called after C fires. It reports true when a stop-typing signal is
// owed for the burst that just ended.
func (d *TypingDebouncer) Fire() bool {
	d.timer = nil
	if !d.outstanding {
		return false
	}
	d.outstanding = false
	return true
}

// Outstanding reports whether a start-typing was sent without its stop
func (d *TypingDebouncer) Outstanding() bool {
	return d.outstanding
}

// Stop cancels the quiet window without owing a stop-typing signal
func (d *TypingDebouncer) Stop() {
	if d.timer != nil {
		stopAndDrainTimer(d.timer)
		d.timer = nil
	}
	d.outstanding = false
}

func stopAndDrainTimer(t clockwork.Timer) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
}
