package mode

import (
	"sync/atomic"
	"time"
)

// DefaultSettle is how long metering stays suppressed after recording starts
// or stops.
const DefaultSettle = 500 * time.Millisecond

// Tracker publishes the current mode and settling window to readers on other
// goroutines. Only the mode machine writes to it.
type Tracker struct {
	mode        atomic.Int32
	settleUntil atomic.Int64
	settle      time.Duration
	now         func() time.Time
}

func NewTracker(settle time.Duration) *Tracker {
	if settle < 0 {
		settle = 0
	}

	return &Tracker{settle: settle, now: time.Now}
}

func (t *Tracker) Mode() Mode {
	return Mode(t.mode.Load())
}

func (t *Tracker) Set(m Mode) {
	t.mode.Store(int32(m))
}

// Settle opens a fresh settling window starting now.
func (t *Tracker) Settle() {
	t.settleUntil.Store(t.now().Add(t.settle).UnixNano())
}

func (t *Tracker) Settling() bool {
	return t.now().UnixNano() < t.settleUntil.Load()
}

// MeteringPolicy is PolicyFor applied to the current mode and window.
func (t *Tracker) MeteringPolicy() Policy {
	return PolicyFor(t.Mode(), t.Settling())
}
