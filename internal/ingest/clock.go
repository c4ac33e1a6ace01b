package ingest

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

// clockTimer drives backoff waits from a clockwork clock so retries can be
// stepped by a fake clock in tests.
type clockTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
}

var _ backoff.Timer = (*clockTimer)(nil)

func newClockTimer(clock clockwork.Clock) *clockTimer {
	return &clockTimer{clock: clock}
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

// Stop may be called before Start.
func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.Chan()
}
