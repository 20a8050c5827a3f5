package presence

import (
	"sync"
	"time"
)

// Channel write budgets. Cursors ride the display refresh budget;
// transforms go as fast as the store will take them so remote motion
// feels direct.
const (
	DefaultCursorInterval    = 8 * time.Millisecond
	DefaultTransformInterval = 4 * time.Millisecond
)

// throttle serializes writes to one path through a single worker,
// keeping only the newest job when writes arrive faster than the
// interval. The trailing edge always runs, so the final frame of a
// gesture is never dropped. Final enqueues a last job (typically the
// removal) and retires the worker, guaranteeing nothing lands on the
// path afterwards.
type throttle struct {
	interval time.Duration

	mu      sync.Mutex
	pending func()
	closed  bool

	kick chan struct{}
	done chan struct{}
}

func newThrottle(interval time.Duration) *throttle {
	t := &throttle{
		interval: interval,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *throttle) run() {
	for {
		select {
		case <-t.done:
			return
		case <-t.kick:
		}

		t.mu.Lock()
		fn := t.pending
		t.pending = nil
		final := t.closed
		t.mu.Unlock()

		if fn != nil {
			fn()
		}
		if final {
			return
		}

		// Absorb the interval; newer jobs replace pending meanwhile.
		select {
		case <-t.done:
			return
		case <-time.After(t.interval):
		}

		t.mu.Lock()
		if t.pending != nil {
			select {
			case t.kick <- struct{}{}:
			default:
			}
		}
		t.mu.Unlock()
	}
}

// Do schedules fn, replacing any not-yet-run job.
func (t *throttle) Do(fn func()) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.pending = fn
	t.mu.Unlock()

	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// Final schedules fn as the last job this throttle will ever run.
func (t *throttle) Final(fn func()) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.pending = fn
	t.closed = true
	t.mu.Unlock()

	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// Stop retires the worker without running anything further.
func (t *throttle) Stop() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.pending = nil
	t.mu.Unlock()
	close(t.done)
}
