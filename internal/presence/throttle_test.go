package presence

import (
	"sync"
	"testing"
	"time"
)

type runLog struct {
	mu   sync.Mutex
	runs []int
}

func (l *runLog) add(v int) {
	l.mu.Lock()
	l.runs = append(l.runs, v)
	l.mu.Unlock()
}

func (l *runLog) snapshot() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int, len(l.runs))
	copy(out, l.runs)
	return out
}

func (l *runLog) last() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.runs) == 0 {
		return 0, false
	}
	return l.runs[len(l.runs)-1], true
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestThrottleFirstWriteIsImmediate(t *testing.T) {
	gate := newThrottle(time.Second)
	defer gate.Stop()

	var log runLog
	start := time.Now()
	gate.Do(func() { log.add(1) })

	waitFor(t, func() bool { _, ok := log.last(); return ok })
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("first write took %v, want immediate", elapsed)
	}
}

func TestThrottleCoalescesBurstsAndKeepsTrailingEdge(t *testing.T) {
	gate := newThrottle(40 * time.Millisecond)
	defer gate.Stop()

	var log runLog
	for i := 0; i < 20; i++ {
		v := i
		gate.Do(func() { log.add(v) })
	}

	waitFor(t, func() bool { v, ok := log.last(); return ok && v == 19 })

	runs := log.snapshot()
	if len(runs) >= 20 {
		t.Fatalf("ran %d times for 20 writes, want coalescing", len(runs))
	}
	// The final value must always land, however much was skipped.
	if runs[len(runs)-1] != 19 {
		t.Fatalf("trailing value = %d, want 19", runs[len(runs)-1])
	}
}

func TestThrottleFinalRunsLastAndRetires(t *testing.T) {
	gate := newThrottle(10 * time.Millisecond)

	var log runLog
	gate.Final(func() { log.add(100) })
	gate.Do(func() { log.add(200) })

	waitFor(t, func() bool { v, ok := log.last(); return ok && v == 100 })
	time.Sleep(50 * time.Millisecond)

	runs := log.snapshot()
	if len(runs) != 1 || runs[0] != 100 {
		t.Fatalf("runs = %v, want only the final job", runs)
	}
}

func TestThrottleFinalAlwaysRunsLast(t *testing.T) {
	gate := newThrottle(30 * time.Millisecond)

	var log runLog
	gate.Do(func() { log.add(1) })
	waitFor(t, func() bool { v, ok := log.last(); return ok && v == 1 })

	gate.Do(func() { log.add(2) })
	gate.Final(func() { log.add(3) })

	waitFor(t, func() bool { v, ok := log.last(); return ok && v == 3 })
	time.Sleep(80 * time.Millisecond)

	runs := log.snapshot()
	if runs[len(runs)-1] != 3 {
		t.Fatalf("runs = %v, want the final job last", runs)
	}
}

func TestThrottleStopDropsPending(t *testing.T) {
	gate := newThrottle(50 * time.Millisecond)

	var log runLog
	gate.Do(func() { log.add(1) })
	waitFor(t, func() bool { v, ok := log.last(); return ok && v == 1 })

	gate.Do(func() { log.add(2) })
	gate.Stop()
	time.Sleep(120 * time.Millisecond)

	if runs := log.snapshot(); len(runs) != 1 {
		t.Fatalf("runs after stop = %v, want just the first", runs)
	}

	// Do after Stop is a no-op, not a panic.
	gate.Do(func() { log.add(3) })
	time.Sleep(20 * time.Millisecond)
	if runs := log.snapshot(); len(runs) != 1 {
		t.Fatalf("runs after post-stop Do = %v", runs)
	}
}
