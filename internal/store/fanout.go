package store

import (
	"context"
	"sync"

	"easel/internal/shape"
)

// fanout delivers snapshots to per-canvas subscribers. Each subscriber
// gets its own goroutine and a one-slot mailbox, so a slow consumer
// only ever skips intermediate snapshots, never blocks a writer, and
// never sees calls out of order or concurrently.
type fanout struct {
	mu   sync.Mutex
	subs map[string]map[int]*fanoutSub
	next int
}

type fanoutSub struct {
	pending chan []shape.Shape
	done    chan struct{}
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string]map[int]*fanoutSub)}
}

func (f *fanout) subscribe(ctx context.Context, canvasID string, fn SnapshotFunc, initial []shape.Shape) func() {
	sub := &fanoutSub{
		pending: make(chan []shape.Shape, 1),
		done:    make(chan struct{}),
	}

	f.mu.Lock()
	if f.subs[canvasID] == nil {
		f.subs[canvasID] = make(map[int]*fanoutSub)
	}
	f.next++
	key := f.next
	f.subs[canvasID][key] = sub
	f.mu.Unlock()

	go func() {
		fn(initial)
		for {
			select {
			case snap := <-sub.pending:
				fn(snap)
			case <-sub.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs[canvasID], key)
			f.mu.Unlock()
			close(sub.done)
		})
	}
}

func (f *fanout) publish(canvasID string, snap []shape.Shape) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs[canvasID] {
		select {
		case <-sub.pending:
		default:
		}
		sub.pending <- shape.CloneAll(snap)
	}
}
