package presence

import (
	"context"
	"testing"
	"time"
)

type recordedEvent struct {
	path  string
	value []byte
}

func collectEvents(t *testing.T, st Store, prefix string) (<-chan recordedEvent, func()) {
	t.Helper()
	ch := make(chan recordedEvent, 64)
	stop, err := st.Subscribe(context.Background(), prefix, func(path string, value []byte) {
		ch <- recordedEvent{path: path, value: value}
	})
	if err != nil {
		t.Fatalf("subscribe %s: %v", prefix, err)
	}
	return ch, stop
}

func awaitEvent(t *testing.T, ch <-chan recordedEvent, cond func(recordedEvent) bool) recordedEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if cond(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for presence event")
		}
	}
}

func TestMemoryStoreReplayThenLive(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	if err := st.Write(ctx, "canvas/cv/cursors/u1", Cursor{UserID: "u1", X: 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := st.Write(ctx, "canvas/cv/cursors/u2", Cursor{UserID: "u2", X: 2}); err != nil {
		t.Fatalf("write: %v", err)
	}

	ch, stop := collectEvents(t, st, "canvas/cv/cursors/")
	defer stop()

	seen := map[string]bool{}
	for len(seen) < 2 {
		ev := awaitEvent(t, ch, func(ev recordedEvent) bool { return ev.value != nil })
		seen[ev.path] = true
	}
	if !seen["canvas/cv/cursors/u1"] || !seen["canvas/cv/cursors/u2"] {
		t.Fatalf("replayed paths = %v", seen)
	}

	if err := st.Write(ctx, "canvas/cv/cursors/u3", Cursor{UserID: "u3"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	awaitEvent(t, ch, func(ev recordedEvent) bool {
		return ev.path == "canvas/cv/cursors/u3" && ev.value != nil
	})

	if err := st.Remove(ctx, "canvas/cv/cursors/u1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	awaitEvent(t, ch, func(ev recordedEvent) bool {
		return ev.path == "canvas/cv/cursors/u1" && ev.value == nil
	})
}

func TestMemoryStorePrefixIsolation(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	ch, stop := collectEvents(t, st, "canvas/a/cursors/")
	defer stop()

	if err := st.Write(ctx, "canvas/b/cursors/u1", Cursor{UserID: "u1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := st.Write(ctx, "canvas/a/cursors/u1", Cursor{UserID: "u1"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	ev := awaitEvent(t, ch, func(ev recordedEvent) bool { return true })
	if ev.path != "canvas/a/cursors/u1" {
		t.Fatalf("leaked event from %s", ev.path)
	}
}

func TestMemoryStoreCloseSweepsOwnedPaths(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	if err := st.Write(ctx, "canvas/cv/edits/s1", ActiveEdit{UserID: "u1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := st.RemoveOnDisconnect(ctx, "canvas/cv/edits/s1"); err != nil {
		t.Fatalf("hook: %v", err)
	}

	ch, stop := collectEvents(t, st, "canvas/cv/edits/")
	defer stop()
	awaitEvent(t, ch, func(ev recordedEvent) bool { return ev.value != nil })

	if err := st.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	awaitEvent(t, ch, func(ev recordedEvent) bool {
		return ev.path == "canvas/cv/edits/s1" && ev.value == nil
	})
}
