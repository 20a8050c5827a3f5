package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"easel/internal/presence"
	"easel/internal/shape"
)

func TestDragMovesSelectionTogether(t *testing.T) {
	e, st := newTestEngine(t)
	a := addAcked(t, e, shape.KindRectangle, 0, 0)
	b := addAcked(t, e, shape.KindCircle, 10, 10)
	e.SelectAll()

	if err := e.BeginDrag(a.ID, presence.EditMoving); err != nil {
		t.Fatalf("BeginDrag() error = %v", err)
	}
	// A drag started on a selection member keeps the selection.
	if sel := e.Selection(); len(sel) != 2 {
		t.Fatalf("selection = %v, want both members", sel)
	}

	e.DragTo(5, 7)
	if got := shapeByID(t, e, a.ID); got.X != 5 || got.Y != 7 {
		t.Fatalf("leader at (%v, %v), want (5, 7)", got.X, got.Y)
	}
	// Followers move by the leader's displacement, not to its position.
	if got := shapeByID(t, e, b.ID); got.X != 15 || got.Y != 17 {
		t.Fatalf("follower at (%v, %v), want (15, 17)", got.X, got.Y)
	}
	if st.updateCount() != 0 {
		t.Fatalf("mid-gesture writes: %d, want none until the gesture ends", st.updateCount())
	}

	e.EndDrag()
	waitFor(t, "batched writes", func() bool { return st.updateCount() == 2 })

	// The whole gesture is one history entry.
	if err := e.Undo(); err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	if got := shapeByID(t, e, a.ID); got.X != 0 || got.Y != 0 {
		t.Fatalf("leader after undo = (%v, %v), want (0, 0)", got.X, got.Y)
	}
	if got := shapeByID(t, e, b.ID); got.X != 10 || got.Y != 10 {
		t.Fatalf("follower after undo = (%v, %v), want (10, 10)", got.X, got.Y)
	}
}

func TestDragOutsideSelectionReplacesIt(t *testing.T) {
	e, _ := newTestEngine(t)
	a := addAcked(t, e, shape.KindRectangle, 0, 0)
	b := addAcked(t, e, shape.KindRectangle, 10, 10)
	e.SetSelection([]string{b.ID})

	if err := e.BeginDrag(a.ID, presence.EditMoving); err != nil {
		t.Fatalf("BeginDrag() error = %v", err)
	}
	if sel := e.Selection(); len(sel) != 1 || sel[0] != a.ID {
		t.Fatalf("selection = %v, want just the leader", sel)
	}

	e.DragTo(30, 0)
	e.EndDrag()
	if got := shapeByID(t, e, a.ID); got.X != 30 {
		t.Fatalf("leader x = %v, want 30", got.X)
	}
	if got := shapeByID(t, e, b.ID); got.X != 10 {
		t.Fatalf("bystander x = %v, want 10", got.X)
	}
}

func TestDragLockedShapes(t *testing.T) {
	e, _ := newTestEngine(t)
	a := addAcked(t, e, shape.KindRectangle, 0, 0)
	b := addAcked(t, e, shape.KindRectangle, 10, 10)

	locked := true
	if err := e.UpdateShape(b.ID, shape.Patch{Locked: &locked}, true); err != nil {
		t.Fatalf("lock: %v", err)
	}

	if err := e.BeginDrag(b.ID, presence.EditMoving); !errors.Is(err, ErrShapeLocked) {
		t.Fatalf("BeginDrag(locked) = %v, want ErrShapeLocked", err)
	}
	if err := e.BeginDrag("shp_missing", presence.EditMoving); !errors.Is(err, ErrShapeNotFound) {
		t.Fatalf("BeginDrag(missing) = %v, want ErrShapeNotFound", err)
	}

	// A locked follower stays behind while the rest of the set moves.
	e.SelectAll()
	if err := e.BeginDrag(a.ID, presence.EditMoving); err != nil {
		t.Fatalf("BeginDrag() error = %v", err)
	}
	e.DragTo(30, 40)
	e.EndDrag()

	if got := shapeByID(t, e, a.ID); got.X != 30 || got.Y != 40 {
		t.Fatalf("leader at (%v, %v), want (30, 40)", got.X, got.Y)
	}
	if got := shapeByID(t, e, b.ID); got.X != 10 || got.Y != 10 {
		t.Fatalf("locked follower moved to (%v, %v)", got.X, got.Y)
	}
}

func TestResizeGestureLeaderOnly(t *testing.T) {
	e, st := newTestEngine(t)
	a := addAcked(t, e, shape.KindRectangle, 0, 0)
	b := addAcked(t, e, shape.KindRectangle, 10, 10)
	e.SelectAll()

	if err := e.BeginDrag(a.ID, presence.EditResizing); err != nil {
		t.Fatalf("BeginDrag() error = %v", err)
	}
	e.ResizeTo(222, 111)

	if got := shapeByID(t, e, a.ID); got.Width != 222 || got.Height != 111 {
		t.Fatalf("leader size = %vx%v, want 222x111", got.Width, got.Height)
	}
	// Only moves fan out across a set; followers keep their geometry.
	if got := shapeByID(t, e, b.ID); got.Width != b.Width || got.Height != b.Height {
		t.Fatalf("follower resized: %+v", got)
	}

	e.EndDrag()
	waitFor(t, "persisted resize", func() bool {
		if st.updateCount() != 1 {
			return false
		}
		up := st.lastUpdate()
		return up.id == a.ID && up.p.Width != nil && *up.p.Width == 222
	})

	if err := e.Undo(); err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	if got := shapeByID(t, e, a.ID); got.Width != a.Width || got.Height != a.Height {
		t.Fatalf("size after undo = %vx%v, want %vx%v", got.Width, got.Height, a.Width, a.Height)
	}
}

func TestCancelDragRestoresOrigins(t *testing.T) {
	e, st := newTestEngine(t)
	a := addAcked(t, e, shape.KindRectangle, 20, 30)

	if err := e.BeginDrag(a.ID, presence.EditMoving); err != nil {
		t.Fatalf("BeginDrag() error = %v", err)
	}
	e.DragTo(99, 99)
	if got := shapeByID(t, e, a.ID); got.X != 99 {
		t.Fatalf("x mid-gesture = %v, want 99", got.X)
	}

	e.CancelDrag()
	if got := shapeByID(t, e, a.ID); got.X != 20 || got.Y != 30 {
		t.Fatalf("position after cancel = (%v, %v), want (20, 30)", got.X, got.Y)
	}
	if st.updateCount() != 0 {
		t.Fatalf("cancel persisted %d writes", st.updateCount())
	}

	// Nothing entered history; the next undo removes the create itself.
	if err := e.Undo(); err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	if got := e.Shapes(); len(got) != 0 {
		t.Fatalf("scene after undo = %+v, want empty", got)
	}
}

func TestDragOpsWithoutGestureAreNoops(t *testing.T) {
	e, st := newTestEngine(t)
	s := addAcked(t, e, shape.KindRectangle, 5, 5)

	e.DragTo(50, 50)
	e.ResizeTo(300, 300)
	e.EndDrag()
	e.CancelDrag()

	if got := shapeByID(t, e, s.ID); got.X != 5 || got.Width != s.Width {
		t.Fatalf("shape changed without a gesture: %+v", got)
	}
	if st.updateCount() != 0 {
		t.Fatalf("writes without a gesture: %d", st.updateCount())
	}
}

func TestSnapshotMidDragKeepsGesture(t *testing.T) {
	e, st := newTestEngine(t)
	a := addAcked(t, e, shape.KindRectangle, 0, 0)

	if err := e.BeginDrag(a.ID, presence.EditMoving); err != nil {
		t.Fatalf("BeginDrag() error = %v", err)
	}
	e.DragTo(50, 50)

	// A durable snapshot from before the gesture arrives mid-drag. The
	// dragged member must not snap back; its write only lands at the end.
	st.push(a)
	if got := shapeByID(t, e, a.ID); got.X != 50 || got.Y != 50 {
		t.Fatalf("mid-drag position = (%v, %v), want (50, 50)", got.X, got.Y)
	}

	e.EndDrag()
	waitFor(t, "gesture persisted", func() bool {
		if st.updateCount() < 1 {
			return false
		}
		up := st.lastUpdate()
		return up.id == a.ID && up.p.X != nil && *up.p.X == 50
	})
}

func TestBeginDragCommitsAbandonedGesture(t *testing.T) {
	e, st := newTestEngine(t)
	a := addAcked(t, e, shape.KindRectangle, 0, 0)
	b := addAcked(t, e, shape.KindRectangle, 10, 10)

	if err := e.BeginDrag(a.ID, presence.EditMoving); err != nil {
		t.Fatalf("BeginDrag() error = %v", err)
	}
	e.DragTo(70, 0)

	// A second gesture starting before the first ended commits what is
	// on screen instead of snapping it back.
	if err := e.BeginDrag(b.ID, presence.EditMoving); err != nil {
		t.Fatalf("BeginDrag() error = %v", err)
	}
	if got := shapeByID(t, e, a.ID); got.X != 70 {
		t.Fatalf("x after implicit commit = %v, want 70", got.X)
	}
	waitFor(t, "implicit commit persisted", func() bool {
		return st.updateCount() == 1 && st.lastUpdate().id == a.ID
	})
	e.EndDrag()

	if err := e.Undo(); err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	if got := shapeByID(t, e, a.ID); got.X != 0 {
		t.Fatalf("x after undo = %v, want 0", got.X)
	}
}

func TestDragPublishesTransformStream(t *testing.T) {
	e, _, peer := newEngineWithPeer(t)
	ctx := context.Background()
	a := addAcked(t, e, shape.KindRectangle, 0, 0)

	type editEvent struct {
		shapeID string
		edit    *presence.ActiveEdit
	}
	var mu sync.Mutex
	var edits []editEvent
	var frames []*presence.Transform
	stopEdits, err := peer.SubscribeEdits(ctx, func(shapeID string, edit *presence.ActiveEdit) {
		mu.Lock()
		edits = append(edits, editEvent{shapeID, edit})
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("SubscribeEdits: %v", err)
	}
	defer stopEdits()
	stopFrames, err := peer.SubscribeTransform(ctx, a.ID, func(tr *presence.Transform) {
		mu.Lock()
		frames = append(frames, tr)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("SubscribeTransform: %v", err)
	}
	defer stopFrames()

	if err := e.BeginDrag(a.ID, presence.EditMoving); err != nil {
		t.Fatalf("BeginDrag() error = %v", err)
	}
	waitFor(t, "edit lock", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(edits) > 0 && edits[0].edit != nil
	})
	mu.Lock()
	lock := edits[0]
	mu.Unlock()
	if lock.shapeID != a.ID || lock.edit.UserID != "u1" || lock.edit.Action != presence.EditMoving {
		t.Fatalf("lock = %+v on %s, want u1 moving %s", lock.edit, lock.shapeID, a.ID)
	}

	e.DragTo(40, 25)
	waitFor(t, "live frame", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, fr := range frames {
			if fr != nil && fr.X == 40 && fr.Y == 25 {
				return true
			}
		}
		return false
	})

	e.EndDrag()
	waitFor(t, "stream and lock released", func() bool {
		mu.Lock()
		defer mu.Unlock()
		frameGone := len(frames) > 0 && frames[len(frames)-1] == nil
		lockGone := len(edits) > 0 && edits[len(edits)-1].edit == nil
		return frameGone && lockGone
	})
}
