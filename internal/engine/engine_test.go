package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"easel/internal/presence"
	"easel/internal/shape"
	"easel/internal/store"
	"easel/internal/util"
)

// fakeDocStore mints durable ids and lets tests deliver authoritative
// snapshots by hand. Function fields override individual calls.
type fakeDocStore struct {
	mu      sync.Mutex
	seq     int
	subs    []store.SnapshotFunc
	creates []shape.Shape
	updates []fakeUpdate
	deletes []string

	createFn func(ctx context.Context, s shape.Shape) (string, error)
	updateFn func(canvasID, id string, p shape.Patch) error
	deleteFn func(canvasID, id string) error
}

type fakeUpdate struct {
	id string
	p  shape.Patch
}

func newFakeDocStore() *fakeDocStore { return &fakeDocStore{} }

func (f *fakeDocStore) Create(ctx context.Context, s shape.Shape) (string, error) {
	if f.createFn != nil {
		return f.createFn(ctx, s)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	s.ID = fmt.Sprintf("shp_%03d", f.seq)
	f.creates = append(f.creates, s)
	return s.ID, nil
}

func (f *fakeDocStore) Update(ctx context.Context, canvasID, id string, p shape.Patch, by string, at time.Time) error {
	if f.updateFn != nil {
		return f.updateFn(canvasID, id, p)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, fakeUpdate{id: id, p: p})
	return nil
}

func (f *fakeDocStore) Delete(ctx context.Context, canvasID, id string) error {
	if f.deleteFn != nil {
		return f.deleteFn(canvasID, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
	return nil
}

func (f *fakeDocStore) List(ctx context.Context, canvasID string) ([]shape.Shape, error) {
	return nil, nil
}

func (f *fakeDocStore) Subscribe(ctx context.Context, canvasID string, fn store.SnapshotFunc) (func(), error) {
	f.mu.Lock()
	f.subs = append(f.subs, fn)
	f.mu.Unlock()
	fn([]shape.Shape{})
	return func() {}, nil
}

func (f *fakeDocStore) Close() {}

// push delivers an authoritative snapshot to every subscriber, in
// subscription order, synchronously.
func (f *fakeDocStore) push(shapes ...shape.Shape) {
	f.mu.Lock()
	subs := append([]store.SnapshotFunc(nil), f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(shape.CloneAll(shapes))
	}
}

func (f *fakeDocStore) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func (f *fakeDocStore) lastUpdate() fakeUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates[len(f.updates)-1]
}

func (f *fakeDocStore) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deletes)
}

func (f *fakeDocStore) lastDelete() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deletes[len(f.deletes)-1]
}

func testUser(id, name string) presence.User {
	return presence.User{ID: id, DisplayName: name, ColorName: "Sky", ColorHex: "#38BDF8"}
}

func startEngine(t *testing.T, st store.DocumentStore, ps presence.Store, userID string) *Engine {
	t.Helper()
	e, err := New(Config{
		CanvasID:    "cv1",
		User:        testUser(userID, "User "+userID),
		Store:       st,
		Presence:    ps,
		GraceWindow: 250 * time.Millisecond,
		Channels: presence.SessionConfig{
			CursorInterval:    time.Millisecond,
			TransformInterval: time.Millisecond,
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func newTestEngine(t *testing.T) (*Engine, *fakeDocStore) {
	t.Helper()
	st := newFakeDocStore()
	return startEngine(t, st, presence.NewMemoryStore(), "u1"), st
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func shapeByID(t *testing.T, e *Engine, id string) shape.Shape {
	t.Helper()
	shapes := e.Shapes()
	if i := shape.ByID(shapes, id); i >= 0 {
		return shapes[i]
	}
	t.Fatalf("shape %s not in scene", id)
	return shape.Shape{}
}

// addAcked creates a shape and waits until its durable id landed.
func addAcked(t *testing.T, e *Engine, kind shape.Kind, x, y float64) shape.Shape {
	t.Helper()
	before := len(e.Shapes())
	s, err := e.AddShape(kind, shape.MovePatch(x, y))
	if err != nil {
		t.Fatalf("AddShape() error = %v", err)
	}
	var acked shape.Shape
	waitFor(t, "create acknowledgement", func() bool {
		shapes := e.Shapes()
		if len(shapes) != before+1 {
			return false
		}
		for _, got := range shapes {
			if got.X == s.X && got.Y == s.Y && got.ZIndex == s.ZIndex && !util.IsTempID(got.ID) {
				acked = got
				return true
			}
		}
		return false
	})
	return acked
}

func TestNewValidatesConfig(t *testing.T) {
	st := newFakeDocStore()
	ps := presence.NewMemoryStore()
	base := Config{CanvasID: "cv", User: testUser("u1", "U"), Store: st, Presence: ps}

	for name, mangle := range map[string]func(*Config){
		"missing canvas": func(c *Config) { c.CanvasID = "" },
		"missing user":   func(c *Config) { c.User = presence.User{} },
		"missing store":  func(c *Config) { c.Store = nil },
	} {
		cfg := base
		mangle(&cfg)
		if _, err := New(cfg); err == nil {
			t.Errorf("New() with %s: no error", name)
		}
	}
	if _, err := New(base); err != nil {
		t.Fatalf("New() error = %v", err)
	}
}

func TestAddShapeOptimisticThenAcked(t *testing.T) {
	e, _ := newTestEngine(t)

	s, err := e.AddShape(shape.KindRectangle, shape.MovePatch(10, 20))
	if err != nil {
		t.Fatalf("AddShape() error = %v", err)
	}
	if !util.IsTempID(s.ID) {
		t.Fatalf("id = %q, want temp", s.ID)
	}
	if s.ZIndex != shape.MinZIndex {
		t.Fatalf("first shape z = %d, want %d", s.ZIndex, shape.MinZIndex)
	}

	// Visible immediately, selected immediately.
	got := e.Shapes()
	if len(got) != 1 || got[0].ID != s.ID {
		t.Fatalf("scene = %+v, want the new shape", got)
	}
	if sel := e.Selection(); len(sel) != 1 || sel[0] != s.ID {
		t.Fatalf("selection = %v, want [%s]", sel, s.ID)
	}

	waitFor(t, "durable id", func() bool {
		shapes := e.Shapes()
		return len(shapes) == 1 && !util.IsTempID(shapes[0].ID)
	})
	if sel := e.Selection(); len(sel) != 1 || util.IsTempID(sel[0]) {
		t.Fatalf("selection after ack = %v, want durable id", sel)
	}
	if !e.CanUndo() {
		t.Fatal("create not in history")
	}

	second, _ := e.AddShape(shape.KindCircle, shape.Patch{})
	if second.ZIndex != shape.MinZIndex+1 {
		t.Fatalf("second shape z = %d, want %d", second.ZIndex, shape.MinZIndex+1)
	}
}

func TestAddShapeRollsBackOnFailure(t *testing.T) {
	e, st := newTestEngine(t)
	boom := errors.New("boom")
	st.createFn = func(ctx context.Context, s shape.Shape) (string, error) {
		return "", boom
	}

	if _, err := e.AddShape(shape.KindCircle, shape.Patch{}); err != nil {
		t.Fatalf("AddShape() error = %v, want optimistic nil", err)
	}
	waitFor(t, "rollback", func() bool { return len(e.Shapes()) == 0 })

	if len(e.Selection()) != 0 {
		t.Fatalf("selection after rollback = %v", e.Selection())
	}
	if e.CanUndo() {
		t.Fatal("rolled-back create left in history")
	}
	if st := e.Status(); st.Err == "" {
		t.Fatal("status error not set")
	}
	notices := e.Notices()
	if len(notices) == 0 || notices[len(notices)-1].Level != "error" {
		t.Fatalf("notices = %+v, want trailing error", notices)
	}
}

func TestUpdateShapeImplicitBringToFront(t *testing.T) {
	e, _ := newTestEngine(t)
	bottom := addAcked(t, e, shape.KindRectangle, 0, 0)
	top := addAcked(t, e, shape.KindRectangle, 50, 50)

	color := "#ff0000"
	if err := e.UpdateShape(bottom.ID, shape.Patch{Color: &color}, true); err != nil {
		t.Fatalf("UpdateShape() error = %v", err)
	}
	if got := shapeByID(t, e, bottom.ID); got.ZIndex != top.ZIndex+1 {
		t.Fatalf("z after color change = %d, want %d", got.ZIndex, top.ZIndex+1)
	}

	// An explicit z-index in the same patch suppresses the raise.
	z := shape.MinZIndex
	if err := e.UpdateShape(top.ID, shape.Patch{Color: &color, ZIndex: &z}, true); err != nil {
		t.Fatalf("UpdateShape() error = %v", err)
	}
	if got := shapeByID(t, e, top.ID); got.ZIndex != shape.MinZIndex {
		t.Fatalf("explicit z = %d, want %d", got.ZIndex, shape.MinZIndex)
	}

	// Non-geometry, non-color patches leave z alone.
	vis := false
	before := shapeByID(t, e, bottom.ID).ZIndex
	if err := e.UpdateShape(bottom.ID, shape.Patch{Visible: &vis}, true); err != nil {
		t.Fatalf("UpdateShape() error = %v", err)
	}
	if got := shapeByID(t, e, bottom.ID); got.ZIndex != before {
		t.Fatalf("z after visibility change = %d, want %d", got.ZIndex, before)
	}
}

func TestLockedShapeRejectsEdits(t *testing.T) {
	e, _ := newTestEngine(t)
	s := addAcked(t, e, shape.KindRectangle, 0, 0)

	locked := true
	if err := e.UpdateShape(s.ID, shape.Patch{Locked: &locked}, true); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := e.UpdateShape(s.ID, shape.MovePatch(5, 5), true); !errors.Is(err, ErrShapeLocked) {
		t.Fatalf("move on locked = %v, want ErrShapeLocked", err)
	}
	if err := e.DeleteShape(s.ID); !errors.Is(err, ErrShapeLocked) {
		t.Fatalf("delete on locked = %v, want ErrShapeLocked", err)
	}

	unlocked := false
	if err := e.UpdateShape(s.ID, shape.Patch{Locked: &unlocked}, true); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := e.UpdateShape(s.ID, shape.MovePatch(5, 5), true); err != nil {
		t.Fatalf("move after unlock: %v", err)
	}
}

func TestDeleteShapeNoRollbackOnFailure(t *testing.T) {
	e, st := newTestEngine(t)
	s := addAcked(t, e, shape.KindRectangle, 0, 0)

	boom := errors.New("boom")
	st.deleteFn = func(canvasID, id string) error { return boom }

	if err := e.DeleteShape(s.ID); err != nil {
		t.Fatalf("DeleteShape() error = %v, want optimistic nil", err)
	}
	if len(e.Shapes()) != 0 {
		t.Fatal("shape still in scene after optimistic delete")
	}
	waitFor(t, "delete failure surfaced", func() bool { return e.Status().Err != "" })

	// The store still holds the shape; the next snapshot resurrects it.
	st.push(s)
	if got := e.Shapes(); len(got) != 1 || got[0].ID != s.ID {
		t.Fatalf("scene after stale snapshot = %+v, want resurrected shape", got)
	}
}

func TestDeleteMasksStaleSnapshot(t *testing.T) {
	e, st := newTestEngine(t)
	s := addAcked(t, e, shape.KindRectangle, 0, 0)

	if err := e.DeleteShape(s.ID); err != nil {
		t.Fatalf("DeleteShape() error = %v", err)
	}
	// A snapshot that still carries the shape must not resurrect it
	// while the durable delete is in flight.
	st.push(s)
	if got := e.Shapes(); len(got) != 0 {
		t.Fatalf("deleted shape resurfaced: %+v", got)
	}
	// Once the store catches up, the mask retires.
	st.push()
	if got := e.Shapes(); len(got) != 0 {
		t.Fatalf("scene = %+v, want empty", got)
	}
	waitFor(t, "durable delete", func() bool { return st.deleteCount() == 1 })
}

func TestZOrderOperations(t *testing.T) {
	e, st := newTestEngine(t)
	s1 := addAcked(t, e, shape.KindRectangle, 0, 0)
	s2 := addAcked(t, e, shape.KindRectangle, 10, 10)
	s3 := addAcked(t, e, shape.KindRectangle, 20, 20)

	if err := e.SendToBack(s3.ID); err != nil {
		t.Fatalf("SendToBack() error = %v", err)
	}
	wantZ := map[string]int{s3.ID: 1, s1.ID: 2, s2.ID: 3}
	for id, z := range wantZ {
		if got := shapeByID(t, e, id); got.ZIndex != z {
			t.Fatalf("z[%s] = %d, want %d", id, got.ZIndex, z)
		}
	}

	// Repeated bring-to-front of the unique top is a no-op.
	if err := e.BringToFront(s2.ID); err != nil {
		t.Fatalf("BringToFront() error = %v", err)
	}
	if got := shapeByID(t, e, s2.ID); got.ZIndex != 3 {
		t.Fatalf("z after no-op raise = %d, want 3", got.ZIndex)
	}

	if err := e.SetZIndex(s3.ID, 0); !errors.Is(err, shape.ErrZIndexRange) {
		t.Fatalf("SetZIndex(0) = %v, want ErrZIndexRange", err)
	}

	if err := e.BatchSetZIndex(map[string]int{s1.ID: 1, "nope": 2}); err == nil {
		t.Fatal("BatchSetZIndex with unknown id: no error")
	}
	if err := e.BatchSetZIndex(map[string]int{s1.ID: 3, s2.ID: 2, s3.ID: 1}); err != nil {
		t.Fatalf("BatchSetZIndex() error = %v", err)
	}
	if rep := shape.ValidateZOrder(e.Shapes()); !rep.OK() {
		t.Fatalf("duplicate z after batch: %+v", rep)
	}

	// Reorders persist as z-only patches against durable ids.
	waitFor(t, "persisted reorders", func() bool { return st.updateCount() >= 3 })
	up := st.lastUpdate()
	if up.p.ZIndex == nil || up.p.X != nil {
		t.Fatalf("persisted reorder patch = %+v, want z-only", up.p)
	}
}

func TestSelectionOperations(t *testing.T) {
	e, _ := newTestEngine(t)
	s1 := addAcked(t, e, shape.KindRectangle, 0, 0)
	s2 := addAcked(t, e, shape.KindCircle, 10, 10)

	e.SetSelection([]string{s1.ID, s2.ID, "shp_missing"})
	if sel := e.Selection(); len(sel) != 2 {
		t.Fatalf("selection = %v, want both known ids", sel)
	}

	e.ToggleSelection(s2.ID)
	if sel := e.Selection(); len(sel) != 1 || sel[0] != s1.ID {
		t.Fatalf("selection after toggle = %v, want [%s]", sel, s1.ID)
	}
	e.ToggleSelection(s2.ID)
	if sel := e.Selection(); len(sel) != 2 {
		t.Fatalf("selection after re-toggle = %v", sel)
	}
	e.ToggleSelection("shp_missing")
	if sel := e.Selection(); len(sel) != 2 {
		t.Fatalf("unknown id toggled into selection: %v", sel)
	}

	e.DeselectAll()
	if sel := e.Selection(); len(sel) != 0 {
		t.Fatalf("selection after deselect = %v", sel)
	}
	e.SelectAll()
	if sel := e.Selection(); len(sel) != 2 {
		t.Fatalf("selection after select all = %v", sel)
	}

	// Deleting a selected shape prunes it.
	if err := e.DeleteShape(s1.ID); err != nil {
		t.Fatalf("DeleteShape() error = %v", err)
	}
	if sel := e.Selection(); len(sel) != 1 || sel[0] != s2.ID {
		t.Fatalf("selection after delete = %v, want [%s]", sel, s2.ID)
	}
}

func TestViewportLocalOnly(t *testing.T) {
	e, _ := newTestEngine(t)
	e.SetViewport(Viewport{X: 100, Y: 200, Scale: 2})
	if v := e.Viewport(); v.X != 100 || v.Y != 200 || v.Scale != 2 {
		t.Fatalf("viewport = %+v", v)
	}
	e.SetViewport(Viewport{X: 1, Y: 1, Scale: 0})
	if v := e.Viewport(); v.Scale != 1 {
		t.Fatalf("zero scale not normalized: %+v", v)
	}
}

func TestStatusLifecycle(t *testing.T) {
	st := newFakeDocStore()
	e, err := New(Config{
		CanvasID: "cv1",
		User:     testUser("u1", "U"),
		Store:    st,
		Presence: presence.NewMemoryStore(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := e.Status(); !got.Loading {
		t.Fatal("status before first snapshot: not loading")
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer e.Close()

	// The initial snapshot arrived synchronously through the fake.
	if got := e.Status(); got.Loading || got.Err != "" {
		t.Fatalf("status after first snapshot = %+v", got)
	}

	boom := errors.New("boom")
	st.updateFn = func(canvasID, id string, p shape.Patch) error { return boom }
	s := addAcked(t, e, shape.KindRectangle, 0, 0)
	if err := e.UpdateShape(s.ID, shape.MovePatch(1, 1), true); err != nil {
		t.Fatalf("UpdateShape() error = %v", err)
	}
	waitFor(t, "persist error in status", func() bool { return e.Status().Err != "" })

	// The next clean snapshot clears the error.
	st.push(s)
	if got := e.Status(); got.Err != "" {
		t.Fatalf("status after clean snapshot = %+v", got)
	}
}
