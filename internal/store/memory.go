package store

import (
	"context"
	"sync"
	"time"

	"easel/internal/shape"
	"easel/internal/util"
)

// MemoryStore keeps shapes in process memory. It backs tests and the
// ephemeral local mode; semantics mirror the Postgres store, including
// snapshot fan-out to subscribers on every mutation.
type MemoryStore struct {
	mu     sync.Mutex
	canvas map[string]map[string]shape.Shape
	subs   *fanout

	// CreateErr, UpdateErr and DeleteErr, when set, fail the matching
	// operation. Tests use them to exercise failure paths.
	CreateErr error
	UpdateErr error
	DeleteErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		canvas: make(map[string]map[string]shape.Shape),
		subs:   newFanout(),
	}
}

func (m *MemoryStore) Create(ctx context.Context, s shape.Shape) (string, error) {
	m.mu.Lock()
	if err := m.CreateErr; err != nil {
		m.mu.Unlock()
		return "", err
	}
	id := util.NewID("shp")
	s.ID = id
	shapes := m.canvas[s.CanvasID]
	if shapes == nil {
		shapes = make(map[string]shape.Shape)
		m.canvas[s.CanvasID] = shapes
	}
	shapes[id] = s
	snap := m.snapshotLocked(s.CanvasID)
	m.mu.Unlock()

	m.subs.publish(s.CanvasID, snap)
	return id, nil
}

func (m *MemoryStore) Update(ctx context.Context, canvasID, id string, p shape.Patch, by string, at time.Time) error {
	m.mu.Lock()
	if err := m.UpdateErr; err != nil {
		m.mu.Unlock()
		return err
	}
	shapes := m.canvas[canvasID]
	s, ok := shapes[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	p.Apply(&s)
	s.ModifiedBy = by
	s.ModifiedAt = at
	shapes[id] = s
	snap := m.snapshotLocked(canvasID)
	m.mu.Unlock()

	m.subs.publish(canvasID, snap)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, canvasID, id string) error {
	m.mu.Lock()
	if err := m.DeleteErr; err != nil {
		m.mu.Unlock()
		return err
	}
	shapes := m.canvas[canvasID]
	if _, ok := shapes[id]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(shapes, id)
	snap := m.snapshotLocked(canvasID)
	m.mu.Unlock()

	m.subs.publish(canvasID, snap)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, canvasID string) ([]shape.Shape, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(canvasID), nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, canvasID string, fn SnapshotFunc) (func(), error) {
	m.mu.Lock()
	initial := m.snapshotLocked(canvasID)
	m.mu.Unlock()
	return m.subs.subscribe(ctx, canvasID, fn, initial), nil
}

func (m *MemoryStore) Close() {}

// snapshotLocked returns the canvas content in render order.
func (m *MemoryStore) snapshotLocked(canvasID string) []shape.Shape {
	shapes := make([]shape.Shape, 0, len(m.canvas[canvasID]))
	for _, s := range m.canvas[canvasID] {
		shapes = append(shapes, s)
	}
	shape.SortForRender(shapes)
	return shapes
}
