package engine

import (
	"time"

	"easel/internal/shape"
	"easel/internal/util"
)

// DuplicateOffset is the fixed displacement Duplicate applies on both
// axes.
const DuplicateOffset = 20

// Copy snapshots the selected shapes into the process-local clipboard.
// Nothing is broadcast; placement happens at paste time.
func (e *Engine) Copy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	snaps := e.selectedSnapshotsLocked()
	if len(snaps) == 0 {
		e.noticeLocked("info", "nothing to copy")
		return ErrNothingToCopy
	}
	e.clipboard = snaps
	return nil
}

// Paste inserts the clipboard with its bounding-box top-left corner at
// the local pointer. Every copy gets the same displacement, so pairwise
// distances inside the set are preserved exactly.
func (e *Engine) Paste() ([]shape.Shape, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.clipboard) == 0 {
		e.noticeLocked("info", "nothing to paste")
		return nil, ErrNothingToPaste
	}
	minX, minY, _, _, _ := shape.BoundsOf(e.clipboard)
	return e.insertCopiesLocked(e.clipboard, e.pointerX-minX, e.pointerY-minY), nil
}

// PasteOffset inserts the clipboard displaced by exactly (dx, dy) from
// the originals, ignoring the pointer.
func (e *Engine) PasteOffset(dx, dy float64) ([]shape.Shape, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.clipboard) == 0 {
		e.noticeLocked("info", "nothing to paste")
		return nil, ErrNothingToPaste
	}
	return e.insertCopiesLocked(e.clipboard, dx, dy), nil
}

// Duplicate copies the selection at a fixed offset without touching the
// clipboard.
func (e *Engine) Duplicate() ([]shape.Shape, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	snaps := e.selectedSnapshotsLocked()
	if len(snaps) == 0 {
		e.noticeLocked("info", "nothing to duplicate")
		return nil, ErrNothingToCopy
	}
	return e.insertCopiesLocked(snaps, DuplicateOffset, DuplicateOffset), nil
}

// selectedSnapshotsLocked returns the selected shapes in render order,
// so copies keep their relative stacking.
func (e *Engine) selectedSnapshotsLocked() []shape.Shape {
	snaps := make([]shape.Shape, 0, len(e.selection))
	for _, id := range e.selectionLocked() {
		if i := shape.ByID(e.shapes, id); i >= 0 {
			snaps = append(snaps, e.shapes[i])
		}
	}
	shape.SortForRender(snaps)
	return snaps
}

// insertCopiesLocked clones the snapshots into the scene as fresh
// optimistic creates: new temp ids, a z run starting above the current
// maximum, one history entry for the whole set, and the copies as the
// new selection.
func (e *Engine) insertCopiesLocked(snaps []shape.Shape, dx, dy float64) []shape.Shape {
	now := time.Now()
	z := shape.NextZIndex(e.shapes)
	created := make([]shape.Shape, 0, len(snaps))
	for _, snap := range snaps {
		s := snap
		s.ID = util.TempID()
		s.CanvasID = e.canvasID
		s.Translate(dx, dy)
		s.ZIndex = z
		z++
		s.Locked = false
		s.CreatedBy = e.user.ID
		s.CreatedAt = now
		s.ModifiedBy = e.user.ID
		s.ModifiedAt = now

		e.shapes = append(e.shapes, s)
		e.pending[s.ID] = &pendingCreate{born: s, cur: s, at: now}
		created = append(created, s)
	}
	shape.SortForRender(e.shapes)

	ids := make([]string, len(created))
	for i := range created {
		ids[i] = created[i].ID
	}
	e.setSelectionLocked(ids)
	e.recordLocked(Action{
		Type:     ActionCreate,
		ShapeIDs: ids,
		After:    shape.CloneAll(created),
	})
	e.events.Publish(TopicShapes)

	for _, s := range created {
		go e.persistCreate(s)
	}
	return created
}
