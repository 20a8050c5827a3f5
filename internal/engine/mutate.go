package engine

import (
	"context"
	"fmt"
	"time"

	"easel/internal/shape"
	"easel/internal/util"
)

// Every mutation entry point follows the same optimistic pipeline:
// mutate local state synchronously under the mutex, record history,
// then persist on a goroutine. Create failures roll the optimistic
// shape back; update and delete failures do not roll back, because the
// next authoritative snapshot corrects whatever the failed write left
// behind.

// AddShape creates a shape optimistically and persists it in the
// background. The returned shape carries a temporary id that a later
// snapshot or acknowledgement rewrites to the durable one.
func (e *Engine) AddShape(kind shape.Kind, p shape.Patch) (shape.Shape, error) {
	if !shape.ValidKind(kind) {
		return shape.Shape{}, fmt.Errorf("add shape: unknown kind %q", kind)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	s := shape.New(kind, 0, 0)
	p.Apply(&s)
	s.ID = util.TempID()
	s.CanvasID = e.canvasID
	s.CreatedBy = e.user.ID
	s.CreatedAt = now
	s.ModifiedBy = e.user.ID
	s.ModifiedAt = now
	if !p.HasZIndex() {
		s.ZIndex = shape.NextZIndex(e.shapes)
	}

	e.shapes = append(e.shapes, s)
	shape.SortForRender(e.shapes)
	e.pending[s.ID] = &pendingCreate{born: s, cur: s, at: now}
	e.setSelectionLocked([]string{s.ID})
	e.recordLocked(Action{
		Type:     ActionCreate,
		ShapeIDs: []string{s.ID},
		After:    []shape.Shape{s},
	})
	e.events.Publish(TopicShapes)

	go e.persistCreate(s)
	return s, nil
}

func (e *Engine) persistCreate(s shape.Shape) {
	ctx, cancel := e.writeCtx()
	defer cancel()
	durableID, err := e.store.Create(ctx, s)
	if err != nil {
		e.rollbackCreate(s.ID, err)
		return
	}
	e.resolveCreate(s.ID, durableID)
}

// UpdateShape applies a partial update optimistically. Geometry and
// color changes implicitly bring the shape to the front unless the
// same call sets an explicit z-index. trackUndo is false when the call
// is itself an undo or redo.
func (e *Engine) UpdateShape(id string, p shape.Patch, trackUndo bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updateShapeLocked(id, p, trackUndo)
}

func (e *Engine) updateShapeLocked(id string, p shape.Patch, trackUndo bool) error {
	i := shape.ByID(e.shapes, id)
	if i < 0 {
		return ErrShapeNotFound
	}
	if e.shapes[i].Locked && !p.LockOnly() {
		return ErrShapeLocked
	}
	if p.Empty() {
		return nil
	}

	before := e.shapes[i]
	if (p.TouchesGeometry() || p.TouchesColor()) && !p.HasZIndex() {
		if changes := shape.BringToFront(e.shapes, id); len(changes) > 0 {
			// Carry the new z in the same durable write.
			p.ZIndex = &changes[0].To
		}
	}

	now := time.Now()
	p.Apply(&e.shapes[i])
	e.shapes[i].ModifiedBy = e.user.ID
	e.shapes[i].ModifiedAt = now
	after := e.shapes[i]
	shape.SortForRender(e.shapes)

	if trackUndo {
		kind := ActionModify
		if p.MoveOnly() {
			kind = ActionMove
		}
		e.recordLocked(Action{
			Type:     kind,
			ShapeIDs: []string{id},
			Before:   []shape.Shape{before},
			After:    []shape.Shape{after},
		})
	}
	e.events.Publish(TopicShapes)

	if util.IsTempID(id) {
		// No durable twin yet. Mark the pending create so the full
		// current state replays once the id arrives.
		if entry := e.pending[id]; entry != nil {
			entry.dirty = true
			entry.cur = after
		}
		return nil
	}
	go e.persistUpdate(id, p, now)
	return nil
}

func (e *Engine) persistUpdate(id string, p shape.Patch, at time.Time) {
	ctx, cancel := e.writeCtx()
	defer cancel()
	if err := e.store.Update(ctx, e.canvasID, id, p, e.user.ID, at); err != nil {
		e.mu.Lock()
		e.setErrLocked(err)
		e.noticeLocked("error", "saving shape failed: %v", err)
		e.mu.Unlock()
	}
}

// DeleteShape removes a shape optimistically. A failed durable delete
// is not rolled back; the shape reappears with the next snapshot if the
// store still holds it.
func (e *Engine) DeleteShape(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deleteShapeLocked(id, true)
}

func (e *Engine) deleteShapeLocked(id string, trackUndo bool) error {
	i := shape.ByID(e.shapes, id)
	if i < 0 {
		return ErrShapeNotFound
	}
	if e.shapes[i].Locked {
		return ErrShapeLocked
	}

	before := e.shapes[i]
	e.shapes = append(e.shapes[:i], e.shapes[i+1:]...)
	if _, ok := e.selection[id]; ok {
		delete(e.selection, id)
		e.mirrorSelectionLocked()
	}
	if trackUndo {
		e.recordLocked(Action{
			Type:     ActionDelete,
			ShapeIDs: []string{id},
			Before:   []shape.Shape{before},
		})
	}
	e.events.Publish(TopicShapes)

	if util.IsTempID(id) {
		// Created and deleted before the store answered. The create
		// acknowledgement deletes the durable twin.
		if entry := e.pending[id]; entry != nil {
			entry.deleted = true
		}
		return nil
	}

	e.pendingDeletes[id] = time.Now()
	go e.persistDelete(id)
	return nil
}

func (e *Engine) persistDelete(id string) {
	ctx, cancel := e.writeCtx()
	defer cancel()
	if err := e.store.Delete(ctx, e.canvasID, id); err != nil {
		e.mu.Lock()
		delete(e.pendingDeletes, id)
		e.setErrLocked(err)
		e.noticeLocked("error", "deleting shape failed: %v", err)
		e.mu.Unlock()
	}
}

// BringToFront gives the shape the highest z-index unless it already
// holds it alone.
func (e *Engine) BringToFront(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if shape.ByID(e.shapes, id) < 0 {
		return ErrShapeNotFound
	}
	e.commitZChangesLocked(shape.BringToFront(e.shapes, id), true)
	return nil
}

// SendToBack moves the shape to the z floor, shifting what was below
// it up by one.
func (e *Engine) SendToBack(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if shape.ByID(e.shapes, id) < 0 {
		return ErrShapeNotFound
	}
	e.commitZChangesLocked(shape.SendToBack(e.shapes, id), true)
	return nil
}

// SetZIndex moves the shape onto a specific layer, push-shifting the
// band in between. Targets below the floor are rejected with the scene
// untouched.
func (e *Engine) SetZIndex(id string, z int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if shape.ByID(e.shapes, id) < 0 {
		return ErrShapeNotFound
	}
	changes, err := shape.SetZIndex(e.shapes, id, z)
	if err != nil {
		return err
	}
	e.commitZChangesLocked(changes, true)
	return nil
}

// BatchSetZIndex applies a full relayer atomically: either every
// assignment lands or none does.
func (e *Engine) BatchSetZIndex(assignments map[string]int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	changes, err := shape.BatchReorder(e.shapes, assignments)
	if err != nil {
		return err
	}
	e.commitZChangesLocked(changes, true)
	return nil
}

// commitZChangesLocked records and persists the outcome of a reorder.
// The shape helpers already mutated the scene.
func (e *Engine) commitZChangesLocked(changes []shape.ZChange, trackUndo bool) {
	if len(changes) == 0 {
		return
	}
	shape.SortForRender(e.shapes)

	if trackUndo {
		action := Action{Type: ActionReorder}
		for _, c := range changes {
			i := shape.ByID(e.shapes, c.ID)
			if i < 0 {
				continue
			}
			after := e.shapes[i]
			before := after
			before.ZIndex = c.From
			action.ShapeIDs = append(action.ShapeIDs, c.ID)
			action.Before = append(action.Before, before)
			action.After = append(action.After, after)
		}
		e.recordLocked(action)
	}
	e.events.Publish(TopicShapes)

	now := time.Now()
	persist := make([]shape.ZChange, 0, len(changes))
	for _, c := range changes {
		if util.IsTempID(c.ID) {
			if entry := e.pending[c.ID]; entry != nil {
				entry.dirty = true
				if i := shape.ByID(e.shapes, c.ID); i >= 0 {
					entry.cur = e.shapes[i]
				}
			}
			continue
		}
		persist = append(persist, c)
	}
	if len(persist) == 0 {
		return
	}
	go func() {
		ctx, cancel := e.writeCtx()
		defer cancel()
		for _, c := range persist {
			if err := e.store.Update(ctx, e.canvasID, c.ID, shape.ZIndexPatch(c.To), e.user.ID, now); err != nil {
				e.mu.Lock()
				e.setErrLocked(err)
				e.noticeLocked("error", "reordering failed: %v", err)
				e.mu.Unlock()
				return
			}
		}
	}()
}

// SetSelection replaces the selection. Unknown ids are dropped.
func (e *Engine) SetSelection(ids []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setSelectionLocked(ids)
}

func (e *Engine) setSelectionLocked(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if shape.ByID(e.shapes, id) >= 0 {
			next[id] = struct{}{}
		}
	}
	e.selection = next
	e.mirrorSelectionLocked()
}

// ToggleSelection flips one shape's membership.
func (e *Engine) ToggleSelection(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.selection[id]; ok {
		delete(e.selection, id)
	} else {
		if shape.ByID(e.shapes, id) < 0 {
			return
		}
		e.selection[id] = struct{}{}
	}
	e.mirrorSelectionLocked()
}

func (e *Engine) SelectAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, len(e.shapes))
	for i := range e.shapes {
		ids[i] = e.shapes[i].ID
	}
	e.setSelectionLocked(ids)
}

func (e *Engine) DeselectAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setSelectionLocked(nil)
}

// mirrorSelectionLocked broadcasts the selection to other clients and
// wakes local subscribers.
func (e *Engine) mirrorSelectionLocked() {
	ids := e.selectionLocked()
	e.presenceDo(func(ctx context.Context) {
		e.session.SetSelection(ctx, ids)
	})
	e.events.Publish(TopicSelection)
}

// MoveCursor records the local pointer (pastes anchor to it) and
// broadcasts it, throttled inside the session.
func (e *Engine) MoveCursor(x, y float64) {
	e.mu.Lock()
	e.pointerX, e.pointerY = x, y
	e.mu.Unlock()
	e.session.MoveCursor(e.sessionCtx(), x, y)
}

// sessionCtx guards direct session calls made before Start.
func (e *Engine) sessionCtx() context.Context {
	if e.ctx != nil {
		return e.ctx
	}
	return context.Background()
}
