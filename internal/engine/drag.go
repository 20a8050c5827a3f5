package engine

import (
	"context"
	"sort"
	"time"

	"easel/internal/presence"
	"easel/internal/shape"
	"easel/internal/util"
)

// dragState is one in-progress gesture: the leader the pointer grabbed,
// the pre-gesture snapshot of every shape riding along, and the last
// frame streamed per shape. Nothing is persisted until the gesture
// ends; remote clients watch the frames instead.
type dragState struct {
	leaderID string
	action   presence.EditAction
	startX   float64
	startY   float64
	origins  map[string]shape.Shape
	last     map[string]presence.Transform
}

func (d *dragState) has(id string) bool {
	_, ok := d.origins[id]
	return ok
}

// rewrite follows a temp id resolution mid-gesture.
func (d *dragState) rewrite(old, new string) {
	if d.leaderID == old {
		d.leaderID = new
	}
	if s, ok := d.origins[old]; ok {
		delete(d.origins, old)
		s.ID = new
		d.origins[new] = s
	}
	if tr, ok := d.last[old]; ok {
		delete(d.last, old)
		d.last[new] = tr
	}
}

func (d *dragState) memberIDs() []string {
	ids := make([]string, 0, len(d.origins))
	for id := range d.origins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BeginDrag opens a gesture on leaderID. When the leader is part of the
// selection the whole selection rides along; otherwise the leader
// becomes the selection and drags alone. Locked members stay behind.
// Every member gets an edit-intent lock for the duration.
func (e *Engine) BeginDrag(leaderID string, action presence.EditAction) error {
	e.mu.Lock()
	i := shape.ByID(e.shapes, leaderID)
	if i < 0 {
		e.mu.Unlock()
		return ErrShapeNotFound
	}
	if e.shapes[i].Locked {
		e.mu.Unlock()
		return ErrShapeLocked
	}
	if e.drag != nil {
		// The previous gesture never saw its end event. Commit what is
		// on screen rather than snapping shapes back.
		e.endDragLocked()
	}

	if _, ok := e.selection[leaderID]; !ok {
		e.setSelectionLocked([]string{leaderID})
	}
	d := &dragState{
		leaderID: leaderID,
		action:   action,
		startX:   e.shapes[i].X,
		startY:   e.shapes[i].Y,
		origins:  make(map[string]shape.Shape),
		last:     make(map[string]presence.Transform),
	}
	for id := range e.selection {
		if j := shape.ByID(e.shapes, id); j >= 0 && !e.shapes[j].Locked {
			d.origins[id] = e.shapes[j]
		}
	}
	e.drag = d
	ids := d.memberIDs()
	e.mu.Unlock()

	e.presenceDo(func(ctx context.Context) {
		for _, id := range ids {
			e.session.BeginEdit(ctx, id, action)
		}
	})
	return nil
}

// DragTo moves the gesture so the leader's reference point sits at
// (x, y). Followers move by the same displacement from their own
// origins, so relative offsets inside the set never drift. Each
// member's frame streams on its own live-transform channel.
func (e *Engine) DragTo(x, y float64) {
	e.mu.Lock()
	d := e.drag
	if d == nil {
		e.mu.Unlock()
		return
	}
	dx, dy := x-d.startX, y-d.startY
	frames := make(map[string]presence.Transform, len(d.origins))
	for id, origin := range d.origins {
		i := shape.ByID(e.shapes, id)
		if i < 0 {
			continue
		}
		moved := origin
		moved.Translate(dx, dy)
		e.shapes[i].X, e.shapes[i].Y = moved.X, moved.Y
		if moved.Kind == shape.KindLine {
			e.shapes[i].X2, e.shapes[i].Y2 = moved.X2, moved.Y2
		}
		tr := transformFor(e.shapes[i])
		d.last[id] = tr
		frames[id] = tr
	}
	e.mu.Unlock()
	e.events.Publish(TopicShapes)

	ctx := e.sessionCtx()
	for id, tr := range frames {
		e.session.StreamTransform(ctx, id, tr)
	}
}

// ResizeTo resizes the gesture's leader to the given bounding size.
// Followers keep their geometry; only moves fan out across a set.
func (e *Engine) ResizeTo(w, h float64) {
	e.mu.Lock()
	d := e.drag
	if d == nil {
		e.mu.Unlock()
		return
	}
	leaderID := d.leaderID
	i := shape.ByID(e.shapes, leaderID)
	if i < 0 {
		e.mu.Unlock()
		return
	}
	shape.Resize(&e.shapes[i], w, h)
	tr := transformFor(e.shapes[i])
	d.last[leaderID] = tr
	e.mu.Unlock()
	e.events.Publish(TopicShapes)

	e.session.StreamTransform(e.sessionCtx(), leaderID, tr)
}

// EndDrag commits the gesture: one history entry covering every member
// that moved, one batched background write, locks and streams released.
func (e *Engine) EndDrag() {
	e.mu.Lock()
	e.endDragLocked()
	e.mu.Unlock()
}

func (e *Engine) endDragLocked() {
	d := e.drag
	e.drag = nil
	if d == nil {
		return
	}

	action := Action{Type: ActionMove}
	if d.action == presence.EditResizing {
		action.Type = ActionModify
	}
	type write struct {
		id string
		p  shape.Patch
	}
	var writes []write
	now := time.Now()
	ids := d.memberIDs()
	for _, id := range ids {
		i := shape.ByID(e.shapes, id)
		if i < 0 {
			continue
		}
		before := d.origins[id]
		p := shape.Diff(before, e.shapes[i])
		if p.Empty() {
			continue
		}
		e.shapes[i].ModifiedBy = e.user.ID
		e.shapes[i].ModifiedAt = now
		action.ShapeIDs = append(action.ShapeIDs, id)
		action.Before = append(action.Before, before)
		action.After = append(action.After, e.shapes[i])

		if util.IsTempID(id) {
			if entry := e.pending[id]; entry != nil {
				entry.dirty = true
				entry.cur = e.shapes[i]
			}
			continue
		}
		writes = append(writes, write{id: id, p: p})
	}
	if len(action.ShapeIDs) > 0 {
		e.recordLocked(action)
	}
	e.events.Publish(TopicShapes)

	e.presenceDo(func(ctx context.Context) {
		for _, id := range ids {
			e.session.EndTransform(ctx, id)
			e.session.EndEdit(ctx, id)
		}
	})

	if len(writes) == 0 {
		return
	}
	go func() {
		ctx, cancel := e.writeCtx()
		defer cancel()
		for _, w := range writes {
			if err := e.store.Update(ctx, e.canvasID, w.id, w.p, e.user.ID, now); err != nil {
				e.mu.Lock()
				e.setErrLocked(err)
				e.noticeLocked("error", "saving moved shapes failed: %v", err)
				e.mu.Unlock()
				return
			}
		}
	}()
}

// CancelDrag abandons the gesture and restores every member to its
// pre-gesture state. Nothing is persisted and nothing enters history.
func (e *Engine) CancelDrag() {
	e.mu.Lock()
	e.cancelDragLocked()
	e.mu.Unlock()
}

func (e *Engine) cancelDragLocked() {
	d := e.drag
	e.drag = nil
	if d == nil {
		return
	}
	for id, origin := range d.origins {
		if i := shape.ByID(e.shapes, id); i >= 0 {
			e.shapes[i] = origin
		}
	}
	shape.SortForRender(e.shapes)
	ids := d.memberIDs()
	e.presenceDo(func(ctx context.Context) {
		for _, id := range ids {
			e.session.EndTransform(ctx, id)
			e.session.EndEdit(ctx, id)
		}
	})
	e.events.Publish(TopicShapes)
}

// applyGestureLocked re-applies in-gesture geometry onto an incoming
// snapshot. Durable deliveries mid-drag must not snap members back to
// pre-gesture positions; their write only lands at gesture end.
func (e *Engine) applyGestureLocked(next []shape.Shape) {
	if e.drag == nil {
		return
	}
	for id := range e.drag.origins {
		i := shape.ByID(e.shapes, id)
		j := shape.ByID(next, id)
		if i < 0 || j < 0 {
			continue
		}
		cur := e.shapes[i]
		next[j].X, next[j].Y = cur.X, cur.Y
		next[j].Width, next[j].Height = cur.Width, cur.Height
		next[j].Radius = cur.Radius
		next[j].X2, next[j].Y2 = cur.X2, cur.Y2
		next[j].FontSize = cur.FontSize
	}
}

// transformFor snapshots a shape's streamable geometry.
func transformFor(s shape.Shape) presence.Transform {
	tr := presence.Transform{X: s.X, Y: s.Y}
	switch s.Kind {
	case shape.KindCircle:
		r := s.Radius
		tr.Radius = &r
	case shape.KindLine:
		x2, y2 := s.X2, s.Y2
		tr.SecondaryX, tr.SecondaryY = &x2, &y2
	case shape.KindText:
		// Font size is not streamed; the durable write carries it.
	default:
		w, h := s.Width, s.Height
		tr.Width, tr.Height = &w, &h
	}
	return tr
}
