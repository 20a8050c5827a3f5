package engine

import (
	"context"
	"log"
	"sort"
	"time"

	"easel/internal/shape"
	"easel/internal/util"
)

// pendingCreate tracks one optimistic create awaiting its durable id.
// born is the shape as created and is what structural matching runs
// against; cur is the current optimistic state, which can drift when
// the user keeps editing before the id lands.
type pendingCreate struct {
	born    shape.Shape
	cur     shape.Shape
	at      time.Time
	dirty   bool // edited after create; replay cur once the id lands
	deleted bool // deleted before the id landed; delete the durable twin
}

// resolveCreate is the acknowledgement fast path: the store returned
// the durable id directly to the create goroutine. Snapshots can still
// beat it here, in which case the pending entry is already gone.
func (e *Engine) resolveCreate(tempID, durableID string) {
	e.mu.Lock()
	entry := e.pending[tempID]
	if entry == nil {
		e.mu.Unlock()
		return
	}
	e.resolvePendingLocked(tempID, entry, durableID)
	e.mu.Unlock()
	e.events.Publish(TopicShapes)
}

// resolvePendingLocked rewrites every local reference from the temp id
// to the durable one and settles deferred work: a delete that raced the
// create, or edits made while the id was still temporary.
func (e *Engine) resolvePendingLocked(tempID string, entry *pendingCreate, durableID string) {
	delete(e.pending, tempID)

	if entry.deleted {
		e.pendingDeletes[durableID] = time.Now()
		go e.persistDelete(durableID)
		return
	}

	e.rewriteIDLocked(tempID, durableID)

	if entry.dirty {
		i := shape.ByID(e.shapes, durableID)
		if i < 0 {
			return
		}
		replay := shape.FromShape(e.shapes[i])
		go e.persistUpdate(durableID, replay, time.Now())
	}
}

// rollbackCreate undoes the optimistic create after the durable write
// failed: the shape leaves the scene, the selection, and the history.
func (e *Engine) rollbackCreate(tempID string, cause error) {
	e.mu.Lock()
	entry := e.pending[tempID]
	if entry == nil {
		e.mu.Unlock()
		return
	}
	delete(e.pending, tempID)
	e.discardShapeLocked(tempID)
	e.setErrLocked(cause)
	if !entry.deleted {
		e.noticeLocked("error", "creating shape failed: %v", cause)
	}
	e.mu.Unlock()
	e.events.Publish(TopicShapes)
}

// discardShapeLocked removes every local trace of a shape that never
// became durable.
func (e *Engine) discardShapeLocked(id string) {
	if i := shape.ByID(e.shapes, id); i >= 0 {
		e.shapes = append(e.shapes[:i], e.shapes[i+1:]...)
	}
	if _, ok := e.selection[id]; ok {
		delete(e.selection, id)
		e.mirrorSelectionLocked()
	}
	e.undo = purgeActions(e.undo, id)
	e.redo = purgeActions(e.redo, id)
}

// rewriteIDLocked renames a shape across all engine state: scene,
// selection, history, in-progress drag, and the ephemeral paths keyed
// by shape id.
func (e *Engine) rewriteIDLocked(old, new string) {
	if i := shape.ByID(e.shapes, old); i >= 0 {
		e.shapes[i].ID = new
	}
	if _, ok := e.selection[old]; ok {
		delete(e.selection, old)
		e.selection[new] = struct{}{}
		e.mirrorSelectionLocked()
	}
	rewriteActions(e.undo, old, new)
	rewriteActions(e.redo, old, new)

	if e.drag != nil && e.drag.has(old) {
		e.drag.rewrite(old, new)
		action := e.drag.action
		frame, haveFrame := e.drag.last[new]
		e.presenceDo(func(ctx context.Context) {
			// Move the lock and live stream onto the durable key so
			// remote clients keep following the gesture.
			e.session.EndTransform(ctx, old)
			e.session.EndEdit(ctx, old)
			e.session.BeginEdit(ctx, new, action)
			if haveFrame {
				e.session.StreamTransform(ctx, new, frame)
			}
		})
	}
}

func rewriteActions(actions []Action, old, new string) {
	for i := range actions {
		rewriteAction(&actions[i], old, new)
	}
}

// purgeActions strips a rolled-back shape from the history. Entries
// that referenced only that shape disappear entirely.
func purgeActions(actions []Action, id string) []Action {
	out := actions[:0]
	for _, a := range actions {
		ids := a.ShapeIDs[:0]
		for _, sid := range a.ShapeIDs {
			if sid != id {
				ids = append(ids, sid)
			}
		}
		a.ShapeIDs = ids
		before := a.Before[:0]
		for _, s := range a.Before {
			if s.ID != id {
				before = append(before, s)
			}
		}
		a.Before = before
		after := a.After[:0]
		for _, s := range a.After {
			if s.ID != id {
				after = append(after, s)
			}
		}
		a.After = after
		if len(a.ShapeIDs) > 0 {
			out = append(out, a)
		}
	}
	return out
}

// pendingOrderLocked returns temp ids oldest first, so the earliest
// optimistic create gets first claim on matching snapshot candidates.
func (e *Engine) pendingOrderLocked() []string {
	ids := make([]string, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := e.pending[ids[i]], e.pending[ids[j]]
		if !a.at.Equal(b.at) {
			return a.at.Before(b.at)
		}
		return ids[i] < ids[j]
	})
	return ids
}

// onSnapshot is the subscription handler: the snapshot is authoritative
// and replaces local state wholesale, after temp ids are reconciled so
// selection, history and in-flight gestures survive the swap.
func (e *Engine) onSnapshot(snap []shape.Shape) {
	e.mu.Lock()

	statusChanged := e.status.Loading || e.status.Err != ""
	e.status.Loading = false
	e.status.Err = ""

	// Pair pending creates with durable twins the snapshot delivered
	// ahead of the acknowledgement. Ids already known locally cannot be
	// anyone's twin.
	claimed := make(map[string]bool, len(e.shapes))
	for i := range e.shapes {
		if !util.IsTempID(e.shapes[i].ID) {
			claimed[e.shapes[i].ID] = true
		}
	}
	for _, tempID := range e.pendingOrderLocked() {
		entry := e.pending[tempID]
		idx := shape.FindMatch(entry.born, snap, claimed)
		if idx < 0 {
			continue
		}
		durableID := snap[idx].ID
		claimed[durableID] = true
		e.resolvePendingLocked(tempID, entry, durableID)
	}

	// Rebuild the scene from the snapshot.
	next := make([]shape.Shape, 0, len(snap)+len(e.pending))
	for _, s := range snap {
		if _, deleting := e.pendingDeletes[s.ID]; deleting {
			// Locally deleted; the store has not caught up yet.
			continue
		}
		next = append(next, s)
	}
	for id := range e.pendingDeletes {
		if shape.ByID(snap, id) < 0 {
			delete(e.pendingDeletes, id)
		}
	}

	// Optimistic creates still waiting ride along. Ones the store never
	// confirmed inside the matching window are dropped as orphans.
	for _, tempID := range e.pendingOrderLocked() {
		entry := e.pending[tempID]
		if entry.deleted {
			continue
		}
		if age := time.Since(entry.at); age > shape.RecencyWindow {
			log.Printf("engine: dropping unconfirmed shape %s after %s", tempID, age.Round(time.Second))
			delete(e.pending, tempID)
			e.discardShapeLocked(tempID)
			e.noticeLocked("error", "a shape could not be saved and was removed")
			continue
		}
		next = append(next, entry.cur)
	}

	// A local gesture in progress must not snap back to pre-gesture
	// geometry; its durable write only lands at gesture end.
	e.applyGestureLocked(next)

	// Durable writes that caught up with ended remote gestures settle
	// their grace overlays, so the swap below causes no visible jump.
	e.remote.settleGraces(next)

	shape.SortForRender(next)
	e.shapes = next

	selectionChanged := false
	for id := range e.selection {
		if shape.ByID(e.shapes, id) < 0 {
			delete(e.selection, id)
			selectionChanged = true
		}
	}
	if selectionChanged {
		e.mirrorSelectionLocked()
	}

	e.mu.Unlock()

	e.events.Publish(TopicShapes)
	if statusChanged {
		e.events.Publish(TopicStatus)
	}
}
