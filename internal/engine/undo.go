package engine

import (
	"time"

	"easel/internal/shape"
	"easel/internal/util"
)

// ActionType classifies a history entry.
type ActionType string

const (
	ActionCreate  ActionType = "create"
	ActionDelete  ActionType = "delete"
	ActionModify  ActionType = "modify"
	ActionMove    ActionType = "move"
	ActionReorder ActionType = "reorder"
)

// Action is one undoable local mutation. Before and After hold full
// shape snapshots aligned index-for-index with ShapeIDs; which side an
// undo or redo applies depends on the type. Ids inside an entry are
// rewritten whenever a temp id resolves, so history stays valid across
// the id change.
type Action struct {
	Type     ActionType    `json:"type"`
	At       time.Time     `json:"at"`
	UserID   string        `json:"userId"`
	ShapeIDs []string      `json:"shapeIds"`
	Before   []shape.Shape `json:"before,omitempty"`
	After    []shape.Shape `json:"after,omitempty"`
}

// recordLocked pushes a fresh history entry and invalidates the redo
// branch. The log holds the newest historyLimit entries; muteHistory is
// set while Undo and Redo replay mutations through the pipeline, so the
// replays do not record themselves.
func (e *Engine) recordLocked(a Action) {
	if e.muteHistory {
		return
	}
	a.At = time.Now()
	a.UserID = e.user.ID
	e.undo = append(e.undo, a)
	if len(e.undo) > e.historyLimit {
		e.undo = e.undo[len(e.undo)-e.historyLimit:]
	}
	e.redo = nil
}

// Undo reverses the most recent local action. The inverse runs through
// the optimistic pipeline with recording muted, so it persists and
// reconciles like any other mutation. The entry moves to the redo stack
// even when the inverse partially fails, so a later redo reapplies what
// it can.
func (e *Engine) Undo() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.undo) == 0 {
		e.noticeLocked("info", "nothing to undo")
		return nil
	}
	a := e.undo[len(e.undo)-1]
	e.undo = e.undo[:len(e.undo)-1]

	e.muteHistory = true
	err := e.invertLocked(&a)
	e.muteHistory = false

	e.redo = append(e.redo, a)
	if err != nil {
		e.noticeLocked("error", "undo failed: %v", err)
	}
	return err
}

// Redo reapplies the most recently undone action.
func (e *Engine) Redo() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.redo) == 0 {
		e.noticeLocked("info", "nothing to redo")
		return nil
	}
	a := e.redo[len(e.redo)-1]
	e.redo = e.redo[:len(e.redo)-1]

	e.muteHistory = true
	err := e.replayLocked(&a)
	e.muteHistory = false

	e.undo = append(e.undo, a)
	if err != nil {
		e.noticeLocked("error", "redo failed: %v", err)
	}
	return err
}

func (e *Engine) invertLocked(a *Action) error {
	switch a.Type {
	case ActionCreate:
		return e.removeRecordedLocked(a, a.After)
	case ActionDelete:
		return e.recreateRecordedLocked(a, a.Before)
	default:
		return e.restoreRecordedLocked(a, a.Before)
	}
}

func (e *Engine) replayLocked(a *Action) error {
	switch a.Type {
	case ActionCreate:
		return e.recreateRecordedLocked(a, a.After)
	case ActionDelete:
		return e.removeRecordedLocked(a, a.Before)
	default:
		return e.restoreRecordedLocked(a, a.After)
	}
}

// removeRecordedLocked deletes the shapes an entry created. The id is
// tried first; when it no longer exists the snapshot is matched
// structurally, because a recreate on the opposite stack minted a new
// id since the entry was written.
func (e *Engine) removeRecordedLocked(a *Action, snaps []shape.Shape) error {
	var firstErr error
	claimed := make(map[string]bool, len(a.ShapeIDs))
	for i, id := range a.ShapeIDs {
		targetID := id
		if shape.ByID(e.shapes, targetID) < 0 {
			if i >= len(snaps) {
				continue
			}
			idx := shape.FindMatch(snaps[i], e.shapes, claimed)
			if idx < 0 {
				if firstErr == nil {
					firstErr = ErrShapeNotFound
				}
				continue
			}
			targetID = e.shapes[idx].ID
		}
		claimed[targetID] = true
		if err := e.deleteShapeLocked(targetID, false); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		rewriteAction(a, id, targetID)
	}
	return firstErr
}

// recreateRecordedLocked rebuilds deleted shapes from their snapshots
// as fresh optimistic creates. Every copy gets a new temp id, which is
// written back into the entry so the opposite stack targets the shape
// that now exists. CreatedAt moves to now; structural matching needs it
// near the durable twin's timestamp.
func (e *Engine) recreateRecordedLocked(a *Action, snaps []shape.Shape) error {
	now := time.Now()
	for i := range snaps {
		s := snaps[i]
		old := s.ID
		s.ID = util.TempID()
		s.CanvasID = e.canvasID
		s.CreatedAt = now
		s.ModifiedBy = e.user.ID
		s.ModifiedAt = now

		e.shapes = append(e.shapes, s)
		e.pending[s.ID] = &pendingCreate{born: s, cur: s, at: now}
		rewriteAction(a, old, s.ID)
		go e.persistCreate(s)
	}
	shape.SortForRender(e.shapes)
	e.events.Publish(TopicShapes)
	return nil
}

// restoreRecordedLocked writes one side's snapshots back onto the live
// scene: geometry, style and z-order together. The locked guard is
// deliberately skipped so that a lock toggle is itself undoable.
func (e *Engine) restoreRecordedLocked(a *Action, snaps []shape.Shape) error {
	var firstErr error
	now := time.Now()
	for _, snap := range snaps {
		i := shape.ByID(e.shapes, snap.ID)
		if i < 0 {
			// Deleted remotely since the entry was written.
			if firstErr == nil {
				firstErr = ErrShapeNotFound
			}
			continue
		}
		p := shape.FromShape(snap)
		p.Apply(&e.shapes[i])
		e.shapes[i].ModifiedBy = e.user.ID
		e.shapes[i].ModifiedAt = now

		if util.IsTempID(snap.ID) {
			if entry := e.pending[snap.ID]; entry != nil {
				entry.dirty = true
				entry.cur = e.shapes[i]
			}
			continue
		}
		go e.persistUpdate(snap.ID, p, now)
	}
	shape.SortForRender(e.shapes)
	e.events.Publish(TopicShapes)
	return firstErr
}

// rewriteAction renames one shape across a single history entry.
func rewriteAction(a *Action, old, new string) {
	for j, id := range a.ShapeIDs {
		if id == old {
			a.ShapeIDs[j] = new
		}
	}
	for j := range a.Before {
		if a.Before[j].ID == old {
			a.Before[j].ID = new
		}
	}
	for j := range a.After {
		if a.After[j].ID == old {
			a.After[j].ID = new
		}
	}
}
