package engine

import (
	"log"
	"math"
	"sort"
	"time"

	"easel/internal/presence"
	"easel/internal/shape"
)

// remoteState tracks what other clients are doing: cursors, selection
// badges, edit-intent locks, and the live transforms of shapes someone
// else is moving. A transform outlives its channel entry by the grace
// window, so a finished remote gesture keeps rendering at its final
// geometry until the durable write for it lands.
type remoteState struct {
	cursors    map[string]presence.Cursor
	selections map[string]presence.Selection
	edits      map[string]presence.ActiveEdit
	transforms map[string]presence.Transform
	graces     map[string]graceOverlay
	stops      map[string]func()
	following  map[string]bool
}

type graceOverlay struct {
	tr      presence.Transform
	expires time.Time
}

func newRemoteState() remoteState {
	return remoteState{
		cursors:    make(map[string]presence.Cursor),
		selections: make(map[string]presence.Selection),
		edits:      make(map[string]presence.ActiveEdit),
		transforms: make(map[string]presence.Transform),
		graces:     make(map[string]graceOverlay),
		stops:      make(map[string]func()),
		following:  make(map[string]bool),
	}
}

// takeTransformStops hands every transform unsubscriber to the caller
// and forgets them, so Close can run them outside the engine mutex.
func (r *remoteState) takeTransformStops() []func() {
	stops := make([]func(), 0, len(r.stops))
	for _, stop := range r.stops {
		stops = append(stops, stop)
	}
	r.stops = make(map[string]func())
	r.following = make(map[string]bool)
	return stops
}

// overlayFor returns the geometry to render instead of the durable one:
// the live transform while a remote gesture runs, its grace copy for a
// short window after it ends.
func (r *remoteState) overlayFor(shapeID string, now time.Time) (presence.Transform, bool) {
	if tr, ok := r.transforms[shapeID]; ok {
		return tr, true
	}
	if g, ok := r.graces[shapeID]; ok && now.Before(g.expires) {
		return g.tr, true
	}
	return presence.Transform{}, false
}

func (r *remoteState) dropExpiredGraces(now time.Time) bool {
	changed := false
	for id, g := range r.graces {
		if !now.Before(g.expires) {
			delete(r.graces, id)
			changed = true
		}
	}
	return changed
}

// settleGraces retires overlays whose durable shape caught up with the
// gesture's final geometry, and overlays for shapes that no longer
// exist. Settled overlays drop before the snapshot swap, so nothing on
// screen moves.
func (r *remoteState) settleGraces(snap []shape.Shape) {
	for id, g := range r.graces {
		i := shape.ByID(snap, id)
		if i < 0 {
			delete(r.graces, id)
			continue
		}
		if transformSettled(g.tr, snap[i]) {
			delete(r.graces, id)
		}
	}
}

// transformSettled reports whether the durable shape already shows the
// overlay's geometry, within the structural-match tolerances.
func transformSettled(tr presence.Transform, s shape.Shape) bool {
	if math.Abs(tr.X-s.X) > shape.PositionTolerance {
		return false
	}
	if math.Abs(tr.Y-s.Y) > shape.PositionTolerance {
		return false
	}
	if tr.Width != nil && math.Abs(*tr.Width-s.Width) > shape.DimensionTolerance {
		return false
	}
	if tr.Height != nil && math.Abs(*tr.Height-s.Height) > shape.DimensionTolerance {
		return false
	}
	if tr.Radius != nil && math.Abs(*tr.Radius-s.Radius) > shape.DimensionTolerance {
		return false
	}
	if tr.SecondaryX != nil && math.Abs(*tr.SecondaryX-s.X2) > shape.PositionTolerance {
		return false
	}
	if tr.SecondaryY != nil && math.Abs(*tr.SecondaryY-s.Y2) > shape.PositionTolerance {
		return false
	}
	return true
}

func (e *Engine) onRemoteCursor(userID string, c *presence.Cursor) {
	e.mu.Lock()
	if c == nil {
		delete(e.remote.cursors, userID)
	} else {
		e.remote.cursors[userID] = *c
	}
	e.mu.Unlock()
	e.events.Publish(TopicPresence)
}

func (e *Engine) onRemoteSelection(userID string, sel *presence.Selection) {
	e.mu.Lock()
	if sel == nil {
		delete(e.remote.selections, userID)
	} else {
		e.remote.selections[userID] = *sel
	}
	e.mu.Unlock()
	e.events.Publish(TopicPresence)
}

// onRemoteEdit gates transform fan-out: a lock appearing opens that
// shape's live-transform subscription, the lock vanishing closes it and
// starts the grace window on whatever frame was showing.
func (e *Engine) onRemoteEdit(shapeID string, edit *presence.ActiveEdit) {
	e.mu.Lock()
	if edit == nil {
		delete(e.remote.edits, shapeID)
		e.stopFollowingLocked(shapeID)
		e.mu.Unlock()
		e.events.Publish(TopicPresence)
		e.events.Publish(TopicShapes)
		return
	}
	e.remote.edits[shapeID] = *edit
	e.followTransformLocked(shapeID)
	e.mu.Unlock()
	e.events.Publish(TopicPresence)
}

func (e *Engine) onRemoteTransform(shapeID string, tr *presence.Transform) {
	e.mu.Lock()
	if tr == nil {
		e.beginGraceLocked(shapeID)
	} else {
		delete(e.remote.graces, shapeID)
		e.remote.transforms[shapeID] = *tr
	}
	e.mu.Unlock()
	e.events.Publish(TopicShapes)
}

// followTransformLocked subscribes to one shape's live-transform
// channel. Subscriptions exist only while a remote lock does, so
// fan-out is bounded by concurrent gestures rather than scene size.
// The subscribe itself runs off-lock; if the lock vanished meanwhile,
// the new subscription is torn down immediately.
func (e *Engine) followTransformLocked(shapeID string) {
	if e.remote.following[shapeID] || e.closed {
		return
	}
	e.remote.following[shapeID] = true
	go func() {
		stop, err := e.session.SubscribeTransform(e.ctx, shapeID, func(tr *presence.Transform) {
			e.onRemoteTransform(shapeID, tr)
		})
		if err != nil {
			log.Printf("engine: follow transform %s: %v", shapeID, err)
			e.mu.Lock()
			delete(e.remote.following, shapeID)
			e.mu.Unlock()
			return
		}
		e.mu.Lock()
		if !e.remote.following[shapeID] || e.closed {
			e.mu.Unlock()
			stop()
			return
		}
		e.remote.stops[shapeID] = stop
		e.mu.Unlock()
	}()
}

func (e *Engine) stopFollowingLocked(shapeID string) {
	delete(e.remote.following, shapeID)
	if stop := e.remote.stops[shapeID]; stop != nil {
		delete(e.remote.stops, shapeID)
		go stop()
	}
	e.beginGraceLocked(shapeID)
}

// beginGraceLocked moves a live transform into the grace map. The shape
// keeps rendering at the gesture's final geometry until the matching
// durable update settles it or the window lapses; without this the
// shape would jump back and then forward again.
func (e *Engine) beginGraceLocked(shapeID string) {
	tr, ok := e.remote.transforms[shapeID]
	if !ok {
		return
	}
	delete(e.remote.transforms, shapeID)
	e.remote.graces[shapeID] = graceOverlay{tr: tr, expires: time.Now().Add(e.graceWindow)}
	time.AfterFunc(e.graceWindow, func() {
		e.mu.Lock()
		changed := e.remote.dropExpiredGraces(time.Now())
		e.mu.Unlock()
		if changed {
			e.events.Publish(TopicShapes)
		}
	})
}

// EffectiveShapes is the render contract: the durable-truth scene with
// remote live transforms and unexpired grace copies overlaid, in
// back-to-front paint order.
func (e *Engine) EffectiveShapes() []shape.Shape {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	e.remote.dropExpiredGraces(now)
	out := shape.CloneAll(e.shapes)
	for i := range out {
		if tr, ok := e.remote.overlayFor(out[i].ID, now); ok {
			applyTransform(&out[i], tr)
		}
	}
	shape.SortForRender(out)
	return out
}

// applyTransform overlays streamed gesture geometry onto a durable
// copy. Unset optional fields keep the durable value.
func applyTransform(s *shape.Shape, tr presence.Transform) {
	s.X, s.Y = tr.X, tr.Y
	if tr.Width != nil {
		s.Width = *tr.Width
	}
	if tr.Height != nil {
		s.Height = *tr.Height
	}
	if tr.Radius != nil {
		s.Radius = *tr.Radius
	}
	if tr.SecondaryX != nil {
		s.X2 = *tr.SecondaryX
	}
	if tr.SecondaryY != nil {
		s.Y2 = *tr.SecondaryY
	}
	if tr.ZIndex != nil {
		s.ZIndex = *tr.ZIndex
	}
}

// RemoteCursors returns other users' pointers, ordered by user id.
func (e *Engine) RemoteCursors() []presence.Cursor {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]presence.Cursor, 0, len(e.remote.cursors))
	for _, c := range e.remote.cursors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// RemoteSelections returns other users' selection badges, ordered by
// user id.
func (e *Engine) RemoteSelections() []presence.Selection {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]presence.Selection, 0, len(e.remote.selections))
	for _, sel := range e.remote.selections {
		out = append(out, sel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// RemoteEdits returns the advisory locks other users hold, keyed by
// shape id.
func (e *Engine) RemoteEdits() map[string]presence.ActiveEdit {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]presence.ActiveEdit, len(e.remote.edits))
	for id, edit := range e.remote.edits {
		out[id] = edit
	}
	return out
}
