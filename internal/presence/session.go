package presence

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"
)

// SessionConfig tunes channel write budgets. Zero values take the
// defaults.
type SessionConfig struct {
	CursorInterval    time.Duration
	TransformInterval time.Duration
}

// Session is one user's presence on one canvas: typed write access to
// the four channels, per-channel throttling, and teardown that leaves
// nothing behind. Write failures are logged and swallowed; presence is
// never allowed to fail a mutation.
type Session struct {
	store    Store
	canvasID string
	user     User

	cursorGate        *throttle
	transformInterval time.Duration

	mu         sync.Mutex
	transforms map[string]*throttle
	guarded    map[string]struct{}
	owned      map[string]struct{}
	closed     bool
}

func NewSession(st Store, canvasID string, user User, cfg SessionConfig) *Session {
	if cfg.CursorInterval <= 0 {
		cfg.CursorInterval = DefaultCursorInterval
	}
	if cfg.TransformInterval <= 0 {
		cfg.TransformInterval = DefaultTransformInterval
	}
	return &Session{
		store:             st,
		canvasID:          canvasID,
		user:              user,
		cursorGate:        newThrottle(cfg.CursorInterval),
		transformInterval: cfg.TransformInterval,
		transforms:        make(map[string]*throttle),
		guarded:           make(map[string]struct{}),
		owned:             make(map[string]struct{}),
	}
}

func (s *Session) User() User { return s.user }

func (s *Session) CanvasID() string { return s.canvasID }

// MoveCursor publishes the pointer position, throttled to the display
// refresh budget.
func (s *Session) MoveCursor(ctx context.Context, x, y float64) {
	rec := Cursor{
		UserID:      s.user.ID,
		DisplayName: s.user.DisplayName,
		X:           x,
		Y:           y,
		ColorName:   s.user.ColorName,
		ColorHex:    s.user.ColorHex,
		LastUpdate:  time.Now(),
	}
	s.cursorGate.Do(func() {
		s.write(ctx, CursorPath(s.canvasID, s.user.ID), rec)
	})
}

// SetSelection mirrors the local selection set. An empty set removes
// the record rather than broadcasting an empty badge.
func (s *Session) SetSelection(ctx context.Context, shapeIDs []string) {
	path := SelectionPath(s.canvasID, s.user.ID)
	if len(shapeIDs) == 0 {
		s.remove(ctx, path)
		return
	}
	rec := Selection{
		UserID:      s.user.ID,
		DisplayName: s.user.DisplayName,
		Color:       s.user.ColorHex,
		ShapeIDs:    shapeIDs,
		LastUpdate:  time.Now(),
	}
	s.write(ctx, path, rec)
}

// BeginEdit announces the edit-intent lock for a shape. The lock is
// advisory: nothing stops a concurrent holder, last write wins.
func (s *Session) BeginEdit(ctx context.Context, shapeID string, action EditAction) {
	rec := ActiveEdit{
		UserID:      s.user.ID,
		Email:       s.user.Email,
		DisplayName: s.user.DisplayName,
		Action:      action,
		Color:       s.user.ColorHex,
		StartedAt:   time.Now(),
	}
	s.write(ctx, EditPath(s.canvasID, shapeID), rec)
}

func (s *Session) EndEdit(ctx context.Context, shapeID string) {
	s.remove(ctx, EditPath(s.canvasID, shapeID))
}

// StreamTransform publishes in-progress gesture geometry for a shape,
// throttled per shape with a guaranteed trailing frame.
func (s *Session) StreamTransform(ctx context.Context, shapeID string, tr Transform) {
	tr.UserID = s.user.ID
	tr.LastUpdate = time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	gate := s.transforms[shapeID]
	if gate == nil {
		gate = newThrottle(s.transformInterval)
		s.transforms[shapeID] = gate
	}
	s.mu.Unlock()

	gate.Do(func() {
		s.write(ctx, TransformPath(s.canvasID, shapeID), tr)
	})
}

// EndTransform removes the shape's transform entry. The removal
// supersedes any pending frame on the same gate and retires it, so a
// trailing write can never resurrect the path.
func (s *Session) EndTransform(ctx context.Context, shapeID string) {
	s.mu.Lock()
	gate := s.transforms[shapeID]
	delete(s.transforms, shapeID)
	s.mu.Unlock()

	path := TransformPath(s.canvasID, shapeID)
	if gate == nil {
		s.remove(ctx, path)
		return
	}
	gate.Final(func() {
		s.remove(ctx, path)
	})
}

// SubscribeCursors follows every other user's cursor. fn gets nil when
// a cursor is removed. The local user is filtered out.
func (s *Session) SubscribeCursors(ctx context.Context, fn func(userID string, c *Cursor)) (func(), error) {
	return s.store.Subscribe(ctx, CursorsPrefix(s.canvasID), func(path string, value []byte) {
		userID := lastSegment(path)
		if userID == s.user.ID {
			return
		}
		if value == nil {
			fn(userID, nil)
			return
		}
		var c Cursor
		if err := json.Unmarshal(value, &c); err != nil {
			log.Printf("presence: bad cursor record at %s: %v", path, err)
			return
		}
		fn(userID, &c)
	})
}

// SubscribeSelections follows other users' selection badges.
func (s *Session) SubscribeSelections(ctx context.Context, fn func(userID string, sel *Selection)) (func(), error) {
	return s.store.Subscribe(ctx, SelectionsPrefix(s.canvasID), func(path string, value []byte) {
		userID := lastSegment(path)
		if userID == s.user.ID {
			return
		}
		if value == nil {
			fn(userID, nil)
			return
		}
		var sel Selection
		if err := json.Unmarshal(value, &sel); err != nil {
			log.Printf("presence: bad selection record at %s: %v", path, err)
			return
		}
		fn(userID, &sel)
	})
}

// SubscribeEdits follows edit-intent locks across the canvas. Locks
// held by the local user are filtered; removals pass through because a
// removal does not identify its writer.
func (s *Session) SubscribeEdits(ctx context.Context, fn func(shapeID string, e *ActiveEdit)) (func(), error) {
	return s.store.Subscribe(ctx, EditsPrefix(s.canvasID), func(path string, value []byte) {
		shapeID := lastSegment(path)
		if value == nil {
			fn(shapeID, nil)
			return
		}
		var e ActiveEdit
		if err := json.Unmarshal(value, &e); err != nil {
			log.Printf("presence: bad edit record at %s: %v", path, err)
			return
		}
		if e.UserID == s.user.ID {
			return
		}
		fn(shapeID, &e)
	})
}

// SubscribeTransform follows a single shape's live transform. Callers
// subscribe only while that shape's lock is held by someone else, so
// fan-out stays bounded by concurrent gestures rather than scene size.
func (s *Session) SubscribeTransform(ctx context.Context, shapeID string, fn func(tr *Transform)) (func(), error) {
	return s.store.Subscribe(ctx, TransformPath(s.canvasID, shapeID), func(path string, value []byte) {
		if value == nil {
			fn(nil)
			return
		}
		var tr Transform
		if err := json.Unmarshal(value, &tr); err != nil {
			log.Printf("presence: bad transform record at %s: %v", path, err)
			return
		}
		if tr.UserID == s.user.ID {
			return
		}
		fn(&tr)
	})
}

// Close retires the throttles and removes every path this session
// wrote. Safe to call once the owning connection is gone.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	gates := make([]*throttle, 0, len(s.transforms))
	for _, g := range s.transforms {
		gates = append(gates, g)
	}
	s.transforms = nil
	owned := make([]string, 0, len(s.owned))
	for path := range s.owned {
		owned = append(owned, path)
	}
	s.mu.Unlock()

	s.cursorGate.Stop()
	for _, g := range gates {
		g.Stop()
	}
	for _, path := range owned {
		if err := s.store.Remove(ctx, path); err != nil {
			log.Printf("presence: cleanup %s: %v", path, err)
		}
	}
}

func (s *Session) write(ctx context.Context, path string, value any) {
	if err := s.store.Write(ctx, path, value); err != nil {
		log.Printf("presence: write %s: %v", path, err)
		return
	}

	s.mu.Lock()
	s.owned[path] = struct{}{}
	_, hooked := s.guarded[path]
	if !hooked {
		s.guarded[path] = struct{}{}
	}
	s.mu.Unlock()

	if !hooked {
		if err := s.store.RemoveOnDisconnect(ctx, path); err != nil {
			log.Printf("presence: disconnect hook %s: %v", path, err)
		}
	}
}

func (s *Session) remove(ctx context.Context, path string) {
	s.mu.Lock()
	delete(s.owned, path)
	s.mu.Unlock()
	if err := s.store.Remove(ctx, path); err != nil {
		log.Printf("presence: remove %s: %v", path, err)
	}
}

func lastSegment(path string) string {
	return path[strings.LastIndex(path, "/")+1:]
}
