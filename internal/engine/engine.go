// Package engine is the optimistic collaboration core for one client on
// one canvas. Every mutation lands in local state synchronously and is
// persisted in the background; the durable store's snapshot subscription
// is the authority that local state converges to. Ephemeral signals
// (cursors, live transforms, edit locks, selections) ride the presence
// store and never touch durable storage.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"easel/internal/presence"
	"easel/internal/shape"
	"easel/internal/store"
)

var (
	ErrShapeNotFound  = errors.New("shape not found")
	ErrShapeLocked    = errors.New("shape is locked")
	ErrNothingToCopy  = errors.New("nothing to copy")
	ErrNothingToPaste = errors.New("nothing to paste")
)

const (
	// DefaultGraceWindow is how long a vanished remote transform keeps
	// rendering while the matching durable update propagates.
	DefaultGraceWindow = time.Second
	// DefaultHistoryLimit bounds the undo log.
	DefaultHistoryLimit = 100

	defaultWriteTimeout = 10 * time.Second
	noticeLimit         = 32
	presenceOpBuffer    = 256
)

// Viewport is this client's pan and zoom. It is never shared.
type Viewport struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Scale float64 `json:"scale"`
}

// Notice is a user-facing message: failed persistence, empty clipboard,
// an undo that found nothing to undo.
type Notice struct {
	Level   string    `json:"level"` // "info" or "error"
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Status is the loading/error pair the UI binds to.
type Status struct {
	Loading bool   `json:"loading"`
	Err     string `json:"err,omitempty"`
}

type Config struct {
	CanvasID string
	User     presence.User
	Store    store.DocumentStore
	Presence presence.Store

	// Zero values take the defaults above.
	GraceWindow  time.Duration
	HistoryLimit int
	WriteTimeout time.Duration
	Channels     presence.SessionConfig
}

// Engine holds one client's scene state. One mutex guards all of it;
// durable and ephemeral I/O happen on goroutines that never hold the
// mutex while blocking.
type Engine struct {
	canvasID string
	user     presence.User
	store    store.DocumentStore
	session  *presence.Session
	events   *Broadcaster

	graceWindow  time.Duration
	historyLimit int
	writeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	presenceOps chan func(context.Context)

	mu        sync.Mutex
	shapes    []shape.Shape
	selection map[string]struct{}
	viewport  Viewport
	pointerX  float64
	pointerY  float64

	pending        map[string]*pendingCreate
	pendingDeletes map[string]time.Time

	undo        []Action
	redo        []Action
	muteHistory bool

	clipboard []shape.Shape

	drag *dragState

	remote remoteState

	notices []Notice
	status  Status

	stops  []func()
	closed bool
}

func New(cfg Config) (*Engine, error) {
	if cfg.CanvasID == "" {
		return nil, fmt.Errorf("engine: canvas id required")
	}
	if cfg.User.ID == "" {
		return nil, fmt.Errorf("engine: user id required")
	}
	if cfg.Store == nil || cfg.Presence == nil {
		return nil, fmt.Errorf("engine: both stores required")
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	e := &Engine{
		canvasID:       cfg.CanvasID,
		user:           cfg.User,
		store:          cfg.Store,
		session:        presence.NewSession(cfg.Presence, cfg.CanvasID, cfg.User, cfg.Channels),
		events:         NewBroadcaster(),
		graceWindow:    cfg.GraceWindow,
		historyLimit:   cfg.HistoryLimit,
		writeTimeout:   cfg.WriteTimeout,
		presenceOps:    make(chan func(context.Context), presenceOpBuffer),
		selection:      make(map[string]struct{}),
		viewport:       Viewport{Scale: 1},
		pending:        make(map[string]*pendingCreate),
		pendingDeletes: make(map[string]time.Time),
		remote:         newRemoteState(),
		status:         Status{Loading: true},
	}
	return e, nil
}

// Start subscribes to the durable snapshot stream and the presence
// channels. It returns once the subscriptions are registered; the first
// snapshot clears the loading status asynchronously.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)
	go e.presenceWorker()

	stop, err := e.store.Subscribe(e.ctx, e.canvasID, e.onSnapshot)
	if err != nil {
		e.cancel()
		return fmt.Errorf("subscribe canvas %s: %w", e.canvasID, err)
	}
	e.stops = append(e.stops, stop)

	stop, err = e.session.SubscribeCursors(e.ctx, e.onRemoteCursor)
	if err != nil {
		e.Close()
		return fmt.Errorf("subscribe cursors: %w", err)
	}
	e.stops = append(e.stops, stop)

	stop, err = e.session.SubscribeSelections(e.ctx, e.onRemoteSelection)
	if err != nil {
		e.Close()
		return fmt.Errorf("subscribe selections: %w", err)
	}
	e.stops = append(e.stops, stop)

	stop, err = e.session.SubscribeEdits(e.ctx, e.onRemoteEdit)
	if err != nil {
		e.Close()
		return fmt.Errorf("subscribe edits: %w", err)
	}
	e.stops = append(e.stops, stop)

	return nil
}

// Close tears down subscriptions and removes this client's ephemeral
// entries. Idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	stops := e.stops
	e.stops = nil
	transformStops := e.remote.takeTransformStops()
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	for _, stop := range stops {
		stop()
	}
	for _, stop := range transformStops {
		stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.writeTimeout)
	defer cancel()
	e.session.Close(ctx)
}

func (e *Engine) Events() *Broadcaster { return e.events }

func (e *Engine) CanvasID() string { return e.canvasID }

func (e *Engine) User() presence.User { return e.user }

// Shapes returns the durable-truth scene in render order, optimistic
// mutations included, live transforms excluded.
func (e *Engine) Shapes() []shape.Shape {
	e.mu.Lock()
	defer e.mu.Unlock()
	return shape.CloneAll(e.shapes)
}

// Selection returns the selected ids, sorted for determinism.
func (e *Engine) Selection() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selectionLocked()
}

func (e *Engine) selectionLocked() []string {
	ids := make([]string, 0, len(e.selection))
	for id := range e.selection {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) Viewport() Viewport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewport
}

// SetViewport records this client's pan/zoom. Local only.
func (e *Engine) SetViewport(v Viewport) {
	if v.Scale <= 0 {
		v.Scale = 1
	}
	e.mu.Lock()
	e.viewport = v
	e.mu.Unlock()
}

func (e *Engine) Notices() []Notice {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Notice, len(e.notices))
	copy(out, e.notices)
	return out
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) CanUndo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.undo) > 0
}

func (e *Engine) CanRedo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.redo) > 0
}

// noticeLocked appends a user-facing message. Callers hold e.mu; the
// broadcaster has its own lock and never calls back in, so publishing
// inline is safe.
func (e *Engine) noticeLocked(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if level == "error" {
		log.Printf("engine: %s", msg)
	}
	e.notices = append(e.notices, Notice{Level: level, Message: msg, At: time.Now()})
	if len(e.notices) > noticeLimit {
		e.notices = e.notices[len(e.notices)-noticeLimit:]
	}
	e.events.Publish(TopicNotice)
}

func (e *Engine) notice(level, format string, args ...any) {
	e.mu.Lock()
	e.noticeLocked(level, format, args...)
	e.mu.Unlock()
}

// presenceWorker runs ephemeral-store operations in submission order so
// that lock acquisition, selection mirroring and cleanup never block a
// mutation and never reorder against each other.
func (e *Engine) presenceWorker() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case op := <-e.presenceOps:
			op(e.ctx)
		}
	}
}

func (e *Engine) presenceDo(op func(context.Context)) {
	select {
	case e.presenceOps <- op:
	default:
		log.Printf("engine: presence op queue full, dropping")
	}
}

// writeCtx derives the deadline context for one background durable
// write. It is bound to the engine lifetime, not the caller's request.
func (e *Engine) writeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(e.ctx, e.writeTimeout)
}

// setErrLocked records a persistence failure in the status the UI
// binds to. The next clean snapshot clears it.
func (e *Engine) setErrLocked(err error) {
	e.status.Err = err.Error()
	e.events.Publish(TopicStatus)
}
