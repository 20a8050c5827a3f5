package store

import (
	"context"
	"errors"
	"time"

	"easel/internal/shape"
)

// ErrNotFound is returned for updates and deletes against ids the store
// does not hold.
var ErrNotFound = errors.New("shape not found")

// SnapshotFunc receives the full shape list for a canvas, ordered by
// z-index then creation time. Each call is a complete replacement of
// the previous snapshot, never a delta. The slice is owned by the
// receiver.
type SnapshotFunc func(shapes []shape.Shape)

// DocumentStore is durable, shared shape storage. Writes are
// fire-and-forget from the caller's point of view: every successful
// mutation eventually reaches all subscribers of the canvas as a fresh
// snapshot, including the writer.
//
// Create mints the durable id; callers reference the shape by a
// placeholder until the id comes back or a snapshot delivers the
// durable copy.
type DocumentStore interface {
	Create(ctx context.Context, s shape.Shape) (string, error)
	Update(ctx context.Context, canvasID, id string, p shape.Patch, by string, at time.Time) error
	Delete(ctx context.Context, canvasID, id string) error
	List(ctx context.Context, canvasID string) ([]shape.Shape, error)

	// Subscribe registers fn for canvasID and delivers the current
	// snapshot before any change notifications. The returned stop
	// function is idempotent. fn is never called concurrently with
	// itself.
	Subscribe(ctx context.Context, canvasID string, fn SnapshotFunc) (func(), error)

	Close()
}
