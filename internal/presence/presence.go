// Package presence is the ephemeral side of collaboration: cursors,
// live transforms, edit-intent locks and live selections. Nothing here
// is durable; entries exist to be seen within milliseconds and to
// vanish when their writer goes away.
package presence

import "context"

// EventFunc receives one entry under a subscribed prefix. value is the
// JSON-encoded record, or nil when the entry was removed.
type EventFunc func(path string, value []byte)

// Store is a last-writer-wins broadcast keyspace. Subscribing to a
// prefix first replays every existing entry under it, then streams
// writes and removals in arrival order. RemoveOnDisconnect registers a
// path for server-side cleanup if this process dies without removing
// it; callers still remove their paths on graceful shutdown.
type Store interface {
	Write(ctx context.Context, path string, value any) error
	Remove(ctx context.Context, path string) error
	Subscribe(ctx context.Context, prefix string, fn EventFunc) (func(), error)
	RemoveOnDisconnect(ctx context.Context, path string) error
	Close(ctx context.Context) error
}

// Paths follow canvas/<canvasID>/<channel>/<key>. Cursor and selection
// entries are keyed by user, edits and transforms by shape.

func CursorPath(canvasID, userID string) string {
	return "canvas/" + canvasID + "/cursors/" + userID
}

func CursorsPrefix(canvasID string) string {
	return "canvas/" + canvasID + "/cursors/"
}

func SelectionPath(canvasID, userID string) string {
	return "canvas/" + canvasID + "/selections/" + userID
}

func SelectionsPrefix(canvasID string) string {
	return "canvas/" + canvasID + "/selections/"
}

func EditPath(canvasID, shapeID string) string {
	return "canvas/" + canvasID + "/edits/" + shapeID
}

func EditsPrefix(canvasID string) string {
	return "canvas/" + canvasID + "/edits/"
}

func TransformPath(canvasID, shapeID string) string {
	return "canvas/" + canvasID + "/transforms/" + shapeID
}
