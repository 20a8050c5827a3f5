package store

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jackc/pgx/v5/pgxpool"

	"easel/internal/shape"
	"easel/internal/util"
)

// notifyChannel carries change notifications. The payload is the
// canvas id; listeners re-read the canvas rather than trusting payloads
// to fit the NOTIFY size limit.
const notifyChannel = "easel_shapes"

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

const shapeColumns = `id, canvas_id, kind, x, y, width, height, radius, x2, y2,
	content, font_size, color, rotation, opacity, z_index, visible, locked,
	created_by, created_at, modified_by, modified_at`

func (s *PostgresStore) Create(ctx context.Context, sh shape.Shape) (string, error) {
	id := util.NewID("shp")
	const insert = `
		INSERT INTO shapes (id, canvas_id, kind, x, y, width, height, radius, x2, y2,
			content, font_size, color, rotation, opacity, z_index, visible, locked,
			created_by, created_at, modified_by, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22)
	`
	_, err := s.pool.Exec(ctx, insert,
		id, sh.CanvasID, string(sh.Kind), sh.X, sh.Y, sh.Width, sh.Height, sh.Radius, sh.X2, sh.Y2,
		sh.Text, sh.FontSize, sh.Color, sh.Rotation, sh.Opacity, sh.ZIndex, sh.Visible, sh.Locked,
		sh.CreatedBy, sh.CreatedAt, sh.ModifiedBy, sh.ModifiedAt)
	if err != nil {
		return "", fmt.Errorf("insert shape: %w", err)
	}
	s.notify(ctx, sh.CanvasID)
	return id, nil
}

func (s *PostgresStore) Update(ctx context.Context, canvasID, id string, p shape.Patch, by string, at time.Time) error {
	cols, args := patchColumns(p)
	cols = append(cols, "modified_by", "modified_at")
	args = append(args, by, at)

	var b strings.Builder
	b.WriteString("UPDATE shapes SET ")
	for i, col := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=$%d", col, i+1)
	}
	fmt.Fprintf(&b, " WHERE id=$%d AND canvas_id=$%d", len(cols)+1, len(cols)+2)
	args = append(args, id, canvasID)

	tag, err := s.pool.Exec(ctx, b.String(), args...)
	if err != nil {
		return fmt.Errorf("update shape: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.notify(ctx, canvasID)
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, canvasID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM shapes WHERE id=$1 AND canvas_id=$2`, id, canvasID)
	if err != nil {
		return fmt.Errorf("delete shape: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.notify(ctx, canvasID)
	return nil
}

func (s *PostgresStore) List(ctx context.Context, canvasID string) ([]shape.Shape, error) {
	query := `SELECT ` + shapeColumns + ` FROM shapes WHERE canvas_id=$1 ORDER BY z_index, created_at`
	rows, err := s.pool.Query(ctx, query, canvasID)
	if err != nil {
		return nil, fmt.Errorf("list shapes: %w", err)
	}
	defer rows.Close()

	var shapes []shape.Shape
	for rows.Next() {
		var sh shape.Shape
		var kind string
		err := rows.Scan(&sh.ID, &sh.CanvasID, &kind, &sh.X, &sh.Y, &sh.Width, &sh.Height, &sh.Radius, &sh.X2, &sh.Y2,
			&sh.Text, &sh.FontSize, &sh.Color, &sh.Rotation, &sh.Opacity, &sh.ZIndex, &sh.Visible, &sh.Locked,
			&sh.CreatedBy, &sh.CreatedAt, &sh.ModifiedBy, &sh.ModifiedAt)
		if err != nil {
			return nil, fmt.Errorf("scan shape: %w", err)
		}
		sh.Kind = shape.Kind(kind)
		shapes = append(shapes, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list shapes: %w", err)
	}
	return shapes, nil
}

// Subscribe holds a dedicated connection on LISTEN and re-reads the
// canvas on every notification. Reconnects use exponential backoff and
// always start with a fresh snapshot, so notifications missed while
// disconnected are absorbed by the first delivery.
func (s *PostgresStore) Subscribe(ctx context.Context, canvasID string, fn SnapshotFunc) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 0
		for {
			err := s.listenOnce(subCtx, canvasID, fn, bo.Reset)
			if subCtx.Err() != nil {
				return
			}
			log.Printf("store: canvas %s: listener lost: %v", canvasID, err)
			select {
			case <-time.After(bo.NextBackOff()):
			case <-subCtx.Done():
				return
			}
		}
	}()

	var once sync.Once
	stop := func() { once.Do(cancel) }
	return stop, nil
}

func (s *PostgresStore) listenOnce(ctx context.Context, canvasID string, fn SnapshotFunc, onReady func()) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	onReady()

	if err := s.deliver(ctx, canvasID, fn); err != nil {
		return err
	}
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		if n.Payload != canvasID {
			continue
		}
		if err := s.deliver(ctx, canvasID, fn); err != nil {
			return err
		}
	}
}

func (s *PostgresStore) deliver(ctx context.Context, canvasID string, fn SnapshotFunc) error {
	shapes, err := s.List(ctx, canvasID)
	if err != nil {
		return err
	}
	fn(shapes)
	return nil
}

func (s *PostgresStore) notify(ctx context.Context, canvasID string) {
	if _, err := s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, canvasID); err != nil {
		log.Printf("store: notify canvas %s: %v", canvasID, err)
	}
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func patchColumns(p shape.Patch) ([]string, []any) {
	var cols []string
	var args []any
	add := func(col string, v any) {
		cols = append(cols, col)
		args = append(args, v)
	}
	if p.X != nil {
		add("x", *p.X)
	}
	if p.Y != nil {
		add("y", *p.Y)
	}
	if p.Width != nil {
		add("width", *p.Width)
	}
	if p.Height != nil {
		add("height", *p.Height)
	}
	if p.Radius != nil {
		add("radius", *p.Radius)
	}
	if p.X2 != nil {
		add("x2", *p.X2)
	}
	if p.Y2 != nil {
		add("y2", *p.Y2)
	}
	if p.Text != nil {
		add("content", *p.Text)
	}
	if p.FontSize != nil {
		add("font_size", *p.FontSize)
	}
	if p.Color != nil {
		add("color", *p.Color)
	}
	if p.Rotation != nil {
		add("rotation", *p.Rotation)
	}
	if p.Opacity != nil {
		add("opacity", *p.Opacity)
	}
	if p.ZIndex != nil {
		add("z_index", *p.ZIndex)
	}
	if p.Visible != nil {
		add("visible", *p.Visible)
	}
	if p.Locked != nil {
		add("locked", *p.Locked)
	}
	return cols, args
}
