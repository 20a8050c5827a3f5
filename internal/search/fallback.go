package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Fallback implements Searcher using PostgreSQL full-text search when
// Meilisearch is down or not configured.
type Fallback struct {
	pool *pgxpool.Pool
}

// NewFallback creates a PostgreSQL FTS searcher.
func NewFallback(pool *pgxpool.Pool) *Fallback {
	return &Fallback{pool: pool}
}

// Healthy always returns true. If Postgres is down, the whole server is down.
func (f *Fallback) Healthy() bool {
	return true
}

// Search queries the shapes table using plainto_tsquery and ts_rank,
// with ts_headline for snippets.
func (f *Fallback) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	where := "s.fts @@ " + tsQuery
	if q.CanvasID != "" {
		where += fmt.Sprintf(" AND s.canvas_id = $%d", argN)
		args = append(args, q.CanvasID)
		argN++
	}
	if q.Kind != "" {
		where += fmt.Sprintf(" AND s.kind = $%d", argN)
		args = append(args, q.Kind)
		argN++
	}

	ctx := context.Background()

	var total int
	countSQL := "SELECT count(*) FROM shapes s WHERE " + where
	if err := f.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("fallback count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT s.id, s.canvas_id, s.kind,
			ts_headline('english', s.content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			s.color, s.created_by
		FROM shapes s
		WHERE %s
		ORDER BY ts_rank(s.fts, %s) DESC, s.created_at
		LIMIT %d OFFSET %d`,
		tsQuery, where, tsQuery, limit, offset)

	rows, err := f.pool.Query(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("fallback query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.CanvasID, &r.Kind, &r.Snippet, &r.Color, &r.CreatedBy); err != nil {
			return nil, 0, fmt.Errorf("fallback scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (f *Fallback) LoadAllRecords(ctx context.Context) ([]ShapeRecord, error) {
	rows, err := f.pool.Query(ctx, `
		SELECT id, canvas_id, kind, content, color, created_by
		FROM shapes
	`)
	if err != nil {
		return nil, fmt.Errorf("load shapes: %w", err)
	}
	defer rows.Close()

	records := make([]ShapeRecord, 0)
	for rows.Next() {
		var rec ShapeRecord
		if err := rows.Scan(&rec.ID, &rec.CanvasID, &rec.Kind, &rec.Text, &rec.Color, &rec.CreatedBy); err != nil {
			return nil, fmt.Errorf("scan shape record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shape records: %w", err)
	}

	return records, nil
}
