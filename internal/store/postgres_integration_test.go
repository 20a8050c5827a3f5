package store

import (
	"context"
	"os"
	"testing"
	"time"

	"easel/internal/shape"
)

// These tests need a reachable Postgres with the migrations applied.
// They are skipped unless TEST_DATABASE_URL is set.

func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := Open(ctx, url)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := ApplyMigrations(ctx, pool, "../../db/migrations"); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	st := NewPostgresStore(pool)
	t.Cleanup(st.Close)
	return st
}

func TestPostgresStoreCRUD(t *testing.T) {
	testStoreCRUD(t, openTestPostgres(t))
}

func TestPostgresStoreSubscribeNotify(t *testing.T) {
	st := openTestPostgres(t)
	ctx := context.Background()
	ch := make(chan []shape.Shape, 16)

	stop, err := st.Subscribe(ctx, "cv_notify", func(s []shape.Shape) { ch <- s })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	awaitSnapshot(t, ch, func(s []shape.Shape) bool { return true })

	id, err := st.Create(ctx, newTestShape("cv_notify", 1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer func() { _ = st.Delete(ctx, "cv_notify", id) }()

	awaitSnapshot(t, ch, func(s []shape.Shape) bool {
		return shape.ByID(s, id) >= 0
	})

	if err := st.Update(ctx, "cv_notify", id, shape.MovePatch(500, 600), "u9", time.Now().UTC()); err != nil {
		t.Fatalf("update: %v", err)
	}
	awaitSnapshot(t, ch, func(s []shape.Shape) bool {
		i := shape.ByID(s, id)
		return i >= 0 && s[i].X == 500
	})
}
