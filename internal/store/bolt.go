package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"easel/internal/shape"
	"easel/internal/util"
)

// BoltStore is the durable store for single-node deployments: one
// bbolt file, one bucket per canvas, shapes as JSON values. Snapshot
// fan-out is in-process, which is exactly the scope a local file store
// can serve anyway.
type BoltStore struct {
	db   *bbolt.DB
	subs *fanout
}

func OpenBolt(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	return &BoltStore{db: db, subs: newFanout()}, nil
}

func (b *BoltStore) Create(ctx context.Context, s shape.Shape) (string, error) {
	id := util.NewID("shp")
	s.ID = id
	var snap []shape.Shape
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(s.CanvasID))
		if err != nil {
			return err
		}
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(id), data); err != nil {
			return err
		}
		snap, err = readBucket(bucket)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert shape: %w", err)
	}
	b.subs.publish(s.CanvasID, snap)
	return id, nil
}

func (b *BoltStore) Update(ctx context.Context, canvasID, id string, p shape.Patch, by string, at time.Time) error {
	var snap []shape.Shape
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(canvasID))
		if bucket == nil {
			return ErrNotFound
		}
		data := bucket.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var s shape.Shape
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		p.Apply(&s)
		s.ModifiedBy = by
		s.ModifiedAt = at
		out, err := json.Marshal(s)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(id), out); err != nil {
			return err
		}
		snap, err = readBucket(bucket)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update shape: %w", err)
	}
	b.subs.publish(canvasID, snap)
	return nil
}

func (b *BoltStore) Delete(ctx context.Context, canvasID, id string) error {
	var snap []shape.Shape
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(canvasID))
		if bucket == nil {
			return ErrNotFound
		}
		if bucket.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		if err := bucket.Delete([]byte(id)); err != nil {
			return err
		}
		var err error
		snap, err = readBucket(bucket)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete shape: %w", err)
	}
	b.subs.publish(canvasID, snap)
	return nil
}

func (b *BoltStore) List(ctx context.Context, canvasID string) ([]shape.Shape, error) {
	var snap []shape.Shape
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(canvasID))
		if bucket == nil {
			return nil
		}
		var err error
		snap, err = readBucket(bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list shapes: %w", err)
	}
	return snap, nil
}

func (b *BoltStore) Subscribe(ctx context.Context, canvasID string, fn SnapshotFunc) (func(), error) {
	initial, err := b.List(ctx, canvasID)
	if err != nil {
		return nil, err
	}
	return b.subs.subscribe(ctx, canvasID, fn, initial), nil
}

func (b *BoltStore) Close() {
	_ = b.db.Close()
}

func readBucket(bucket *bbolt.Bucket) ([]shape.Shape, error) {
	var shapes []shape.Shape
	err := bucket.ForEach(func(_, v []byte) error {
		var s shape.Shape
		if err := json.Unmarshal(v, &s); err != nil {
			return err
		}
		shapes = append(shapes, s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	shape.SortForRender(shapes)
	return shapes, nil
}
