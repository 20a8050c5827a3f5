package search

import (
	"context"
	"log"
	"sync"
)

// Service is the facade that tries Meilisearch first and falls back to
// PG FTS. Both backends may be nil: a server running on the local bolt
// store has neither, and Search then returns empty responses.
type Service struct {
	meili    *Meili
	fallback *Fallback

	mu      sync.Mutex
	indexed map[string]map[string]struct{} // canvas id -> indexed shape ids
}

// NewService creates a search service.
func NewService(meili *Meili, fallback *Fallback) *Service {
	return &Service{
		meili:    meili,
		fallback: fallback,
		indexed:  make(map[string]map[string]struct{}),
	}
}

// Indexing reports whether canvas snapshots are worth forwarding here.
// Without Meilisearch there is nothing to keep in sync: the PG fallback
// reads the shapes table directly.
func (s *Service) Indexing() bool {
	return s.meili != nil
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}

	results, total, err := s.fallback.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// SyncCanvas reconciles the index with a full canvas snapshot
// (fire-and-forget to Meilisearch). Shapes missing from the snapshot
// are removed from the index.
func (s *Service) SyncCanvas(canvasID string, records []ShapeRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}

	next := make(map[string]struct{}, len(records))
	for _, rec := range records {
		next[rec.ID] = struct{}{}
	}

	s.mu.Lock()
	var gone []string
	for id := range s.indexed[canvasID] {
		if _, ok := next[id]; !ok {
			gone = append(gone, id)
		}
	}
	s.indexed[canvasID] = next
	s.mu.Unlock()

	go func() {
		if err := s.meili.IndexShapes(records); err != nil {
			log.Printf("search: index canvas %s: %v", canvasID, err)
		}
		for _, id := range gone {
			if err := s.meili.DeleteShape(id); err != nil {
				log.Printf("search: delete shape %s: %v", id, err)
			}
		}
	}()
}

// ReindexAllFromPG reindexes every shape from PostgreSQL into
// Meilisearch. Called at startup if both backends are configured.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.fallback == nil {
		return
	}

	records, err := s.fallback.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if len(records) == 0 {
		return
	}

	if err := s.meili.IndexShapes(records); err != nil {
		log.Printf("search: reindex shapes: %v", err)
		return
	}

	s.mu.Lock()
	for _, rec := range records {
		byCanvas := s.indexed[rec.CanvasID]
		if byCanvas == nil {
			byCanvas = make(map[string]struct{})
			s.indexed[rec.CanvasID] = byCanvas
		}
		byCanvas[rec.ID] = struct{}{}
	}
	s.mu.Unlock()
	log.Printf("search: reindexed %d shapes", len(records))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
