package search

import "easel/internal/shape"

// Result is a single search hit returned to the caller.
type Result struct {
	ID        string `json:"id"`
	CanvasID  string `json:"canvasId"`
	Kind      string `json:"kind"`
	Snippet   string `json:"snippet"`
	Color     string `json:"color"`
	CreatedBy string `json:"createdBy"`
}

// Query describes a search request. CanvasID narrows the search to one
// canvas; empty searches everything the caller can see.
type Query struct {
	Text     string
	CanvasID string
	Kind     string // empty = all kinds
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a text search over indexed shapes.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// ShapeRecord is the data we index for a shape. Only text shapes carry
// content, but any shape is worth finding by color or creator.
type ShapeRecord struct {
	ID        string `json:"id"`
	CanvasID  string `json:"canvasId"`
	Kind      string `json:"kind"`
	Text      string `json:"text"`
	Color     string `json:"color"`
	CreatedBy string `json:"createdBy"`
}

// RecordOf builds the index record for a shape.
func RecordOf(sh shape.Shape) ShapeRecord {
	return ShapeRecord{
		ID:        sh.ID,
		CanvasID:  sh.CanvasID,
		Kind:      string(sh.Kind),
		Text:      sh.Text,
		Color:     sh.Color,
		CreatedBy: sh.CreatedBy,
	}
}

// RecordsOf converts a canvas snapshot into index records.
func RecordsOf(shapes []shape.Shape) []ShapeRecord {
	records := make([]ShapeRecord, 0, len(shapes))
	for _, sh := range shapes {
		records = append(records, RecordOf(sh))
	}
	return records
}
