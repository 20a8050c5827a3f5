package shape

import (
	"testing"
	"time"
)

func pendingCircle() Shape {
	return Shape{
		Kind:      KindCircle,
		X:         100,
		Y:         200,
		Radius:    40,
		Color:     "#AABBCC",
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestMatches(t *testing.T) {
	base := pendingCircle()

	cases := []struct {
		name   string
		mutate func(*Shape)
		want   bool
	}{
		{name: "identical", mutate: func(s *Shape) {}, want: true},
		{name: "position inside tolerance", mutate: func(s *Shape) { s.X += 0.4; s.Y -= 0.5 }, want: true},
		{name: "position outside tolerance", mutate: func(s *Shape) { s.X += 0.6 }, want: false},
		{name: "color case differs", mutate: func(s *Shape) { s.Color = "#aabbcc" }, want: true},
		{name: "color differs", mutate: func(s *Shape) { s.Color = "#000000" }, want: false},
		{name: "kind differs", mutate: func(s *Shape) { s.Kind = KindRectangle; s.Width = 40 }, want: false},
		{name: "dimension inside tolerance", mutate: func(s *Shape) { s.Radius += 0.5 }, want: true},
		{name: "dimension outside tolerance", mutate: func(s *Shape) { s.Radius += 0.7 }, want: false},
		{name: "inside recency window", mutate: func(s *Shape) { s.CreatedAt = s.CreatedAt.Add(9 * time.Second) }, want: true},
		{name: "outside recency window", mutate: func(s *Shape) { s.CreatedAt = s.CreatedAt.Add(11 * time.Second) }, want: false},
		{name: "candidate older than pending", mutate: func(s *Shape) { s.CreatedAt = s.CreatedAt.Add(-11 * time.Second) }, want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			candidate := base
			candidate.ID = "shp_1"
			tc.mutate(&candidate)
			if got := Matches(base, candidate); got != tc.want {
				t.Fatalf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMatchesKindDimension(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		pending Shape
		drift   func(*Shape)
		want    bool
	}{
		{
			name:    "rectangle width",
			pending: Shape{Kind: KindRectangle, Width: 50, Height: 20, Color: "#fff", CreatedAt: at},
			drift:   func(s *Shape) { s.Width += 1 },
			want:    false,
		},
		{
			name:    "rectangle height ignored",
			pending: Shape{Kind: KindRectangle, Width: 50, Height: 20, Color: "#fff", CreatedAt: at},
			drift:   func(s *Shape) { s.Height += 30 },
			want:    true,
		},
		{
			name:    "line second endpoint",
			pending: Shape{Kind: KindLine, X2: 80, Y2: 10, Color: "#fff", CreatedAt: at},
			drift:   func(s *Shape) { s.X2 += 2 },
			want:    false,
		},
		{
			name:    "text font size",
			pending: Shape{Kind: KindText, Text: "hi", FontSize: 16, Color: "#fff", CreatedAt: at},
			drift:   func(s *Shape) { s.FontSize = 24 },
			want:    false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			candidate := tc.pending
			tc.drift(&candidate)
			if got := Matches(tc.pending, candidate); got != tc.want {
				t.Fatalf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFindMatchSkipsClaimed(t *testing.T) {
	pending := pendingCircle()
	first := pending
	first.ID = "shp_first"
	second := pending
	second.ID = "shp_second"
	candidates := []Shape{first, second}

	if i := FindMatch(pending, candidates, nil); i != 0 {
		t.Fatalf("FindMatch = %d, want 0", i)
	}
	if i := FindMatch(pending, candidates, map[string]bool{"shp_first": true}); i != 1 {
		t.Fatalf("FindMatch with claim = %d, want 1", i)
	}
	claimed := map[string]bool{"shp_first": true, "shp_second": true}
	if i := FindMatch(pending, candidates, claimed); i != -1 {
		t.Fatalf("FindMatch all claimed = %d, want -1", i)
	}
}

func TestFindMatchNoCandidates(t *testing.T) {
	if i := FindMatch(pendingCircle(), nil, nil); i != -1 {
		t.Fatalf("FindMatch(nil) = %d, want -1", i)
	}
}
