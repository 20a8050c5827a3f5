package shape

import "time"

type Kind string

const (
	KindRectangle Kind = "rectangle"
	KindCircle    Kind = "circle"
	KindTriangle  Kind = "triangle"
	KindLine      Kind = "line"
	KindText      Kind = "text"
)

func ValidKind(k Kind) bool {
	switch k {
	case KindRectangle, KindCircle, KindTriangle, KindLine, KindText:
		return true
	}
	return false
}

const (
	DefaultColor    = "#4f46e5"
	DefaultFontSize = 16.0
	DefaultOpacity  = 1.0
)

// Shape is one canvas element. Geometry fields are kind-specific:
// rectangles and triangles use Width/Height, circles use Radius, lines
// use X2/Y2 as the second endpoint, text uses Text/FontSize. X/Y is the
// top-left corner for boxed kinds, the center for circles and the first
// endpoint for lines.
type Shape struct {
	ID       string  `json:"id"`
	CanvasID string  `json:"canvasId"`
	Kind     Kind    `json:"kind"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width,omitempty"`
	Height   float64 `json:"height,omitempty"`
	Radius   float64 `json:"radius,omitempty"`
	X2       float64 `json:"x2,omitempty"`
	Y2       float64 `json:"y2,omitempty"`
	Text     string  `json:"text,omitempty"`
	FontSize float64 `json:"fontSize,omitempty"`
	Color    string  `json:"color"`
	Rotation float64 `json:"rotation,omitempty"`
	Opacity  float64 `json:"opacity"`
	ZIndex   int     `json:"zIndex"`
	Visible  bool    `json:"visible"`
	Locked   bool    `json:"locked,omitempty"`

	CreatedBy  string    `json:"createdBy"`
	CreatedAt  time.Time `json:"createdAt"`
	ModifiedBy string    `json:"modifiedBy,omitempty"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// New returns a shape of the given kind at (x, y) with stock geometry.
// The caller fills in identity, audit and z-order fields.
func New(kind Kind, x, y float64) Shape {
	s := Shape{
		Kind:    kind,
		X:       x,
		Y:       y,
		Color:   DefaultColor,
		Opacity: DefaultOpacity,
		Visible: true,
	}
	switch kind {
	case KindRectangle:
		s.Width, s.Height = 120, 80
	case KindCircle:
		s.Radius = 50
	case KindTriangle:
		s.Width, s.Height = 100, 90
	case KindLine:
		s.X2, s.Y2 = x+120, y
	case KindText:
		s.Text = "Text"
		s.FontSize = DefaultFontSize
	}
	return s
}

// Dimension returns the kind-specific size used for structural matching.
func (s Shape) Dimension() float64 {
	switch s.Kind {
	case KindCircle:
		return s.Radius
	case KindLine:
		return s.X2
	case KindText:
		return s.FontSize
	default:
		return s.Width
	}
}

// Resize sets the kind-specific size from a bounding width and height.
// Circles take the smaller extent as diameter; lines move their second
// endpoint; text scales its font by the height.
func Resize(s *Shape, w, h float64) {
	switch s.Kind {
	case KindCircle:
		d := w
		if h < d {
			d = h
		}
		s.Radius = d / 2
	case KindLine:
		s.X2 = s.X + w
		s.Y2 = s.Y + h
	case KindText:
		if h > 0 {
			s.FontSize = h
		}
	default:
		s.Width, s.Height = w, h
	}
}

// Translate moves the shape by (dx, dy). Lines carry both endpoints.
func (s *Shape) Translate(dx, dy float64) {
	s.X += dx
	s.Y += dy
	if s.Kind == KindLine {
		s.X2 += dx
		s.Y2 += dy
	}
}

// Bounds returns the axis-aligned bounding box as (minX, minY, maxX, maxY).
func (s Shape) Bounds() (float64, float64, float64, float64) {
	switch s.Kind {
	case KindCircle:
		return s.X - s.Radius, s.Y - s.Radius, s.X + s.Radius, s.Y + s.Radius
	case KindLine:
		minX, maxX := s.X, s.X2
		if minX > maxX {
			minX, maxX = maxX, minX
		}
		minY, maxY := s.Y, s.Y2
		if minY > maxY {
			minY, maxY = maxY, minY
		}
		return minX, minY, maxX, maxY
	default:
		return s.X, s.Y, s.X + s.Width, s.Y + s.Height
	}
}

// BoundsOf returns the bounding box covering every shape in the set,
// or false when the set is empty. The top-left corner is the reference
// point for clipboard placement.
func BoundsOf(shapes []Shape) (minX, minY, maxX, maxY float64, ok bool) {
	for i, s := range shapes {
		x0, y0, x1, y1 := s.Bounds()
		if i == 0 {
			minX, minY, maxX, maxY = x0, y0, x1, y1
			continue
		}
		if x0 < minX {
			minX = x0
		}
		if y0 < minY {
			minY = y0
		}
		if x1 > maxX {
			maxX = x1
		}
		if y1 > maxY {
			maxY = y1
		}
	}
	return minX, minY, maxX, maxY, len(shapes) > 0
}

// CloneAll copies a scene slice. Shape has no reference fields, so
// element assignment is a deep copy.
func CloneAll(shapes []Shape) []Shape {
	out := make([]Shape, len(shapes))
	copy(out, shapes)
	return out
}

// ByID returns the index of id in shapes, or -1.
func ByID(shapes []Shape, id string) int {
	for i := range shapes {
		if shapes[i].ID == id {
			return i
		}
	}
	return -1
}
