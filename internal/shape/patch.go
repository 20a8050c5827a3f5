package shape

// Patch is a partial update. Nil fields are untouched. The distinction
// between "absent" and "zero" matters for optimistic updates, so every
// field is a pointer.
type Patch struct {
	X        *float64 `json:"x,omitempty"`
	Y        *float64 `json:"y,omitempty"`
	Width    *float64 `json:"width,omitempty"`
	Height   *float64 `json:"height,omitempty"`
	Radius   *float64 `json:"radius,omitempty"`
	X2       *float64 `json:"x2,omitempty"`
	Y2       *float64 `json:"y2,omitempty"`
	Text     *string  `json:"text,omitempty"`
	FontSize *float64 `json:"fontSize,omitempty"`
	Color    *string  `json:"color,omitempty"`
	Rotation *float64 `json:"rotation,omitempty"`
	Opacity  *float64 `json:"opacity,omitempty"`
	ZIndex   *int     `json:"zIndex,omitempty"`
	Visible  *bool    `json:"visible,omitempty"`
	Locked   *bool    `json:"locked,omitempty"`
}

// Apply writes the set fields of p onto s. Audit fields are the
// caller's job.
func (p Patch) Apply(s *Shape) {
	if p.X != nil {
		s.X = *p.X
	}
	if p.Y != nil {
		s.Y = *p.Y
	}
	if p.Width != nil {
		s.Width = *p.Width
	}
	if p.Height != nil {
		s.Height = *p.Height
	}
	if p.Radius != nil {
		s.Radius = *p.Radius
	}
	if p.X2 != nil {
		s.X2 = *p.X2
	}
	if p.Y2 != nil {
		s.Y2 = *p.Y2
	}
	if p.Text != nil {
		s.Text = *p.Text
	}
	if p.FontSize != nil {
		s.FontSize = *p.FontSize
	}
	if p.Color != nil {
		s.Color = *p.Color
	}
	if p.Rotation != nil {
		s.Rotation = *p.Rotation
	}
	if p.Opacity != nil {
		s.Opacity = *p.Opacity
	}
	if p.ZIndex != nil {
		s.ZIndex = *p.ZIndex
	}
	if p.Visible != nil {
		s.Visible = *p.Visible
	}
	if p.Locked != nil {
		s.Locked = *p.Locked
	}
}

// TouchesGeometry reports whether the patch changes position or size.
func (p Patch) TouchesGeometry() bool {
	return p.X != nil || p.Y != nil || p.Width != nil || p.Height != nil ||
		p.Radius != nil || p.X2 != nil || p.Y2 != nil || p.Rotation != nil
}

// TouchesColor reports whether the patch changes the fill color.
func (p Patch) TouchesColor() bool {
	return p.Color != nil
}

// HasZIndex reports whether the caller set an explicit z-index. An
// explicit z-index suppresses the implicit bring-to-front on geometry
// and color changes.
func (p Patch) HasZIndex() bool {
	return p.ZIndex != nil
}

// MoveOnly reports whether the patch changes nothing but position.
// Used to classify history entries.
func (p Patch) MoveOnly() bool {
	if p.X == nil && p.Y == nil && p.X2 == nil && p.Y2 == nil {
		return false
	}
	return p.Width == nil && p.Height == nil && p.Radius == nil &&
		p.Text == nil && p.FontSize == nil && p.Color == nil &&
		p.Rotation == nil && p.Opacity == nil && p.ZIndex == nil &&
		p.Visible == nil && p.Locked == nil
}

// LockOnly reports whether the patch touches nothing but the lock flag.
// Lock-only patches are the one edit allowed on a locked shape.
func (p Patch) LockOnly() bool {
	return p.Locked != nil &&
		p.X == nil && p.Y == nil && p.Width == nil && p.Height == nil &&
		p.Radius == nil && p.X2 == nil && p.Y2 == nil && p.Text == nil &&
		p.FontSize == nil && p.Color == nil && p.Rotation == nil &&
		p.Opacity == nil && p.ZIndex == nil && p.Visible == nil
}

// Empty reports whether no field is set.
func (p Patch) Empty() bool {
	return p.X == nil && p.Y == nil && p.Width == nil && p.Height == nil &&
		p.Radius == nil && p.X2 == nil && p.Y2 == nil && p.Text == nil &&
		p.FontSize == nil && p.Color == nil && p.Rotation == nil &&
		p.Opacity == nil && p.ZIndex == nil && p.Visible == nil && p.Locked == nil
}

// FromShape builds a patch carrying every mutable field of s. Replaying
// it through Apply reproduces s exactly (identity and audit aside).
func FromShape(s Shape) Patch {
	x, y, w, h := s.X, s.Y, s.Width, s.Height
	r, x2, y2 := s.Radius, s.X2, s.Y2
	text, fs, color := s.Text, s.FontSize, s.Color
	rot, op, z := s.Rotation, s.Opacity, s.ZIndex
	vis, locked := s.Visible, s.Locked
	return Patch{
		X: &x, Y: &y, Width: &w, Height: &h,
		Radius: &r, X2: &x2, Y2: &y2,
		Text: &text, FontSize: &fs, Color: &color,
		Rotation: &rot, Opacity: &op, ZIndex: &z,
		Visible: &vis, Locked: &locked,
	}
}

// Diff returns the patch that turns before into after. Identity and
// audit fields are not compared.
func Diff(before, after Shape) Patch {
	var p Patch
	if before.X != after.X {
		p.X = ptrFloat(after.X)
	}
	if before.Y != after.Y {
		p.Y = ptrFloat(after.Y)
	}
	if before.Width != after.Width {
		p.Width = ptrFloat(after.Width)
	}
	if before.Height != after.Height {
		p.Height = ptrFloat(after.Height)
	}
	if before.Radius != after.Radius {
		p.Radius = ptrFloat(after.Radius)
	}
	if before.X2 != after.X2 {
		p.X2 = ptrFloat(after.X2)
	}
	if before.Y2 != after.Y2 {
		p.Y2 = ptrFloat(after.Y2)
	}
	if before.Text != after.Text {
		text := after.Text
		p.Text = &text
	}
	if before.FontSize != after.FontSize {
		p.FontSize = ptrFloat(after.FontSize)
	}
	if before.Color != after.Color {
		color := after.Color
		p.Color = &color
	}
	if before.Rotation != after.Rotation {
		p.Rotation = ptrFloat(after.Rotation)
	}
	if before.Opacity != after.Opacity {
		p.Opacity = ptrFloat(after.Opacity)
	}
	if before.ZIndex != after.ZIndex {
		p.ZIndex = ptrInt(after.ZIndex)
	}
	if before.Visible != after.Visible {
		vis := after.Visible
		p.Visible = &vis
	}
	if before.Locked != after.Locked {
		locked := after.Locked
		p.Locked = &locked
	}
	return p
}

func ptrFloat(v float64) *float64 { return &v }
func ptrInt(v int) *int           { return &v }

// MovePatch is shorthand for a position-only patch.
func MovePatch(x, y float64) Patch {
	return Patch{X: ptrFloat(x), Y: ptrFloat(y)}
}

// ZIndexPatch is shorthand for a z-order-only patch.
func ZIndexPatch(z int) Patch {
	return Patch{ZIndex: ptrInt(z)}
}
