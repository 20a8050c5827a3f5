package presence

import "time"

// User identifies a connected participant. Identity issuance is
// upstream; the engine takes whatever the transport hands it.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	ColorName   string `json:"colorName,omitempty"`
	ColorHex    string `json:"colorHex"`
}

// EditAction is what the lock holder is doing to the shape.
type EditAction string

const (
	EditMoving     EditAction = "moving"
	EditResizing   EditAction = "resizing"
	EditRecoloring EditAction = "recoloring"
	EditTyping     EditAction = "editing"
)

// Cursor is one user's pointer position.
type Cursor struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	ColorName   string    `json:"colorName,omitempty"`
	ColorHex    string    `json:"colorHex"`
	LastUpdate  time.Time `json:"lastUpdate"`
}

// Selection mirrors one user's selected shape ids so other clients can
// badge them.
type Selection struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Color       string    `json:"color"`
	ShapeIDs    []string  `json:"shapeIds"`
	LastUpdate  time.Time `json:"lastUpdate"`
}

// ActiveEdit is the advisory edit-intent lock for a shape. It does not
// enforce exclusion: two users can hold one simultaneously and the
// last write observed wins. Consumers use it to show "someone is
// editing" and to know when that shape's transform channel is worth
// following.
type ActiveEdit struct {
	UserID      string     `json:"userId"`
	Email       string     `json:"email,omitempty"`
	DisplayName string     `json:"displayName"`
	Action      EditAction `json:"action"`
	Color       string     `json:"color"`
	StartedAt   time.Time  `json:"startedAt"`
}

// Transform is the in-progress geometry of a gesture, streamed ahead
// of the durable commit. Optional fields are only set when the gesture
// changes them; consumers overlay the set fields onto their durable
// copy of the shape.
type Transform struct {
	UserID     string    `json:"userId"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	Width      *float64  `json:"width,omitempty"`
	Height     *float64  `json:"height,omitempty"`
	Radius     *float64  `json:"radius,omitempty"`
	ZIndex     *int      `json:"zIndex,omitempty"`
	SecondaryX *float64  `json:"secondaryX,omitempty"`
	SecondaryY *float64  `json:"secondaryY,omitempty"`
	LastUpdate time.Time `json:"lastUpdate"`
}
