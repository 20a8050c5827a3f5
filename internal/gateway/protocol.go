package gateway

import (
	"easel/internal/engine"
	"easel/internal/shape"
)

// Op is one command sent by a client over its canvas websocket. Op
// names mirror the engine methods; only the fields the named op reads
// need to be set.
type Op struct {
	Op          string         `json:"op"`
	ID          string         `json:"id,omitempty"`
	IDs         []string       `json:"ids,omitempty"`
	Kind        string         `json:"kind,omitempty"`
	Patch       *shape.Patch   `json:"patch,omitempty"`
	Z           int            `json:"z,omitempty"`
	Assignments map[string]int `json:"assignments,omitempty"`
	X           float64        `json:"x,omitempty"`
	Y           float64        `json:"y,omitempty"`
	W           float64        `json:"w,omitempty"`
	H           float64        `json:"h,omitempty"`
	DX          float64        `json:"dx,omitempty"`
	DY          float64        `json:"dy,omitempty"`
	Scale       float64        `json:"scale,omitempty"`
	Action      string         `json:"action,omitempty"`
	TrackUndo   *bool          `json:"trackUndo,omitempty"`
}

// Frames are server-to-client messages. Every frame carries an "event"
// discriminator plus the freshest copy of the state slice that event
// names; clients replace, never merge.
type frame map[string]any

func helloFrame(e *engine.Engine) frame {
	return frame{
		"event":    "hello",
		"canvasId": e.CanvasID(),
		"user":     e.User(),
	}
}

func shapesFrame(e *engine.Engine) frame {
	shapes := e.EffectiveShapes()
	if shapes == nil {
		shapes = []shape.Shape{}
	}
	return frame{
		"event":   "shapes",
		"shapes":  shapes,
		"canUndo": e.CanUndo(),
		"canRedo": e.CanRedo(),
	}
}

func selectionFrame(e *engine.Engine) frame {
	return frame{
		"event":     "selection",
		"selection": e.Selection(),
	}
}

func presenceFrame(e *engine.Engine) frame {
	return frame{
		"event":      "presence",
		"cursors":    e.RemoteCursors(),
		"selections": e.RemoteSelections(),
		"edits":      e.RemoteEdits(),
	}
}

func noticeFrame(e *engine.Engine) frame {
	return frame{
		"event":   "notice",
		"notices": e.Notices(),
	}
}

func statusFrame(e *engine.Engine) frame {
	return frame{
		"event":  "status",
		"status": e.Status(),
	}
}

func errorFrame(op string, err error) frame {
	return frame{
		"event": "error",
		"op":    op,
		"error": err.Error(),
	}
}

func frameForTopic(e *engine.Engine, topic string) frame {
	switch topic {
	case engine.TopicShapes:
		return shapesFrame(e)
	case engine.TopicSelection:
		return selectionFrame(e)
	case engine.TopicPresence:
		return presenceFrame(e)
	case engine.TopicNotice:
		return noticeFrame(e)
	case engine.TopicStatus:
		return statusFrame(e)
	}
	return nil
}
