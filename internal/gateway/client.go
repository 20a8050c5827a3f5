package gateway

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/gorilla/websocket"

	"easel/internal/engine"
	"easel/internal/presence"
	"easel/internal/shape"
)

const sendBuffer = 256

// client ties one websocket connection to one engine. Frames flow out
// through a buffered channel; a slow consumer loses intermediate frames
// rather than stalling the engine, which is safe because every frame
// carries full state for its slice.
type client struct {
	conn *websocket.Conn
	eng  *engine.Engine
	send chan []byte
	done chan struct{}
}

func newClient(conn *websocket.Conn, eng *engine.Engine) *client {
	return &client{
		conn: conn,
		eng:  eng,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// serve pumps until the connection drops. It owns the read loop; the
// write and event pumps run on their own goroutines and stop when done
// closes. Hello is queued before the event pump exists, so it is
// always the first frame on the wire.
func (c *client) serve() {
	c.enqueue(helloFrame(c.eng))

	events := c.eng.Events().Subscribe()
	defer c.eng.Events().Unsubscribe(events)

	go c.writePump()
	go c.eventPump(events)

	c.enqueue(statusFrame(c.eng))
	c.enqueue(shapesFrame(c.eng))
	c.enqueue(selectionFrame(c.eng))
	c.enqueue(presenceFrame(c.eng))

	c.readLoop()
	close(c.done)
}

func (c *client) readLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("gateway: read: %v", err)
			}
			return
		}

		var op Op
		if err := json.Unmarshal(raw, &op); err != nil {
			c.enqueue(errorFrame("", fmt.Errorf("invalid op payload")))
			continue
		}
		if err := c.apply(op); err != nil {
			c.enqueue(errorFrame(op.Op, err))
		}
	}
}

func (c *client) writePump() {
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) eventPump(events chan string) {
	for {
		select {
		case topic, ok := <-events:
			if !ok {
				return
			}
			if f := frameForTopic(c.eng, topic); f != nil {
				c.enqueue(f)
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) enqueue(f frame) {
	payload, err := json.Marshal(f)
	if err != nil {
		log.Printf("gateway: marshal frame: %v", err)
		return
	}
	select {
	case c.send <- payload:
	default:
		log.Printf("gateway: send buffer full, dropping %v frame", f["event"])
	}
}

// apply dispatches one op to the engine. Mutations answer through the
// event topics, so the only direct replies are errors.
func (c *client) apply(op Op) error {
	switch op.Op {
	case "addShape":
		var patch shape.Patch
		if op.Patch != nil {
			patch = *op.Patch
		}
		_, err := c.eng.AddShape(shape.Kind(op.Kind), patch)
		return err
	case "updateShape":
		if op.Patch == nil {
			return fmt.Errorf("updateShape requires a patch")
		}
		trackUndo := true
		if op.TrackUndo != nil {
			trackUndo = *op.TrackUndo
		}
		return c.eng.UpdateShape(op.ID, *op.Patch, trackUndo)
	case "deleteShape":
		return c.eng.DeleteShape(op.ID)
	case "bringToFront":
		return c.eng.BringToFront(op.ID)
	case "sendToBack":
		return c.eng.SendToBack(op.ID)
	case "setZIndex":
		return c.eng.SetZIndex(op.ID, op.Z)
	case "batchSetZIndex":
		return c.eng.BatchSetZIndex(op.Assignments)
	case "setSelection":
		c.eng.SetSelection(op.IDs)
	case "toggleSelection":
		c.eng.ToggleSelection(op.ID)
	case "selectAll":
		c.eng.SelectAll()
	case "deselectAll":
		c.eng.DeselectAll()
	case "moveCursor":
		c.eng.MoveCursor(op.X, op.Y)
	case "setViewport":
		c.eng.SetViewport(engine.Viewport{X: op.X, Y: op.Y, Scale: op.Scale})
	case "copy":
		return c.eng.Copy()
	case "paste":
		_, err := c.eng.Paste()
		return err
	case "pasteOffset":
		_, err := c.eng.PasteOffset(op.DX, op.DY)
		return err
	case "duplicate":
		_, err := c.eng.Duplicate()
		return err
	case "undo":
		return c.eng.Undo()
	case "redo":
		return c.eng.Redo()
	case "beginDrag":
		action := presence.EditAction(op.Action)
		if action == "" {
			action = presence.EditMoving
		}
		return c.eng.BeginDrag(op.ID, action)
	case "dragTo":
		c.eng.DragTo(op.X, op.Y)
	case "resizeTo":
		c.eng.ResizeTo(op.W, op.H)
	case "endDrag":
		c.eng.EndDrag()
	case "cancelDrag":
		c.eng.CancelDrag()
	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}
	return nil
}
