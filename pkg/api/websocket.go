// pkg/api/websocket.go
package api

import (
	"encoding/json"
	"time"

	"github.com/ociproxy/imgfetch/pkg/models"
	"github.com/ociproxy/imgfetch/pkg/progressbus"
	"github.com/ociproxy/imgfetch/pkg/utils"

	"github.com/gofiber/contrib/websocket"
)

// StreamHandler serves the duplex event channel (§6): one topic per task
// under /ws/downloads/:id, plus a global firehose at /ws/downloads.
type StreamHandler struct {
	bus *progressbus.Bus
	log *utils.Logger
}

func NewStreamHandler(bus *progressbus.Bus, log *utils.Logger) *StreamHandler {
	return &StreamHandler{bus: bus, log: log}
}

const writeTimeout = 10 * time.Second

// Task streams events scoped to a single task's ID.
func (h *StreamHandler) Task(c *websocket.Conn) {
	taskID := c.Params("id")
	events, cancel := h.bus.Subscribe(taskID)
	defer cancel()
	h.pump(c, events)
}

// Global streams every task's events.
func (h *StreamHandler) Global(c *websocket.Conn) {
	events, cancel := h.bus.SubscribeGlobal()
	defer cancel()
	h.pump(c, events)
}

// pump writes envelopes to the socket until the channel closes or the
// client disconnects. Reads are drained in a side goroutine so the client
// can send pings without blocking the write loop; this is a server-push
// channel, not a request/response protocol, so inbound frames are
// otherwise ignored.
func (h *StreamHandler) pump(c *websocket.Conn, events <-chan models.Envelope) {
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case env, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				h.log.WithFunc().WithError(err).Warn("failed to marshal envelope")
				continue
			}
			c.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
