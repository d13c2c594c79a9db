package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"relay/internal/logging"
	"relay/internal/server/app"
)

// SSEConfig tunes the watch stream.
type SSEConfig struct {
	Heartbeat         time.Duration
	InactivityTimeout time.Duration
}

// SSEHandler serves GET /api/tasks/:id/watch as a Server-Sent Events
// stream of status, log, result and preview events.
type SSEHandler struct {
	coordinator *app.Coordinator
	cfg         SSEConfig
	logger      logging.Logger
}

// NewSSEHandler creates the watch handler.
func NewSSEHandler(coordinator *app.Coordinator, cfg SSEConfig) *SSEHandler {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 10 * time.Minute
	}
	return &SSEHandler{
		coordinator: coordinator,
		cfg:         cfg,
		logger:      logging.NewComponentLogger("SSEHandler"),
	}
}

// HandleWatch streams a task's events until the client disconnects, the
// inactivity deadline passes, or the hub closes the watcher after a
// terminal event.
func (h *SSEHandler) HandleWatch(c *gin.Context) {
	taskID := c.Param("id")

	watcher, err := h.coordinator.Watch(c.Request.Context(), taskID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	defer h.coordinator.Hub().Unregister(watcher)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // Disable nginx buffering

	h.logger.Info("Watch stream opened for task %s", taskID)

	heartbeat := time.NewTicker(h.cfg.Heartbeat)
	defer heartbeat.Stop()

	// Any successful write counts as activity and pushes the deadline out.
	inactivity := time.NewTimer(h.cfg.InactivityTimeout)
	defer inactivity.Stop()
	resetInactivity := func() {
		if !inactivity.Stop() {
			select {
			case <-inactivity.C:
			default:
			}
		}
		inactivity.Reset(h.cfg.InactivityTimeout)
	}

	for {
		select {
		case event := <-watcher.Events():
			data, err := json.Marshal(event.Data)
			if err != nil {
				h.logger.Error("Failed to serialize %s event for task %s: %v", event.Type, taskID, err)
				continue
			}
			if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
				h.logger.Info("Watch stream write failed for task %s: %v", taskID, err)
				return
			}
			flusher.Flush()
			resetInactivity()

		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Writer, ": keepalive\n\n"); err != nil {
				h.logger.Info("Watch heartbeat failed for task %s: %v", taskID, err)
				return
			}
			flusher.Flush()
			resetInactivity()

		case <-inactivity.C:
			h.logger.Info("Watch stream idle timeout for task %s", taskID)
			return

		case <-watcher.Done():
			h.logger.Info("Watch stream closed for task %s", taskID)
			return

		case <-c.Request.Context().Done():
			h.logger.Info("Watch client disconnected from task %s", taskID)
			return
		}
	}
}
