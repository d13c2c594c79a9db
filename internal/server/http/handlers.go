package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"relay/internal/logging"
	"relay/internal/server/app"
	"relay/internal/server/ports"
)

// APIHandler exposes the relay operations over HTTP. Beyond request
// decoding and status mapping it holds no logic; everything lives in the
// coordinator.
type APIHandler struct {
	coordinator *app.Coordinator
	production  bool
	logger      logging.Logger
}

// NewAPIHandler creates the handler set. In production mode internal error
// detail is omitted from responses.
func NewAPIHandler(coordinator *app.Coordinator, production bool) *APIHandler {
	return &APIHandler{
		coordinator: coordinator,
		production:  production,
		logger:      logging.NewComponentLogger("APIHandler"),
	}
}

// respondError maps domain errors onto HTTP statuses. Once response bytes
// are in flight the connection is aborted instead, because headers cannot
// be unsent.
func (h *APIHandler) respondError(c *gin.Context, err error) {
	if c.Writer.Written() {
		h.logger.Error("Stream failed after flush on %s: %v", c.Request.URL.Path, err)
		panic(http.ErrAbortHandler)
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, app.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, app.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, app.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, app.ErrGone):
		status = http.StatusGone
	case errors.Is(err, app.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, app.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, app.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}

	message := err.Error()
	if h.production && status >= 500 {
		h.logger.Error("Internal error on %s: %v", c.Request.URL.Path, err)
		message = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}

type createTaskRequest struct {
	TaskID   string          `json:"taskId"`
	TaskSpec json.RawMessage `json:"taskSpec"`
}

// HandleCreateTask implements POST /api/tasks.
func (h *APIHandler) HandleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, app.ValidationError("invalid request body"))
		return
	}

	task, err := h.coordinator.CreateTask(c.Request.Context(), req.TaskID, req.TaskSpec)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// HandlePullTasks implements GET /api/tasks/pull.
func (h *APIHandler) HandlePullTasks(c *gin.Context) {
	pluginID := c.Query("pluginId")
	limit := parseIntParam(c.Query("limit"), 1)

	batch, err := h.coordinator.PullTasks(c.Request.Context(), pluginID, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

// HandleGetTask implements GET /api/tasks/:id.
func (h *APIHandler) HandleGetTask(c *gin.Context) {
	task, err := h.coordinator.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

type submitResultRequest struct {
	TaskID     string           `json:"taskId"`
	ExportSpec json.RawMessage  `json:"exportSpec"`
	Logs       []ports.LogEntry `json:"logs"`
}

// HandleSubmitResult implements POST /api/tasks/:id/result and
// POST /api/results (the body then carries the task id).
func (h *APIHandler) HandleSubmitResult(c *gin.Context) {
	var req submitResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, app.ValidationError("invalid request body"))
		return
	}

	taskID := c.Param("id")
	if taskID == "" {
		taskID = req.TaskID
	}
	if taskID == "" {
		h.respondError(c, app.ValidationError("taskId is required"))
		return
	}

	task, err := h.coordinator.SubmitResult(c.Request.Context(), taskID, req.ExportSpec, req.Logs)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

type appendLogRequest struct {
	Message string          `json:"message"`
	Preview json.RawMessage `json:"preview"`
}

// HandleAppendLog implements POST /api/tasks/:id/log.
func (h *APIHandler) HandleAppendLog(c *gin.Context) {
	var req appendLogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, app.ValidationError("invalid request body"))
		return
	}

	task, err := h.coordinator.AppendTaskLog(c.Request.Context(), c.Param("id"), req.Message, req.Preview)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"taskId": task.ID, "logCount": len(task.Logs)})
}

// HandleFetchArtifact implements GET /api/tasks/:id/artifact.
func (h *APIHandler) HandleFetchArtifact(c *gin.Context) {
	h.streamArtifact(c, c.Param("id"), "")
}

// streamArtifact sends the raw artifact blob. A blob disappearing mid-read
// (a legitimate race with the retention sweep) aborts the connection once
// bytes are in flight.
func (h *APIHandler) streamArtifact(c *gin.Context, taskID, downloadName string) {
	task, err := h.coordinator.GetTask(c.Request.Context(), taskID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if task.Artifact == nil {
		h.respondError(c, app.NotFoundError(fmt.Sprintf("artifact for task %s", taskID)))
		return
	}

	blob, size, err := h.coordinator.Store().Blobs().Open(taskID)
	if err != nil {
		h.respondError(c, app.NotFoundError(fmt.Sprintf("artifact for task %s", taskID)))
		return
	}
	defer blob.Close()

	c.Header("Content-Type", "application/json")
	c.Header("Content-Length", fmt.Sprintf("%d", size))
	if downloadName != "" {
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", downloadName))
	}
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, blob); err != nil {
		h.respondError(c, err)
	}
}

// HandlePackage implements GET /api/tasks/:id/package.zip.
func (h *APIHandler) HandlePackage(c *gin.Context) {
	taskID := c.Param("id")

	// Resolve before writing headers so not-found still maps cleanly.
	task, err := h.coordinator.GetTask(c.Request.Context(), taskID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if task.Artifact == nil {
		h.respondError(c, app.NotFoundError(fmt.Sprintf("artifact for task %s", taskID)))
		return
	}

	// The blob can still vanish between the check above and the package
	// write, so the zip headers wait for the first archive byte.
	deferred := &headerDeferredWriter{c: c, disposition: fmt.Sprintf("attachment; filename=%q", taskID+".zip")}
	if err := h.coordinator.Packager().WritePackage(c.Request.Context(), deferred, taskID); err != nil {
		h.respondError(c, err)
	}
}

type bulkPackageRequest struct {
	IDs []string `json:"ids"`
}

// HandleBulkPackage implements POST /api/artifacts/bulk.zip. Validation and
// the size cap are enforced before the first response byte.
func (h *APIHandler) HandleBulkPackage(c *gin.Context) {
	var req bulkPackageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, app.ValidationError("invalid request body"))
		return
	}

	// Plan first: every rejection must surface as JSON, not a broken zip.
	deferred := &headerDeferredWriter{c: c, disposition: `attachment; filename="artifacts.zip"`}
	if err := h.coordinator.Packager().WriteBulk(c.Request.Context(), deferred, req.IDs); err != nil {
		h.respondError(c, err)
		return
	}
}

// headerDeferredWriter sets the archive headers on first write so that
// pre-write failures can still produce a structured error response.
type headerDeferredWriter struct {
	c           *gin.Context
	disposition string
	started     bool
}

func (w *headerDeferredWriter) Write(p []byte) (int, error) {
	if !w.started {
		w.started = true
		w.c.Header("Content-Type", "application/zip")
		w.c.Header("Content-Disposition", w.disposition)
		w.c.Status(http.StatusOK)
	}
	return w.c.Writer.Write(p)
}

// HandleListArtifacts implements GET /api/artifacts.
func (h *APIHandler) HandleListArtifacts(c *gin.Context) {
	list, err := h.coordinator.ListArtifacts(
		c.Request.Context(),
		parseIntParam(c.Query("offset"), 0),
		parseIntParam(c.Query("limit"), 50),
		normalizeOrder(c.Query("order")),
	)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

type createShareRequest struct {
	Type   string `json:"type"`
	TTLMin int    `json:"ttlMin"`
}

// HandleCreateShare implements POST /api/tasks/:id/share.
func (h *APIHandler) HandleCreateShare(c *gin.Context) {
	var req createShareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, app.ValidationError("invalid request body"))
		return
	}

	link, err := h.coordinator.Shares().CreateLink(c.Request.Context(), c.Param("id"), ports.ShareKind(req.Type), req.TTLMin)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, link)
}

// HandleResolveShare implements GET /api/shared/:token. The token resolves
// to the artifact representation it was minted for.
func (h *APIHandler) HandleResolveShare(c *gin.Context) {
	token, err := h.coordinator.Shares().Resolve(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	switch token.Kind {
	case ports.ShareKindZip:
		deferred := &headerDeferredWriter{c: c, disposition: fmt.Sprintf("attachment; filename=%q", token.TaskID+".zip")}
		if err := h.coordinator.Packager().WritePackage(c.Request.Context(), deferred, token.TaskID); err != nil {
			h.respondError(c, err)
		}
	default:
		h.streamArtifact(c, token.TaskID, token.TaskID+".json")
	}
}

type compareRequest struct {
	LeftID  string `json:"leftId"`
	RightID string `json:"rightId"`
	Mode    string `json:"mode"`
}

// HandleCompare implements POST /api/artifacts/compare. Mode "full"
// includes unchanged entries in the output.
func (h *APIHandler) HandleCompare(c *gin.Context) {
	var req compareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, app.ValidationError("invalid request body"))
		return
	}
	if req.LeftID == "" || req.RightID == "" {
		h.respondError(c, app.ValidationError("leftId and rightId are required"))
		return
	}

	result, err := h.coordinator.CompareArtifacts(c.Request.Context(), req.LeftID, req.RightID, req.Mode == "full")
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleHealth implements GET /api/health.
func (h *APIHandler) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
		"tasks":  h.coordinator.Store().Len(),
	})
}
