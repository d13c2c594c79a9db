package http

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"relay/internal/server/app"
	"relay/internal/server/ports"
	"relay/internal/storage"
)

func newTestRouter(t *testing.T) (*gin.Engine, *app.Coordinator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	taskLog, err := storage.OpenTaskLog(filepath.Join(dir, "tasks.log"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { taskLog.Close() })

	blobs, err := storage.NewBlobStore(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)
	shareStore, err := storage.OpenShareStore(filepath.Join(dir, "shares.json"))
	require.NoError(t, err)

	store := app.NewTaskStore(taskLog, blobs, nil)
	hub := app.NewBroadcastHub(32, 20*time.Millisecond, nil)
	webhooks := app.NewWebhookDispatcher(app.WebhookDispatcherConfig{}, nil)
	sweeper := app.NewSweeper(store, shareStore, hub, app.SweeperConfig{}, nil)
	packager := app.NewPackager(store, app.PackagerConfig{BulkMaxIDs: 5}, nil)
	shares := app.NewShareService(shareStore, store, "http://relay.local", time.Hour, nil)
	coordinator := app.NewCoordinator(store, hub, webhooks, sweeper, packager, shares, 0, "http://relay.local", nil)

	router := NewRouter(coordinator, RouterConfig{
		Environment:  "development",
		MaxBodyBytes: 1 << 20,
		SSE: SSEConfig{
			Heartbeat:         time.Second,
			InactivityTimeout: 10 * time.Second,
		},
	})
	return router, coordinator
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateTaskEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/tasks", gin.H{
		"taskId":   "task-1",
		"taskSpec": gin.H{"kind": "render"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var task ports.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	require.Equal(t, "task-1", task.ID)
	require.Equal(t, ports.TaskStatusPending, task.Status)
}

func TestCreateTaskValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/tasks", gin.H{"taskId": "task-1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader("not json"))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTaskConflictOnDifferentSpec(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/tasks", gin.H{"taskId": "task-1", "taskSpec": gin.H{"v": 1}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/tasks", gin.H{"taskId": "task-1", "taskSpec": gin.H{"v": 2}})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetTaskNotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/tasks/task-missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/tasks", gin.H{"taskId": "task-1", "taskSpec": gin.H{"kind": "render"}})
	require.Equal(t, http.StatusOK, rec.Code)

	// Worker pulls the task.
	rec = doJSON(t, router, http.MethodGet, "/api/tasks/pull?pluginId=plugin-a&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var batch app.PullBatch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))
	require.Equal(t, 1, batch.Pulled)
	require.Equal(t, "task-1", batch.TaskID)

	// Worker reports a log line.
	rec = doJSON(t, router, http.MethodPost, "/api/tasks/task-1/log", gin.H{"message": "rendering"})
	require.Equal(t, http.StatusOK, rec.Code)

	// Worker submits the result.
	rec = doJSON(t, router, http.MethodPost, "/api/tasks/task-1/result", gin.H{"exportSpec": gin.H{"deck": "final"}})
	require.Equal(t, http.StatusOK, rec.Code)
	var task ports.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	require.Equal(t, ports.TaskStatusDone, task.Status)
	require.NotNil(t, task.Artifact)

	// Artifact is fetchable.
	rec = doJSON(t, router, http.MethodGet, "/api/tasks/task-1/artifact", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.JSONEq(t, `{"deck":"final"}`, rec.Body.String())

	// Re-submitting is a conflict.
	rec = doJSON(t, router, http.MethodPost, "/api/tasks/task-1/result", gin.H{"exportSpec": gin.H{"deck": "other"}})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitResultByBodyTaskID(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/tasks", gin.H{"taskId": "task-1", "taskSpec": gin.H{"kind": "render"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/results", gin.H{"taskId": "task-1", "exportSpec": gin.H{"ok": true}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/results", gin.H{"exportSpec": gin.H{"ok": true}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPullRequiresPluginID(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/tasks/pull", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPackageEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/api/tasks", gin.H{"taskId": "task-1", "taskSpec": gin.H{"kind": "render"}})
	doJSON(t, router, http.MethodPost, "/api/tasks/task-1/result", gin.H{"exportSpec": gin.H{"ok": true}})

	rec := doJSON(t, router, http.MethodGet, "/api/tasks/task-1/package.zip", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/zip", rec.Header().Get("Content-Type"))

	reader, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	names := make([]string, 0, len(reader.File))
	for _, file := range reader.File {
		names = append(names, file.Name)
	}
	require.Contains(t, names, "artifact.json")
	require.Contains(t, names, "logs.txt")
	require.Contains(t, names, "task.json")

	// No artifact yet: a JSON 404, never a broken zip.
	doJSON(t, router, http.MethodPost, "/api/tasks", gin.H{"taskId": "task-2", "taskSpec": gin.H{"kind": "render"}})
	rec = doJSON(t, router, http.MethodGet, "/api/tasks/task-2/package.zip", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}

func TestPackageEndpointBlobSweptBetweenChecks(t *testing.T) {
	router, coordinator := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/api/tasks", gin.H{"taskId": "task-1", "taskSpec": gin.H{"kind": "render"}})
	doJSON(t, router, http.MethodPost, "/api/tasks/task-1/result", gin.H{"exportSpec": gin.H{"ok": true}})

	// Blob gone while the task record still points at it: the response must
	// stay a JSON 404, not a zip-labelled error body.
	require.NoError(t, coordinator.Store().Blobs().Delete("task-1"))

	rec := doJSON(t, router, http.MethodGet, "/api/tasks/task-1/package.zip", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	require.Empty(t, rec.Header().Get("Content-Disposition"))
}

func TestBulkPackageEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, id := range []string{"task-a", "task-b"} {
		doJSON(t, router, http.MethodPost, "/api/tasks", gin.H{"taskId": id, "taskSpec": gin.H{"kind": "render"}})
		doJSON(t, router, http.MethodPost, "/api/tasks/"+id+"/result", gin.H{"exportSpec": gin.H{"id": id}})
	}

	rec := doJSON(t, router, http.MethodPost, "/api/artifacts/bulk.zip", gin.H{"ids": []string{"task-a", "task-b"}})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/zip", rec.Header().Get("Content-Type"))

	reader, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	require.NotEmpty(t, reader.File)

	// Over the id cap: structured 400 before any archive byte.
	rec = doJSON(t, router, http.MethodPost, "/api/artifacts/bulk.zip", gin.H{
		"ids": []string{"a", "b", "c", "d", "e", "f"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Nothing resolvable: 404.
	rec = doJSON(t, router, http.MethodPost, "/api/artifacts/bulk.zip", gin.H{"ids": []string{"task-x"}})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListArtifactsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, id := range []string{"task-a", "task-b"} {
		doJSON(t, router, http.MethodPost, "/api/tasks", gin.H{"taskId": id, "taskSpec": gin.H{"kind": "render"}})
		doJSON(t, router, http.MethodPost, "/api/tasks/"+id+"/result", gin.H{"exportSpec": gin.H{"ok": true}})
	}

	rec := doJSON(t, router, http.MethodGet, "/api/artifacts?limit=10&order=asc", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list app.ArtifactList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 2, list.Total)
	require.Len(t, list.Items, 2)
}

func TestCompareEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/api/tasks", gin.H{"taskId": "task-left", "taskSpec": gin.H{"kind": "render"}})
	doJSON(t, router, http.MethodPost, "/api/tasks/task-left/result", gin.H{"exportSpec": gin.H{"slides": 2}})
	doJSON(t, router, http.MethodPost, "/api/tasks", gin.H{"taskId": "task-right", "taskSpec": gin.H{"kind": "render"}})
	doJSON(t, router, http.MethodPost, "/api/tasks/task-right/result", gin.H{"exportSpec": gin.H{"slides": 3}})

	rec := doJSON(t, router, http.MethodPost, "/api/artifacts/compare", gin.H{"leftId": "task-left", "rightId": "task-right"})
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		Summary struct {
			Changed int `json:"changed"`
		} `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, 1, result.Summary.Changed)

	rec = doJSON(t, router, http.MethodPost, "/api/artifacts/compare", gin.H{"leftId": "task-left"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompareHTMLEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/api/tasks", gin.H{"taskId": "task-left", "taskSpec": gin.H{"kind": "render"}})
	doJSON(t, router, http.MethodPost, "/api/tasks/task-left/result", gin.H{"exportSpec": gin.H{"title": "<script>"}})
	doJSON(t, router, http.MethodPost, "/api/tasks", gin.H{"taskId": "task-right", "taskSpec": gin.H{"kind": "render"}})
	doJSON(t, router, http.MethodPost, "/api/tasks/task-right/result", gin.H{"exportSpec": gin.H{"title": "safe"}})

	rec := doJSON(t, router, http.MethodGet, "/api/artifacts/compare.html?left=task-left&right=task-right", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	// Artifact content is escaped, never raw.
	require.NotContains(t, rec.Body.String(), "<script>")
}

func TestShareEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/api/tasks", gin.H{"taskId": "task-1", "taskSpec": gin.H{"kind": "render"}})
	doJSON(t, router, http.MethodPost, "/api/tasks/task-1/result", gin.H{"exportSpec": gin.H{"ok": true}})

	rec := doJSON(t, router, http.MethodPost, "/api/tasks/task-1/share", gin.H{"type": "json", "ttlMin": 5})
	require.Equal(t, http.StatusOK, rec.Code)

	var link app.ShareLink
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &link))
	require.NotEmpty(t, link.Token)

	rec = doJSON(t, router, http.MethodGet, "/api/shared/"+link.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"ok":true}`, rec.Body.String())

	rec = doJSON(t, router, http.MethodGet, "/api/shared/share-unknown", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestShareZipResolve(t *testing.T) {
	router, _ := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/api/tasks", gin.H{"taskId": "task-1", "taskSpec": gin.H{"kind": "render"}})
	doJSON(t, router, http.MethodPost, "/api/tasks/task-1/result", gin.H{"exportSpec": gin.H{"ok": true}})

	rec := doJSON(t, router, http.MethodPost, "/api/tasks/task-1/share", gin.H{"type": "zip"})
	require.Equal(t, http.StatusOK, rec.Code)
	var link app.ShareLink
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &link))

	rec = doJSON(t, router, http.MethodGet, "/api/shared/"+link.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestRateLimitMiddlewareRejectsOverBudget(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(RateLimitMiddleware(RateLimitConfig{RequestsPerMinute: 60, Burst: 2}))
	engine.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	statuses := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}

	require.Equal(t, http.StatusOK, statuses[0])
	require.Equal(t, http.StatusOK, statuses[1])
	require.Equal(t, http.StatusTooManyRequests, statuses[2])
}

func TestWatchStreamsLifecycle(t *testing.T) {
	router, coordinator := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/api/tasks", gin.H{"taskId": "task-1", "taskSpec": gin.H{"kind": "render"}})

	server := httptest.NewServer(router)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/tasks/task-1/watch", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Drive the task to completion while the stream is open.
	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = coordinator.AppendTaskLog(context.Background(), "task-1", "working", nil)
		_, _ = coordinator.SubmitResult(context.Background(), "task-1", json.RawMessage(`{"ok":true}`), nil)
	}()

	body := make([]byte, 0, 4096)
	buf := make([]byte, 512)
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("stream never delivered the result event; got:\n%s", body)
		default:
		}
		n, err := resp.Body.Read(buf)
		body = append(body, buf[:n]...)
		if strings.Contains(string(body), "event: result") {
			break
		}
		if err != nil {
			t.Fatalf("stream ended early: %v\n%s", err, body)
		}
	}

	text := string(body)
	statusIdx := strings.Index(text, "event: status")
	logIdx := strings.Index(text, "event: log")
	resultIdx := strings.Index(text, "event: result")
	require.GreaterOrEqual(t, statusIdx, 0)
	require.Greater(t, logIdx, statusIdx, "log must follow the initial status snapshot")
	require.Greater(t, resultIdx, logIdx, "result must be last")
	require.Equal(t, 1, strings.Count(text, "event: result"))
}

func TestWatchUnknownTask(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/tasks/task-missing/watch", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
