package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"relay/internal/diff"
	"relay/internal/logging"
	"relay/internal/server/ports"
)

const decodedArtifactCacheSize = 32

// Coordinator wires the task store, broadcast hub, webhook dispatcher and
// retention sweep into the operations the HTTP layer exposes. Every
// mutation broadcasts to watchers; terminal mutations additionally enqueue
// a webhook delivery and mark the sweep dirty.
type Coordinator struct {
	store    *TaskStore
	hub      *BroadcastHub
	webhooks *WebhookDispatcher
	sweeper  *Sweeper
	packager *Packager
	shares   *ShareService

	compareMaxBytes int64
	publicBaseURL   string

	// decoded holds parsed artifact JSON for the compare paths so repeat
	// comparisons skip re-reading and re-decoding the blob.
	decoded *lru.Cache[string, any]

	logger logging.Logger
}

// NewCoordinator assembles the relay application layer.
func NewCoordinator(store *TaskStore, hub *BroadcastHub, webhooks *WebhookDispatcher, sweeper *Sweeper, packager *Packager, shares *ShareService, compareMaxBytes int64, publicBaseURL string, logger logging.Logger) *Coordinator {
	cache, _ := lru.New[string, any](decodedArtifactCacheSize)
	if compareMaxBytes <= 0 {
		compareMaxBytes = 8 * 1024 * 1024
	}
	return &Coordinator{
		store:           store,
		hub:             hub,
		webhooks:        webhooks,
		sweeper:         sweeper,
		packager:        packager,
		shares:          shares,
		compareMaxBytes: compareMaxBytes,
		publicBaseURL:   strings.TrimRight(publicBaseURL, "/"),
		decoded:         cache,
		logger:          logging.OrNop(logger),
	}
}

// Store exposes the task store to the HTTP layer.
func (c *Coordinator) Store() *TaskStore { return c.store }

// Hub exposes the broadcast hub to the HTTP layer.
func (c *Coordinator) Hub() *BroadcastHub { return c.hub }

// Packager exposes the artifact packager to the HTTP layer.
func (c *Coordinator) Packager() *Packager { return c.packager }

// Shares exposes the share service to the HTTP layer.
func (c *Coordinator) Shares() *ShareService { return c.shares }

// CreateTask registers a new task.
func (c *Coordinator) CreateTask(ctx context.Context, taskID string, spec json.RawMessage) (*ports.Task, error) {
	return c.store.Create(ctx, taskID, spec)
}

// GetTask returns the folded current state of a task.
func (c *Coordinator) GetTask(ctx context.Context, taskID string) (*ports.Task, error) {
	return c.store.Get(ctx, taskID)
}

// PullTasks claims pending work for a worker and notifies watchers of the
// status transitions.
func (c *Coordinator) PullTasks(ctx context.Context, pluginID string, limit int) (*PullBatch, error) {
	batch, err := c.store.Pull(ctx, pluginID, limit)
	if err != nil {
		return nil, err
	}
	for _, task := range batch.Items {
		c.hub.Publish(task.ID, ports.Event{Type: ports.EventStatus, TaskID: task.ID, Data: task})
	}
	return batch, nil
}

// SubmitResult completes a task: artifact persisted, watchers notified with
// the final result event, webhook enqueued, sweep marked dirty.
func (c *Coordinator) SubmitResult(ctx context.Context, taskID string, result json.RawMessage, extraLogs []ports.LogEntry) (*ports.Task, error) {
	task, err := c.store.SubmitResult(ctx, taskID, result, extraLogs)
	if err != nil {
		return nil, err
	}

	c.decoded.Remove(taskID)
	c.hub.Publish(taskID, ports.Event{Type: ports.EventResult, TaskID: taskID, Data: task})
	c.webhooks.Enqueue(WebhookEvent{
		Event:    WebhookTaskDone,
		TaskID:   taskID,
		Status:   task.Status,
		Artifact: c.artifactLinks(taskID),
		Summary:  summaryOf(task),
	})
	c.sweeper.MarkDirty()
	return task, nil
}

// MarkTaskError fails a task: watchers get a status event carrying the
// message, the webhook dispatcher gets a task.error delivery.
func (c *Coordinator) MarkTaskError(ctx context.Context, taskID string, message string) (*ports.Task, error) {
	task, err := c.store.MarkError(ctx, taskID, message)
	if err != nil {
		return nil, err
	}

	c.hub.Publish(taskID, ports.Event{Type: ports.EventStatus, TaskID: taskID, Data: task})
	c.webhooks.Enqueue(WebhookEvent{
		Event:        WebhookTaskError,
		TaskID:       taskID,
		Status:       task.Status,
		Summary:      summaryOf(task),
		ErrorMessage: message,
	})
	c.sweeper.MarkDirty()
	return task, nil
}

// AppendTaskLog appends a log line and broadcasts it. An optional preview
// payload is broadcast as its own event but never persisted.
func (c *Coordinator) AppendTaskLog(ctx context.Context, taskID string, message string, preview json.RawMessage) (*ports.Task, error) {
	task, err := c.store.AppendLog(ctx, taskID, message)
	if err != nil {
		return nil, err
	}

	latest := task.Logs[len(task.Logs)-1]
	c.hub.Publish(taskID, ports.Event{Type: ports.EventLog, TaskID: taskID, Data: latest})
	if len(preview) > 0 {
		c.hub.Publish(taskID, ports.Event{Type: ports.EventPreview, TaskID: taskID, Data: preview})
	}
	return task, nil
}

// Watch subscribes to a task's event stream. The initial status snapshot is
// queued before this returns.
func (c *Coordinator) Watch(ctx context.Context, taskID string) (*Watcher, error) {
	task, err := c.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return c.watchFrom(ctx, taskID, task)
}

// watchFrom registers a watcher seeded with snapshot, then re-reads the
// task. A mutation committed between the snapshot read and the register is
// published to nobody, so a state change seen on the re-read is delivered
// to the new watcher directly.
func (c *Coordinator) watchFrom(ctx context.Context, taskID string, snapshot *ports.Task) (*Watcher, error) {
	w := c.hub.Register(taskID, snapshot)

	latest, err := c.store.Get(ctx, taskID)
	if err != nil {
		c.hub.Unregister(w)
		return nil, err
	}
	if latest.Status != snapshot.Status {
		c.hub.Refresh(w, latest)
	}
	return w, nil
}

// ArtifactList is one page of the artifact listing.
type ArtifactList struct {
	Items  []*ports.Task `json:"items"`
	Total  int           `json:"total"`
	Offset int           `json:"offset"`
	Limit  int           `json:"limit"`
}

// ListArtifacts pages through live tasks that have a persisted artifact,
// sorted by createdAt.
func (c *Coordinator) ListArtifacts(ctx context.Context, offset, limit int, order string) (*ArtifactList, error) {
	tasks := c.store.ArtifactTasks(ctx) // ascending createdAt
	if order != "asc" {
		for i, j := 0, len(tasks)-1; i < j; i, j = i+1, j-1 {
			tasks[i], tasks[j] = tasks[j], tasks[i]
		}
	}

	total := len(tasks)
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 50
	}
	if offset >= total {
		return &ArtifactList{Items: []*ports.Task{}, Total: total, Offset: offset, Limit: limit}, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return &ArtifactList{Items: tasks[offset:end], Total: total, Offset: offset, Limit: limit}, nil
}

// CompareArtifacts structurally diffs two completed artifacts.
func (c *Coordinator) CompareArtifacts(ctx context.Context, leftID, rightID string, includeUnchanged bool) (*diff.Result, error) {
	left, err := c.loadArtifact(ctx, leftID)
	if err != nil {
		return nil, err
	}
	right, err := c.loadArtifact(ctx, rightID)
	if err != nil {
		return nil, err
	}
	return diff.Compare(left, right, diff.Options{IncludeUnchanged: includeUnchanged}), nil
}

// loadArtifact reads and decodes a task's artifact, enforcing the compare
// size ceiling. Decoded values are cached; the task lookup in front of the
// cache keeps evicted ids from serving stale data.
func (c *Coordinator) loadArtifact(ctx context.Context, taskID string) (any, error) {
	task, err := c.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Artifact == nil {
		return nil, NotFoundError(fmt.Sprintf("artifact for task %s", taskID))
	}
	if task.Artifact.Size > c.compareMaxBytes {
		return nil, TooLargeError(fmt.Sprintf("artifact %s exceeds compare ceiling (%d bytes)", taskID, c.compareMaxBytes))
	}

	if cached, ok := c.decoded.Get(taskID); ok {
		return cached, nil
	}

	data, err := c.store.Blobs().Read(taskID)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", taskID, err)
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", taskID, err)
	}
	c.decoded.Add(taskID, value)
	return value, nil
}

func (c *Coordinator) artifactLinks(taskID string) *ArtifactLinks {
	return &ArtifactLinks{
		JSON: fmt.Sprintf("%s/api/tasks/%s/artifact", c.publicBaseURL, taskID),
		Zip:  fmt.Sprintf("%s/api/tasks/%s/package.zip", c.publicBaseURL, taskID),
	}
}

func summaryOf(task *ports.Task) *TaskSummary {
	return &TaskSummary{
		CreatedAt:      task.CreatedAt,
		StartedAt:      task.StartedAt,
		FinishedAt:     task.FinishedAt,
		RunnerPluginID: task.RunnerPluginID,
		LogCount:       len(task.Logs),
	}
}
