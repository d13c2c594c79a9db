package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"relay/internal/ident"
	"relay/internal/logging"
	"relay/internal/server/ports"
	"relay/internal/storage"
)

// TaskStore materializes the append-only task log into a current-state view
// and owns every task lifecycle transition. Mutations are serialized per
// task id; pulls additionally serialize against each other so each pending
// task is dequeued exactly once.
type TaskStore struct {
	log    *storage.TaskLog
	blobs  *storage.BlobStore
	logger logging.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	pullMu sync.Mutex
}

// PullBatch is the response shape of a worker pull.
type PullBatch struct {
	TaskID    string        `json:"taskId"`
	Pulled    int           `json:"pulled"`
	Remaining int           `json:"remaining"`
	HasMore   bool          `json:"hasMore"`
	Items     []*ports.Task `json:"items"`
}

// NewTaskStore creates a task store over the given log and blob store.
func NewTaskStore(log *storage.TaskLog, blobs *storage.BlobStore, logger logging.Logger) *TaskStore {
	return &TaskStore{
		log:    log,
		blobs:  blobs,
		logger: logging.OrNop(logger),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *TaskStore) idLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// Create registers a new task in pending state. Creation is idempotent on a
// client-supplied id: re-submitting the same id with the same spec returns
// the existing record unchanged, a different spec is a conflict.
func (s *TaskStore) Create(ctx context.Context, taskID string, spec json.RawMessage) (*ports.Task, error) {
	if len(spec) == 0 {
		return nil, ValidationError("taskSpec is required")
	}

	if taskID == "" {
		taskID = ident.NewTaskID()
	} else if err := ident.ValidateTaskID(taskID); err != nil {
		return nil, fmt.Errorf("%s: %w", err.Error(), ErrValidation)
	}

	lock := s.idLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	if existing, ok := s.log.Get(taskID); ok {
		if existing.Deleted {
			return nil, ConflictError(fmt.Sprintf("task %s was deleted", taskID))
		}
		if !bytes.Equal(compactJSON(existing.TaskSpec), compactJSON(spec)) {
			return nil, ConflictError(fmt.Sprintf("task %s already exists with a different spec", taskID))
		}
		return existing, nil
	}

	task := &ports.Task{
		ID:        taskID,
		Status:    ports.TaskStatusPending,
		TaskSpec:  spec,
		CreatedAt: time.Now(),
	}
	if err := s.log.Append(task); err != nil {
		return nil, err
	}

	metricTasksCreated.Inc()
	s.logger.Info("Task created: %s", taskID)
	return task.Clone(), nil
}

// Get retrieves a task by id. Tombstoned tasks are not found. The queued
// alias is normalized to pending on the way out.
func (s *TaskStore) Get(ctx context.Context, taskID string) (*ports.Task, error) {
	task, ok := s.log.Get(taskID)
	if !ok || task.Deleted {
		return nil, NotFoundError(fmt.Sprintf("task %s", taskID))
	}
	task.Status = ports.NormalizeStatus(task.Status)
	return task, nil
}

// Mutate applies fn to the latest snapshot of the task under its per-id
// lock and appends the resulting state. fn receives a clone and may return
// an error to abort without appending.
func (s *TaskStore) Mutate(ctx context.Context, taskID string, fn func(*ports.Task) error) (*ports.Task, error) {
	lock := s.idLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	return s.mutateLocked(taskID, fn)
}

func (s *TaskStore) mutateLocked(taskID string, fn func(*ports.Task) error) (*ports.Task, error) {
	task, ok := s.log.Get(taskID)
	if !ok || task.Deleted {
		return nil, NotFoundError(fmt.Sprintf("task %s", taskID))
	}

	if err := fn(task); err != nil {
		return nil, err
	}
	if err := s.log.Append(task); err != nil {
		return nil, err
	}
	return task.Clone(), nil
}

// Pull atomically claims up to limit of the oldest pending tasks for the
// given worker, flipping each to running and stamping startedAt.
func (s *TaskStore) Pull(ctx context.Context, pluginID string, limit int) (*PullBatch, error) {
	if pluginID == "" {
		return nil, ValidationError("pluginId is required")
	}
	if limit <= 0 {
		limit = 1
	}

	s.pullMu.Lock()
	defer s.pullMu.Unlock()

	pending := s.pendingTasks()

	batch := &PullBatch{Items: []*ports.Task{}}
	for _, candidate := range pending {
		if len(batch.Items) >= limit {
			break
		}
		claimed, err := s.Mutate(ctx, candidate.ID, func(task *ports.Task) error {
			if ports.NormalizeStatus(task.Status) != ports.TaskStatusPending {
				return ConflictError(fmt.Sprintf("task %s is no longer pending", task.ID))
			}
			now := time.Now()
			task.Status = ports.TaskStatusRunning
			task.StartedAt = &now
			task.RunnerPluginID = pluginID
			return nil
		})
		if err != nil {
			// Lost a race against a concurrent mutation; move on.
			continue
		}
		batch.Items = append(batch.Items, claimed)
	}

	batch.Pulled = len(batch.Items)
	if batch.Pulled > 0 {
		batch.TaskID = batch.Items[0].ID
	}
	batch.Remaining = len(s.pendingTasks())
	batch.HasMore = batch.Remaining > 0

	if batch.Pulled > 0 {
		s.logger.Info("Worker %s pulled %d task(s), %d remaining", pluginID, batch.Pulled, batch.Remaining)
	}
	return batch, nil
}

// pendingTasks returns live pending tasks in ascending createdAt order.
func (s *TaskStore) pendingTasks() []*ports.Task {
	all := s.log.Snapshot()
	pending := make([]*ports.Task, 0)
	for _, task := range all {
		if ports.NormalizeStatus(task.Status) == ports.TaskStatusPending {
			pending = append(pending, task)
		}
	}
	return pending
}

// SubmitResult transitions a task to done. The artifact blob is persisted
// before the status flips; when blob persistence fails the task stays
// running and the caller receives the error.
func (s *TaskStore) SubmitResult(ctx context.Context, taskID string, result json.RawMessage, extraLogs []ports.LogEntry) (*ports.Task, error) {
	if len(result) == 0 {
		return nil, ValidationError("exportSpec is required")
	}

	lock := s.idLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	current, ok := s.log.Get(taskID)
	if !ok || current.Deleted {
		return nil, NotFoundError(fmt.Sprintf("task %s", taskID))
	}
	if current.Terminal() {
		return nil, ConflictError(fmt.Sprintf("task %s already %s", taskID, current.Status))
	}

	ref, err := s.blobs.Write(taskID, compactJSON(result))
	if err != nil {
		return nil, fmt.Errorf("persist artifact for %s: %w", taskID, err)
	}

	return s.mutateLocked(taskID, func(task *ports.Task) error {
		now := time.Now()
		task.Status = ports.TaskStatusDone
		task.Result = result
		task.Artifact = ref
		task.FinishedAt = &now
		if task.StartedAt == nil {
			// Result arrived before any pull was observed.
			started := task.CreatedAt
			task.StartedAt = &started
		}
		task.Logs = append(task.Logs, extraLogs...)
		metricTasksCompleted.WithLabelValues(string(ports.TaskStatusDone)).Inc()
		return nil
	})
}

// MarkError transitions a task to the error state with a message.
func (s *TaskStore) MarkError(ctx context.Context, taskID string, message string) (*ports.Task, error) {
	return s.Mutate(ctx, taskID, func(task *ports.Task) error {
		if task.Terminal() {
			return ConflictError(fmt.Sprintf("task %s already %s", taskID, task.Status))
		}
		now := time.Now()
		task.Status = ports.TaskStatusError
		task.ErrorMessage = message
		task.FinishedAt = &now
		if task.StartedAt == nil {
			started := task.CreatedAt
			task.StartedAt = &started
		}
		metricTasksCompleted.WithLabelValues(string(ports.TaskStatusError)).Inc()
		return nil
	})
}

// AppendLog appends one log line to a task. Terminal tasks no longer accept
// log lines.
func (s *TaskStore) AppendLog(ctx context.Context, taskID string, message string) (*ports.Task, error) {
	if message == "" {
		return nil, ValidationError("message is required")
	}
	return s.Mutate(ctx, taskID, func(task *ports.Task) error {
		if task.Terminal() {
			return ConflictError(fmt.Sprintf("task %s already %s", taskID, task.Status))
		}
		task.Logs = append(task.Logs, ports.LogEntry{Message: message, Timestamp: time.Now()})
		return nil
	})
}

// Tombstone masks a task from all read paths. The log keeps its history.
// The id's mutation lock is released with it: later callers fail on the
// tombstone before touching the log, so a fresh lock is harmless, and
// holding locks for dead ids would grow the map forever.
func (s *TaskStore) Tombstone(ctx context.Context, taskID string) error {
	_, err := s.Mutate(ctx, taskID, func(task *ports.Task) error {
		now := time.Now()
		task.Deleted = true
		task.DeletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}

	s.locksMu.Lock()
	delete(s.locks, taskID)
	s.locksMu.Unlock()
	return nil
}

// List returns live tasks sorted by createdAt with pagination. Order is
// "asc" or "desc" (default desc, newest first).
func (s *TaskStore) List(ctx context.Context, offset, limit int, order string) ([]*ports.Task, int, error) {
	tasks := s.log.Snapshot()
	if order != "asc" {
		for i, j := 0, len(tasks)-1; i < j; i, j = i+1, j-1 {
			tasks[i], tasks[j] = tasks[j], tasks[i]
		}
	}

	total := len(tasks)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []*ports.Task{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return tasks[offset:end], total, nil
}

// ArtifactTasks returns live tasks that have a persisted artifact, in
// ascending createdAt order. The retention sweep and the artifact listing
// both build on this.
func (s *TaskStore) ArtifactTasks(ctx context.Context) []*ports.Task {
	all := s.log.Snapshot()
	withArtifacts := make([]*ports.Task, 0, len(all))
	for _, task := range all {
		if task.Artifact != nil {
			withArtifacts = append(withArtifacts, task)
		}
	}
	return withArtifacts
}

// Blobs exposes the artifact blob store to collaborators that stream blobs.
func (s *TaskStore) Blobs() *storage.BlobStore {
	return s.blobs
}

// Len returns the number of live tasks.
func (s *TaskStore) Len() int {
	return s.log.Len()
}

// compactJSON canonicalizes raw JSON for byte-wise comparison. Invalid
// input is returned unchanged; validation happens at the HTTP boundary.
func compactJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
