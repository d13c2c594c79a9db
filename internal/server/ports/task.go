package ports

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the lifecycle state of a relay task.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusError   TaskStatus = "error"

	// TaskStatusQueued is an accepted synonym for pending on read paths.
	// Nothing in the relay produces it.
	TaskStatusQueued TaskStatus = "queued"
)

// NormalizeStatus maps the queued alias onto pending. All other values pass
// through unchanged.
func NormalizeStatus(status TaskStatus) TaskStatus {
	if status == TaskStatusQueued {
		return TaskStatusPending
	}
	return status
}

// LogEntry is a single worker-reported log line. Insertion order is
// significant and entries are never reordered or deduplicated.
type LogEntry struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ArtifactRef points at the persisted result blob for a task.
type ArtifactRef struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Task is the central relay entity. Every mutation is appended to the task
// log as a full snapshot of this struct.
type Task struct {
	ID             string          `json:"id"`
	Status         TaskStatus      `json:"status"`
	TaskSpec       json.RawMessage `json:"taskSpec,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	Logs           []LogEntry      `json:"logs,omitempty"`
	RunnerPluginID string          `json:"runnerPluginId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	FinishedAt     *time.Time      `json:"finishedAt,omitempty"`
	Artifact       *ArtifactRef    `json:"artifactRef,omitempty"`
	Deleted        bool            `json:"deleted,omitempty"`
	DeletedAt      *time.Time      `json:"deletedAt,omitempty"`
}

// Terminal reports whether the task has reached done or error.
func (t *Task) Terminal() bool {
	return t.Status == TaskStatusDone || t.Status == TaskStatusError
}

// Clone returns a deep copy safe to hand to mutation callbacks and watchers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	dup := *t
	if t.TaskSpec != nil {
		dup.TaskSpec = append(json.RawMessage(nil), t.TaskSpec...)
	}
	if t.Result != nil {
		dup.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.Logs != nil {
		dup.Logs = append([]LogEntry(nil), t.Logs...)
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		dup.StartedAt = &started
	}
	if t.FinishedAt != nil {
		finished := *t.FinishedAt
		dup.FinishedAt = &finished
	}
	if t.DeletedAt != nil {
		deleted := *t.DeletedAt
		dup.DeletedAt = &deleted
	}
	if t.Artifact != nil {
		ref := *t.Artifact
		dup.Artifact = &ref
	}
	return &dup
}

// ShareToken is a capability-bearing, time-limited pointer to one task's
// artifact.
type ShareToken struct {
	Token     string    `json:"token"`
	TaskID    string    `json:"taskId"`
	Kind      ShareKind `json:"kind"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ShareKind selects the representation a share link resolves to.
type ShareKind string

const (
	ShareKindJSON ShareKind = "json"
	ShareKindZip  ShareKind = "zip"
)

// Expired reports whether the token is past its expiry at the given instant.
func (s ShareToken) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
