package app

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"relay/internal/ident"
	"relay/internal/logging"
	"relay/internal/server/ports"
)

// Fixed entry names inside a task package.
const (
	packageEntryArtifact = "artifact.json"
	packageEntryLogs     = "logs.txt"
	packageEntryTask     = "task.json"
	packageEntryMeta     = "artifact-meta.json"
	packageEntryIssues   = "_issues.txt"
)

// PackagerConfig bounds bulk packaging requests.
type PackagerConfig struct {
	BulkMaxIDs   int
	BulkMaxBytes int64
}

// Packager assembles a task's artifact, logs and metadata into a streamed
// zip archive. All validation and size accounting happens before the first
// byte reaches the writer; once streaming has begun, failures must be
// handled by the transport (abort, not rewrite).
type Packager struct {
	store  *TaskStore
	cfg    PackagerConfig
	logger logging.Logger
}

// NewPackager creates a packager over the given store.
func NewPackager(store *TaskStore, cfg PackagerConfig, logger logging.Logger) *Packager {
	if cfg.BulkMaxIDs <= 0 {
		cfg.BulkMaxIDs = 20
	}
	if cfg.BulkMaxBytes <= 0 {
		cfg.BulkMaxBytes = 64 * 1024 * 1024
	}
	return &Packager{store: store, cfg: cfg, logger: logging.OrNop(logger)}
}

// WritePackage streams a single-task archive to w.
func (p *Packager) WritePackage(ctx context.Context, w io.Writer, taskID string) error {
	task, err := p.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Artifact == nil {
		return NotFoundError(fmt.Sprintf("artifact for task %s", taskID))
	}

	// On error the writer is abandoned unclosed: Close would flush central
	// directory bytes and commit the response to a zip body.
	zw := zip.NewWriter(w)
	if err := p.writeTaskEntries(zw, task, ""); err != nil {
		return err
	}
	return zw.Close()
}

// BulkRequest is a validated bulk packaging request.
type bulkPlan struct {
	tasks  []*ports.Task
	issues []string
	total  int64
}

// WriteBulk streams a multi-task archive to w, namespacing each task's
// entries under its id. Missing, invalid and duplicate ids are recorded in
// an issues entry instead of failing the request, unless nothing resolved.
func (p *Packager) WriteBulk(ctx context.Context, w io.Writer, ids []string) error {
	plan, err := p.planBulk(ctx, ids)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	for _, task := range plan.tasks {
		if err := p.writeTaskEntries(zw, task, task.ID+"/"); err != nil {
			return err
		}
	}
	if len(plan.issues) > 0 {
		if err := writeZipEntry(zw, packageEntryIssues, []byte(strings.Join(plan.issues, "\n")+"\n")); err != nil {
			return err
		}
	}
	return zw.Close()
}

// planBulk validates ids, resolves them to tasks and enforces the total
// uncompressed size cap. Every error it returns happens before any
// response byte is written.
func (p *Packager) planBulk(ctx context.Context, ids []string) (*bulkPlan, error) {
	if len(ids) == 0 {
		return nil, ValidationError("ids must not be empty")
	}
	if len(ids) > p.cfg.BulkMaxIDs {
		return nil, ValidationError(fmt.Sprintf("too many ids: %d (max %d)", len(ids), p.cfg.BulkMaxIDs))
	}

	plan := &bulkPlan{}
	seen := make(map[string]bool, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			plan.issues = append(plan.issues, fmt.Sprintf("duplicate id skipped: %s", id))
			continue
		}
		seen[id] = true
		if err := ident.ValidateTaskID(id); err != nil {
			plan.issues = append(plan.issues, fmt.Sprintf("invalid id skipped: %s", id))
			continue
		}
		unique = append(unique, id)
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(8)
	for _, id := range unique {
		id := id
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			task, err := p.store.Get(groupCtx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil || task.Artifact == nil {
				plan.issues = append(plan.issues, fmt.Sprintf("no artifact for id: %s", id))
				return nil
			}
			size, err := p.store.Blobs().Size(id)
			if err != nil {
				plan.issues = append(plan.issues, fmt.Sprintf("artifact unreadable for id: %s", id))
				return nil
			}
			plan.tasks = append(plan.tasks, task)
			plan.total += size + int64(len(renderLogs(task))) + marshaledLen(taskSummary(task)) + marshaledLen(task.Artifact)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	if len(plan.tasks) == 0 {
		return nil, NotFoundError("no requested id resolved to an artifact")
	}
	if plan.total > p.cfg.BulkMaxBytes {
		return nil, TooLargeError(fmt.Sprintf("uncompressed size %d exceeds cap %d", plan.total, p.cfg.BulkMaxBytes))
	}

	// Deterministic archive order regardless of stat completion order.
	sort.Slice(plan.tasks, func(i, j int) bool { return plan.tasks[i].ID < plan.tasks[j].ID })
	sort.Strings(plan.issues)
	return plan, nil
}

// writeTaskEntries emits the four entries for one task under the given
// prefix. The artifact is streamed straight from the blob store; a blob
// vanishing mid-copy surfaces as an I/O error to the caller.
func (p *Packager) writeTaskEntries(zw *zip.Writer, task *ports.Task, prefix string) error {
	blob, _, err := p.store.Blobs().Open(task.ID)
	if err != nil {
		if os.IsNotExist(err) {
			return NotFoundError(fmt.Sprintf("artifact for task %s", task.ID))
		}
		return fmt.Errorf("open artifact for %s: %w", task.ID, err)
	}
	defer blob.Close()

	entry, err := zw.Create(prefix + packageEntryArtifact)
	if err != nil {
		return err
	}
	if _, err := io.Copy(entry, blob); err != nil {
		return fmt.Errorf("stream artifact for %s: %w", task.ID, err)
	}

	if err := writeZipEntry(zw, prefix+packageEntryLogs, []byte(renderLogs(task))); err != nil {
		return err
	}

	summary, err := json.MarshalIndent(taskSummary(task), "", "  ")
	if err != nil {
		return err
	}
	if err := writeZipEntry(zw, prefix+packageEntryTask, summary); err != nil {
		return err
	}

	meta, err := json.MarshalIndent(task.Artifact, "", "  ")
	if err != nil {
		return err
	}
	return writeZipEntry(zw, prefix+packageEntryMeta, meta)
}

// marshaledLen returns the uncompressed size a value will occupy as an
// indented JSON entry, for the bulk size cap.
func marshaledLen(v any) int64 {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return 0
	}
	return int64(len(data))
}

func writeZipEntry(zw *zip.Writer, name string, data []byte) error {
	entry, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = entry.Write(data)
	return err
}

// renderLogs flattens a task's log entries into one text document.
func renderLogs(task *ports.Task) string {
	if len(task.Logs) == 0 {
		return "(no logs)\n"
	}
	var b strings.Builder
	for _, entry := range task.Logs {
		b.WriteString(entry.Timestamp.Format(time.RFC3339))
		b.WriteString(" ")
		b.WriteString(entry.Message)
		b.WriteString("\n")
	}
	return b.String()
}

// packagedTaskSummary is the task.json entry shape.
type packagedTaskSummary struct {
	ID             string           `json:"id"`
	Status         ports.TaskStatus `json:"status"`
	CreatedAt      time.Time        `json:"createdAt"`
	StartedAt      *time.Time       `json:"startedAt,omitempty"`
	FinishedAt     *time.Time       `json:"finishedAt,omitempty"`
	RunnerPluginID string           `json:"runnerPluginId,omitempty"`
	ErrorMessage   string           `json:"errorMessage,omitempty"`
	LogCount       int              `json:"logCount"`
}

func taskSummary(task *ports.Task) packagedTaskSummary {
	return packagedTaskSummary{
		ID:             task.ID,
		Status:         ports.NormalizeStatus(task.Status),
		CreatedAt:      task.CreatedAt,
		StartedAt:      task.StartedAt,
		FinishedAt:     task.FinishedAt,
		RunnerPluginID: task.RunnerPluginID,
		ErrorMessage:   task.ErrorMessage,
		LogCount:       len(task.Logs),
	}
}
