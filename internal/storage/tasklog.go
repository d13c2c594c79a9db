package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"relay/internal/logging"
	"relay/internal/server/ports"
)

// TaskLog is the durable append-only record of task mutations. Every
// mutation is appended as a full snapshot, one JSON record per line. The
// current-state view is an in-memory index rebuilt once at open time
// (last write wins per id) and maintained incrementally on every append;
// requests never rescan the file.
type TaskLog struct {
	mu     sync.RWMutex
	path   string
	file   *os.File
	index  map[string]*ports.Task
	logger logging.Logger
}

// OpenTaskLog opens (creating if needed) the log at path and replays it
// into the index. Corrupt lines are skipped with a warning rather than
// failing the whole replay.
func OpenTaskLog(path string, logger logging.Logger) (*TaskLog, error) {
	logger = logging.OrNop(logger)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	l := &TaskLog{
		path:   path,
		index:  make(map[string]*ports.Task),
		logger: logger,
	}
	if err := l.replay(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open task log: %w", err)
	}
	l.file = file
	return l, nil
}

func (l *TaskLog) replay() error {
	file, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open task log for replay: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNo := 0
	skipped := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var task ports.Task
		if err := json.Unmarshal(line, &task); err != nil || task.ID == "" {
			skipped++
			continue
		}
		l.index[task.ID] = &task
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("replay task log: %w", err)
	}
	if skipped > 0 {
		l.logger.Warn("Task log replay skipped %d corrupt record(s) out of %d", skipped, lineNo)
	}
	l.logger.Info("Task log replayed: %d record(s), %d task(s)", lineNo, len(l.index))
	return nil
}

// Append durably records a task snapshot and updates the index. The write
// is a single O_APPEND syscall under the log mutex, so appends are atomic
// with respect to each other.
func (l *TaskLog) Append(task *ports.Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task snapshot requires an id")
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task snapshot: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("append task snapshot: %w", err)
	}
	l.index[task.ID] = task.Clone()
	return nil
}

// Get returns the latest snapshot for id, including tombstoned records.
// Callers decide whether tombstones are visible.
func (l *TaskLog) Get(id string) (*ports.Task, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	task, ok := l.index[id]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

// Snapshot returns clones of every live (non-tombstoned) task, sorted by
// ascending createdAt.
func (l *TaskLog) Snapshot() []*ports.Task {
	l.mu.RLock()
	defer l.mu.RUnlock()

	tasks := make([]*ports.Task, 0, len(l.index))
	for _, task := range l.index {
		if task.Deleted {
			continue
		}
		tasks = append(tasks, task.Clone())
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}

// Len returns the number of live tasks in the index.
func (l *TaskLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, task := range l.index {
		if !task.Deleted {
			n++
		}
	}
	return n
}

// Close releases the underlying file handle.
func (l *TaskLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
