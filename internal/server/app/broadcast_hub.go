package app

import (
	"sync"
	"time"

	"relay/internal/logging"
	"relay/internal/server/ports"
)

// Watcher is one live subscription to a task's event stream. It is created
// by BroadcastHub.Register and torn down on disconnect, inactivity timeout
// or terminal-event close.
type Watcher struct {
	taskID    string
	ch        chan ports.Event
	done      chan struct{}
	closeOnce sync.Once
}

// Events returns the channel events are delivered on.
func (w *Watcher) Events() <-chan ports.Event {
	return w.ch
}

// Done is closed when the hub decides the subscription is over.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// TaskID returns the task this watcher is bound to.
func (w *Watcher) TaskID() string {
	return w.taskID
}

func (w *Watcher) close() {
	w.closeOnce.Do(func() {
		close(w.done)
	})
}

// BroadcastHub delivers named events to every live watcher of a task id in
// emission order. Task ids are fully isolated from each other; a slow or
// stuck watcher never blocks the event producer.
type BroadcastHub struct {
	mu       sync.RWMutex
	watchers map[string][]*Watcher

	bufferSize int
	closeGrace time.Duration
	logger     logging.Logger
}

// NewBroadcastHub creates a hub. bufferSize is the per-watcher channel
// depth; closeGrace is how long watchers get to drain after a terminal
// result event.
func NewBroadcastHub(bufferSize int, closeGrace time.Duration, logger logging.Logger) *BroadcastHub {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &BroadcastHub{
		watchers:   make(map[string][]*Watcher),
		bufferSize: bufferSize,
		closeGrace: closeGrace,
		logger:     logging.OrNop(logger),
	}
}

// Register subscribes a new watcher to taskID. The initial status snapshot
// is queued first so it is always the first event the client sees; late
// joiners get no backfill beyond it. A snapshot that is already terminal
// ends the stream after the grace window, just as a published result would.
func (h *BroadcastHub) Register(taskID string, snapshot *ports.Task) *Watcher {
	w := &Watcher{
		taskID: taskID,
		ch:     make(chan ports.Event, h.bufferSize),
		done:   make(chan struct{}),
	}

	// The buffer is empty at this point, so the snapshot send cannot fail.
	w.ch <- ports.Event{Type: ports.EventStatus, TaskID: taskID, Data: snapshot}

	h.mu.Lock()
	h.watchers[taskID] = append(h.watchers[taskID], w)
	count := len(h.watchers[taskID])
	h.mu.Unlock()

	metricActiveWatchers.Inc()
	h.logger.Info("Watcher registered for task %s (total: %d)", taskID, count)

	if snapshot != nil && snapshot.Terminal() {
		h.scheduleClose([]*Watcher{w})
	}
	return w
}

// Refresh hands one watcher a fresh snapshot when the state it was seeded
// with is already stale. Done tasks arrive as a result event; any terminal
// state schedules the grace-window close for this watcher alone.
func (h *BroadcastHub) Refresh(w *Watcher, task *ports.Task) {
	if w == nil || task == nil {
		return
	}

	event := ports.Event{Type: ports.EventStatus, TaskID: w.taskID, Data: task}
	if task.Status == ports.TaskStatusDone {
		event.Type = ports.EventResult
	}

	select {
	case w.ch <- event:
		metricEventsSent.Inc()
	default:
		if !h.forceDeliver(w, event) {
			metricEventsDropped.Inc()
			h.logger.Warn("Watcher buffer full for task %s, dropping refresh", w.taskID)
		}
	}

	if task.Terminal() {
		h.scheduleClose([]*Watcher{w})
	}
}

// Unregister removes a watcher and closes its channels. Safe to call more
// than once.
func (h *BroadcastHub) Unregister(w *Watcher) {
	if w == nil {
		return
	}

	h.mu.Lock()
	list := h.watchers[w.taskID]
	removed := false
	for i, candidate := range list {
		if candidate == w {
			h.watchers[w.taskID] = append(list[:i], list[i+1:]...)
			removed = true
			break
		}
	}
	if removed && len(h.watchers[w.taskID]) == 0 {
		delete(h.watchers, w.taskID)
	}
	h.mu.Unlock()

	if removed {
		w.close()
		metricActiveWatchers.Dec()
		h.logger.Info("Watcher unregistered from task %s", w.taskID)
	}
}

// Publish fans an event out to every watcher of taskID. Delivery is
// non-blocking: a full buffer drops the event for that one watcher, except
// terminal events which evict the oldest buffered event to make room. A
// terminal event additionally schedules every watcher for close after the
// grace window.
func (h *BroadcastHub) Publish(taskID string, event ports.Event) {
	h.mu.RLock()
	list := append([]*Watcher(nil), h.watchers[taskID]...)
	h.mu.RUnlock()

	for _, w := range list {
		select {
		case w.ch <- event:
			metricEventsSent.Inc()
		default:
			if event.Terminal() && h.forceDeliver(w, event) {
				continue
			}
			metricEventsDropped.Inc()
			h.logger.Warn("Watcher buffer full for task %s, dropping %s event", taskID, event.Type)
		}
	}

	if event.Terminal() && len(list) > 0 {
		h.scheduleClose(list)
	}
}

// forceDeliver drops the oldest buffered event to make room for a terminal
// one, then retries once.
func (h *BroadcastHub) forceDeliver(w *Watcher, event ports.Event) bool {
	select {
	case <-w.ch:
	default:
	}
	select {
	case w.ch <- event:
		metricEventsSent.Inc()
		h.logger.Warn("Watcher buffer saturated for task %s; dropped oldest event to deliver %s", w.taskID, event.Type)
		return true
	default:
		return false
	}
}

// scheduleClose gives watchers the grace window to drain the terminal event
// before their streams end.
func (h *BroadcastHub) scheduleClose(list []*Watcher) {
	grace := h.closeGrace
	if grace <= 0 {
		for _, w := range list {
			w.close()
		}
		return
	}
	for _, w := range list {
		w := w
		time.AfterFunc(grace, w.close)
	}
}

// CloseTask force-closes every watcher on taskID. The retention sweep calls
// this when it evicts a task.
func (h *BroadcastHub) CloseTask(taskID string) {
	h.mu.Lock()
	list := h.watchers[taskID]
	delete(h.watchers, taskID)
	h.mu.Unlock()

	for _, w := range list {
		w.close()
		metricActiveWatchers.Dec()
	}
	if len(list) > 0 {
		h.logger.Info("Force-closed %d watcher(s) on task %s", len(list), taskID)
	}
}

// WatcherCount returns the number of live watchers for a task.
func (h *BroadcastHub) WatcherCount(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers[taskID])
}
