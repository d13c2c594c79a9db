package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"relay/internal/logging"
	"relay/internal/server/ports"
)

// Webhook event names.
const (
	WebhookTaskDone  = "task.done"
	WebhookTaskError = "task.error"
)

// ArtifactLinks carries the fetch URLs included in webhook payloads.
type ArtifactLinks struct {
	JSON string `json:"json"`
	Zip  string `json:"zip"`
}

// TaskSummary is the compact task description embedded in webhook payloads.
type TaskSummary struct {
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	RunnerPluginID string     `json:"runnerPluginId,omitempty"`
	LogCount       int        `json:"logCount"`
}

// WebhookEvent is the JSON payload delivered to the configured webhook URL
// on every terminal task transition.
type WebhookEvent struct {
	Event        string           `json:"event"`
	TaskID       string           `json:"taskId"`
	Status       ports.TaskStatus `json:"status"`
	Artifact     *ArtifactLinks   `json:"artifact,omitempty"`
	Summary      *TaskSummary     `json:"summary,omitempty"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
}

// WebhookDispatcherConfig tunes delivery behavior.
type WebhookDispatcherConfig struct {
	URL         string
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	QueueSize   int
}

// WebhookDispatcher delivers terminal-state events to an external URL in
// the background. A single worker drains the queue, so attempts for the
// same task are strictly ordered and never run in parallel. Delivery is
// best-effort: exhausting retries is logged and counted but never surfaces
// to the API caller that triggered the event.
type WebhookDispatcher struct {
	cfg    WebhookDispatcherConfig
	client *http.Client
	logger logging.Logger

	mu     sync.Mutex
	queue  chan WebhookEvent
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebhookDispatcher creates a dispatcher. An empty URL yields a disabled
// dispatcher whose Enqueue is a no-op.
func NewWebhookDispatcher(cfg WebhookDispatcherConfig, logger logging.Logger) *WebhookDispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WebhookDispatcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logging.OrNop(logger),
		queue:  make(chan WebhookEvent, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enabled reports whether a webhook URL is configured.
func (d *WebhookDispatcher) Enabled() bool {
	return d.cfg.URL != ""
}

// Start launches the delivery worker.
func (d *WebhookDispatcher) Start() {
	if !d.Enabled() {
		return
	}
	d.wg.Add(1)
	go d.run()
}

func (d *WebhookDispatcher) run() {
	defer d.wg.Done()
	for event := range d.queue {
		d.deliver(event)
	}
}

// Enqueue schedules a delivery without blocking the caller. A full queue
// drops the event with a log line; webhook delivery never backpressures
// the request path.
func (d *WebhookDispatcher) Enqueue(event WebhookEvent) {
	if !d.Enabled() {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	select {
	case d.queue <- event:
	default:
		d.logger.Warn("Webhook queue full, dropping %s for task %s", event.Event, event.TaskID)
	}
}

// deliver posts the event, retrying with a constant inter-attempt delay up
// to the configured attempt cap.
func (d *WebhookDispatcher) deliver(event WebhookEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("Webhook payload marshal failed for task %s: %v", event.TaskID, err)
		return
	}

	attempt := 0
	operation := func() error {
		attempt++
		metricWebhookAttempts.Inc()
		if err := d.post(payload); err != nil {
			d.logger.Warn("Webhook attempt %d/%d for task %s failed: %v", attempt, d.cfg.MaxAttempts, event.TaskID, err)
			return err
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(d.cfg.RetryDelay), uint64(d.cfg.MaxAttempts-1)),
		d.ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		metricWebhookExhausted.Inc()
		d.logger.Error("Webhook delivery exhausted after %d attempt(s) for task %s (%s): %v", attempt, event.TaskID, event.Event, err)
		return
	}
	d.logger.Info("Webhook %s delivered for task %s (attempt %d)", event.Event, event.TaskID, attempt)
}

func (d *WebhookDispatcher) post(payload []byte) error {
	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded with status %d", resp.StatusCode)
	}
	return nil
}

// Close stops accepting events and waits for the queue to drain, up to the
// context deadline. After the deadline, in-flight retries are cancelled.
func (d *WebhookDispatcher) Close(ctx context.Context) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.cancel()
		<-done
	}
	d.cancel()
}
