package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"relay/internal/logging"
	"relay/internal/server/ports"
	"relay/internal/storage"
)

// SweeperConfig bounds artifact storage growth. Zero MaxArtifacts or
// TTLDays disables the corresponding policy.
type SweeperConfig struct {
	MaxArtifacts int
	TTLDays      int
	CronSpec     string
	MinInterval  time.Duration
}

// Sweeper is the retention sweep: it evicts tasks whose artifacts violate
// the TTL or the count cap. Eviction deletes the blob, tombstones the task,
// drops its share tokens and force-closes its watchers. The sweep is
// idempotent and self-throttled; a forced run happens at process start
// before any artifact read is served.
type Sweeper struct {
	store  *TaskStore
	shares *storage.ShareStore
	hub    *BroadcastHub
	cfg    SweeperConfig
	logger logging.Logger

	cron  *cron.Cron
	dirty atomic.Bool

	mu      sync.Mutex
	lastRun time.Time

	// nowFn is replaceable in tests.
	nowFn func() time.Time
}

// NewSweeper creates a retention sweeper.
func NewSweeper(store *TaskStore, shares *storage.ShareStore, hub *BroadcastHub, cfg SweeperConfig, logger logging.Logger) *Sweeper {
	if cfg.CronSpec == "" {
		cfg.CronSpec = "@every 5m"
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Minute
	}
	return &Sweeper{
		store:  store,
		shares: shares,
		hub:    hub,
		cfg:    cfg,
		logger: logging.OrNop(logger),
		nowFn:  time.Now,
	}
}

// MarkDirty flags that a write happened since the last run, lifting the
// min-interval throttle for the next scheduled sweep.
func (s *Sweeper) MarkDirty() {
	s.dirty.Store(true)
}

// Enabled reports whether any retention policy is active.
func (s *Sweeper) Enabled() bool {
	return s.cfg.MaxArtifacts > 0 || s.cfg.TTLDays > 0
}

// Run executes one sweep. Unforced runs are skipped while the store is
// clean and the min interval has not elapsed. Returns the number of
// evicted tasks.
func (s *Sweeper) Run(ctx context.Context, force bool) (int, error) {
	if !s.Enabled() {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	if !force && !s.dirty.Load() && now.Sub(s.lastRun) < s.cfg.MinInterval {
		return 0, nil
	}

	victims := s.selectVictims(ctx, now)

	evicted := 0
	for _, task := range victims {
		if err := s.evict(ctx, task); err != nil {
			s.logger.Warn("Retention eviction failed for task %s: %v", task.ID, err)
			continue
		}
		evicted++
	}

	s.lastRun = now
	s.dirty.Store(false)
	if evicted > 0 {
		s.logger.Info("Retention sweep evicted %d task(s)", evicted)
	}
	return evicted, nil
}

// selectVictims applies the TTL policy unconditionally, then the count cap
// to the remainder, oldest first.
func (s *Sweeper) selectVictims(ctx context.Context, now time.Time) []*ports.Task {
	candidates := s.store.ArtifactTasks(ctx) // ascending createdAt

	victims := make([]*ports.Task, 0)
	survivors := make([]*ports.Task, 0, len(candidates))

	if s.cfg.TTLDays > 0 {
		cutoff := now.Add(-time.Duration(s.cfg.TTLDays) * 24 * time.Hour)
		for _, task := range candidates {
			if task.CreatedAt.Before(cutoff) {
				victims = append(victims, task)
			} else {
				survivors = append(survivors, task)
			}
		}
	} else {
		survivors = candidates
	}

	if s.cfg.MaxArtifacts > 0 && len(survivors) > s.cfg.MaxArtifacts {
		overflow := len(survivors) - s.cfg.MaxArtifacts
		victims = append(victims, survivors[:overflow]...)
	}
	return victims
}

func (s *Sweeper) evict(ctx context.Context, task *ports.Task) error {
	if err := s.store.Blobs().Delete(task.ID); err != nil {
		return fmt.Errorf("delete artifact blob: %w", err)
	}
	if err := s.store.Tombstone(ctx, task.ID); err != nil {
		return fmt.Errorf("tombstone task: %w", err)
	}
	if s.shares != nil {
		if err := s.shares.DeleteForTask(task.ID); err != nil {
			s.logger.Warn("Failed to drop share tokens for evicted task %s: %v", task.ID, err)
		}
	}
	if s.hub != nil {
		s.hub.CloseTask(task.ID)
	}
	metricSweepEvictions.Inc()
	s.logger.Info("Evicted task %s (created %s)", task.ID, task.CreatedAt.Format(time.RFC3339))
	return nil
}

// Start schedules periodic sweeps. Overlapping runs are skipped rather
// than queued.
func (s *Sweeper) Start() error {
	if !s.Enabled() {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(s.cfg.CronSpec, func() {
		if _, err := s.Run(context.Background(), false); err != nil {
			s.logger.Error("Scheduled retention sweep failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("register retention schedule %q: %w", s.cfg.CronSpec, err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("Retention sweep scheduled (%s)", s.cfg.CronSpec)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}
