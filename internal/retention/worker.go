// Package retention prunes old assembly snapshots on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	defaultSchedule = "0 3 * * *"
	defaultMaxAge   = 30 * 24 * time.Hour
)

// Pruner deletes snapshots older than the cutoff and reports how many
// rows went away. SnapshotStore.PruneOlderThan satisfies this.
type Pruner interface {
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

type WorkerConfig struct {
	Schedule string
	MaxAge   time.Duration
}

// Worker runs snapshot pruning at each cron fire.
type Worker struct {
	Pruner   Pruner
	Config   WorkerConfig
	Now      func() time.Time
	Logf     func(string, ...any)
	schedule cron.Schedule
}

func NewWorker(pruner Pruner, cfg WorkerConfig) (*Worker, error) {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = defaultSchedule
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	parsed, err := parser.Parse(strings.TrimSpace(cfg.Schedule))
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule: %w", err)
	}

	return &Worker{
		Pruner: pruner,
		Config: cfg,
		Now: func() time.Time {
			return time.Now().UTC()
		},
		schedule: parsed,
	}, nil
}

// Start blocks until ctx is cancelled, pruning at each scheduled fire.
func (w *Worker) Start(ctx context.Context) {
	for {
		next := w.schedule.Next(w.now())
		if err := sleepUntil(ctx, next); err != nil {
			return
		}
		if _, err := w.RunOnce(ctx); err != nil && w.Logf != nil {
			w.Logf("snapshot retention run failed: %v", err)
		}
	}
}

// RunOnce prunes snapshots older than MaxAge and returns the count removed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if w == nil || w.Pruner == nil {
		return 0, fmt.Errorf("retention worker is not configured")
	}

	cutoff := w.now().Add(-w.Config.MaxAge)
	deleted, err := w.Pruner.PruneOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	if deleted > 0 && w.Logf != nil {
		w.Logf("pruned %d assembly snapshots older than %s", deleted, cutoff.Format(time.RFC3339))
	}
	return deleted, nil
}

func (w *Worker) now() time.Time {
	if w.Now == nil {
		return time.Now().UTC()
	}
	return w.Now().UTC()
}

func sleepUntil(ctx context.Context, t time.Time) error {
	delay := time.Until(t)
	if delay <= 0 {
		delay = time.Second
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
