package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"threat-monitor/internal/config"
	"threat-monitor/internal/repository/clickhouse"
	redisrepo "threat-monitor/internal/repository/redis"
	"threat-monitor/internal/repository/scylla"
	"threat-monitor/internal/util"
)

// CleanupSummary reports what one sweep removed or changed.
type CleanupSummary struct {
	DeletedEvents int64 `json:"deleted_events"`
	ExpiredBlocks int64 `json:"expired_blocks"`
	DecayedScores int64 `json:"decayed_scores"`
	CleanedScores int64 `json:"cleaned_scores"`
}

// Sweeper is the periodic retention/decay batch. It is triggered externally
// (scheduler, cron, admin endpoint), never by an internal timer, and every
// step is idempotent or bounded under double invocation: multiple schedulers
// may fire it concurrently with no coordination.
type Sweeper struct {
	events     clickhouse.EventStore
	blocks     scylla.BlockRepository
	scores     scylla.ScoreRepository
	sweeps     scylla.SweepRepository
	blockCache redisrepo.BlockStatusCache
	cfg        config.MonitoringConfig

	nowFn func() time.Time
}

func NewSweeper(
	events clickhouse.EventStore,
	blocks scylla.BlockRepository,
	scores scylla.ScoreRepository,
	sweeps scylla.SweepRepository,
	blockCache redisrepo.BlockStatusCache,
	cfg config.MonitoringConfig,
) *Sweeper {
	return &Sweeper{
		events:     events,
		blocks:     blocks,
		scores:     scores,
		sweeps:     sweeps,
		blockCache: blockCache,
		cfg:        cfg,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// Run executes one sweep. Steps are independent; a failing step is recorded
// and the remaining steps still run, so partial store outages never stop
// retention entirely.
func (w *Sweeper) Run(ctx context.Context, retentionHours int) (*CleanupSummary, error) {
	if retentionHours <= 0 {
		retentionHours = w.cfg.RetentionHours
	}

	now := w.nowFn()
	retention := time.Duration(retentionHours) * time.Hour
	summary := &CleanupSummary{}
	var errs []error

	// 1. purge events past the retention horizon
	deleted, err := w.events.PurgeBefore(ctx, now.Add(-retention))
	if err != nil {
		errs = append(errs, fmt.Errorf("event purge: %w", err))
	} else {
		summary.DeletedEvents = deleted
	}

	// 2. deactivate blocks past expiry plus grace, purge old audit rows
	expired, err := w.sweepBlocks(ctx, now, retention)
	if err != nil {
		errs = append(errs, fmt.Errorf("block sweep: %w", err))
	} else {
		summary.ExpiredBlocks = expired
	}

	// 3. time-proportional decay, at most once per elapsed interval across
	// all concurrent sweepers
	decayed, err := w.sweepDecay(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("score decay: %w", err))
	} else {
		summary.DecayedScores = decayed
	}

	// 4. drop score rows sitting at the floor and stale
	cleaned, err := w.scores.PurgeStale(ctx, w.cfg.ScoreFloor, now.Add(-w.cfg.ScoreStaleAfter))
	if err != nil {
		errs = append(errs, fmt.Errorf("score cleanup: %w", err))
	} else {
		summary.CleanedScores = cleaned
	}

	util.Info("Cleanup sweep finished",
		zap.Int64("deleted_events", summary.DeletedEvents),
		zap.Int64("expired_blocks", summary.ExpiredBlocks),
		zap.Int64("decayed_scores", summary.DecayedScores),
		zap.Int64("cleaned_scores", summary.CleanedScores),
		zap.Int("step_errors", len(errs)))

	return summary, errors.Join(errs...)
}

func (w *Sweeper) sweepBlocks(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	blocks, err := w.blocks.ListAll(ctx)
	if err != nil {
		return 0, err
	}

	purgeCutoff := now.Add(-retention)
	var swept int64
	for _, block := range blocks {
		if block.IsActive && block.ExpiresAt != nil && now.After(block.ExpiresAt.Add(w.cfg.BlockGracePeriod)) {
			if err := w.blocks.Deactivate(ctx, block.EntityKey); err != nil {
				util.Warn("Failed to deactivate expired block",
					zap.String("entity_key", block.EntityKey),
					zap.Error(err))
				continue
			}
			if cacheErr := w.blockCache.Invalidate(ctx, block.EntityKey); cacheErr != nil {
				util.Warn("Failed to invalidate block status cache",
					zap.String("entity_key", block.EntityKey),
					zap.Error(cacheErr))
			}
			swept++
			continue
		}

		// inactive audit rows are purged once their expiry (or block time,
		// for indefinite blocks) falls out of the retention window
		if !block.IsActive {
			ref := block.BlockedAt
			if block.ExpiresAt != nil {
				ref = *block.ExpiresAt
			}
			if ref.Before(purgeCutoff) {
				if err := w.blocks.Purge(ctx, block.EntityKey); err != nil {
					util.Warn("Failed to purge block audit row",
						zap.String("entity_key", block.EntityKey),
						zap.Error(err))
					continue
				}
				swept++
			}
		}
	}

	return swept, nil
}

// sweepDecay claims the whole decay units elapsed since the last decay and
// subtracts exactly that many points, so irregular or overlapping sweep
// schedules decay scores at the same long-run rate as a perfectly regular
// one. Unclaimed sub-unit time stays owed for the next sweep.
func (w *Sweeper) sweepDecay(ctx context.Context, now time.Time) (int64, error) {
	if w.cfg.DecayPerHour <= 0 {
		return 0, nil
	}

	// one decay unit is the time one score point takes to drain
	unit := time.Duration(int64(time.Hour) / w.cfg.DecayPerHour)

	units, err := w.sweeps.ClaimDecayUnits(ctx, now, unit)
	if err != nil {
		return 0, err
	}
	if units <= 0 {
		return 0, nil
	}

	return w.scores.DecayAll(ctx, units, w.cfg.ScoreFloor, now)
}
