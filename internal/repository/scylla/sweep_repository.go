package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"threat-monitor/internal/util"
)

const decayStateRow = "decay"

// SweepRepository coordinates decay between uncoordinated sweepers. A single
// conditional row records the last decay instant; whichever sweeper wins the
// compare-and-set owns that interval and the losers skip, so concurrent or
// rapid-fire sweeps decay at most once per elapsed period.
type SweepRepository interface {
	ClaimDecayUnits(ctx context.Context, now time.Time, unit time.Duration) (int64, error)
}

const (
	getSweepStateStmt    = `SELECT last_decay_at FROM sweep_state WHERE name = ?`
	initSweepStateStmt   = `INSERT INTO sweep_state (name, last_decay_at) VALUES (?, ?) IF NOT EXISTS`
	updateSweepStateStmt = `UPDATE sweep_state SET last_decay_at = ? WHERE name = ? IF last_decay_at = ?`
)

type sweepRepository struct {
	client *ScyllaClient
}

func NewSweepRepository(client *ScyllaClient, logger *zap.Logger) SweepRepository {
	return &sweepRepository{client: client}
}

// ClaimDecayUnits claims the whole decay units elapsed since the last claim
// and returns how many this caller won. last_decay_at advances only by the
// claimed units, never all the way to now, so the sub-unit remainder keeps
// accruing toward the next claim whatever the sweep cadence. A first-ever
// call initializes the state with nothing owed.
func (r *sweepRepository) ClaimDecayUnits(ctx context.Context, now time.Time, unit time.Duration) (int64, error) {
	if unit <= 0 {
		return 0, nil
	}

	var last time.Time
	q := r.client.Query(ctx, getSweepStateStmt, decayStateRow)
	err := r.client.ScanWithRetry(q, &last)

	if err == gocql.ErrNotFound {
		iq := r.client.Query(ctx, initSweepStateStmt, decayStateRow, now)
		prev := map[string]interface{}{}
		if _, err := iq.MapScanCAS(prev); err != nil {
			return 0, fmt.Errorf("failed to init sweep state: %w", err)
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read sweep state: %w", err)
	}

	units := int64(now.Sub(last) / unit)
	if units <= 0 {
		return 0, nil
	}

	claimedUntil := last.Add(time.Duration(units) * unit)
	var observed time.Time
	uq := r.client.Query(ctx, updateSweepStateStmt, claimedUntil, decayStateRow, last)
	applied, err := uq.ScanCAS(&observed)
	if err != nil {
		return 0, fmt.Errorf("failed to claim decay units: %w", err)
	}
	if !applied {
		util.Debug("Decay units claimed by a concurrent sweeper")
		return 0, nil
	}

	return units, nil
}
