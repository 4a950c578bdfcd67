package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"threat-monitor/internal/repository/clickhouse"
	"threat-monitor/internal/repository/scylla"
	"threat-monitor/internal/util"
)

// AlertThresholdName is the monitoring_thresholds row consulted on every
// evaluation. Operators edit the row to retune detection without a restart.
const AlertThresholdName = "alert_threshold"

// Evaluation is the outcome of one breach check.
type Evaluation struct {
	Breached    bool
	Count       int64
	Threshold   int64
	WindowStart time.Time
}

// ThresholdEvaluator decides breach from durable state only. It keeps no
// memory of prior decisions: every check recomputes the windowed count, which
// is what makes it correct across uncoordinated workers.
type ThresholdEvaluator struct {
	events           clickhouse.EventStore
	thresholds       scylla.ThresholdRepository
	defaultThreshold int64
	window           time.Duration
}

func NewThresholdEvaluator(
	events clickhouse.EventStore,
	thresholds scylla.ThresholdRepository,
	defaultThreshold int64,
	windowSeconds int,
) *ThresholdEvaluator {
	return &ThresholdEvaluator{
		events:           events,
		thresholds:       thresholds,
		defaultThreshold: defaultThreshold,
		window:           time.Duration(windowSeconds) * time.Second,
	}
}

// Evaluate checks whether the event at eventTime pushes entityKey over the
// alert threshold within the rolling window ending at eventTime.
func (e *ThresholdEvaluator) Evaluate(ctx context.Context, entityKey string, eventTime time.Time) (*Evaluation, error) {
	threshold, found, err := e.thresholds.GetActive(ctx, AlertThresholdName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve alert threshold: %w", err)
	}
	if !found {
		// No active row configured; the built-in default keeps behavior
		// predictable instead of failing open or closed.
		threshold = e.defaultThreshold
		util.Debug("No active alert threshold row, using default",
			zap.Int64("default", threshold))
	}

	windowStart := eventTime.Add(-e.window)
	count, err := e.events.CountSince(ctx, entityKey, windowStart)
	if err != nil {
		return nil, fmt.Errorf("failed to count events in window for %s: %w", entityKey, err)
	}

	return &Evaluation{
		Breached:    count >= threshold,
		Count:       count,
		Threshold:   threshold,
		WindowStart: windowStart,
	}, nil
}
