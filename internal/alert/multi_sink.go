package alert

import (
	"context"

	"go.uber.org/zap"

	"threat-monitor/internal/util"
)

// MultiSink fans one alert out to several sinks. Every sink gets its single
// attempt even when an earlier one fails; the first error is returned.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Notify(ctx context.Context, a *Alert) error {
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.Notify(ctx, a); err != nil {
			util.Error("Alert sink delivery failed",
				zap.String("alert_id", a.AlertID),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
