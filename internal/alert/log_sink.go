package alert

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes alerts to the structured log. Default sink in development
// and the fallback when no broker is configured.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(ctx context.Context, a *Alert) error {
	s.logger.Warn("SECURITY ALERT",
		zap.String("alert_id", a.AlertID),
		zap.String("alert_type", a.AlertType),
		zap.String("entity_key", a.EntityKey),
		zap.String("entity_value", a.EntityValue),
		zap.Any("context", a.Context),
		zap.Time("triggered_at", a.TriggeredAt))
	return nil
}
