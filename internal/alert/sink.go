package alert

import (
	"context"
	"time"
)

// Alert is the payload handed to a sink when a threshold breach is detected.
// The facade guarantees exactly one delivery attempt per breach detection;
// delivery guarantees past that point belong to the sink.
type Alert struct {
	AlertID     string            `json:"alert_id"`
	AlertType   string            `json:"alert_type"`
	EntityKey   string            `json:"entity_key"`
	EntityValue string            `json:"entity_value"`
	Context     map[string]string `json:"context"`
	TriggeredAt time.Time         `json:"triggered_at"`
}

// Sink receives breach alerts. Implementations must not block past the
// caller's context.
type Sink interface {
	Notify(ctx context.Context, alert *Alert) error
}
