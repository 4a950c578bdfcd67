package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"threat-monitor/internal/bucketing"
	"threat-monitor/internal/client"
)

// ESSink indexes breach alerts into Elasticsearch for audit and search, one
// index per UTC day so retention can drop whole indices.
type ESSink struct {
	es      *client.ESClient
	index   string
	buckets *bucketing.BucketingManager
}

func NewESSink(es *client.ESClient, index string, buckets *bucketing.BucketingManager) *ESSink {
	return &ESSink{es: es, index: index, buckets: buckets}
}

func (s *ESSink) Notify(ctx context.Context, a *Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	index := fmt.Sprintf("%s-%s", s.index, s.buckets.DateBucket(a.TriggeredAt))
	if err := s.es.IndexDocument(ctx, index, a.AlertID, payload); err != nil {
		return fmt.Errorf("failed to index alert %s: %w", a.AlertID, err)
	}
	return nil
}
