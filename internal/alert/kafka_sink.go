package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"threat-monitor/internal/client"
	"threat-monitor/internal/util"
)

// KafkaSink publishes one message per breach to the alert topic, keyed by
// entity so per-entity ordering is preserved across partitions.
type KafkaSink struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaSink(producer *client.KafkaProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Notify(ctx context.Context, a *Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	headers := map[string]string{
		"alert_type": a.AlertType,
	}

	if err := s.producer.ProduceMessage(ctx, s.topic, []byte(a.EntityKey), payload, headers); err != nil {
		return fmt.Errorf("failed to publish alert for %s: %w", a.EntityKey, err)
	}

	util.Debug("Alert published to Kafka",
		zap.String("alert_id", a.AlertID),
		zap.String("entity_key", a.EntityKey),
		zap.String("alert_type", a.AlertType))

	return nil
}
