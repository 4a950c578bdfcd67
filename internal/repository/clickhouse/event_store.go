package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"threat-monitor/internal/bucketing"
	"threat-monitor/internal/client"
	"threat-monitor/internal/models"
	"threat-monitor/internal/util"
)

// EventStore is the persistence contract for immutable security events.
type EventStore interface {
	Append(ctx context.Context, event *models.SecurityEvent) (string, error)
	AppendBatch(ctx context.Context, events []*models.SecurityEvent) error
	CountSince(ctx context.Context, entityKey string, since time.Time) (int64, error)
	CountAllSince(ctx context.Context, since time.Time) (int64, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

const createEventsTable = `
CREATE TABLE IF NOT EXISTS security_events (
    event_id     UUID,
    event_bucket UInt16,
    entity_key   String,
    event_type   LowCardinality(String),
    severity     LowCardinality(String),
    user_id      String,
    ip_address   String,
    risk_score   Int64,
    details      Map(String, String),
    event_time   DateTime64(3, 'UTC')
) ENGINE = MergeTree
PARTITION BY toYYYYMMDD(event_time)
ORDER BY (entity_key, event_time)`

const insertEvent = `
INSERT INTO security_events
    (event_id, event_bucket, entity_key, event_type, severity,
     user_id, ip_address, risk_score, details, event_time)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

type SecurityEventStore struct {
	client    *client.ClickHouseClient
	bucketing *bucketing.BucketingManager
}

func NewSecurityEventStore(chClient *client.ClickHouseClient, bucketingMgr *bucketing.BucketingManager, logger *zap.Logger) *SecurityEventStore {
	return &SecurityEventStore{
		client:    chClient,
		bucketing: bucketingMgr,
	}
}

// EnsureSchema creates the events table when it does not exist yet.
func (s *SecurityEventStore) EnsureSchema(ctx context.Context) error {
	if err := s.client.Exec(ctx, createEventsTable); err != nil {
		return fmt.Errorf("failed to create security_events table: %w", err)
	}
	return nil
}

// Append inserts one immutable event row and returns its id. Events are never
// deduplicated: a duplicate is a meaningful signal, not an error.
func (s *SecurityEventStore) Append(ctx context.Context, event *models.SecurityEvent) (string, error) {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.EventTime.IsZero() {
		event.EventTime = time.Now().UTC()
	}
	event.EventBucket = s.bucketing.EventBucket(event.EntityKey)

	err := s.client.Exec(ctx, insertEvent,
		event.EventID, uint16(event.EventBucket), event.EntityKey,
		event.EventType, event.Severity, event.UserID, event.IPAddress,
		event.RiskScore, boundedDetails(event.Details), event.EventTime)
	if err != nil {
		util.Error("Failed to append security event",
			zap.String("entity_key", event.EntityKey),
			zap.String("event_type", event.EventType),
			zap.Error(err))
		return "", fmt.Errorf("failed to append security event: %w", err)
	}

	util.Debug("Security event appended",
		zap.String("event_id", event.EventID),
		zap.String("entity_key", event.EntityKey),
		zap.String("event_type", event.EventType))

	return event.EventID, nil
}

// AppendBatch inserts a burst of events in one batch, used by the intake
// endpoint when producers deliver arrays.
func (s *SecurityEventStore) AppendBatch(ctx context.Context, events []*models.SecurityEvent) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([][]interface{}, 0, len(events))
	for _, event := range events {
		if event.EventID == "" {
			event.EventID = uuid.New().String()
		}
		if event.EventTime.IsZero() {
			event.EventTime = time.Now().UTC()
		}
		event.EventBucket = s.bucketing.EventBucket(event.EntityKey)
		rows = append(rows, []interface{}{
			event.EventID, uint16(event.EventBucket), event.EntityKey,
			event.EventType, event.Severity, event.UserID, event.IPAddress,
			event.RiskScore, boundedDetails(event.Details), event.EventTime,
		})
	}

	if err := s.client.BatchInsert(ctx, "INSERT INTO security_events", rows); err != nil {
		util.Error("Failed to batch insert security events",
			zap.Int("event_count", len(events)),
			zap.Error(err))
		return fmt.Errorf("failed to batch insert security events: %w", err)
	}

	return nil
}

// CountSince returns the number of events for entityKey strictly newer than
// since. Single statement, so the answer is never stale across committed
// writes beyond one transaction boundary.
func (s *SecurityEventStore) CountSince(ctx context.Context, entityKey string, since time.Time) (int64, error) {
	var count uint64
	row := s.client.QueryRow(ctx,
		"SELECT count() FROM security_events WHERE entity_key = ? AND event_time > ?",
		entityKey, since)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events for %s: %w", entityKey, err)
	}
	return int64(count), nil
}

// CountAllSince returns the total event count newer than since, for stats.
func (s *SecurityEventStore) CountAllSince(ctx context.Context, since time.Time) (int64, error) {
	var count uint64
	row := s.client.QueryRow(ctx,
		"SELECT count() FROM security_events WHERE event_time > ?", since)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return int64(count), nil
}

// PurgeBefore removes events older than cutoff and returns how many rows were
// removed. Uses a lightweight delete so subsequent reads stop seeing the rows
// immediately, which keeps a double-run of the sweeper at zero effect.
func (s *SecurityEventStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var count uint64
	row := s.client.QueryRow(ctx,
		"SELECT count() FROM security_events WHERE event_time < ?", cutoff)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count purgeable events: %w", err)
	}

	if count == 0 {
		return 0, nil
	}

	if err := s.client.Exec(ctx,
		"DELETE FROM security_events WHERE event_time < ?", cutoff); err != nil {
		return 0, fmt.Errorf("failed to purge events before %s: %w", cutoff, err)
	}

	util.Info("Purged old security events",
		zap.Int64("deleted_events", int64(count)),
		zap.Time("cutoff", cutoff))

	return int64(count), nil
}

// boundedDetails enforces the cap on the free-form details map; producers'
// event shapes vary and must not grow a row without bound.
func boundedDetails(details map[string]string) map[string]string {
	if details == nil {
		return map[string]string{}
	}
	if len(details) <= models.MaxDetailEntries {
		return details
	}
	bounded := make(map[string]string, models.MaxDetailEntries)
	for k, v := range details {
		bounded[k] = v
		if len(bounded) == models.MaxDetailEntries {
			break
		}
	}
	return bounded
}
