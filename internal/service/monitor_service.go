package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"threat-monitor/internal/alert"
	"threat-monitor/internal/config"
	"threat-monitor/internal/entity"
	"threat-monitor/internal/models"
	"threat-monitor/internal/repository/clickhouse"
	redisrepo "threat-monitor/internal/repository/redis"
	"threat-monitor/internal/repository/scylla"
	"threat-monitor/internal/util"
)

// AlertTypeThresholdBreach labels alerts raised when an entity's windowed
// event count crosses the configured threshold.
const AlertTypeThresholdBreach = "threshold_breach"

// Breach describes one threshold crossing detected while tracking an event.
type Breach struct {
	EntityKey   string `json:"entity_key"`
	EntityValue string `json:"entity_value"`
	Count       int64  `json:"count"`
	Threshold   int64  `json:"threshold"`
	AlertSent   bool   `json:"alert_sent"`
	NewScore    int64  `json:"new_score,omitempty"`
}

// TrackResult reports what happened to a tracked event.
type TrackResult struct {
	EventIDs []string  `json:"event_ids"`
	Breaches []*Breach `json:"breaches,omitempty"`
}

// MonitoringStats is a best-effort read-only snapshot. It is never
// load-bearing for a block or allow decision; failed reads degrade to zero
// with a logged warning.
type MonitoringStats struct {
	EventsLast24h int64     `json:"events_last_24h"`
	ActiveBlocks  int64     `json:"active_blocks"`
	TrackedScores int64     `json:"tracked_scores"`
	GeneratedAt   time.Time `json:"generated_at"`
	Degraded      bool      `json:"degraded,omitempty"`
}

// MonitorService is the sole entry point for collaborators. Instances hold no
// entity state; any number of them run concurrently against the same stores.
type MonitorService struct {
	events     clickhouse.EventStore
	blocks     scylla.BlockRepository
	scores     scylla.ScoreRepository
	blockCache redisrepo.BlockStatusCache
	evaluator  *ThresholdEvaluator
	sweeper    *Sweeper
	sink       alert.Sink
	cfg        config.MonitoringConfig
	logger     *zap.Logger

	// collapses concurrent durable block lookups for the same entity on a
	// cache miss
	blockGroup singleflight.Group

	nowFn func() time.Time
}

func NewMonitorService(
	events clickhouse.EventStore,
	blocks scylla.BlockRepository,
	scores scylla.ScoreRepository,
	blockCache redisrepo.BlockStatusCache,
	evaluator *ThresholdEvaluator,
	sweeper *Sweeper,
	sink alert.Sink,
	cfg config.MonitoringConfig,
	logger *zap.Logger,
) *MonitorService {
	return &MonitorService{
		events:     events,
		blocks:     blocks,
		scores:     scores,
		blockCache: blockCache,
		evaluator:  evaluator,
		sweeper:    sweeper,
		sink:       sink,
		cfg:        cfg,
		logger:     logger,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// withRetry runs a store write with bounded backoff. Each attempt gets its
// own timeout derived from the caller's context so upstream cancellation
// aborts the whole loop. Exhaustion escalates as ErrStoreUnavailable.
func (s *MonitorService) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= s.cfg.WriteRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s aborted: %w", op, ctx.Err())
			case <-time.After(time.Duration(attempt) * s.cfg.RetryBackoff):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
		err = fn(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		util.Warn("Store write failed, will retry",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return fmt.Errorf("%s failed after %d attempts: %w (last error: %v)",
		op, s.cfg.WriteRetries+1, ErrStoreUnavailable, err)
}

type resolvedEntity struct {
	key        string
	entityType string
	value      string
}

// resolveEntities extracts every entity present on the event. IP and user
// are evaluated independently; an event may carry either or both.
func resolveEntities(event *models.SecurityEvent) ([]resolvedEntity, error) {
	var entities []resolvedEntity

	if event.IPAddress != "" {
		key, err := entity.ResolveIPKey(event.IPAddress)
		if err != nil {
			return nil, err
		}
		entities = append(entities, resolvedEntity{key: key, entityType: entity.TypeIP, value: event.IPAddress})
	}
	if event.UserID != "" {
		key, err := entity.ResolveUserKey(event.UserID)
		if err != nil {
			return nil, err
		}
		entities = append(entities, resolvedEntity{key: key, entityType: entity.TypeUser, value: event.UserID})
	}

	if len(entities) == 0 {
		return nil, &entity.ValidationError{Field: "entity", Value: "", Reason: "event carries neither ip_address nor user_id"}
	}
	return entities, nil
}

// TrackEvent persists the event, evaluates the threshold per resolved entity,
// and on breach makes exactly one alert attempt per breach detection and
// raises the entity's threat score by the event's risk contribution.
func (s *MonitorService) TrackEvent(ctx context.Context, event *models.SecurityEvent) (*TrackResult, error) {
	if event == nil || event.EventType == "" {
		return nil, &entity.ValidationError{Field: "event_type", Value: "", Reason: "empty"}
	}

	entities, err := resolveEntities(event)
	if err != nil {
		return nil, err
	}

	if event.EventTime.IsZero() {
		event.EventTime = s.nowFn()
	}

	result := &TrackResult{}
	for _, ent := range entities {
		row := *event
		row.EntityKey = ent.key
		row.EventID = ""

		// a security event is never silently dropped
		var eventID string
		err := s.withRetry(ctx, "event append", func(c context.Context) error {
			id, appendErr := s.events.Append(c, &row)
			eventID = id
			return appendErr
		})
		if err != nil {
			return nil, err
		}
		result.EventIDs = append(result.EventIDs, eventID)

		eval, err := s.evaluator.Evaluate(ctx, ent.key, row.EventTime)
		if err != nil {
			return nil, fmt.Errorf("breach evaluation for %s: %w", ent.key, err)
		}
		if !eval.Breached {
			continue
		}

		breach := &Breach{
			EntityKey:   ent.key,
			EntityValue: ent.value,
			Count:       eval.Count,
			Threshold:   eval.Threshold,
		}

		a := &alert.Alert{
			AlertID:     uuid.New().String(),
			AlertType:   AlertTypeThresholdBreach,
			EntityKey:   ent.key,
			EntityValue: ent.value,
			Context: map[string]string{
				"event_type":   event.EventType,
				"severity":     event.Severity,
				"event_count":  fmt.Sprintf("%d", eval.Count),
				"threshold":    fmt.Sprintf("%d", eval.Threshold),
				"window_start": eval.WindowStart.Format(time.RFC3339),
			},
			TriggeredAt: s.nowFn(),
		}

		// one notification attempt per breach detection; delivery guarantees
		// past this point belong to the sink
		if notifyErr := s.sink.Notify(ctx, a); notifyErr != nil {
			util.Error("Alert notification failed",
				zap.String("alert_id", a.AlertID),
				zap.String("entity_key", ent.key),
				zap.Error(notifyErr))
		} else {
			breach.AlertSent = true
		}

		if event.RiskScore > 0 {
			var newScore int64
			err := s.withRetry(ctx, "score increment", func(c context.Context) error {
				score, incErr := s.scores.Increment(c, ent.key, ent.entityType, ent.value, event.RiskScore)
				newScore = score
				return incErr
			})
			if err != nil {
				return nil, err
			}
			breach.NewScore = newScore
		}

		result.Breaches = append(result.Breaches, breach)

		util.Warn("Threshold breach detected",
			zap.String("entity_key", ent.key),
			zap.Int64("count", eval.Count),
			zap.Int64("threshold", eval.Threshold),
			zap.Bool("alert_sent", breach.AlertSent))
	}

	return result, nil
}

// GetThreatScore returns the entity's current score, 0 when untracked.
func (s *MonitorService) GetThreatScore(ctx context.Context, entityValue, entityType string) (int64, error) {
	key, err := entity.ResolveKey(entityType, entityValue)
	if err != nil {
		return 0, err
	}
	return s.scores.Get(ctx, key)
}

// BlockIP places a temporary deny decision on an IP. A ttl of zero or less
// blocks indefinitely.
func (s *MonitorService) BlockIP(ctx context.Context, ip, reason, blockedBy string, ttl time.Duration) error {
	key, err := entity.ResolveIPKey(ip)
	if err != nil {
		return err
	}
	return s.blockEntity(ctx, key, entity.TypeIP, ip, reason, blockedBy, ttl)
}

// BlockUser places a temporary deny decision on a user account.
func (s *MonitorService) BlockUser(ctx context.Context, userID, reason, blockedBy string, ttl time.Duration) error {
	key, err := entity.ResolveUserKey(userID)
	if err != nil {
		return err
	}
	return s.blockEntity(ctx, key, entity.TypeUser, userID, reason, blockedBy, ttl)
}

func (s *MonitorService) blockEntity(ctx context.Context, key, entityType, value, reason, blockedBy string, ttl time.Duration) error {
	now := s.nowFn()
	block := &models.BlockedEntity{
		EntityKey:   key,
		EntityType:  entityType,
		EntityValue: value,
		Reason:      reason,
		BlockedBy:   blockedBy,
		IsActive:    true,
		BlockedAt:   now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		block.ExpiresAt = &expires
	}

	// An unconfirmed block is a security gap: exhausted retries escalate as a
	// hard error, never a warning.
	if err := s.withRetry(ctx, "block write", func(c context.Context) error {
		return s.blocks.Upsert(c, block)
	}); err != nil {
		return err
	}

	if cacheErr := s.blockCache.SetStatus(ctx, key, true); cacheErr != nil {
		// the durable row is authoritative; a failed cache write only costs
		// one cache-miss lookup
		util.Warn("Failed to warm block status cache",
			zap.String("entity_key", key),
			zap.Error(cacheErr))
	}

	return nil
}

// Unblock lifts a block. The row is kept inactive for audit until the
// sweeper purges it.
func (s *MonitorService) Unblock(ctx context.Context, entityValue, entityType string) error {
	key, err := entity.ResolveKey(entityType, entityValue)
	if err != nil {
		return err
	}

	if err := s.withRetry(ctx, "unblock write", func(c context.Context) error {
		return s.blocks.Deactivate(c, key)
	}); err != nil {
		return err
	}

	if cacheErr := s.blockCache.Invalidate(ctx, key); cacheErr != nil {
		util.Warn("Failed to invalidate block status cache",
			zap.String("entity_key", key),
			zap.Error(cacheErr))
	}

	return nil
}

// IsBlocked is the latency-optimized check. Answers may lag the durable
// store by at most the cache TTL; a cache failure falls through to the store
// rather than failing open. When neither source can answer, the error is
// ErrBlockStatusUnknown and the boolean is meaningless.
func (s *MonitorService) IsBlocked(ctx context.Context, entityValue, entityType string) (bool, error) {
	key, err := entity.ResolveKey(entityType, entityValue)
	if err != nil {
		return false, err
	}

	if blocked, found, cacheErr := s.blockCache.GetStatus(ctx, key); cacheErr == nil && found {
		return blocked, nil
	}

	// miss or cache failure: consult the durable store, collapsing
	// concurrent lookups for the same key
	v, err, _ := s.blockGroup.Do(key, func() (interface{}, error) {
		blocked, lookupErr := s.isBlockedDurable(ctx, key)
		if lookupErr != nil {
			return false, lookupErr
		}
		if cacheErr := s.blockCache.SetStatus(ctx, key, blocked); cacheErr != nil {
			util.Warn("Failed to cache block status",
				zap.String("entity_key", key),
				zap.Error(cacheErr))
		}
		return blocked, nil
	})
	if err != nil {
		util.Error("Block status unavailable from cache and store",
			zap.String("entity_key", key),
			zap.Error(err))
		return false, fmt.Errorf("%w for %s: %v", ErrBlockStatusUnknown, key, err)
	}

	return v.(bool), nil
}

// IsBlockedConsistent always reads the durable store, skipping the cache.
func (s *MonitorService) IsBlockedConsistent(ctx context.Context, entityValue, entityType string) (bool, error) {
	key, err := entity.ResolveKey(entityType, entityValue)
	if err != nil {
		return false, err
	}

	blocked, err := s.isBlockedDurable(ctx, key)
	if err != nil {
		return false, fmt.Errorf("%w for %s: %v", ErrBlockStatusUnknown, key, err)
	}
	return blocked, nil
}

func (s *MonitorService) isBlockedDurable(ctx context.Context, key string) (bool, error) {
	block, err := s.blocks.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return block.Effective(s.nowFn()), nil
}

// GetMonitoringStats gathers a best-effort snapshot concurrently. Individual
// read failures degrade that figure to zero with a warning; the snapshot is
// never used for block decisions.
func (s *MonitorService) GetMonitoringStats(ctx context.Context) *MonitoringStats {
	now := s.nowFn()
	stats := &MonitoringStats{GeneratedAt: now}

	// each goroutine owns one stats field; the shared degraded flag is atomic
	var degraded atomic.Bool
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		count, err := s.events.CountAllSince(gctx, now.Add(-24*time.Hour))
		if err != nil {
			util.Warn("Stats: event count unavailable", zap.Error(err))
			degraded.Store(true)
			return nil
		}
		stats.EventsLast24h = count
		return nil
	})
	g.Go(func() error {
		count, err := s.blocks.CountActive(gctx, now)
		if err != nil {
			util.Warn("Stats: active block count unavailable", zap.Error(err))
			degraded.Store(true)
			return nil
		}
		stats.ActiveBlocks = count
		return nil
	})
	g.Go(func() error {
		count, err := s.scores.Count(gctx)
		if err != nil {
			util.Warn("Stats: score count unavailable", zap.Error(err))
			degraded.Store(true)
			return nil
		}
		stats.TrackedScores = count
		return nil
	})

	_ = g.Wait()
	stats.Degraded = degraded.Load()
	return stats
}

// ImportEvents bulk-appends historical events without breach evaluation.
// Used for backfill and replay, where alerting on old activity would be
// noise. Validation still applies: malformed identifiers reject the batch.
func (s *MonitorService) ImportEvents(ctx context.Context, events []*models.SecurityEvent) (int, error) {
	rows := make([]*models.SecurityEvent, 0, len(events))
	for _, event := range events {
		if event == nil || event.EventType == "" {
			return 0, &entity.ValidationError{Field: "event_type", Value: "", Reason: "empty"}
		}
		entities, err := resolveEntities(event)
		if err != nil {
			return 0, err
		}
		if event.EventTime.IsZero() {
			event.EventTime = s.nowFn()
		}
		for _, ent := range entities {
			row := *event
			row.EntityKey = ent.key
			row.EventID = ""
			rows = append(rows, &row)
		}
	}

	if err := s.withRetry(ctx, "event import", func(c context.Context) error {
		return s.events.AppendBatch(c, rows)
	}); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// CleanupOldData delegates to the sweeper. Intended to be called by an
// external scheduler on a fixed interval; safe to invoke concurrently.
func (s *MonitorService) CleanupOldData(ctx context.Context, retentionHours int) (*CleanupSummary, error) {
	return s.sweeper.Run(ctx, retentionHours)
}
