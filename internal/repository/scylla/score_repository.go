package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"threat-monitor/internal/models"
	"threat-monitor/internal/util"
)

// maxCASAttempts bounds the optimistic-concurrency retry loop on score
// merges. Contention on a single entity above this depth means the entity is
// under heavy attack and the caller will retry on the next event anyway.
const maxCASAttempts = 8

// ScoreRepository is the threat score ledger: a per-entity decaying integer
// accumulator. Every merge is a conditional write, never read-then-write,
// so concurrent workers cannot lose updates.
type ScoreRepository interface {
	Increment(ctx context.Context, entityKey, entityType, entityValue string, delta int64) (int64, error)
	Get(ctx context.Context, entityKey string) (int64, error)
	ListAll(ctx context.Context) ([]*models.ThreatScore, error)
	DecayAll(ctx context.Context, amount, floor int64, now time.Time) (int64, error)
	PurgeStale(ctx context.Context, floor int64, staleBefore time.Time) (int64, error)
	Count(ctx context.Context) (int64, error)
}

const (
	insertScoreStmt = `INSERT INTO threat_scores
        (entity_key, entity_type, entity_value, score, last_updated, details)
        VALUES (?, ?, ?, ?, ?, ?) IF NOT EXISTS`

	updateScoreStmt = `UPDATE threat_scores
        SET score = ?, last_updated = ?
        WHERE entity_key = ? IF score = ?`

	getScoreStmt = `SELECT score FROM threat_scores WHERE entity_key = ?`

	listScoresStmt = `SELECT entity_key, entity_type, entity_value, score, last_updated, details
        FROM threat_scores`

	deleteScoreIfStmt = `DELETE FROM threat_scores WHERE entity_key = ? IF score = ?`

	countScoresStmt = `SELECT count(*) FROM threat_scores`
)

type scoreRepository struct {
	client *ScyllaClient
}

func NewScoreRepository(client *ScyllaClient, logger *zap.Logger) ScoreRepository {
	return &scoreRepository{client: client}
}

// Increment atomically merges delta into the entity's score: create the row
// with score=delta when absent, otherwise add delta to the current value.
// Both paths are compare-and-set writes; on a lost race the loop re-reads the
// winner's value from the CAS response and retries.
func (r *scoreRepository) Increment(ctx context.Context, entityKey, entityType, entityValue string, delta int64) (int64, error) {
	now := time.Now().UTC()

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		q := r.client.Query(ctx, insertScoreStmt,
			entityKey, entityType, entityValue, delta, now, map[string]string{})

		prev := map[string]interface{}{}
		applied, err := q.MapScanCAS(prev)
		if err != nil {
			util.Error("Failed to insert threat score",
				zap.String("entity_key", entityKey),
				zap.Error(err))
			return 0, fmt.Errorf("failed to insert threat score for %s: %w", entityKey, err)
		}
		if applied {
			return delta, nil
		}

		current, ok := prev["score"].(int64)
		if !ok {
			return 0, fmt.Errorf("unexpected score type in CAS response for %s", entityKey)
		}

		next := current + delta
		if next < 0 {
			next = 0
		}

		var observed int64
		uq := r.client.Query(ctx, updateScoreStmt, next, now, entityKey, current)
		applied, err = uq.ScanCAS(&observed)
		if err != nil {
			util.Error("Failed to update threat score",
				zap.String("entity_key", entityKey),
				zap.Error(err))
			return 0, fmt.Errorf("failed to update threat score for %s: %w", entityKey, err)
		}
		if applied {
			util.Debug("Threat score incremented",
				zap.String("entity_key", entityKey),
				zap.Int64("delta", delta),
				zap.Int64("score", next))
			return next, nil
		}
		// lost the race, loop with the observed value
	}

	return 0, fmt.Errorf("threat score merge for %s exhausted %d attempts under contention", entityKey, maxCASAttempts)
}

// Get returns the current score, or 0 when the entity has no row.
func (r *scoreRepository) Get(ctx context.Context, entityKey string) (int64, error) {
	var score int64
	q := r.client.Query(ctx, getScoreStmt, entityKey)
	err := r.client.ScanWithRetry(q, &score)
	if err == gocql.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get threat score for %s: %w", entityKey, err)
	}
	return score, nil
}

func (r *scoreRepository) ListAll(ctx context.Context) ([]*models.ThreatScore, error) {
	iter := r.client.Query(ctx, listScoresStmt).Iter()

	var scores []*models.ThreatScore
	for {
		score := &models.ThreatScore{}
		if !iter.Scan(&score.EntityKey, &score.EntityType, &score.EntityValue,
			&score.Score, &score.LastUpdated, &score.Details) {
			break
		}
		scores = append(scores, score)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list threat scores: %w", err)
	}
	return scores, nil
}

// DecayAll subtracts amount from every score, clamped at floor, and returns
// how many rows it changed. Each row is decayed with a conditional write
// against the score that was read, so a concurrent increment is never
// overwritten and a concurrent sweep decays each row at most once.
func (r *scoreRepository) DecayAll(ctx context.Context, amount, floor int64, now time.Time) (int64, error) {
	if amount <= 0 {
		return 0, nil
	}

	scores, err := r.ListAll(ctx)
	if err != nil {
		return 0, err
	}

	var decayed int64
	for _, score := range scores {
		if score.Score <= floor {
			continue
		}

		next := score.Score - amount
		if next < floor {
			next = floor
		}

		var observed int64
		q := r.client.Query(ctx, updateScoreStmt, next, now, score.EntityKey, score.Score)
		applied, err := q.ScanCAS(&observed)
		if err != nil {
			util.Warn("Failed to decay threat score",
				zap.String("entity_key", score.EntityKey),
				zap.Error(err))
			continue
		}
		if applied {
			decayed++
		}
		// not applied means the row changed since the scan; leave it for the
		// next sweep
	}

	util.Info("Threat scores decayed",
		zap.Int64("decayed_scores", decayed),
		zap.Int64("decay_amount", amount))

	return decayed, nil
}

// PurgeStale deletes rows sitting at the floor whose last update is older
// than staleBefore. The delete is conditional on the floor value so a row
// bumped between scan and delete survives.
func (r *scoreRepository) PurgeStale(ctx context.Context, floor int64, staleBefore time.Time) (int64, error) {
	scores, err := r.ListAll(ctx)
	if err != nil {
		return 0, err
	}

	var purged int64
	for _, score := range scores {
		if score.Score > floor || score.LastUpdated.After(staleBefore) {
			continue
		}

		var observed int64
		q := r.client.Query(ctx, deleteScoreIfStmt, score.EntityKey, score.Score)
		applied, err := q.ScanCAS(&observed)
		if err != nil {
			util.Warn("Failed to purge stale threat score",
				zap.String("entity_key", score.EntityKey),
				zap.Error(err))
			continue
		}
		if applied {
			purged++
		}
	}

	if purged > 0 {
		util.Info("Stale threat scores purged", zap.Int64("cleaned_scores", purged))
	}
	return purged, nil
}

func (r *scoreRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	q := r.client.Query(ctx, countScoresStmt)
	if err := r.client.ScanWithRetry(q, &count); err != nil {
		return 0, fmt.Errorf("failed to count threat scores: %w", err)
	}
	return count, nil
}
