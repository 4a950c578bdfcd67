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

// ThresholdRepository reads and writes the operator-tunable monitoring
// thresholds. Rows are read on every evaluation so edits take effect on the
// very next event, no restart.
type ThresholdRepository interface {
	GetActive(ctx context.Context, name string) (int64, bool, error)
	Get(ctx context.Context, name string) (*models.MonitoringThreshold, error)
	Upsert(ctx context.Context, threshold *models.MonitoringThreshold) error
	List(ctx context.Context) ([]*models.MonitoringThreshold, error)
}

const (
	getThresholdStmt = `SELECT threshold_name, threshold_value, description, metadata, is_active, updated_at
        FROM monitoring_thresholds WHERE threshold_name = ?`

	upsertThresholdStmt = `INSERT INTO monitoring_thresholds
        (threshold_name, threshold_value, description, metadata, is_active, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)`

	listThresholdsStmt = `SELECT threshold_name, threshold_value, description, metadata, is_active, updated_at
        FROM monitoring_thresholds`
)

type thresholdRepository struct {
	client *ScyllaClient
}

func NewThresholdRepository(client *ScyllaClient, logger *zap.Logger) ThresholdRepository {
	return &thresholdRepository{client: client}
}

// GetActive returns the value of an active threshold row. The second return
// is false when no active row exists; the caller decides the fallback.
func (r *thresholdRepository) GetActive(ctx context.Context, name string) (int64, bool, error) {
	threshold, err := r.Get(ctx, name)
	if err != nil {
		return 0, false, err
	}
	if threshold == nil || !threshold.IsActive {
		return 0, false, nil
	}
	return threshold.ThresholdValue, true, nil
}

func (r *thresholdRepository) Get(ctx context.Context, name string) (*models.MonitoringThreshold, error) {
	threshold := &models.MonitoringThreshold{}

	q := r.client.Query(ctx, getThresholdStmt, name)
	err := r.client.ScanWithRetry(q,
		&threshold.ThresholdName, &threshold.ThresholdValue,
		&threshold.Description, &threshold.Metadata,
		&threshold.IsActive, &threshold.UpdatedAt)

	if err == gocql.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get threshold %s: %w", name, err)
	}
	return threshold, nil
}

func (r *thresholdRepository) Upsert(ctx context.Context, threshold *models.MonitoringThreshold) error {
	threshold.UpdatedAt = time.Now().UTC()
	if threshold.Metadata == nil {
		threshold.Metadata = map[string]string{}
	}

	q := r.client.Query(ctx, upsertThresholdStmt,
		threshold.ThresholdName, threshold.ThresholdValue,
		threshold.Description, threshold.Metadata,
		threshold.IsActive, threshold.UpdatedAt)

	if err := r.client.ExecuteWithRetry(q, 2); err != nil {
		util.Error("Failed to upsert threshold",
			zap.String("threshold_name", threshold.ThresholdName),
			zap.Error(err))
		return fmt.Errorf("failed to upsert threshold %s: %w", threshold.ThresholdName, err)
	}

	util.Info("Monitoring threshold updated",
		zap.String("threshold_name", threshold.ThresholdName),
		zap.Int64("threshold_value", threshold.ThresholdValue),
		zap.Bool("is_active", threshold.IsActive))

	return nil
}

func (r *thresholdRepository) List(ctx context.Context) ([]*models.MonitoringThreshold, error) {
	iter := r.client.Query(ctx, listThresholdsStmt).Iter()

	var thresholds []*models.MonitoringThreshold
	for {
		threshold := &models.MonitoringThreshold{}
		if !iter.Scan(&threshold.ThresholdName, &threshold.ThresholdValue,
			&threshold.Description, &threshold.Metadata,
			&threshold.IsActive, &threshold.UpdatedAt) {
			break
		}
		thresholds = append(thresholds, threshold)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list thresholds: %w", err)
	}
	return thresholds, nil
}
