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

// BlockRepository is the durable side of the block registry. Rows are
// soft-deactivated on unblock and kept for audit until the sweeper purges
// them.
type BlockRepository interface {
	Upsert(ctx context.Context, block *models.BlockedEntity) error
	Get(ctx context.Context, entityKey string) (*models.BlockedEntity, error)
	Deactivate(ctx context.Context, entityKey string) error
	ListAll(ctx context.Context) ([]*models.BlockedEntity, error)
	Purge(ctx context.Context, entityKey string) error
	CountActive(ctx context.Context, now time.Time) (int64, error)
}

const (
	upsertBlockStmt = `INSERT INTO blocked_entities
        (entity_key, entity_type, entity_value, reason, blocked_by, is_active, blocked_at, expires_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	getBlockStmt = `SELECT entity_key, entity_type, entity_value, reason, blocked_by, is_active, blocked_at, expires_at
        FROM blocked_entities WHERE entity_key = ?`

	deactivateBlockStmt = `UPDATE blocked_entities SET is_active = false WHERE entity_key = ?`

	listBlocksStmt = `SELECT entity_key, entity_type, entity_value, reason, blocked_by, is_active, blocked_at, expires_at
        FROM blocked_entities`

	purgeBlockStmt = `DELETE FROM blocked_entities WHERE entity_key = ?`
)

type blockRepository struct {
	client *ScyllaClient
}

func NewBlockRepository(client *ScyllaClient, logger *zap.Logger) BlockRepository {
	return &blockRepository{client: client}
}

// Upsert writes the block row. Re-blocking an already blocked entity simply
// refreshes reason and expiry, it never errors.
func (r *blockRepository) Upsert(ctx context.Context, block *models.BlockedEntity) error {
	q := r.client.Query(ctx, upsertBlockStmt,
		block.EntityKey, block.EntityType, block.EntityValue,
		block.Reason, block.BlockedBy, block.IsActive,
		block.BlockedAt, block.ExpiresAt)

	if err := r.client.ExecuteWithRetry(q, 2); err != nil {
		util.Error("Failed to upsert block",
			zap.String("entity_key", block.EntityKey),
			zap.Error(err))
		return fmt.Errorf("failed to upsert block for %s: %w", block.EntityKey, err)
	}

	util.Info("Block upserted",
		zap.String("entity_key", block.EntityKey),
		zap.String("reason", block.Reason),
		zap.Bool("is_active", block.IsActive))

	return nil
}

// Get returns the block row for entityKey, or nil when none exists.
func (r *blockRepository) Get(ctx context.Context, entityKey string) (*models.BlockedEntity, error) {
	block := &models.BlockedEntity{}
	var expiresAt time.Time

	q := r.client.Query(ctx, getBlockStmt, entityKey)
	err := r.client.ScanWithRetry(q,
		&block.EntityKey, &block.EntityType, &block.EntityValue,
		&block.Reason, &block.BlockedBy, &block.IsActive,
		&block.BlockedAt, &expiresAt)

	if err == gocql.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get block for %s: %w", entityKey, err)
	}

	if !expiresAt.IsZero() {
		block.ExpiresAt = &expiresAt
	}
	return block, nil
}

func (r *blockRepository) Deactivate(ctx context.Context, entityKey string) error {
	q := r.client.Query(ctx, deactivateBlockStmt, entityKey)
	if err := r.client.ExecuteWithRetry(q, 2); err != nil {
		util.Error("Failed to deactivate block",
			zap.String("entity_key", entityKey),
			zap.Error(err))
		return fmt.Errorf("failed to deactivate block for %s: %w", entityKey, err)
	}

	util.Info("Block deactivated", zap.String("entity_key", entityKey))
	return nil
}

// ListAll iterates every block row. Used by the sweeper and stats; the table
// holds only currently- or recently-blocked entities, not the event stream,
// so a full scan stays small.
func (r *blockRepository) ListAll(ctx context.Context) ([]*models.BlockedEntity, error) {
	iter := r.client.Query(ctx, listBlocksStmt).Iter()

	var blocks []*models.BlockedEntity
	for {
		block := &models.BlockedEntity{}
		var expiresAt time.Time
		if !iter.Scan(&block.EntityKey, &block.EntityType, &block.EntityValue,
			&block.Reason, &block.BlockedBy, &block.IsActive,
			&block.BlockedAt, &expiresAt) {
			break
		}
		if !expiresAt.IsZero() {
			block.ExpiresAt = &expiresAt
		}
		blocks = append(blocks, block)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}
	return blocks, nil
}

func (r *blockRepository) Purge(ctx context.Context, entityKey string) error {
	q := r.client.Query(ctx, purgeBlockStmt, entityKey)
	if err := r.client.ExecuteWithRetry(q, 2); err != nil {
		return fmt.Errorf("failed to purge block for %s: %w", entityKey, err)
	}
	return nil
}

func (r *blockRepository) CountActive(ctx context.Context, now time.Time) (int64, error) {
	blocks, err := r.ListAll(ctx)
	if err != nil {
		return 0, err
	}

	var active int64
	for _, block := range blocks {
		if block.Effective(now) {
			active++
		}
	}
	return active, nil
}
