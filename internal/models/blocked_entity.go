package models

import "time"

type BlockedEntity struct {
	EntityKey   string     `db:"entity_key"`
	EntityType  string     `db:"entity_type"`
	EntityValue string     `db:"entity_value"`
	Reason      string     `db:"reason"`
	BlockedBy   string     `db:"blocked_by"`
	IsActive    bool       `db:"is_active"`
	BlockedAt   time.Time  `db:"blocked_at"`
	ExpiresAt   *time.Time `db:"expires_at"` // nil means indefinite
}

// Effective reports whether the block still denies at the given instant.
// A row past its expiry is treated as inactive even before the sweeper
// physically deactivates it.
func (b *BlockedEntity) Effective(now time.Time) bool {
	if b == nil || !b.IsActive {
		return false
	}
	return b.ExpiresAt == nil || b.ExpiresAt.After(now)
}
