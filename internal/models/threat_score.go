package models

import "time"

type ThreatScore struct {
	EntityKey   string            `db:"entity_key"`
	EntityType  string            `db:"entity_type"`
	EntityValue string            `db:"entity_value"`
	Score       int64             `db:"score"` // never negative
	LastUpdated time.Time         `db:"last_updated"`
	Details     map[string]string `db:"details"`
}
