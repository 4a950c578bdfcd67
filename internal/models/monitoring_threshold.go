package models

import "time"

type MonitoringThreshold struct {
	ThresholdName  string            `db:"threshold_name"`
	ThresholdValue int64             `db:"threshold_value"`
	Description    string            `db:"description"`
	Metadata       map[string]string `db:"metadata"`
	IsActive       bool              `db:"is_active"`
	UpdatedAt      time.Time         `db:"updated_at"`
}
