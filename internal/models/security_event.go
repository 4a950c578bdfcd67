package models

import (
	"time"
)

// MaxDetailEntries caps the free-form details map so producers with
// varying event shapes cannot grow a single row without bound.
const MaxDetailEntries = 32

type SecurityEvent struct {
	EventID     string            `db:"event_id"`
	EventBucket int               `db:"event_bucket"`
	EntityKey   string            `db:"entity_key"`
	EventType   string            `db:"event_type"`
	Severity    string            `db:"severity"`
	UserID      string            `db:"user_id"`
	IPAddress   string            `db:"ip_address"`
	RiskScore   int64             `db:"risk_score"`
	Details     map[string]string `db:"details"`
	EventTime   time.Time         `db:"event_time"`
}
