package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"threat-monitor/internal/config"
	"threat-monitor/internal/util"
)

// schemaStatements holds the DDL for the monitoring keyspace. The keyspace
// itself is provisioned by operations; tables are created on startup when
// missing so fresh environments come up without a manual migration step.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS blocked_entities (
        entity_key   text PRIMARY KEY,
        entity_type  text,
        entity_value text,
        reason       text,
        blocked_by   text,
        is_active    boolean,
        blocked_at   timestamp,
        expires_at   timestamp
    )`,
	`CREATE TABLE IF NOT EXISTS threat_scores (
        entity_key   text PRIMARY KEY,
        entity_type  text,
        entity_value text,
        score        bigint,
        last_updated timestamp,
        details      map<text, text>
    )`,
	`CREATE TABLE IF NOT EXISTS monitoring_thresholds (
        threshold_name  text PRIMARY KEY,
        threshold_value bigint,
        description     text,
        metadata        map<text, text>,
        is_active       boolean,
        updated_at      timestamp
    )`,
	`CREATE TABLE IF NOT EXISTS sweep_state (
        name          text PRIMARY KEY,
        last_decay_at timestamp
    )`,
}

type ScyllaClient struct {
	Session *gocql.Session
	config  *config.ScyllaConfig
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	// Conditional writes on threat_scores and sweep_state need linearizable
	// compare-and-set
	cluster.SerialConsistency = gocql.Serial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 "/root/certs/ca.pem",
			CertPath:               "/root/certs/server.pem",
			KeyPath:                "/root/certs/server.key",
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

// EnsureSchema creates the monitoring tables when they do not exist.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}

// Query binds a statement with caller context so upstream cancellation
// propagates into the store call.
func (s *ScyllaClient) Query(ctx context.Context, stmt string, args ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, args...).WithContext(ctx)
}

// ExecuteWithRetry executes a write query, retrying transient failures.
func (s *ScyllaClient) ExecuteWithRetry(q *gocql.Query, attempts int) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = q.Exec(); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return err
}

// ScanWithRetry scans a single-row query, retrying transient failures.
// gocql.ErrNotFound is returned immediately, it is not transient.
func (s *ScyllaClient) ScanWithRetry(q *gocql.Query, dest ...interface{}) error {
	var err error
	for i := 0; i < 2; i++ {
		err = q.Scan(dest...)
		if err == nil || err == gocql.ErrNotFound {
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}
	return err
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	return s.Query(ctx, "SELECT now() FROM system.local").Exec()
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB session closed")
	}
}
