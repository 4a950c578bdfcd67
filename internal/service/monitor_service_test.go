package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"threat-monitor/internal/entity"
	"threat-monitor/internal/models"
)

func loginEvent(ip, user string, risk int64) *models.SecurityEvent {
	return &models.SecurityEvent{
		EventType: "login_failure",
		Severity:  "medium",
		IPAddress: ip,
		UserID:    user,
		RiskScore: risk,
	}
}

func TestTrackEventValidation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	tests := []struct {
		name  string
		event *models.SecurityEvent
	}{
		{"nil event", nil},
		{"missing event type", &models.SecurityEvent{IPAddress: "10.0.0.1"}},
		{"no entity", &models.SecurityEvent{EventType: "login_failure"}},
		{"malformed ip", loginEvent("not-an-ip", "", 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.TrackEvent(ctx, tt.event)
			var verr *entity.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("err = %v, want ValidationError", err)
			}
		})
	}

	if len(env.events.events) != 0 {
		t.Errorf("invalid events were persisted: %d rows", len(env.events.events))
	}
}

func TestTrackEventAlertsOnceAtThreshold(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	// four events inside the window: no breach yet
	for i := 0; i < 4; i++ {
		result, err := env.svc.TrackEvent(ctx, loginEvent("10.0.0.1", "", 0))
		if err != nil {
			t.Fatalf("TrackEvent %d: %v", i+1, err)
		}
		if len(result.Breaches) != 0 {
			t.Fatalf("event %d breached below threshold", i+1)
		}
		env.clock.Advance(time.Second)
	}
	if env.sink.count() != 0 {
		t.Fatalf("alerts sent below threshold: %d", env.sink.count())
	}

	// fifth event crosses the default threshold of 5
	result, err := env.svc.TrackEvent(ctx, loginEvent("10.0.0.1", "", 0))
	if err != nil {
		t.Fatalf("TrackEvent 5: %v", err)
	}
	if len(result.Breaches) != 1 {
		t.Fatalf("breaches = %d, want 1", len(result.Breaches))
	}
	breach := result.Breaches[0]
	if breach.Count != 5 || breach.Threshold != 5 {
		t.Errorf("breach count/threshold = %d/%d, want 5/5", breach.Count, breach.Threshold)
	}
	if !breach.AlertSent {
		t.Error("alert not sent on breach")
	}
	if env.sink.count() != 1 {
		t.Errorf("alerts sent = %d, want exactly 1", env.sink.count())
	}
	if env.sink.alerts[0].AlertType != AlertTypeThresholdBreach {
		t.Errorf("alert type = %q", env.sink.alerts[0].AlertType)
	}

	// after the window passes, activity starts counting from scratch
	env.clock.Advance(2 * time.Minute)
	result, err = env.svc.TrackEvent(ctx, loginEvent("10.0.0.1", "", 0))
	if err != nil {
		t.Fatalf("TrackEvent after window: %v", err)
	}
	if len(result.Breaches) != 0 {
		t.Error("breached after the window emptied")
	}
	if env.sink.count() != 1 {
		t.Errorf("alerts sent = %d after window reset, want still 1", env.sink.count())
	}
}

func TestTrackEventEvaluatesIPAndUserIndependently(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.thresholds.set(AlertThresholdName, 2, true)

	// first event carries both identities; both start at count 1
	result, err := env.svc.TrackEvent(ctx, loginEvent("10.0.0.1", "alice", 0))
	if err != nil {
		t.Fatalf("TrackEvent: %v", err)
	}
	if len(result.EventIDs) != 2 {
		t.Fatalf("event ids = %d, want one per identity", len(result.EventIDs))
	}
	if len(result.Breaches) != 0 {
		t.Fatal("breached at count 1")
	}

	// second event names only the IP; only the IP reaches the threshold
	result, err = env.svc.TrackEvent(ctx, loginEvent("10.0.0.1", "", 0))
	if err != nil {
		t.Fatalf("TrackEvent: %v", err)
	}
	if len(result.Breaches) != 1 {
		t.Fatalf("breaches = %d, want 1", len(result.Breaches))
	}
	if result.Breaches[0].EntityKey != "ip:10.0.0.1" {
		t.Errorf("breached entity = %q, want ip:10.0.0.1", result.Breaches[0].EntityKey)
	}
}

func TestTrackEventBreachRaisesThreatScore(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.thresholds.set(AlertThresholdName, 1, true)

	result, err := env.svc.TrackEvent(ctx, loginEvent("10.0.0.1", "", 7))
	if err != nil {
		t.Fatalf("TrackEvent: %v", err)
	}
	if len(result.Breaches) != 1 || result.Breaches[0].NewScore != 7 {
		t.Fatalf("breach/new score = %+v, want score 7", result.Breaches)
	}

	score, err := env.svc.GetThreatScore(ctx, "10.0.0.1", entity.TypeIP)
	if err != nil {
		t.Fatalf("GetThreatScore: %v", err)
	}
	if score != 7 {
		t.Errorf("score = %d, want 7", score)
	}
}

func TestTrackEventSinkFailureDoesNotFailTracking(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.thresholds.set(AlertThresholdName, 1, true)
	env.sink.err = errors.New("broker down")

	result, err := env.svc.TrackEvent(ctx, loginEvent("10.0.0.1", "", 3))
	if err != nil {
		t.Fatalf("TrackEvent: %v", err)
	}
	if len(result.Breaches) != 1 {
		t.Fatalf("breaches = %d, want 1", len(result.Breaches))
	}
	if result.Breaches[0].AlertSent {
		t.Error("alert marked sent despite sink failure")
	}
	// the score still moved: breach handling continues past the failed sink
	if result.Breaches[0].NewScore != 3 {
		t.Errorf("new score = %d, want 3", result.Breaches[0].NewScore)
	}
}

func TestTrackEventRetriesAppend(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	env.events.failNext = 2 // WriteRetries=2 allows three attempts
	if _, err := env.svc.TrackEvent(ctx, loginEvent("10.0.0.1", "", 0)); err != nil {
		t.Fatalf("TrackEvent should recover within retry budget: %v", err)
	}
	if env.events.failCount != 2 {
		t.Errorf("failed attempts = %d, want 2", env.events.failCount)
	}

	env.events.failNext = 10
	_, err := env.svc.TrackEvent(ctx, loginEvent("10.0.0.1", "", 0))
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("err = %v, want ErrStoreUnavailable after exhausted retries", err)
	}
}

func TestBlockWithTTLExpires(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	if err := env.svc.BlockIP(ctx, "10.0.0.1", "abuse", "analyst", 2*time.Hour); err != nil {
		t.Fatalf("BlockIP: %v", err)
	}

	blocked, err := env.svc.IsBlocked(ctx, "10.0.0.1", entity.TypeIP)
	if err != nil || !blocked {
		t.Fatalf("IsBlocked = %v, %v; want blocked", blocked, err)
	}

	env.clock.Advance(2*time.Hour + time.Minute)

	// past expiry the durable row answers false even before the sweeper runs
	blocked, err = env.svc.IsBlocked(ctx, "10.0.0.1", entity.TypeIP)
	if err != nil || blocked {
		t.Fatalf("IsBlocked after expiry = %v, %v; want unblocked", blocked, err)
	}
}

func TestBlockWithoutTTLIsIndefinite(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	if err := env.svc.BlockUser(ctx, "alice", "compromised", "analyst", 0); err != nil {
		t.Fatalf("BlockUser: %v", err)
	}

	env.clock.Advance(1000 * time.Hour)

	blocked, err := env.svc.IsBlockedConsistent(ctx, "alice", entity.TypeUser)
	if err != nil || !blocked {
		t.Fatalf("IsBlockedConsistent = %v, %v; want blocked", blocked, err)
	}

	block, err := env.blocks.Get(ctx, "user:alice")
	if err != nil || block == nil {
		t.Fatalf("Get block: %v, %v", block, err)
	}
	if block.ExpiresAt != nil {
		t.Errorf("indefinite block has expiry %v", block.ExpiresAt)
	}
}

func TestUnblockKeepsAuditRow(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	if err := env.svc.BlockIP(ctx, "10.0.0.1", "abuse", "analyst", time.Hour); err != nil {
		t.Fatalf("BlockIP: %v", err)
	}
	if err := env.svc.Unblock(ctx, "10.0.0.1", entity.TypeIP); err != nil {
		t.Fatalf("Unblock: %v", err)
	}

	blocked, err := env.svc.IsBlocked(ctx, "10.0.0.1", entity.TypeIP)
	if err != nil || blocked {
		t.Fatalf("IsBlocked after unblock = %v, %v", blocked, err)
	}

	block, err := env.blocks.Get(ctx, "ip:10.0.0.1")
	if err != nil || block == nil {
		t.Fatalf("audit row gone after unblock: %v, %v", block, err)
	}
	if block.IsActive {
		t.Error("unblocked row still active")
	}
}

func TestIsBlockedFallsThroughCacheFailure(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	if err := env.svc.BlockIP(ctx, "10.0.0.1", "abuse", "analyst", time.Hour); err != nil {
		t.Fatalf("BlockIP: %v", err)
	}

	// a broken cache must not read as "not blocked"
	env.cache.failGet = errors.New("redis down")
	blocked, err := env.svc.IsBlocked(ctx, "10.0.0.1", entity.TypeIP)
	if err != nil || !blocked {
		t.Fatalf("IsBlocked with failing cache = %v, %v; want durable answer", blocked, err)
	}
}

func TestIsBlockedBoundedStaleness(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	if err := env.svc.BlockIP(ctx, "10.0.0.1", "abuse", "analyst", time.Hour); err != nil {
		t.Fatalf("BlockIP: %v", err)
	}

	// deactivate behind the cache's back: fast reads may stay stale within
	// the TTL, the consistent read may not
	if err := env.blocks.Deactivate(ctx, "ip:10.0.0.1"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}

	blocked, err := env.svc.IsBlocked(ctx, "10.0.0.1", entity.TypeIP)
	if err != nil || !blocked {
		t.Fatalf("fast read = %v, %v; want stale true within TTL", blocked, err)
	}

	blocked, err = env.svc.IsBlockedConsistent(ctx, "10.0.0.1", entity.TypeIP)
	if err != nil || blocked {
		t.Fatalf("consistent read = %v, %v; want fresh false", blocked, err)
	}

	// once the cache entry ages out the fast path converges
	env.clock.Advance(env.cfg.BlockCacheTTL + time.Second)
	blocked, err = env.svc.IsBlocked(ctx, "10.0.0.1", entity.TypeIP)
	if err != nil || blocked {
		t.Fatalf("fast read after TTL = %v, %v; want false", blocked, err)
	}
}

func TestGetThreatScoreUntrackedIsZero(t *testing.T) {
	env := newTestEnv()

	score, err := env.svc.GetThreatScore(context.Background(), "10.9.9.9", entity.TypeIP)
	if err != nil {
		t.Fatalf("GetThreatScore: %v", err)
	}
	if score != 0 {
		t.Errorf("score = %d, want 0", score)
	}
}

func TestConcurrentBreachIncrementsAreAllCounted(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.thresholds.set(AlertThresholdName, 1, true)

	const workers = 32
	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.svc.TrackEvent(ctx, loginEvent("10.0.0.1", "", 1)); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("TrackEvent: %v", err)
	}

	score, err := env.svc.GetThreatScore(ctx, "10.0.0.1", entity.TypeIP)
	if err != nil {
		t.Fatalf("GetThreatScore: %v", err)
	}
	if score != workers {
		t.Errorf("score = %d, want %d: concurrent increments lost", score, workers)
	}
}

func TestImportEventsSkipsEvaluation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.thresholds.set(AlertThresholdName, 1, true)

	batch := make([]*models.SecurityEvent, 0, 10)
	for i := 0; i < 10; i++ {
		batch = append(batch, loginEvent("10.0.0.1", "", 1))
	}

	imported, err := env.svc.ImportEvents(ctx, batch)
	if err != nil {
		t.Fatalf("ImportEvents: %v", err)
	}
	if imported != 10 {
		t.Errorf("imported = %d, want 10", imported)
	}
	if env.sink.count() != 0 {
		t.Errorf("backfill raised %d alerts", env.sink.count())
	}
	if len(env.events.events) != 10 {
		t.Errorf("persisted = %d rows, want 10", len(env.events.events))
	}
}

func TestImportEventsRejectsMalformedBatch(t *testing.T) {
	env := newTestEnv()

	batch := []*models.SecurityEvent{
		loginEvent("10.0.0.1", "", 0),
		loginEvent("bogus", "", 0),
	}
	_, err := env.svc.ImportEvents(context.Background(), batch)
	var verr *entity.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if len(env.events.events) != 0 {
		t.Errorf("partial batch persisted: %d rows", len(env.events.events))
	}
}

func TestGetMonitoringStats(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := env.svc.TrackEvent(ctx, loginEvent(fmt.Sprintf("10.0.0.%d", i+1), "", 0)); err != nil {
			t.Fatalf("TrackEvent: %v", err)
		}
	}
	if err := env.svc.BlockIP(ctx, "10.0.0.1", "abuse", "analyst", time.Hour); err != nil {
		t.Fatalf("BlockIP: %v", err)
	}

	stats := env.svc.GetMonitoringStats(ctx)
	if stats.EventsLast24h != 3 {
		t.Errorf("events last 24h = %d, want 3", stats.EventsLast24h)
	}
	if stats.ActiveBlocks != 1 {
		t.Errorf("active blocks = %d, want 1", stats.ActiveBlocks)
	}
	if stats.Degraded {
		t.Error("stats degraded with healthy fakes")
	}
}

func TestGetMonitoringStatsDegradesOnConcurrentReadFailures(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	if err := env.svc.BlockIP(ctx, "10.0.0.1", "abuse", "analyst", time.Hour); err != nil {
		t.Fatalf("BlockIP: %v", err)
	}

	// two of the three concurrent reads fail; both flag degradation
	env.events.failCountAll = errors.New("clickhouse unavailable")
	env.scores.failCount = errors.New("scylla unavailable")

	stats := env.svc.GetMonitoringStats(ctx)
	if !stats.Degraded {
		t.Error("stats not marked degraded with failing reads")
	}
	if stats.EventsLast24h != 0 || stats.TrackedScores != 0 {
		t.Errorf("failed reads did not degrade to zero: %+v", stats)
	}
	if stats.ActiveBlocks != 1 {
		t.Errorf("healthy read degraded too: active blocks = %d, want 1", stats.ActiveBlocks)
	}
}
