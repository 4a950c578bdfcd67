package service

import (
	"context"
	"sync"
	"time"

	"threat-monitor/internal/alert"
	"threat-monitor/internal/config"
	"threat-monitor/internal/models"
	"threat-monitor/internal/util"
)

// testClock is an injectable clock shared by a service under test and its
// sweeper so TTL and decay behavior can be driven deterministically.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ---- event store fake ----

type storedEvent struct {
	entityKey string
	eventTime time.Time
}

type fakeEventStore struct {
	mu           sync.Mutex
	events       []storedEvent
	nextID       int
	failNext     int // fail this many Append calls before succeeding
	failCount    int
	failCountAll error
}

func (f *fakeEventStore) Append(ctx context.Context, event *models.SecurityEvent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		f.failCount++
		return "", context.DeadlineExceeded
	}
	f.nextID++
	f.events = append(f.events, storedEvent{entityKey: event.EntityKey, eventTime: event.EventTime})
	return string(rune('a' + f.nextID%26)), nil
}

func (f *fakeEventStore) AppendBatch(ctx context.Context, events []*models.SecurityEvent) error {
	for _, e := range events {
		if _, err := f.Append(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeEventStore) CountSince(ctx context.Context, entityKey string, since time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, e := range f.events {
		if e.entityKey == entityKey && e.eventTime.After(since) {
			count++
		}
	}
	return count, nil
}

func (f *fakeEventStore) CountAllSince(ctx context.Context, since time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCountAll != nil {
		return 0, f.failCountAll
	}
	var count int64
	for _, e := range f.events {
		if e.eventTime.After(since) {
			count++
		}
	}
	return count, nil
}

func (f *fakeEventStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.events[:0]
	var removed int64
	for _, e := range f.events {
		if e.eventTime.Before(cutoff) {
			removed++
		} else {
			kept = append(kept, e)
		}
	}
	f.events = kept
	return removed, nil
}

// ---- block repository fake ----

type fakeBlockRepo struct {
	mu     sync.Mutex
	blocks map[string]*models.BlockedEntity
}

func newFakeBlockRepo() *fakeBlockRepo {
	return &fakeBlockRepo{blocks: map[string]*models.BlockedEntity{}}
}

func (f *fakeBlockRepo) Upsert(ctx context.Context, block *models.BlockedEntity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *block
	f.blocks[block.EntityKey] = &copied
	return nil
}

func (f *fakeBlockRepo) Get(ctx context.Context, entityKey string) (*models.BlockedEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	block, ok := f.blocks[entityKey]
	if !ok {
		return nil, nil
	}
	copied := *block
	return &copied, nil
}

func (f *fakeBlockRepo) Deactivate(ctx context.Context, entityKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if block, ok := f.blocks[entityKey]; ok {
		block.IsActive = false
	}
	return nil
}

func (f *fakeBlockRepo) ListAll(ctx context.Context) ([]*models.BlockedEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.BlockedEntity, 0, len(f.blocks))
	for _, block := range f.blocks {
		copied := *block
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeBlockRepo) Purge(ctx context.Context, entityKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blocks, entityKey)
	return nil
}

func (f *fakeBlockRepo) CountActive(ctx context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var active int64
	for _, block := range f.blocks {
		if block.Effective(now) {
			active++
		}
	}
	return active, nil
}

// ---- score repository fake ----

type fakeScoreRepo struct {
	mu        sync.Mutex
	scores    map[string]*models.ThreatScore
	failCount error
}

func newFakeScoreRepo() *fakeScoreRepo {
	return &fakeScoreRepo{scores: map[string]*models.ThreatScore{}}
}

func (f *fakeScoreRepo) Increment(ctx context.Context, entityKey, entityType, entityValue string, delta int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	score, ok := f.scores[entityKey]
	if !ok {
		score = &models.ThreatScore{EntityKey: entityKey, EntityType: entityType, EntityValue: entityValue}
		f.scores[entityKey] = score
	}
	score.Score += delta
	if score.Score < 0 {
		score.Score = 0
	}
	score.LastUpdated = time.Now().UTC()
	return score.Score, nil
}

func (f *fakeScoreRepo) Get(ctx context.Context, entityKey string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if score, ok := f.scores[entityKey]; ok {
		return score.Score, nil
	}
	return 0, nil
}

func (f *fakeScoreRepo) ListAll(ctx context.Context) ([]*models.ThreatScore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.ThreatScore, 0, len(f.scores))
	for _, score := range f.scores {
		copied := *score
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeScoreRepo) DecayAll(ctx context.Context, amount, floor int64, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var decayed int64
	for _, score := range f.scores {
		if score.Score <= floor {
			continue
		}
		score.Score -= amount
		if score.Score < floor {
			score.Score = floor
		}
		score.LastUpdated = now
		decayed++
	}
	return decayed, nil
}

func (f *fakeScoreRepo) PurgeStale(ctx context.Context, floor int64, staleBefore time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var purged int64
	for key, score := range f.scores {
		if score.Score <= floor && !score.LastUpdated.After(staleBefore) {
			delete(f.scores, key)
			purged++
		}
	}
	return purged, nil
}

func (f *fakeScoreRepo) Count(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCount != nil {
		return 0, f.failCount
	}
	return int64(len(f.scores)), nil
}

// ---- threshold repository fake ----

type fakeThresholdRepo struct {
	mu         sync.Mutex
	thresholds map[string]*models.MonitoringThreshold
}

func newFakeThresholdRepo() *fakeThresholdRepo {
	return &fakeThresholdRepo{thresholds: map[string]*models.MonitoringThreshold{}}
}

func (f *fakeThresholdRepo) set(name string, value int64, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thresholds[name] = &models.MonitoringThreshold{
		ThresholdName:  name,
		ThresholdValue: value,
		IsActive:       active,
	}
}

func (f *fakeThresholdRepo) GetActive(ctx context.Context, name string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	threshold, ok := f.thresholds[name]
	if !ok || !threshold.IsActive {
		return 0, false, nil
	}
	return threshold.ThresholdValue, true, nil
}

func (f *fakeThresholdRepo) Get(ctx context.Context, name string) (*models.MonitoringThreshold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if threshold, ok := f.thresholds[name]; ok {
		copied := *threshold
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeThresholdRepo) Upsert(ctx context.Context, threshold *models.MonitoringThreshold) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *threshold
	f.thresholds[threshold.ThresholdName] = &copied
	return nil
}

func (f *fakeThresholdRepo) List(ctx context.Context) ([]*models.MonitoringThreshold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.MonitoringThreshold, 0, len(f.thresholds))
	for _, threshold := range f.thresholds {
		copied := *threshold
		out = append(out, &copied)
	}
	return out, nil
}

// ---- sweep repository fake ----

type fakeSweepRepo struct {
	mu    sync.Mutex
	last  time.Time
	isSet bool
}

func (f *fakeSweepRepo) ClaimDecayUnits(ctx context.Context, now time.Time, unit time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.isSet {
		f.last = now
		f.isSet = true
		return 0, nil
	}
	if unit <= 0 {
		return 0, nil
	}
	units := int64(now.Sub(f.last) / unit)
	if units <= 0 {
		return 0, nil
	}
	f.last = f.last.Add(time.Duration(units) * unit)
	return units, nil
}

// ---- block status cache fake ----

type cacheEntry struct {
	blocked bool
	expires time.Time
}

type fakeBlockCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	clock   *testClock
	failGet error
}

func newFakeBlockCache(clock *testClock, ttl time.Duration) *fakeBlockCache {
	return &fakeBlockCache{entries: map[string]cacheEntry{}, ttl: ttl, clock: clock}
}

func (f *fakeBlockCache) GetStatus(ctx context.Context, entityKey string) (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet != nil {
		return false, false, f.failGet
	}
	entry, ok := f.entries[entityKey]
	if !ok || !entry.expires.After(f.clock.Now()) {
		return false, false, nil
	}
	return entry.blocked, true, nil
}

func (f *fakeBlockCache) SetStatus(ctx context.Context, entityKey string, blocked bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[entityKey] = cacheEntry{blocked: blocked, expires: f.clock.Now().Add(f.ttl)}
	return nil
}

func (f *fakeBlockCache) Invalidate(ctx context.Context, entityKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, entityKey)
	return nil
}

// ---- alert sink fake ----

type fakeSink struct {
	mu     sync.Mutex
	alerts []*alert.Alert
	err    error
}

func (f *fakeSink) Notify(ctx context.Context, a *alert.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

// ---- wiring ----

type testEnv struct {
	clock      *testClock
	events     *fakeEventStore
	blocks     *fakeBlockRepo
	scores     *fakeScoreRepo
	thresholds *fakeThresholdRepo
	sweeps     *fakeSweepRepo
	cache      *fakeBlockCache
	sink       *fakeSink
	cfg        config.MonitoringConfig
	svc        *MonitorService
	sweeper    *Sweeper
}

func newTestEnv() *testEnv {
	clock := newTestClock()

	env := &testEnv{
		clock:      clock,
		events:     &fakeEventStore{},
		blocks:     newFakeBlockRepo(),
		scores:     newFakeScoreRepo(),
		thresholds: newFakeThresholdRepo(),
		sweeps:     &fakeSweepRepo{},
		cache:      newFakeBlockCache(clock, 5*time.Second),
		sink:       &fakeSink{},
		cfg: config.MonitoringConfig{
			AlertThresholdDefault: 5,
			WindowSeconds:         60,
			RetentionHours:        24,
			DecayPerHour:          3,
			ScoreFloor:            0,
			ScoreStaleAfter:       time.Hour,
			BlockGracePeriod:      0,
			BlockCacheTTL:         5 * time.Second,
			EventBuckets:          16,
			WriteRetries:          2,
			RetryBackoff:          time.Millisecond,
			StoreTimeout:          time.Second,
		},
	}

	evaluator := NewThresholdEvaluator(env.events, env.thresholds, env.cfg.AlertThresholdDefault, env.cfg.WindowSeconds)
	env.sweeper = NewSweeper(env.events, env.blocks, env.scores, env.sweeps, env.cache, env.cfg)
	env.sweeper.nowFn = clock.Now

	env.svc = NewMonitorService(env.events, env.blocks, env.scores, env.cache,
		evaluator, env.sweeper, env.sink, env.cfg, util.Get())
	env.svc.nowFn = clock.Now

	return env
}
