package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"threat-monitor/internal/config"
)

// BucketingManager assigns entity keys to a fixed number of buckets so event
// rows spread evenly across partitions. The assignment must be stable across
// workers and restarts, which is why it hashes with a fixed-seed murmur3.
type BucketingManager struct {
	eventBuckets int
	hasherPool   sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		eventBuckets: cfg.Monitoring.EventBuckets,
	}

	// Pool hashers to avoid per-event allocation on the hot ingest path
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// EventBucket returns the consistent bucket for an entity key
// (0 to eventBuckets-1).
func (bm *BucketingManager) EventBucket(entityKey string) int {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(entityKey))

	return int(hasher.Sum64() % uint64(bm.eventBuckets))
}

// TimeBucket returns the aligned window start for a timestamp, used when
// grouping events into fixed windows.
func (bm *BucketingManager) TimeBucket(ts time.Time, windowSeconds int) int64 {
	w := int64(windowSeconds)
	return ts.Unix() / w * w
}

// DateBucket returns the UTC date partition for a timestamp.
func (bm *BucketingManager) DateBucket(ts time.Time) string {
	return ts.UTC().Format("2006-01-02")
}
