package bucketing

import (
	"hash"
	"sync"
	"time"

	"classpage-auth/internal/config"

	"github.com/spaolacci/murmur3"
)

// BucketingManager assigns stable partition buckets for Scylla row placement
// and fixed time buckets for rate-limit windows.
type BucketingManager struct {
	userBuckets  int
	eventBuckets int
	hasherPool   sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		userBuckets:  cfg.Bucketing.UserBuckets,
		eventBuckets: cfg.Bucketing.EventBuckets,
	}

	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// UserBucket returns the consistent bucket for a user id (0..userBuckets-1).
func (bm *BucketingManager) UserBucket(userID string) int {
	return bm.bucket(userID, bm.userBuckets)
}

// EventBucket returns the bucket used to spread audit rows.
func (bm *BucketingManager) EventBucket(key string) int {
	return bm.bucket(key, bm.eventBuckets)
}

// TimeBucket returns the start of the fixed window containing now, in unix
// seconds. Counters keyed by scope plus this value reset when the window
// rolls over.
func (bm *BucketingManager) TimeBucket(now time.Time, windowSeconds int64) int64 {
	return now.Unix() / windowSeconds * windowSeconds
}

func (bm *BucketingManager) bucket(key string, numBuckets int) int {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return int(hasher.Sum64() % uint64(numBuckets))
}

func (bm *BucketingManager) UserBuckets() int {
	return bm.userBuckets
}
