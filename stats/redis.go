package stats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BucketMinute = "minute"
	BucketNone   = "none"
)

// RedisStore accumulates counters in redis hashes, one field per event kind:
//
//	<prefix>:total                  cumulative, never expires
//	<prefix>:minute:<yyyymmddhhmm>  per-minute series
//	<prefix>:key:<partition>        per-partition, if keys are tracked
type RedisStore struct {
	rdb redis.Cmdable

	prefix string
	// ttl only applies to the time series and per-partition hashes.
	ttl time.Duration

	bucket string

	trackKeys bool
}

type RedisOption func(*RedisStore)

func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

func WithTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = d }
}

// WithBucket selects the time series granularity: BucketMinute or BucketNone.
func WithBucket(bucket string) RedisOption {
	return func(s *RedisStore) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

func WithTrackKeys(track bool) RedisOption {
	return func(s *RedisStore) { s.trackKeys = track }
}

func NewRedisStore(rdb redis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: "exshopify:stats",
		ttl:    24 * time.Hour,
		bucket: BucketMinute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Store = &RedisStore{}

func (s *RedisStore) Record(ctx context.Context, ev Event) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	if ev.Kind == "" {
		return fmt.Errorf("event kind is required")
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := string(ev.Kind)

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.TotalKey(), field, 1)

	if s.bucket == BucketMinute {
		bucketKey := s.MinuteKey(at)
		pipe.HIncrBy(ctx, bucketKey, field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, bucketKey, s.ttl)
		}
	}

	if s.trackKeys {
		if k := strings.TrimSpace(ev.Key); k != "" {
			keyKey := s.PartitionKey(k)
			pipe.HIncrBy(ctx, keyKey, field, 1)
			if s.ttl > 0 {
				pipe.Expire(ctx, keyKey, s.ttl)
			}
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}

// Total reads back the cumulative counters.
func (s *RedisStore) Total(ctx context.Context) (Counters, error) {
	return s.read(ctx, s.TotalKey())
}

// ByKey reads back the counters of a single partition.
func (s *RedisStore) ByKey(ctx context.Context, key string) (Counters, error) {
	return s.read(ctx, s.PartitionKey(key))
}

func (s *RedisStore) read(ctx context.Context, hash string) (Counters, error) {
	values, err := s.rdb.HGetAll(ctx, hash).Result()
	if err != nil {
		return nil, err
	}

	out := make(Counters, len(values))
	for field, raw := range values {
		var n int64
		if _, err := fmt.Sscan(raw, &n); err != nil {
			return nil, fmt.Errorf("invalid counter %s in %s: %w", field, hash, err)
		}
		out[Kind(field)] = n
	}
	return out, nil
}

func (s *RedisStore) TotalKey() string {
	return s.prefix + ":total"
}

func (s *RedisStore) MinuteKey(at time.Time) string {
	return fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
}

func (s *RedisStore) PartitionKey(key string) string {
	return s.prefix + ":key:" + key
}
