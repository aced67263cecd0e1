// Package store persists run records as JSON in Redis.
//
// Every record lives at swarm:{ns}:{kind}:{id}. A ZSET per kind,
// swarm:{ns}:{kind}_index, orders record IDs by creation time so records can
// be queried by time range.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dyluth/swarm/internal/broker"
	"github.com/dyluth/swarm/internal/logger"
	"github.com/dyluth/swarm/pkg/wire"
)

// ErrNotFound is returned by Get when no record exists.
var ErrNotFound = errors.New("record not found")

const (
	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 2 * time.Second
)

// Range selects records by creation time. Zero bounds are open.
type Range struct {
	Since time.Time
	Until time.Time
}

// Store is a Redis-backed record store. It is safe for concurrent use.
type Store struct {
	client *redis.Client
	ns     string
	log    *zap.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store in namespace ns. It does not contact Redis.
func New(opts *redis.Options, ns string, options ...Option) *Store {
	s := &Store{
		client: redis.NewClient(opts),
		ns:     ns,
		now:    time.Now,
	}
	for _, o := range options {
		o(s)
	}
	s.log = logger.Or(s.log, "store")
	return s
}

// Ping verifies connectivity to Redis.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store ping failed: %w", err)
	}
	return nil
}

// Close releases the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Put writes v as JSON. The first write of an ID fixes its position in the
// time index; later writes only replace the value.
func (s *Store) Put(ctx context.Context, kind, id string, v any) error {
	if kind == "" || id == "" {
		return fmt.Errorf("store: kind and id are required")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s %s: %w", kind, id, err)
	}

	score := float64(s.now().UnixMilli())
	return s.retry(ctx, "put", func() error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, wire.StoreKey(s.ns, kind, id), data, 0)
			pipe.ZAddNX(ctx, wire.StoreIndexKey(s.ns, kind), redis.Z{Score: score, Member: id})
			return nil
		})
		return err
	})
}

// Get decodes the record into out, or returns ErrNotFound.
func (s *Store) Get(ctx context.Context, kind, id string, out any) error {
	var data []byte
	err := s.retry(ctx, "get", func() error {
		var err error
		data, err = s.client.Get(ctx, wire.StoreKey(s.ns, kind, id)).Bytes()
		if errors.Is(err, redis.Nil) {
			return backoff.Permanent(fmt.Errorf("%s %s: %w", kind, id, ErrNotFound))
		}
		return err
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s %s: %w", kind, id, err)
	}
	return nil
}

// Query returns the IDs of records of kind created within r, oldest first.
func (s *Store) Query(ctx context.Context, kind string, r Range) ([]string, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !r.Since.IsZero() {
		by.Min = strconv.FormatInt(r.Since.UnixMilli(), 10)
	}
	if !r.Until.IsZero() {
		by.Max = strconv.FormatInt(r.Until.UnixMilli(), 10)
	}

	var ids []string
	err := s.retry(ctx, "query", func() error {
		var err error
		ids, err = s.client.ZRangeByScore(ctx, wire.StoreIndexKey(s.ns, kind), by).Result()
		return err
	})
	return ids, err
}

// Prefix returns the IDs of records of kind that start with prefix.
func (s *Store) Prefix(ctx context.Context, kind, prefix string) ([]string, error) {
	key := wire.StoreIndexKey(s.ns, kind)
	var ids []string
	err := s.retry(ctx, "prefix", func() error {
		seen := make(map[string]bool)
		ids = ids[:0]
		var cursor uint64
		for {
			// ZSCAN replies member, score, member, score...
			page, next, err := s.client.ZScan(ctx, key, cursor, prefix+"*", 100).Result()
			if err != nil {
				return err
			}
			for i := 0; i < len(page); i += 2 {
				if !seen[page[i]] {
					seen[page[i]] = true
					ids = append(ids, page[i])
				}
			}
			if next == 0 {
				return nil
			}
			cursor = next
		}
	})
	return ids, err
}

// Load fetches and decodes every record in ids, skipping ones that vanished.
func Load[T any](ctx context.Context, s *Store, kind string, ids []string) ([]T, error) {
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		var v T
		err := s.Get(ctx, kind, id, &v)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// retry runs op, retrying transport failures with bounded exponential backoff.
func (s *Store) retry(ctx context.Context, name string, op func() error) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(initialBackoff),
				backoff.WithMaxInterval(maxBackoff),
			),
			maxRetries,
		),
		ctx,
	)

	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !broker.IsTransportError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, d time.Duration) {
		s.log.Warn("retrying store operation", zap.String("op", name), zap.Duration("retry_in", d), zap.Error(err))
	})
}
