package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"tessra/internal/domain"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	connectTimeout = 2 * time.Second
	scanBatchSize  = 100
)

// incrWindowScript increments the counter and arms its expiry on the first hit of
// a window. A counter left without a TTL is re-armed so it can never stick.
var incrWindowScript = goredis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if count == 1 or ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisStore implements Store on top of go-redis. The client is created on first
// use; concurrent first callers share a single connection attempt.
type RedisStore struct {
	opts   *goredis.Options
	client atomic.Pointer[goredis.Client]
	group  singleflight.Group
	dials  atomic.Int32
}

// NewRedisStore parses a redis:// URL. No connection is made until the first call.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &RedisStore{opts: opts}, nil
}

func (s *RedisStore) conn(ctx context.Context) (*goredis.Client, error) {
	if c := s.client.Load(); c != nil {
		return c, nil
	}

	ch := s.group.DoChan("connect", func() (any, error) {
		if c := s.client.Load(); c != nil {
			return c, nil
		}

		s.dials.Add(1)
		c := goredis.NewClient(s.opts)

		// Detached from any one caller so a cancelled request does not fail the
		// connection attempt the others are waiting on.
		pingCtx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()

		if err := c.Ping(pingCtx).Err(); err != nil {
			c.Close()
			return nil, err
		}

		s.client.Store(c)
		slog.Info("connected to redis", slog.String("addr", s.opts.Addr))
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, unavailable(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, unavailable(res.Err)
		}
		return res.Val.(*goredis.Client), nil
	}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: redis: %v", domain.ErrStoreUnavailable, err)
}

func mapErr(err error) error {
	if errors.Is(err, goredis.Nil) {
		return ErrMiss
	}
	return unavailable(err)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return "", err
	}
	v, err := c.Get(ctx, key).Result()
	if err != nil {
		return "", mapErr(err)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if err := c.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisStore) GetDel(ctx context.Context, key string) (string, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return "", err
	}
	v, err := c.GetDel(ctx, key).Result()
	if err != nil {
		return "", mapErr(err)
	}
	return v, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if err := c.Del(ctx, keys...).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	d, err := c.PTTL(ctx, key).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	// go-redis reports -2 for a missing key and -1 for a key without expiry.
	switch {
	case d == -2:
		return 0, ErrMiss
	case d < 0:
		return 0, nil
	}
	return d, nil
}

func (s *RedisStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return 0, 0, err
	}

	res, err := incrWindowScript.Run(ctx, c, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, unavailable(err)
	}
	if len(res) != 2 {
		return 0, 0, unavailable(fmt.Errorf("unexpected script reply of length %d", len(res)))
	}

	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

func (s *RedisStore) DeleteByPrefix(ctx context.Context, prefix string) (int64, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}

	// Collect first: SCAN may repeat keys, and some backends skip keys when
	// the keyspace shrinks mid-iteration.
	seen := make(map[string]struct{})
	iter := c.Scan(ctx, 0, prefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		seen[iter.Val()] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return 0, unavailable(err)
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}

	var deleted int64
	for start := 0; start < len(keys); start += scanBatchSize {
		batch := keys[start:min(start+scanBatchSize, len(keys))]
		n, err := c.Del(ctx, batch...).Result()
		if err != nil {
			return deleted, unavailable(err)
		}
		deleted += n
	}
	return deleted, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if err := c.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Close releases the connection pool if one was ever opened.
func (s *RedisStore) Close() error {
	if c := s.client.Swap(nil); c != nil {
		return c.Close()
	}
	return nil
}

// Verify interface compliance.
var _ Store = (*RedisStore)(nil)
