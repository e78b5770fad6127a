// Package cache is a tiered key/value store. Every operation prefers the
// volatile shared cache and degrades to an in-process expiring map when the
// connection health manager reports the cache unavailable. Values cross a
// single JSON encode/decode boundary so that only typed records are stored.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/valkey-io/valkey-go"

	"github.com/stafflow/authkit/internal/cachehealth"
	"github.com/stafflow/authkit/internal/serviceerr"
)

const (
	// DefaultTTL applies when a caller passes a non-positive TTL.
	DefaultTTL = 5 * time.Minute

	// memorySweepInterval bounds memory growth in the fallback tier. Expiry
	// itself is checked lazily on every read; the sweep is purely a
	// reclamation pass.
	memorySweepInterval = 5 * time.Minute
)

type Cache struct {
	health     *cachehealth.Manager
	memory     *gocache.Cache
	prefix     string
	defaultTTL time.Duration
}

type Option func(*Cache)

func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.defaultTTL = ttl }
}

func New(health *cachehealth.Manager, prefix string, opts ...Option) *Cache {
	prefix = strings.TrimSuffix(prefix, ":")
	c := &Cache{
		health:     health,
		memory:     gocache.New(DefaultTTL, memorySweepInterval),
		prefix:     prefix,
		defaultTTL: DefaultTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c
}

// Degraded reports whether reads are currently served by the memory tier.
func (c *Cache) Degraded() bool {
	return c.health.InFallbackMode() || !c.health.IsHealthy()
}

// Get decodes the value stored under key. Returns serviceerr.ErrNotFound
// when no tier holds the key.
func (c *Cache) Get(ctx context.Context, key string, decodeInto any) error {
	fullKey := c.key(key)

	raw, err := cachehealth.SafeOperation(ctx, c.health,
		func(ctx context.Context, client valkey.Client) ([]byte, error) {
			bytes, err := client.Do(ctx, client.B().Get().Key(fullKey).Build()).AsBytes()
			if err != nil {
				if valkeyErr, ok := valkey.IsValkeyErr(err); ok && valkeyErr.IsNil() {
					return nil, serviceerr.ErrNotFound
				}

				return nil, fmt.Errorf("executing get command: %w", err)
			}

			return bytes, nil
		},
		func(ctx context.Context) ([]byte, error) {
			return c.memoryGet(fullKey)
		},
	)
	if err != nil {
		return err
	}

	return decode(raw, decodeInto)
}

// Set stores the value under key with the given TTL (DefaultTTL when ttl<=0).
func (c *Cache) Set(ctx context.Context, key string, val any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	raw, err := encode(val)
	if err != nil {
		return err
	}

	fullKey := c.key(key)

	_, err = cachehealth.SafeOperation(ctx, c.health,
		func(ctx context.Context, client valkey.Client) (struct{}, error) {
			cmd := client.B().Set().Key(fullKey).Value(valkey.BinaryString(raw)).Px(ttl).Build()
			if err := client.Do(ctx, cmd).Error(); err != nil {
				return struct{}{}, fmt.Errorf("executing set command: %w", err)
			}

			return struct{}{}, nil
		},
		func(ctx context.Context) (struct{}, error) {
			c.memory.Set(fullKey, raw, ttl)
			return struct{}{}, nil
		},
	)

	return err
}

// Del removes the key from both tiers. Deleting an absent key is a success.
func (c *Cache) Del(ctx context.Context, key string) error {
	fullKey := c.key(key)

	// The memory tier may hold a stale copy written during a degraded
	// window; a delete must always win over it.
	c.memory.Delete(fullKey)

	_, err := cachehealth.SafeOperation(ctx, c.health,
		func(ctx context.Context, client valkey.Client) (struct{}, error) {
			if err := client.Do(ctx, client.B().Del().Key(fullKey).Build()).Error(); err != nil {
				return struct{}{}, fmt.Errorf("executing del command: %w", err)
			}

			return struct{}{}, nil
		},
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, nil
		},
	)

	return err
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	fullKey := c.key(key)

	return cachehealth.SafeOperation(ctx, c.health,
		func(ctx context.Context, client valkey.Client) (bool, error) {
			n, err := client.Do(ctx, client.B().Exists().Key(fullKey).Build()).AsInt64()
			if err != nil {
				return false, fmt.Errorf("executing exists command: %w", err)
			}

			return n > 0, nil
		},
		func(ctx context.Context) (bool, error) {
			_, found := c.memory.Get(fullKey)
			return found, nil
		},
	)
}

// TTL returns the remaining lifetime of key, or serviceerr.ErrNotFound.
func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, error) {
	fullKey := c.key(key)

	return cachehealth.SafeOperation(ctx, c.health,
		func(ctx context.Context, client valkey.Client) (time.Duration, error) {
			sec, err := client.Do(ctx, client.B().Ttl().Key(fullKey).Build()).AsInt64()
			if err != nil {
				return 0, fmt.Errorf("executing ttl command: %w", err)
			}
			if sec == -2 {
				return 0, serviceerr.ErrNotFound
			}
			if sec == -1 {
				return 0, nil
			}

			return time.Duration(sec) * time.Second, nil
		},
		func(ctx context.Context) (time.Duration, error) {
			_, expiry, found := c.memory.GetWithExpiration(fullKey)
			if !found {
				return 0, serviceerr.ErrNotFound
			}
			if expiry.IsZero() {
				return 0, nil
			}

			return time.Until(expiry), nil
		},
	)
}

// InvalidateByPattern deletes every key matching the wildcard pattern, e.g.
// "session:*". The pattern is relative to this cache's prefix.
func (c *Cache) InvalidateByPattern(ctx context.Context, pattern string) error {
	fullPattern := c.key(pattern)

	c.memoryInvalidatePattern(fullPattern)

	_, err := cachehealth.SafeOperation(ctx, c.health,
		func(ctx context.Context, client valkey.Client) (struct{}, error) {
			return struct{}{}, scanAndDelete(ctx, client, fullPattern)
		},
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, nil
		},
	)

	return err
}

// Flush drops everything under this cache's prefix.
func (c *Cache) Flush(ctx context.Context) error {
	return c.InvalidateByPattern(ctx, "*")
}

func scanAndDelete(ctx context.Context, client valkey.Client, pattern string) error {
	var cursor uint64
	for {
		scan, err := client.Do(ctx, client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build()).AsScanEntry()
		if err != nil {
			return fmt.Errorf("executing scan command: %w", err)
		}

		cursor = scan.Cursor
		for _, key := range scan.Elements {
			if err := client.Do(ctx, client.B().Del().Key(key).Build()).Error(); err != nil {
				return fmt.Errorf("executing del command: %w", err)
			}
		}

		if cursor == 0 {
			return nil
		}
	}
}

func (c *Cache) memoryGet(fullKey string) ([]byte, error) {
	val, found := c.memory.Get(fullKey)
	if !found {
		return nil, serviceerr.ErrNotFound
	}

	raw, ok := val.([]byte)
	if !ok {
		return nil, serviceerr.ErrNotFound
	}

	return raw, nil
}

func (c *Cache) memoryInvalidatePattern(fullPattern string) {
	re := patternToRegexp(fullPattern)
	for key := range c.memory.Items() {
		if re.MatchString(key) {
			c.memory.Delete(key)
		}
	}
}

// patternToRegexp translates a simple '*' wildcard pattern into an anchored
// regular expression.
func patternToRegexp(pattern string) *regexp.Regexp {
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}

	return regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
}

func (c *Cache) key(key string) string {
	if c.prefix == "" {
		return key
	}

	return c.prefix + ":" + key
}

func encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling json: %w", err)
	}

	return raw, nil
}

func decode(data []byte, into any) error {
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("unmarshaling json: %w", err)
	}

	return nil
}
