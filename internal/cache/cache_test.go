package cache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valkey-io/valkey-go"

	"github.com/stafflow/authkit/internal/cache"
	"github.com/stafflow/authkit/internal/cachehealth"
	"github.com/stafflow/authkit/internal/serviceerr"
)

// newFallbackCache returns a cache whose health manager was never connected,
// so every operation lands in the memory tier.
func newFallbackCache(t *testing.T) *cache.Cache {
	t.Helper()
	health := cachehealth.NewManager(valkey.ClientOption{})
	return cache.New(health, "test")
}

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestSetGetRoundTrip(t *testing.T) {
	c := newFallbackCache(t)
	ctx := t.Context()

	require.NoError(t, c.Set(ctx, "record:1", record{Name: "a", Count: 2}, time.Minute))

	var got record
	require.NoError(t, c.Get(ctx, "record:1", &got))
	assert.Equal(t, record{Name: "a", Count: 2}, got)
}

func TestGetMissing(t *testing.T) {
	c := newFallbackCache(t)

	var got record
	err := c.Get(t.Context(), "record:absent", &got)
	assert.ErrorIs(t, err, serviceerr.ErrNotFound)
}

func TestDelIsIdempotent(t *testing.T) {
	c := newFallbackCache(t)
	ctx := t.Context()

	require.NoError(t, c.Set(ctx, "record:1", record{}, time.Minute))
	require.NoError(t, c.Del(ctx, "record:1"))
	require.NoError(t, c.Del(ctx, "record:1"))

	var got record
	assert.ErrorIs(t, c.Get(ctx, "record:1", &got), serviceerr.ErrNotFound)
}

func TestExists(t *testing.T) {
	c := newFallbackCache(t)
	ctx := t.Context()

	found, err := c.Exists(ctx, "record:1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, "record:1", record{}, time.Minute))

	found, err = c.Exists(ctx, "record:1")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestTTL(t *testing.T) {
	c := newFallbackCache(t)
	ctx := t.Context()

	_, err := c.TTL(ctx, "record:absent")
	assert.ErrorIs(t, err, serviceerr.ErrNotFound)

	require.NoError(t, c.Set(ctx, "record:1", record{}, time.Hour))

	ttl, err := c.TTL(ctx, "record:1")
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)
	assert.LessOrEqual(t, ttl, time.Hour)
}

func TestEntryExpires(t *testing.T) {
	c := newFallbackCache(t)
	ctx := t.Context()

	require.NoError(t, c.Set(ctx, "record:1", record{}, 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	var got record
	assert.ErrorIs(t, c.Get(ctx, "record:1", &got), serviceerr.ErrNotFound)
}

func TestInvalidateByPattern(t *testing.T) {
	c := newFallbackCache(t)
	ctx := t.Context()

	require.NoError(t, c.Set(ctx, "session:1", record{}, time.Minute))
	require.NoError(t, c.Set(ctx, "session:2", record{}, time.Minute))
	require.NoError(t, c.Set(ctx, "csrf:1", record{}, time.Minute))

	require.NoError(t, c.InvalidateByPattern(ctx, "session:*"))

	var got record
	assert.ErrorIs(t, c.Get(ctx, "session:1", &got), serviceerr.ErrNotFound)
	assert.ErrorIs(t, c.Get(ctx, "session:2", &got), serviceerr.ErrNotFound)
	assert.NoError(t, c.Get(ctx, "csrf:1", &got))
}

func TestFlush(t *testing.T) {
	c := newFallbackCache(t)
	ctx := t.Context()

	require.NoError(t, c.Set(ctx, "a", record{}, time.Minute))
	require.NoError(t, c.Set(ctx, "b", record{}, time.Minute))

	require.NoError(t, c.Flush(ctx))

	var got record
	assert.ErrorIs(t, c.Get(ctx, "a", &got), serviceerr.ErrNotFound)
	assert.ErrorIs(t, c.Get(ctx, "b", &got), serviceerr.ErrNotFound)
}

func TestDegradedReportsFallback(t *testing.T) {
	health := cachehealth.NewManager(valkey.ClientOption{})
	c := cache.New(health, "test")

	assert.True(t, c.Degraded())
}

func TestPermissionCache(t *testing.T) {
	c := newFallbackCache(t)
	perms := cache.NewPermissionCache(c)
	ctx := t.Context()

	_, err := perms.Roles(ctx, "42")
	assert.ErrorIs(t, err, serviceerr.ErrNotFound)

	require.NoError(t, perms.SetRoles(ctx, "42", []string{"admin", "hr"}))

	roles, err := perms.Roles(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "hr"}, roles)

	require.NoError(t, perms.Invalidate(ctx, "42"))

	_, err = perms.Roles(ctx, "42")
	assert.ErrorIs(t, err, serviceerr.ErrNotFound)
}

func TestPermissionCacheInvalidateAll(t *testing.T) {
	c := newFallbackCache(t)
	perms := cache.NewPermissionCache(c)
	ctx := t.Context()

	require.NoError(t, perms.SetRoles(ctx, "1", []string{"admin"}))
	require.NoError(t, perms.SetRoles(ctx, "2", []string{"viewer"}))

	require.NoError(t, perms.InvalidateAll(ctx))

	_, err := perms.Roles(ctx, "1")
	assert.ErrorIs(t, err, serviceerr.ErrNotFound)
	_, err = perms.Roles(ctx, "2")
	assert.ErrorIs(t, err, serviceerr.ErrNotFound)
}
