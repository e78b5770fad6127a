package cache

import (
	"context"
	"time"
)

// permissionTTL bounds how long a cached role set may lag a role change that
// was not explicitly invalidated.
const permissionTTL = 10 * time.Minute

const roleKeyPrefix = "perm:roles:"

// PermissionCache caches the resolved role set per employee. Role and
// permission changes must call Invalidate so the next read re-resolves.
type PermissionCache struct {
	cache *Cache
}

func NewPermissionCache(c *Cache) *PermissionCache {
	return &PermissionCache{cache: c}
}

// Roles returns the cached role set, or serviceerr.ErrNotFound on a miss.
func (p *PermissionCache) Roles(ctx context.Context, employeeID string) ([]string, error) {
	var roles []string
	if err := p.cache.Get(ctx, roleKeyPrefix+employeeID, &roles); err != nil {
		return nil, err
	}

	return roles, nil
}

func (p *PermissionCache) SetRoles(ctx context.Context, employeeID string, roles []string) error {
	return p.cache.Set(ctx, roleKeyPrefix+employeeID, roles, permissionTTL)
}

// Invalidate drops the cached role set for one employee.
func (p *PermissionCache) Invalidate(ctx context.Context, employeeID string) error {
	return p.cache.Del(ctx, roleKeyPrefix+employeeID)
}

// InvalidateAll drops every cached role set, e.g. after a bulk permission
// migration.
func (p *PermissionCache) InvalidateAll(ctx context.Context) error {
	return p.cache.InvalidateByPattern(ctx, roleKeyPrefix+"*")
}
