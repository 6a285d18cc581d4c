// Package auth resolves tenant membership and role before any backend
// operation runs.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	syncerrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/pkg/types"
)

// MembershipResolver resolves an actor's membership in a tenant. It is
// supplied by an external identity collaborator; returning nil with no
// error means the actor has no membership in that tenant.
type MembershipResolver interface {
	ResolveMembership(ctx context.Context, uid, tenantID string) (*types.TenantMembership, error)
}

// Guard wraps every backend operation with a membership and role check.
// Lookups are cached with a short TTL so a role change propagates within
// the TTL without a resolver round trip per request.
type Guard struct {
	resolver MembershipResolver
	ttl      time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry

	now func() time.Time
}

type cacheEntry struct {
	membership *types.TenantMembership
	expiresAt  time.Time
}

// NewGuard creates a guard with the given membership cache TTL.
func NewGuard(resolver MembershipResolver, ttl time.Duration) *Guard {
	return &Guard{
		resolver: resolver,
		ttl:      ttl,
		cache:    make(map[string]cacheEntry),
		now:      time.Now,
	}
}

// Authorize checks that uid is an active member of tenantID with a role
// permitting the operation. A missing or foreign-tenant membership is
// reported as not found, never as "wrong tenant", so callers cannot
// probe which tenants exist.
func (g *Guard) Authorize(ctx context.Context, uid, tenantID string, write bool) (*types.TenantMembership, error) {
	if uid == "" || tenantID == "" {
		return nil, syncerrors.NewValidationError(syncerrors.CodeInvalidOperation,
			"caller identity and tenant are required")
	}

	m, err := g.lookup(ctx, uid, tenantID)
	if err != nil {
		return nil, err
	}

	if m == nil || m.TenantID != tenantID {
		return nil, syncerrors.NewNotFoundError(fmt.Sprintf("resource not found in tenant %s", tenantID))
	}

	if m.Status != types.MembershipActive {
		return nil, syncerrors.NewAuthError(syncerrors.CodeMemberInactive,
			fmt.Sprintf("membership for %s is %s", uid, m.Status))
	}

	if write && !m.Role.CanWrite() {
		return nil, syncerrors.NewAuthError(syncerrors.CodeRoleDenied,
			fmt.Sprintf("role %s cannot write", m.Role))
	}

	return m, nil
}

// lookup returns the cached membership or resolves and caches it.
func (g *Guard) lookup(ctx context.Context, uid, tenantID string) (*types.TenantMembership, error) {
	key := uid + "\x00" + tenantID

	g.mu.Lock()
	entry, ok := g.cache[key]
	if ok && g.now().Before(entry.expiresAt) {
		g.mu.Unlock()
		return entry.membership, nil
	}
	g.mu.Unlock()

	m, err := g.resolver.ResolveMembership(ctx, uid, tenantID)
	if err != nil {
		return nil, syncerrors.NewInternalError("membership resolution failed", err)
	}

	g.mu.Lock()
	g.cache[key] = cacheEntry{membership: m, expiresAt: g.now().Add(g.ttl)}
	g.mu.Unlock()

	return m, nil
}

// Invalidate drops any cached membership for (uid, tenantID).
func (g *Guard) Invalidate(uid, tenantID string) {
	g.mu.Lock()
	delete(g.cache, uid+"\x00"+tenantID)
	g.mu.Unlock()
}
