package validations

import (
	"context"

	"github.com/puzpuzpuz/xsync/v4"
)

// CachingUNL decorates a UNL oracle with a concurrent, lock-free read
// cache so a burst of ingests for the same signer does not re-enter the
// external collaborator on every arrival. It sits outside the validation
// lock entirely — it never touches byLedger, current, the stale queue, or
// writing — so it has no bearing on the concurrency model in spec §5.
//
// Membership is cached optimistically and never invalidated on its own;
// call Refresh (e.g. from the same cron tick that drives the aging sweep)
// when the UNL can change.
type CachingUNL struct {
	upstream UNL
	cache    *xsync.Map[NodeID, bool]
}

// NewCachingUNL wraps upstream with a caching layer.
func NewCachingUNL(upstream UNL) *CachingUNL {
	return &CachingUNL{
		upstream: upstream,
		cache:    xsync.NewMap[NodeID, bool](),
	}
}

// Contains implements UNL.
func (u *CachingUNL) Contains(ctx context.Context, node NodeID) bool {
	if trusted, ok := u.cache.Load(node); ok {
		return trusted
	}
	trusted := u.upstream.Contains(ctx, node)
	u.cache.Store(node, trusted)
	return trusted
}

// Refresh drops every cached entry, forcing the next lookup per node back
// to the upstream oracle.
func (u *CachingUNL) Refresh() {
	u.cache.Clear()
}
