package compliance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome of a compliance check.
type Status int32

const (
	StatusNonCompliant Status = iota // zero value: fail closed
	StatusCompliant
	StatusCheckFailed
)

func (s Status) String() string {
	switch s {
	case StatusCompliant:
		return "compliant"
	case StatusNonCompliant:
		return "non_compliant"
	case StatusCheckFailed:
		return "check_failed"
	default:
		return "unknown"
	}
}

// Result is a compliance verdict with its validity horizon.
type Result struct {
	Status     Status
	Reason     string
	ValidUntil time.Time
}

// ErrOracleUnavailable is raised by oracles that cannot answer. The gate
// treats it as NON_COMPLIANT, never as an implicit allow.
var ErrOracleUnavailable = errors.New("compliance: oracle unavailable")

// Oracle is the external compliance collaborator.
type Oracle interface {
	Query(ctx context.Context, account uuid.UUID, asset string) (Result, error)
}

type cacheKey struct {
	Account uuid.UUID
	Asset   string
}

// Gate consults the compliance oracle and caches verdicts with a TTL.
//
// The gate fails closed: a missing cache entry, an expired entry, an
// unregistered asset, or an oracle failure all yield NON_COMPLIANT. The read
// path (Check) never writes the cache — only Refresh, which is invoked by
// the authorized refresher path, may populate it.
//
// The read path takes `now` as an argument: the single-writer core supplies
// versioned timestamps and never reads the wall clock mid-operation.
type Gate struct {
	oracle Oracle
	ttl    time.Duration
	cache  map[cacheKey]Result

	// Assets with a registered policy. Checks for anything else are
	// NON_COMPLIANT by construction.
	registered map[string]bool
}

func NewGate(oracle Oracle, ttl time.Duration) *Gate {
	return &Gate{
		oracle:     oracle,
		ttl:        ttl,
		cache:      make(map[cacheKey]Result),
		registered: make(map[string]bool),
	}
}

// RegisterAsset marks an asset as having a compliance policy.
func (g *Gate) RegisterAsset(asset string) {
	g.registered[asset] = true
}

// Check returns the cached verdict for (account, asset), failing closed.
func (g *Gate) Check(account uuid.UUID, asset string, now time.Time) Result {
	if !g.registered[asset] {
		return Result{Status: StatusNonCompliant, Reason: "no compliance policy registered for asset"}
	}

	cached, ok := g.cache[cacheKey{Account: account, Asset: asset}]
	if !ok {
		return Result{Status: StatusNonCompliant, Reason: "no compliance verdict cached"}
	}
	if now.After(cached.ValidUntil) {
		return Result{Status: StatusNonCompliant, Reason: "cached compliance verdict expired"}
	}
	return cached
}

// Refresh queries the oracle and writes the verdict into the cache. Only the
// authorized refresher role reaches this path; the settlement read path
// cannot populate the cache, which closes the unauthenticated cache-poisoning
// hole.
func (g *Gate) Refresh(ctx context.Context, account uuid.UUID, asset string, now time.Time) (Result, error) {
	if !g.registered[asset] {
		return Result{Status: StatusNonCompliant, Reason: "no compliance policy registered for asset"}, nil
	}

	result, err := g.oracle.Query(ctx, account, asset)
	if err != nil {
		// Oracle failure is cached as a hard deny so settlements fail
		// closed rather than retrying the oracle on every check.
		result = Result{
			Status:     StatusNonCompliant,
			Reason:     "oracle unavailable: " + err.Error(),
			ValidUntil: now.Add(g.ttl),
		}
		g.cache[cacheKey{Account: account, Asset: asset}] = result
		return result, errors.Join(ErrOracleUnavailable, err)
	}

	if result.ValidUntil.IsZero() || result.ValidUntil.After(now.Add(g.ttl)) {
		result.ValidUntil = now.Add(g.ttl)
	}
	if result.Status == StatusCheckFailed {
		result.Status = StatusNonCompliant
		if result.Reason == "" {
			result.Reason = "oracle reported check failure"
		}
	}

	g.cache[cacheKey{Account: account, Asset: asset}] = result
	return result, nil
}

// Invalidate drops a cached verdict immediately. Authorized-only.
func (g *Gate) Invalidate(account uuid.UUID, asset string) {
	delete(g.cache, cacheKey{Account: account, Asset: asset})
}

// SnapshotEntry is a serializable cache record.
type SnapshotEntry struct {
	Account    uuid.UUID
	Asset      string
	Status     Status
	Reason     string
	ValidUntil time.Time
}

func (g *Gate) Snapshot() []SnapshotEntry {
	out := make([]SnapshotEntry, 0, len(g.cache))
	for k, v := range g.cache {
		out = append(out, SnapshotEntry{
			Account:    k.Account,
			Asset:      k.Asset,
			Status:     v.Status,
			Reason:     v.Reason,
			ValidUntil: v.ValidUntil,
		})
	}
	return out
}

func (g *Gate) Restore(entries []SnapshotEntry) {
	g.cache = make(map[cacheKey]Result, len(entries))
	for _, e := range entries {
		g.cache[cacheKey{Account: e.Account, Asset: e.Asset}] = Result{
			Status:     e.Status,
			Reason:     e.Reason,
			ValidUntil: e.ValidUntil,
		}
	}
}
