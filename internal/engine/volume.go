package engine

import (
	"fmt"
	"time"

	"SettleCore/internal/amount"

	"github.com/google/uuid"
)

// Party tags which side of a trade tripped a volume cap, so maker and taker
// rejections are distinguishable.
type Party string

const (
	PartyMaker Party = "maker"
	PartyTaker Party = "taker"
)

// VolumeLimitError reports a per-party cap violation.
type VolumeLimitError struct {
	Account uuid.UUID
	Party   Party
	Asset   string
	Used    uint64
	Add     uint64
	Cap     uint64
}

func (e *VolumeLimitError) Error() string {
	return fmt.Sprintf("volume limit exceeded for %s %s on %s: used %d + %d > cap %d",
		e.Party, e.Account, e.Asset, e.Used, e.Add, e.Cap)
}

type windowKey struct {
	Account uuid.UUID
	Asset   string
}

// VolumeTracker maintains per-account, per-asset cumulative volume within a
// rolling period window. Windows reset at period boundaries; caps are
// checked BEFORE any state commit, for every party to a trade.
//
// Not thread-safe — only accessed from the single-writer settlement core,
// which provides the required per-account linearizability.
type VolumeTracker struct {
	usage       map[windowKey]uint64
	windowStart map[windowKey]time.Time
}

func NewVolumeTracker() *VolumeTracker {
	return &VolumeTracker{
		usage:       make(map[windowKey]uint64),
		windowStart: make(map[windowKey]time.Time),
	}
}

func (v *VolumeTracker) currentUsage(key windowKey, period time.Duration, now time.Time) uint64 {
	start, ok := v.windowStart[key]
	if !ok || now.Sub(start) >= period {
		return 0
	}
	return v.usage[key]
}

// Check verifies that adding amt for the account stays within cap. A zero
// cap means unlimited. Read-only: call before committing any state.
func (v *VolumeTracker) Check(account uuid.UUID, party Party, asset string, amt, cap uint64, period time.Duration, now time.Time) error {
	if cap == 0 {
		return nil
	}

	key := windowKey{Account: account, Asset: asset}
	used := v.currentUsage(key, period, now)
	total, err := amount.Add(used, amt)
	if err != nil || total > cap {
		return &VolumeLimitError{Account: account, Party: party, Asset: asset, Used: used, Add: amt, Cap: cap}
	}
	return nil
}

// Record adds settled volume, rolling the window if the period elapsed.
// Only call after all checks for the operation have passed.
func (v *VolumeTracker) Record(account uuid.UUID, asset string, amt uint64, period time.Duration, now time.Time) {
	key := windowKey{Account: account, Asset: asset}
	start, ok := v.windowStart[key]
	if !ok || now.Sub(start) >= period {
		v.windowStart[key] = now.Truncate(period)
		v.usage[key] = 0
	}
	v.usage[key] += amt
}

// Usage returns current window usage for the query surface.
func (v *VolumeTracker) Usage(account uuid.UUID, asset string, period time.Duration, now time.Time) uint64 {
	return v.currentUsage(windowKey{Account: account, Asset: asset}, period, now)
}

// WindowSnapshot is a serializable window record.
type WindowSnapshot struct {
	Account     uuid.UUID
	Asset       string
	Usage       uint64
	WindowStart time.Time
}

func (v *VolumeTracker) Snapshot() []WindowSnapshot {
	out := make([]WindowSnapshot, 0, len(v.usage))
	for key, used := range v.usage {
		out = append(out, WindowSnapshot{
			Account:     key.Account,
			Asset:       key.Asset,
			Usage:       used,
			WindowStart: v.windowStart[key],
		})
	}
	return out
}

func (v *VolumeTracker) Restore(windows []WindowSnapshot) {
	v.usage = make(map[windowKey]uint64, len(windows))
	v.windowStart = make(map[windowKey]time.Time, len(windows))
	for _, w := range windows {
		key := windowKey{Account: w.Account, Asset: w.Asset}
		v.usage[key] = w.Usage
		v.windowStart[key] = w.WindowStart
	}
}
