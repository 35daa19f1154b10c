package timelock

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ParamKey identifies a timelocked configuration parameter.
type ParamKey string

// Well-known parameter keys.
const (
	KeyFeePolicy        ParamKey = "fee_policy"
	KeyVolumeCap        ParamKey = "volume_cap"
	KeyVolumePeriod     ParamKey = "volume_period"
	KeyComplianceOracle ParamKey = "compliance_oracle"
	KeyHaltClear        ParamKey = "halt_clear"

	// Self-referential safety keys: changing what counts as critical, or
	// the critical floor itself, must go through the critical path too —
	// otherwise two quick proposals could downgrade a delay.
	KeyCriticalSet     ParamKey = "critical_set"
	KeyCriticalMinimum ParamKey = "critical_minimum"
)

// ProposalState is the per-proposal state machine:
// NONE -> PROPOSED -> (EXECUTED | CANCELLED)
type ProposalState int32

const (
	StateProposed ProposalState = iota
	StateExecuted
	StateCancelled
)

func (s ProposalState) String() string {
	switch s {
	case StateProposed:
		return "proposed"
	case StateExecuted:
		return "executed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

var (
	ErrProposalPending  = errors.New("timelock: proposal already pending for key")
	ErrTooEarly         = errors.New("timelock: delay has not elapsed")
	ErrNotFound         = errors.New("timelock: proposal not found")
	ErrAlreadyExecuted  = errors.New("timelock: proposal already executed")
	ErrAlreadyCancelled = errors.New("timelock: proposal already cancelled")
	ErrDelayTooShort    = errors.New("timelock: delay below critical minimum")
	ErrUnauthorized     = errors.New("timelock: caller not authorized")
)

// Proposal is one queued configuration change.
type Proposal struct {
	ID         uuid.UUID
	Key        ParamKey
	NewValue   []byte // opaque encoded value, applied by the engine on execute
	ProposedAt time.Time
	Delay      time.Duration
	State      ProposalState
	Proposer   uuid.UUID
}

// ReadyAt returns the earliest execution time.
func (p *Proposal) ReadyAt() time.Time {
	return p.ProposedAt.Add(p.Delay)
}

// Admin queues privileged configuration changes behind a mandatory delay.
// At most one proposal per key may be pending: a second propose cannot
// overwrite (and thereby shorten) an in-flight change.
//
// Not thread-safe — only accessed from the single-writer settlement core.
type Admin struct {
	proposals map[uuid.UUID]*Proposal
	pending   map[ParamKey]uuid.UUID

	critical        map[ParamKey]bool
	criticalMinimum time.Duration
	guardian        uuid.UUID
}

// NewAdmin creates a timelock with the pre-seeded critical key set. The
// guardian is the only identity allowed to cancel pending proposals.
func NewAdmin(criticalMinimum time.Duration, guardian uuid.UUID) *Admin {
	return &Admin{
		proposals: make(map[uuid.UUID]*Proposal),
		pending:   make(map[ParamKey]uuid.UUID),
		critical: map[ParamKey]bool{
			KeyFeePolicy:        true,
			KeyComplianceOracle: true,
			KeyHaltClear:        true,
			KeyCriticalSet:      true,
			KeyCriticalMinimum:  true,
		},
		criticalMinimum: criticalMinimum,
		guardian:        guardian,
	}
}

// IsCritical reports whether a key requires the critical minimum delay.
// The reclassification keys are unconditionally critical.
func (a *Admin) IsCritical(key ParamKey) bool {
	if key == KeyCriticalSet || key == KeyCriticalMinimum {
		return true
	}
	return a.critical[key]
}

// SetCritical reclassifies a key. Must only be invoked by the engine when
// executing a KeyCriticalSet proposal — never directly.
func (a *Admin) SetCritical(key ParamKey, critical bool) {
	if key == KeyCriticalSet || key == KeyCriticalMinimum {
		return // always critical
	}
	a.critical[key] = critical
}

// SetCriticalMinimum updates the critical floor. Must only be invoked by the
// engine when executing a KeyCriticalMinimum proposal.
func (a *Admin) SetCriticalMinimum(d time.Duration) {
	a.criticalMinimum = d
}

// CriticalMinimum returns the current critical floor.
func (a *Admin) CriticalMinimum() time.Duration {
	return a.criticalMinimum
}

// Propose queues a change for key under the caller-supplied id. The id is
// the originating request's id, so a log replay reproduces the same
// proposal id the client was handed. Fails with ErrProposalPending while a
// prior proposal for the same key is still in PROPOSED state, and with
// ErrDelayTooShort when a critical key is proposed below the critical
// minimum (no silent clamping).
func (a *Admin) Propose(id uuid.UUID, key ParamKey, newValue []byte, delay time.Duration, proposer uuid.UUID, now time.Time) error {
	if prior, ok := a.pending[key]; ok {
		if p := a.proposals[prior]; p != nil && p.State == StateProposed {
			return fmt.Errorf("%w: %s (proposal %s)", ErrProposalPending, key, prior)
		}
	}
	if _, exists := a.proposals[id]; exists {
		return fmt.Errorf("%w: proposal %s already exists", ErrProposalPending, id)
	}

	if a.IsCritical(key) && delay < a.criticalMinimum {
		return fmt.Errorf("%w: key %s needs >= %s, got %s",
			ErrDelayTooShort, key, a.criticalMinimum, delay)
	}

	p := &Proposal{
		ID:         id,
		Key:        key,
		NewValue:   newValue,
		ProposedAt: now,
		Delay:      delay,
		State:      StateProposed,
		Proposer:   proposer,
	}
	a.proposals[p.ID] = p
	a.pending[key] = p.ID
	return nil
}

// Execute transitions a proposal to EXECUTED once its delay has elapsed and
// returns it so the engine can apply NewValue. The ledger-visible state
// change happens here; applying the value is the caller's next step within
// the same atomic operation.
func (a *Admin) Execute(id uuid.UUID, now time.Time) (*Proposal, error) {
	p, ok := a.proposals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	switch p.State {
	case StateExecuted:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExecuted, id)
	case StateCancelled:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyCancelled, id)
	}

	if now.Before(p.ReadyAt()) {
		return nil, fmt.Errorf("%w: ready at %s, now %s", ErrTooEarly, p.ReadyAt(), now)
	}

	p.State = StateExecuted
	delete(a.pending, p.Key)
	return p, nil
}

// Cancel aborts a pending proposal. Guardian-only, any time before execute.
func (a *Admin) Cancel(id uuid.UUID, caller uuid.UUID) error {
	if caller != a.guardian {
		return fmt.Errorf("%w: %s is not the guardian", ErrUnauthorized, caller)
	}

	p, ok := a.proposals[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch p.State {
	case StateExecuted:
		return fmt.Errorf("%w: %s", ErrAlreadyExecuted, id)
	case StateCancelled:
		return fmt.Errorf("%w: %s", ErrAlreadyCancelled, id)
	}

	p.State = StateCancelled
	delete(a.pending, p.Key)
	return nil
}

// Get returns a proposal by ID.
func (a *Admin) Get(id uuid.UUID) (*Proposal, bool) {
	p, ok := a.proposals[id]
	return p, ok
}

// Pending returns the in-flight proposal for a key, if any.
func (a *Admin) Pending(key ParamKey) (*Proposal, bool) {
	id, ok := a.pending[key]
	if !ok {
		return nil, false
	}
	p := a.proposals[id]
	if p == nil || p.State != StateProposed {
		return nil, false
	}
	return p, true
}

// All returns every proposal, for the query surface.
func (a *Admin) All() []*Proposal {
	out := make([]*Proposal, 0, len(a.proposals))
	for _, p := range a.proposals {
		out = append(out, p)
	}
	return out
}

// SnapshotState is the serializable timelock state.
type SnapshotState struct {
	Proposals       []Proposal
	CriticalKeys    []ParamKey
	CriticalMinimum time.Duration
	Guardian        uuid.UUID
}

func (a *Admin) Snapshot() *SnapshotState {
	snap := &SnapshotState{
		CriticalMinimum: a.criticalMinimum,
		Guardian:        a.guardian,
	}
	for _, p := range a.proposals {
		snap.Proposals = append(snap.Proposals, *p)
	}
	for k, v := range a.critical {
		if v {
			snap.CriticalKeys = append(snap.CriticalKeys, k)
		}
	}
	return snap
}

func (a *Admin) Restore(snap *SnapshotState) {
	a.proposals = make(map[uuid.UUID]*Proposal, len(snap.Proposals))
	a.pending = make(map[ParamKey]uuid.UUID)
	a.critical = make(map[ParamKey]bool, len(snap.CriticalKeys))
	a.criticalMinimum = snap.CriticalMinimum
	a.guardian = snap.Guardian

	for i := range snap.Proposals {
		p := snap.Proposals[i]
		a.proposals[p.ID] = &p
		if p.State == StateProposed {
			a.pending[p.Key] = p.ID
		}
	}
	for _, k := range snap.CriticalKeys {
		a.critical[k] = true
	}
}
