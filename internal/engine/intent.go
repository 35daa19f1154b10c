package engine

import (
	"time"

	"github.com/google/uuid"
)

// IntentState is the per-intent lifecycle:
// CREATED -> LOCKED -> (SETTLED | CANCELLED)
type IntentState int32

const (
	IntentStateCreated IntentState = iota
	IntentStateLocked
	IntentStateSettled
	IntentStateCancelled
)

func (s IntentState) String() string {
	switch s {
	case IntentStateCreated:
		return "created"
	case IntentStateLocked:
		return "locked"
	case IntentStateSettled:
		return "settled"
	case IntentStateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// CanTransitionTo enforces the legal state machine edges.
func (s IntentState) CanTransitionTo(next IntentState) bool {
	switch s {
	case IntentStateCreated:
		return next == IntentStateLocked
	case IntentStateLocked:
		return next == IntentStateSettled || next == IntentStateCancelled
	default:
		return false // SETTLED and CANCELLED are terminal
	}
}

// Intent is a proposed settlement between two parties. The trader delivers
// AmountIn of AssetIn and receives AmountOut of AssetOut; the counterparty
// is the other side of both legs.
type Intent struct {
	ID           uuid.UUID
	Trader       uuid.UUID
	Counterparty uuid.UUID
	AssetIn      string
	AssetOut     string
	AmountIn     uint64
	AmountOut    uint64
	Deadline     time.Time
	TraderNonce  uint64
	State        IntentState
	LockedAt     time.Time
	Version      int64
}

// Expired reports whether the deadline has passed at the given time.
func (i *Intent) Expired(now time.Time) bool {
	return now.After(i.Deadline)
}

// IntentStore holds all intents by ID.
// Not thread-safe — only accessed from the single-writer settlement core.
type IntentStore struct {
	intents map[uuid.UUID]*Intent
}

func NewIntentStore() *IntentStore {
	return &IntentStore{intents: make(map[uuid.UUID]*Intent)}
}

func (s *IntentStore) Get(id uuid.UUID) (*Intent, bool) {
	i, ok := s.intents[id]
	return i, ok
}

func (s *IntentStore) Put(i *Intent) {
	s.intents[i.ID] = i
}

func (s *IntentStore) All() []*Intent {
	out := make([]*Intent, 0, len(s.intents))
	for _, i := range s.intents {
		out = append(out, i)
	}
	return out
}

func (s *IntentStore) Restore(intents []*Intent) {
	s.intents = make(map[uuid.UUID]*Intent, len(intents))
	for _, i := range intents {
		s.intents[i.ID] = i
	}
}
