package event

import (
	"time"

	"github.com/google/uuid"
)

// LockIntent submits a proposed settlement for escrow. The trader's
// signature covers the full intent; the nonce is consumed on lock.
type LockIntent struct {
	IntentID     uuid.UUID
	Trader       uuid.UUID
	Counterparty uuid.UUID
	AssetIn      string // asset the trader delivers
	AssetOut     string // asset the trader receives
	AmountIn     uint64
	AmountOut    uint64
	Deadline     time.Time
	TraderNonce  uint64
	TraderSig    []byte
	Sequence     int64
	Timestamp    time.Time
}

func (r *LockIntent) IdempotencyKey() string    { return "lock:" + r.IntentID.String() }
func (r *LockIntent) RequestType() RequestType  { return RequestTypeLockIntent }
func (r *LockIntent) Partition() string         { return "intents" }
func (r *LockIntent) SourceSequence() int64     { return r.Sequence }
func (r *LockIntent) OccurredAt() time.Time     { return r.Timestamp }

// Settle finalizes a locked intent with the counterparty's proof.
type Settle struct {
	IntentID          uuid.UUID
	CounterpartyNonce uint64
	CounterpartySig   []byte
	Sequence          int64
	Timestamp         time.Time
}

func (r *Settle) IdempotencyKey() string   { return "settle:" + r.IntentID.String() }
func (r *Settle) RequestType() RequestType { return RequestTypeSettle }
func (r *Settle) Partition() string        { return "intents" }
func (r *Settle) SourceSequence() int64    { return r.Sequence }
func (r *Settle) OccurredAt() time.Time    { return r.Timestamp }

// CancelIntent returns escrowed funds to the trader. Valid after the
// deadline, or before it with a mutual cancellation signature.
type CancelIntent struct {
	IntentID  uuid.UUID
	Caller    uuid.UUID
	MutualSig []byte // counterparty's cancellation signature; optional
	Sequence  int64
	Timestamp time.Time
}

func (r *CancelIntent) IdempotencyKey() string   { return "cancel:" + r.IntentID.String() }
func (r *CancelIntent) RequestType() RequestType { return RequestTypeCancelIntent }
func (r *CancelIntent) Partition() string        { return "intents" }
func (r *CancelIntent) SourceSequence() int64    { return r.Sequence }
func (r *CancelIntent) OccurredAt() time.Time    { return r.Timestamp }
