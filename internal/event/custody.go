package event

import (
	"time"

	"github.com/google/uuid"
)

// DepositConfirmed reports that the external custodian received funds.
// Requested and Actual differ for fee-on-transfer assets; the ledger is
// credited with Actual only.
type DepositConfirmed struct {
	DepositID uuid.UUID
	Account   uuid.UUID
	Asset     string
	Requested uint64
	Actual    uint64
	Sequence  int64
	Timestamp time.Time
}

func (r *DepositConfirmed) IdempotencyKey() string   { return "deposit:" + r.DepositID.String() }
func (r *DepositConfirmed) RequestType() RequestType { return RequestTypeDepositConfirmed }
func (r *DepositConfirmed) Partition() string        { return "custody" }
func (r *DepositConfirmed) SourceSequence() int64    { return r.Sequence }
func (r *DepositConfirmed) OccurredAt() time.Time    { return r.Timestamp }

// WithdrawRequested debits the account and pushes funds out through the
// custody adapter. A failed external call re-credits the balance.
type WithdrawRequested struct {
	WithdrawalID uuid.UUID
	Account      uuid.UUID
	Asset        string
	Amount       uint64
	Sequence     int64
	Timestamp    time.Time
}

func (r *WithdrawRequested) IdempotencyKey() string   { return "withdraw:" + r.WithdrawalID.String() }
func (r *WithdrawRequested) RequestType() RequestType { return RequestTypeWithdrawRequested }
func (r *WithdrawRequested) Partition() string        { return "custody" }
func (r *WithdrawRequested) SourceSequence() int64    { return r.Sequence }
func (r *WithdrawRequested) OccurredAt() time.Time    { return r.Timestamp }

// ClaimFees delivers a recipient's accrued fees, pull-pattern.
type ClaimFees struct {
	ClaimID   uuid.UUID
	Recipient uuid.UUID
	Asset     string
	Sequence  int64
	Timestamp time.Time
}

func (r *ClaimFees) IdempotencyKey() string   { return "claim:" + r.ClaimID.String() }
func (r *ClaimFees) RequestType() RequestType { return RequestTypeClaimFees }
func (r *ClaimFees) Partition() string        { return "custody" }
func (r *ClaimFees) SourceSequence() int64    { return r.Sequence }
func (r *ClaimFees) OccurredAt() time.Time    { return r.Timestamp }
