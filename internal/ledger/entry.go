package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// EntryOp classifies a ledger mutation for the settlement log
type EntryOp int32

const (
	EntryOpDeposit EntryOp = iota
	EntryOpEscrowLock
	EntryOpEscrowRelease
	EntryOpSettleNet
	EntryOpFeeAccrue
	EntryOpFeeClaim
	EntryOpFeeClaimRestore
	EntryOpWithdrawal
	EntryOpWithdrawalRestore
	EntryOpRefund
)

func (op EntryOp) String() string {
	switch op {
	case EntryOpDeposit:
		return "deposit"
	case EntryOpEscrowLock:
		return "escrow_lock"
	case EntryOpEscrowRelease:
		return "escrow_release"
	case EntryOpSettleNet:
		return "settle_net"
	case EntryOpFeeAccrue:
		return "fee_accrue"
	case EntryOpFeeClaim:
		return "fee_claim"
	case EntryOpFeeClaimRestore:
		return "fee_claim_restore"
	case EntryOpWithdrawal:
		return "withdrawal"
	case EntryOpWithdrawalRestore:
		return "withdrawal_restore"
	case EntryOpRefund:
		return "refund"
	default:
		return "unknown"
	}
}

// Entry records one applied ledger mutation. Source and Destination describe
// the value flow; for boundary operations (deposit, claim, withdrawal) one
// side is the external custody boundary, recorded as a system account path.
type Entry struct {
	EntryID     uuid.UUID
	BatchID     uuid.UUID
	EventRef    string // idempotency key of the triggering request
	Sequence    int64
	Op          EntryOp
	Source      AccountKey
	Destination AccountKey
	AssetID     AssetID
	Amount      uint64 // raw units, always > 0
	Timestamp   int64  // versioned input timestamp (epoch microseconds)
}

// Batch groups the entries produced by one settlement-core operation.
// A batch is applied atomically: the core mutates the ledger and emits the
// batch only after every precondition has passed.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Entries   []Entry
}

// Validate ensures the batch is well-formed before it is persisted.
func (b *Batch) Validate() error {
	for _, e := range b.Entries {
		if e.Amount == 0 {
			return fmt.Errorf("entry %s has zero amount", e.EntryID)
		}
		if e.BatchID != b.BatchID {
			return fmt.Errorf("entry %s has mismatched batch_id", e.EntryID)
		}
		if e.Source == e.Destination {
			return fmt.Errorf("entry %s has same source and destination account", e.EntryID)
		}
	}
	return nil
}
