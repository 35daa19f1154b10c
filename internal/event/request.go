package event

import (
	"time"
)

// RequestType discriminator for settlement-core requests
type RequestType int32

const (
	RequestTypeUnknown RequestType = iota
	RequestTypeLockIntent
	RequestTypeSettle
	RequestTypeCancelIntent
	RequestTypeDepositConfirmed
	RequestTypeWithdrawRequested
	RequestTypeClaimFees
	RequestTypeTimelockPropose
	RequestTypeTimelockExecute
	RequestTypeTimelockCancel
	RequestTypeComplianceRefresh
	RequestTypeComplianceInvalidate
)

func (rt RequestType) String() string {
	switch rt {
	case RequestTypeLockIntent:
		return "LockIntent"
	case RequestTypeSettle:
		return "Settle"
	case RequestTypeCancelIntent:
		return "CancelIntent"
	case RequestTypeDepositConfirmed:
		return "DepositConfirmed"
	case RequestTypeWithdrawRequested:
		return "WithdrawRequested"
	case RequestTypeClaimFees:
		return "ClaimFees"
	case RequestTypeTimelockPropose:
		return "TimelockPropose"
	case RequestTypeTimelockExecute:
		return "TimelockExecute"
	case RequestTypeTimelockCancel:
		return "TimelockCancel"
	case RequestTypeComplianceRefresh:
		return "ComplianceRefresh"
	case RequestTypeComplianceInvalidate:
		return "ComplianceInvalidate"
	default:
		return "Unknown"
	}
}

// Request is the interface all settlement-core request payloads implement.
// Timestamps are versioned inputs carried on the request — the core never
// reads the wall clock mid-operation.
type Request interface {
	// IdempotencyKey returns the stable transport dedup key
	IdempotencyKey() string

	// RequestType returns the discriminator
	RequestType() RequestType

	// Partition returns the ordering partition for source sequencing
	Partition() string

	// SourceSequence returns the upstream ordering key
	SourceSequence() int64

	// OccurredAt returns the versioned input timestamp
	OccurredAt() time.Time
}

// Envelope wraps every applied request in the settlement log
type Envelope struct {
	// Global monotonic sequence assigned by the core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Request type discriminator
	RequestType RequestType

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded request payload
	Payload []byte

	// SHA-256 of state AFTER applying this request
	StateHash [32]byte

	// Previous record's state hash (chain integrity)
	PrevHash [32]byte
}
