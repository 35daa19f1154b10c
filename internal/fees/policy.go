package fees

import (
	"errors"
	"fmt"

	"SettleCore/internal/amount"

	"github.com/google/uuid"
)

// MaxRecipients bounds the fee-recipient list. Policies are admin-controlled
// and would otherwise grow without bound; the cap is enforced at validation
// time, before the policy ever reaches the timelock.
const MaxRecipients = 16

var (
	ErrNoRecipients      = errors.New("fees: policy has no recipients")
	ErrTooManyRecipients = errors.New("fees: policy exceeds recipient limit")
	ErrZeroWeight        = errors.New("fees: recipient has zero weight")
	ErrWeightSum         = errors.New("fees: weights exceed 10000 bps")
)

// Recipient is one share of the fee split.
type Recipient struct {
	Account uuid.UUID `json:"account"`
	Bps     uint32    `json:"bps"`
}

// Policy is an immutable fee-split configuration. It is validated when
// proposed, gated through the timelock, and loaded as a value copy at
// settlement time — never mutated mid-operation.
type Policy struct {
	// TotalBps is the fee taken from the gross amount, in basis points.
	TotalBps uint32 `json:"total_bps"`

	// Recipients split the fee; their Bps are weights over the fee itself
	// and may sum to at most 10000. Any shortfall, like rounding dust,
	// lands on the last recipient so the fee is fully distributed.
	Recipients []Recipient `json:"recipients"`
}

// Validate checks structural soundness. An empty policy (TotalBps == 0,
// no recipients) is valid and means no fee.
func (p Policy) Validate() error {
	if p.TotalBps == 0 && len(p.Recipients) == 0 {
		return nil
	}
	if p.TotalBps > amount.BpsDenominator {
		return fmt.Errorf("%w: total %d", ErrWeightSum, p.TotalBps)
	}
	if len(p.Recipients) == 0 {
		return ErrNoRecipients
	}
	if len(p.Recipients) > MaxRecipients {
		return fmt.Errorf("%w: %d > %d", ErrTooManyRecipients, len(p.Recipients), MaxRecipients)
	}

	var sum uint64
	for i, r := range p.Recipients {
		if r.Bps == 0 {
			return fmt.Errorf("%w: recipient %d", ErrZeroWeight, i)
		}
		if r.Account == uuid.Nil {
			return fmt.Errorf("fees: recipient %d has zero account", i)
		}
		sum += uint64(r.Bps)
	}
	if sum > amount.BpsDenominator {
		return fmt.Errorf("%w: sum %d", ErrWeightSum, sum)
	}
	return nil
}

// IsZero reports whether the policy charges no fee.
func (p Policy) IsZero() bool {
	return p.TotalBps == 0 || len(p.Recipients) == 0
}
