package fees

import (
	"context"
	"errors"
	"fmt"

	"SettleCore/internal/amount"
	"SettleCore/internal/custody"
	"SettleCore/internal/ledger"

	"github.com/google/uuid"
)

// AppliedShare records one recipient's cut of a distributed fee.
type AppliedShare struct {
	Recipient uuid.UUID
	Amount    uint64
}

// Distribution is the result of splitting a gross amount.
type Distribution struct {
	FeeTotal uint64
	Net      uint64
	Shares   []AppliedShare
}

// Distributor splits gross settlement amounts per policy and accrues the
// shares into the ledger. There is exactly one fee computation path:
// Distribute is invoked by every settlement, with no alternate path that can
// bypass it. Shares are accrued, never push-transferred — a paused or
// malicious recipient cannot block settlement.
type Distributor struct {
	ledger *ledger.Ledger
}

func NewDistributor(l *ledger.Ledger) *Distributor {
	return &Distributor{ledger: l}
}

// Distribute takes the policy's fee out of grossFrom (the escrow account
// holding the gross amount) and accrues each recipient's share. It returns
// the fee breakdown; the net remains in grossFrom for the caller to deliver.
//
// Fee first, net after: by the time the caller credits the counterparty, the
// accruals are already recorded, so sum(accrual deltas) == gross - net holds
// on every path.
func (d *Distributor) Distribute(grossFrom ledger.AccountKey, gross uint64, policy Policy) (Distribution, error) {
	if err := policy.Validate(); err != nil {
		return Distribution{}, err
	}
	if policy.IsZero() || gross == 0 {
		return Distribution{FeeTotal: 0, Net: gross}, nil
	}

	feeTotal, err := amount.Proportional(gross, uint64(policy.TotalBps), amount.BpsDenominator)
	if err != nil {
		return Distribution{}, fmt.Errorf("fee total: %w", err)
	}
	if feeTotal == 0 {
		return Distribution{FeeTotal: 0, Net: gross}, nil
	}

	weights := make([]uint32, len(policy.Recipients))
	for i, r := range policy.Recipients {
		weights[i] = r.Bps
	}

	shares, remainder, err := amount.SplitByBasisPoints(feeTotal, weights)
	if err != nil {
		return Distribution{}, fmt.Errorf("fee split: %w", err)
	}
	// Weights summing below 10000 leave a remainder slice of the fee;
	// assign it with the dust so the fee is always fully distributed.
	shares[len(shares)-1] += remainder

	dist := Distribution{
		FeeTotal: feeTotal,
		Net:      gross - feeTotal,
		Shares:   make([]AppliedShare, 0, len(shares)),
	}

	for i, share := range shares {
		if share == 0 {
			continue
		}
		recipient := policy.Recipients[i].Account
		if err := d.ledger.MoveToAccrual(grossFrom, recipient, share); err != nil {
			return Distribution{}, fmt.Errorf("accrue share for %s: %w", recipient, err)
		}
		dist.Shares = append(dist.Shares, AppliedShare{Recipient: recipient, Amount: share})
	}

	return dist, nil
}

// Claim delivers a recipient's accrued fees through the custody adapter,
// pull-pattern. The accrual is zeroed BEFORE the external transfer; if the
// transfer fails the accrual is restored in full and a retryable
// custody.ErrExternalCall is surfaced — nothing is silently lost.
func (d *Distributor) Claim(
	ctx context.Context,
	adapter custody.Adapter,
	recipient uuid.UUID,
	asset string,
) (uint64, error) {
	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return 0, fmt.Errorf("fees: unknown asset %q", asset)
	}

	amt, err := d.ledger.TakeAccrual(recipient, assetID)
	if err != nil {
		return 0, err
	}

	result, err := adapter.Withdraw(ctx, recipient, asset, amt)
	if err != nil {
		if restoreErr := d.ledger.RestoreAccrual(recipient, assetID, amt); restoreErr != nil {
			return 0, errors.Join(err, restoreErr)
		}
		return 0, fmt.Errorf("%w: claim for %s: %v", custody.ErrExternalCall, recipient, err)
	}

	if err := d.ledger.FinalizeOutflow(assetID, result.Actual); err != nil {
		return 0, err
	}
	return amt, nil
}
