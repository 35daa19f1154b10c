package fees_test

import (
	"context"
	"errors"
	"testing"

	"SettleCore/internal/custody"
	"SettleCore/internal/fees"
	"SettleCore/internal/ledger"

	"github.com/google/uuid"
)

type fakeAdapter struct {
	fail      bool
	sentDelta uint64 // actual = requested - sentDelta
	calls     int
}

func (f *fakeAdapter) Deposit(ctx context.Context, account uuid.UUID, asset string, amt uint64) (custody.Result, error) {
	f.calls++
	if f.fail {
		return custody.Result{}, errors.New("custodian offline")
	}
	return custody.Result{Requested: amt, Actual: amt - f.sentDelta}, nil
}

func (f *fakeAdapter) Withdraw(ctx context.Context, account uuid.UUID, asset string, amt uint64) (custody.Result, error) {
	f.calls++
	if f.fail {
		return custody.Result{}, errors.New("custodian offline")
	}
	return custody.Result{Requested: amt, Actual: amt - f.sentDelta}, nil
}

func newEscrowWithGross(t *testing.T, l *ledger.Ledger, gross uint64) (ledger.AccountKey, ledger.AssetID) {
	t.Helper()
	assetID, _ := ledger.GetAssetID("USDT")
	escrow := ledger.EscrowAccountKey(assetID)
	if err := l.CreditFromDeposit(escrow, gross); err != nil {
		t.Fatal(err)
	}
	return escrow, assetID
}

func policy703010(total uint32) (fees.Policy, [3]uuid.UUID) {
	recipients := [3]uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	return fees.Policy{
		TotalBps: total,
		Recipients: []fees.Recipient{
			{Account: recipients[0], Bps: 7000},
			{Account: recipients[1], Bps: 2000},
			{Account: recipients[2], Bps: 1000},
		},
	}, recipients
}

func TestPolicy_Validate(t *testing.T) {
	cases := []struct {
		name   string
		policy fees.Policy
		want   error
	}{
		{"empty is no-fee", fees.Policy{}, nil},
		{"no recipients", fees.Policy{TotalBps: 100}, fees.ErrNoRecipients},
		{"zero weight", fees.Policy{TotalBps: 100, Recipients: []fees.Recipient{{Account: uuid.New(), Bps: 0}}}, fees.ErrZeroWeight},
		{"weights over 100%", fees.Policy{TotalBps: 100, Recipients: []fees.Recipient{
			{Account: uuid.New(), Bps: 9000},
			{Account: uuid.New(), Bps: 2000},
		}}, fees.ErrWeightSum},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.policy.Validate()
			if tc.want == nil && err != nil {
				t.Errorf("got %v, want nil", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestPolicy_TooManyRecipients(t *testing.T) {
	p := fees.Policy{TotalBps: 100}
	for i := 0; i < fees.MaxRecipients+1; i++ {
		p.Recipients = append(p.Recipients, fees.Recipient{Account: uuid.New(), Bps: 1})
	}
	if !errors.Is(p.Validate(), fees.ErrTooManyRecipients) {
		t.Error("want ErrTooManyRecipients")
	}
}

// 1% fee on a 1500-unit gross: fee 15, split 70/20/10 into (10, 3, 2) with
// the rounding unit on the last share; net 1485 stays in escrow.
func TestDistribute_SplitsAndAccrues(t *testing.T) {
	l := ledger.New()
	escrow, assetID := newEscrowWithGross(t, l, 1500)
	policy, recipients := policy703010(100)

	d := fees.NewDistributor(l)
	dist, err := d.Distribute(escrow, 1500, policy)
	if err != nil {
		t.Fatal(err)
	}

	if dist.FeeTotal != 15 || dist.Net != 1485 {
		t.Errorf("fee=%d net=%d, want 15/1485", dist.FeeTotal, dist.Net)
	}

	want := []uint64{10, 3, 2}
	for i, r := range recipients {
		if got := l.Accrual(r, assetID); got != want[i] {
			t.Errorf("accrual[%d]: got %d, want %d", i, got, want[i])
		}
	}
	if l.Balance(escrow) != 1485 {
		t.Errorf("escrow: got %d, want 1485", l.Balance(escrow))
	}
	if !l.IsSolvent(assetID) {
		t.Error("distribution must preserve solvency")
	}

	// Accrual deltas account for exactly gross - net.
	if l.TotalAccruals(assetID) != 1500-dist.Net {
		t.Errorf("accrual total %d != gross - net %d", l.TotalAccruals(assetID), 1500-dist.Net)
	}
}

func TestDistribute_ZeroPolicyNoFee(t *testing.T) {
	l := ledger.New()
	escrow, assetID := newEscrowWithGross(t, l, 1000)

	d := fees.NewDistributor(l)
	dist, err := d.Distribute(escrow, 1000, fees.Policy{})
	if err != nil {
		t.Fatal(err)
	}
	if dist.FeeTotal != 0 || dist.Net != 1000 {
		t.Errorf("fee=%d net=%d, want 0/1000", dist.FeeTotal, dist.Net)
	}
	if l.TotalAccruals(assetID) != 0 {
		t.Error("zero policy must accrue nothing")
	}
}

func TestDistribute_PartialWeightsStillDistributeWholeFee(t *testing.T) {
	l := ledger.New()
	escrow, assetID := newEscrowWithGross(t, l, 10_000)

	a, b := uuid.New(), uuid.New()
	policy := fees.Policy{
		TotalBps: 200, // 2% = 200 units
		Recipients: []fees.Recipient{
			{Account: a, Bps: 5000},
			{Account: b, Bps: 4000}, // 1000 bps unassigned -> last share
		},
	}

	d := fees.NewDistributor(l)
	dist, err := d.Distribute(escrow, 10_000, policy)
	if err != nil {
		t.Fatal(err)
	}
	if dist.FeeTotal != 200 {
		t.Fatalf("fee: got %d, want 200", dist.FeeTotal)
	}
	if got := l.Accrual(a, assetID); got != 100 {
		t.Errorf("a: got %d, want 100", got)
	}
	if got := l.Accrual(b, assetID); got != 100 {
		t.Errorf("b: got %d, want 100 (80 + unassigned 20)", got)
	}
}

func TestClaim_ZeroesThenDelivers(t *testing.T) {
	l := ledger.New()
	escrow, assetID := newEscrowWithGross(t, l, 1000)
	policy, recipients := policy703010(100)

	d := fees.NewDistributor(l)
	if _, err := d.Distribute(escrow, 1000, policy); err != nil {
		t.Fatal(err)
	}

	adapter := &fakeAdapter{}
	claimed, err := d.Claim(context.Background(), adapter, recipients[0], "USDT")
	if err != nil {
		t.Fatal(err)
	}
	if claimed != 7 {
		t.Errorf("claimed: got %d, want 7", claimed)
	}
	if l.Accrual(recipients[0], assetID) != 0 {
		t.Error("claimed accrual must be zero")
	}
	if !l.IsSolvent(assetID) {
		t.Error("claim must preserve solvency")
	}
}

func TestClaim_FailureRestoresAccrual(t *testing.T) {
	l := ledger.New()
	escrow, assetID := newEscrowWithGross(t, l, 1000)
	policy, recipients := policy703010(100)

	d := fees.NewDistributor(l)
	if _, err := d.Distribute(escrow, 1000, policy); err != nil {
		t.Fatal(err)
	}
	before := l.Accrual(recipients[0], assetID)

	adapter := &fakeAdapter{fail: true}
	_, err := d.Claim(context.Background(), adapter, recipients[0], "USDT")
	if !errors.Is(err, custody.ErrExternalCall) {
		t.Fatalf("got %v, want ErrExternalCall", err)
	}

	if got := l.Accrual(recipients[0], assetID); got != before {
		t.Errorf("accrual after failed claim: got %d, want %d", got, before)
	}
	if l.CustodiedAmount(assetID) != 1000 {
		t.Error("failed claim must not move custody")
	}
}

func TestClaim_FeeOnTransferReconciliation(t *testing.T) {
	l := ledger.New()
	escrow, assetID := newEscrowWithGross(t, l, 10_000)
	policy, recipients := policy703010(100) // fee 100

	d := fees.NewDistributor(l)
	if _, err := d.Distribute(escrow, 10_000, policy); err != nil {
		t.Fatal(err)
	}

	// Custodian reports 1 unit less actually sent than requested.
	adapter := &fakeAdapter{sentDelta: 1}
	claimed, err := d.Claim(context.Background(), adapter, recipients[0], "USDT")
	if err != nil {
		t.Fatal(err)
	}
	if claimed != 70 {
		t.Fatalf("claimed: got %d, want 70", claimed)
	}
	// Custody reduced by actual (69), not requested (70): surplus stays.
	if l.CustodiedAmount(assetID) != 10_000-69 {
		t.Errorf("custody: got %d, want %d", l.CustodiedAmount(assetID), 10_000-69)
	}
	if !l.IsSolvent(assetID) {
		t.Error("actual-amount reconciliation must keep the ledger solvent")
	}
}
