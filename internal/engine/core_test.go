package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"SettleCore/internal/compliance"
	"SettleCore/internal/custody"
	"SettleCore/internal/engine"
	"SettleCore/internal/event"
	"SettleCore/internal/fees"
	"SettleCore/internal/ledger"
	"SettleCore/internal/timelock"

	"github.com/google/uuid"
)

// --- Test collaborators ---

// okVerifier accepts any signature equal to "ok".
type okVerifier struct{}

func (okVerifier) Verify(message, signature []byte, expectedSigner uuid.UUID) error {
	if string(signature) != "ok" {
		return fmt.Errorf("bad signature")
	}
	return nil
}

type fakeAdapter struct {
	failWithdraw bool
	sentDelta    uint64 // actual = requested - sentDelta (fee-on-transfer)
}

func (a *fakeAdapter) Deposit(ctx context.Context, account uuid.UUID, asset string, amt uint64) (custody.Result, error) {
	return custody.Result{Requested: amt, Actual: amt}, nil
}

func (a *fakeAdapter) Withdraw(ctx context.Context, account uuid.UUID, asset string, amt uint64) (custody.Result, error) {
	if a.failWithdraw {
		return custody.Result{}, fmt.Errorf("custodian timeout")
	}
	return custody.Result{Requested: amt, Actual: amt - a.sentDelta}, nil
}

type allowOracle struct{}

func (allowOracle) Query(ctx context.Context, account uuid.UUID, asset string) (compliance.Result, error) {
	return compliance.Result{Status: compliance.StatusCompliant}, nil
}

// --- Test harness ---

var (
	testGuardian = uuid.New()
	t0           = time.UnixMicro(1_000_000_000_000)
)

const testCriticalMinimum = time.Hour

type testEnv struct {
	core    *engine.Core
	persist chan engine.CoreOutput
	proj    chan engine.CoreOutput
	adapter *fakeAdapter
	seqs    map[string]int64
}

func newTestEnv() *testEnv {
	persistChan := make(chan engine.CoreOutput, 1024)
	projChan := make(chan engine.CoreOutput, 1024)
	adapter := &fakeAdapter{}

	gate := compliance.NewGate(allowOracle{}, 48*time.Hour)
	gate.RegisterAsset("USDT")
	gate.RegisterAsset("WBTC")

	c := engine.NewCore(0, engine.Config{
		DeploymentID:        "test",
		Guardian:            testGuardian,
		CriticalMinimum:     testCriticalMinimum,
		IdempotencyCapacity: 1024,
	}, okVerifier{}, adapter, gate, persistChan, projChan, nil, nil)

	return &testEnv{
		core:    c,
		persist: persistChan,
		proj:    projChan,
		adapter: adapter,
		seqs:    make(map[string]int64),
	}
}

func (e *testEnv) next(partition string) int64 {
	s := e.seqs[partition]
	e.seqs[partition] = s + 1
	return s
}

func (e *testEnv) process(t *testing.T, req event.Request) {
	t.Helper()
	if err := e.core.ProcessRequest(context.Background(), req); err != nil {
		t.Fatalf("ProcessRequest(%s) failed: %v", req.RequestType(), err)
	}
}

func (e *testEnv) deposit(t *testing.T, account uuid.UUID, asset string, amt uint64) {
	t.Helper()
	e.process(t, &event.DepositConfirmed{
		DepositID: uuid.New(),
		Account:   account,
		Asset:     asset,
		Requested: amt,
		Actual:    amt,
		Sequence:  e.next("custody"),
		Timestamp: t0,
	})
}

func (e *testEnv) refresh(t *testing.T, account uuid.UUID, asset string) {
	t.Helper()
	e.process(t, &event.ComplianceRefresh{
		RequestID: uuid.New(),
		Account:   account,
		Asset:     asset,
		Sequence:  e.next("compliance"),
		Timestamp: t0,
	})
}

func (e *testEnv) refreshParties(t *testing.T, trader, counterparty uuid.UUID) {
	t.Helper()
	for _, acct := range []uuid.UUID{trader, counterparty} {
		for _, asset := range []string{"USDT", "WBTC"} {
			e.refresh(t, acct, asset)
		}
	}
}

func (e *testEnv) proposeAndExecute(t *testing.T, key timelock.ParamKey, value []byte) {
	t.Helper()
	e.process(t, &event.TimelockPropose{
		RequestID: uuid.New(),
		Key:       string(key),
		NewValue:  value,
		DelayUs:   testCriticalMinimum.Microseconds(),
		Proposer:  testGuardian,
		Sequence:  e.next("admin"),
		Timestamp: t0,
	})
	p, ok := e.core.Timelock().Pending(key)
	if !ok {
		t.Fatalf("no pending proposal for %s", key)
	}
	e.process(t, &event.TimelockExecute{
		RequestID:  uuid.New(),
		ProposalID: p.ID,
		Sequence:   e.next("admin"),
		Timestamp:  t0.Add(testCriticalMinimum + time.Minute),
	})
}

func (e *testEnv) lockIntent(t *testing.T, trader, counterparty uuid.UUID, amountIn, amountOut, nonce uint64) *event.LockIntent {
	t.Helper()
	r := &event.LockIntent{
		IntentID:     uuid.New(),
		Trader:       trader,
		Counterparty: counterparty,
		AssetIn:      "USDT",
		AssetOut:     "WBTC",
		AmountIn:     amountIn,
		AmountOut:    amountOut,
		Deadline:     t0.Add(24 * time.Hour),
		TraderNonce:  nonce,
		TraderSig:    []byte("ok"),
		Sequence:     e.next("intents"),
		Timestamp:    t0,
	}
	e.process(t, r)
	return r
}

func (e *testEnv) settleRequest(intentID uuid.UUID, cpNonce uint64) *event.Settle {
	return &event.Settle{
		IntentID:          intentID,
		CounterpartyNonce: cpNonce,
		CounterpartySig:   []byte("ok"),
		Sequence:          e.next("intents"),
		Timestamp:         t0.Add(2 * time.Hour),
	}
}

func drainOutputs(ch chan engine.CoreOutput) []engine.CoreOutput {
	var outputs []engine.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func userKey(account uuid.UUID, asset string) ledger.AccountKey {
	id, _ := ledger.GetAssetID(asset)
	return ledger.NewUserAccountKey(account, id)
}

func assetID(asset string) ledger.AssetID {
	id, _ := ledger.GetAssetID(asset)
	return id
}

// ============================================================================
// Test: Custody boundary
// ============================================================================

func TestDepositConfirmed_CreditsActualNotRequested(t *testing.T) {
	env := newTestEnv()
	account := uuid.New()

	env.process(t, &event.DepositConfirmed{
		DepositID: uuid.New(),
		Account:   account,
		Asset:     "USDT",
		Requested: 1000,
		Actual:    997,
		Sequence:  env.next("custody"),
		Timestamp: t0,
	})

	if got := env.core.Ledger().Balance(userKey(account, "USDT")); got != 997 {
		t.Errorf("balance = %d, want 997", got)
	}
	if got := env.core.Ledger().CustodiedAmount(assetID("USDT")); got != 997 {
		t.Errorf("custody = %d, want 997", got)
	}

	outputs := drainOutputs(env.persist)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	e := outputs[0].Batch.Entries[0]
	if e.Op != ledger.EntryOpDeposit {
		t.Errorf("entry op = %s, want deposit", e.Op)
	}
	if e.Amount != 997 {
		t.Errorf("entry amount = %d, want 997", e.Amount)
	}
}

func TestWithdraw_ExternalFailure_RestoresBalance(t *testing.T) {
	env := newTestEnv()
	account := uuid.New()
	env.deposit(t, account, "USDT", 1000)
	env.adapter.failWithdraw = true

	err := env.core.ProcessRequest(context.Background(), &event.WithdrawRequested{
		WithdrawalID: uuid.New(),
		Account:      account,
		Asset:        "USDT",
		Amount:       400,
		Sequence:     env.next("custody"),
		Timestamp:    t0,
	})
	if !errors.Is(err, custody.ErrExternalCall) {
		t.Fatalf("expected ErrExternalCall, got %v", err)
	}

	if got := env.core.Ledger().Balance(userKey(account, "USDT")); got != 1000 {
		t.Errorf("balance after failed withdrawal = %d, want 1000", got)
	}
	if got := env.core.Ledger().CustodiedAmount(assetID("USDT")); got != 1000 {
		t.Errorf("custody after failed withdrawal = %d, want 1000", got)
	}
}

func TestWithdraw_FeeOnTransfer_ReducesCustodyByActual(t *testing.T) {
	env := newTestEnv()
	account := uuid.New()
	env.deposit(t, account, "USDT", 1000)
	env.adapter.sentDelta = 3 // custodian delivers 397 of 400

	env.process(t, &event.WithdrawRequested{
		WithdrawalID: uuid.New(),
		Account:      account,
		Asset:        "USDT",
		Amount:       400,
		Sequence:     env.next("custody"),
		Timestamp:    t0,
	})

	if got := env.core.Ledger().Balance(userKey(account, "USDT")); got != 600 {
		t.Errorf("balance = %d, want 600", got)
	}
	// The undelivered 3 stays custodied; the asset remains solvent.
	if got := env.core.Ledger().CustodiedAmount(assetID("USDT")); got != 603 {
		t.Errorf("custody = %d, want 603", got)
	}
	if !env.core.Ledger().IsSolvent(assetID("USDT")) {
		t.Error("asset should remain solvent after fee-on-transfer withdrawal")
	}
}

// ============================================================================
// Test: Intent lifecycle
// ============================================================================

func TestLockIntent_EscrowsFunds(t *testing.T) {
	env := newTestEnv()
	trader, cp := uuid.New(), uuid.New()
	env.deposit(t, trader, "USDT", 2000)

	env.lockIntent(t, trader, cp, 1500, 5, 0)

	if got := env.core.Ledger().Balance(userKey(trader, "USDT")); got != 500 {
		t.Errorf("trader balance = %d, want 500", got)
	}
	if got := env.core.Ledger().Balance(ledger.EscrowAccountKey(assetID("USDT"))); got != 1500 {
		t.Errorf("escrow balance = %d, want 1500", got)
	}
}

func TestLockIntent_NonceReplay_Fails(t *testing.T) {
	env := newTestEnv()
	trader, cp := uuid.New(), uuid.New()
	env.deposit(t, trader, "USDT", 2000)

	env.lockIntent(t, trader, cp, 500, 5, 7)

	replay := &event.LockIntent{
		IntentID:     uuid.New(),
		Trader:       trader,
		Counterparty: cp,
		AssetIn:      "USDT",
		AssetOut:     "WBTC",
		AmountIn:     500,
		AmountOut:    5,
		Deadline:     t0.Add(24 * time.Hour),
		TraderNonce:  7, // consumed above
		TraderSig:    []byte("ok"),
		Sequence:     env.next("intents"),
		Timestamp:    t0,
	}
	err := env.core.ProcessRequest(context.Background(), replay)
	if err == nil {
		t.Fatal("expected nonce replay to fail")
	}
	if got := env.core.Ledger().Balance(userKey(trader, "USDT")); got != 1500 {
		t.Errorf("trader balance after rejected replay = %d, want 1500", got)
	}
}

func TestLockIntent_ZeroSigner_Fails(t *testing.T) {
	env := newTestEnv()

	err := env.core.ProcessRequest(context.Background(), &event.LockIntent{
		IntentID:     uuid.New(),
		Trader:       uuid.Nil,
		Counterparty: uuid.New(),
		AssetIn:      "USDT",
		AssetOut:     "WBTC",
		AmountIn:     500,
		AmountOut:    5,
		Deadline:     t0.Add(24 * time.Hour),
		TraderNonce:  0,
		TraderSig:    []byte("ok"),
		Sequence:     env.next("intents"),
		Timestamp:    t0,
	})
	if !errors.Is(err, engine.ErrZeroSigner) {
		t.Fatalf("expected ErrZeroSigner, got %v", err)
	}
}

func TestSettle_AppliesFeesThenNet(t *testing.T) {
	env := newTestEnv()
	trader, cp := uuid.New(), uuid.New()
	rec1, rec2, rec3 := uuid.New(), uuid.New(), uuid.New()

	// 1% fee split 70/20/10.
	policy := fees.Policy{
		TotalBps: 100,
		Recipients: []fees.Recipient{
			{Account: rec1, Bps: 7000},
			{Account: rec2, Bps: 2000},
			{Account: rec3, Bps: 1000},
		},
	}
	env.proposeAndExecute(t, timelock.KeyFeePolicy, mustJSON(t, policy))

	env.deposit(t, trader, "USDT", 2000)
	env.deposit(t, cp, "WBTC", 10)
	env.refreshParties(t, trader, cp)

	lock := env.lockIntent(t, trader, cp, 1500, 5, 0)
	env.process(t, env.settleRequest(lock.IntentID, 0))

	// Fee on the 1500 USDT leg: 15, split (10, 3, 2) with dust to last.
	if got := env.core.Ledger().Accrual(rec1, assetID("USDT")); got != 10 {
		t.Errorf("rec1 USDT accrual = %d, want 10", got)
	}
	if got := env.core.Ledger().Accrual(rec2, assetID("USDT")); got != 3 {
		t.Errorf("rec2 USDT accrual = %d, want 3", got)
	}
	if got := env.core.Ledger().Accrual(rec3, assetID("USDT")); got != 2 {
		t.Errorf("rec3 USDT accrual = %d, want 2", got)
	}

	// Counterparty receives gross minus the full fee.
	if got := env.core.Ledger().Balance(userKey(cp, "USDT")); got != 1485 {
		t.Errorf("counterparty USDT = %d, want 1485", got)
	}
	// WBTC leg: fee on 5 is 0 (floor), trader receives all 5.
	if got := env.core.Ledger().Balance(userKey(trader, "WBTC")); got != 5 {
		t.Errorf("trader WBTC = %d, want 5", got)
	}

	intent, _ := env.core.Intents().Get(lock.IntentID)
	if intent.State != engine.IntentStateSettled {
		t.Errorf("intent state = %s, want settled", intent.State)
	}
}

// Fee conservation: accrual deltas sum to exactly gross minus net. There is
// no path that settles value without passing the distributor.
func TestSettle_FeeConservation(t *testing.T) {
	env := newTestEnv()
	trader, cp := uuid.New(), uuid.New()
	rec := uuid.New()

	policy := fees.Policy{
		TotalBps:   250, // 2.5%
		Recipients: []fees.Recipient{{Account: rec, Bps: 10000}},
	}
	env.proposeAndExecute(t, timelock.KeyFeePolicy, mustJSON(t, policy))

	env.deposit(t, trader, "USDT", 10_000)
	env.deposit(t, cp, "WBTC", 100)
	env.refreshParties(t, trader, cp)

	gross := uint64(9_999)
	lock := env.lockIntent(t, trader, cp, gross, 77, 0)
	env.process(t, env.settleRequest(lock.IntentID, 0))

	accrued := env.core.Ledger().TotalAccruals(assetID("USDT"))
	net := env.core.Ledger().Balance(userKey(cp, "USDT"))
	if accrued+net != gross {
		t.Errorf("fee conservation broken: accrued %d + net %d != gross %d", accrued, net, gross)
	}
}

func TestSettle_Duplicate_NoStateChange(t *testing.T) {
	env := newTestEnv()
	trader, cp := uuid.New(), uuid.New()

	env.deposit(t, trader, "USDT", 2000)
	env.deposit(t, cp, "WBTC", 10)
	env.refreshParties(t, trader, cp)

	lock := env.lockIntent(t, trader, cp, 1000, 5, 0)
	settle := env.settleRequest(lock.IntentID, 0)
	env.process(t, settle)
	drainOutputs(env.persist)

	cpBefore := env.core.Ledger().Balance(userKey(cp, "USDT"))
	traderBefore := env.core.Ledger().Balance(userKey(trader, "WBTC"))
	seqBefore := env.core.GetSequence()

	// Redelivery of the identical request: accepted, applied zero times.
	env.process(t, settle)

	if got := env.core.Ledger().Balance(userKey(cp, "USDT")); got != cpBefore {
		t.Errorf("counterparty balance changed on duplicate: %d != %d", got, cpBefore)
	}
	if got := env.core.Ledger().Balance(userKey(trader, "WBTC")); got != traderBefore {
		t.Errorf("trader balance changed on duplicate: %d != %d", got, traderBefore)
	}
	if got := env.core.GetSequence(); got != seqBefore {
		t.Errorf("sequence advanced on duplicate: %d != %d", got, seqBefore)
	}
	if outputs := drainOutputs(env.persist); len(outputs) != 0 {
		t.Errorf("duplicate emitted %d outputs, want 0", len(outputs))
	}
}

func TestSettle_NonCompliantParty_FailsClosed(t *testing.T) {
	env := newTestEnv()
	trader, cp := uuid.New(), uuid.New()

	env.deposit(t, trader, "USDT", 2000)
	env.deposit(t, cp, "WBTC", 10)
	// Only the trader is refreshed; the counterparty has no cached verdict.
	env.refresh(t, trader, "USDT")
	env.refresh(t, trader, "WBTC")

	lock := env.lockIntent(t, trader, cp, 1000, 5, 0)
	err := env.core.ProcessRequest(context.Background(), env.settleRequest(lock.IntentID, 0))
	if !errors.Is(err, engine.ErrNonCompliant) {
		t.Fatalf("expected ErrNonCompliant, got %v", err)
	}

	// Escrow untouched, counterparty untouched.
	if got := env.core.Ledger().Balance(ledger.EscrowAccountKey(assetID("USDT"))); got != 1000 {
		t.Errorf("escrow = %d, want 1000", got)
	}
	if got := env.core.Ledger().Balance(userKey(cp, "USDT")); got != 0 {
		t.Errorf("counterparty USDT = %d, want 0", got)
	}
}

func TestSettle_VolumeCaps_CheckBothParties(t *testing.T) {
	env := newTestEnv()
	trader, cp := uuid.New(), uuid.New()

	env.proposeAndExecute(t, timelock.KeyVolumeCap, []byte(`{"USDT": 1000}`))

	env.deposit(t, trader, "USDT", 2000)
	env.deposit(t, cp, "WBTC", 10)
	env.refreshParties(t, trader, cp)

	lock := env.lockIntent(t, trader, cp, 1500, 5, 0)
	err := env.core.ProcessRequest(context.Background(), env.settleRequest(lock.IntentID, 0))

	var volErr *engine.VolumeLimitError
	if !errors.As(err, &volErr) {
		t.Fatalf("expected VolumeLimitError, got %v", err)
	}
	if volErr.Party != engine.PartyMaker {
		t.Errorf("party = %s, want maker", volErr.Party)
	}
	if volErr.Account != trader {
		t.Errorf("account = %s, want trader %s", volErr.Account, trader)
	}
}

func TestSettle_RecordsVolumeForBothParties(t *testing.T) {
	env := newTestEnv()
	trader, cp := uuid.New(), uuid.New()

	env.deposit(t, trader, "USDT", 2000)
	env.deposit(t, cp, "WBTC", 600)
	env.refreshParties(t, trader, cp)

	lock := env.lockIntent(t, trader, cp, 1000, 500, 0)
	settle := env.settleRequest(lock.IntentID, 0)
	env.process(t, settle)

	period := env.core.Params().VolumePeriod
	if got := env.core.Volumes().Usage(trader, "USDT", period, settle.Timestamp); got != 1000 {
		t.Errorf("trader USDT volume = %d, want 1000", got)
	}
	if got := env.core.Volumes().Usage(cp, "WBTC", period, settle.Timestamp); got != 500 {
		t.Errorf("counterparty WBTC volume = %d, want 500", got)
	}
}

func TestCancel_AfterDeadline_RefundsTrader(t *testing.T) {
	env := newTestEnv()
	trader, cp := uuid.New(), uuid.New()
	env.deposit(t, trader, "USDT", 2000)

	lock := env.lockIntent(t, trader, cp, 1500, 5, 0)

	env.process(t, &event.CancelIntent{
		IntentID:  lock.IntentID,
		Caller:    trader,
		Sequence:  env.next("intents"),
		Timestamp: t0.Add(25 * time.Hour), // past the 24h deadline
	})

	if got := env.core.Ledger().Balance(userKey(trader, "USDT")); got != 2000 {
		t.Errorf("trader balance after refund = %d, want 2000", got)
	}
	intent, _ := env.core.Intents().Get(lock.IntentID)
	if intent.State != engine.IntentStateCancelled {
		t.Errorf("intent state = %s, want cancelled", intent.State)
	}
}

func TestCancel_BeforeDeadline_RequiresMutualSig(t *testing.T) {
	env := newTestEnv()
	trader, cp := uuid.New(), uuid.New()
	env.deposit(t, trader, "USDT", 2000)

	lock := env.lockIntent(t, trader, cp, 1500, 5, 0)

	err := env.core.ProcessRequest(context.Background(), &event.CancelIntent{
		IntentID:  lock.IntentID,
		Caller:    trader,
		Sequence:  env.next("intents"),
		Timestamp: t0.Add(time.Hour),
	})
	if !errors.Is(err, engine.ErrCancelNotAllowed) {
		t.Fatalf("expected ErrCancelNotAllowed, got %v", err)
	}

	env.process(t, &event.CancelIntent{
		IntentID:  lock.IntentID,
		Caller:    trader,
		MutualSig: []byte("ok"),
		Sequence:  env.next("intents"),
		Timestamp: t0.Add(time.Hour),
	})
	if got := env.core.Ledger().Balance(userKey(trader, "USDT")); got != 2000 {
		t.Errorf("trader balance after mutual cancel = %d, want 2000", got)
	}
}

func TestCancel_ByNonTrader_Fails(t *testing.T) {
	env := newTestEnv()
	trader, cp := uuid.New(), uuid.New()
	env.deposit(t, trader, "USDT", 2000)

	lock := env.lockIntent(t, trader, cp, 1500, 5, 0)

	err := env.core.ProcessRequest(context.Background(), &event.CancelIntent{
		IntentID:  lock.IntentID,
		Caller:    cp,
		Sequence:  env.next("intents"),
		Timestamp: t0.Add(25 * time.Hour),
	})
	if !errors.Is(err, engine.ErrNotParty) {
		t.Fatalf("expected ErrNotParty, got %v", err)
	}
}

// ============================================================================
// Test: Fee claims
// ============================================================================

func TestClaimFees_DeliversAndZeroes(t *testing.T) {
	env := newTestEnv()
	trader, cp := uuid.New(), uuid.New()
	rec := uuid.New()

	policy := fees.Policy{
		TotalBps:   100,
		Recipients: []fees.Recipient{{Account: rec, Bps: 10000}},
	}
	env.proposeAndExecute(t, timelock.KeyFeePolicy, mustJSON(t, policy))

	env.deposit(t, trader, "USDT", 2000)
	env.deposit(t, cp, "WBTC", 10)
	env.refreshParties(t, trader, cp)

	lock := env.lockIntent(t, trader, cp, 1500, 5, 0)
	env.process(t, env.settleRequest(lock.IntentID, 0))

	if got := env.core.Ledger().Accrual(rec, assetID("USDT")); got != 15 {
		t.Fatalf("accrual = %d, want 15", got)
	}

	env.process(t, &event.ClaimFees{
		ClaimID:   uuid.New(),
		Recipient: rec,
		Asset:     "USDT",
		Sequence:  env.next("custody"),
		Timestamp: t0.Add(3 * time.Hour),
	})

	if got := env.core.Ledger().Accrual(rec, assetID("USDT")); got != 0 {
		t.Errorf("accrual after claim = %d, want 0", got)
	}
	if got := env.core.Ledger().CustodiedAmount(assetID("USDT")); got != 2000-15 {
		t.Errorf("custody after claim = %d, want %d", got, 2000-15)
	}
	if !env.core.Ledger().IsSolvent(assetID("USDT")) {
		t.Error("asset should remain solvent after claim")
	}
}

func TestClaimFees_ExternalFailure_RestoresAccrual(t *testing.T) {
	env := newTestEnv()
	trader, cp := uuid.New(), uuid.New()
	rec := uuid.New()

	policy := fees.Policy{
		TotalBps:   100,
		Recipients: []fees.Recipient{{Account: rec, Bps: 10000}},
	}
	env.proposeAndExecute(t, timelock.KeyFeePolicy, mustJSON(t, policy))

	env.deposit(t, trader, "USDT", 2000)
	env.deposit(t, cp, "WBTC", 10)
	env.refreshParties(t, trader, cp)

	lock := env.lockIntent(t, trader, cp, 1500, 5, 0)
	env.process(t, env.settleRequest(lock.IntentID, 0))

	env.adapter.failWithdraw = true
	err := env.core.ProcessRequest(context.Background(), &event.ClaimFees{
		ClaimID:   uuid.New(),
		Recipient: rec,
		Asset:     "USDT",
		Sequence:  env.next("custody"),
		Timestamp: t0.Add(3 * time.Hour),
	})
	if !errors.Is(err, custody.ErrExternalCall) {
		t.Fatalf("expected ErrExternalCall, got %v", err)
	}

	// Nothing lost: the accrual is back in full.
	if got := env.core.Ledger().Accrual(rec, assetID("USDT")); got != 15 {
		t.Errorf("accrual after failed claim = %d, want 15", got)
	}
}

// ============================================================================
// Test: Timelock
// ============================================================================

func TestTimelockPropose_CriticalBelowMinimum_Fails(t *testing.T) {
	env := newTestEnv()

	err := env.core.ProcessRequest(context.Background(), &event.TimelockPropose{
		RequestID: uuid.New(),
		Key:       string(timelock.KeyFeePolicy),
		NewValue:  []byte(`{}`),
		DelayUs:   (10 * time.Minute).Microseconds(), // below the 1h floor
		Proposer:  testGuardian,
		Sequence:  env.next("admin"),
		Timestamp: t0,
	})
	if !errors.Is(err, timelock.ErrDelayTooShort) {
		t.Fatalf("expected ErrDelayTooShort, got %v", err)
	}
}

func TestTimelockPropose_SecondForSameKey_Fails(t *testing.T) {
	env := newTestEnv()

	env.process(t, &event.TimelockPropose{
		RequestID: uuid.New(),
		Key:       string(timelock.KeyVolumeCap),
		NewValue:  []byte(`{"USDT": 1000}`),
		DelayUs:   testCriticalMinimum.Microseconds(),
		Proposer:  testGuardian,
		Sequence:  env.next("admin"),
		Timestamp: t0,
	})

	// A second proposal cannot overwrite (and shorten) the pending one.
	err := env.core.ProcessRequest(context.Background(), &event.TimelockPropose{
		RequestID: uuid.New(),
		Key:       string(timelock.KeyVolumeCap),
		NewValue:  []byte(`{"USDT": 9999999}`),
		DelayUs:   testCriticalMinimum.Microseconds(),
		Proposer:  testGuardian,
		Sequence:  env.next("admin"),
		Timestamp: t0.Add(time.Minute),
	})
	if !errors.Is(err, timelock.ErrProposalPending) {
		t.Fatalf("expected ErrProposalPending, got %v", err)
	}
}

func TestTimelockExecute_BeforeDelay_Fails(t *testing.T) {
	env := newTestEnv()

	env.process(t, &event.TimelockPropose{
		RequestID: uuid.New(),
		Key:       string(timelock.KeyVolumeCap),
		NewValue:  []byte(`{"USDT": 1000}`),
		DelayUs:   testCriticalMinimum.Microseconds(),
		Proposer:  testGuardian,
		Sequence:  env.next("admin"),
		Timestamp: t0,
	})
	p, _ := env.core.Timelock().Pending(timelock.KeyVolumeCap)

	err := env.core.ProcessRequest(context.Background(), &event.TimelockExecute{
		RequestID:  uuid.New(),
		ProposalID: p.ID,
		Sequence:   env.next("admin"),
		Timestamp:  t0.Add(10 * time.Minute),
	})
	if !errors.Is(err, timelock.ErrTooEarly) {
		t.Fatalf("expected ErrTooEarly, got %v", err)
	}
}

// ============================================================================
// Test: Global invariants
// ============================================================================

// Solvency holds after an arbitrary mix of operations.
func TestSolvency_HoldsAcrossOperationSequence(t *testing.T) {
	env := newTestEnv()
	trader, cp := uuid.New(), uuid.New()
	rec := uuid.New()

	policy := fees.Policy{
		TotalBps:   100,
		Recipients: []fees.Recipient{{Account: rec, Bps: 10000}},
	}
	env.proposeAndExecute(t, timelock.KeyFeePolicy, mustJSON(t, policy))

	env.deposit(t, trader, "USDT", 5000)
	env.deposit(t, cp, "WBTC", 50)
	env.refreshParties(t, trader, cp)

	lock := env.lockIntent(t, trader, cp, 1500, 5, 0)
	env.process(t, env.settleRequest(lock.IntentID, 0))

	env.process(t, &event.WithdrawRequested{
		WithdrawalID: uuid.New(),
		Account:      trader,
		Asset:        "USDT",
		Amount:       1000,
		Sequence:     env.next("custody"),
		Timestamp:    t0.Add(3 * time.Hour),
	})
	env.process(t, &event.ClaimFees{
		ClaimID:   uuid.New(),
		Recipient: rec,
		Asset:     "USDT",
		Sequence:  env.next("custody"),
		Timestamp: t0.Add(3 * time.Hour),
	})

	for _, asset := range []string{"USDT", "WBTC"} {
		id := assetID(asset)
		if !env.core.Ledger().IsSolvent(id) {
			t.Errorf("%s insolvent: custody %d < balances %d + accruals %d",
				asset,
				env.core.Ledger().CustodiedAmount(id),
				env.core.Ledger().TotalBalances(id),
				env.core.Ledger().TotalAccruals(id))
		}
		if env.core.Ledger().Halted(id) {
			t.Errorf("%s halted", asset)
		}
	}
}

func TestSequenceGap_Rejected(t *testing.T) {
	env := newTestEnv()
	account := uuid.New()

	env.deposit(t, account, "USDT", 100) // seq 0

	err := env.core.ProcessRequest(context.Background(), &event.DepositConfirmed{
		DepositID: uuid.New(),
		Account:   account,
		Asset:     "USDT",
		Requested: 100,
		Actual:    100,
		Sequence:  5, // gap: expected 1
		Timestamp: t0,
	})
	if err == nil {
		t.Fatal("expected sequence gap rejection")
	}
}

// logBackedChecker stands in for the Postgres tier, which answers from the
// settlement log: during replay, every record being replayed is one it
// already holds.
type logBackedChecker struct{}

func (logBackedChecker) IsDuplicate(requestType, idempotencyKey string) (bool, error) {
	return true, nil
}

func TestReplay_BypassesDatabaseIdempotencyTier(t *testing.T) {
	persistChan := make(chan engine.CoreOutput, 1024)
	projChan := make(chan engine.CoreOutput, 1024)

	gate := compliance.NewGate(allowOracle{}, 48*time.Hour)
	gate.RegisterAsset("USDT")

	core := engine.NewCore(0, engine.Config{
		DeploymentID:        "test",
		Guardian:            testGuardian,
		CriticalMinimum:     testCriticalMinimum,
		IdempotencyCapacity: 1024,
	}, okVerifier{}, &fakeAdapter{}, gate, persistChan, projChan, logBackedChecker{}, nil)

	account := uuid.New()

	core.BeginReplay()
	err := core.ProcessRequest(context.Background(), &event.DepositConfirmed{
		DepositID: uuid.New(),
		Account:   account,
		Asset:     "USDT",
		Requested: 100,
		Actual:    100,
		Sequence:  0,
		Timestamp: t0,
	})
	core.EndReplay()
	if err != nil {
		t.Fatalf("replayed deposit rejected: %v", err)
	}

	if got := core.Ledger().Balance(userKey(account, "USDT")); got != 100 {
		t.Fatalf("replayed deposit not applied: balance = %d, want 100", got)
	}

	// Outside replay the database verdict stands: a request the cold tier
	// reports as seen is skipped without touching state.
	if err := core.ProcessRequest(context.Background(), &event.DepositConfirmed{
		DepositID: uuid.New(),
		Account:   account,
		Asset:     "USDT",
		Requested: 50,
		Actual:    50,
		Sequence:  1,
		Timestamp: t0,
	}); err != nil {
		t.Fatalf("duplicate-classified deposit errored: %v", err)
	}
	if got := core.Ledger().Balance(userKey(account, "USDT")); got != 100 {
		t.Fatalf("duplicate-classified deposit mutated state: balance = %d, want 100", got)
	}
}

func TestStateHashChain_Advances(t *testing.T) {
	env := newTestEnv()
	account := uuid.New()

	env.deposit(t, account, "USDT", 100)
	env.deposit(t, account, "USDT", 200)

	outputs := drainOutputs(env.persist)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
	var zero [32]byte
	for i, o := range outputs {
		if o.Envelope.StateHash == zero {
			t.Errorf("output %d has zero state hash", i)
		}
	}
	if outputs[0].Envelope.StateHash == outputs[1].Envelope.StateHash {
		t.Error("state hash did not advance between records")
	}
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	env := newTestEnv()
	trader, cp := uuid.New(), uuid.New()

	env.deposit(t, trader, "USDT", 2000)
	env.deposit(t, cp, "WBTC", 10)
	env.refreshParties(t, trader, cp)
	lock := env.lockIntent(t, trader, cp, 1000, 5, 42)

	snap := env.core.CreateSnapshotState()

	restored := newTestEnv()
	restored.core.RestoreFromSnapshot(snap)

	if got := restored.core.Ledger().Balance(userKey(trader, "USDT")); got != 1000 {
		t.Errorf("restored trader balance = %d, want 1000", got)
	}
	intent, ok := restored.core.Intents().Get(lock.IntentID)
	if !ok {
		t.Fatal("intent missing after restore")
	}
	if intent.State != engine.IntentStateLocked {
		t.Errorf("restored intent state = %s, want locked", intent.State)
	}
	if restored.core.GetSequence() != env.core.GetSequence() {
		t.Errorf("restored sequence = %d, want %d", restored.core.GetSequence(), env.core.GetSequence())
	}
	if restored.core.GetStateHash() != env.core.GetStateHash() {
		t.Error("restored state hash does not match")
	}
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
