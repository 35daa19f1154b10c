package ingestion_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"SettleCore/internal/compliance"
	"SettleCore/internal/custody"
	"SettleCore/internal/engine"
	"SettleCore/internal/event"
	"SettleCore/internal/ingestion"
	"SettleCore/internal/ledger"
	"SettleCore/internal/timelock"

	"github.com/google/uuid"
)

type okVerifier struct{}

func (okVerifier) Verify(message, signature []byte, expectedSigner uuid.UUID) error {
	if string(signature) != "ok" {
		return fmt.Errorf("bad signature")
	}
	return nil
}

type passAdapter struct{}

func (passAdapter) Deposit(ctx context.Context, account uuid.UUID, asset string, amt uint64) (custody.Result, error) {
	return custody.Result{Requested: amt, Actual: amt}, nil
}

func (passAdapter) Withdraw(ctx context.Context, account uuid.UUID, asset string, amt uint64) (custody.Result, error) {
	return custody.Result{Requested: amt, Actual: amt}, nil
}

type allowOracle struct{}

func (allowOracle) Query(ctx context.Context, account uuid.UUID, asset string) (compliance.Result, error) {
	return compliance.Result{Status: compliance.StatusCompliant}, nil
}

var testGuardian = uuid.New()

func userKey(account uuid.UUID, asset string) ledger.AccountKey {
	id, _ := ledger.GetAssetID(asset)
	return ledger.NewUserAccountKey(account, id)
}

// injectEnv wires an InjectService to a real core the way main does:
// requests flow through the inject channel and a single feeder drains them
// into ProcessRequest. pump drains synchronously so assertions see the
// resulting state.
type injectEnv struct {
	core       *engine.Core
	svc        *ingestion.InjectService
	injectChan chan event.Request
}

func newInjectEnv(t *testing.T) *injectEnv {
	t.Helper()

	gate := compliance.NewGate(allowOracle{}, 48*time.Hour)
	gate.RegisterAsset("USDT")

	core := engine.NewCore(0, engine.Config{
		DeploymentID:        "test",
		Guardian:            testGuardian,
		CriticalMinimum:     time.Hour,
		IdempotencyCapacity: 1024,
	}, okVerifier{}, passAdapter{}, gate,
		make(chan engine.CoreOutput, 1024), make(chan engine.CoreOutput, 1024),
		nil, nil)

	injectChan := make(chan event.Request, 64)
	seqs := ingestion.NewSequenceAllocator(core.ExpectedSequences())

	return &injectEnv{
		core:       core,
		svc:        ingestion.NewInjectService(injectChan, seqs),
		injectChan: injectChan,
	}
}

func (e *injectEnv) pump(t *testing.T) {
	t.Helper()
	for {
		select {
		case req := <-e.injectChan:
			if err := e.core.ProcessRequest(context.Background(), req); err != nil {
				t.Fatalf("process injected %s: %v", req.RequestType(), err)
			}
		default:
			return
		}
	}
}

func TestInjectDeposit_AppliesThroughCore(t *testing.T) {
	env := newInjectEnv(t)
	account := uuid.New()
	ctx := context.Background()

	if err := env.svc.InjectDeposit(ctx, account, "USDT", 100, 100); err != nil {
		t.Fatalf("InjectDeposit: %v", err)
	}
	if err := env.svc.InjectDeposit(ctx, account, "USDT", 50, 50); err != nil {
		t.Fatalf("InjectDeposit: %v", err)
	}
	env.pump(t)

	if got := env.core.Ledger().Balance(userKey(account, "USDT")); got != 150 {
		t.Fatalf("balance = %d, want 150", got)
	}
}

func TestInjectSequences_ContinueAfterRecovery(t *testing.T) {
	env := newInjectEnv(t)
	account := uuid.New()
	ctx := context.Background()

	// A record already in the log consumed custody sequence 0.
	if err := env.core.ProcessRequest(ctx, &event.DepositConfirmed{
		DepositID: uuid.New(),
		Account:   account,
		Asset:     "USDT",
		Requested: 100,
		Actual:    100,
		Sequence:  0,
		Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	// An allocator seeded after recovery picks up at 1; the injected
	// request must clear sequence validation, not trip a gap.
	seqs := ingestion.NewSequenceAllocator(env.core.ExpectedSequences())
	svc := ingestion.NewInjectService(env.injectChan, seqs)

	if err := svc.InjectDeposit(ctx, account, "USDT", 50, 50); err != nil {
		t.Fatalf("InjectDeposit: %v", err)
	}
	env.pump(t)

	if got := env.core.Ledger().Balance(userKey(account, "USDT")); got != 150 {
		t.Fatalf("balance = %d, want 150", got)
	}
}

func TestInjectTimelock_ProposeAndCancel(t *testing.T) {
	env := newInjectEnv(t)
	ctx := context.Background()

	id, err := env.svc.InjectTimelockPropose(ctx, "fee_policy", []byte(`{}`), time.Hour, testGuardian)
	if err != nil {
		t.Fatalf("InjectTimelockPropose: %v", err)
	}
	if id == uuid.Nil {
		t.Fatal("InjectTimelockPropose returned nil id")
	}
	env.pump(t)

	p, ok := env.core.Timelock().Get(id)
	if !ok {
		t.Fatalf("proposal %s not recorded", id)
	}
	if p.Key != timelock.KeyFeePolicy || p.State != timelock.StateProposed {
		t.Fatalf("proposal = %s/%s, want fee_policy/proposed", p.Key, p.State)
	}

	if err := env.svc.InjectTimelockCancel(ctx, id, testGuardian); err != nil {
		t.Fatalf("InjectTimelockCancel: %v", err)
	}
	env.pump(t)

	p, _ = env.core.Timelock().Get(id)
	if p.State != timelock.StateCancelled {
		t.Fatalf("proposal state = %s, want cancelled", p.State)
	}
}
