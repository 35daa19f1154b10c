package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"SettleCore/internal/compliance"
	"SettleCore/internal/custody"
	"SettleCore/internal/event"
	"SettleCore/internal/fees"
	"SettleCore/internal/ledger"
	"SettleCore/internal/nonce"
	"SettleCore/internal/observability"
	"SettleCore/internal/timelock"

	"github.com/google/uuid"
)

// Core is the single-threaded settlement processor. All value-bearing state
// (balances, accruals, escrow, nonces, intents, volume windows, timelocked
// parameters) is owned by this goroutine; per-operation atomicity follows
// from single-writer execution, not from locks.
type Core struct {
	sequence     int64
	hasher       *StateHasher
	ledger       *ledger.Ledger
	distributor  *fees.Distributor
	gate         *compliance.Gate
	timelock     *timelock.Admin
	nonces       *nonce.Registry
	intents      *IntentStore
	volumes      *VolumeTracker
	guard        *reentryGuard
	params       Params
	verifier     SignatureVerifier
	adapter      custody.Adapter
	deploymentID string

	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	replaying         bool

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is one applied request: its envelope, the ledger entries it
// produced, and the canonical digest bytes.
type CoreOutput struct {
	Envelope   *event.Envelope
	Batch      *ledger.Batch
	StateDelta []byte
}

// Config carries the startup parameters the core cannot derive itself.
type Config struct {
	DeploymentID        string
	Guardian            uuid.UUID
	CriticalMinimum     time.Duration
	IdempotencyCapacity int
}

func NewCore(
	startSequence int64,
	cfg Config,
	verifier SignatureVerifier,
	adapter custody.Adapter,
	gate *compliance.Gate,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *Core {
	capacity := cfg.IdempotencyCapacity
	if capacity == 0 {
		capacity = 1_000_000
	}

	l := ledger.New()

	return &Core{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		ledger:            l,
		distributor:       fees.NewDistributor(l),
		gate:              gate,
		timelock:          timelock.NewAdmin(cfg.CriticalMinimum, cfg.Guardian),
		nonces:            nonce.NewRegistry(),
		intents:           NewIntentStore(),
		volumes:           NewVolumeTracker(),
		guard:             newReentryGuard(),
		params:            DefaultParams(),
		verifier:          verifier,
		adapter:           adapter,
		deploymentID:      cfg.DeploymentID,
		idempotency:       NewIdempotencyChecker(capacity, dbChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// ProcessRequest is the main processing pipeline
func (c *Core) ProcessRequest(ctx context.Context, req event.Request) error {
	start := time.Now()
	requestType := req.RequestType().String()
	idempotencyKey := req.IdempotencyKey()

	// Step 1: Idempotency check. Two-tier normally; LRU-only during log
	// replay, because the database tier reads the settlement log itself and
	// would report every record being replayed as a duplicate.
	var isDuplicate bool
	if c.replaying {
		isDuplicate = c.idempotency.InMemoryDuplicate(requestType, idempotencyKey)
	} else {
		isDuplicate = c.idempotency.IsDuplicate(requestType, idempotencyKey)
	}

	// Step 2: Sequence validation
	partition := req.Partition()
	if err := c.sequenceValidator.ValidateSequence(partition, req.SourceSequence(), isDuplicate); err != nil {
		return fmt.Errorf("sequence validation failed: %w", err)
	}

	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreRequestsRejected.WithLabelValues(requestType, "duplicate").Inc()
		}
		return nil
	}

	// Step 3: Reentry guard. Held across the whole operation, including
	// external adapter calls, so a callback cannot re-enter the entity.
	entity := c.guardEntity(req)
	if err := c.guard.enter(entity); err != nil {
		return err
	}
	defer c.guard.exit(entity)

	// Step 4: Dispatch
	batch, err := c.dispatchRequest(ctx, req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.CoreRequestsRejected.WithLabelValues(requestType, "dispatch").Inc()
		}
		return fmt.Errorf("dispatch failed: %w", err)
	}

	if len(batch.Entries) > 0 {
		if err := batch.Validate(); err != nil {
			panic(fmt.Sprintf("FATAL: malformed batch: %v", err))
		}
	}

	// Step 5: Post-operation solvency checks. A breach halts the asset so
	// nothing further moves in it; the record itself stands.
	c.checkSolvency(batch)

	// Step 6: Digest, hash, envelope
	stateDigest := c.computeStateDigest(batch)
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)

	payload, err := json.Marshal(req)
	if err != nil {
		panic(fmt.Sprintf("FATAL: request payload not serializable: %v", err))
	}

	envelope := &event.Envelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		RequestType:    req.RequestType(),
		Timestamp:      req.OccurredAt(),
		SourceSequence: req.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       c.hasher.GetPrevHash(),
	}

	output := CoreOutput{
		Envelope:   envelope,
		Batch:      batch,
		StateDelta: stateDigest,
	}
	c.sequence++

	// Step 7: Emit. Persistence uses a BLOCKING send (backpressure, no
	// record lost); projections use a NON-BLOCKING send with silent drop
	// (they rebuild from the settlement log if they fall behind).
	c.persistChan <- output

	select {
	case c.projectionChan <- output:
	default:
	}

	// Step 8: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(requestType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreRequestsApplied.WithLabelValues(requestType).Inc()
		c.metrics.CoreRequestDuration.WithLabelValues(requestType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		for _, e := range batch.Entries {
			c.metrics.CoreEntries.WithLabelValues(e.Op.String()).Inc()
		}
	}

	return nil
}

// guardEntity maps a request to the entity whose mutation must not overlap.
func (c *Core) guardEntity(req event.Request) string {
	switch r := req.(type) {
	case *event.LockIntent:
		return "intent:" + r.IntentID.String()
	case *event.Settle:
		return "intent:" + r.IntentID.String()
	case *event.CancelIntent:
		return "intent:" + r.IntentID.String()
	case *event.DepositConfirmed:
		return "account:" + r.Account.String()
	case *event.WithdrawRequested:
		return "account:" + r.Account.String()
	case *event.ClaimFees:
		return "account:" + r.Recipient.String()
	case *event.TimelockPropose, *event.TimelockExecute, *event.TimelockCancel:
		return "admin"
	case *event.ComplianceRefresh:
		return "compliance:" + r.Account.String()
	case *event.ComplianceInvalidate:
		return "compliance:" + r.Account.String()
	default:
		return "global"
	}
}

func (c *Core) dispatchRequest(ctx context.Context, req event.Request) (*ledger.Batch, error) {
	switch r := req.(type) {
	case *event.LockIntent:
		return c.handleLockIntent(r)
	case *event.Settle:
		return c.handleSettle(r)
	case *event.CancelIntent:
		return c.handleCancelIntent(r)
	case *event.DepositConfirmed:
		return c.handleDepositConfirmed(r)
	case *event.WithdrawRequested:
		return c.handleWithdrawRequested(ctx, r)
	case *event.ClaimFees:
		return c.handleClaimFees(ctx, r)
	case *event.TimelockPropose:
		return c.handleTimelockPropose(r)
	case *event.TimelockExecute:
		return c.handleTimelockExecute(r)
	case *event.TimelockCancel:
		return c.handleTimelockCancel(r)
	case *event.ComplianceRefresh:
		return c.handleComplianceRefresh(ctx, r)
	case *event.ComplianceInvalidate:
		return c.handleComplianceInvalidate(r)
	default:
		return nil, fmt.Errorf("unknown request type: %T", req)
	}
}

// newBatch starts an entry batch for one request.
func (c *Core) newBatch(req event.Request) *ledger.Batch {
	return &ledger.Batch{
		BatchID:   uuid.New(),
		EventRef:  req.IdempotencyKey(),
		Sequence:  c.sequence,
		Timestamp: req.OccurredAt().UnixMicro(),
		Entries:   []ledger.Entry{},
	}
}

func (c *Core) appendEntry(b *ledger.Batch, op ledger.EntryOp, src, dst ledger.AccountKey, assetID ledger.AssetID, amt uint64) {
	b.Entries = append(b.Entries, ledger.Entry{
		EntryID:     uuid.New(),
		BatchID:     b.BatchID,
		EventRef:    b.EventRef,
		Sequence:    b.Sequence,
		Op:          op,
		Source:      src,
		Destination: dst,
		AssetID:     assetID,
		Amount:      amt,
		Timestamp:   b.Timestamp,
	})
}

// custodyBoundaryKey is the system account standing in for the external
// custodian on boundary entries (deposits, withdrawals, claims).
func custodyBoundaryKey(assetID ledger.AssetID) ledger.AccountKey {
	return ledger.NewSystemAccountKey("custody", assetID)
}

// === Intent lifecycle ===

func (c *Core) handleLockIntent(r *event.LockIntent) (*ledger.Batch, error) {
	if r.AmountIn == 0 || r.AmountOut == 0 {
		return nil, ErrZeroAmount
	}
	if r.Trader == r.Counterparty {
		return nil, ErrSameParty
	}

	assetInID, ok := ledger.GetAssetID(r.AssetIn)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, r.AssetIn)
	}
	if _, ok := ledger.GetAssetID(r.AssetOut); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, r.AssetOut)
	}

	if _, exists := c.intents.Get(r.IntentID); exists {
		return nil, fmt.Errorf("%w: %s", ErrIntentExists, r.IntentID)
	}

	if !r.Timestamp.Before(r.Deadline) {
		return nil, fmt.Errorf("%w: deadline %s, now %s", ErrIntentExpired, r.Deadline, r.Timestamp)
	}

	intent := &Intent{
		ID:           r.IntentID,
		Trader:       r.Trader,
		Counterparty: r.Counterparty,
		AssetIn:      r.AssetIn,
		AssetOut:     r.AssetOut,
		AmountIn:     r.AmountIn,
		AmountOut:    r.AmountOut,
		Deadline:     r.Deadline,
		TraderNonce:  r.TraderNonce,
		State:        IntentStateCreated,
	}

	msg := IntentMessage(c.deploymentID, intent)
	if err := verifySigner(c.verifier, msg, r.TraderSig, r.Trader); err != nil {
		return nil, err
	}

	if err := c.nonces.Consume(r.Trader, r.TraderNonce); err != nil {
		if c.metrics != nil {
			c.metrics.NonceReplays.Inc()
		}
		return nil, fmt.Errorf("trader nonce %d: %w", r.TraderNonce, err)
	}

	traderIn := ledger.NewUserAccountKey(r.Trader, assetInID)
	escrowIn := ledger.EscrowAccountKey(assetInID)
	if err := c.ledger.Transfer(traderIn, escrowIn, r.AmountIn); err != nil {
		return nil, fmt.Errorf("escrow lock: %w", err)
	}

	if !intent.State.CanTransitionTo(IntentStateLocked) {
		panic(fmt.Sprintf("FATAL: created intent cannot lock: %s", intent.ID))
	}
	intent.State = IntentStateLocked
	intent.LockedAt = r.Timestamp
	intent.Version++
	c.intents.Put(intent)

	batch := c.newBatch(r)
	c.appendEntry(batch, ledger.EntryOpEscrowLock, traderIn, escrowIn, assetInID, r.AmountIn)

	if c.metrics != nil {
		c.metrics.IntentsLocked.Inc()
	}
	return batch, nil
}

// handleSettle executes checks-then-effects strictly: every precondition
// (state, deadline, signature, nonce, compliance, volume caps, balances) is
// verified before the first ledger mutation, so a failure leaves zero state
// change.
func (c *Core) handleSettle(r *event.Settle) (*ledger.Batch, error) {
	intent, ok := c.intents.Get(r.IntentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIntent, r.IntentID)
	}
	if !intent.State.CanTransitionTo(IntentStateSettled) {
		return nil, fmt.Errorf("%w: %s is %s", ErrIntentState, intent.ID, intent.State)
	}
	if intent.Expired(r.Timestamp) {
		return nil, fmt.Errorf("%w: deadline %s, now %s", ErrIntentExpired, intent.Deadline, r.Timestamp)
	}

	msg := SettleMessage(c.deploymentID, intent, r.CounterpartyNonce)
	if err := verifySigner(c.verifier, msg, r.CounterpartySig, intent.Counterparty); err != nil {
		return nil, err
	}
	if c.nonces.IsUsed(intent.Counterparty, r.CounterpartyNonce) {
		if c.metrics != nil {
			c.metrics.NonceReplays.Inc()
		}
		return nil, fmt.Errorf("counterparty nonce %d: %w", r.CounterpartyNonce, nonce.ErrAlreadyUsed)
	}

	// Compliance: both parties, both assets, fail closed.
	for _, check := range []struct {
		account uuid.UUID
		asset   string
	}{
		{intent.Trader, intent.AssetIn},
		{intent.Trader, intent.AssetOut},
		{intent.Counterparty, intent.AssetIn},
		{intent.Counterparty, intent.AssetOut},
	} {
		result := c.gate.Check(check.account, check.asset, r.Timestamp)
		if result.Status != compliance.StatusCompliant {
			if c.metrics != nil {
				c.metrics.ComplianceDenied.WithLabelValues(check.asset).Inc()
			}
			return nil, fmt.Errorf("%w: %s on %s: %s", ErrNonCompliant, check.account, check.asset, result.Reason)
		}
	}

	// Volume caps for BOTH parties, before any commit.
	params := c.params
	if err := c.volumes.Check(intent.Trader, PartyMaker, intent.AssetIn, intent.AmountIn,
		params.VolumeCaps[intent.AssetIn], params.VolumePeriod, r.Timestamp); err != nil {
		if c.metrics != nil {
			c.metrics.VolumeCapRejects.WithLabelValues(string(PartyMaker)).Inc()
		}
		return nil, err
	}
	if err := c.volumes.Check(intent.Counterparty, PartyTaker, intent.AssetOut, intent.AmountOut,
		params.VolumeCaps[intent.AssetOut], params.VolumePeriod, r.Timestamp); err != nil {
		if c.metrics != nil {
			c.metrics.VolumeCapRejects.WithLabelValues(string(PartyTaker)).Inc()
		}
		return nil, err
	}

	assetInID, _ := ledger.GetAssetID(intent.AssetIn)
	assetOutID, ok := ledger.GetAssetID(intent.AssetOut)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, intent.AssetOut)
	}

	cpOut := ledger.NewUserAccountKey(intent.Counterparty, assetOutID)
	cpIn := ledger.NewUserAccountKey(intent.Counterparty, assetInID)
	traderOut := ledger.NewUserAccountKey(intent.Trader, assetOutID)
	escrowIn := ledger.EscrowAccountKey(assetInID)
	escrowOut := ledger.EscrowAccountKey(assetOutID)

	if c.ledger.Halted(assetInID) || c.ledger.Halted(assetOutID) {
		return nil, fmt.Errorf("%w: settlement assets", ledger.ErrAssetHalted)
	}
	if c.ledger.Balance(cpOut) < intent.AmountOut {
		return nil, fmt.Errorf("%w: counterparty %s needs %d %s",
			ledger.ErrInsufficientBalance, intent.Counterparty, intent.AmountOut, intent.AssetOut)
	}

	// All checks passed. Effects from here on.
	batch := c.newBatch(r)

	if err := c.nonces.Consume(intent.Counterparty, r.CounterpartyNonce); err != nil {
		return nil, fmt.Errorf("counterparty nonce %d: %w", r.CounterpartyNonce, err)
	}

	// Counterparty leg into escrow.
	if err := c.ledger.Transfer(cpOut, escrowOut, intent.AmountOut); err != nil {
		return nil, fmt.Errorf("counterparty leg: %w", err)
	}
	c.appendEntry(batch, ledger.EntryOpEscrowLock, cpOut, escrowOut, assetOutID, intent.AmountOut)

	// Fee first, net after, on each leg. Distribute is the single fee path.
	distIn, err := c.distributor.Distribute(escrowIn, intent.AmountIn, params.FeePolicy)
	if err != nil {
		return nil, fmt.Errorf("fee on %s leg: %w", intent.AssetIn, err)
	}
	for _, share := range distIn.Shares {
		c.appendEntry(batch, ledger.EntryOpFeeAccrue, escrowIn,
			ledger.NewUserAccountKey(share.Recipient, assetInID), assetInID, share.Amount)
		if c.metrics != nil {
			c.metrics.FeeAccrued.WithLabelValues(intent.AssetIn).Add(float64(share.Amount))
		}
	}
	if distIn.Net > 0 {
		if err := c.ledger.Transfer(escrowIn, cpIn, distIn.Net); err != nil {
			return nil, fmt.Errorf("net %s leg: %w", intent.AssetIn, err)
		}
		c.appendEntry(batch, ledger.EntryOpSettleNet, escrowIn, cpIn, assetInID, distIn.Net)
	}

	distOut, err := c.distributor.Distribute(escrowOut, intent.AmountOut, params.FeePolicy)
	if err != nil {
		return nil, fmt.Errorf("fee on %s leg: %w", intent.AssetOut, err)
	}
	for _, share := range distOut.Shares {
		c.appendEntry(batch, ledger.EntryOpFeeAccrue, escrowOut,
			ledger.NewUserAccountKey(share.Recipient, assetOutID), assetOutID, share.Amount)
		if c.metrics != nil {
			c.metrics.FeeAccrued.WithLabelValues(intent.AssetOut).Add(float64(share.Amount))
		}
	}
	if distOut.Net > 0 {
		if err := c.ledger.Transfer(escrowOut, traderOut, distOut.Net); err != nil {
			return nil, fmt.Errorf("net %s leg: %w", intent.AssetOut, err)
		}
		c.appendEntry(batch, ledger.EntryOpSettleNet, escrowOut, traderOut, assetOutID, distOut.Net)
	}

	intent.State = IntentStateSettled
	intent.Version++

	c.volumes.Record(intent.Trader, intent.AssetIn, intent.AmountIn, params.VolumePeriod, r.Timestamp)
	c.volumes.Record(intent.Counterparty, intent.AssetOut, intent.AmountOut, params.VolumePeriod, r.Timestamp)

	if c.metrics != nil {
		c.metrics.IntentsSettled.Inc()
	}
	return batch, nil
}

func (c *Core) handleCancelIntent(r *event.CancelIntent) (*ledger.Batch, error) {
	intent, ok := c.intents.Get(r.IntentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIntent, r.IntentID)
	}
	if !intent.State.CanTransitionTo(IntentStateCancelled) {
		return nil, fmt.Errorf("%w: %s is %s", ErrIntentState, intent.ID, intent.State)
	}
	if r.Caller != intent.Trader {
		return nil, fmt.Errorf("%w: %s", ErrNotParty, r.Caller)
	}

	// Before the deadline a cancel needs the counterparty's consent.
	if !intent.Expired(r.Timestamp) {
		if len(r.MutualSig) == 0 {
			return nil, fmt.Errorf("%w: deadline %s not reached", ErrCancelNotAllowed, intent.Deadline)
		}
		msg := CancelMessage(c.deploymentID, intent.ID, intent.Deadline)
		if err := verifySigner(c.verifier, msg, r.MutualSig, intent.Counterparty); err != nil {
			return nil, err
		}
	}

	assetInID, _ := ledger.GetAssetID(intent.AssetIn)
	escrowIn := ledger.EscrowAccountKey(assetInID)
	traderIn := ledger.NewUserAccountKey(intent.Trader, assetInID)

	// Refund path. Halts on OTHER assets do not block this: only the
	// intent's own escrow asset is touched.
	if err := c.ledger.Transfer(escrowIn, traderIn, intent.AmountIn); err != nil {
		return nil, fmt.Errorf("refund: %w", err)
	}

	intent.State = IntentStateCancelled
	intent.Version++

	batch := c.newBatch(r)
	c.appendEntry(batch, ledger.EntryOpRefund, escrowIn, traderIn, assetInID, intent.AmountIn)

	if c.metrics != nil {
		c.metrics.IntentsCancelled.Inc()
	}
	return batch, nil
}

// === Custody boundary ===

func (c *Core) handleDepositConfirmed(r *event.DepositConfirmed) (*ledger.Batch, error) {
	assetID, ok := ledger.GetAssetID(r.Asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, r.Asset)
	}
	if r.Actual == 0 {
		return nil, fmt.Errorf("%w: deposit %s delivered nothing", ErrZeroAmount, r.DepositID)
	}

	// Credit the ACTUAL amount received, never the requested one.
	userKey := ledger.NewUserAccountKey(r.Account, assetID)
	if err := c.ledger.CreditFromDeposit(userKey, r.Actual); err != nil {
		return nil, err
	}

	batch := c.newBatch(r)
	c.appendEntry(batch, ledger.EntryOpDeposit, custodyBoundaryKey(assetID), userKey, assetID, r.Actual)
	return batch, nil
}

func (c *Core) handleWithdrawRequested(ctx context.Context, r *event.WithdrawRequested) (*ledger.Batch, error) {
	assetID, ok := ledger.GetAssetID(r.Asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, r.Asset)
	}
	if r.Amount == 0 {
		return nil, ErrZeroAmount
	}

	userKey := ledger.NewUserAccountKey(r.Account, assetID)
	if err := c.ledger.Debit(userKey, r.Amount); err != nil {
		return nil, err
	}

	result, err := c.adapter.Withdraw(ctx, r.Account, r.Asset, r.Amount)
	if err != nil {
		if c.metrics != nil {
			c.metrics.ExternalCallErrors.WithLabelValues("withdraw").Inc()
		}
		if restoreErr := c.ledger.CreditFromTransfer(userKey, r.Amount); restoreErr != nil {
			panic(fmt.Sprintf("FATAL: withdrawal restore failed: %v", restoreErr))
		}
		return nil, fmt.Errorf("%w: withdrawal %s: %v", custody.ErrExternalCall, r.WithdrawalID, err)
	}

	if err := c.ledger.FinalizeOutflow(assetID, result.Actual); err != nil {
		c.noteHalt(assetID)
		return nil, err
	}

	batch := c.newBatch(r)
	c.appendEntry(batch, ledger.EntryOpWithdrawal, userKey, custodyBoundaryKey(assetID), assetID, r.Amount)
	return batch, nil
}

func (c *Core) handleClaimFees(ctx context.Context, r *event.ClaimFees) (*ledger.Batch, error) {
	assetID, ok := ledger.GetAssetID(r.Asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, r.Asset)
	}

	claimed, err := c.distributor.Claim(ctx, c.adapter, r.Recipient, r.Asset)
	if err != nil {
		if c.metrics != nil {
			c.metrics.FeeClaims.WithLabelValues(r.Asset, "failed").Inc()
		}
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.FeeClaims.WithLabelValues(r.Asset, "ok").Inc()
	}

	batch := c.newBatch(r)
	c.appendEntry(batch, ledger.EntryOpFeeClaim,
		ledger.NewUserAccountKey(r.Recipient, assetID), custodyBoundaryKey(assetID), assetID, claimed)
	return batch, nil
}

// === Administration ===

func (c *Core) handleTimelockPropose(r *event.TimelockPropose) (*ledger.Batch, error) {
	err := c.timelock.Propose(r.RequestID, timelock.ParamKey(r.Key), r.NewValue, r.Delay(), r.Proposer, r.Timestamp)
	if err != nil {
		return nil, err
	}
	return c.newBatch(r), nil
}

func (c *Core) handleTimelockExecute(r *event.TimelockExecute) (*ledger.Batch, error) {
	p, err := c.timelock.Execute(r.ProposalID, r.Timestamp)
	if err != nil {
		return nil, err
	}
	if err := c.applyParamChange(p); err != nil {
		return nil, fmt.Errorf("apply %s: %w", p.Key, err)
	}
	return c.newBatch(r), nil
}

func (c *Core) handleTimelockCancel(r *event.TimelockCancel) (*ledger.Batch, error) {
	if err := c.timelock.Cancel(r.ProposalID, r.Caller); err != nil {
		return nil, err
	}
	return c.newBatch(r), nil
}

// === Compliance maintenance ===

func (c *Core) handleComplianceRefresh(ctx context.Context, r *event.ComplianceRefresh) (*ledger.Batch, error) {
	// An oracle failure still caches a deny; the request itself applied.
	if _, err := c.gate.Refresh(ctx, r.Account, r.Asset, r.Timestamp); err != nil {
		if c.metrics != nil {
			c.metrics.ExternalCallErrors.WithLabelValues("compliance_oracle").Inc()
		}
	}
	return c.newBatch(r), nil
}

func (c *Core) handleComplianceInvalidate(r *event.ComplianceInvalidate) (*ledger.Batch, error) {
	c.gate.Invalidate(r.Account, r.Asset)
	return c.newBatch(r), nil
}

// === Invariants & hashing ===

// checkSolvency verifies custody backing for every asset the batch touched.
func (c *Core) checkSolvency(batch *ledger.Batch) {
	assets := make(map[ledger.AssetID]bool)
	for _, e := range batch.Entries {
		assets[e.AssetID] = true
	}
	for assetID := range assets {
		if !c.ledger.IsSolvent(assetID) {
			c.ledger.Halt(assetID)
			c.noteHalt(assetID)
		}
	}
}

func (c *Core) noteHalt(assetID ledger.AssetID) {
	if c.metrics == nil {
		return
	}
	info, _ := ledger.GetAssetInfo(assetID)
	c.metrics.SolvencyBreaches.WithLabelValues(info.Symbol).Inc()
	c.metrics.AssetHalted.WithLabelValues(info.Symbol).Set(1)
}

// computeStateDigest creates canonical bytes for the state hash: the sorted
// post-operation balances and accruals of every account the batch touched.
func (c *Core) computeStateDigest(batch *ledger.Batch) []byte {
	affected := make(map[ledger.AccountKey]bool)
	for _, e := range batch.Entries {
		affected[e.Source] = true
		affected[e.Destination] = true
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendUint64LE(digest, c.ledger.Balance(key))
		if key.Scope == ledger.AccountScopeUser {
			digest = appendUint64LE(digest, c.ledger.Accrual(uuid.UUID(key.EntityID), key.AssetID))
		}
	}
	return digest
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Ledger          *ledger.Snapshot
	Intents         []*Intent
	Nonces          map[uuid.UUID]map[uint64]uint64
	Volumes         []WindowSnapshot
	Timelock        *timelock.SnapshotState
	Compliance      []compliance.SnapshotEntry
	Params          Params
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot restores the core's in-memory state. On warm restart
// the caller loads the latest snapshot, calls this, then replays the
// settlement log tail.
func (c *Core) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1 // next sequence to assign
	c.hasher.SetPrevHash(snap.StateHash)
	c.ledger.Restore(snap.Ledger)
	c.intents.Restore(snap.Intents)
	c.nonces.Restore(snap.Nonces)
	c.volumes.Restore(snap.Volumes)
	c.timelock.Restore(snap.Timelock)
	c.gate.Restore(snap.Compliance)
	c.params = snap.Params

	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq)
	}
	c.idempotency.WarmLRU(snap.IdempotencyKeys)
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *Core) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1, // last processed sequence
		StateHash:       c.hasher.GetPrevHash(),
		Ledger:          c.ledger.Snapshot(),
		Intents:         c.intents.All(),
		Nonces:          c.nonces.Snapshot(),
		Volumes:         c.volumes.Snapshot(),
		Timelock:        c.timelock.Snapshot(),
		Compliance:      c.gate.Snapshot(),
		Params:          c.params,
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.Keys(),
	}
}

// BeginReplay puts the core in log-replay mode: the idempotency check is
// restricted to the in-memory tier. Callers must pair it with EndReplay
// before live traffic starts.
func (c *Core) BeginReplay() {
	c.replaying = true
}

// EndReplay returns the core to normal two-tier idempotency checking.
func (c *Core) EndReplay() {
	c.replaying = false
}

// ExpectedSequences returns a copy of the per-partition expected-next
// sequence state. Injection services seed their allocators from it after
// recovery so injected requests continue each partition's dense counter.
func (c *Core) ExpectedSequences() map[string]int64 {
	return c.sequenceValidator.GetAllPartitions()
}

// GetSequence returns the current global sequence number.
func (c *Core) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *Core) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// Params returns a value copy of the operating parameters.
func (c *Core) Params() Params {
	return c.params
}

// Ledger exposes read access for startup seeding and tests.
func (c *Core) Ledger() *ledger.Ledger {
	return c.ledger
}

// Timelock exposes the proposal table for the admin query surface.
func (c *Core) Timelock() *timelock.Admin {
	return c.timelock
}

// Intents exposes intent lookup for the query surface.
func (c *Core) Intents() *IntentStore {
	return c.intents
}

// Volumes exposes window usage for the query surface.
func (c *Core) Volumes() *VolumeTracker {
	return c.volumes
}
