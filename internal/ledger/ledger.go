package ledger

import (
	"fmt"

	"SettleCore/internal/amount"

	"github.com/google/uuid"
)

// Ledger is the authoritative (account, asset) -> balance store, plus the
// fee-accrual table and per-asset custody tracking. It is the single source
// of truth for value accounting: every other component reads it through
// accessors and mutates it only through this API.
//
// The solvency invariant is enforced on every mutation:
//
//	custodiedAmount[asset] >= sum(balances[*, asset]) + sum(accruals[*, asset])
//
// A breach halts the asset: all further mutating operations on it fail with
// ErrAssetHalted until the halt is manually cleared.
//
// Not thread-safe — only accessed from the single-writer settlement core.
type Ledger struct {
	balances map[AccountKey]uint64
	accruals map[AccountKey]uint64
	custody  map[AssetID]uint64
	halted   map[AssetID]bool

	// Running per-asset totals so IsSolvent never scans the maps.
	balanceTotals map[AssetID]uint64
	accrualTotals map[AssetID]uint64
}

func New() *Ledger {
	return &Ledger{
		balances:      make(map[AccountKey]uint64),
		accruals:      make(map[AccountKey]uint64),
		custody:       make(map[AssetID]uint64),
		halted:        make(map[AssetID]bool),
		balanceTotals: make(map[AssetID]uint64),
		accrualTotals: make(map[AssetID]uint64),
	}
}

// === Queries ===

// Balance returns the current balance for an account key.
func (l *Ledger) Balance(key AccountKey) uint64 {
	return l.balances[key]
}

// Accrual returns the accrued-but-unclaimed fee amount for a recipient.
func (l *Ledger) Accrual(recipient uuid.UUID, assetID AssetID) uint64 {
	return l.accruals[NewUserAccountKey(recipient, assetID)]
}

// CustodiedAmount returns the externally verified holdings for an asset.
func (l *Ledger) CustodiedAmount(assetID AssetID) uint64 {
	return l.custody[assetID]
}

// TotalBalances returns the sum of all account balances for an asset.
func (l *Ledger) TotalBalances(assetID AssetID) uint64 {
	return l.balanceTotals[assetID]
}

// TotalAccruals returns the sum of all fee accruals for an asset.
func (l *Ledger) TotalAccruals(assetID AssetID) uint64 {
	return l.accrualTotals[assetID]
}

// IsSolvent reports whether recorded claims are fully backed by custody.
func (l *Ledger) IsSolvent(assetID AssetID) bool {
	claims, err := amount.Add(l.balanceTotals[assetID], l.accrualTotals[assetID])
	if err != nil {
		return false
	}
	return l.custody[assetID] >= claims
}

// Halted reports whether the asset is halted after a solvency breach.
func (l *Ledger) Halted(assetID AssetID) bool {
	return l.halted[assetID]
}

// === Mutations ===

func (l *Ledger) checkHalted(assetID AssetID) error {
	if l.halted[assetID] {
		return fmt.Errorf("%w: asset %d", ErrAssetHalted, assetID)
	}
	return nil
}

// CreditFromDeposit credits a balance backed by an external deposit: both the
// balance and the custody tracking increase by the actually-received amount.
// This is the ONLY credit path that raises custody — internal accounting can
// never be inflated by an unexpected external balance increase.
func (l *Ledger) CreditFromDeposit(key AccountKey, amt uint64) error {
	if err := l.checkHalted(key.AssetID); err != nil {
		return err
	}

	newCustody, err := amount.Add(l.custody[key.AssetID], amt)
	if err != nil {
		return fmt.Errorf("custody: %w", err)
	}
	newBalance, err := amount.Add(l.balances[key], amt)
	if err != nil {
		return fmt.Errorf("balance %s: %w", key.AccountPath(), err)
	}
	newTotal, err := amount.Add(l.balanceTotals[key.AssetID], amt)
	if err != nil {
		return fmt.Errorf("balance total: %w", err)
	}

	l.custody[key.AssetID] = newCustody
	l.balances[key] = newBalance
	l.balanceTotals[key.AssetID] = newTotal
	return nil
}

// CreditFromTransfer credits a balance without touching custody. Callers must
// pair it with a matching debit (use Transfer for the atomic pair) or the
// next solvency check will halt the asset.
func (l *Ledger) CreditFromTransfer(key AccountKey, amt uint64) error {
	if err := l.checkHalted(key.AssetID); err != nil {
		return err
	}

	newBalance, err := amount.Add(l.balances[key], amt)
	if err != nil {
		return fmt.Errorf("balance %s: %w", key.AccountPath(), err)
	}
	newTotal, err := amount.Add(l.balanceTotals[key.AssetID], amt)
	if err != nil {
		return fmt.Errorf("balance total: %w", err)
	}

	l.balances[key] = newBalance
	l.balanceTotals[key.AssetID] = newTotal
	return nil
}

// Debit reduces a balance, failing with ErrInsufficientBalance rather than
// ever going negative. A failed debit leaves no partial state.
func (l *Ledger) Debit(key AccountKey, amt uint64) error {
	if err := l.checkHalted(key.AssetID); err != nil {
		return err
	}

	balance := l.balances[key]
	if balance < amt {
		return fmt.Errorf("%w: account %s has %d, need %d",
			ErrInsufficientBalance, key.AccountPath(), balance, amt)
	}

	l.balances[key] = balance - amt
	l.balanceTotals[key.AssetID] -= amt
	return nil
}

// Transfer atomically moves amt between two accounts of the same asset.
// All-or-nothing: a failed precondition leaves both balances untouched.
func (l *Ledger) Transfer(from, to AccountKey, amt uint64) error {
	if from.AssetID != to.AssetID {
		return fmt.Errorf("%w: %s -> %s", ErrAssetMismatch, from.AccountPath(), to.AccountPath())
	}
	if err := l.checkHalted(from.AssetID); err != nil {
		return err
	}

	if l.balances[from] < amt {
		return fmt.Errorf("%w: account %s has %d, need %d",
			ErrInsufficientBalance, from.AccountPath(), l.balances[from], amt)
	}
	newTo, err := amount.Add(l.balances[to], amt)
	if err != nil {
		return fmt.Errorf("balance %s: %w", to.AccountPath(), err)
	}

	l.balances[from] -= amt
	l.balances[to] = newTo
	return nil
}

// MoveToAccrual debits a balance and credits a recipient's fee accrual.
// Fees are accrued, never pushed: delivery happens later via TakeAccrual and
// an external claim.
func (l *Ledger) MoveToAccrual(from AccountKey, recipient uuid.UUID, amt uint64) error {
	if err := l.checkHalted(from.AssetID); err != nil {
		return err
	}

	if l.balances[from] < amt {
		return fmt.Errorf("%w: account %s has %d, need %d",
			ErrInsufficientBalance, from.AccountPath(), l.balances[from], amt)
	}

	accrualKey := NewUserAccountKey(recipient, from.AssetID)
	newAccrual, err := amount.Add(l.accruals[accrualKey], amt)
	if err != nil {
		return fmt.Errorf("accrual %s: %w", accrualKey.AccountPath(), err)
	}
	newAccrualTotal, err := amount.Add(l.accrualTotals[from.AssetID], amt)
	if err != nil {
		return fmt.Errorf("accrual total: %w", err)
	}

	l.balances[from] -= amt
	l.balanceTotals[from.AssetID] -= amt
	l.accruals[accrualKey] = newAccrual
	l.accrualTotals[from.AssetID] = newAccrualTotal
	return nil
}

// TakeAccrual zeroes a recipient's accrual and returns the taken amount.
// The state update happens BEFORE any external transfer is attempted; if the
// external side fails the caller must RestoreAccrual so nothing is lost.
func (l *Ledger) TakeAccrual(recipient uuid.UUID, assetID AssetID) (uint64, error) {
	if err := l.checkHalted(assetID); err != nil {
		return 0, err
	}

	key := NewUserAccountKey(recipient, assetID)
	amt := l.accruals[key]
	if amt == 0 {
		return 0, fmt.Errorf("%w: recipient %s", ErrInsufficientAccrual, key.AccountPath())
	}

	l.accruals[key] = 0
	l.accrualTotals[assetID] -= amt
	return amt, nil
}

// RestoreAccrual re-credits an accrual after a failed external claim.
func (l *Ledger) RestoreAccrual(recipient uuid.UUID, assetID AssetID, amt uint64) error {
	key := NewUserAccountKey(recipient, assetID)
	newAccrual, err := amount.Add(l.accruals[key], amt)
	if err != nil {
		return fmt.Errorf("accrual %s: %w", key.AccountPath(), err)
	}
	newTotal, err := amount.Add(l.accrualTotals[assetID], amt)
	if err != nil {
		return fmt.Errorf("accrual total: %w", err)
	}

	l.accruals[key] = newAccrual
	l.accrualTotals[assetID] = newTotal
	return nil
}

// FinalizeOutflow reduces custody by the actually-sent amount after a
// successful external withdrawal, then re-checks solvency. The custody
// adapter reports actual-sent distinct from requested, so fee-on-transfer
// assets reconcile correctly (actual < requested leaves the surplus
// custodied, which keeps the invariant safe).
func (l *Ledger) FinalizeOutflow(assetID AssetID, actualSent uint64) error {
	custody := l.custody[assetID]
	if custody < actualSent {
		l.halted[assetID] = true
		return fmt.Errorf("%w: custody %d < outflow %d", ErrInsolvent, custody, actualSent)
	}
	l.custody[assetID] = custody - actualSent

	if !l.IsSolvent(assetID) {
		l.halted[assetID] = true
		return fmt.Errorf("%w: asset %d after outflow of %d", ErrInsolvent, assetID, actualSent)
	}
	return nil
}

// Halt marks an asset halted. Used by the engine when a post-operation
// solvency check fails.
func (l *Ledger) Halt(assetID AssetID) {
	l.halted[assetID] = true
}

// ClearHalt lifts a halt. Authorized-only; routed through the timelock.
func (l *Ledger) ClearHalt(assetID AssetID) {
	delete(l.halted, assetID)
}

// === Snapshot / Restore ===

// Snapshot captures all ledger state as string-keyed maps for persistence.
type Snapshot struct {
	Balances map[AccountKey]uint64
	Accruals map[AccountKey]uint64
	Custody  map[AssetID]uint64
	Halted   []AssetID
}

func (l *Ledger) Snapshot() *Snapshot {
	snap := &Snapshot{
		Balances: make(map[AccountKey]uint64, len(l.balances)),
		Accruals: make(map[AccountKey]uint64, len(l.accruals)),
		Custody:  make(map[AssetID]uint64, len(l.custody)),
	}
	for k, v := range l.balances {
		snap.Balances[k] = v
	}
	for k, v := range l.accruals {
		snap.Accruals[k] = v
	}
	for k, v := range l.custody {
		snap.Custody[k] = v
	}
	for id, h := range l.halted {
		if h {
			snap.Halted = append(snap.Halted, id)
		}
	}
	return snap
}

func (l *Ledger) Restore(snap *Snapshot) {
	l.balances = make(map[AccountKey]uint64, len(snap.Balances))
	l.accruals = make(map[AccountKey]uint64, len(snap.Accruals))
	l.custody = make(map[AssetID]uint64, len(snap.Custody))
	l.halted = make(map[AssetID]bool)
	l.balanceTotals = make(map[AssetID]uint64)
	l.accrualTotals = make(map[AssetID]uint64)

	for k, v := range snap.Balances {
		l.balances[k] = v
		l.balanceTotals[k.AssetID] += v
	}
	for k, v := range snap.Accruals {
		l.accruals[k] = v
		l.accrualTotals[k.AssetID] += v
	}
	for k, v := range snap.Custody {
		l.custody[k] = v
	}
	for _, id := range snap.Halted {
		l.halted[id] = true
	}
}
