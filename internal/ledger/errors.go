package ledger

import "errors"

var (
	// ErrInsufficientBalance is returned when a debit exceeds the account
	// balance. A failed debit leaves no partial state.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrInsufficientAccrual is returned when a claim exceeds the accrued
	// amount for a recipient.
	ErrInsufficientAccrual = errors.New("ledger: insufficient accrual")

	// ErrAssetMismatch is returned when a transfer pairs accounts keyed to
	// different assets.
	ErrAssetMismatch = errors.New("ledger: account asset mismatch")

	// ErrAssetHalted is returned by every mutating operation on an asset
	// whose solvency invariant has been breached, until manually cleared.
	ErrAssetHalted = errors.New("ledger: asset halted")

	// ErrInsolvent signals that recorded claims on an asset exceed the
	// custodied amount. Protocol-fatal for the asset: the ledger halts it.
	ErrInsolvent = errors.New("ledger: solvency invariant breached")
)
