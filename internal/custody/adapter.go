// Package custody defines the boundary to the external asset custodian.
// The settlement core never assumes requested == delivered: every adapter
// call reports the actual amount moved, and the ledger reconciles against
// that (fee-on-transfer assets deliver less than requested).
package custody

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrExternalCall wraps adapter failures. Always recoverable at the calling
// operation's boundary: the caller re-credits or retries, never swallows it.
var ErrExternalCall = errors.New("custody: external call failed")

// Result reports what the custodian actually did, distinct from what was
// asked for.
type Result struct {
	Requested uint64
	Actual    uint64
}

// Adapter is the external custody collaborator.
type Adapter interface {
	// Deposit acknowledges an inbound transfer and reports the actually
	// received amount.
	Deposit(ctx context.Context, account uuid.UUID, asset string, amt uint64) (Result, error)

	// Withdraw pushes value out and reports the actually sent amount.
	Withdraw(ctx context.Context, account uuid.UUID, asset string, amt uint64) (Result, error)
}
