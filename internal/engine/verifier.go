package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBadSignature is returned when a signature does not verify for the
	// expected signer.
	ErrBadSignature = errors.New("engine: signature verification failed")

	// ErrZeroSigner is returned when the expected signer is the zero
	// identity. Verifiers must never treat a null recovery as a match.
	ErrZeroSigner = errors.New("engine: zero signer identity")
)

// SignatureVerifier is the external signing collaborator. Implementations
// must reject the zero identity and bind messages to the domain and
// deployment identifiers embedded by IntentMessage — a signature from one
// deployment can never replay on another.
type SignatureVerifier interface {
	Verify(message []byte, signature []byte, expectedSigner uuid.UUID) error
}

// Intent message domain separation
const intentDomain = "settlecore/intent/v1"

// IntentMessage builds the canonical signing payload for an intent. The
// deployment identifier comes from configuration and differs per
// environment.
func IntentMessage(deploymentID string, intent *Intent) []byte {
	buf := make([]byte, 0, 192)
	buf = append(buf, []byte(intentDomain)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(deploymentID)...)
	buf = append(buf, 0)
	buf = append(buf, intent.ID[:]...)
	buf = append(buf, intent.Trader[:]...)
	buf = append(buf, intent.Counterparty[:]...)
	buf = append(buf, []byte(intent.AssetIn)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(intent.AssetOut)...)
	buf = append(buf, 0)
	buf = appendUint64(buf, intent.AmountIn)
	buf = appendUint64(buf, intent.AmountOut)
	buf = appendUint64(buf, uint64(intent.Deadline.UnixMicro()))
	buf = appendUint64(buf, intent.TraderNonce)
	return buf
}

// SettleMessage builds the counterparty's signing payload: the full intent
// plus the counterparty's own nonce.
func SettleMessage(deploymentID string, intent *Intent, counterpartyNonce uint64) []byte {
	buf := IntentMessage(deploymentID, intent)
	buf = append(buf, []byte("settlecore/settle/v1")...)
	buf = append(buf, 0)
	buf = appendUint64(buf, counterpartyNonce)
	return buf
}

// CancelMessage builds the signing payload for a mutual cancellation.
func CancelMessage(deploymentID string, intentID uuid.UUID, deadline time.Time) []byte {
	buf := make([]byte, 0, 96)
	buf = append(buf, []byte("settlecore/cancel/v1")...)
	buf = append(buf, 0)
	buf = append(buf, []byte(deploymentID)...)
	buf = append(buf, 0)
	buf = append(buf, intentID[:]...)
	buf = appendUint64(buf, uint64(deadline.UnixMicro()))
	return buf
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// verifySigner wraps a verifier call with the zero-identity check.
func verifySigner(v SignatureVerifier, message, sig []byte, signer uuid.UUID) error {
	if signer == uuid.Nil {
		return ErrZeroSigner
	}
	if err := v.Verify(message, sig, signer); err != nil {
		return fmt.Errorf("%w: signer %s: %v", ErrBadSignature, signer, err)
	}
	return nil
}
