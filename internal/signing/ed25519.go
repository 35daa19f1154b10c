// Package signing provides the production signature verifier. Accounts
// register ed25519 public keys; verification binds a message to the
// registered key of the claimed signer.
package signing

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrUnknownSigner = errors.New("signing: no key registered for signer")
	ErrInvalid       = errors.New("signing: signature invalid")
)

// KeyDirectory maps account identities to their ed25519 public keys.
// Registration happens at onboarding, outside the settlement hot path,
// hence the lock.
type KeyDirectory struct {
	mu   sync.RWMutex
	keys map[uuid.UUID]ed25519.PublicKey
}

func NewKeyDirectory() *KeyDirectory {
	return &KeyDirectory{keys: make(map[uuid.UUID]ed25519.PublicKey)}
}

func (d *KeyDirectory) Register(account uuid.UUID, key ed25519.PublicKey) error {
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("signing: bad key size %d for %s", len(key), account)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[account] = key
	return nil
}

func (d *KeyDirectory) Lookup(account uuid.UUID) (ed25519.PublicKey, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	key, ok := d.keys[account]
	return key, ok
}

// Verifier implements engine.SignatureVerifier over a key directory.
type Verifier struct {
	dir *KeyDirectory
}

func NewVerifier(dir *KeyDirectory) *Verifier {
	return &Verifier{dir: dir}
}

func (v *Verifier) Verify(message []byte, signature []byte, expectedSigner uuid.UUID) error {
	key, ok := v.dir.Lookup(expectedSigner)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSigner, expectedSigner)
	}
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: bad signature size %d", ErrInvalid, len(signature))
	}
	if !ed25519.Verify(key, message, signature) {
		return ErrInvalid
	}
	return nil
}
