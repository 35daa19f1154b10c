package nonce

import (
	"errors"

	"github.com/google/uuid"
)

var ErrAlreadyUsed = errors.New("nonce: already used")

// Registry tracks consumed nonces per account. A consumed nonce is consumed
// forever — replay protection is permanent, not time-windowed.
//
// Nonces are stored in a word-indexed bitmap (word = nonce >> 6, bit =
// nonce & 63), so out-of-order consumption never serializes through a single
// counter. Sequential callers simply consume 0, 1, 2, ... and land in
// adjacent bits of the same words.
//
// Not thread-safe — only accessed from the single-writer settlement core,
// which provides per-account linearizability.
type Registry struct {
	words map[uuid.UUID]map[uint64]uint64
}

func NewRegistry() *Registry {
	return &Registry{
		words: make(map[uuid.UUID]map[uint64]uint64),
	}
}

func bitPosition(n uint64) (word uint64, mask uint64) {
	return n >> 6, uint64(1) << (n & 63)
}

// IsUsed reports whether the nonce has been consumed for the account.
func (r *Registry) IsUsed(account uuid.UUID, n uint64) bool {
	word, mask := bitPosition(n)
	return r.words[account][word]&mask != 0
}

// Consume marks the nonce used, failing with ErrAlreadyUsed on replay.
func (r *Registry) Consume(account uuid.UUID, n uint64) error {
	word, mask := bitPosition(n)

	accountWords := r.words[account]
	if accountWords == nil {
		accountWords = make(map[uint64]uint64)
		r.words[account] = accountWords
	}

	if accountWords[word]&mask != 0 {
		return ErrAlreadyUsed
	}

	accountWords[word] |= mask
	return nil
}

// Snapshot returns a deep copy of the bitmap for persistence.
func (r *Registry) Snapshot() map[uuid.UUID]map[uint64]uint64 {
	out := make(map[uuid.UUID]map[uint64]uint64, len(r.words))
	for account, words := range r.words {
		cp := make(map[uint64]uint64, len(words))
		for w, bits := range words {
			cp[w] = bits
		}
		out[account] = cp
	}
	return out
}

// Restore replaces the bitmap from a snapshot.
func (r *Registry) Restore(snapshot map[uuid.UUID]map[uint64]uint64) {
	r.words = make(map[uuid.UUID]map[uint64]uint64, len(snapshot))
	for account, words := range snapshot {
		cp := make(map[uint64]uint64, len(words))
		for w, bits := range words {
			cp[w] = bits
		}
		r.words[account] = cp
	}
}
