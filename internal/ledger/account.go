package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
)

// AssetID maps asset symbols to numeric IDs for compact keys
type AssetID uint16

// AssetInfo carries caller-facing attributes. The ledger itself treats all
// amounts as raw integer units; decimals are advisory for callers only.
type AssetInfo struct {
	Symbol   string
	Decimals uint8
}

var (
	assetToID = map[string]AssetID{}
	idToAsset = map[AssetID]AssetInfo{}
	nextAsset AssetID = 1
)

func init() {
	// Pre-seeded common assets; more can be registered at startup.
	RegisterAsset("USDT", 6)
	RegisterAsset("USDC", 6)
	RegisterAsset("WBTC", 8)
	RegisterAsset("XOM", 18)
}

// RegisterAsset adds an asset to the registry, returning its ID. Idempotent
// for an already-registered symbol. Not safe for concurrent use; call during
// startup or from the single-writer core.
func RegisterAsset(symbol string, decimals uint8) AssetID {
	if id, ok := assetToID[symbol]; ok {
		return id
	}
	id := nextAsset
	nextAsset++
	assetToID[symbol] = id
	idToAsset[id] = AssetInfo{Symbol: symbol, Decimals: decimals}
	return id
}

func GetAssetID(symbol string) (AssetID, bool) {
	id, ok := assetToID[symbol]
	return id, ok
}

func GetAssetInfo(id AssetID) (AssetInfo, bool) {
	info, ok := idToAsset[id]
	return info, ok
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, padded name for system accounts
	AssetID  AssetID
}

// NewUserAccountKey creates a key for a user account
func NewUserAccountKey(account uuid.UUID, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: account,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for a named system account (e.g. escrow)
func NewSystemAccountKey(name string, assetID AssetID) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		AssetID:  assetID,
	}
}

// EscrowAccountKey returns the settlement escrow account for an asset.
func EscrowAccountKey(assetID AssetID) AccountKey {
	return NewSystemAccountKey("escrow", assetID)
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	info, _ := GetAssetInfo(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s", uid.String(), info.Symbol)
	case AccountScopeSystem:
		name := string(trimZero(k.EntityID[:]))
		return fmt.Sprintf("system:%s:%s", name, info.Symbol)
	}
	return "unknown"
}

// ParseAccountPath inverts AccountPath. Used when restoring snapshots.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.SplitN(path, ":", 3)
	if len(parts) != 3 {
		return AccountKey{}, fmt.Errorf("malformed account path: %s", path)
	}

	assetID, ok := GetAssetID(parts[2])
	if !ok {
		return AccountKey{}, fmt.Errorf("unknown asset in account path: %s", parts[2])
	}

	switch parts[0] {
	case "user":
		uid, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("parse account path %s: %w", path, err)
		}
		return NewUserAccountKey(uid, assetID), nil
	case "system":
		return NewSystemAccountKey(parts[1], assetID), nil
	}
	return AccountKey{}, fmt.Errorf("unknown account scope: %s", parts[0])
}

// MarshalText lets AccountKey serve as a JSON map key in snapshots.
func (k AccountKey) MarshalText() ([]byte, error) {
	return []byte(k.AccountPath()), nil
}

func (k *AccountKey) UnmarshalText(text []byte) error {
	parsed, err := ParseAccountPath(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func trimZero(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}
