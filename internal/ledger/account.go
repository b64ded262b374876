package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeProtocol
	AccountScopeExternal
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

// ErrUnknownAsset is returned when an asset symbol is not registered.
var ErrUnknownAsset = errors.New("unknown asset")

var (
	assetToID = map[string]AssetID{
		"USDT": 1,
		"USDC": 2,
		"BTC":  3,
		"ETH":  4,
		"DAI":  5,
	}
	idToAsset = map[AssetID]string{
		1: "USDT",
		2: "USDC",
		3: "BTC",
		4: "ETH",
		5: "DAI",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// Name returns the asset symbol, or "unknown" for unregistered IDs.
func (a AssetID) Name() string {
	if name, ok := idToAsset[a]; ok {
		return name
	}
	return "unknown"
}

// KnownAssets returns the registered asset symbols.
func KnownAssets() []string {
	out := make([]string, 0, len(assetToID))
	for name := range assetToID {
		out = append(out, name)
	}
	return out
}

// ProtocolParty identifies the protocol itself in external asset transfers.
var ProtocolParty = uuid.Nil

// AccountKey is the in-memory key for balance tracking (19 bytes, cache-friendly)
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, zero for protocol/external accounts
	AssetID  AssetID
}

// NewUserAccount creates the key for a user's balance in one asset.
func NewUserAccount(userID uuid.UUID, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		AssetID:  assetID,
	}
}

// NewPoolAccount creates the key for the protocol pool in one asset. The pool
// holds both loan custody (locked collateral) and lendable liquidity.
func NewPoolAccount(assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeProtocol,
		AssetID: assetID,
	}
}

// NewExternalAccount creates the key for the external reserve boundary in one
// asset. External accounts appear only in journals and projections; the
// in-memory book never carries a balance for them.
func NewExternalAccount(assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		AssetID: assetID,
	}
}

// Internal reports whether the account lives in the in-memory book.
func (k AccountKey) Internal() bool {
	return k.Scope != AccountScopeExternal
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName := k.AssetID.Name()

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s", uid.String(), assetName)
	case AccountScopeProtocol:
		return fmt.Sprintf("protocol:pool:%s", assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:reserve:%s", assetName)
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath. It accepts the three path
// forms "user:<uuid>:<asset>", "protocol:pool:<asset>" and
// "external:reserve:<asset>".
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	if len(parts) != 3 {
		return AccountKey{}, fmt.Errorf("account path %q: want 3 segments, got %d", path, len(parts))
	}

	assetID, ok := GetAssetID(parts[2])
	if !ok {
		return AccountKey{}, fmt.Errorf("account path %q: %w", path, ErrUnknownAsset)
	}

	switch parts[0] {
	case "user":
		uid, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		return NewUserAccount(uid, assetID), nil
	case "protocol":
		if parts[1] != "pool" {
			return AccountKey{}, fmt.Errorf("account path %q: unknown protocol account", path)
		}
		return NewPoolAccount(assetID), nil
	case "external":
		if parts[1] != "reserve" {
			return AccountKey{}, fmt.Errorf("account path %q: unknown external account", path)
		}
		return NewExternalAccount(assetID), nil
	}
	return AccountKey{}, fmt.Errorf("account path %q: unknown scope %q", path, parts[0])
}
