package vault

import (
	"github.com/google/uuid"

	"VaultLedger/internal/fixedpoint"
)

// Asset identifies one of the two custodied asset classes. There is no third
// member — the token asset is a single fixed reference set at construction.
type Asset uint8

const (
	// AssetNative is the chain's intrinsic value asset (18 decimals),
	// converted to the normalized unit via the price oracle.
	AssetNative Asset = iota

	// AssetToken is the external fungible asset, already expressed in the
	// ledger's 6-decimal target precision.
	AssetToken
)

func (a Asset) String() string {
	switch a {
	case AssetNative:
		return "NATIVE"
	case AssetToken:
		return "TOKEN"
	default:
		return "UNKNOWN"
	}
}

func (a Asset) Valid() bool {
	return a == AssetNative || a == AssetToken
}

// Decimals returns the asset's native precision.
func (a Asset) Decimals() int {
	if a == AssetNative {
		return fixedpoint.NativeConfig.Decimals
	}
	return fixedpoint.USDConfig.Decimals
}

// ParseAsset maps an asset name to its identifier.
func ParseAsset(s string) (Asset, bool) {
	switch s {
	case "NATIVE":
		return AssetNative, true
	case "TOKEN":
		return AssetToken, true
	default:
		return 0, false
	}
}

// BalanceKey keys the balance table by (user identity, asset class).
type BalanceKey struct {
	User  uuid.UUID
	Asset Asset
}
