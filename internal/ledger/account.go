package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota
	SubTypeCollateral
	SubTypeDebt

	// System sub-types
	SubTypeSystemPoolReserve
	SubTypeSystemDebtClearing
	SubTypeSystemFlashLender

	// External sub-types
	SubTypeExternalLiquidity
	SubTypeExternalGrants
	SubTypeExternalShock
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

const (
	AssetCollateral AssetID = 1
	AssetDebt       AssetID = 2
)

var (
	assetToID = map[string]AssetID{
		"ETH":  AssetCollateral,
		"CORN": AssetDebt,
	}
	idToAsset = map[AssetID]string{
		AssetCollateral: "ETH",
		AssetDebt:       "CORN",
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

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // account UUID for users, name bytes for system accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(name string, subType AccountSubType, assetID AssetID) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

func walletKey(user uuid.UUID, asset AssetID) AccountKey {
	return NewUserAccountKey(user, SubTypeWallet, asset)
}

func collateralKey(user uuid.UUID) AccountKey {
	return NewUserAccountKey(user, SubTypeCollateral, AssetCollateral)
}

func debtKey(user uuid.UUID) AccountKey {
	return NewUserAccountKey(user, SubTypeDebt, AssetDebt)
}

func poolReserveKey(asset AssetID) AccountKey {
	return NewSystemAccountKey("pool", SubTypeSystemPoolReserve, asset)
}

func debtClearingKey() AccountKey {
	return NewSystemAccountKey("lending", SubTypeSystemDebtClearing, AssetDebt)
}

func flashLenderKey() AccountKey {
	return NewSystemAccountKey("flash", SubTypeSystemFlashLender, AssetDebt)
}

// UserID returns the account UUID of a user-scoped key.
func (k AccountKey) UserID() (uuid.UUID, bool) {
	if k.Scope != AccountScopeUser {
		return uuid.Nil, false
	}
	return uuid.UUID(k.EntityID), true
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeCollateral:
		return "collateral"
	case SubTypeDebt:
		return "debt"
	case SubTypeSystemPoolReserve:
		return "pool_reserve"
	case SubTypeSystemDebtClearing:
		return "debt_clearing"
	case SubTypeSystemFlashLender:
		return "flash_lender"
	case SubTypeExternalLiquidity:
		return "liquidity"
	case SubTypeExternalGrants:
		return "grants"
	case SubTypeExternalShock:
		return "shock"
	default:
		return "unknown"
	}
}
