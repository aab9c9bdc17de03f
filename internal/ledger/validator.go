package ledger

import (
	"fmt"
	"math/big"

	"LendLedger/internal/pool"

	"github.com/google/uuid"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies a committed batch is balanced and stamped
// with the command's sequence.
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch, sequence int64) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	if batch.Sequence != sequence {
		return fmt.Errorf("batch %s stamped with sequence %d, want %d", batch.BatchID, batch.Sequence, sequence)
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total.Sign() != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %s", assetName, total)
		}
	}

	return nil
}

// ValidateClearingZero verifies no flash loan or liquidation leg is left open.
func (v *InvariantValidator) ValidateClearingZero() error {
	for _, key := range []AccountKey{flashLenderKey(), debtClearingKey()} {
		if b := v.tracker.GetBalance(key); b.Sign() != 0 {
			return fmt.Errorf("%s has non-zero balance: %s", key.AccountPath(), b)
		}
	}
	return nil
}

// ValidatePoolReserves verifies the reserve accounts mirror the pool.
func (v *InvariantValidator) ValidatePoolReserves(r pool.Reserves) error {
	if err := v.expect(poolReserveKey(AssetCollateral), r.Collateral.ToBig()); err != nil {
		return err
	}
	return v.expect(poolReserveKey(AssetDebt), r.Debt.ToBig())
}

// ValidatePositions verifies the collateral and debt accounts mirror the
// position table, and that no mirror account exists without a position.
func (v *InvariantValidator) ValidatePositions(positions map[uuid.UUID]*Position) error {
	for id, p := range positions {
		if err := v.expect(collateralKey(id), p.Collateral.ToBig()); err != nil {
			return err
		}
		if err := v.expect(debtKey(id), new(big.Int).Neg(p.Debt.ToBig())); err != nil {
			return err
		}
	}

	var err error
	v.tracker.Range(func(key AccountKey, balance *big.Int) {
		if err != nil || key.Scope != AccountScopeUser || key.SubType == SubTypeWallet || balance.Sign() == 0 {
			return
		}
		id, _ := key.UserID()
		if _, ok := positions[id]; !ok {
			err = fmt.Errorf("%s has balance %s but no position", key.AccountPath(), balance)
		}
	})
	return err
}

// ValidateWalletsNonNegative checks that no user wallet is overdrawn.
func (v *InvariantValidator) ValidateWalletsNonNegative() error {
	var err error
	v.tracker.Range(func(key AccountKey, balance *big.Int) {
		if err == nil && key.Scope == AccountScopeUser && key.SubType == SubTypeWallet {
			err = v.tracker.ValidateNonNegative(key)
		}
	})
	return err
}

func (v *InvariantValidator) expect(key AccountKey, want *big.Int) error {
	if got := v.tracker.GetBalance(key); got.Cmp(want) != 0 {
		return fmt.Errorf("%s balance %s does not match %s", key.AccountPath(), got, want)
	}
	return nil
}
