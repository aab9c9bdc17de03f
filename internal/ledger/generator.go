package ledger

import (
	"fmt"

	"LendLedger/internal/fault"
	"LendLedger/internal/pool"
	"LendLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalGenerator creates balanced journal batches, applies them to the
// tracker and registers their reversal with the unit of work. Sequence,
// command reference and timestamp are stamped by the engine on commit.
type JournalGenerator struct {
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		balanceTracker: tracker,
	}
}

type leg struct {
	debit  AccountKey
	credit AccountKey
	amount *uint256.Int
	kind   JournalType
}

// post builds one batch from legs. A leg that draws a user wallet below
// zero fails with ErrInsufficientBalance and leaves balances untouched.
func (jg *JournalGenerator) post(u *txn.Unit, legs ...leg) (*Batch, error) {
	batchID := uuid.New()
	batch := &Batch{
		BatchID:  batchID,
		Journals: make([]Journal, 0, len(legs)),
	}
	for _, l := range legs {
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  l.debit,
			CreditAccount: l.credit,
			AssetID:       l.debit.AssetID,
			Amount:        l.amount.Clone(),
			JournalType:   l.kind,
		})
	}
	if err := batch.Validate(); err != nil {
		return nil, fmt.Errorf("invalid batch: %v: %w", err, fault.ErrInvalidAmount)
	}

	applied := 0
	for _, j := range batch.Journals {
		if j.CreditAccount.Scope == AccountScopeUser && j.CreditAccount.SubType == SubTypeWallet {
			if err := jg.balanceTracker.ValidateSufficient(j.CreditAccount, j.Amount); err != nil {
				for i := applied - 1; i >= 0; i-- {
					jg.balanceTracker.RevertJournal(batch.Journals[i])
				}
				return nil, fmt.Errorf("%s: %v: %w", j.JournalType, err, fault.ErrInsufficientBalance)
			}
		}
		jg.balanceTracker.ApplyJournal(j)
		applied++
	}

	u.OnRollback(func() {
		for i := len(batch.Journals) - 1; i >= 0; i-- {
			jg.balanceTracker.RevertJournal(batch.Journals[i])
		}
	})
	u.Record(batch)
	return batch, nil
}

// PoolSeed moves provisioned liquidity into both pool reserve accounts.
func (jg *JournalGenerator) PoolSeed(u *txn.Unit, collateral, debt *uint256.Int) (*Batch, error) {
	return jg.post(u,
		leg{poolReserveKey(AssetCollateral), NewExternalAccountKey(SubTypeExternalLiquidity, AssetCollateral), collateral, JournalTypePoolSeed},
		leg{poolReserveKey(AssetDebt), NewExternalAccountKey(SubTypeExternalLiquidity, AssetDebt), debt, JournalTypePoolSeed},
	)
}

// Grant credits a user wallet from the grants boundary.
// Moves funds: external:grants → user:wallet
func (jg *JournalGenerator) Grant(u *txn.Unit, userID uuid.UUID, assetID AssetID, amount *uint256.Int) (*Batch, error) {
	return jg.post(u, leg{walletKey(userID, assetID), NewExternalAccountKey(SubTypeExternalGrants, assetID), amount, JournalTypeGrant})
}

// Deposit locks wallet collateral into the position.
// Moves funds: user:wallet:ETH → user:collateral:ETH
func (jg *JournalGenerator) Deposit(u *txn.Unit, userID uuid.UUID, amount *uint256.Int) (*Batch, error) {
	return jg.post(u, leg{collateralKey(userID), walletKey(userID, AssetCollateral), amount, JournalTypeDeposit})
}

// Withdrawal releases position collateral back to the wallet.
func (jg *JournalGenerator) Withdrawal(u *txn.Unit, userID uuid.UUID, amount *uint256.Int) (*Batch, error) {
	return jg.post(u, leg{walletKey(userID, AssetCollateral), collateralKey(userID), amount, JournalTypeWithdrawal})
}

// Borrow issues debt asset into the wallet against the debt account.
func (jg *JournalGenerator) Borrow(u *txn.Unit, userID uuid.UUID, amount *uint256.Int) (*Batch, error) {
	return jg.post(u, leg{walletKey(userID, AssetDebt), debtKey(userID), amount, JournalTypeBorrow})
}

// Repay pays the debt account down from the wallet.
func (jg *JournalGenerator) Repay(u *txn.Unit, userID uuid.UUID, amount *uint256.Int) (*Batch, error) {
	return jg.post(u, leg{debtKey(userID), walletKey(userID, AssetDebt), amount, JournalTypeRepay})
}

// Swap settles a user trade against the pool reserve accounts.
func (jg *JournalGenerator) Swap(u *txn.Unit, userID uuid.UUID, dir pool.Direction, amountIn, amountOut *uint256.Int) (*Batch, error) {
	in, out := swapAssets(dir)
	return jg.post(u,
		leg{poolReserveKey(in), walletKey(userID, in), amountIn, JournalTypeSwapIn},
		leg{walletKey(userID, out), poolReserveKey(out), amountOut, JournalTypeSwapOut},
	)
}

// Shock settles a price shock against the shock boundary account.
func (jg *JournalGenerator) Shock(u *txn.Unit, dir pool.Direction, amountIn, amountOut *uint256.Int) (*Batch, error) {
	in, out := swapAssets(dir)
	return jg.post(u,
		leg{poolReserveKey(in), NewExternalAccountKey(SubTypeExternalShock, in), amountIn, JournalTypeShockIn},
		leg{NewExternalAccountKey(SubTypeExternalShock, out), poolReserveKey(out), amountOut, JournalTypeShockOut},
	)
}

// Seize hands the target's collateral to the liquidator and parks the
// target's debt in the clearing account until the liquidator settles it.
func (jg *JournalGenerator) Seize(u *txn.Unit, target, liquidator uuid.UUID, collateral, debt *uint256.Int) (*Batch, error) {
	legs := make([]leg, 0, 2)
	if !collateral.IsZero() {
		legs = append(legs, leg{walletKey(liquidator, AssetCollateral), collateralKey(target), collateral, JournalTypeLiquidationSeize})
	}
	legs = append(legs, leg{debtKey(target), debtClearingKey(), debt, JournalTypeLiquidationDebt})
	return jg.post(u, legs...)
}

// SettleLiquidation burns the liquidator's debt asset against the clearing
// account.
func (jg *JournalGenerator) SettleLiquidation(u *txn.Unit, liquidator uuid.UUID, amount *uint256.Int) (*Batch, error) {
	return jg.post(u, leg{debtClearingKey(), walletKey(liquidator, AssetDebt), amount, JournalTypeLiquidationSettle})
}

// FlashLoan advances debt asset from the flash lender to a wallet.
func (jg *JournalGenerator) FlashLoan(u *txn.Unit, userID uuid.UUID, amount *uint256.Int) (*Batch, error) {
	return jg.post(u, leg{walletKey(userID, AssetDebt), flashLenderKey(), amount, JournalTypeFlashLoan})
}

// FlashRepay returns a flash loan to the lender.
func (jg *JournalGenerator) FlashRepay(u *txn.Unit, userID uuid.UUID, amount *uint256.Int) (*Batch, error) {
	return jg.post(u, leg{flashLenderKey(), walletKey(userID, AssetDebt), amount, JournalTypeFlashRepay})
}

func swapAssets(dir pool.Direction) (in, out AssetID) {
	if dir == pool.CollateralToDebt {
		return AssetCollateral, AssetDebt
	}
	return AssetDebt, AssetCollateral
}
