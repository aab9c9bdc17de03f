// Package ledger owns the lending positions and the double-entry asset book.
// It is the only writer of positions and of the pool reserve accounts; every
// solvency decision re-reads the pool price at the moment it is made.
package ledger

import (
	"fmt"
	"math/big"

	"LendLedger/internal/fault"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/pool"
	"LendLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const DefaultMinCollateralRatio = 120

type Ledger struct {
	pool      *pool.Pool
	positions map[uuid.UUID]*Position
	tracker   *BalanceTracker
	journals  *JournalGenerator
	validator *InvariantValidator

	minRatio     *uint256.Int
	seizerIssued bool
}

// New creates a ledger priced by p. minCollateralRatio is a percentage and
// must exceed 100.
func New(p *pool.Pool, minCollateralRatio uint64) *Ledger {
	if minCollateralRatio <= 100 {
		panic(fmt.Sprintf("ledger: min collateral ratio %d must exceed 100", minCollateralRatio))
	}
	tracker := NewBalanceTracker()
	return &Ledger{
		pool:      p,
		positions: make(map[uuid.UUID]*Position),
		tracker:   tracker,
		journals:  NewJournalGenerator(tracker),
		validator: NewInvariantValidator(tracker),
		minRatio:  uint256.NewInt(minCollateralRatio),
	}
}

func (l *Ledger) MinCollateralRatio() uint64 {
	return l.minRatio.Uint64()
}

func (l *Ledger) Pool() *pool.Pool {
	return l.pool
}

// === Pool-facing operations ===

// InitializePool seeds the pool and books the provisioned liquidity.
func (l *Ledger) InitializePool(u *txn.Unit, collateral, debt *uint256.Int) error {
	return txn.Scoped(u, func() error {
		if err := l.pool.Initialize(u, collateral, debt); err != nil {
			return err
		}
		_, err := l.journals.PoolSeed(u, collateral, debt)
		return err
	})
}

// Swap trades amountIn from the account's wallet through the pool and credits
// the output to the same wallet.
func (l *Ledger) Swap(u *txn.Unit, account uuid.UUID, dir pool.Direction, amountIn *uint256.Int) (*uint256.Int, error) {
	var out *uint256.Int
	err := txn.Scoped(u, func() error {
		in, _ := swapAssets(dir)
		if amountIn != nil && !amountIn.IsZero() {
			if err := l.tracker.ValidateSufficient(walletKey(account, in), amountIn); err != nil {
				return fmt.Errorf("swap: %v: %w", err, fault.ErrInsufficientBalance)
			}
		}
		var err error
		out, err = l.pool.Swap(u, amountIn, dir)
		if err != nil {
			return err
		}
		_, err = l.journals.Swap(u, account, dir, amountIn, out)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ShockSwap trades against the pool from outside the engine, moving the
// price without touching any position.
func (l *Ledger) ShockSwap(u *txn.Unit, dir pool.Direction, amountIn *uint256.Int) (*uint256.Int, error) {
	var out *uint256.Int
	err := txn.Scoped(u, func() error {
		var err error
		out, err = l.pool.Swap(u, amountIn, dir)
		if err != nil {
			return err
		}
		_, err = l.journals.Shock(u, dir, amountIn, out)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// === Position operations ===

// Grant credits an account wallet from outside the engine.
func (l *Ledger) Grant(u *txn.Unit, account uuid.UUID, asset AssetID, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("grant: %w", fault.ErrInvalidAmount)
	}
	if _, ok := GetAssetName(asset); !ok {
		return fmt.Errorf("grant: unknown asset %d: %w", asset, fault.ErrInvalidAmount)
	}
	_, err := l.journals.Grant(u, account, asset, amount)
	return err
}

func (l *Ledger) Deposit(u *txn.Unit, account uuid.UUID, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("deposit: %w", fault.ErrInvalidAmount)
	}
	pos := l.PositionOf(account)
	collateral, err := fpmath.Add(pos.Collateral, amount)
	if err != nil {
		return fmt.Errorf("deposit: %v: %w", err, fault.ErrInvalidAmount)
	}

	return txn.Scoped(u, func() error {
		if _, err := l.journals.Deposit(u, account, amount); err != nil {
			return fmt.Errorf("deposit: %w", err)
		}
		l.setPosition(u, account, Position{Collateral: collateral, Debt: pos.Debt})
		return nil
	})
}

// Withdraw releases collateral to the wallet. The remaining position must
// stay solvent at the current price.
func (l *Ledger) Withdraw(u *txn.Unit, account uuid.UUID, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("withdraw: %w", fault.ErrInvalidAmount)
	}
	pos := l.PositionOf(account)
	if amount.Gt(pos.Collateral) {
		return fmt.Errorf("withdraw: amount %s exceeds collateral %s: %w",
			amount.Dec(), pos.Collateral.Dec(), fault.ErrInvalidAmount)
	}
	collateral := new(uint256.Int).Sub(pos.Collateral, amount)

	return txn.Scoped(u, func() error {
		l.setPosition(u, account, Position{Collateral: collateral, Debt: pos.Debt})
		if _, err := l.journals.Withdrawal(u, account, amount); err != nil {
			return fmt.Errorf("withdraw: %w", err)
		}
		return l.requireSolvent(account, "withdraw")
	})
}

// Borrow increases debt and issues the debt asset into the wallet. The
// increase is rolled back when the position would fall below the ratio.
func (l *Ledger) Borrow(u *txn.Unit, account uuid.UUID, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("borrow: %w", fault.ErrInvalidAmount)
	}
	pos := l.PositionOf(account)
	debt, err := fpmath.Add(pos.Debt, amount)
	if err != nil {
		return fmt.Errorf("borrow: %v: %w", err, fault.ErrInvalidAmount)
	}

	return txn.Scoped(u, func() error {
		l.setPosition(u, account, Position{Collateral: pos.Collateral, Debt: debt})
		if _, err := l.journals.Borrow(u, account, amount); err != nil {
			return fmt.Errorf("borrow: %w", err)
		}
		return l.requireSolvent(account, "borrow")
	})
}

// Repay pays down min(amount, debt) from the wallet and returns the amount
// actually repaid. Overpayment is capped rather than rejected.
func (l *Ledger) Repay(u *txn.Unit, account uuid.UUID, amount *uint256.Int) (*uint256.Int, error) {
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("repay: %w", fault.ErrInvalidAmount)
	}
	pos := l.PositionOf(account)
	repaid := fpmath.Min(amount, pos.Debt)
	if repaid.IsZero() {
		return repaid, nil
	}

	err := txn.Scoped(u, func() error {
		if _, err := l.journals.Repay(u, account, repaid); err != nil {
			return fmt.Errorf("repay: %w", err)
		}
		l.setPosition(u, account, Position{
			Collateral: pos.Collateral,
			Debt:       new(uint256.Int).Sub(pos.Debt, repaid),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return repaid, nil
}

// FlashBorrow advances amount of debt asset from the flash lender into the
// account's wallet. The loan must be returned with FlashRepay in the same unit.
func (l *Ledger) FlashBorrow(u *txn.Unit, account uuid.UUID, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("flash loan: %w", fault.ErrInvalidAmount)
	}
	_, err := l.journals.FlashLoan(u, account, amount)
	return err
}

func (l *Ledger) FlashRepay(u *txn.Unit, account uuid.UUID, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("flash repay: %w", fault.ErrInvalidAmount)
	}
	_, err := l.journals.FlashRepay(u, account, amount)
	return err
}

// === Queries ===

// PositionOf returns a copy of the account's position, zero if none exists.
func (l *Ledger) PositionOf(account uuid.UUID) Position {
	if p, ok := l.positions[account]; ok {
		return p.Clone()
	}
	return emptyPosition()
}

func (l *Ledger) HasPosition(account uuid.UUID) bool {
	_, ok := l.positions[account]
	return ok
}

// Positions returns a copy of the position table.
func (l *Ledger) Positions() map[uuid.UUID]Position {
	out := make(map[uuid.UUID]Position, len(l.positions))
	for id, p := range l.positions {
		out[id] = p.Clone()
	}
	return out
}

func (l *Ledger) WalletBalance(account uuid.UUID, asset AssetID) *uint256.Int {
	return l.tracker.GetWalletBalance(account, asset)
}

// Balance returns the signed book balance of any account.
func (l *Ledger) Balance(key AccountKey) *big.Int {
	return l.tracker.GetBalance(key)
}

// IsLiquidatable reports debt > 0 and collateral*price < debt*ratio.
func (l *Ledger) IsLiquidatable(account uuid.UUID) (bool, error) {
	pos := l.PositionOf(account)
	if pos.Debt.IsZero() {
		return false, nil
	}
	price, err := l.pool.Price()
	if err != nil {
		return false, err
	}
	return !solvent(pos, price, l.minRatio), nil
}

// BorrowCapacity returns the gross debt the account's collateral supports.
func (l *Ledger) BorrowCapacity(account uuid.UUID) (*uint256.Int, error) {
	price, err := l.pool.Price()
	if err != nil {
		return nil, err
	}
	return borrowCapacity(l.PositionOf(account), price, l.minRatio)
}

// MaxBorrow returns the additional debt the account can take on now.
func (l *Ledger) MaxBorrow(account uuid.UUID) (*uint256.Int, error) {
	capacity, err := l.BorrowCapacity(account)
	if err != nil {
		return nil, err
	}
	return fpmath.SubFloor(capacity, l.PositionOf(account).Debt), nil
}

// MaxWithdrawable returns the collateral that can leave the position while
// keeping it solvent.
func (l *Ledger) MaxWithdrawable(account uuid.UUID) (*uint256.Int, error) {
	pos := l.PositionOf(account)
	if pos.Debt.IsZero() {
		return pos.Collateral, nil
	}
	price, err := l.pool.Price()
	if err != nil {
		return nil, err
	}
	required, err := requiredCollateral(pos, price, l.minRatio)
	if err != nil {
		return nil, fmt.Errorf("max withdrawable: %v: %w", err, fault.ErrInvalidAmount)
	}
	return fpmath.SubFloor(pos.Collateral, required), nil
}

// CollateralValue prices the account's collateral in debt-asset units.
func (l *Ledger) CollateralValue(account uuid.UUID) (*uint256.Int, error) {
	price, err := l.pool.Price()
	if err != nil {
		return nil, err
	}
	return fpmath.Quotient(
		[]*uint256.Int{l.PositionOf(account).Collateral, price.Debt},
		[]*uint256.Int{price.Collateral},
		fpmath.RoundDown,
	)
}

// RatioOf returns the collateralization ratio in percent. ok is false when
// the account has no debt.
func (l *Ledger) RatioOf(account uuid.UUID) (ratio decimal.Decimal, ok bool, err error) {
	pos := l.PositionOf(account)
	if pos.Debt.IsZero() {
		return decimal.Zero, false, nil
	}
	value, err := l.CollateralValue(account)
	if err != nil {
		return decimal.Zero, false, err
	}
	return fpmath.Ratio(value, pos.Debt, 6).Shift(2), true, nil
}

// === Invariants ===

// CheckInvariants verifies the book against the pool and the position
// table. A failure means engine state is corrupt.
func (l *Ledger) CheckInvariants() error {
	if err := l.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	if err := l.validator.ValidateClearingZero(); err != nil {
		return err
	}
	if err := l.validator.ValidatePoolReserves(l.pool.Reserves()); err != nil {
		return err
	}
	if err := l.validator.ValidatePositions(l.positions); err != nil {
		return err
	}
	return l.validator.ValidateWalletsNonNegative()
}

// ValidateBatch checks a committed journal batch against the sequence it
// was stamped with.
func (l *Ledger) ValidateBatch(b *Batch, sequence int64) error {
	return l.validator.ValidateBatchBalance(b, sequence)
}

// === Snapshot support ===

// State is the serializable content of the ledger.
type State struct {
	Positions map[uuid.UUID]Position `json:"positions"`
	Balances  []BalanceEntry         `json:"balances"`
}

func (l *Ledger) State() State {
	return State{Positions: l.Positions(), Balances: l.tracker.Snapshot()}
}

// Restore replaces positions and balances. The pool must be restored
// separately before invariants are checked.
func (l *Ledger) Restore(s State) error {
	if err := l.tracker.Restore(s.Balances); err != nil {
		return err
	}
	positions := make(map[uuid.UUID]*Position, len(s.Positions))
	for id, p := range s.Positions {
		c := p.Clone()
		positions[id] = &c
	}
	l.positions = positions
	return nil
}

// === internals ===

func (l *Ledger) setPosition(u *txn.Unit, account uuid.UUID, next Position) {
	prev, existed := l.positions[account]
	stored := next.Clone()
	l.positions[account] = &stored
	u.OnRollback(func() {
		if existed {
			l.positions[account] = prev
		} else {
			delete(l.positions, account)
		}
	})
	u.Record(PositionChanged{Account: account, Position: stored.Clone()})
}

func (l *Ledger) requireSolvent(account uuid.UUID, op string) error {
	pos := l.PositionOf(account)
	if pos.Debt.IsZero() {
		return nil
	}
	price, err := l.pool.Price()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !solvent(pos, price, l.minRatio) {
		return fmt.Errorf("%s: collateral %s at price %s below %d%% of debt %s: %w",
			op, pos.Collateral.Dec(), price, l.minRatio.Uint64(), pos.Debt.Dec(), fault.ErrUndercollateralized)
	}
	return nil
}
