// Package leverage builds and unwinds looped positions: borrow the debt
// asset, buy collateral with it, deposit, repeat.
package leverage

import (
	"errors"
	"fmt"

	"LendLedger/internal/fault"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/pool"
	"LendLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

const (
	// HardMaxLoops bounds every loop regardless of configuration.
	HardMaxLoops    = 10
	DefaultMaxLoops = HardMaxLoops
	MaxFractionBps  = pool.BpsDenominator
)

// OpenResult summarizes an OpenLeveragedPosition call.
type OpenResult struct {
	Iterations int
	// Stopped is set when a borrow would have breached the collateral ratio
	// and the loop ended at the last solvent state.
	Stopped            bool
	Borrowed           *uint256.Int
	CollateralAcquired *uint256.Int
	Position           ledger.Position
}

// CloseResult summarizes a CloseLeveragedPosition call.
type CloseResult struct {
	Iterations         int
	DebtRepaid         *uint256.Int
	CollateralSold     *uint256.Int
	CollateralReturned *uint256.Int
}

type Manager struct {
	ledger   *ledger.Ledger
	maxLoops int
}

// New creates a manager. maxLoops outside [1, HardMaxLoops] is clamped.
func New(l *ledger.Ledger, maxLoops int) *Manager {
	if maxLoops <= 0 || maxLoops > HardMaxLoops {
		maxLoops = HardMaxLoops
	}
	return &Manager{ledger: l, maxLoops: maxLoops}
}

func (m *Manager) MaxLoops() int {
	return m.maxLoops
}

// Open deposits initialCollateral from the account's wallet, then for up to
// loops iterations borrows fractionBps of the gross borrow capacity, swaps
// it to collateral and deposits the proceeds.
func (m *Manager) Open(u *txn.Unit, account uuid.UUID, initialCollateral *uint256.Int, loops int, fractionBps uint32) (*OpenResult, error) {
	if loops < 0 || loops > m.maxLoops {
		return nil, fmt.Errorf("open leverage: loops %d outside [0, %d]: %w", loops, m.maxLoops, fault.ErrInvalidAmount)
	}
	if fractionBps == 0 || fractionBps > MaxFractionBps {
		return nil, fmt.Errorf("open leverage: fraction %d bps outside (0, %d]: %w", fractionBps, MaxFractionBps, fault.ErrInvalidAmount)
	}

	res := &OpenResult{Borrowed: fpmath.Zero(), CollateralAcquired: fpmath.Zero()}
	err := txn.Scoped(u, func() error {
		if err := m.ledger.Deposit(u, account, initialCollateral); err != nil {
			return err
		}

		fraction := uint256.NewInt(uint64(fractionBps))
		bps := uint256.NewInt(pool.BpsDenominator)
		for i := 0; i < loops; i++ {
			capacity, err := m.ledger.BorrowCapacity(account)
			if err != nil {
				return err
			}
			amount, err := fpmath.MulDiv(capacity, fraction, bps, fpmath.RoundDown)
			if err != nil {
				return fmt.Errorf("iteration %d: %v: %w", i+1, err, fault.ErrInvalidAmount)
			}
			if amount.IsZero() {
				break
			}

			sp := u.Savepoint()
			if err := m.ledger.Borrow(u, account, amount); err != nil {
				if errors.Is(err, fault.ErrUndercollateralized) {
					u.RollbackTo(sp)
					res.Stopped = true
					break
				}
				return err
			}
			bought, err := m.ledger.Swap(u, account, pool.DebtToCollateral, amount)
			if err != nil {
				return fmt.Errorf("iteration %d: %w", i+1, err)
			}
			if err := m.ledger.Deposit(u, account, bought); err != nil {
				return fmt.Errorf("iteration %d: %w", i+1, err)
			}

			res.Iterations++
			res.Borrowed.Add(res.Borrowed, amount)
			res.CollateralAcquired.Add(res.CollateralAcquired, bought)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open leverage: %w", err)
	}
	res.Position = m.ledger.PositionOf(account)
	return res, nil
}

// Close unwinds the account's position: each iteration repays debt from the
// wallet, withdraws the collateral that can safely leave and sells just
// enough of it to cover the remaining debt. Once the debt is gone the rest
// of the collateral returns to the wallet.
func (m *Manager) Close(u *txn.Unit, account uuid.UUID) (*CloseResult, error) {
	if !m.ledger.HasPosition(account) {
		return nil, fmt.Errorf("close leverage %s: %w", account, fault.ErrUnknownAccount)
	}

	res := &CloseResult{DebtRepaid: fpmath.Zero(), CollateralSold: fpmath.Zero(), CollateralReturned: fpmath.Zero()}
	err := txn.Scoped(u, func() error {
		for i := 0; ; i++ {
			if err := m.repayFromWallet(u, account, res); err != nil {
				return err
			}
			debt := m.ledger.PositionOf(account).Debt
			if debt.IsZero() {
				break
			}
			if i == m.maxLoops {
				return fmt.Errorf("debt %s left after %d iterations: %w", debt.Dec(), i, fault.ErrUndercollateralized)
			}

			free, err := m.ledger.MaxWithdrawable(account)
			if err != nil {
				return err
			}
			if free.IsZero() {
				return fmt.Errorf("iteration %d: no collateral can leave the position: %w", i+1, fault.ErrUndercollateralized)
			}

			outstanding := fpmath.SubFloor(debt, m.ledger.WalletBalance(account, ledger.AssetDebt))
			sell := free
			if need, err := m.ledger.Pool().QuoteIn(outstanding, pool.CollateralToDebt); err == nil && need.Lt(free) {
				sell = need
			}

			if err := m.ledger.Withdraw(u, account, sell); err != nil {
				return fmt.Errorf("iteration %d: %w", i+1, err)
			}
			if _, err := m.ledger.Swap(u, account, pool.CollateralToDebt, sell); err != nil {
				return fmt.Errorf("iteration %d: %w", i+1, err)
			}
			res.CollateralSold.Add(res.CollateralSold, sell)
			res.Iterations++
		}

		rest := m.ledger.PositionOf(account).Collateral
		if rest.IsZero() {
			return nil
		}
		if err := m.ledger.Withdraw(u, account, rest); err != nil {
			return err
		}
		res.CollateralReturned = rest
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("close leverage: %w", err)
	}
	return res, nil
}

func (m *Manager) repayFromWallet(u *txn.Unit, account uuid.UUID, res *CloseResult) error {
	debt := m.ledger.PositionOf(account).Debt
	available := m.ledger.WalletBalance(account, ledger.AssetDebt)
	if debt.IsZero() || available.IsZero() {
		return nil
	}
	repaid, err := m.ledger.Repay(u, account, available)
	if err != nil {
		return err
	}
	res.DebtRepaid.Add(res.DebtRepaid, repaid)
	return nil
}
