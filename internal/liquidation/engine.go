// Package liquidation closes insolvent positions. An attempt either runs
// Checked → Seized → DebtRepaid → Closed inside one unit of work or leaves
// no trace.
package liquidation

import (
	"fmt"

	"LendLedger/internal/fault"
	"LendLedger/internal/ledger"
	"LendLedger/internal/pool"
	"LendLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Record describes a completed liquidation. It is recorded on the unit of
// work and feeds the liquidation history projection.
type Record struct {
	LiquidationID    uuid.UUID
	Target           uuid.UUID
	Liquidator       uuid.UUID
	CollateralSeized *uint256.Int
	DebtRepaid       *uint256.Int
	Price            pool.Price
	State            State
}

type attempt struct {
	id    uuid.UUID
	state State
}

// Engine holds the ledger's seize capability.
type Engine struct {
	ledger *ledger.Ledger
	seizer *ledger.Seizer
}

// NewEngine claims the ledger's seize capability. It fails if another
// engine already holds it.
func NewEngine(l *ledger.Ledger) (*Engine, error) {
	seizer, err := l.IssueSeizer()
	if err != nil {
		return nil, fmt.Errorf("liquidation engine: %w", err)
	}
	return &Engine{ledger: l, seizer: seizer}, nil
}

// Liquidate repays target's whole debt from the liquidator's debt-asset
// wallet and releases all of target's collateral to the liquidator.
// debtAssetProvided is what the liquidator commits; it must cover the debt.
func (e *Engine) Liquidate(u *txn.Unit, liquidator, target uuid.UUID, debtAssetProvided *uint256.Int) (*Record, error) {
	a := &attempt{id: uuid.New()}

	eligible, err := e.ledger.IsLiquidatable(target)
	if err != nil {
		return nil, fmt.Errorf("liquidate: %w", err)
	}
	if !eligible {
		return nil, fmt.Errorf("liquidate %s: %w", target, fault.ErrNotLiquidatable)
	}
	pos := e.ledger.PositionOf(target)
	if debtAssetProvided == nil || debtAssetProvided.Lt(pos.Debt) {
		return nil, fmt.Errorf("liquidate %s: provided %s, debt %s: %w",
			target, amountString(debtAssetProvided), pos.Debt.Dec(), fault.ErrInsufficientRepayment)
	}
	if balance := e.ledger.WalletBalance(liquidator, ledger.AssetDebt); balance.Lt(pos.Debt) {
		return nil, fmt.Errorf("liquidate %s: liquidator holds %s of %s: %w",
			target, balance.Dec(), pos.Debt.Dec(), fault.ErrInsufficientBalance)
	}
	price, err := e.ledger.Pool().Price()
	if err != nil {
		return nil, fmt.Errorf("liquidate: %w", err)
	}
	a.advance(StateChecked)

	var record *Record
	err = txn.Scoped(u, func() error {
		collateral, debt, err := e.seizer.Seize(u, target, liquidator)
		if err != nil {
			return err
		}
		a.advance(StateSeized)

		if err := e.seizer.Settle(u, liquidator, debt); err != nil {
			return err
		}
		a.advance(StateDebtRepaid)

		a.advance(StateClosed)
		record = &Record{
			LiquidationID:    a.id,
			Target:           target,
			Liquidator:       liquidator,
			CollateralSeized: collateral,
			DebtRepaid:       debt,
			Price:            price,
			State:            a.state,
		}
		u.Record(record)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("liquidate %s: %w", target, err)
	}
	return record, nil
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
