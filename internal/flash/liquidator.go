// Package flash liquidates positions without upfront capital: the debt is
// borrowed from the flash lender, the seized collateral is sold back through
// the pool and the loan is returned, all in one unit of work.
package flash

import (
	"fmt"

	"LendLedger/internal/fault"
	"LendLedger/internal/ledger"
	"LendLedger/internal/liquidation"
	"LendLedger/internal/pool"
	"LendLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// LoanReceipt is the outstanding flash loan. It never outlives the call.
type LoanReceipt struct {
	Borrowed *uint256.Int
	Target   uuid.UUID
}

// Result is the outcome of a successful flash liquidation.
type Result struct {
	Receipt        LoanReceipt
	Liquidation    *liquidation.Record
	CollateralSold *uint256.Int
	DebtBought     *uint256.Int
	Profit         *uint256.Int // collateral left with the caller
}

type Liquidator struct {
	ledger *ledger.Ledger
	engine *liquidation.Engine
}

func New(l *ledger.Ledger, engine *liquidation.Engine) *Liquidator {
	return &Liquidator{ledger: l, engine: engine}
}

// Liquidate runs loan → liquidate → swap → repay for target on behalf of
// caller. Any failure, including a sale that cannot cover the loan, unwinds
// every step.
func (f *Liquidator) Liquidate(u *txn.Unit, caller, target uuid.UUID) (*Result, error) {
	eligible, err := f.ledger.IsLiquidatable(target)
	if err != nil {
		return nil, fmt.Errorf("flash liquidate: %w", err)
	}
	if !eligible {
		return nil, fmt.Errorf("flash liquidate %s: %w", target, fault.ErrNotLiquidatable)
	}

	var res *Result
	err = txn.Scoped(u, func() error {
		receipt := LoanReceipt{Borrowed: f.ledger.PositionOf(target).Debt, Target: target}
		if err := f.ledger.FlashBorrow(u, caller, receipt.Borrowed); err != nil {
			return err
		}

		rec, err := f.engine.Liquidate(u, caller, target, receipt.Borrowed)
		if err != nil {
			return err
		}

		need, err := f.ledger.Pool().QuoteIn(receipt.Borrowed, pool.CollateralToDebt)
		if err != nil {
			return fmt.Errorf("repay %s: %v: %w", receipt.Borrowed.Dec(), err, fault.ErrUnprofitable)
		}
		if need.Gt(rec.CollateralSeized) {
			return fmt.Errorf("repay %s needs %s collateral, seized %s: %w",
				receipt.Borrowed.Dec(), need.Dec(), rec.CollateralSeized.Dec(), fault.ErrUnprofitable)
		}

		bought, err := f.ledger.Swap(u, caller, pool.CollateralToDebt, need)
		if err != nil {
			return err
		}
		if err := f.ledger.FlashRepay(u, caller, receipt.Borrowed); err != nil {
			return err
		}

		res = &Result{
			Receipt:        receipt,
			Liquidation:    rec,
			CollateralSold: need,
			DebtBought:     bought,
			Profit:         new(uint256.Int).Sub(rec.CollateralSeized, need),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("flash liquidate %s: %w", target, err)
	}
	return res, nil
}
