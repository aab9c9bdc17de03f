package core

import (
	"fmt"

	"LendLedger/internal/event"
	"LendLedger/internal/fault"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/pool"
	"LendLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// PositionResult is returned by commands that change one position.
type PositionResult struct {
	Account  uuid.UUID
	Position ledger.Position
}

type RepayResult struct {
	PositionResult
	Repaid *uint256.Int
}

type SwapResult struct {
	AmountOut *uint256.Int
	Price     pool.Price
}

type GrantResult struct {
	Account uuid.UUID
	Asset   string
	Balance *uint256.Int
}

func (c *Engine) dispatch(u *txn.Unit, cmd event.Command) (any, error) {
	switch e := cmd.(type) {
	case *event.InitializePool:
		return c.handleInitializePool(u, e)
	case *event.Grant:
		return c.handleGrant(u, e)
	case *event.Deposit:
		return c.handlePositionChange(u, e.Account, e.Amount, "deposit", c.ledger.Deposit)
	case *event.Withdraw:
		return c.handlePositionChange(u, e.Account, e.Amount, "withdraw", c.ledger.Withdraw)
	case *event.Borrow:
		return c.handlePositionChange(u, e.Account, e.Amount, "borrow", c.ledger.Borrow)
	case *event.Repay:
		return c.handleRepay(u, e)
	case *event.Swap:
		return c.handleSwap(u, e)
	case *event.Liquidate:
		return c.handleLiquidate(u, e)
	case *event.FlashLiquidate:
		return c.handleFlashLiquidate(u, e)
	case *event.OpenLeverage:
		return c.handleOpenLeverage(u, e)
	case *event.CloseLeverage:
		if err := requireAccount(e.Account, "close leverage"); err != nil {
			return nil, err
		}
		return c.leverage.Close(u, e.Account)
	case *event.Shock:
		return c.handleShock(u, e)
	default:
		return nil, fmt.Errorf("unknown command type %T: %w", cmd, fault.ErrInvalidCommand)
	}
}

// baseUnits converts a command's token amount into base units.
func baseUnits(field string, d decimal.Decimal) (*uint256.Int, error) {
	v, err := fpmath.FromDecimal(d)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", field, err, fault.ErrInvalidAmount)
	}
	return v, nil
}

func requireAccount(id uuid.UUID, field string) error {
	if id == uuid.Nil {
		return fmt.Errorf("%s: missing account: %w", field, fault.ErrInvalidCommand)
	}
	return nil
}

func (c *Engine) handleInitializePool(u *txn.Unit, e *event.InitializePool) (any, error) {
	collateral, err := baseUnits("collateral", e.Collateral)
	if err != nil {
		return nil, err
	}
	debt, err := baseUnits("debt", e.Debt)
	if err != nil {
		return nil, err
	}
	if err := c.ledger.InitializePool(u, collateral, debt); err != nil {
		return nil, err
	}
	return c.ledger.Pool().Reserves(), nil
}

func (c *Engine) handleGrant(u *txn.Unit, e *event.Grant) (any, error) {
	if err := requireAccount(e.Account, "grant"); err != nil {
		return nil, err
	}
	asset, ok := ledger.GetAssetID(e.Asset)
	if !ok {
		return nil, fmt.Errorf("grant: unknown asset %q: %w", e.Asset, fault.ErrInvalidCommand)
	}
	amount, err := baseUnits("amount", e.Amount)
	if err != nil {
		return nil, err
	}
	if err := c.ledger.Grant(u, e.Account, asset, amount); err != nil {
		return nil, err
	}
	return &GrantResult{Account: e.Account, Asset: e.Asset, Balance: c.ledger.WalletBalance(e.Account, asset)}, nil
}

func (c *Engine) handlePositionChange(
	u *txn.Unit,
	account uuid.UUID,
	amount decimal.Decimal,
	op string,
	apply func(*txn.Unit, uuid.UUID, *uint256.Int) error,
) (any, error) {
	if err := requireAccount(account, op); err != nil {
		return nil, err
	}
	v, err := baseUnits("amount", amount)
	if err != nil {
		return nil, err
	}
	if err := apply(u, account, v); err != nil {
		return nil, err
	}
	return &PositionResult{Account: account, Position: c.ledger.PositionOf(account)}, nil
}

func (c *Engine) handleRepay(u *txn.Unit, e *event.Repay) (any, error) {
	if err := requireAccount(e.Account, "repay"); err != nil {
		return nil, err
	}
	amount, err := baseUnits("amount", e.Amount)
	if err != nil {
		return nil, err
	}
	repaid, err := c.ledger.Repay(u, e.Account, amount)
	if err != nil {
		return nil, err
	}
	return &RepayResult{
		PositionResult: PositionResult{Account: e.Account, Position: c.ledger.PositionOf(e.Account)},
		Repaid:         repaid,
	}, nil
}

func (c *Engine) handleSwap(u *txn.Unit, e *event.Swap) (any, error) {
	if err := requireAccount(e.Account, "swap"); err != nil {
		return nil, err
	}
	dir, err := pool.ParseDirection(e.Direction)
	if err != nil {
		return nil, fmt.Errorf("swap: %v: %w", err, fault.ErrInvalidCommand)
	}
	amount, err := baseUnits("amount_in", e.AmountIn)
	if err != nil {
		return nil, err
	}
	out, err := c.ledger.Swap(u, e.Account, dir, amount)
	if err != nil {
		return nil, err
	}
	price, err := c.ledger.Pool().Price()
	if err != nil {
		return nil, err
	}
	return &SwapResult{AmountOut: out, Price: price}, nil
}

func (c *Engine) handleLiquidate(u *txn.Unit, e *event.Liquidate) (any, error) {
	if err := requireAccount(e.Liquidator, "liquidate"); err != nil {
		return nil, err
	}
	if err := requireAccount(e.Target, "liquidate target"); err != nil {
		return nil, err
	}
	amount, err := baseUnits("amount", e.Amount)
	if err != nil {
		return nil, err
	}
	return c.liquidations.Liquidate(u, e.Liquidator, e.Target, amount)
}

func (c *Engine) handleFlashLiquidate(u *txn.Unit, e *event.FlashLiquidate) (any, error) {
	if err := requireAccount(e.Caller, "flash liquidate"); err != nil {
		return nil, err
	}
	if err := requireAccount(e.Target, "flash liquidate target"); err != nil {
		return nil, err
	}
	return c.flash.Liquidate(u, e.Caller, e.Target)
}

func (c *Engine) handleOpenLeverage(u *txn.Unit, e *event.OpenLeverage) (any, error) {
	if err := requireAccount(e.Account, "open leverage"); err != nil {
		return nil, err
	}
	initial, err := baseUnits("initial_collateral", e.InitialCollateral)
	if err != nil {
		return nil, err
	}
	return c.leverage.Open(u, e.Account, initial, e.Loops, e.FractionBps)
}

func (c *Engine) handleShock(u *txn.Unit, e *event.Shock) (any, error) {
	dir, err := pool.ParseDirection(e.Direction)
	if err != nil {
		return nil, fmt.Errorf("shock: %v: %w", err, fault.ErrInvalidCommand)
	}
	amount, err := baseUnits("amount", e.Amount)
	if err != nil {
		return nil, err
	}
	return c.shocker.Shock(u, dir, amount)
}
