// Package shock moves the pool price directly, for test and demo
// deployments that need to push positions into liquidation.
package shock

import (
	"fmt"

	"LendLedger/internal/fault"
	"LendLedger/internal/ledger"
	"LendLedger/internal/pool"
	"LendLedger/internal/txn"

	"github.com/holiman/uint256"
)

// Result reports the swap and the price it left behind.
type Result struct {
	Direction pool.Direction
	AmountIn  *uint256.Int
	AmountOut *uint256.Int
	Before    pool.Price
	After     pool.Price
}

type Shocker struct {
	ledger  *ledger.Ledger
	enabled bool
}

// New creates a shocker. A disabled shocker refuses every call.
func New(l *ledger.Ledger, enabled bool) *Shocker {
	return &Shocker{ledger: l, enabled: enabled}
}

func (s *Shocker) Enabled() bool {
	return s.enabled
}

// Shock swaps amount into the pool from the shock boundary account. It
// touches no position.
func (s *Shocker) Shock(u *txn.Unit, dir pool.Direction, amount *uint256.Int) (*Result, error) {
	if !s.enabled {
		return nil, fmt.Errorf("price shock disabled: %w", fault.ErrPermissionDenied)
	}
	before, err := s.ledger.Pool().Price()
	if err != nil {
		return nil, fmt.Errorf("price shock: %w", err)
	}
	out, err := s.ledger.ShockSwap(u, dir, amount)
	if err != nil {
		return nil, fmt.Errorf("price shock: %w", err)
	}
	after, err := s.ledger.Pool().Price()
	if err != nil {
		return nil, fmt.Errorf("price shock: %w", err)
	}
	return &Result{Direction: dir, AmountIn: amount.Clone(), AmountOut: out, Before: before, After: after}, nil
}
