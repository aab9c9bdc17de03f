package ledger

import (
	"fmt"

	"LendLedger/internal/fault"
	"LendLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Seizer is the capability to seize liquidatable positions. A ledger issues
// exactly one, to the liquidation engine.
type Seizer struct {
	ledger *Ledger
}

// IssueSeizer hands out the seize capability. Only the first call succeeds.
func (l *Ledger) IssueSeizer() (*Seizer, error) {
	if l.seizerIssued {
		return nil, fmt.Errorf("seize capability already issued: %w", fault.ErrPermissionDenied)
	}
	l.seizerIssued = true
	return &Seizer{ledger: l}, nil
}

// Seize zeroes a liquidatable position. All collateral moves to the
// liquidator's wallet and the debt moves to the clearing account, where it
// stays until Settle burns the liquidator's repayment against it.
func (s *Seizer) Seize(u *txn.Unit, target, liquidator uuid.UUID) (collateral, debt *uint256.Int, err error) {
	l := s.ledger
	eligible, err := l.IsLiquidatable(target)
	if err != nil {
		return nil, nil, fmt.Errorf("seize: %w", err)
	}
	if !eligible {
		return nil, nil, fmt.Errorf("seize %s: %w", target, fault.ErrNotLiquidatable)
	}

	pos := l.PositionOf(target)
	err = txn.Scoped(u, func() error {
		l.setPosition(u, target, emptyPosition())
		_, err := l.journals.Seize(u, target, liquidator, pos.Collateral, pos.Debt)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("seize: %w", err)
	}
	return pos.Collateral, pos.Debt, nil
}

// Settle burns amount of the liquidator's debt asset against seized debt.
func (s *Seizer) Settle(u *txn.Unit, liquidator uuid.UUID, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("settle: %w", fault.ErrInvalidAmount)
	}
	if _, err := s.ledger.journals.SettleLiquidation(u, liquidator, amount); err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	return nil
}
