package ledger

import (
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/pool"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var hundred = uint256.NewInt(100)

// Position is one account's collateral and debt record.
type Position struct {
	Collateral *uint256.Int `json:"collateral"`
	Debt       *uint256.Int `json:"debt"`
}

func emptyPosition() Position {
	return Position{Collateral: new(uint256.Int), Debt: new(uint256.Int)}
}

func (p Position) Clone() Position {
	return Position{
		Collateral: fpmath.OrZero(p.Collateral).Clone(),
		Debt:       fpmath.OrZero(p.Debt).Clone(),
	}
}

func (p Position) IsEmpty() bool {
	return p.Collateral.IsZero() && p.Debt.IsZero()
}

// PositionChanged is recorded on the unit of work whenever a position is
// written. The last record per account in a committed unit is its new state.
type PositionChanged struct {
	Account  uuid.UUID
	Position Position
}

// solvent reports collateral*price >= debt*ratio/100, evaluated as
// collateral*reserveDebt*100 >= debt*ratio*reserveCollateral.
func solvent(p Position, price pool.Price, ratio *uint256.Int) bool {
	if p.Debt.IsZero() {
		return true
	}
	return fpmath.CmpProducts(
		[]*uint256.Int{p.Collateral, price.Debt, hundred},
		[]*uint256.Int{p.Debt, ratio, price.Collateral},
	) >= 0
}

// borrowCapacity is the gross debt the collateral supports at ratio.
func borrowCapacity(p Position, price pool.Price, ratio *uint256.Int) (*uint256.Int, error) {
	return fpmath.Quotient(
		[]*uint256.Int{p.Collateral, price.Debt, hundred},
		[]*uint256.Int{ratio, price.Collateral},
		fpmath.RoundDown,
	)
}

// requiredCollateral is the least collateral that keeps the debt solvent.
func requiredCollateral(p Position, price pool.Price, ratio *uint256.Int) (*uint256.Int, error) {
	if p.Debt.IsZero() {
		return new(uint256.Int), nil
	}
	return fpmath.Quotient(
		[]*uint256.Int{p.Debt, ratio, price.Collateral},
		[]*uint256.Int{hundred, price.Debt},
		fpmath.RoundUp,
	)
}
