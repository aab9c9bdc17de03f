// Package pool implements the constant-product AMM that prices collateral in
// debt-asset terms. It is the single shared price source: nothing caches its
// price, every reader goes back to the reserves.
package pool

import (
	"fmt"

	"LendLedger/internal/fault"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/txn"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// BpsDenominator is 100% in basis points.
const BpsDenominator = 10_000

var bps = uint256.NewInt(BpsDenominator)

// Direction selects which reserve receives the input.
type Direction uint8

const (
	DirectionUnknown Direction = iota
	// CollateralToDebt sells collateral into the pool; price falls.
	CollateralToDebt
	// DebtToCollateral sells debt asset into the pool; price rises.
	DebtToCollateral
)

func (d Direction) String() string {
	switch d {
	case CollateralToDebt:
		return "collateral_to_debt"
	case DebtToCollateral:
		return "debt_to_collateral"
	default:
		return "unknown"
	}
}

func ParseDirection(s string) (Direction, error) {
	switch s {
	case "collateral_to_debt", "sell_collateral":
		return CollateralToDebt, nil
	case "debt_to_collateral", "buy_collateral":
		return DebtToCollateral, nil
	default:
		return DirectionUnknown, fmt.Errorf("unknown swap direction %q", s)
	}
}

// Price is reserveDebt/reserveCollateral kept as an exact rational.
type Price struct {
	Debt       *uint256.Int
	Collateral *uint256.Int
}

// Decimal renders the price with the given number of decimal places.
func (p Price) Decimal(places int32) decimal.Decimal {
	return fpmath.Ratio(p.Debt, p.Collateral, places)
}

func (p Price) String() string {
	return p.Decimal(18).String()
}

// Reserves is a copy of the pool balances.
type Reserves struct {
	Collateral *uint256.Int `json:"collateral"`
	Debt       *uint256.Int `json:"debt"`
}

// Pool holds the two reserves. Mutations go through a txn.Unit so a failed
// command restores the reserves it touched.
type Pool struct {
	reserveCollateral *uint256.Int
	reserveDebt       *uint256.Int
	feeBps            uint16
}

func New(feeBps uint16) *Pool {
	if feeBps >= BpsDenominator {
		panic(fmt.Sprintf("pool: fee %d bps must be below %d", feeBps, BpsDenominator))
	}
	return &Pool{
		reserveCollateral: new(uint256.Int),
		reserveDebt:       new(uint256.Int),
		feeBps:            feeBps,
	}
}

// Initialize seeds both reserves once.
func (p *Pool) Initialize(u *txn.Unit, collateralAmount, debtAmount *uint256.Int) error {
	if p.Initialized() {
		return fmt.Errorf("initialize: %w", fault.ErrAlreadyInitialized)
	}
	if collateralAmount == nil || debtAmount == nil || collateralAmount.IsZero() || debtAmount.IsZero() {
		return fmt.Errorf("initialize: both reserves must be positive: %w", fault.ErrInvalidAmount)
	}

	p.set(u, collateralAmount.Clone(), debtAmount.Clone())
	return nil
}

// Initialized reports whether the reserves have been seeded. Swaps can never
// drain a reserve to zero, so a seeded pool stays initialized.
func (p *Pool) Initialized() bool {
	return !p.reserveCollateral.IsZero() && !p.reserveDebt.IsZero()
}

func (p *Pool) FeeBps() uint16 {
	return p.feeBps
}

// Price returns debt-asset units per collateral unit.
func (p *Pool) Price() (Price, error) {
	if !p.Initialized() {
		return Price{}, fmt.Errorf("price: %w", fault.ErrNotInitialized)
	}
	return Price{Debt: p.reserveDebt.Clone(), Collateral: p.reserveCollateral.Clone()}, nil
}

func (p *Pool) Reserves() Reserves {
	return Reserves{Collateral: p.reserveCollateral.Clone(), Debt: p.reserveDebt.Clone()}
}

// QuoteOut returns the output of swapping amountIn without mutating the pool.
func (p *Pool) QuoteOut(amountIn *uint256.Int, dir Direction) (*uint256.Int, error) {
	if !p.Initialized() {
		return nil, fmt.Errorf("quote: %w", fault.ErrNotInitialized)
	}
	if amountIn == nil || amountIn.IsZero() {
		return nil, fmt.Errorf("quote: zero input: %w", fault.ErrInvalidAmount)
	}
	reserveIn, reserveOut, err := p.sides(dir)
	if err != nil {
		return nil, err
	}
	return p.amountOut(amountIn, reserveIn, reserveOut)
}

// QuoteIn returns the smallest input that yields at least amountOut, using the
// inverse of the constant-product formula.
func (p *Pool) QuoteIn(amountOut *uint256.Int, dir Direction) (*uint256.Int, error) {
	if !p.Initialized() {
		return nil, fmt.Errorf("quote: %w", fault.ErrNotInitialized)
	}
	if amountOut == nil || amountOut.IsZero() {
		return nil, fmt.Errorf("quote: zero output: %w", fault.ErrInvalidAmount)
	}
	reserveIn, reserveOut, err := p.sides(dir)
	if err != nil {
		return nil, err
	}
	if amountOut.Cmp(reserveOut) >= 0 {
		return nil, fmt.Errorf("quote: want %s of reserve %s: %w",
			amountOut.Dec(), reserveOut.Dec(), fault.ErrInsufficientLiquidity)
	}

	remaining := new(uint256.Int).Sub(reserveOut, amountOut)
	feeFactor := uint256.NewInt(uint64(BpsDenominator - p.feeBps))
	in, err := fpmath.Quotient(
		[]*uint256.Int{reserveIn, amountOut, bps},
		[]*uint256.Int{remaining, feeFactor},
		fpmath.RoundDown,
	)
	if err != nil {
		return nil, fmt.Errorf("quote: %v: %w", err, fault.ErrInvalidAmount)
	}
	return in.AddUint64(in, 1), nil
}

// Swap sells amountIn into the pool and returns the amount paid out.
func (p *Pool) Swap(u *txn.Unit, amountIn *uint256.Int, dir Direction) (*uint256.Int, error) {
	if !p.Initialized() {
		return nil, fmt.Errorf("swap: %w", fault.ErrNotInitialized)
	}
	if amountIn == nil || amountIn.IsZero() {
		return nil, fmt.Errorf("swap: zero input: %w", fault.ErrInvalidAmount)
	}
	reserveIn, reserveOut, err := p.sides(dir)
	if err != nil {
		return nil, err
	}

	out, err := p.amountOut(amountIn, reserveIn, reserveOut)
	if err != nil {
		return nil, err
	}
	if out.Cmp(reserveOut) >= 0 {
		return nil, fmt.Errorf("swap: output %s drains reserve %s: %w",
			out.Dec(), reserveOut.Dec(), fault.ErrInsufficientLiquidity)
	}
	if out.IsZero() {
		return nil, fmt.Errorf("swap: output rounds to zero: %w", fault.ErrInvalidAmount)
	}

	newIn, err := fpmath.Add(reserveIn, amountIn)
	if err != nil {
		return nil, fmt.Errorf("swap: %v: %w", err, fault.ErrInvalidAmount)
	}
	newOut := new(uint256.Int).Sub(reserveOut, out)

	if dir == CollateralToDebt {
		p.set(u, newIn, newOut)
	} else {
		p.set(u, newOut, newIn)
	}
	return out, nil
}

// Restore replaces the reserves wholesale. Used when loading a snapshot.
func (p *Pool) Restore(r Reserves) {
	p.reserveCollateral = fpmath.OrZero(r.Collateral).Clone()
	p.reserveDebt = fpmath.OrZero(r.Debt).Clone()
}

func (p *Pool) set(u *txn.Unit, collateral, debt *uint256.Int) {
	prevCollateral, prevDebt := p.reserveCollateral, p.reserveDebt
	p.reserveCollateral, p.reserveDebt = collateral, debt
	u.OnRollback(func() {
		p.reserveCollateral, p.reserveDebt = prevCollateral, prevDebt
	})
}

func (p *Pool) sides(dir Direction) (in, out *uint256.Int, err error) {
	switch dir {
	case CollateralToDebt:
		return p.reserveCollateral, p.reserveDebt, nil
	case DebtToCollateral:
		return p.reserveDebt, p.reserveCollateral, nil
	default:
		return nil, nil, fmt.Errorf("swap direction %d: %w", dir, fault.ErrInvalidAmount)
	}
}

// amountOut = floor(in' * reserveOut / (reserveIn + in')) where in' is the
// input net of fee. This equals reserveOut - ceil(k/(reserveIn+in')).
func (p *Pool) amountOut(amountIn, reserveIn, reserveOut *uint256.Int) (*uint256.Int, error) {
	feeFactor := uint256.NewInt(uint64(BpsDenominator - p.feeBps))
	inWithFee, err := fpmath.Mul(amountIn, feeFactor)
	if err != nil {
		return nil, fmt.Errorf("swap: %v: %w", err, fault.ErrInvalidAmount)
	}
	scaledReserve, err := fpmath.Mul(reserveIn, bps)
	if err != nil {
		return nil, fmt.Errorf("swap: %v: %w", err, fault.ErrInvalidAmount)
	}
	denominator, err := fpmath.Add(scaledReserve, inWithFee)
	if err != nil {
		return nil, fmt.Errorf("swap: %v: %w", err, fault.ErrInvalidAmount)
	}
	out, err := fpmath.Quotient([]*uint256.Int{inWithFee, reserveOut}, []*uint256.Int{denominator}, fpmath.RoundDown)
	if err != nil {
		return nil, fmt.Errorf("swap: %v: %w", err, fault.ErrInvalidAmount)
	}
	return out, nil
}
