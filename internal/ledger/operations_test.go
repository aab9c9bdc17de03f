package ledger_test

import (
	"errors"
	"math/rand"
	"testing"

	"LendLedger/internal/fault"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/pool"
	"LendLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var units = fpmath.MustUnits

// newLedger returns a ledger over a 1,000,000 ETH / 1,000,000,000 CORN pool
// (price 1000) with the default 120% ratio.
func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l := ledger.New(pool.New(0), ledger.DefaultMinCollateralRatio)
	run(t, func(u *txn.Unit) error {
		return l.InitializePool(u, units("1000000"), units("1000000000"))
	})
	return l
}

func run(t *testing.T, fn func(u *txn.Unit) error) {
	t.Helper()
	_, err := txn.Run(fn)
	require.NoError(t, err)
}

func try(fn func(u *txn.Unit) error) error {
	_, err := txn.Run(fn)
	return err
}

// fund grants collateral and deposits it.
func fund(t *testing.T, l *ledger.Ledger, account uuid.UUID, collateral string) {
	t.Helper()
	run(t, func(u *txn.Unit) error {
		if err := l.Grant(u, account, ledger.AssetCollateral, units(collateral)); err != nil {
			return err
		}
		return l.Deposit(u, account, units(collateral))
	})
}

func TestDeposit(t *testing.T) {
	l := newLedger(t)
	alice := uuid.New()

	err := try(func(u *txn.Unit) error { return l.Deposit(u, alice, units("1")) })
	assert.ErrorIs(t, err, fault.ErrInsufficientBalance)
	assert.False(t, l.HasPosition(alice))

	err = try(func(u *txn.Unit) error { return l.Deposit(u, alice, fpmath.Zero()) })
	assert.ErrorIs(t, err, fault.ErrInvalidAmount)

	fund(t, l, alice, "1")
	pos := l.PositionOf(alice)
	assert.Equal(t, units("1").Dec(), pos.Collateral.Dec())
	assert.True(t, pos.Debt.IsZero())
	assert.True(t, l.WalletBalance(alice, ledger.AssetCollateral).IsZero())
	require.NoError(t, l.CheckInvariants())
}

func TestBorrow_WithinRatio(t *testing.T) {
	l := newLedger(t)
	alice := uuid.New()
	fund(t, l, alice, "1")

	run(t, func(u *txn.Unit) error { return l.Borrow(u, alice, units("833")) })

	assert.Equal(t, units("833").Dec(), l.PositionOf(alice).Debt.Dec())
	assert.Equal(t, units("833").Dec(), l.WalletBalance(alice, ledger.AssetDebt).Dec())
	liquidatable, err := l.IsLiquidatable(alice)
	require.NoError(t, err)
	assert.False(t, liquidatable)
	require.NoError(t, l.CheckInvariants())
}

func TestBorrow_BelowRatioRollsBack(t *testing.T) {
	l := newLedger(t)
	alice := uuid.New()
	fund(t, l, alice, "1")

	// 909.1 against 1000 of collateral value is a 110% ratio.
	err := try(func(u *txn.Unit) error { return l.Borrow(u, alice, units("909.1")) })
	assert.ErrorIs(t, err, fault.ErrUndercollateralized)
	assert.True(t, l.PositionOf(alice).Debt.IsZero())
	assert.True(t, l.WalletBalance(alice, ledger.AssetDebt).IsZero())
	require.NoError(t, l.CheckInvariants())
}

func TestBorrow_RollbackInsideOpenUnit(t *testing.T) {
	l := newLedger(t)
	alice := uuid.New()
	fund(t, l, alice, "1")

	u := txn.Begin()
	require.NoError(t, l.Borrow(u, alice, units("500")))
	err := l.Borrow(u, alice, units("400"))
	require.ErrorIs(t, err, fault.ErrUndercollateralized)
	u.Commit()

	assert.Equal(t, units("500").Dec(), l.PositionOf(alice).Debt.Dec())
	require.NoError(t, l.CheckInvariants())
}

func TestBorrow_UninitializedPool(t *testing.T) {
	l := ledger.New(pool.New(0), ledger.DefaultMinCollateralRatio)
	alice := uuid.New()
	fund(t, l, alice, "1")

	err := try(func(u *txn.Unit) error { return l.Borrow(u, alice, units("1")) })
	assert.ErrorIs(t, err, fault.ErrNotInitialized)
}

func TestRepay_CapsAtDebt(t *testing.T) {
	l := newLedger(t)
	alice := uuid.New()
	fund(t, l, alice, "1")
	run(t, func(u *txn.Unit) error { return l.Borrow(u, alice, units("833")) })
	run(t, func(u *txn.Unit) error {
		return l.Grant(u, alice, ledger.AssetDebt, units("200"))
	})

	var repaid *uint256.Int
	run(t, func(u *txn.Unit) (err error) {
		repaid, err = l.Repay(u, alice, units("1000"))
		return err
	})

	assert.Equal(t, units("833").Dec(), repaid.Dec())
	assert.True(t, l.PositionOf(alice).Debt.IsZero())
	assert.Equal(t, units("200").Dec(), l.WalletBalance(alice, ledger.AssetDebt).Dec())
	require.NoError(t, l.CheckInvariants())
}

func TestRepay_InsufficientWallet(t *testing.T) {
	l := newLedger(t)
	alice := uuid.New()
	fund(t, l, alice, "1")
	run(t, func(u *txn.Unit) error { return l.Borrow(u, alice, units("500")) })

	// Spend the proceeds so the wallet cannot cover the repayment.
	run(t, func(u *txn.Unit) error {
		_, err := l.Swap(u, alice, pool.DebtToCollateral, units("500"))
		return err
	})

	err := try(func(u *txn.Unit) error {
		_, err := l.Repay(u, alice, units("500"))
		return err
	})
	assert.ErrorIs(t, err, fault.ErrInsufficientBalance)
	assert.Equal(t, units("500").Dec(), l.PositionOf(alice).Debt.Dec())
}

func TestWithdraw(t *testing.T) {
	l := newLedger(t)
	alice := uuid.New()
	fund(t, l, alice, "1")
	run(t, func(u *txn.Unit) error { return l.Borrow(u, alice, units("833")) })

	max, err := l.MaxWithdrawable(alice)
	require.NoError(t, err)
	assert.Equal(t, "0.0004", fpmath.FormatUnits(max))

	err = try(func(u *txn.Unit) error { return l.Withdraw(u, alice, units("0.0005")) })
	assert.ErrorIs(t, err, fault.ErrUndercollateralized)
	assert.Equal(t, units("1").Dec(), l.PositionOf(alice).Collateral.Dec())

	err = try(func(u *txn.Unit) error { return l.Withdraw(u, alice, units("2")) })
	assert.ErrorIs(t, err, fault.ErrInvalidAmount)

	run(t, func(u *txn.Unit) error { return l.Withdraw(u, alice, max) })
	assert.Equal(t, units("0.9996").Dec(), l.PositionOf(alice).Collateral.Dec())
	assert.Equal(t, max.Dec(), l.WalletBalance(alice, ledger.AssetCollateral).Dec())
	require.NoError(t, l.CheckInvariants())
}

func TestCapacityQueries(t *testing.T) {
	l := newLedger(t)
	alice := uuid.New()
	fund(t, l, alice, "1.2")
	run(t, func(u *txn.Unit) error { return l.Borrow(u, alice, units("500")) })

	capacity, err := l.BorrowCapacity(alice)
	require.NoError(t, err)
	assert.Equal(t, units("1000").Dec(), capacity.Dec())

	maxBorrow, err := l.MaxBorrow(alice)
	require.NoError(t, err)
	assert.Equal(t, units("500").Dec(), maxBorrow.Dec())

	value, err := l.CollateralValue(alice)
	require.NoError(t, err)
	assert.Equal(t, units("1200").Dec(), value.Dec())

	ratio, ok, err := l.RatioOf(alice)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "240", ratio.String())

	_, ok, err = l.RatioOf(uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSwap_SettlesAgainstWallet(t *testing.T) {
	l := newLedger(t)
	alice := uuid.New()
	run(t, func(u *txn.Unit) error { return l.Grant(u, alice, ledger.AssetCollateral, units("10")) })

	var out *uint256.Int
	run(t, func(u *txn.Unit) (err error) {
		out, err = l.Swap(u, alice, pool.CollateralToDebt, units("4"))
		return err
	})

	assert.Equal(t, units("6").Dec(), l.WalletBalance(alice, ledger.AssetCollateral).Dec())
	assert.Equal(t, out.Dec(), l.WalletBalance(alice, ledger.AssetDebt).Dec())
	require.NoError(t, l.CheckInvariants())

	before := l.Pool().Reserves()
	err := try(func(u *txn.Unit) error {
		_, err := l.Swap(u, alice, pool.CollateralToDebt, units("7"))
		return err
	})
	assert.ErrorIs(t, err, fault.ErrInsufficientBalance)
	assert.Equal(t, before, l.Pool().Reserves())
}

func TestShockSwap_MakesPositionLiquidatable(t *testing.T) {
	l := newLedger(t)
	alice := uuid.New()
	fund(t, l, alice, "1")
	run(t, func(u *txn.Unit) error { return l.Borrow(u, alice, units("833")) })

	run(t, func(u *txn.Unit) error {
		_, err := l.ShockSwap(u, pool.CollateralToDebt, units("1000"))
		return err
	})

	liquidatable, err := l.IsLiquidatable(alice)
	require.NoError(t, err)
	assert.True(t, liquidatable)
	require.NoError(t, l.CheckInvariants())
}

func TestSeizer(t *testing.T) {
	l := newLedger(t)
	alice, liquidator := uuid.New(), uuid.New()
	fund(t, l, alice, "1")
	run(t, func(u *txn.Unit) error { return l.Borrow(u, alice, units("833")) })

	s, err := l.IssueSeizer()
	require.NoError(t, err)
	_, err = l.IssueSeizer()
	assert.ErrorIs(t, err, fault.ErrPermissionDenied)

	err = try(func(u *txn.Unit) error {
		_, _, err := s.Seize(u, alice, liquidator)
		return err
	})
	assert.ErrorIs(t, err, fault.ErrNotLiquidatable)

	run(t, func(u *txn.Unit) error {
		_, err := l.ShockSwap(u, pool.CollateralToDebt, units("1000"))
		return err
	})
	run(t, func(u *txn.Unit) error {
		return l.Grant(u, liquidator, ledger.AssetDebt, units("833"))
	})

	run(t, func(u *txn.Unit) error {
		collateral, debt, err := s.Seize(u, alice, liquidator)
		if err != nil {
			return err
		}
		assert.Equal(t, units("1").Dec(), collateral.Dec())
		assert.Equal(t, units("833").Dec(), debt.Dec())
		return s.Settle(u, liquidator, debt)
	})

	assert.True(t, l.PositionOf(alice).IsEmpty())
	assert.Equal(t, units("1").Dec(), l.WalletBalance(liquidator, ledger.AssetCollateral).Dec())
	assert.True(t, l.WalletBalance(liquidator, ledger.AssetDebt).IsZero())
	require.NoError(t, l.CheckInvariants())
}

func TestFailedUnitRestoresEverything(t *testing.T) {
	l := newLedger(t)
	alice := uuid.New()
	before := l.State()

	err := try(func(u *txn.Unit) error {
		if err := l.Grant(u, alice, ledger.AssetCollateral, units("5")); err != nil {
			return err
		}
		if err := l.Deposit(u, alice, units("5")); err != nil {
			return err
		}
		if err := l.Borrow(u, alice, units("1000")); err != nil {
			return err
		}
		return l.Borrow(u, alice, units("1000000"))
	})
	require.ErrorIs(t, err, fault.ErrUndercollateralized)

	assert.Equal(t, before, l.State())
	assert.False(t, l.HasPosition(alice))
	require.NoError(t, l.CheckInvariants())
}

func TestStateRestore(t *testing.T) {
	l := newLedger(t)
	alice := uuid.New()
	fund(t, l, alice, "3")
	run(t, func(u *txn.Unit) error { return l.Borrow(u, alice, units("1000")) })

	p := pool.New(0)
	p.Restore(l.Pool().Reserves())
	restored := ledger.New(p, ledger.DefaultMinCollateralRatio)
	require.NoError(t, restored.Restore(l.State()))

	require.NoError(t, restored.CheckInvariants())
	assert.Equal(t, l.PositionOf(alice), restored.PositionOf(alice))
	assert.Equal(t, l.State(), restored.State())
}

// Mixed deposits, withdrawals, borrows and repays on one account, including
// borrows and withdrawals pushed to and past the limit. The position must
// stay solvent after every call, and a failed call must leave it unchanged.
func TestSolvency_MixedOperationSequence(t *testing.T) {
	l := newLedger(t)
	alice := uuid.New()
	run(t, func(u *txn.Unit) error {
		return l.Grant(u, alice, ledger.AssetCollateral, units("50"))
	})

	rng := rand.New(rand.NewSource(20240601))
	milli := func(n int64) *uint256.Int {
		return new(uint256.Int).Mul(uint256.NewInt(uint64(rng.Int63n(n)+1)), units("0.001"))
	}
	nearLimit := func(limit *uint256.Int) *uint256.Int {
		// limit, one unit past it, or a random amount
		switch rng.Intn(3) {
		case 0:
			if !limit.IsZero() {
				return limit.Clone()
			}
		case 1:
			return new(uint256.Int).AddUint64(limit, 1)
		}
		return milli(2_000_000)
	}

	ops := []struct {
		name  string
		apply func(u *txn.Unit) error
	}{
		{"deposit", func(u *txn.Unit) error { return l.Deposit(u, alice, milli(3000)) }},
		{"withdraw", func(u *txn.Unit) error {
			headroom, err := l.MaxWithdrawable(alice)
			if err != nil {
				return err
			}
			amount := nearLimit(headroom)
			if amount.Gt(l.PositionOf(alice).Collateral) {
				amount = milli(3000)
			}
			return l.Withdraw(u, alice, amount)
		}},
		{"borrow", func(u *txn.Unit) error {
			headroom, err := l.MaxBorrow(alice)
			if err != nil {
				return err
			}
			return l.Borrow(u, alice, nearLimit(headroom))
		}},
		{"repay", func(u *txn.Unit) error {
			_, err := l.Repay(u, alice, milli(1_000_000))
			return err
		}},
	}

	var applied, rejected int
	for step := 0; step < 2000; step++ {
		op := ops[rng.Intn(len(ops))]
		before := l.PositionOf(alice)

		err := try(op.apply)
		if err != nil {
			rejected++
			require.Truef(t,
				errors.Is(err, fault.ErrUndercollateralized) ||
					errors.Is(err, fault.ErrInsufficientBalance) ||
					errors.Is(err, fault.ErrInvalidAmount),
				"step %d %s: unexpected error %v", step, op.name, err)
			after := l.PositionOf(alice)
			require.Equalf(t, before.Collateral.Dec(), after.Collateral.Dec(), "step %d %s: collateral changed", step, op.name)
			require.Equalf(t, before.Debt.Dec(), after.Debt.Dec(), "step %d %s: debt changed", step, op.name)
		} else {
			applied++
		}

		liquidatable, err := l.IsLiquidatable(alice)
		require.NoError(t, err)
		require.Falsef(t, liquidatable, "step %d %s: position %s/%s below the ratio",
			step, op.name, l.PositionOf(alice).Collateral.Dec(), l.PositionOf(alice).Debt.Dec())
		require.NoErrorf(t, l.CheckInvariants(), "step %d %s", step, op.name)
	}

	assert.Greater(t, applied, 0)
	assert.Greater(t, rejected, 0)
}
