package shock_test

import (
	"testing"

	"LendLedger/internal/fault"
	"LendLedger/internal/ledger"
	"LendLedger/internal/pool"
	"LendLedger/internal/shock"
	"LendLedger/internal/testutil"
	"LendLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShock_Disabled(t *testing.T) {
	m := testutil.NewMarket(t, "1000000", "1000000000")
	s := shock.New(m.Ledger, false)
	before := m.Pool.Reserves()

	err := m.Try(func(u *txn.Unit) error {
		_, err := s.Shock(u, pool.CollateralToDebt, testutil.Units("1000"))
		return err
	})
	assert.ErrorIs(t, err, fault.ErrPermissionDenied)
	assert.Equal(t, before, m.Pool.Reserves())
}

func TestShock_MovesPriceOnly(t *testing.T) {
	m := testutil.NewMarket(t, "1000000", "1000000000")
	s := shock.New(m.Ledger, true)
	alice := uuid.New()
	m.Open(t, alice, "1", "833")
	pos := m.Ledger.PositionOf(alice)

	var res *shock.Result
	m.Apply(t, func(u *txn.Unit) (err error) {
		res, err = s.Shock(u, pool.CollateralToDebt, testutil.Units("1000"))
		return err
	})

	assert.True(t, res.After.Decimal(6).LessThan(res.Before.Decimal(6)))
	assert.Equal(t, pos, m.Ledger.PositionOf(alice))

	liquidatable, err := m.Ledger.IsLiquidatable(alice)
	require.NoError(t, err)
	assert.True(t, liquidatable)

	m.Apply(t, func(u *txn.Unit) (err error) {
		res, err = s.Shock(u, pool.DebtToCollateral, testutil.Units("5000000"))
		return err
	})
	assert.True(t, res.After.Decimal(6).GreaterThan(res.Before.Decimal(6)))

	liquidatable, err = m.Ledger.IsLiquidatable(alice)
	require.NoError(t, err)
	assert.False(t, liquidatable)
}

func TestShock_Rejects(t *testing.T) {
	s := shock.New(ledger.New(pool.New(0), ledger.DefaultMinCollateralRatio), true)
	_, err := txn.Run(func(u *txn.Unit) error {
		_, err := s.Shock(u, pool.CollateralToDebt, testutil.Units("1"))
		return err
	})
	assert.ErrorIs(t, err, fault.ErrNotInitialized)

	m := testutil.NewMarket(t, "10", "10")
	s = shock.New(m.Ledger, true)
	err = m.Try(func(u *txn.Unit) error {
		_, err := s.Shock(u, pool.CollateralToDebt, testutil.Units("0"))
		return err
	})
	assert.ErrorIs(t, err, fault.ErrInvalidAmount)
}
