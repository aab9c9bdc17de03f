package testutil

import (
	"testing"

	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/pool"
	"LendLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

// Units parses a decimal token amount, failing on malformed constants.
func Units(s string) *uint256.Int {
	return fpmath.MustUnits(s)
}

// Market is an initialized pool with a ledger over it.
type Market struct {
	Pool   *pool.Pool
	Ledger *ledger.Ledger
}

// NewMarket seeds a fee-less pool with the given reserves and a ledger at
// the default collateral ratio.
func NewMarket(t *testing.T, collateralReserve, debtReserve string) *Market {
	t.Helper()
	p := pool.New(0)
	m := &Market{Pool: p, Ledger: ledger.New(p, ledger.DefaultMinCollateralRatio)}
	m.Apply(t, func(u *txn.Unit) error {
		return m.Ledger.InitializePool(u, Units(collateralReserve), Units(debtReserve))
	})
	return m
}

// Apply runs fn in its own unit and requires it to commit.
func (m *Market) Apply(t *testing.T, fn func(u *txn.Unit) error) {
	t.Helper()
	_, err := txn.Run(fn)
	require.NoError(t, err)
	require.NoError(t, m.Ledger.CheckInvariants())
}

// Try runs fn in its own unit and returns its error.
func (m *Market) Try(fn func(u *txn.Unit) error) error {
	_, err := txn.Run(fn)
	return err
}

func (m *Market) Grant(t *testing.T, account uuid.UUID, asset ledger.AssetID, amount string) {
	t.Helper()
	m.Apply(t, func(u *txn.Unit) error {
		return m.Ledger.Grant(u, account, asset, Units(amount))
	})
}

// Open grants and deposits collateral, then borrows debt.
func (m *Market) Open(t *testing.T, account uuid.UUID, collateral, debt string) {
	t.Helper()
	m.Apply(t, func(u *txn.Unit) error {
		if err := m.Ledger.Grant(u, account, ledger.AssetCollateral, Units(collateral)); err != nil {
			return err
		}
		if err := m.Ledger.Deposit(u, account, Units(collateral)); err != nil {
			return err
		}
		if debt == "" || debt == "0" {
			return nil
		}
		return m.Ledger.Borrow(u, account, Units(debt))
	})
}

// Shock sells amount of collateral into the pool from outside.
func (m *Market) Shock(t *testing.T, amount string) {
	t.Helper()
	m.Apply(t, func(u *txn.Unit) error {
		_, err := m.Ledger.ShockSwap(u, pool.CollateralToDebt, Units(amount))
		return err
	})
}
