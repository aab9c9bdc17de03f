package flash_test

import (
	"testing"

	"LendLedger/internal/fault"
	"LendLedger/internal/flash"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/liquidation"
	"LendLedger/internal/testutil"
	"LendLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlash(t *testing.T, m *testutil.Market) *flash.Liquidator {
	t.Helper()
	e, err := liquidation.NewEngine(m.Ledger)
	require.NoError(t, err)
	return flash.New(m.Ledger, e)
}

func run(m *testutil.Market, f *flash.Liquidator, caller, target uuid.UUID) (*flash.Result, error) {
	var res *flash.Result
	err := m.Try(func(u *txn.Unit) (err error) {
		res, err = f.Liquidate(u, caller, target)
		return err
	})
	return res, err
}

func TestFlashLiquidate_OriginalScenario(t *testing.T) {
	m := testutil.NewMarket(t, "1000000", "1000000000")
	f := newFlash(t, m)
	target, caller := uuid.New(), uuid.New()

	m.Open(t, target, "1", "833")
	m.Shock(t, "1000")

	liquidatable, err := m.Ledger.IsLiquidatable(target)
	require.NoError(t, err)
	require.True(t, liquidatable)

	res, err := run(m, f, caller, target)
	require.NoError(t, err)
	require.NoError(t, m.Ledger.CheckInvariants())

	assert.True(t, m.Ledger.PositionOf(target).Debt.IsZero())
	assert.Equal(t, testutil.Units("833").Dec(), res.Receipt.Borrowed.Dec())
	assert.False(t, res.DebtBought.Lt(res.Receipt.Borrowed))
	assert.False(t, res.Profit.IsZero())
	assert.Equal(t, res.Profit.Dec(), m.Ledger.WalletBalance(caller, ledger.AssetCollateral).Dec())

	// Roughly 0.1653 of the 1 ETH seized stays with the caller.
	profit := fpmath.ToDecimal(res.Profit)
	assert.True(t, profit.GreaterThan(fpmath.ToDecimal(testutil.Units("0.16"))), "profit %s", profit)
	assert.True(t, profit.LessThan(fpmath.ToDecimal(testutil.Units("0.17"))), "profit %s", profit)
}

func TestFlashLiquidate_DistilledReserves(t *testing.T) {
	m := testutil.NewMarket(t, "1000000000", "1000000000")
	f := newFlash(t, m)
	target, caller := uuid.New(), uuid.New()

	m.Open(t, target, "1", "0.833")
	m.Shock(t, "1000000")

	res, err := run(m, f, caller, target)
	require.NoError(t, err)
	assert.True(t, m.Ledger.PositionOf(target).IsEmpty())
	assert.False(t, res.Profit.IsZero())
	require.NoError(t, m.Ledger.CheckInvariants())
}

func TestFlashLiquidate_NotLiquidatable(t *testing.T) {
	m := testutil.NewMarket(t, "1000000", "1000000000")
	f := newFlash(t, m)
	target, caller := uuid.New(), uuid.New()
	m.Open(t, target, "1", "833")

	_, err := run(m, f, caller, target)
	assert.ErrorIs(t, err, fault.ErrNotLiquidatable)

	_, err = run(m, f, caller, uuid.New())
	assert.ErrorIs(t, err, fault.ErrNotLiquidatable)
}

func TestFlashLiquidate_UnderwaterIsUnprofitable(t *testing.T) {
	m := testutil.NewMarket(t, "1000000", "1000000000")
	f := newFlash(t, m)
	target, caller := uuid.New(), uuid.New()
	m.Open(t, target, "1", "833")

	// Price falls to about 826, so 1 ETH no longer buys back 833 CORN.
	m.Shock(t, "100000")
	before := m.Ledger.State()
	reserves := m.Pool.Reserves()

	_, err := run(m, f, caller, target)
	assert.ErrorIs(t, err, fault.ErrUnprofitable)

	assert.Equal(t, before, m.Ledger.State())
	assert.Equal(t, reserves, m.Pool.Reserves())
	assert.True(t, m.Ledger.WalletBalance(caller, ledger.AssetDebt).IsZero())
	require.NoError(t, m.Ledger.CheckInvariants())
}

func TestFlashLiquidate_ShallowPoolIsUnprofitable(t *testing.T) {
	m := testutil.NewMarket(t, "1", "1000")
	f := newFlash(t, m)
	target, caller := uuid.New(), uuid.New()
	m.Open(t, target, "10", "8000")
	m.Shock(t, "0.1")

	_, err := run(m, f, caller, target)
	assert.ErrorIs(t, err, fault.ErrUnprofitable)
	assert.Equal(t, testutil.Units("8000").Dec(), m.Ledger.PositionOf(target).Debt.Dec())
	require.NoError(t, m.Ledger.CheckInvariants())
}
