package query_test

import (
	"context"
	"testing"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/fault"
	"LendLedger/internal/observability"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var n int

func meta() event.Meta {
	n++
	return event.Meta{CommandID: uuid.NewString(), Timestamp: time.Unix(1_700_000_000+int64(n), 0)}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	engine  *core.Engine
	history *projection.LiquidationHistory
	qs      *query.QueryService
	metrics *observability.Metrics
	outs    chan core.CoreOutput
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	outs := make(chan core.CoreOutput, 64)
	e, err := core.NewEngine(core.Options{ShockEnabled: true}, nil, outs)
	require.NoError(t, err)
	m := observability.NewMetrics(prometheus.NewRegistry())
	h := projection.NewLiquidationHistory(0)
	return &fixture{engine: e, history: h, qs: query.NewQueryService(e, nil, h, m), metrics: m, outs: outs}
}

func (f *fixture) apply(t *testing.T, cmd event.Command) {
	t.Helper()
	_, err := f.engine.Process(cmd)
	require.NoError(t, err)
}

// project feeds every pending output to an in-memory projection worker.
func (f *fixture) project(t *testing.T) {
	t.Helper()
	in := make(chan core.CoreOutput, len(f.outs))
	for len(f.outs) > 0 {
		in <- <-f.outs
	}
	close(in)
	require.NoError(t, projection.NewProjectionWorker(nil, f.history, in, nil, zerolog.Nop()).Run(context.Background()))
}

// open initializes the pool at price 1000 and gives account 1 ETH of
// collateral against debt CORN.
func (f *fixture) open(t *testing.T, account uuid.UUID, debt string) {
	t.Helper()
	f.apply(t, &event.InitializePool{Meta: meta(), Collateral: dec("1000000"), Debt: dec("1000000000")})
	f.apply(t, &event.Grant{Meta: meta(), Account: account, Asset: "ETH", Amount: dec("1")})
	f.apply(t, &event.Deposit{Meta: meta(), Account: account, Amount: dec("1")})
	f.apply(t, &event.Borrow{Meta: meta(), Account: account, Amount: dec(debt)})
}

func TestGetPool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.qs.GetPool(ctx)
	require.NoError(t, err)
	assert.False(t, resp.Initialized)
	assert.True(t, resp.Price.IsZero())

	f.apply(t, &event.InitializePool{Meta: meta(), Collateral: dec("1000"), Debt: dec("1000000")})
	resp, err = f.qs.GetPool(ctx)
	require.NoError(t, err)
	assert.True(t, resp.Initialized)
	assert.Equal(t, "1000", resp.CollateralReserve.String())
	assert.Equal(t, "1000000", resp.DebtReserve.String())
	assert.Equal(t, "1000", resp.Price.String())
	assert.Equal(t, uint64(120), resp.MinCollateralRatio)
	assert.Equal(t, int64(1), resp.AsOfSequence)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.QueryRequests.WithLabelValues("GetPool")))
}

func TestGetPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := uuid.New()
	f.open(t, alice, "500")

	resp, err := f.qs.GetPosition(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "1", resp.Collateral.String())
	assert.Equal(t, "500", resp.Debt.String())
	assert.Equal(t, "500", resp.WalletDebt.String())
	assert.True(t, resp.WalletCollateral.IsZero())
	require.NotNil(t, resp.CollateralRatio)
	assert.Equal(t, "200", resp.CollateralRatio.String())
	assert.False(t, resp.Liquidatable)
	assert.True(t, resp.MaxBorrow.GreaterThan(dec("333")))
	assert.True(t, resp.MaxBorrow.LessThan(dec("334")))
	assert.True(t, resp.MaxWithdrawable.GreaterThan(dec("0.39")))
	assert.True(t, resp.MaxWithdrawable.LessThanOrEqual(dec("0.4")))
	assert.Equal(t, int64(4), resp.AsOfSequence)

	empty, err := f.qs.GetPosition(ctx, uuid.New())
	require.NoError(t, err)
	assert.True(t, empty.Collateral.IsZero())
	assert.Nil(t, empty.CollateralRatio)

	_, err = f.qs.GetPosition(ctx, uuid.Nil)
	assert.ErrorIs(t, err, fault.ErrInvalidCommand)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.QueryErrors.WithLabelValues("GetPosition", "InvalidCommand")))
}

func TestListLiquidatableAndHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	f.open(t, alice, "833")

	none, err := f.qs.ListLiquidatable(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	f.apply(t, &event.Shock{Meta: meta(), Direction: "collateral_to_debt", Amount: dec("1000")})
	list, err := f.qs.ListLiquidatable(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, alice, list[0].Account)
	assert.True(t, list[0].Liquidatable)

	f.apply(t, &event.FlashLiquidate{Meta: meta(), Caller: bob, Target: alice})
	f.project(t)

	list, err = f.qs.ListLiquidatable(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	hist, err := f.qs.GetLiquidationHistory(ctx, bob, 0, nil)
	require.NoError(t, err)
	require.Len(t, hist.Entries, 1)
	assert.Equal(t, "flash", hist.Entries[0].Mode)
	assert.Equal(t, alice, hist.Entries[0].Target)
	assert.Equal(t, int64(6), hist.AsOfSequence)

	before := hist.Entries[0].Sequence
	older, err := f.qs.GetLiquidationHistory(ctx, bob, 0, &before)
	require.NoError(t, err)
	assert.Empty(t, older.Entries)
}

func TestHistoryWithoutStores(t *testing.T) {
	e, err := core.NewEngine(core.Options{}, nil, nil)
	require.NoError(t, err)
	qs := query.NewQueryService(e, nil, nil, nil)

	_, err = qs.GetLiquidationHistory(context.Background(), uuid.New(), 10, nil)
	assert.ErrorIs(t, err, query.ErrHistoryUnavailable)
	_, err = qs.GetJournalHistory(context.Background(), uuid.New(), 10, nil)
	assert.ErrorIs(t, err, query.ErrHistoryUnavailable)
}

func TestVerifyIntegrity_InMemory(t *testing.T) {
	f := newFixture(t)
	f.open(t, uuid.New(), "100")

	report, err := f.qs.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	assert.True(t, report.IsHealthy)
	assert.Empty(t, report.LedgerError)
	assert.Equal(t, int64(4), report.AsOfSequence)
}
