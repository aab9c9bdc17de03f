package query

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"LendLedger/internal/fault"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/observability"
	"LendLedger/internal/projection"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// ErrHistoryUnavailable is returned for queries that need the database
// when the service runs without one.
var ErrHistoryUnavailable = errors.New("history requires the database")

// StateReader is the read side of the engine.
type StateReader interface {
	View(fn func(l *ledger.Ledger) error) error
	LastSequence() int64
}

// QueryService serves reads. Pool and position state come from the live
// engine, so they are always current. History comes from the projection
// tables, or from the in-memory history when there is no database.
type QueryService struct {
	state   StateReader
	db      *sqlx.DB
	history *projection.LiquidationHistory
	metrics *observability.Metrics
}

func NewQueryService(state StateReader, db *sqlx.DB, history *projection.LiquidationHistory, metrics *observability.Metrics) *QueryService {
	return &QueryService{state: state, db: db, history: history, metrics: metrics}
}

// GetPool returns reserves and the spot price. An uninitialized pool is
// reported with Initialized false and zero values.
func (qs *QueryService) GetPool(ctx context.Context) (resp *PoolResponse, err error) {
	defer qs.observe("GetPool", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp = &PoolResponse{}
	err = qs.state.View(func(l *ledger.Ledger) error {
		p := l.Pool()
		resp.FeeBps = p.FeeBps()
		resp.MinCollateralRatio = l.MinCollateralRatio()
		resp.AsOfSequence = qs.state.LastSequence()
		if !p.Initialized() {
			return nil
		}
		r := p.Reserves()
		price, err := p.Price()
		if err != nil {
			return err
		}
		resp.Initialized = true
		resp.CollateralReserve = fpmath.ToDecimal(r.Collateral)
		resp.DebtReserve = fpmath.ToDecimal(r.Debt)
		resp.Price = price.Decimal(fpmath.Decimals)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetPosition returns an account's position and what it can still do at
// the current price. Unknown accounts report an empty position.
func (qs *QueryService) GetPosition(ctx context.Context, account uuid.UUID) (resp *PositionResponse, err error) {
	defer qs.observe("GetPosition", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if account == uuid.Nil {
		return nil, fmt.Errorf("account is required: %w", fault.ErrInvalidCommand)
	}

	err = qs.state.View(func(l *ledger.Ledger) error {
		var err error
		resp, err = positionOf(l, account)
		return err
	})
	if err != nil {
		return nil, err
	}
	resp.AsOfSequence = qs.state.LastSequence()
	return resp, nil
}

// ListLiquidatable returns up to limit positions that can be liquidated
// at the current price, ordered by account.
func (qs *QueryService) ListLiquidatable(ctx context.Context, limit int) (resp []PositionResponse, err error) {
	defer qs.observe("ListLiquidatable", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	err = qs.state.View(func(l *ledger.Ledger) error {
		for _, account := range sortedAccounts(l.Positions()) {
			if len(resp) >= limit {
				return nil
			}
			ok, err := l.IsLiquidatable(account)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			p, err := positionOf(l, account)
			if err != nil {
				return err
			}
			resp = append(resp, *p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	seq := qs.state.LastSequence()
	for i := range resp {
		resp[i].AsOfSequence = seq
	}
	return resp, nil
}

// VerifyIntegrity checks the live ledger invariants and, with a database,
// the hash chain of the command log.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.observe("VerifyIntegrity", time.Now(), &err)

	report = &IntegrityReport{AsOfSequence: qs.state.LastSequence()}
	if err := qs.state.View(func(l *ledger.Ledger) error { return l.CheckInvariants() }); err != nil {
		report.LedgerError = err.Error()
	}

	if qs.db != nil {
		err = qs.db.SelectContext(ctx, &report.HashChainBreaks, `
			SELECT sequence FROM (
				SELECT sequence, prev_hash,
				       LAG(state_hash) OVER (ORDER BY sequence) AS expected
				FROM event_log.commands
			) chain
			WHERE expected IS NOT NULL AND prev_hash <> expected
			ORDER BY sequence
			LIMIT 10
		`)
		if err != nil {
			return nil, fmt.Errorf("hash chain: %w", err)
		}
	}

	report.IsHealthy = report.LedgerError == "" && len(report.HashChainBreaks) == 0
	return report, nil
}

func positionOf(l *ledger.Ledger, account uuid.UUID) (*PositionResponse, error) {
	pos := l.PositionOf(account)
	resp := &PositionResponse{
		Account:          account,
		Collateral:       fpmath.ToDecimal(pos.Collateral),
		Debt:             fpmath.ToDecimal(pos.Debt),
		WalletCollateral: fpmath.ToDecimal(l.WalletBalance(account, ledger.AssetCollateral)),
		WalletDebt:       fpmath.ToDecimal(l.WalletBalance(account, ledger.AssetDebt)),
	}
	if !l.Pool().Initialized() {
		return resp, nil
	}

	ratio, ok, err := l.RatioOf(account)
	if err != nil {
		return nil, err
	}
	if ok {
		resp.CollateralRatio = &ratio
	}
	capacity, err := l.BorrowCapacity(account)
	if err != nil {
		return nil, err
	}
	maxBorrow, err := l.MaxBorrow(account)
	if err != nil {
		return nil, err
	}
	maxWithdraw, err := l.MaxWithdrawable(account)
	if err != nil {
		return nil, err
	}
	liquidatable, err := l.IsLiquidatable(account)
	if err != nil {
		return nil, err
	}
	resp.BorrowCapacity = fpmath.ToDecimal(capacity)
	resp.MaxBorrow = fpmath.ToDecimal(maxBorrow)
	resp.MaxWithdrawable = fpmath.ToDecimal(maxWithdraw)
	resp.Liquidatable = liquidatable
	return resp, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

func (qs *QueryService) observe(method string, start time.Time, errp *error) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryRequests.WithLabelValues(method).Inc()
	qs.metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err := *errp; err != nil && !errors.Is(err, sql.ErrNoRows) {
		qs.metrics.QueryErrors.WithLabelValues(method, string(fault.KindOf(err))).Inc()
	}
}

func sortedAccounts(positions map[uuid.UUID]ledger.Position) []uuid.UUID {
	accounts := make([]uuid.UUID, 0, len(positions))
	for id := range positions {
		accounts = append(accounts, id)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return bytes.Compare(accounts[i][:], accounts[j][:]) < 0
	})
	return accounts
}
