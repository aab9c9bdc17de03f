package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/projection"

	"github.com/google/uuid"
)

// LiquidationHistoryResponse lists liquidations an account took part in,
// newest first.
type LiquidationHistoryResponse struct {
	Account      uuid.UUID                     `json:"account"`
	Entries      []projection.LiquidationEntry `json:"entries"`
	AsOfSequence int64                         `json:"as_of_sequence"`
}

// GetLiquidationHistory returns liquidations where account was the target
// or the liquidator. beforeSequence pages backwards when set.
func (qs *QueryService) GetLiquidationHistory(
	ctx context.Context,
	account uuid.UUID,
	limit int,
	beforeSequence *int64,
) (resp *LiquidationHistoryResponse, err error) {
	defer qs.observe("GetLiquidationHistory", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	resp = &LiquidationHistoryResponse{Account: account, Entries: []projection.LiquidationEntry{}}

	if qs.db == nil {
		if qs.history == nil {
			return nil, ErrHistoryUnavailable
		}
		for _, e := range qs.history.QueryByAccount(account, MaxLimit) {
			if beforeSequence != nil && e.Sequence >= *beforeSequence {
				continue
			}
			if len(resp.Entries) == limit {
				break
			}
			resp.Entries = append(resp.Entries, e)
		}
		resp.AsOfSequence = qs.state.LastSequence()
		return resp, nil
	}

	if resp.AsOfSequence, err = qs.getWatermark(ctx); err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT liquidation_id, sequence, command_id, mode, target, liquidator,
		       collateral_seized, debt_repaid, price, occurred_at
		FROM projections.liquidation_history
		WHERE (target = $1 OR liquidator = $1)
	`
	args := []interface{}{account}
	if beforeSequence != nil {
		query += " AND sequence < $2"
		args = append(args, *beforeSequence)
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT %d", limit)

	if err := qs.db.SelectContext(ctx, &resp.Entries, query, args...); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetJournalHistory returns journal lines that debit or credit any of the
// account's ledger accounts, newest first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	account uuid.UUID,
	limit int,
	beforeSequence *int64,
) (entries []JournalHistoryEntry, err error) {
	defer qs.observe("GetJournalHistory", time.Now(), &err)
	if qs.db == nil {
		return nil, ErrHistoryUnavailable
	}
	limit = clampLimit(limit)

	prefix := fmt.Sprintf("user:%s:%%", account)
	query := `
		SELECT journal_id, batch_id, command_ref, sequence, debit_account,
		       credit_account, asset, amount, journal_type, occurred_at
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{prefix}
	if beforeSequence != nil {
		query += " AND sequence < $2"
		args = append(args, *beforeSequence)
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC, journal_id LIMIT %d", limit)

	if err := qs.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Amount = entries[i].Amount.Shift(-fpmath.Decimals)
	}
	return entries, nil
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.GetContext(ctx, &seq, `
		SELECT last_sequence FROM projections.watermark WHERE projection_name = 'main'
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}
