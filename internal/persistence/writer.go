package persistence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// CommandLogWriter writes committed commands, their journals and the
// resulting state rows using multi-row INSERTs inside the caller's
// transaction.
type CommandLogWriter struct {
	db *sqlx.DB
}

// CommandRow represents a row in event_log.commands
type CommandRow struct {
	Sequence       int64     `db:"sequence"`
	CommandType    string    `db:"command_type"`
	CommandID      string    `db:"command_id"`
	AccountID      *string   `db:"account_id"`
	Payload        []byte    `db:"payload"`
	StateHash      []byte    `db:"state_hash"`
	PrevHash       []byte    `db:"prev_hash"`
	OccurredAt     time.Time `db:"occurred_at"`
	SourceSequence int64     `db:"source_sequence"`
}

// JournalRow represents a row in event_log.journal. Amount is a decimal
// string of base units so it fits NUMERIC(78,0) without loss.
type JournalRow struct {
	JournalID     uuid.UUID `db:"journal_id"`
	BatchID       uuid.UUID `db:"batch_id"`
	CommandRef    string    `db:"command_ref"`
	Sequence      int64     `db:"sequence"`
	DebitAccount  string    `db:"debit_account"`
	CreditAccount string    `db:"credit_account"`
	Asset         string    `db:"asset"`
	Amount        string    `db:"amount"`
	JournalType   string    `db:"journal_type"`
	OccurredAt    int64     `db:"occurred_at"`
}

// PositionRow is the latest state of one position.
type PositionRow struct {
	AccountID    uuid.UUID `db:"account_id"`
	Collateral   string    `db:"collateral"`
	Debt         string    `db:"debt"`
	LastSequence int64     `db:"last_sequence"`
}

// PoolRow is the latest pool reserves.
type PoolRow struct {
	CollateralReserve string `db:"collateral_reserve"`
	DebtReserve       string `db:"debt_reserve"`
	LastSequence      int64  `db:"last_sequence"`
}

func NewCommandLogWriter(db *sqlx.DB) *CommandLogWriter {
	return &CommandLogWriter{db: db}
}

// CommandRowFrom converts a committed envelope into its log row.
func CommandRowFrom(env *event.CommandEnvelope) CommandRow {
	return CommandRow{
		Sequence:       env.Sequence,
		CommandType:    env.CommandType.String(),
		CommandID:      env.IdempotencyKey,
		AccountID:      env.AccountID,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		OccurredAt:     env.Timestamp,
		SourceSequence: env.SourceSequence,
	}
}

// JournalRowsFrom flattens stamped batches into journal rows.
func JournalRowsFrom(batches []*ledger.Batch) []JournalRow {
	var rows []JournalRow
	for _, b := range batches {
		for _, j := range b.Journals {
			asset, _ := ledger.GetAssetName(j.AssetID)
			rows = append(rows, JournalRow{
				JournalID:     j.JournalID,
				BatchID:       j.BatchID,
				CommandRef:    j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Asset:         asset,
				Amount:        fpmath.OrZero(j.Amount).Dec(),
				JournalType:   j.JournalType.String(),
				OccurredAt:    j.Timestamp,
			})
		}
	}
	return rows
}

// stateDelta folds the deltas of several outputs; later outputs win.
type stateDelta struct {
	pool      *PoolRow
	positions map[uuid.UUID]PositionRow
}

func newStateDelta() *stateDelta {
	return &stateDelta{positions: make(map[uuid.UUID]PositionRow)}
}

func (d *stateDelta) add(sequence int64, delta core.StateDelta) {
	d.pool = &PoolRow{
		CollateralReserve: fpmath.OrZero(delta.Pool.Collateral).Dec(),
		DebtReserve:       fpmath.OrZero(delta.Pool.Debt).Dec(),
		LastSequence:      sequence,
	}
	for id, p := range delta.Positions {
		d.positions[id] = PositionRow{
			AccountID:    id,
			Collateral:   fpmath.OrZero(p.Collateral).Dec(),
			Debt:         fpmath.OrZero(p.Debt).Dec(),
			LastSequence: sequence,
		}
	}
}

func (d *stateDelta) reset() {
	d.pool = nil
	clear(d.positions)
}

// sortedPositions returns rows in account order so concurrent writers
// lock rows in the same order.
func (d *stateDelta) sortedPositions() []PositionRow {
	rows := make([]PositionRow, 0, len(d.positions))
	for _, r := range d.positions {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].AccountID.String() < rows[j].AccountID.String()
	})
	return rows
}

// WriteCommandBatch writes a batch of commands to event_log.commands.
func (w *CommandLogWriter) WriteCommandBatch(ctx context.Context, tx *sqlx.Tx, commands []CommandRow) error {
	if len(commands) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.commands
		(sequence, command_type, command_id, account_id, payload, state_hash, prev_hash, occurred_at, source_sequence)
		VALUES `

	values := make([]string, 0, len(commands))
	args := make([]any, 0, len(commands)*9)
	for i, c := range commands {
		values = append(values, placeholders(i*9, 9))
		args = append(args,
			c.Sequence, c.CommandType, c.CommandID, c.AccountID,
			c.Payload, c.StateHash, c.PrevHash, c.OccurredAt, c.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes journal entries to event_log.journal.
func (w *CommandLogWriter) WriteJournalBatch(ctx context.Context, tx *sqlx.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, command_ref, sequence, debit_account, credit_account, asset, amount, journal_type, occurred_at)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]any, 0, len(journals)*10)
	for i, j := range journals {
		values = append(values, placeholders(i*10, 10))
		args = append(args,
			j.JournalID, j.BatchID, j.CommandRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.OccurredAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteState upserts the pool row and every changed position.
func (w *CommandLogWriter) WriteState(ctx context.Context, tx *sqlx.Tx, delta *stateDelta) error {
	if delta.pool != nil {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO state.pool (id, collateral_reserve, debt_reserve, last_sequence, updated_at)
			VALUES (1, :collateral_reserve, :debt_reserve, :last_sequence, NOW())
			ON CONFLICT (id) DO UPDATE SET
				collateral_reserve = EXCLUDED.collateral_reserve,
				debt_reserve = EXCLUDED.debt_reserve,
				last_sequence = EXCLUDED.last_sequence,
				updated_at = NOW()
			WHERE state.pool.last_sequence < EXCLUDED.last_sequence
		`, delta.pool); err != nil {
			return fmt.Errorf("upsert pool: %w", err)
		}
	}

	for _, row := range delta.sortedPositions() {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO state.positions (account_id, collateral, debt, last_sequence, updated_at)
			VALUES (:account_id, :collateral, :debt, :last_sequence, NOW())
			ON CONFLICT (account_id) DO UPDATE SET
				collateral = EXCLUDED.collateral,
				debt = EXCLUDED.debt,
				last_sequence = EXCLUDED.last_sequence,
				updated_at = NOW()
			WHERE state.positions.last_sequence < EXCLUDED.last_sequence
		`, row); err != nil {
			return fmt.Errorf("upsert position %s: %w", row.AccountID, err)
		}
	}
	return nil
}

// placeholders renders "($n+1, ..., $n+count)".
func placeholders(offset, count int) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i := 1; i <= count; i++ {
		if i > 1 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "$%d", offset+i)
	}
	sb.WriteByte(')')
	return sb.String()
}
