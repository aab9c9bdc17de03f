package projection

import (
	"context"
	"fmt"
	"sort"

	"LendLedger/internal/core"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

const watermarkName = "main"

// ProjectionWorker updates the read models from committed outputs. Its
// channel is fed with non-blocking sends, so projections may miss outputs
// under load; RebuildProjections restores them from the state tables.
type ProjectionWorker struct {
	db        *sqlx.DB // nil keeps projections in memory only
	history   *LiquidationHistory
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(
	db *sqlx.DB,
	history *LiquidationHistory,
	inputChan <-chan core.CoreOutput,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		history:   history,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// LastSequence returns the sequence of the last output applied.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

// Run applies outputs until ctx is cancelled or the channel closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if err := pw.Apply(ctx, output); err != nil {
				// Projections are eventually consistent and rebuildable.
				pw.logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("projection update failed")
			}
			if pw.metrics != nil {
				pw.metrics.ChannelSize.WithLabelValues("projection").Set(float64(len(pw.inputChan)))
			}
		}
	}
}

// Apply updates every projection for one output.
func (pw *ProjectionWorker) Apply(ctx context.Context, output core.CoreOutput) error {
	seq := output.Envelope.Sequence
	if seq <= pw.lastSeq {
		return nil
	}
	entries := EntriesFrom(output)
	if pw.history != nil && len(entries) > 0 {
		pw.history.Add(entries...)
	}
	if pw.db != nil {
		if err := pw.write(ctx, output, entries); err != nil {
			return err
		}
	}
	pw.lastSeq = seq
	return nil
}

func (pw *ProjectionWorker) write(ctx context.Context, output core.CoreOutput, entries []LiquidationEntry) error {
	seq := output.Envelope.Sequence

	tx, err := pw.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	accounts := make([]uuid.UUID, 0, len(output.Delta.Positions))
	for id := range output.Delta.Positions {
		accounts = append(accounts, id)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].String() < accounts[j].String() })
	for _, id := range accounts {
		p := output.Delta.Positions[id]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.positions (account_id, collateral, debt, is_open, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (account_id) DO UPDATE SET
				collateral = EXCLUDED.collateral,
				debt = EXCLUDED.debt,
				is_open = EXCLUDED.is_open,
				last_sequence = EXCLUDED.last_sequence,
				updated_at = NOW()
			WHERE projections.positions.last_sequence < EXCLUDED.last_sequence
		`, id, fpmath.OrZero(p.Collateral).Dec(), fpmath.OrZero(p.Debt).Dec(), !p.IsEmpty(), seq); err != nil {
			return fmt.Errorf("position projection: %w", err)
		}
	}

	for _, e := range entries {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO projections.liquidation_history
				(liquidation_id, sequence, command_id, mode, target, liquidator,
				 collateral_seized, debt_repaid, price, occurred_at)
			VALUES
				(:liquidation_id, :sequence, :command_id, :mode, :target, :liquidator,
				 :collateral_seized, :debt_repaid, :price, :occurred_at)
			ON CONFLICT (liquidation_id) DO NOTHING
		`, e); err != nil {
			return fmt.Errorf("liquidation history: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, watermarkName, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// RebuildProjections rebuilds the position projection from the durable
// state tables. Liquidation history is append-only and kept as is.
func RebuildProjections(ctx context.Context, db *sqlx.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	statements := []string{
		`TRUNCATE projections.positions`,
		`INSERT INTO projections.positions (account_id, collateral, debt, is_open, last_sequence, updated_at)
		 SELECT account_id, collateral, debt, (collateral > 0 OR debt > 0), last_sequence, NOW()
		 FROM state.positions`,
		`INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		 SELECT '` + watermarkName + `', COALESCE(MAX(sequence), 0), NOW() FROM event_log.commands
		 ON CONFLICT (projection_name) DO UPDATE SET last_sequence = EXCLUDED.last_sequence, updated_at = NOW()`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rebuild projections: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Msg("projection rebuild complete")
	return nil
}
