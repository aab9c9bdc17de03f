package persistence

import (
	"context"
	"fmt"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/observability"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

const maxRetryBackoff = 30 * time.Second

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The engine sends on this channel with a blocking send, so a worker that
// falls behind stalls the engine instead of losing commands.
type PersistenceWorker struct {
	db           *sqlx.DB
	writer       *CommandLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sqlx.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		db:           db,
		writer:       NewCommandLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// pendingBatch accumulates outputs between flushes.
type pendingBatch struct {
	commands []CommandRow
	journals []JournalRow
	state    *stateDelta
}

func newPendingBatch(size int) *pendingBatch {
	return &pendingBatch{
		commands: make([]CommandRow, 0, size),
		journals: make([]JournalRow, 0, size*4),
		state:    newStateDelta(),
	}
}

func (b *pendingBatch) add(output core.CoreOutput) {
	b.commands = append(b.commands, CommandRowFrom(output.Envelope))
	b.journals = append(b.journals, JournalRowsFrom(output.Batches)...)
	b.state.add(output.Envelope.Sequence, output.Delta)
}

func (b *pendingBatch) len() int {
	return len(b.commands)
}

func (b *pendingBatch) reset() {
	b.commands = b.commands[:0]
	b.journals = b.journals[:0]
	b.state.reset()
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the channel closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := newPendingBatch(pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if batch.len() > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.logger.Error().Err(err).Int("commands", batch.len()).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if batch.len() > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						pw.logger.Error().Err(err).Int("commands", batch.len()).Msg("final flush failed")
						return err
					}
				}
				return nil
			}

			batch.add(output)
			if pw.metrics != nil {
				pw.metrics.ChannelSize.WithLabelValues("persist").Set(float64(len(pw.inputChan)))
			}

			if batch.len() >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch.reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if batch.len() > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch.reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt runs detached from ctx.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch *pendingBatch) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("commands", batch.len()).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxRetryBackoff)
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Error().Err(err).Int("attempt", attempt).Msg("persistence flush failed")
	}
}

// flush writes commands, journals and the state delta in one transaction.
func (pw *PersistenceWorker) flush(ctx context.Context, batch *pendingBatch) error {
	start := time.Now()

	tx, err := pw.db.BeginTxx(ctx, nil)
	if err != nil {
		pw.recordError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteCommandBatch(ctx, tx, batch.commands); err != nil {
		pw.recordError("write_commands")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, batch.journals); err != nil {
		pw.recordError("write_journals")
		return err
	}
	if err := pw.writer.WriteState(ctx, tx, batch.state); err != nil {
		pw.recordError("write_state")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.recordError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(batch.len()))
		pw.metrics.PersistCommandsWritten.Add(float64(batch.len()))
		pw.metrics.PersistJournalsWritten.Add(float64(len(batch.journals)))
		pw.metrics.PersistLastSequence.Set(float64(batch.commands[batch.len()-1].Sequence))
	}
	return nil
}

func (pw *PersistenceWorker) recordError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
