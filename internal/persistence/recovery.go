package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/observability"

	"github.com/rs/zerolog"
)

const replayBatchSize = 1000

// CommandSource reads the command log back in sequence order.
type CommandSource interface {
	LoadCommandsFrom(ctx context.Context, fromSequence int64, limit int) ([]CommandRow, error)
	GetLatestSequence(ctx context.Context) (int64, error)
}

// snapshotDiscarder is implemented by stores that can drop snapshots taken
// past the command log head.
type snapshotDiscarder interface {
	DiscardSnapshotsAfter(ctx context.Context, sequence int64) (int, error)
}

// RecoveryResult describes how the engine was brought up to date.
type RecoveryResult struct {
	SnapshotSequence int64 // 0 without a snapshot
	Replayed         int64
	Sequence         int64
	LogHead          int64
}

// Recover restores the newest snapshot from store that the command log
// has reached, when there is one, and replays the log after it. Snapshots
// above the log head are discarded. Every replayed command must reproduce
// the state hash recorded with it; a mismatch stops recovery.
func Recover(ctx context.Context, engine *core.Engine, store SnapshotStore, log CommandSource, logger zerolog.Logger) (*RecoveryResult, error) {
	res := &RecoveryResult{}

	if log != nil {
		head, err := log.GetLatestSequence(ctx)
		if err != nil {
			return nil, fmt.Errorf("command log head: %w", err)
		}
		res.LogHead = head
	}

	if store != nil {
		snap, err := loadRecoverySnapshot(ctx, store, log, res.LogHead, logger)
		if err != nil {
			return nil, err
		}
		if snap != nil {
			state, err := snap.State()
			if err != nil {
				return nil, err
			}
			if err := engine.RestoreFromSnapshot(state); err != nil {
				return nil, err
			}
			res.SnapshotSequence = snap.Sequence
			logger.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
		}
	}

	from := res.SnapshotSequence + 1
	for log != nil {
		rows, err := log.LoadCommandsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return nil, fmt.Errorf("load commands from %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			if err := replayRow(engine, row); err != nil {
				return nil, err
			}
			res.Replayed++
		}
		from = rows[len(rows)-1].Sequence + 1
	}

	res.Sequence = engine.LastSequence()
	logger.Info().
		Int64("snapshot_sequence", res.SnapshotSequence).
		Int64("replayed", res.Replayed).
		Int64("sequence", res.Sequence).
		Msg("recovery complete")
	return res, nil
}

// loadRecoverySnapshot picks the newest snapshot at or below the log head
// and checks it against the hash the log recorded at that sequence. It
// fails when snapshots exist but all of them are ahead of the log.
func loadRecoverySnapshot(ctx context.Context, store SnapshotStore, log CommandSource, head int64, logger zerolog.Logger) (*SnapshotData, error) {
	if log == nil {
		snap, err := store.LoadLatestSnapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		return snap, nil
	}

	snap, err := store.LoadSnapshotAtOrBefore(ctx, head)
	if err != nil {
		return nil, fmt.Errorf("load snapshot at or before %d: %w", head, err)
	}
	if snap == nil {
		newest, err := store.LoadLatestSnapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		if newest != nil {
			return nil, fmt.Errorf("every snapshot is ahead of the command log at %d (newest %d)", head, newest.Sequence)
		}
		return nil, nil
	}

	if d, ok := store.(snapshotDiscarder); ok {
		n, err := d.DiscardSnapshotsAfter(ctx, head)
		if err != nil {
			return nil, fmt.Errorf("discard snapshots after %d: %w", head, err)
		}
		if n > 0 {
			logger.Warn().Int("discarded", n).Int64("log_head", head).Msg("dropped snapshots ahead of the command log")
		}
	}

	if snap.Sequence == 0 {
		return snap, nil
	}
	rows, err := log.LoadCommandsFrom(ctx, snap.Sequence, 1)
	if err != nil {
		return nil, fmt.Errorf("load command %d: %w", snap.Sequence, err)
	}
	if len(rows) == 0 || rows[0].Sequence != snap.Sequence {
		return nil, fmt.Errorf("snapshot %d: command missing from the log", snap.Sequence)
	}
	if !bytes.Equal(rows[0].StateHash, snap.StateHash) {
		return nil, fmt.Errorf("snapshot %d: state hash %x does not match the log %x", snap.Sequence, snap.StateHash, rows[0].StateHash)
	}
	return snap, nil
}

func replayRow(engine *core.Engine, row CommandRow) error {
	cmd, err := row.Decode()
	if err != nil {
		return fmt.Errorf("replay %d: %w", row.Sequence, err)
	}
	want, err := row.StateHashArray()
	if err != nil {
		return fmt.Errorf("replay %d: %w", row.Sequence, err)
	}
	outcome, err := engine.Replay(cmd)
	if err != nil {
		return fmt.Errorf("replay %d (%s %s): %w", row.Sequence, row.CommandType, row.CommandID, err)
	}
	if outcome.Duplicate || outcome.Sequence != row.Sequence {
		return fmt.Errorf("replay %d: engine assigned sequence %d", row.Sequence, outcome.Sequence)
	}
	if outcome.StateHash != want {
		return fmt.Errorf("replay %d: state hash mismatch: log %x, engine %x", row.Sequence, want, outcome.StateHash)
	}
	return nil
}

// Snapshotter saves engine snapshots every interval commands.
type Snapshotter struct {
	engine   *core.Engine
	store    SnapshotStore
	interval int64
	metrics  *observability.Metrics
	logger   zerolog.Logger

	mu      sync.Mutex
	lastSeq int64
	pending int64 // saved but not yet verified
}

// snapshotVerifier is implemented by stores that keep unverified snapshots
// until the command log has caught up with them.
type snapshotVerifier interface {
	MarkVerified(ctx context.Context, sequence int64) error
	GetLatestSequence(ctx context.Context) (int64, error)
}

func NewSnapshotter(engine *core.Engine, store SnapshotStore, interval int64, metrics *observability.Metrics, logger zerolog.Logger) *Snapshotter {
	return &Snapshotter{
		engine:   engine,
		store:    store,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
		lastSeq:  engine.LastSequence(),
	}
}

// TakeSnapshot saves the current engine state and returns its sequence.
func (s *Snapshotter) TakeSnapshot(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	data := SnapshotFromState(s.engine.CreateSnapshotState(), start.UTC())
	if err := s.store.SaveSnapshot(ctx, data); err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	s.lastSeq = data.Sequence
	s.pending = data.Sequence

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotLastSeq.Set(float64(data.Sequence))
		if encoded, err := json.Marshal(data); err == nil {
			s.metrics.SnapshotSizeBytes.Set(float64(len(encoded)))
		}
	}
	s.logger.Info().Int64("sequence", data.Sequence).Dur("took", time.Since(start)).Msg("snapshot saved")

	if err := s.verifyPending(ctx); err != nil {
		s.logger.Warn().Err(err).Int64("sequence", data.Sequence).Msg("snapshot verification deferred")
	}
	return data.Sequence, nil
}

// VerifyPending marks the last saved snapshot verified once the command
// log has been written up to its sequence. A snapshot ahead of the log
// would skip commands that were never persisted.
func (s *Snapshotter) VerifyPending(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifyPending(ctx)
}

func (s *Snapshotter) verifyPending(ctx context.Context) error {
	v, ok := s.store.(snapshotVerifier)
	if !ok || s.pending == 0 {
		s.pending = 0
		return nil
	}
	latest, err := v.GetLatestSequence(ctx)
	if err != nil {
		return err
	}
	if latest < s.pending {
		return fmt.Errorf("command log at %d, snapshot at %d", latest, s.pending)
	}
	if err := v.MarkVerified(ctx, s.pending); err != nil {
		return err
	}
	s.pending = 0
	return nil
}

// Run checks every tick whether interval commands have been applied since
// the last snapshot, and retries verification of a pending one.
func (s *Snapshotter) Run(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.VerifyPending(ctx); err != nil {
				s.logger.Debug().Err(err).Msg("snapshot still unverified")
			}
			if !s.due() {
				continue
			}
			if _, err := s.TakeSnapshot(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}

func (s *Snapshotter) due() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval > 0 && s.engine.LastSequence()-s.lastSeq >= s.interval
}
