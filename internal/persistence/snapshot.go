package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	"LendLedger/internal/pool"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// SnapshotFormatVersion identifies the JSON layout of SnapshotData.
const SnapshotFormatVersion = 1

// SnapshotStore persists and loads engine snapshots. Postgres is the
// durable store; a bbolt file can serve as a local one.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *SnapshotData) error
	LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error)
	LoadSnapshotAtOrBefore(ctx context.Context, sequence int64) (*SnapshotData, error)
}

// SnapshotData is the full in-memory state at one sequence: pool
// reserves, positions, balances, the ordering watermark, recent command
// keys and the chain tip.
type SnapshotData struct {
	Sequence        int64            `json:"sequence"`
	StateHash       []byte           `json:"state_hash"`
	Pool            pool.Reserves    `json:"pool"`
	Ledger          ledger.State     `json:"ledger"`
	SequenceState   map[string]int64 `json:"sequence_state"`
	IdempotencyKeys []string         `json:"idempotency_keys"`
	CreatedAt       time.Time        `json:"created_at"`
}

// SnapshotFromState captures an engine snapshot for storage.
func SnapshotFromState(s *core.SnapshotState, now time.Time) *SnapshotData {
	hash := s.StateHash
	return &SnapshotData{
		Sequence:        s.Sequence,
		StateHash:       hash[:],
		Pool:            s.Pool,
		Ledger:          s.Ledger,
		SequenceState:   s.SequenceState,
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       now,
	}
}

// State converts the stored snapshot back for Engine.RestoreFromSnapshot.
func (d *SnapshotData) State() (*core.SnapshotState, error) {
	if len(d.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash is %d bytes", d.Sequence, len(d.StateHash))
	}
	s := &core.SnapshotState{
		Sequence:        d.Sequence,
		Pool:            d.Pool,
		Ledger:          d.Ledger,
		SequenceState:   d.SequenceState,
		IdempotencyKeys: d.IdempotencyKeys,
	}
	copy(s.StateHash[:], d.StateHash)
	return s, nil
}

// SnapshotManager stores snapshots in event_log.snapshots and reads the
// command log for replay.
type SnapshotManager struct {
	db *sqlx.DB
}

func NewSnapshotManager(db *sqlx.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. It stays unverified until MarkVerified.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash, SnapshotFormatVersion, len(data), snap.CreatedAt)
	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil when
// there is none.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	return sm.loadSnapshot(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, SnapshotFormatVersion)
}

// LoadSnapshotAtOrBefore loads the most recent verified snapshot at or
// below sequence.
func (sm *SnapshotManager) LoadSnapshotAtOrBefore(ctx context.Context, sequence int64) (*SnapshotData, error) {
	return sm.loadSnapshot(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1 AND sequence <= $2
		ORDER BY sequence DESC
		LIMIT 1
	`, SnapshotFormatVersion, sequence)
}

func (sm *SnapshotManager) loadSnapshot(ctx context.Context, query string, args ...any) (*SnapshotData, error) {
	var data []byte
	err := sm.db.GetContext(ctx, &data, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified once the command log has been
// written past its sequence.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadCommandsFrom loads up to limit commands starting at fromSequence.
func (sm *SnapshotManager) LoadCommandsFrom(ctx context.Context, fromSequence int64, limit int) ([]CommandRow, error) {
	var rows []CommandRow
	err := sm.db.SelectContext(ctx, &rows, `
		SELECT sequence, command_type, command_id, account_id, payload,
		       state_hash, prev_hash, occurred_at, source_sequence
		FROM event_log.commands
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	return rows, err
}

// GetLatestSequence returns the highest sequence in the command log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.GetContext(ctx, &seq, `SELECT MAX(sequence) FROM event_log.commands`); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

// Decode rebuilds the command a row was written from.
func (r CommandRow) Decode() (event.Command, error) {
	ct := event.ParseCommandType(r.CommandType)
	if ct == event.CommandTypeUnknown {
		return nil, fmt.Errorf("command %d: unknown type %q", r.Sequence, r.CommandType)
	}
	cmd, err := event.Decode(ct, r.Payload)
	if err != nil {
		return nil, fmt.Errorf("command %d: %w", r.Sequence, err)
	}
	return cmd, nil
}

// StateHashArray returns the stored state hash as a fixed array.
func (r CommandRow) StateHashArray() ([32]byte, error) {
	var h [32]byte
	if len(r.StateHash) != len(h) {
		return h, fmt.Errorf("command %d: state hash is %d bytes", r.Sequence, len(r.StateHash))
	}
	copy(h[:], r.StateHash)
	return h, nil
}
