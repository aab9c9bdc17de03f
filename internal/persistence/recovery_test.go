package persistence

import (
	"context"
	"path/filepath"
	"testing"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ledger"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryLog serves command rows built from engine outputs.
type memoryLog struct {
	rows []CommandRow
}

func (m *memoryLog) append(outputs ...core.CoreOutput) {
	for _, out := range outputs {
		m.rows = append(m.rows, CommandRowFrom(out.Envelope))
	}
}

func (m *memoryLog) LoadCommandsFrom(_ context.Context, from int64, limit int) ([]CommandRow, error) {
	var rows []CommandRow
	for _, r := range m.rows {
		if r.Sequence >= from && len(rows) < limit {
			rows = append(rows, r)
		}
	}
	return rows, nil
}

func (m *memoryLog) GetLatestSequence(context.Context) (int64, error) {
	if len(m.rows) == 0 {
		return 0, nil
	}
	return m.rows[len(m.rows)-1].Sequence, nil
}

func TestRecover_ReplayFromEmpty(t *testing.T) {
	e, out := newEngine(t)
	account := uuid.New()
	log := &memoryLog{}
	log.append(openPosition(t, e, out, account)...)

	fresh, err := core.NewEngine(core.Options{}, nil, nil)
	require.NoError(t, err)
	res, err := Recover(context.Background(), fresh, nil, log, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, int64(0), res.SnapshotSequence)
	assert.Equal(t, int64(4), res.Replayed)
	assert.Equal(t, int64(4), res.Sequence)
	assert.Equal(t, e.GetStateHash(), fresh.GetStateHash())

	var debt string
	require.NoError(t, fresh.View(func(l *ledger.Ledger) error {
		debt = l.PositionOf(account).Debt.Dec()
		return nil
	}))
	assert.Equal(t, "500000000000000000000", debt)
}

func TestRecover_SnapshotThenTail(t *testing.T) {
	e, out := newEngine(t)
	account := uuid.New()
	log := &memoryLog{}
	log.append(openPosition(t, e, out, account)...)

	store, err := NewBoltSnapshotStore(filepath.Join(t.TempDir(), "snap.db"), 3)
	require.NoError(t, err)
	defer store.Close()

	snapper := NewSnapshotter(e, store, 100, nil, zerolog.Nop())
	seq, err := snapper.TakeSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), seq)

	_, err = e.Process(&event.Repay{Meta: meta("repay"), Account: account, Amount: decimal.RequireFromString("100")})
	require.NoError(t, err)
	log.append(<-out)

	fresh, err := core.NewEngine(core.Options{}, nil, nil)
	require.NoError(t, err)
	res, err := Recover(context.Background(), fresh, store, log, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, int64(4), res.SnapshotSequence)
	assert.Equal(t, int64(1), res.Replayed)
	assert.Equal(t, int64(5), fresh.LastSequence())
	assert.Equal(t, e.GetStateHash(), fresh.GetStateHash())

	// The snapshot carried the command keys, so a redelivered command is
	// still recognised.
	outcome, err := fresh.Process(&event.Borrow{Meta: meta("borrow"), Account: account, Amount: decimal.RequireFromString("500")})
	require.NoError(t, err)
	assert.True(t, outcome.Duplicate)
}

// A snapshot can be saved before the persistence worker flushes the
// commands it covers. After a crash in that window, recovery falls back to
// an older snapshot and drops the ones the log never reached.
func TestRecover_SkipsSnapshotsAheadOfLog(t *testing.T) {
	ctx := context.Background()
	e, out := newEngine(t)
	account := uuid.New()
	store, err := NewBoltSnapshotStore(filepath.Join(t.TempDir(), "snap.db"), 3)
	require.NoError(t, err)
	defer store.Close()
	snapper := NewSnapshotter(e, store, 100, nil, zerolog.Nop())

	dec := decimal.RequireFromString
	cmds := []event.Command{
		&event.InitializePool{Meta: meta("init"), Collateral: dec("1000000"), Debt: dec("1000000000")},
		&event.Grant{Meta: meta("grant"), Account: account, Asset: "ETH", Amount: dec("1")},
		&event.Deposit{Meta: meta("deposit"), Account: account, Amount: dec("1")},
		&event.Borrow{Meta: meta("borrow"), Account: account, Amount: dec("500")},
		&event.Repay{Meta: meta("repay"), Account: account, Amount: dec("100")},
	}
	var outputs []core.CoreOutput
	for i, cmd := range cmds {
		_, err := e.Process(cmd)
		require.NoError(t, err)
		outputs = append(outputs, <-out)
		if seq := int64(i + 1); seq == 2 || seq == 5 {
			_, err := snapper.TakeSnapshot(ctx)
			require.NoError(t, err)
		}
	}

	// Only the first three commands reached the log.
	log := &memoryLog{}
	log.append(outputs[:3]...)

	fresh, err := core.NewEngine(core.Options{}, nil, nil)
	require.NoError(t, err)
	res, err := Recover(ctx, fresh, store, log, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, int64(2), res.SnapshotSequence)
	assert.Equal(t, int64(1), res.Replayed)
	assert.Equal(t, int64(3), res.Sequence)
	assert.Equal(t, int64(3), res.LogHead)
	assert.Equal(t, outputs[2].Envelope.StateHash, fresh.GetStateHash())

	seqs, err := store.Sequences()
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, seqs)

	// A second start takes the same path.
	again, err := core.NewEngine(core.Options{}, nil, nil)
	require.NoError(t, err)
	res, err = Recover(ctx, again, store, log, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.SnapshotSequence)
	assert.Equal(t, fresh.GetStateHash(), again.GetStateHash())
}

func TestRecover_EverySnapshotAheadStops(t *testing.T) {
	e, out := newEngine(t)
	outputs := openPosition(t, e, out, uuid.New())

	store, err := NewBoltSnapshotStore(filepath.Join(t.TempDir(), "snap.db"), 3)
	require.NoError(t, err)
	defer store.Close()
	_, err = NewSnapshotter(e, store, 100, nil, zerolog.Nop()).TakeSnapshot(context.Background())
	require.NoError(t, err)

	log := &memoryLog{}
	log.append(outputs[:2]...)

	fresh, err := core.NewEngine(core.Options{}, nil, nil)
	require.NoError(t, err)
	_, err = Recover(context.Background(), fresh, store, log, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ahead of the command log")
}

func TestRecover_SnapshotFromOtherHistoryStops(t *testing.T) {
	e, out := newEngine(t)
	log := &memoryLog{}
	log.append(openPosition(t, e, out, uuid.New())...)

	other, otherOut := newEngine(t)
	openPosition(t, other, otherOut, uuid.New())
	store, err := NewBoltSnapshotStore(filepath.Join(t.TempDir(), "snap.db"), 3)
	require.NoError(t, err)
	defer store.Close()
	_, err = NewSnapshotter(other, store, 100, nil, zerolog.Nop()).TakeSnapshot(context.Background())
	require.NoError(t, err)

	fresh, err := core.NewEngine(core.Options{}, nil, nil)
	require.NoError(t, err)
	_, err = Recover(context.Background(), fresh, store, log, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match the log")
}

func TestRecover_HashMismatchStops(t *testing.T) {
	e, out := newEngine(t)
	log := &memoryLog{}
	log.append(openPosition(t, e, out, uuid.New())...)
	log.rows[2].StateHash = make([]byte, 32)

	fresh, err := core.NewEngine(core.Options{}, nil, nil)
	require.NoError(t, err)
	_, err = Recover(context.Background(), fresh, nil, log, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state hash mismatch")
}

func TestReplay_EmitsNothing(t *testing.T) {
	e, out := newEngine(t)
	log := &memoryLog{}
	log.append(openPosition(t, e, out, uuid.New())...)

	persisted := make(chan core.CoreOutput, 8)
	fresh, err := core.NewEngine(core.Options{}, persisted, nil)
	require.NoError(t, err)
	_, err = Recover(context.Background(), fresh, nil, log, zerolog.Nop())
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

type verifyingStore struct {
	*BoltSnapshotStore
	logHead  int64
	verified []int64
}

func (v *verifyingStore) GetLatestSequence(context.Context) (int64, error) { return v.logHead, nil }

func (v *verifyingStore) MarkVerified(_ context.Context, seq int64) error {
	v.verified = append(v.verified, seq)
	return nil
}

func TestSnapshotter_VerifiesOnceLogCatchesUp(t *testing.T) {
	e, out := newEngine(t)
	openPosition(t, e, out, uuid.New())

	bolt, err := NewBoltSnapshotStore(filepath.Join(t.TempDir(), "snap.db"), 2)
	require.NoError(t, err)
	defer bolt.Close()
	store := &verifyingStore{BoltSnapshotStore: bolt, logHead: 2}

	snapper := NewSnapshotter(e, store, 1, nil, zerolog.Nop())
	_, err = snapper.TakeSnapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, store.verified, "log is behind the snapshot")

	store.logHead = 4
	require.NoError(t, snapper.VerifyPending(context.Background()))
	assert.Equal(t, []int64{4}, store.verified)

	require.NoError(t, snapper.VerifyPending(context.Background()))
	assert.Len(t, store.verified, 1)
}
