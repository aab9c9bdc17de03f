package persistence

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSnapshots = []byte("snapshots")

// BoltSnapshotStore keeps snapshots in a local bbolt file, keyed by
// big-endian sequence so the cursor's last entry is the newest. Only the
// newest retain snapshots are kept.
type BoltSnapshotStore struct {
	db     *bolt.DB
	retain int
}

// NewBoltSnapshotStore opens (or creates) the snapshot file at path.
func NewBoltSnapshotStore(path string, retain int) (*BoltSnapshotStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open snapshot file %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	if retain <= 0 {
		retain = 1
	}
	return &BoltSnapshotStore{db: db, retain: retain}, nil
}

func (s *BoltSnapshotStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func sequenceKey(seq int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}

// SaveSnapshot writes snap and prunes all but the newest retain entries.
func (s *BoltSnapshotStore) SaveSnapshot(_ context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSnapshots)
		if err := bucket.Put(sequenceKey(snap.Sequence), data); err != nil {
			return err
		}

		var keys [][]byte
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		if len(keys) <= s.retain {
			return nil
		}
		for _, k := range keys[:len(keys)-s.retain] {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadLatestSnapshot returns the newest snapshot, or nil when the file is
// empty.
func (s *BoltSnapshotStore) LoadLatestSnapshot(_ context.Context) (*SnapshotData, error) {
	var snap *SnapshotData
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		snap, err = decodeSnapshot(tx.Bucket(bucketSnapshots).Cursor().Last())
		return err
	})
	return snap, err
}

// LoadSnapshotAtOrBefore returns the newest snapshot whose sequence is at
// most sequence, or nil when none qualifies.
func (s *BoltSnapshotStore) LoadSnapshotAtOrBefore(_ context.Context, sequence int64) (*SnapshotData, error) {
	var snap *SnapshotData
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSnapshots).Cursor()
		target := sequenceKey(sequence)
		k, v := c.Seek(target)
		switch {
		case k == nil:
			k, v = c.Last()
		case !bytes.Equal(k, target):
			k, v = c.Prev()
		}
		var err error
		snap, err = decodeSnapshot(k, v)
		return err
	})
	return snap, err
}

// DiscardSnapshotsAfter deletes every snapshot above sequence and returns
// how many were removed.
func (s *BoltSnapshotStore) DiscardSnapshotsAfter(_ context.Context, sequence int64) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSnapshots)
		var stale [][]byte
		c := bucket.Cursor()
		for k, _ := c.Seek(sequenceKey(sequence + 1)); k != nil; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

func decodeSnapshot(k, v []byte) (*SnapshotData, error) {
	if k == nil {
		return nil, nil
	}
	var decoded SnapshotData
	if err := json.Unmarshal(v, &decoded); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot %d: %w", binary.BigEndian.Uint64(k), err)
	}
	return &decoded, nil
}

// Sequences lists the stored snapshot sequences, oldest first.
func (s *BoltSnapshotStore) Sequences() ([]int64, error) {
	var seqs []int64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, _ []byte) error {
			seqs = append(seqs, int64(binary.BigEndian.Uint64(k)))
			return nil
		})
	})
	return seqs, err
}
