package core

import (
	"fmt"
)

// SequenceValidator validates source sequences per partition. Gaps are
// tolerated and counted; a sequence at or below the last accepted one is
// stale unless the command is a known duplicate. Sequence 0 means the
// producer does not order its commands and bypasses the check.
// Not thread-safe: only accessed under the engine lock.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         NewSequenceMetrics(),
	}
}

// ValidateSequence checks sourceSequence against the partition without
// advancing it. Call Advance once the command has been applied.
func (sv *SequenceValidator) ValidateSequence(partition string, sourceSequence int64, isDuplicate bool) error {
	if sourceSequence == 0 {
		return nil
	}
	expected, seen := sv.expectedNextSeq[partition]
	if !seen {
		return nil
	}

	if sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		sv.metrics.RecordOutOfOrder(partition)
		return fmt.Errorf("stale command: partition=%s, expected>=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence > expected {
		sv.metrics.RecordGap(partition, expected, sourceSequence)
	}
	return nil
}

// Advance records sourceSequence as the last accepted one for partition.
func (sv *SequenceValidator) Advance(partition string, sourceSequence int64) {
	if sourceSequence == 0 {
		return
	}
	if next := sourceSequence + 1; next > sv.expectedNextSeq[partition] {
		sv.expectedNextSeq[partition] = next
	}
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition initializes expected sequence (used during recovery)
func (sv *SequenceValidator) RestorePartition(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// GetAllPartitions copies the partition state for snapshots.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

func (sv *SequenceValidator) Metrics() *SequenceMetrics {
	return sv.metrics
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats.
type SequenceMetrics struct {
	gaps       map[string]int64 // partition -> gap count
	outOfOrder map[string]int64 // partition -> stale count
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:       make(map[string]int64),
		outOfOrder: make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string, expected, got int64) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordOutOfOrder(partition string) {
	m.outOfOrder[partition]++
}

func (m *SequenceMetrics) GetGaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *SequenceMetrics) GetOutOfOrder(partition string) int64 {
	return m.outOfOrder[partition]
}
