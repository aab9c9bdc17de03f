package projection

import (
	"sync"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	fpmath "LendLedger/internal/math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const DefaultHistoryCapacity = 10_000

// LiquidationEntry is one completed liquidation as seen by readers.
// Amounts are token decimals.
type LiquidationEntry struct {
	LiquidationID    uuid.UUID       `db:"liquidation_id" json:"liquidation_id"`
	Sequence         int64           `db:"sequence" json:"sequence"`
	CommandID        string          `db:"command_id" json:"command_id"`
	Mode             string          `db:"mode" json:"mode"`
	Target           uuid.UUID       `db:"target" json:"target"`
	Liquidator       uuid.UUID       `db:"liquidator" json:"liquidator"`
	CollateralSeized decimal.Decimal `db:"collateral_seized" json:"collateral_seized"`
	DebtRepaid       decimal.Decimal `db:"debt_repaid" json:"debt_repaid"`
	Price            decimal.Decimal `db:"price" json:"price"`
	OccurredAt       time.Time       `db:"occurred_at" json:"occurred_at"`
}

// EntriesFrom extracts the liquidations a committed command performed.
func EntriesFrom(out core.CoreOutput) []LiquidationEntry {
	if len(out.Liquidations) == 0 {
		return nil
	}
	mode := "direct"
	if out.Envelope.CommandType == event.CommandTypeFlashLiquidate {
		mode = "flash"
	}
	entries := make([]LiquidationEntry, 0, len(out.Liquidations))
	for _, r := range out.Liquidations {
		entries = append(entries, LiquidationEntry{
			LiquidationID:    r.LiquidationID,
			Sequence:         out.Envelope.Sequence,
			CommandID:        out.Envelope.IdempotencyKey,
			Mode:             mode,
			Target:           r.Target,
			Liquidator:       r.Liquidator,
			CollateralSeized: fpmath.ToDecimal(r.CollateralSeized),
			DebtRepaid:       fpmath.ToDecimal(r.DebtRepaid),
			Price:            r.Price.Decimal(18),
			OccurredAt:       out.Envelope.Timestamp,
		})
	}
	return entries
}

// LiquidationHistory keeps the most recent liquidations in memory, newest
// last, for processes that run without the database.
type LiquidationHistory struct {
	mu       sync.RWMutex
	entries  []LiquidationEntry
	capacity int
}

func NewLiquidationHistory(capacity int) *LiquidationHistory {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &LiquidationHistory{
		entries:  make([]LiquidationEntry, 0),
		capacity: capacity,
	}
}

// Add records entries, evicting the oldest beyond capacity.
func (h *LiquidationHistory) Add(entries ...LiquidationEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entries...)
	if over := len(h.entries) - h.capacity; over > 0 {
		h.entries = append(h.entries[:0:0], h.entries[over:]...)
	}
}

// QueryByAccount returns up to limit liquidations where account was the
// target or the liquidator, newest first.
func (h *LiquidationHistory) QueryByAccount(account uuid.UUID, limit int) []LiquidationEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]LiquidationEntry, 0)
	for i := len(h.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if h.entries[i].Target == account || h.entries[i].Liquidator == account {
			result = append(result, h.entries[i])
		}
	}
	return result
}

// Recent returns up to limit liquidations, newest first.
func (h *LiquidationHistory) Recent(limit int) []LiquidationEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]LiquidationEntry, 0, min(limit, len(h.entries)))
	for i := len(h.entries) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, h.entries[i])
	}
	return result
}

func (h *LiquidationHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
