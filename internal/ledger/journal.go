package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypePoolSeed JournalType = iota
	JournalTypeGrant
	JournalTypeDeposit
	JournalTypeWithdrawal
	JournalTypeBorrow
	JournalTypeRepay
	JournalTypeSwapIn
	JournalTypeSwapOut
	JournalTypeShockIn
	JournalTypeShockOut
	JournalTypeLiquidationSeize
	JournalTypeLiquidationDebt
	JournalTypeLiquidationSettle
	JournalTypeFlashLoan
	JournalTypeFlashRepay
)

var journalTypeNames = map[JournalType]string{
	JournalTypePoolSeed:          "pool_seed",
	JournalTypeGrant:             "grant",
	JournalTypeDeposit:           "deposit",
	JournalTypeWithdrawal:        "withdrawal",
	JournalTypeBorrow:            "borrow",
	JournalTypeRepay:             "repay",
	JournalTypeSwapIn:            "swap_in",
	JournalTypeSwapOut:           "swap_out",
	JournalTypeShockIn:           "shock_in",
	JournalTypeShockOut:          "shock_out",
	JournalTypeLiquidationSeize:  "liquidation_seize",
	JournalTypeLiquidationDebt:   "liquidation_debt",
	JournalTypeLiquidationSettle: "liquidation_settle",
	JournalTypeFlashLoan:         "flash_loan",
	JournalTypeFlashRepay:        "flash_repay",
}

func (t JournalType) String() string {
	if name, ok := journalTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("journal_type(%d)", int32(t))
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID    // Unique identifier
	BatchID       uuid.UUID    // Groups balanced entries
	EventRef      string       // Command ID that produced the entry
	Sequence      int64        // Engine sequence, stamped on commit
	DebitAccount  AccountKey   // Balance increases
	CreditAccount AccountKey   // Balance decreases
	AssetID       AssetID      // Asset being transferred
	Amount        *uint256.Int // Base units, always positive
	JournalType   JournalType
	Timestamp     int64 // Command timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Stamp assigns the command reference, sequence and timestamp to the batch
// and all of its entries.
func (b *Batch) Stamp(eventRef string, sequence, timestamp int64) {
	b.EventRef = eventRef
	b.Sequence = sequence
	b.Timestamp = timestamp
	for i := range b.Journals {
		b.Journals[i].EventRef = eventRef
		b.Journals[i].Sequence = sequence
		b.Journals[i].Timestamp = timestamp
	}
}

// Validate ensures the batch is well-formed. Each entry moves one positive
// amount from its credit account to its debit account, so every entry is
// balanced on its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets (%s -> %s)",
				j.JournalID, j.CreditAccount.AccountPath(), j.DebitAccount.AccountPath())
		}
	}

	return nil
}
