package query

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Amounts in responses are token decimals.

// PoolResponse is the current state of the pricing pool.
type PoolResponse struct {
	Initialized        bool            `json:"initialized"`
	CollateralReserve  decimal.Decimal `json:"collateral_reserve"`
	DebtReserve        decimal.Decimal `json:"debt_reserve"`
	Price              decimal.Decimal `json:"price"`
	FeeBps             uint16          `json:"fee_bps"`
	MinCollateralRatio uint64          `json:"min_collateral_ratio"`
	AsOfSequence       int64           `json:"as_of_sequence"`
}

// PositionResponse is one account's position with its derived risk figures.
type PositionResponse struct {
	Account    uuid.UUID       `json:"account"`
	Collateral decimal.Decimal `json:"collateral"`
	Debt       decimal.Decimal `json:"debt"`

	// Wallet balances, outside the position.
	WalletCollateral decimal.Decimal `json:"wallet_collateral"`
	WalletDebt       decimal.Decimal `json:"wallet_debt"`

	// Derived at query time from the pool price. CollateralRatio is a
	// percentage and is omitted when the position has no debt.
	CollateralRatio *decimal.Decimal `json:"collateral_ratio,omitempty"`
	BorrowCapacity  decimal.Decimal  `json:"borrow_capacity"`
	MaxBorrow       decimal.Decimal  `json:"max_borrow"`
	MaxWithdrawable decimal.Decimal  `json:"max_withdrawable"`
	Liquidatable    bool             `json:"liquidatable"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// JournalHistoryEntry is one journal line touching an account.
type JournalHistoryEntry struct {
	JournalID     uuid.UUID       `db:"journal_id" json:"journal_id"`
	BatchID       uuid.UUID       `db:"batch_id" json:"batch_id"`
	CommandRef    string          `db:"command_ref" json:"command_ref"`
	Sequence      int64           `db:"sequence" json:"sequence"`
	DebitAccount  string          `db:"debit_account" json:"debit_account"`
	CreditAccount string          `db:"credit_account" json:"credit_account"`
	Asset         string          `db:"asset" json:"asset"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	JournalType   string          `db:"journal_type" json:"journal_type"`
	OccurredAt    int64           `db:"occurred_at" json:"occurred_at"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	LedgerError     string  `json:"ledger_error,omitempty"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	AsOfSequence    int64   `json:"as_of_sequence"`
}
