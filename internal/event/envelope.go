package event

import (
	"time"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeInitializePool
	CommandTypeGrant
	CommandTypeDeposit
	CommandTypeWithdraw
	CommandTypeBorrow
	CommandTypeRepay
	CommandTypeSwap
	CommandTypeLiquidate
	CommandTypeFlashLiquidate
	CommandTypeOpenLeverage
	CommandTypeCloseLeverage
	CommandTypeShock
)

// CommandEnvelope wraps every applied command in the log
type CommandEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Command type discriminator
	CommandType CommandType

	// Account the command acts on (nil for pool-level commands)
	AccountID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Command is the interface all command payloads must implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// AccountID returns the acting account (nil for pool-level commands)
	AccountID() *string

	// SourceSequence returns upstream ordering key, 0 when unordered
	SourceSequence() int64

	// OccurredAt returns the versioned timestamp of the command
	OccurredAt() time.Time
}

var commandTypeNames = map[CommandType]string{
	CommandTypeInitializePool: "InitializePool",
	CommandTypeGrant:          "Grant",
	CommandTypeDeposit:        "Deposit",
	CommandTypeWithdraw:       "Withdraw",
	CommandTypeBorrow:         "Borrow",
	CommandTypeRepay:          "Repay",
	CommandTypeSwap:           "Swap",
	CommandTypeLiquidate:      "Liquidate",
	CommandTypeFlashLiquidate: "FlashLiquidate",
	CommandTypeOpenLeverage:   "OpenLeverage",
	CommandTypeCloseLeverage:  "CloseLeverage",
	CommandTypeShock:          "Shock",
}

func (ct CommandType) String() string {
	if name, ok := commandTypeNames[ct]; ok {
		return name
	}
	return "Unknown"
}

// ParseCommandType maps a type name back to its discriminator.
func ParseCommandType(name string) CommandType {
	for ct, n := range commandTypeNames {
		if n == name {
			return ct
		}
	}
	return CommandTypeUnknown
}
