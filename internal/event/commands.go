package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Meta carries the fields shared by every command. Amounts on commands are
// token decimals ("0.833"); the core converts them to base units.
type Meta struct {
	CommandID string    `json:"command_id"`
	Sequence  int64     `json:"source_sequence,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (m Meta) IdempotencyKey() string { return m.CommandID }
func (m Meta) SourceSequence() int64  { return m.Sequence }
func (m Meta) OccurredAt() time.Time  { return m.Timestamp }

// FillDefaults sets the command ID and timestamp when the producer left
// them empty. Transports call it before handing the command to the core.
func (m *Meta) FillDefaults(commandID string, receivedAt time.Time) {
	if m.CommandID == "" {
		m.CommandID = commandID
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = receivedAt
	}
}

// Defaultable is implemented by every command through its embedded Meta.
type Defaultable interface {
	FillDefaults(commandID string, receivedAt time.Time)
}

func ref(id uuid.UUID) *string {
	s := id.String()
	return &s
}

// InitializePool seeds the pool reserves. Accepted once.
type InitializePool struct {
	Meta
	Collateral decimal.Decimal `json:"collateral"`
	Debt       decimal.Decimal `json:"debt"`
}

func (c *InitializePool) CommandType() CommandType { return CommandTypeInitializePool }
func (c *InitializePool) AccountID() *string       { return nil }

// Grant credits an account's wallet from outside the system.
type Grant struct {
	Meta
	Account uuid.UUID       `json:"account"`
	Asset   string          `json:"asset"`
	Amount  decimal.Decimal `json:"amount"`
}

func (c *Grant) CommandType() CommandType { return CommandTypeGrant }
func (c *Grant) AccountID() *string       { return ref(c.Account) }

type Deposit struct {
	Meta
	Account uuid.UUID       `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
}

func (c *Deposit) CommandType() CommandType { return CommandTypeDeposit }
func (c *Deposit) AccountID() *string       { return ref(c.Account) }

type Withdraw struct {
	Meta
	Account uuid.UUID       `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
}

func (c *Withdraw) CommandType() CommandType { return CommandTypeWithdraw }
func (c *Withdraw) AccountID() *string       { return ref(c.Account) }

type Borrow struct {
	Meta
	Account uuid.UUID       `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
}

func (c *Borrow) CommandType() CommandType { return CommandTypeBorrow }
func (c *Borrow) AccountID() *string       { return ref(c.Account) }

type Repay struct {
	Meta
	Account uuid.UUID       `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
}

func (c *Repay) CommandType() CommandType { return CommandTypeRepay }
func (c *Repay) AccountID() *string       { return ref(c.Account) }

// Swap trades from the account's wallet against the pool.
type Swap struct {
	Meta
	Account   uuid.UUID       `json:"account"`
	Direction string          `json:"direction"`
	AmountIn  decimal.Decimal `json:"amount_in"`
}

func (c *Swap) CommandType() CommandType { return CommandTypeSwap }
func (c *Swap) AccountID() *string       { return ref(c.Account) }

// Liquidate closes Target's position with debt asset from the liquidator's
// wallet. Amount must cover the whole debt.
type Liquidate struct {
	Meta
	Liquidator uuid.UUID       `json:"liquidator"`
	Target     uuid.UUID       `json:"target"`
	Amount     decimal.Decimal `json:"amount"`
}

func (c *Liquidate) CommandType() CommandType { return CommandTypeLiquidate }
func (c *Liquidate) AccountID() *string       { return ref(c.Liquidator) }

// FlashLiquidate liquidates Target with borrowed funds; Caller keeps the
// collateral left after repaying the loan.
type FlashLiquidate struct {
	Meta
	Caller uuid.UUID `json:"caller"`
	Target uuid.UUID `json:"target"`
}

func (c *FlashLiquidate) CommandType() CommandType { return CommandTypeFlashLiquidate }
func (c *FlashLiquidate) AccountID() *string       { return ref(c.Caller) }

type OpenLeverage struct {
	Meta
	Account           uuid.UUID       `json:"account"`
	InitialCollateral decimal.Decimal `json:"initial_collateral"`
	Loops             int             `json:"loops"`
	FractionBps       uint32          `json:"fraction_bps"`
}

func (c *OpenLeverage) CommandType() CommandType { return CommandTypeOpenLeverage }
func (c *OpenLeverage) AccountID() *string       { return ref(c.Account) }

type CloseLeverage struct {
	Meta
	Account uuid.UUID `json:"account"`
}

func (c *CloseLeverage) CommandType() CommandType { return CommandTypeCloseLeverage }
func (c *CloseLeverage) AccountID() *string       { return ref(c.Account) }

// Shock moves the pool price with funds from outside the system.
type Shock struct {
	Meta
	Direction string          `json:"direction"`
	Amount    decimal.Decimal `json:"amount"`
}

func (c *Shock) CommandType() CommandType { return CommandTypeShock }
func (c *Shock) AccountID() *string       { return nil }

// NewCommand returns an empty command of the given type.
func NewCommand(ct CommandType) (Command, error) {
	switch ct {
	case CommandTypeInitializePool:
		return &InitializePool{}, nil
	case CommandTypeGrant:
		return &Grant{}, nil
	case CommandTypeDeposit:
		return &Deposit{}, nil
	case CommandTypeWithdraw:
		return &Withdraw{}, nil
	case CommandTypeBorrow:
		return &Borrow{}, nil
	case CommandTypeRepay:
		return &Repay{}, nil
	case CommandTypeSwap:
		return &Swap{}, nil
	case CommandTypeLiquidate:
		return &Liquidate{}, nil
	case CommandTypeFlashLiquidate:
		return &FlashLiquidate{}, nil
	case CommandTypeOpenLeverage:
		return &OpenLeverage{}, nil
	case CommandTypeCloseLeverage:
		return &CloseLeverage{}, nil
	case CommandTypeShock:
		return &Shock{}, nil
	default:
		return nil, fmt.Errorf("unknown command type %d", ct)
	}
}

// Decode unmarshals a JSON payload into a command of the given type.
func Decode(ct CommandType, payload []byte) (Command, error) {
	cmd, err := NewCommand(ct)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ct, err)
	}
	return cmd, nil
}
