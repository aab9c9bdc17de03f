package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"LendLedger/internal/core"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const StreamLedgerEvents = "LEND_LEDGER_EVENTS"

// JetStreamPublisher is the slice of jetstream.JetStream the publisher uses.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed commands for downstream consumers
// on lend.ledger.events.<command_type>[.<account_id>].
type OutboundPublisher struct {
	js        JetStreamPublisher
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishableEvent is the outbound wire form of one committed command.
type PublishableEvent struct {
	Sequence     int64              `json:"sequence"`
	CommandType  string             `json:"command_type"`
	CommandID    string             `json:"command_id"`
	AccountID    *string            `json:"account_id,omitempty"`
	Payload      json.RawMessage    `json:"payload"`
	StateHash    string             `json:"state_hash"`
	Pool         PoolReserves       `json:"pool"`
	Liquidations []LiquidationEvent `json:"liquidations,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
}

type PoolReserves struct {
	Collateral string `json:"collateral"`
	Debt       string `json:"debt"`
}

type LiquidationEvent struct {
	LiquidationID    string `json:"liquidation_id"`
	Target           string `json:"target"`
	Liquidator       string `json:"liquidator"`
	CollateralSeized string `json:"collateral_seized"`
	DebtRepaid       string `json:"debt_repaid"`
	Price            string `json:"price"`
}

// NewPublishableEvent builds the outbound event for a committed output.
// Amounts are token decimals.
func NewPublishableEvent(out core.CoreOutput) PublishableEvent {
	env := out.Envelope
	evt := PublishableEvent{
		Sequence:    env.Sequence,
		CommandType: env.CommandType.String(),
		CommandID:   env.IdempotencyKey,
		AccountID:   env.AccountID,
		Payload:     json.RawMessage(env.Payload),
		StateHash:   hex.EncodeToString(env.StateHash[:]),
		Pool: PoolReserves{
			Collateral: fpmath.FormatUnits(out.Delta.Pool.Collateral),
			Debt:       fpmath.FormatUnits(out.Delta.Pool.Debt),
		},
		Timestamp: env.Timestamp,
	}
	for _, r := range out.Liquidations {
		evt.Liquidations = append(evt.Liquidations, LiquidationEvent{
			LiquidationID:    r.LiquidationID.String(),
			Target:           r.Target.String(),
			Liquidator:       r.Liquidator.String(),
			CollateralSeized: fpmath.FormatUnits(r.CollateralSeized),
			DebtRepaid:       fpmath.FormatUnits(r.DebtRepaid),
			Price:            r.Price.String(),
		})
	}
	return evt
}

// Subject returns the subject an event is published on.
func (e PublishableEvent) Subject() string {
	subject := "lend.ledger.events." + e.CommandType
	if e.AccountID != nil {
		subject += "." + *e.AccountID
	}
	return subject
}

func NewOutboundPublisher(js JetStreamPublisher, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run publishes until ctx is cancelled or the input closes. A failed
// publish is logged and counted; consumers can fall back to the command log.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, NewPublishableEvent(out)); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// The sequence doubles as the message ID so JetStream drops republished
	// duplicates within its dedup window.
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(strconv.FormatInt(evt.Sequence, 10)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamLedgerEvents,
		Subjects:  []string{"lend.ledger.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    streamMaxAge,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", StreamLedgerEvents).Msg("ensured outbound stream")
	return nil
}
