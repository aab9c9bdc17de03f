package ingestion

import (
	"context"
	"fmt"
	"time"

	"LendLedger/internal/event"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	StreamCommands = "LEND_COMMANDS"
	StreamAdmin    = "LEND_ADMIN"

	streamMaxAge = 72 * time.Hour
)

// NATSSubscriber consumes JetStream subjects and hands raw commands to the
// ingestion loop.
type NATSSubscriber struct {
	js          jetstream.JetStream
	commandChan chan<- RawCommand
	consumers   []jetstream.ConsumeContext
	logger      zerolog.Logger
}

// RawCommand is an undecoded command from a transport. Exactly one of the
// acknowledgement funcs is called once the command has been handled.
type RawCommand struct {
	Subject     string
	CommandType string
	Data        []byte
	ReceivedAt  time.Time
	AckFunc     func() // processed or rejected by the core; do not redeliver
	NakFunc     func() // transient failure; redeliver
	TermFunc    func() // undecodable; never redeliver
}

// SubjectConfig maps a subject to the command type carried on it.
type SubjectConfig struct {
	Subject      string
	CommandType  event.CommandType
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns one subject per command type. Account commands
// share LEND_COMMANDS; pool provisioning, grants and shocks go through
// LEND_ADMIN so they can be permissioned separately.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "lend.commands.deposit", CommandType: event.CommandTypeDeposit, ConsumerName: "ledger-deposit", StreamName: StreamCommands},
		{Subject: "lend.commands.withdraw", CommandType: event.CommandTypeWithdraw, ConsumerName: "ledger-withdraw", StreamName: StreamCommands},
		{Subject: "lend.commands.borrow", CommandType: event.CommandTypeBorrow, ConsumerName: "ledger-borrow", StreamName: StreamCommands},
		{Subject: "lend.commands.repay", CommandType: event.CommandTypeRepay, ConsumerName: "ledger-repay", StreamName: StreamCommands},
		{Subject: "lend.commands.swap", CommandType: event.CommandTypeSwap, ConsumerName: "ledger-swap", StreamName: StreamCommands},
		{Subject: "lend.commands.liquidate", CommandType: event.CommandTypeLiquidate, ConsumerName: "ledger-liquidate", StreamName: StreamCommands},
		{Subject: "lend.commands.flash_liquidate", CommandType: event.CommandTypeFlashLiquidate, ConsumerName: "ledger-flash-liquidate", StreamName: StreamCommands},
		{Subject: "lend.commands.open_leverage", CommandType: event.CommandTypeOpenLeverage, ConsumerName: "ledger-open-leverage", StreamName: StreamCommands},
		{Subject: "lend.commands.close_leverage", CommandType: event.CommandTypeCloseLeverage, ConsumerName: "ledger-close-leverage", StreamName: StreamCommands},
		{Subject: "lend.admin.initialize_pool", CommandType: event.CommandTypeInitializePool, ConsumerName: "ledger-init-pool", StreamName: StreamAdmin},
		{Subject: "lend.admin.grant", CommandType: event.CommandTypeGrant, ConsumerName: "ledger-grant", StreamName: StreamAdmin},
		{Subject: "lend.admin.shock", CommandType: event.CommandTypeShock, ConsumerName: "ledger-shock", StreamName: StreamAdmin},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, commandChan chan<- RawCommand, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:          js,
		commandChan: commandChan,
		logger:      logger,
	}
}

// Subscribe creates a durable consumer per subject. Consumers use explicit
// ACK, max_deliver=5 and ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		commandType := cfg.CommandType.String()
		consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Subject:     msg.Subject(),
				CommandType: commandType,
				Data:        msg.Data(),
				ReceivedAt:  time.Now(),
				AckFunc:     func() { _ = msg.Ack() },
				NakFunc:     func() { _ = msg.Nak() },
				TermFunc:    func() { _ = msg.Term() },
			}

			select {
			case ns.commandChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumeCtx)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}
	return nil
}

// EnsureStreams creates the inbound streams if they don't exist. Streams
// use file storage, limits retention and a 72h max age.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      StreamCommands,
			Subjects:  []string{"lend.commands.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    streamMaxAge,
			Replicas:  1,
		},
		{
			Name:      StreamAdmin,
			Subjects:  []string{"lend.admin.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    streamMaxAge,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("lendledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
