package ingestion

import (
	"context"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/fault"
	"LendLedger/internal/observability"

	"github.com/rs/zerolog"
)

// CommandProcessor applies one command. *core.Engine implements it.
type CommandProcessor interface {
	Process(cmd event.Command) (*core.Outcome, error)
}

// Loop drains raw commands from the transports into the core, one at a
// time, and acknowledges each according to its outcome.
type Loop struct {
	processor CommandProcessor
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewLoop(processor CommandProcessor, metrics *observability.Metrics, logger zerolog.Logger) *Loop {
	return &Loop{processor: processor, metrics: metrics, logger: logger}
}

// Run blocks until ctx is cancelled or in is closed.
func (l *Loop) Run(ctx context.Context, in <-chan RawCommand) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			l.Handle(raw)
		}
	}
}

// Handle processes one raw command. Malformed payloads are terminated,
// domain rejections are acknowledged (redelivery would fail the same way)
// and anything else is negatively acknowledged for redelivery.
func (l *Loop) Handle(raw RawCommand) {
	cmd, err := ParseRawCommand(raw)
	if err != nil {
		l.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed command")
		l.count("malformed")
		call(raw.TermFunc)
		return
	}

	outcome, err := l.processor.Process(cmd)
	switch {
	case err == nil && outcome.Duplicate:
		l.count("duplicate")
		call(raw.AckFunc)
	case err == nil:
		l.logger.Debug().
			Str("command_type", raw.CommandType).
			Str("command_id", cmd.IdempotencyKey()).
			Int64("sequence", outcome.Sequence).
			Msg("command applied")
		l.count("applied")
		call(raw.AckFunc)
	case fault.IsDomain(err):
		l.logger.Info().
			Err(err).
			Str("command_type", raw.CommandType).
			Str("command_id", cmd.IdempotencyKey()).
			Str("kind", string(fault.KindOf(err))).
			Msg("command rejected")
		l.count("rejected")
		call(raw.AckFunc)
	default:
		l.logger.Error().
			Err(err).
			Str("command_type", raw.CommandType).
			Str("command_id", cmd.IdempotencyKey()).
			Msg("command failed")
		l.count("error")
		call(raw.NakFunc)
	}
}

func (l *Loop) count(result string) {
	if l.metrics != nil {
		l.metrics.IngestMessages.WithLabelValues("nats", result).Inc()
	}
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}
