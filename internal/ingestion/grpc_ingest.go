package ingestion

import (
	"context"
	"fmt"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/fault"
	"LendLedger/internal/observability"

	"github.com/google/uuid"
)

// GRPCIngestService applies commands submitted over the API synchronously
// and returns their outcome. Unlike queue producers, API callers may omit
// command_id; a fresh one is generated, so retries of such calls are not
// deduplicated.
type GRPCIngestService struct {
	processor CommandProcessor
	metrics   *observability.Metrics
	now       func() time.Time
}

func NewGRPCIngestService(processor CommandProcessor, metrics *observability.Metrics) *GRPCIngestService {
	return &GRPCIngestService{processor: processor, metrics: metrics, now: time.Now}
}

// Submit decodes payload as commandType and applies it.
func (s *GRPCIngestService) Submit(ctx context.Context, commandType string, payload []byte) (*core.Outcome, event.Command, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	ct := event.ParseCommandType(commandType)
	if ct == event.CommandTypeUnknown {
		s.count("malformed")
		return nil, nil, fmt.Errorf("unknown command type %q: %w", commandType, fault.ErrInvalidCommand)
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	cmd, err := event.Decode(ct, payload)
	if err != nil {
		s.count("malformed")
		return nil, nil, fmt.Errorf("%v: %w", err, fault.ErrInvalidCommand)
	}
	return s.Apply(ctx, cmd)
}

// Apply fills missing defaults on an already typed command and applies it.
func (s *GRPCIngestService) Apply(ctx context.Context, cmd event.Command) (*core.Outcome, event.Command, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if d, ok := cmd.(event.Defaultable); ok {
		d.FillDefaults(uuid.NewString(), s.now())
	}

	outcome, err := s.processor.Process(cmd)
	switch {
	case err != nil && fault.IsDomain(err):
		s.count("rejected")
	case err != nil:
		s.count("error")
	case outcome.Duplicate:
		s.count("duplicate")
	default:
		s.count("applied")
	}
	return outcome, cmd, err
}

func (s *GRPCIngestService) count(result string) {
	if s.metrics != nil {
		s.metrics.IngestMessages.WithLabelValues("grpc", result).Inc()
	}
}
