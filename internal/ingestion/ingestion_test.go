package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/fault"
	"LendLedger/internal/ingestion"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProcessor struct {
	outcome *core.Outcome
	err     error
	got     []event.Command
}

func (s *stubProcessor) Process(cmd event.Command) (*core.Outcome, error) {
	s.got = append(s.got, cmd)
	return s.outcome, s.err
}

type acks struct{ ack, nak, term int }

func trackedRaw(t *testing.T, a *acks, commandType string, v interface{}) ingestion.RawCommand {
	raw := rawFromJSON(t, commandType, v)
	raw.AckFunc = func() { a.ack++ }
	raw.NakFunc = func() { a.nak++ }
	raw.TermFunc = func() { a.term++ }
	return raw
}

func depositPayload(id string) map[string]interface{} {
	return map[string]interface{}{
		"command_id": id,
		"account":    uuid.NewString(),
		"amount":     "1",
	}
}

func TestLoopHandle_Acknowledgement(t *testing.T) {
	tests := []struct {
		name    string
		proc    *stubProcessor
		payload map[string]interface{}
		want    acks
	}{
		{"applied", &stubProcessor{outcome: &core.Outcome{Sequence: 1}}, depositPayload("a"), acks{ack: 1}},
		{"duplicate", &stubProcessor{outcome: &core.Outcome{Duplicate: true}}, depositPayload("b"), acks{ack: 1}},
		{"domain rejection", &stubProcessor{err: fmt.Errorf("deposit: %w", fault.ErrInsufficientBalance)}, depositPayload("c"), acks{ack: 1}},
		{"internal failure", &stubProcessor{err: errors.New("disk on fire")}, depositPayload("d"), acks{nak: 1}},
		{"malformed", &stubProcessor{}, map[string]interface{}{"amount": "1"}, acks{term: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got acks
			loop := ingestion.NewLoop(tt.proc, nil, zerolog.Nop())
			loop.Handle(trackedRaw(t, &got, "Deposit", tt.payload))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoopRun_StopsOnClose(t *testing.T) {
	proc := &stubProcessor{outcome: &core.Outcome{Sequence: 1}}
	in := make(chan ingestion.RawCommand, 2)
	var a acks
	in <- trackedRaw(t, &a, "Deposit", depositPayload("x"))
	in <- trackedRaw(t, &a, "Deposit", depositPayload("y"))
	close(in)

	require.NoError(t, ingestion.NewLoop(proc, nil, zerolog.Nop()).Run(context.Background(), in))
	assert.Len(t, proc.got, 2)
	assert.Equal(t, 2, a.ack)
}

type fakeJetStream struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakeJetStream) Publish(_ context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, payload)
	return &jetstream.PubAck{Stream: ingestion.StreamLedgerEvents}, f.err
}

func newEngine(t *testing.T, out chan core.CoreOutput) *core.Engine {
	t.Helper()
	e, err := core.NewEngine(core.Options{}, nil, out)
	require.NoError(t, err)
	return e
}

func TestOutboundPublisher(t *testing.T) {
	out := make(chan core.CoreOutput, 4)
	e := newEngine(t, out)
	svc := ingestion.NewGRPCIngestService(e, nil)
	ctx := context.Background()

	_, _, err := svc.Apply(ctx, &event.InitializePool{Collateral: decimal.NewFromInt(1000), Debt: decimal.NewFromInt(1_000_000)})
	require.NoError(t, err)
	account := uuid.New()
	_, _, err = svc.Apply(ctx, &event.Grant{Account: account, Asset: "CORN", Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)
	close(out)

	js := &fakeJetStream{}
	pub := ingestion.NewOutboundPublisher(js, out, nil, zerolog.Nop())
	require.NoError(t, pub.Run(ctx))

	require.Equal(t, []string{
		"lend.ledger.events.InitializePool",
		"lend.ledger.events.Grant." + account.String(),
	}, js.subjects)

	var evt ingestion.PublishableEvent
	require.NoError(t, json.Unmarshal(js.payloads[0], &evt))
	assert.Equal(t, int64(1), evt.Sequence)
	assert.Equal(t, "1000", evt.Pool.Collateral)
	assert.Equal(t, "1000000", evt.Pool.Debt)
	assert.Len(t, evt.StateHash, 64)
}

func TestGRPCIngest_Submit(t *testing.T) {
	e := newEngine(t, nil)
	svc := ingestion.NewGRPCIngestService(e, nil)
	ctx := context.Background()

	outcome, cmd, err := svc.Submit(ctx, "InitializePool", []byte(`{"collateral":"1000","debt":"1000000"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), outcome.Sequence)
	assert.NotEmpty(t, cmd.IdempotencyKey(), "a command id is generated")
	assert.False(t, cmd.OccurredAt().IsZero())

	// Same explicit id twice: second is a duplicate.
	payload := []byte(`{"command_id":"grant-1","account":"` + uuid.NewString() + `","asset":"ETH","amount":"1"}`)
	_, _, err = svc.Submit(ctx, "Grant", payload)
	require.NoError(t, err)
	outcome, _, err = svc.Submit(ctx, "Grant", payload)
	require.NoError(t, err)
	assert.True(t, outcome.Duplicate)

	_, _, err = svc.Submit(ctx, "Mint", nil)
	assert.ErrorIs(t, err, fault.ErrInvalidCommand)

	_, _, err = svc.Submit(ctx, "InitializePool", []byte(`{"collateral":"1","debt":"1"}`))
	assert.ErrorIs(t, err, fault.ErrAlreadyInitialized)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, _, err = svc.Submit(cancelled, "Grant", payload)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPublishableEvent_Timestamp(t *testing.T) {
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	out := make(chan core.CoreOutput, 1)
	e := newEngine(t, out)
	_, err := e.Process(&event.InitializePool{
		Meta:       event.Meta{CommandID: "init", Timestamp: at},
		Collateral: decimal.NewFromInt(10),
		Debt:       decimal.NewFromInt(10),
	})
	require.NoError(t, err)

	evt := ingestion.NewPublishableEvent(<-out)
	assert.Equal(t, at, evt.Timestamp)
	assert.Equal(t, "init", evt.CommandID)
	assert.Nil(t, evt.AccountID)
	assert.Equal(t, "lend.ledger.events.InitializePool", evt.Subject())
}
