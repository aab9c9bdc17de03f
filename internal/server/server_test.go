package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"LendLedger/internal/core"
	"LendLedger/internal/fault"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/observability"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeSnapshots struct{ seq int64 }

func (f *fakeSnapshots) TakeSnapshot(context.Context) (int64, error) { return f.seq, nil }

func newDeps(t *testing.T, snaps SnapshotTaker) Deps {
	t.Helper()
	e, err := core.NewEngine(core.Options{}, nil, nil)
	require.NoError(t, err)
	return Deps{
		Ingest:    ingestion.NewGRPCIngestService(e, nil),
		Query:     query.NewQueryService(e, nil, projection.NewLiquidationHistory(0), nil),
		Snapshots: snaps,
		Logger:    zerolog.Nop(),
	}
}

// dial starts the server on an in-memory listener and returns a client.
func dial(t *testing.T, deps Deps) (*GRPCServer, *grpc.ClientConn) {
	t.Helper()
	srv := NewGRPCServer("", "", deps, observability.NewHealthChecker())
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
	})
	return srv, conn
}

func TestGRPC_SubmitAndQuery(t *testing.T) {
	_, conn := dial(t, newDeps(t, nil))
	client := NewClient(conn)
	ctx := context.Background()
	alice := uuid.NewString()

	resp, err := client.Submit(ctx, "InitializePool", map[string]string{"collateral": "1000000", "debt": "1000000000"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.Sequence)
	assert.Len(t, resp.StateHash, 64)
	assert.NotEmpty(t, resp.CommandID)

	for _, step := range []struct {
		commandType string
		payload     map[string]string
	}{
		{"Grant", map[string]string{"command_id": "g1", "account": alice, "asset": "ETH", "amount": "1"}},
		{"Deposit", map[string]string{"command_id": "d1", "account": alice, "amount": "1"}},
		{"Borrow", map[string]string{"command_id": "b1", "account": alice, "amount": "500"}},
	} {
		_, err := client.Submit(ctx, step.commandType, step.payload)
		require.NoError(t, err, step.commandType)
	}

	again, err := client.Submit(ctx, "Borrow", map[string]string{"command_id": "b1", "account": alice, "amount": "500"})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, int64(4), again.Sequence)

	pool, err := client.GetPool(ctx)
	require.NoError(t, err)
	assert.True(t, pool.Initialized)
	assert.Equal(t, "1000", pool.Price.String())

	pos, err := client.GetPosition(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "500", pos.Debt.String())
	require.NotNil(t, pos.CollateralRatio)
	assert.Equal(t, "200", pos.CollateralRatio.String())

	list, err := client.ListLiquidatable(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	report, err := client.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy)
}

func TestGRPC_ErrorCodes(t *testing.T) {
	_, conn := dial(t, newDeps(t, nil))
	client := NewClient(conn)
	ctx := context.Background()
	alice := uuid.NewString()

	_, err := client.Submit(ctx, "Borrow", map[string]string{"account": alice, "amount": "1"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	assert.Equal(t, fault.KindNotInitialized, ErrorKind(err))

	_, err = client.Submit(ctx, "InitializePool", map[string]string{"collateral": "1000000", "debt": "1000000000"})
	require.NoError(t, err)
	_, err = client.Submit(ctx, "Grant", map[string]string{"account": alice, "asset": "ETH", "amount": "1"})
	require.NoError(t, err)
	_, err = client.Submit(ctx, "Deposit", map[string]string{"account": alice, "amount": "1"})
	require.NoError(t, err)

	_, err = client.Submit(ctx, "Borrow", map[string]string{"account": alice, "amount": "900"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	assert.Equal(t, fault.KindUndercollateralized, ErrorKind(err))

	_, err = client.Submit(ctx, "Mint", map[string]string{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.GetPosition(ctx, "not-a-uuid")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Equal(t, fault.KindNone, ErrorKind(err))

	_, err = client.TakeSnapshot(ctx)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestGRPC_HealthAndSnapshot(t *testing.T) {
	srv, conn := dial(t, newDeps(t, &fakeSnapshots{seq: 7}))
	ctx := context.Background()
	health := healthpb.NewHealthClient(conn)

	resp, err := health.Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	srv.SetServing(true)
	resp, err = health.Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	seq, err := NewClient(conn).TakeSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), seq)
}

func TestHTTPGateway(t *testing.T) {
	checker := observability.NewHealthChecker()
	handler, err := NewHTTPHandler(NewLendingService(newDeps(t, nil)), checker)
	require.NoError(t, err)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := do("GET", "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	checker.SetReady(true)
	assert.Equal(t, http.StatusOK, do("GET", "/readyz", "").Code)
	assert.Equal(t, http.StatusOK, do("GET", "/healthz", "").Code)

	rec = do("POST", "/v1/commands/InitializePool", `{"collateral":"1000","debt":"1000000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var submitted SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	assert.Equal(t, int64(1), submitted.Sequence)

	rec = do("POST", "/v1/commands/InitializePool", `{"collateral":"1000","debt":"1000000"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "AlreadyInitialized")

	rec = do("GET", "/v1/pool", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var pool query.PoolResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pool))
	assert.Equal(t, "1000", pool.Price.String())

	assert.Equal(t, http.StatusBadRequest, do("GET", "/v1/positions/nope", "").Code)
	assert.Equal(t, http.StatusBadRequest, do("GET", "/v1/liquidatable?limit=x", "").Code)

	rec = do("GET", "/v1/positions/"+uuid.NewString()+"/liquidations?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var hist query.LiquidationHistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	assert.Empty(t, hist.Entries)

	// No database: journal history is unavailable.
	rec = do("GET", "/v1/positions/"+uuid.NewString()+"/journal", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	assert.Equal(t, http.StatusBadRequest, do("POST", "/v1/admin/rebuild-projections", "").Code)
}
