package server

import (
	"context"
	"encoding/hex"
	"encoding/json"

	"LendLedger/internal/ingestion"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const serviceName = "lendledger.v1.Lending"

// SnapshotTaker saves an engine snapshot on demand.
type SnapshotTaker interface {
	TakeSnapshot(ctx context.Context) (int64, error)
}

type SubmitRequest struct {
	CommandType string          `json:"command_type"`
	Payload     json.RawMessage `json:"payload"`
}

type SubmitResponse struct {
	CommandID string `json:"command_id"`
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
	Duplicate bool   `json:"duplicate"`
	Result    any    `json:"result,omitempty"`
}

type GetPoolRequest struct{}

type GetPositionRequest struct {
	Account string `json:"account"`
}

type ListLiquidatableRequest struct {
	Limit int `json:"limit"`
}

type ListLiquidatableResponse struct {
	Positions []query.PositionResponse `json:"positions"`
}

type HistoryRequest struct {
	Account        string `json:"account"`
	Limit          int    `json:"limit"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
}

type JournalHistoryResponse struct {
	Entries []query.JournalHistoryEntry `json:"entries"`
}

type VerifyIntegrityRequest struct{}

type RebuildProjectionsRequest struct{}

type RebuildProjectionsResponse struct {
	Rebuilt bool `json:"rebuilt"`
}

type TakeSnapshotRequest struct{}

type TakeSnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

// Deps holds what the lending service needs. DB and Snapshots may be nil;
// the admin calls that need them then fail with FailedPrecondition.
type Deps struct {
	Ingest    *ingestion.GRPCIngestService
	Query     *query.QueryService
	Snapshots SnapshotTaker
	DB        *sqlx.DB
	Logger    zerolog.Logger
}

// LendingService implements the API once; the gRPC handlers and the HTTP
// gateway both call into it.
type LendingService struct {
	deps Deps
}

func NewLendingService(deps Deps) *LendingService {
	return &LendingService{deps: deps}
}

func (s *LendingService) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	if req.CommandType == "" {
		return nil, status.Error(codes.InvalidArgument, "command_type is required")
	}
	outcome, cmd, err := s.deps.Ingest.Submit(ctx, req.CommandType, req.Payload)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SubmitResponse{
		CommandID: cmd.IdempotencyKey(),
		Sequence:  outcome.Sequence,
		StateHash: hex.EncodeToString(outcome.StateHash[:]),
		Duplicate: outcome.Duplicate,
		Result:    outcome.Result,
	}, nil
}

func (s *LendingService) GetPool(ctx context.Context, _ *GetPoolRequest) (*query.PoolResponse, error) {
	resp, err := s.deps.Query.GetPool(ctx)
	return resp, toStatus(err)
}

func (s *LendingService) GetPosition(ctx context.Context, req *GetPositionRequest) (*query.PositionResponse, error) {
	account, err := parseAccount(req.Account)
	if err != nil {
		return nil, err
	}
	resp, err := s.deps.Query.GetPosition(ctx, account)
	return resp, toStatus(err)
}

func (s *LendingService) ListLiquidatable(ctx context.Context, req *ListLiquidatableRequest) (*ListLiquidatableResponse, error) {
	positions, err := s.deps.Query.ListLiquidatable(ctx, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	if positions == nil {
		positions = []query.PositionResponse{}
	}
	return &ListLiquidatableResponse{Positions: positions}, nil
}

func (s *LendingService) GetLiquidationHistory(ctx context.Context, req *HistoryRequest) (*query.LiquidationHistoryResponse, error) {
	account, err := parseAccount(req.Account)
	if err != nil {
		return nil, err
	}
	resp, err := s.deps.Query.GetLiquidationHistory(ctx, account, req.Limit, req.BeforeSequence)
	return resp, toStatus(err)
}

func (s *LendingService) GetJournalHistory(ctx context.Context, req *HistoryRequest) (*JournalHistoryResponse, error) {
	account, err := parseAccount(req.Account)
	if err != nil {
		return nil, err
	}
	entries, err := s.deps.Query.GetJournalHistory(ctx, account, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	if entries == nil {
		entries = []query.JournalHistoryEntry{}
	}
	return &JournalHistoryResponse{Entries: entries}, nil
}

func (s *LendingService) VerifyIntegrity(ctx context.Context, _ *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	report, err := s.deps.Query.VerifyIntegrity(ctx)
	return report, toStatus(err)
}

func (s *LendingService) RebuildProjections(ctx context.Context, _ *RebuildProjectionsRequest) (*RebuildProjectionsResponse, error) {
	if s.deps.DB == nil {
		return nil, status.Error(codes.FailedPrecondition, "projections are not persisted")
	}
	if err := projection.RebuildProjections(ctx, s.deps.DB, s.deps.Logger); err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	return &RebuildProjectionsResponse{Rebuilt: true}, nil
}

func (s *LendingService) TakeSnapshot(ctx context.Context, _ *TakeSnapshotRequest) (*TakeSnapshotResponse, error) {
	if s.deps.Snapshots == nil {
		return nil, status.Error(codes.FailedPrecondition, "snapshots are disabled")
	}
	seq, err := s.deps.Snapshots.TakeSnapshot(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "snapshot failed: %v", err)
	}
	return &TakeSnapshotResponse{Sequence: seq}, nil
}

func parseAccount(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, status.Error(codes.InvalidArgument, "account is required")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid account: %v", err)
	}
	return id, nil
}

// lendingServer is the handler type checked by grpc.Server.RegisterService.
type lendingServer interface {
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	GetPool(context.Context, *GetPoolRequest) (*query.PoolResponse, error)
	GetPosition(context.Context, *GetPositionRequest) (*query.PositionResponse, error)
	ListLiquidatable(context.Context, *ListLiquidatableRequest) (*ListLiquidatableResponse, error)
	GetLiquidationHistory(context.Context, *HistoryRequest) (*query.LiquidationHistoryResponse, error)
	GetJournalHistory(context.Context, *HistoryRequest) (*JournalHistoryResponse, error)
	VerifyIntegrity(context.Context, *VerifyIntegrityRequest) (*query.IntegrityReport, error)
	RebuildProjections(context.Context, *RebuildProjectionsRequest) (*RebuildProjectionsResponse, error)
	TakeSnapshot(context.Context, *TakeSnapshotRequest) (*TakeSnapshotResponse, error)
}

var lendingServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*lendingServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", lendingServer.Submit),
		unary("GetPool", lendingServer.GetPool),
		unary("GetPosition", lendingServer.GetPosition),
		unary("ListLiquidatable", lendingServer.ListLiquidatable),
		unary("GetLiquidationHistory", lendingServer.GetLiquidationHistory),
		unary("GetJournalHistory", lendingServer.GetJournalHistory),
		unary("VerifyIntegrity", lendingServer.VerifyIntegrity),
		unary("RebuildProjections", lendingServer.RebuildProjections),
		unary("TakeSnapshot", lendingServer.TakeSnapshot),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lendledger/v1/lending.json",
}

// unary builds the method descriptor for one lendingServer method, in the
// shape protoc-gen-go-grpc generates.
func unary[Req, Resp any](name string, fn func(lendingServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + serviceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", name, err)
			}
			handler := func(ctx context.Context, r any) (any, error) {
				return fn(srv.(lendingServer), ctx, r.(*Req))
			}
			if interceptor == nil {
				return handler(ctx, req)
			}
			return interceptor(ctx, req, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, handler)
		},
	}
}

// loggingInterceptor logs every call; failed calls with a server-side code
// are logged at warn.
func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		code := status.Code(err)
		ev := logger.Debug()
		if code == codes.Internal || code == codes.Unknown {
			ev = logger.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).Str("code", code.String()).Msg("grpc call")
		return resp, err
	}
}
