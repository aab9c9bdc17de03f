package server

import (
	"context"
	"encoding/json"
	"strings"

	"LendLedger/internal/fault"
	"LendLedger/internal/query"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Client calls the lending service over a gRPC connection using the JSON
// codec.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	return c.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, resp, grpc.CallContentSubtype(codecName))
}

// Submit applies a command; payload is the command's JSON body.
func (c *Client) Submit(ctx context.Context, commandType string, payload any) (*SubmitResponse, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	resp := &SubmitResponse{}
	if err := c.invoke(ctx, "Submit", &SubmitRequest{CommandType: commandType, Payload: raw}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) GetPool(ctx context.Context) (*query.PoolResponse, error) {
	resp := &query.PoolResponse{}
	if err := c.invoke(ctx, "GetPool", &GetPoolRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) GetPosition(ctx context.Context, account string) (*query.PositionResponse, error) {
	resp := &query.PositionResponse{}
	if err := c.invoke(ctx, "GetPosition", &GetPositionRequest{Account: account}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) ListLiquidatable(ctx context.Context, limit int) ([]query.PositionResponse, error) {
	resp := &ListLiquidatableResponse{}
	if err := c.invoke(ctx, "ListLiquidatable", &ListLiquidatableRequest{Limit: limit}, resp); err != nil {
		return nil, err
	}
	return resp.Positions, nil
}

func (c *Client) GetLiquidationHistory(ctx context.Context, account string, limit int) (*query.LiquidationHistoryResponse, error) {
	resp := &query.LiquidationHistoryResponse{}
	if err := c.invoke(ctx, "GetLiquidationHistory", &HistoryRequest{Account: account, Limit: limit}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error) {
	resp := &query.IntegrityReport{}
	if err := c.invoke(ctx, "VerifyIntegrity", &VerifyIntegrityRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) TakeSnapshot(ctx context.Context) (int64, error) {
	resp := &TakeSnapshotResponse{}
	if err := c.invoke(ctx, "TakeSnapshot", &TakeSnapshotRequest{}, resp); err != nil {
		return 0, err
	}
	return resp.Sequence, nil
}

// ErrorKind returns the lending error kind carried by a status error
// returned from the service, or fault.KindNone.
func ErrorKind(err error) fault.Kind {
	st, ok := status.FromError(err)
	if !ok || err == nil {
		return fault.KindNone
	}
	prefix, _, found := strings.Cut(st.Message(), ":")
	if !found || strings.ContainsAny(prefix, " ") {
		return fault.KindNone
	}
	return fault.Kind(prefix)
}
