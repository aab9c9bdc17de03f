package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"LendLedger/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxBodyBytes = 1 << 20

// NewHTTPHandler returns the HTTP/JSON surface of the lending API plus
// /healthz and /readyz. Routes call the service in-process; errors are
// written by the gateway's error handler with the status mapped by
// runtime.HTTPStatusFromCode.
func NewHTTPHandler(svc *LendingService, healthChecker *observability.HealthChecker) (http.Handler, error) {
	mux := runtime.NewServeMux()
	gw := &gateway{mux: mux, svc: svc}

	routes := []struct {
		method, path string
		h            runtime.HandlerFunc
	}{
		{"POST", "/v1/commands/{command_type}", gw.submit},
		{"GET", "/v1/pool", gw.pool},
		{"GET", "/v1/positions/{account}", gw.position},
		{"GET", "/v1/positions/{account}/liquidations", gw.liquidationHistory},
		{"GET", "/v1/positions/{account}/journal", gw.journalHistory},
		{"GET", "/v1/liquidatable", gw.liquidatable},
		{"POST", "/v1/admin/verify-integrity", gw.verifyIntegrity},
		{"POST", "/v1/admin/rebuild-projections", gw.rebuildProjections},
		{"POST", "/v1/admin/snapshot", gw.snapshot},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.path, rt.h); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.path, err)
		}
	}

	httpMux := http.NewServeMux()
	if healthChecker != nil {
		httpMux.HandleFunc("/healthz", healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

type gateway struct {
	mux *runtime.ServeMux
	svc *LendingService
}

func (g *gateway) reply(w http.ResponseWriter, r *http.Request, resp any, err error) {
	if err != nil {
		_, outbound := runtime.MarshalerForRequest(g.mux, r)
		runtime.HTTPError(r.Context(), g.mux, outbound, w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func (g *gateway) submit(w http.ResponseWriter, r *http.Request, params map[string]string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		g.reply(w, r, nil, status.Errorf(codes.InvalidArgument, "read body: %v", err))
		return
	}
	resp, err := g.svc.Submit(r.Context(), &SubmitRequest{CommandType: params["command_type"], Payload: body})
	g.reply(w, r, resp, err)
}

func (g *gateway) pool(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := g.svc.GetPool(r.Context(), &GetPoolRequest{})
	g.reply(w, r, resp, err)
}

func (g *gateway) position(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := g.svc.GetPosition(r.Context(), &GetPositionRequest{Account: params["account"]})
	g.reply(w, r, resp, err)
}

func (g *gateway) liquidatable(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	limit, err := intParam(r, "limit")
	if err != nil {
		g.reply(w, r, nil, err)
		return
	}
	resp, err := g.svc.ListLiquidatable(r.Context(), &ListLiquidatableRequest{Limit: limit})
	g.reply(w, r, resp, err)
}

func (g *gateway) liquidationHistory(w http.ResponseWriter, r *http.Request, params map[string]string) {
	g.history(w, r, params, func(ctx context.Context, req *HistoryRequest) (any, error) {
		return g.svc.GetLiquidationHistory(ctx, req)
	})
}

func (g *gateway) journalHistory(w http.ResponseWriter, r *http.Request, params map[string]string) {
	g.history(w, r, params, func(ctx context.Context, req *HistoryRequest) (any, error) {
		return g.svc.GetJournalHistory(ctx, req)
	})
}

// history parses ?limit=&before= for the paged history routes.
func (g *gateway) history(w http.ResponseWriter, r *http.Request, params map[string]string, call func(context.Context, *HistoryRequest) (any, error)) {
	req := &HistoryRequest{Account: params["account"]}
	var err error
	if req.Limit, err = intParam(r, "limit"); err != nil {
		g.reply(w, r, nil, err)
		return
	}
	if v := r.URL.Query().Get("before"); v != "" {
		before, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			g.reply(w, r, nil, status.Errorf(codes.InvalidArgument, "invalid before: %v", err))
			return
		}
		req.BeforeSequence = &before
	}
	resp, err := call(r.Context(), req)
	g.reply(w, r, resp, err)
}

func (g *gateway) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := g.svc.VerifyIntegrity(r.Context(), &VerifyIntegrityRequest{})
	g.reply(w, r, resp, err)
}

func (g *gateway) rebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := g.svc.RebuildProjections(r.Context(), &RebuildProjectionsRequest{})
	g.reply(w, r, resp, err)
}

func (g *gateway) snapshot(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := g.svc.TakeSnapshot(r.Context(), &TakeSnapshotRequest{})
	g.reply(w, r, resp, err)
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid %s: %v", name, err)
	}
	return n, nil
}
