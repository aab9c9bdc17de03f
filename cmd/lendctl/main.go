// Command lendctl talks to a running lendledger over gRPC, or runs a
// liquidation walkthrough against an in-process engine.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/observability"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"
	"LendLedger/internal/server"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: lendctl [-addr host:port] [-timeout d] <command> [args]

Commands:
  pool                          show pool reserves and price
  position <account>            show a position and its risk figures
  liquidatable [limit]          list liquidatable positions
  history <account>             show liquidations an account took part in
  submit <CommandType> <json>   apply a command, e.g. submit Deposit '{"account":"...","amount":"1"}'
  verify                        run the integrity check
  snapshot                      take a snapshot now
  demo                          run a flash liquidation in-process`)
	flag.PrintDefaults()
}

func main() {
	addr := flag.String("addr", "localhost:9090", "lendledger gRPC address")
	timeout := flag.Duration("timeout", 10*time.Second, "per-call timeout")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	if args[0] == "demo" {
		if err := runDemo(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "demo: %v\n", err)
			os.Exit(1)
		}
		return
	}

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	resp, err := call(ctx, server.NewClient(conn), args)
	if err != nil {
		if kind := server.ErrorKind(err); kind != "" {
			fmt.Fprintf(os.Stderr, "%s\n", kind)
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", args[0], err)
		os.Exit(1)
	}
	printJSON(resp)
}

func call(ctx context.Context, c *server.Client, args []string) (any, error) {
	need := func(n int) error {
		if len(args) < n+1 {
			return fmt.Errorf("%s needs %d argument(s)", args[0], n)
		}
		return nil
	}

	switch args[0] {
	case "pool":
		return c.GetPool(ctx)
	case "position":
		if err := need(1); err != nil {
			return nil, err
		}
		return c.GetPosition(ctx, args[1])
	case "liquidatable":
		limit := 0
		if len(args) > 1 {
			if _, err := fmt.Sscanf(args[1], "%d", &limit); err != nil {
				return nil, fmt.Errorf("limit: %q is not an integer", args[1])
			}
		}
		return c.ListLiquidatable(ctx, limit)
	case "history":
		if err := need(1); err != nil {
			return nil, err
		}
		return c.GetLiquidationHistory(ctx, args[1], 0)
	case "submit":
		if err := need(2); err != nil {
			return nil, err
		}
		return c.Submit(ctx, args[1], json.RawMessage(args[2]))
	case "verify":
		return c.VerifyIntegrity(ctx)
	case "snapshot":
		seq, err := c.TakeSnapshot(ctx)
		return map[string]int64{"sequence": seq}, err
	default:
		return nil, fmt.Errorf("unknown command %q", args[0])
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// runDemo opens a position near the collateral limit, shocks the price and
// flash-liquidates it, printing the position and pool at each step.
func runDemo(w io.Writer) error {
	history := projection.NewLiquidationHistory(0)
	outs := make(chan core.CoreOutput, 16)
	engine, err := core.NewEngine(core.Options{ShockEnabled: true, Logger: zerolog.Nop()}, nil, outs)
	if err != nil {
		return err
	}
	qs := query.NewQueryService(engine, nil, history, nil)
	worker := projection.NewProjectionWorker(nil, history, outs, nil, observability.NewLogger("lendctl"))

	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	step := 0
	apply := func(label string, cmd event.Command) error {
		step++
		if d, ok := cmd.(event.Defaultable); ok {
			d.FillDefaults(fmt.Sprintf("demo-%d", step), time.Now().UTC())
		}
		outcome, err := engine.Process(cmd)
		if err != nil {
			return fmt.Errorf("%s: %w", label, err)
		}
		if err := worker.Apply(ctx, <-outs); err != nil {
			return err
		}
		fmt.Fprintf(w, "#%d %s\n", outcome.Sequence, label)
		return nil
	}
	show := func() error {
		pool, err := qs.GetPool(ctx)
		if err != nil {
			return err
		}
		pos, err := qs.GetPosition(ctx, alice)
		if err != nil {
			return err
		}
		ratio := "-"
		if pos.CollateralRatio != nil {
			ratio = pos.CollateralRatio.StringFixed(2) + "%"
		}
		fmt.Fprintf(w, "    price %s  alice collateral %s debt %s ratio %s liquidatable %v\n",
			pool.Price.StringFixed(4), pos.Collateral, pos.Debt, ratio, pos.Liquidatable)
		return nil
	}

	d := decimal.RequireFromString
	steps := []struct {
		label string
		cmd   event.Command
	}{
		{"initialize pool 1,000,000 ETH / 1,000,000,000 CORN", &event.InitializePool{Collateral: d("1000000"), Debt: d("1000000000")}},
		{"grant alice 1 ETH", &event.Grant{Account: alice, Asset: "ETH", Amount: d("1")}},
		{"alice deposits 1 ETH", &event.Deposit{Account: alice, Amount: d("1")}},
		{"alice borrows 833 CORN", &event.Borrow{Account: alice, Amount: d("833")}},
		{"shock: 1000 ETH sold into the pool", &event.Shock{Direction: "collateral_to_debt", Amount: d("1000")}},
		{"bob flash-liquidates alice", &event.FlashLiquidate{Caller: bob, Target: alice}},
	}
	for _, s := range steps {
		if err := apply(s.label, s.cmd); err != nil {
			return err
		}
		if err := show(); err != nil {
			return err
		}
	}

	hist, err := qs.GetLiquidationHistory(ctx, bob, 0, nil)
	if err != nil {
		return err
	}
	for _, e := range hist.Entries {
		fmt.Fprintf(w, "liquidation #%d %s: seized %s ETH, repaid %s CORN\n", e.Sequence, e.Mode, e.CollateralSeized, e.DebtRepaid)
	}
	pos, err := qs.GetPosition(ctx, bob)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "bob keeps %s ETH\n", pos.WalletCollateral)
	return nil
}
