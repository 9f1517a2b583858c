package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver
	"github.com/lightningnetwork/lnd/clock"

	"github.com/hounfour/finn/internal/billing"
	"github.com/hounfour/finn/internal/ledger"
	"github.com/hounfour/finn/internal/wal"
)

const version = "1.0.0"

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "replay":
		cmdReplay(os.Args[2:])
	case "balances":
		cmdBalances()
	case "entries":
		cmdEntries()
	case "dlq":
		cmdDLQ()
	case "verify":
		cmdVerify(os.Args[2:])
	case "version":
		fmt.Printf("finnctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Finn ledger CLI v` + version + `

Usage: finnctl <command> [args]

Commands:
  replay [stream]   Print every event log record (default stream: billing)
  balances          Rebuild the ledger and print per-account buckets
  entries           Rebuild billing state and print non-terminal entries
  dlq               List dead-lettered finalize jobs
  verify [stream]   Print the integrity root over a stream
  version           Print version
  help              Show this help

Environment:
  FINN_POSTGRES_DSN   Event log database (required)

All commands are read-only; writes go through the elected gateway.`)
}

// openLog connects to the durable event log. finnctl has no in-memory
// fallback; without the database there is nothing to inspect.
func openLog(ctx context.Context) wal.Log {
	dsn := os.Getenv("FINN_POSTGRES_DSN")
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "FINN_POSTGRES_DSN is not set")
		os.Exit(1)
	}
	db, err := sql.Open("postgres", dsn)
	if err == nil {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "database unreachable: %v\n", err)
		os.Exit(1)
	}
	lg, err := wal.NewPostgresLog(ctx, db, clock.NewDefaultClock())
	if err != nil {
		fmt.Fprintf(os.Stderr, "event log init failed: %v\n", err)
		os.Exit(1)
	}
	return lg
}

func cmdReplay(args []string) {
	stream := ledger.StreamBilling
	if len(args) > 0 {
		stream = args[0]
	}
	ctx := context.Background()
	lg := openLog(ctx)
	defer lg.Close()

	count := 0
	err := lg.Replay(ctx, stream, nil, func(rec wal.Record) error {
		count++
		fmt.Printf("%6d  %-28s  %s  corr=%s\n",
			rec.Sequence, rec.EventType, rec.Timestamp.Format(time.RFC3339), rec.CorrelationID)
		fmt.Printf("        %s\n", rec.Payload)
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%d records in stream %q\n", count, stream)
}

func cmdBalances() {
	ctx := context.Background()
	lg := openLog(ctx)
	defer lg.Close()

	led := ledger.New(lg, clock.NewDefaultClock())
	if err := led.Rebuild(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "rebuild failed: %v\n", err)
		os.Exit(1)
	}

	accounts := led.Accounts()
	fmt.Printf("%-44s %12s %12s %12s %12s %12s %8s\n",
		"ACCOUNT", "ALLOCATED", "UNLOCKED", "RESERVED", "CONSUMED", "EXPIRED", "FROZEN")
	for _, a := range accounts {
		b := a.Balances
		fmt.Printf("%-44s %12d %12d %12d %12d %12d %8d\n",
			a.ID, b.Allocated, b.Unlocked, b.Reserved, b.Consumed, b.Expired, a.Frozen)
	}
	fmt.Printf("%d accounts\n", len(accounts))
}

func cmdEntries() {
	ctx := context.Background()
	lg := openLog(ctx)
	defer lg.Close()

	clk := clock.NewDefaultClock()
	led := ledger.New(lg, clk)
	if err := led.Rebuild(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "rebuild failed: %v\n", err)
		os.Exit(1)
	}
	machine := billing.NewStateMachine(lg, led, nil, clk)
	if err := machine.Rebuild(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "billing rebuild failed: %v\n", err)
		os.Exit(1)
	}

	open := 0
	for _, e := range machine.Entries() {
		if e.State.Terminal() {
			continue
		}
		open++
		actual := uint64(0)
		if e.ActualCost != nil {
			actual = *e.ActualCost
		}
		fmt.Printf("%-36s  %-18s  account=%s  estimated=%d  actual=%d  corr=%s\n",
			e.ID, e.State, e.AccountID, e.EstimatedCost, actual, e.CorrelationID)
	}
	fmt.Printf("%d open entries\n", open)
}

func cmdDLQ() {
	ctx := context.Background()
	lg := openLog(ctx)
	defer lg.Close()

	count := 0
	err := lg.Replay(ctx, billing.StreamDeadLetter, nil, func(rec wal.Record) error {
		var job billing.FinalizeJob
		if err := json.Unmarshal(rec.Payload, &job); err != nil {
			fmt.Printf("%6d  (unreadable payload) corr=%s\n", rec.Sequence, rec.CorrelationID)
			return nil
		}
		count++
		fmt.Printf("%6d  entry=%s  account=%s  amount=%d  attempts=%d  parked=%s\n",
			rec.Sequence, job.EntryID, job.AccountID, job.Amount, job.Attempt,
			rec.Timestamp.Format(time.RFC3339))
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "dead-letter replay failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%d dead-lettered jobs\n", count)
}

func cmdVerify(args []string) {
	stream := ledger.StreamBilling
	if len(args) > 0 {
		stream = args[0]
	}
	ctx := context.Background()
	lg := openLog(ctx)
	defer lg.Close()

	root, n, err := wal.StreamRoot(ctx, lg, stream)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("stream=%s records=%d root=%s\n", stream, n, root)
}
