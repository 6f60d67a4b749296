// Command jobsctl triggers and inspects Spicemill background jobs.
//
//	jobsctl trigger ledger:reconcile [-material 12]
//	jobsctl stats
//	jobsctl scheduled [-n 20]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spicemill/spicemill/internal/app"
)

var now = time.Now

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: jobsctl trigger|stats|scheduled")
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	cli := newJobsCLI(cfg.RedisAddr)
	defer cli.Close() //nolint:errcheck

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	switch args[0] {
	case "trigger":
		fs := flag.NewFlagSet("trigger", flag.ContinueOnError)
		material := fs.Int64("material", 0, "material id for ledger:reconcile (0 = all)")
		if len(args) < 2 {
			return fmt.Errorf("usage: jobsctl trigger <task> [-material id]")
		}
		if err := fs.Parse(args[2:]); err != nil {
			return err
		}
		info, err := cli.Trigger(ctx, args[1], *material)
		if err != nil {
			return err
		}
		return enc.Encode(map[string]string{"id": info.ID, "type": info.Type, "queue": info.Queue})
	case "stats":
		stats, err := cli.Stats()
		if err != nil {
			return err
		}
		return enc.Encode(stats)
	case "scheduled":
		fs := flag.NewFlagSet("scheduled", flag.ContinueOnError)
		size := fs.Int("n", 10, "page size")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		tasks, err := cli.Scheduled(*size)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if err := enc.Encode(map[string]any{"id": t.ID, "type": t.Type, "next_process_at": t.NextProcessAt}); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("jobsctl: unknown command %q", args[0])
}
