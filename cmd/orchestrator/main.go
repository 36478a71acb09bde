// Command orchestrator runs the backtest orchestration pipeline and its
// operator commands.
//
// Usage:
//
//	orchestrator serve
//	orchestrator backfill -stock 005930 -days 365 [-offset 0]
//	orchestrator scan -stock 005930 [-months 3] [-reason manual]
//	orchestrator stop -id <job id>
//	orchestrator health
//	orchestrator reap
//
// Configuration comes from the environment and an optional .env file.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	orchestrator "github.com/jdziat/backtest-orchestrator"
	"github.com/jdziat/backtest-orchestrator/internal/config"
	"github.com/jdziat/backtest-orchestrator/internal/logger"
)

const usage = `usage: orchestrator <command> [flags]

commands:
  serve      run workers, scheduler and the HTTP surface
  backfill   create a backfill collection job
  scan       enqueue an AWO grid scan
  stop       stop a collection or verification job
  health     run one watchdog pass
  reap       run one stale-job reaper pass
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "orchestrator:", err)
		os.Exit(1)
	}
}

// run executes one command. opts are passed to orchestrator.New.
func run(ctx context.Context, args []string, out io.Writer, opts ...orchestrator.Option) error {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return errors.New("missing command")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	logger.SetGlobalLogger(log)

	cmd, rest := args[0], args[1:]
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(out)
	var (
		stock  = fs.String("stock", "", "entity identifier")
		days   = fs.Int("days", 0, "days to collect")
		offset = fs.Int("offset", 0, "days before today where the historical half starts")
		months = fs.Int("months", 0, "validation months (0 uses the default)")
		reason = fs.String("reason", "manual", "recorded reason")
		id     = fs.String("id", "", "job id")
	)
	if err := fs.Parse(rest); err != nil {
		return err
	}

	switch cmd {
	case "serve", "backfill", "scan", "stop", "health", "reap":
	default:
		fmt.Fprint(out, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}

	p, err := orchestrator.New(ctx, cfg, append([]orchestrator.Option{orchestrator.WithLogger(log)}, opts...)...)
	if err != nil {
		return err
	}
	defer p.Close()

	if cmd != "serve" && cfg.Broker == config.BrokerMemory {
		log.Warn().Str("command", cmd).Msg("in-memory broker: published messages are lost when this process exits")
	}

	switch cmd {
	case "serve":
		err := p.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case "backfill":
		jobID, err := p.Backfill(ctx, *stock, *days, *offset)
		if err != nil {
			return err
		}
		return printJSON(out, map[string]string{"job_id": jobID})
	case "scan":
		vJobID, err := p.Scan(ctx, *stock, *months, *reason)
		if err != nil {
			return err
		}
		return printJSON(out, map[string]string{"v_job_id": vJobID})
	case "stop":
		if *id == "" {
			return errors.New("stop: -id is required")
		}
		kind, err := p.Stop(ctx, *id)
		if err != nil {
			return err
		}
		return printJSON(out, map[string]string{"id": *id, "kind": kind})
	case "health":
		report, err := p.Health(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, report)
	default: // reap
		res, err := p.Reap(ctx)
		if err != nil {
			return err
		}
		log.Info().Int("requeued", res.Requeued).Int("failed", res.Failed).Msg("reap finished")
		return printJSON(out, res)
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
