package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"solana-flowwatch/internal/config"
	"solana-flowwatch/internal/ratelimit"
	"solana-flowwatch/internal/solana"
	"solana-flowwatch/internal/tracer"
)

func main() {
	configPath := flag.String("config", "", "Optional YAML config file")
	direction := flag.String("direction", "forward", "Trace direction: forward or backward")
	address := flag.String("address", "", "Root (forward) or target (backward) address")
	minSOL := flag.String("min", "0.1", "Minimum transfer amount in SOL")
	maxSOL := flag.String("max", "1000", "Maximum transfer amount in SOL")
	maxDepth := flag.Int("depth", 3, "Maximum traversal depth")
	exportDir := flag.String("export-dir", "", "Export directory (default EXPORT_DIR)")
	noExport := flag.Bool("no-export", false, "Print results without writing an export file")
	skipPrograms := flag.Bool("skip-programs", false, "Do not expand off-curve program accounts")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid config")
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid log config")
	}

	if *address == "" {
		logger.Fatal("--address is required")
	}
	rng, err := parseRange(*minSOL, *maxSOL)
	if err != nil {
		logger.WithError(err).Fatal("Invalid amount range")
	}
	if *exportDir == "" {
		*exportDir = cfg.Trace.ExportDir
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	window, err := ratelimit.NewWindow(cfg.RateWindow(), cfg.RPC.RateMaxRequests)
	if err != nil {
		logger.WithError(err).Fatal("Invalid rate window")
	}
	rpc := solana.NewHTTPClient(cfg.RPC.Endpoint,
		solana.WithWindow(window),
		solana.WithRetries(cfg.RPC.Retries),
		solana.WithRateLimitExempt(cfg.RPC.RateLimitExempt),
		solana.WithTimeout(time.Duration(cfg.RPC.TimeoutMS)*time.Millisecond),
		solana.WithLogger(logger),
	)

	tr := tracer.New(rpc, tracer.Options{
		PageSize:            cfg.Trace.PageSize,
		SkipProgramAccounts: *skipPrograms || cfg.Trace.SkipProgramAccounts,
		Logger:              logger,
	})

	var export *tracer.Export
	switch tracer.Direction(*direction) {
	case tracer.Forward:
		res, err := tr.TraceForward(ctx, *address, rng, *maxDepth)
		if err != nil {
			logger.WithError(err).Fatal("Trace failed")
		}
		tracer.RenderTree(os.Stdout, res)
		export = tr.ForwardExport(res, time.Now())

	case tracer.Backward:
		res, err := tr.TraceBackward(ctx, *address, rng, *maxDepth)
		if err != nil {
			logger.WithError(err).Fatal("Trace failed")
		}
		tracer.RenderChains(os.Stdout, res)
		export = tr.BackwardExport(res, time.Now())

	default:
		logger.Fatalf("Unknown direction: %s", *direction)
	}

	printStats(export.Stats)

	if *noExport {
		return
	}
	path, err := tracer.WriteExport(*exportDir, export)
	if err != nil {
		logger.WithError(err).Fatal("Export failed")
	}
	logger.WithField("path", path).Info("Export written")
}

func parseRange(min, max string) (tracer.Range, error) {
	lo, err := decimal.NewFromString(min)
	if err != nil {
		return tracer.Range{}, fmt.Errorf("--min: %w", err)
	}
	hi, err := decimal.NewFromString(max)
	if err != nil {
		return tracer.Range{}, fmt.Errorf("--max: %w", err)
	}
	r := tracer.Range{Min: lo, Max: hi}
	return r, r.Validate()
}

func printStats(s tracer.Stats) {
	fmt.Printf("\nNodes: %d  Addresses: %d  Total: %s SOL  Max depth: %d\n",
		s.Nodes, s.UniqueAddresses, s.TotalAmount.String(), s.MaxDepth)
	if s.Oldest > 0 {
		fmt.Printf("Oldest: %s  Newest: %s\n",
			time.Unix(s.Oldest, 0).UTC().Format(time.RFC3339),
			time.Unix(s.Newest, 0).UTC().Format(time.RFC3339))
	}
	if s.ProgramAccounts > 0 || s.NodeErrors > 0 {
		fmt.Printf("Program accounts: %d  Node errors: %d\n", s.ProgramAccounts, s.NodeErrors)
	}
}
