package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"solana-flowwatch/internal/config"
	"solana-flowwatch/internal/discovery"
	"solana-flowwatch/internal/dispatcher"
	"solana-flowwatch/internal/executor"
	"solana-flowwatch/internal/policy"
	"solana-flowwatch/internal/ratelimit"
	"solana-flowwatch/internal/solana"
	"solana-flowwatch/internal/statusapi"
	"solana-flowwatch/internal/watch"
)

// Program aliases mapped to program IDs and the event kind they imply.
var programAliases = map[string]struct {
	id   string
	kind discovery.Kind
}{
	"pumpfun": {discovery.PumpFun, discovery.KindTokenCreate},
	"raydium": {discovery.RaydiumAMMV4, discovery.KindPoolInit},
}

func main() {
	configPath := flag.String("config", "", "Optional YAML config file")
	mode := flag.String("mode", "", "Override WATCH_MODE: stream or poll")
	dryRun := flag.Bool("dry-run", false, "Log orders instead of calling the executor")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}
	if *mode != "" {
		cfg.Watch.Mode = *mode
	}
	if err := cfg.ValidateWatch(); err != nil {
		logrus.WithError(err).Fatal("Invalid config")
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid log config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *dryRun, logger); err != nil {
		logger.WithError(err).Fatal("Watch failed")
	}
	logger.Info("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, dryRun bool, logger *logrus.Logger) error {
	window, err := ratelimit.NewWindow(cfg.RateWindow(), cfg.RPC.RateMaxRequests)
	if err != nil {
		return err
	}
	rpc := solana.NewHTTPClient(cfg.RPC.Endpoint,
		solana.WithWindow(window),
		solana.WithRetries(cfg.RPC.Retries),
		solana.WithRateLimitExempt(cfg.RPC.RateLimitExempt),
		solana.WithTimeout(time.Duration(cfg.RPC.TimeoutMS)*time.Millisecond),
		solana.WithLogger(logger),
	)

	programs, implied, err := resolvePrograms(cfg.Stream.Programs)
	if err != nil {
		return err
	}
	kinds, err := resolveKinds(cfg, implied)
	if err != nil {
		return err
	}

	chain, err := buildPolicy(cfg, rpc)
	if err != nil {
		return err
	}

	var exec executor.Executor
	if cfg.Executor.URL == "" || dryRun {
		exec = executor.NewDryRunExecutor(logger)
	} else {
		exec = executor.NewHTTPExecutor(cfg.Executor.URL, executor.WithLogger(logger))
	}

	var ws *solana.WSClient
	opts := dispatcher.Options{
		RPC:        rpc,
		Classifier: discovery.DefaultClassifier(kinds...),
		Policy:     chain,
		Executor:   exec,
		Order: dispatcher.OrderTemplate{
			SolAmount:     cfg.Executor.BuyAmount(),
			AutoSell:      cfg.Executor.AutoSell,
			TakeProfitPct: cfg.Executor.TakeProfitPct,
			StopLossPct:   cfg.Executor.StopLossPct,
		},
		MaxConcurrent: cfg.Dispatch.MaxConcurrent,
		SeenCapacity:  cfg.Dispatch.SeenCapacity,
		Logger:        logger,
	}
	if cfg.Watch.Mode == config.ModeStream {
		wsCfg := cfg.WSConfig()
		ws = solana.NewWSClient(cfg.RPC.WSEndpoint, &wsCfg, logger)
		opts.Transport = ws
	}

	disp, err := dispatcher.New(opts)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"mode":           cfg.Watch.Mode,
		"kinds":          kinds,
		"programs":       programs,
		"max_concurrent": cfg.Dispatch.MaxConcurrent,
		"checks":         chain.Len(),
		"dry_run":        cfg.Executor.URL == "" || dryRun,
	}).Info("Starting watch")

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Status.Addr != "" {
		statusOpts := statusapi.Options{Stats: disp, Mode: cfg.Watch.Mode, Logger: logger}
		if ws != nil {
			statusOpts.State = ws
		}
		status := statusapi.New(statusOpts)
		g.Go(func() error {
			return status.Run(gctx, cfg.Status.Addr)
		})
	}

	switch cfg.Watch.Mode {
	case config.ModeStream:
		if err := disp.Start(gctx, subscriptionFor(cfg.Stream.Commitment, programs, logger)); err != nil {
			return err
		}
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case <-disp.Done():
				if gctx.Err() != nil {
					return nil
				}
				if err := disp.Err(); err != nil {
					return fmt.Errorf("feed lost: %w", err)
				}
				return errors.New("feed ended")
			}
		})

	case config.ModePoll:
		poller, err := watch.New(watch.Options{
			RPC:      rpc,
			Sink:     disp,
			Wallets:  cfg.Watch.Wallets,
			Interval: cfg.Watch.PollInterval,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			err := poller.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	err = g.Wait()

	disp.Stop()
	if ws != nil {
		ws.Close()
	}

	snap := disp.Stats()
	logger.WithFields(logrus.Fields{
		"received":  snap.Received,
		"dropped":   snap.Dropped,
		"executed":  snap.Executed,
		"succeeded": snap.Succeeded,
		"failed":    snap.Failed,
	}).Info("Final stats")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// resolvePrograms maps aliases to program IDs and returns the event kinds the
// aliases imply. Unknown entries must be valid program addresses.
func resolvePrograms(entries []string) ([]string, []discovery.Kind, error) {
	var ids []string
	var kinds []discovery.Kind
	seen := make(map[string]bool)

	for _, e := range entries {
		id := e
		if alias, ok := programAliases[strings.ToLower(e)]; ok {
			id = alias.id
			kinds = append(kinds, alias.kind)
		} else if err := solana.ValidateAddress(e); err != nil {
			return nil, nil, fmt.Errorf("%w: program %q: %v", config.ErrInvalid, e, err)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, kinds, nil
}

// resolveKinds prefers EVENT_KINDS, then kinds implied by program aliases.
// Poll mode always watches wallet transfers.
func resolveKinds(cfg *config.Config, implied []discovery.Kind) ([]discovery.Kind, error) {
	if cfg.Watch.Mode == config.ModePoll {
		return []discovery.Kind{discovery.KindWalletTransfer}, nil
	}
	if len(cfg.Stream.Kinds) == 0 {
		return implied, nil
	}

	kinds := make([]discovery.Kind, 0, len(cfg.Stream.Kinds))
	for _, s := range cfg.Stream.Kinds {
		k, ok := discovery.ParseKind(s)
		if !ok {
			return nil, fmt.Errorf("%w: unknown event kind %q", config.ErrInvalid, s)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// subscriptionFor mentions the program directly when there is one. Nodes
// accept a single mention per logsSubscribe, so several programs fall back
// to the unfiltered feed and rely on the classifier.
func subscriptionFor(commitment string, programs []string, logger logrus.FieldLogger) solana.Subscription {
	if len(programs) == 1 {
		return solana.NewLogsSubscription(commitment, programs[0])
	}
	logger.WithField("programs", len(programs)).Warn("Subscribing to all logs, filtering locally")
	return solana.NewLogsSubscription(commitment)
}

func buildPolicy(cfg *config.Config, rpc solana.RPCClient) (*policy.Chain, error) {
	mint, err := policy.ParseMode(cfg.Policy.MintAuthority)
	if err != nil {
		return nil, err
	}
	freeze, err := policy.ParseMode(cfg.Policy.FreezeAuthority)
	if err != nil {
		return nil, err
	}
	authority, err := policy.NewAuthorityCheck(mint, freeze)
	if err != nil {
		return nil, err
	}

	var checks []policy.Check
	if authority.Active() {
		checks = append(checks, authority)
	}
	if len(cfg.Policy.BlockedSuffixes) > 0 {
		checks = append(checks, policy.NewSuffixCheck(cfg.Policy.BlockedSuffixes, cfg.Policy.ResolveNames))
	}
	return policy.NewChain(policy.NewRPCInspector(rpc), checks...), nil
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\nSettings come from .env, an optional YAML file and the environment.\n\n", os.Args[0])
		flag.PrintDefaults()
	}
}
