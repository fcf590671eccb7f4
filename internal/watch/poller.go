// Package watch polls wallets for new signatures and feeds them to the
// dispatcher as wallet_transfer events.
package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"solana-flowwatch/internal/discovery"
	"solana-flowwatch/internal/dispatcher"
	"solana-flowwatch/internal/solana"
)

// Defaults.
const (
	DefaultInterval = 10 * time.Second
	DefaultPageSize = 25
)

// Submitter accepts events for dispatch.
type Submitter interface {
	Submit(ctx context.Context, ev dispatcher.Event) error
}

// Options contains configuration for creating a Poller.
type Options struct {
	RPC      solana.RPCClient
	Sink     Submitter
	Wallets  []string
	Interval time.Duration // Default: 10s
	PageSize int           // Default: 25 signatures per wallet per tick
	Logger   logrus.FieldLogger
}

// Poller is a scheduled task that checks each wallet once per interval.
// The first poll of a wallet only records its newest signature, so history
// is never replayed.
type Poller struct {
	rpc      solana.RPCClient
	sink     Submitter
	wallets  []string
	interval time.Duration
	pageSize int
	logger   logrus.FieldLogger

	mu      sync.Mutex
	cursors map[string]string // wallet -> newest signature seen

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a poller. Every wallet must be a valid address.
func New(opts Options) (*Poller, error) {
	if opts.RPC == nil || opts.Sink == nil {
		return nil, errors.New("watch: RPC and Sink are required")
	}
	if len(opts.Wallets) == 0 {
		return nil, errors.New("watch: no wallets")
	}
	for _, w := range opts.Wallets {
		if err := solana.ValidateAddress(w); err != nil {
			return nil, fmt.Errorf("watch wallet %q: %w", w, err)
		}
	}

	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &Poller{
		rpc:      opts.RPC,
		sink:     opts.Sink,
		wallets:  append([]string(nil), opts.Wallets...),
		interval: opts.Interval,
		pageSize: opts.PageSize,
		logger:   opts.Logger.WithField("component", "watch"),
		cursors:  make(map[string]string),
		stopCh:   make(chan struct{}),
	}, nil
}

// Run polls until ctx is cancelled or Stop is called. It returns ctx.Err()
// on cancellation and nil after Stop.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.WithFields(logrus.Fields{
		"wallets":  len(p.wallets),
		"interval": p.interval,
	}).Info("Poller started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	if err := p.PollOnce(ctx); err != nil {
		return p.finish(err)
	}

	for {
		select {
		case <-ctx.Done():
			return p.finish(ctx.Err())
		case <-p.stopCh:
			return p.finish(nil)
		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil {
				return p.finish(err)
			}
		}
	}
}

func (p *Poller) finish(err error) error {
	if errors.Is(err, dispatcher.ErrStopped) {
		err = nil
	}
	p.logger.WithError(err).Info("Poller stopped")
	return err
}

// Stop ends Run after the current tick.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// PollOnce checks every wallet once. Fetch failures are logged per wallet;
// only cancellation or a stopped sink end the pass early.
func (p *Poller) PollOnce(ctx context.Context) error {
	for _, w := range p.wallets {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-p.stopCh:
			return nil
		default:
		}

		if err := p.pollWallet(ctx, w); err != nil {
			if errors.Is(err, dispatcher.ErrStopped) || ctx.Err() != nil {
				return err
			}
			p.logger.WithError(err).WithField("wallet", w).Warn("Wallet poll failed")
		}
	}
	return nil
}

// Cursor returns the newest signature recorded for wallet.
func (p *Poller) Cursor(wallet string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursors[wallet]
}

func (p *Poller) pollWallet(ctx context.Context, wallet string) error {
	cursor := p.Cursor(wallet)

	sigs, err := p.rpc.GetSignaturesForAddress(ctx, wallet, &solana.SignaturesOpts{
		Until: cursor,
		Limit: p.pageSize,
	})
	if err != nil {
		return fmt.Errorf("get signatures: %w", err)
	}
	if len(sigs) == 0 {
		return nil
	}

	if cursor == "" {
		p.setCursor(wallet, sigs[0].Signature)
		p.logger.WithFields(logrus.Fields{"wallet": wallet, "cursor": sigs[0].Signature}).Debug("Cursor initialized")
		return nil
	}

	if len(sigs) == p.pageSize {
		p.logger.WithField("wallet", wallet).Warn("Signature page full, older activity skipped")
	}

	// Oldest first so the dispatcher sees activity in chain order.
	for i := len(sigs) - 1; i >= 0; i-- {
		sig := sigs[i]
		if sig.Err != nil {
			continue
		}
		ev := dispatcher.Event{
			Signature: sig.Signature,
			Slot:      sig.Slot,
			Kind:      discovery.KindWalletTransfer,
			Wallet:    wallet,
		}
		if err := p.sink.Submit(ctx, ev); err != nil {
			return err
		}
		// Advance per signature so a stop mid-page does not resubmit.
		p.setCursor(wallet, sig.Signature)
	}
	p.setCursor(wallet, sigs[0].Signature)
	return nil
}

func (p *Poller) setCursor(wallet, sig string) {
	p.mu.Lock()
	p.cursors[wallet] = sig
	p.mu.Unlock()
}
