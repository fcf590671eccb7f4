// Package dispatcher consumes the transaction feed, filters and deduplicates
// events of interest, and runs the detail fetch, policy checks and execution
// call for each under a global concurrency cap.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"solana-flowwatch/internal/discovery"
	"solana-flowwatch/internal/executor"
	"solana-flowwatch/internal/observability"
	"solana-flowwatch/internal/policy"
	"solana-flowwatch/internal/solana"
)

// Default limits.
const (
	DefaultMaxConcurrent = 3
	DefaultSeenCapacity  = 10000
	DefaultNotFoundDelay = 500 * time.Millisecond
)

// maxNotFoundRetries bounds the lookups repeated for a transaction the node
// does not serve yet.
const maxNotFoundRetries = 3

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("dispatcher stopped")

// Event is a detected event awaiting dispatch.
type Event struct {
	Key       string // dedup key, the signature unless set
	Signature string
	Slot      int64
	Kind      discovery.Kind
	Logs      []string
	Wallet    string // wallet the event was observed for, if any
	Payload   []byte // raw feed message
}

func (e Event) key() string {
	if e.Key != "" {
		return e.Key
	}
	return e.Signature
}

// OrderTemplate holds the order parameters applied to every execution.
type OrderTemplate struct {
	SolAmount     decimal.Decimal
	AutoSell      bool
	TakeProfitPct float64
	StopLossPct   float64
}

// Options configures a Dispatcher.
type Options struct {
	Transport     solana.Transport // nil for pull-only use through Submit
	RPC           solana.RPCClient
	Classifier    *discovery.Classifier
	Policy        *policy.Chain
	Executor      executor.Executor
	Order         OrderTemplate
	MaxConcurrent int
	SeenCapacity  int
	NotFoundDelay time.Duration // first wait before repeating a nil lookup, doubled each retry
	Logger        logrus.FieldLogger
}

// Dispatcher turns feed messages into execution calls.
type Dispatcher struct {
	transport  solana.Transport
	rpc        solana.RPCClient
	classifier *discovery.Classifier
	policy     *policy.Chain
	executor   executor.Executor
	order      OrderTemplate
	notFound   time.Duration
	logger     logrus.FieldLogger

	gate  *Gate
	seen  *SeenSet
	stats *Stats

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	loopDone chan struct{}
	fatal    error

	inflight sync.WaitGroup
	stopOnce sync.Once
}

// New creates a dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.RPC == nil {
		return nil, errors.New("dispatcher: RPC client is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("dispatcher: executor is required")
	}
	if opts.Classifier == nil {
		opts.Classifier = discovery.DefaultClassifier()
	}
	if opts.Policy == nil {
		opts.Policy = policy.NewChain(nil)
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.SeenCapacity == 0 {
		opts.SeenCapacity = DefaultSeenCapacity
	}
	if opts.NotFoundDelay <= 0 {
		opts.NotFoundDelay = DefaultNotFoundDelay
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &Dispatcher{
		transport:  opts.Transport,
		rpc:        opts.RPC,
		classifier: opts.Classifier,
		policy:     opts.Policy,
		executor:   opts.Executor,
		order:      opts.Order,
		notFound:   opts.NotFoundDelay,
		logger:     opts.Logger.WithField("component", "dispatcher"),
		gate:       NewGate(opts.MaxConcurrent),
		seen:       NewSeenSet(opts.SeenCapacity),
		stats:      newStats(),
		loopDone:   make(chan struct{}),
	}, nil
}

// Start subscribes on the transport, connects it and begins consuming the
// feed in arrival order. A failed initial dial is not an error: the
// transport keeps reconnecting in the background.
func (d *Dispatcher) Start(ctx context.Context, sub solana.Subscription) error {
	if d.transport == nil {
		return errors.New("dispatcher: no transport configured")
	}

	d.mu.Lock()
	if d.started || d.stopped {
		d.mu.Unlock()
		return errors.New("dispatcher: already started")
	}
	d.started = true
	ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()

	if err := d.transport.Subscribe(sub); err != nil {
		d.cancel()
		close(d.loopDone)
		return fmt.Errorf("subscribe: %w", err)
	}

	go d.loop(ctx)

	if err := d.transport.Connect(ctx); err != nil {
		d.logger.WithError(err).Warn("Initial connect failed, reconnecting in background")
	}
	return nil
}

// Done is closed when the feed loop exits.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.loopDone
}

// Err returns the fatal error that ended the feed loop, if any.
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fatal
}

// Stop unsubscribes, ends the feed loop and waits for in-flight dispatches.
// It does not close the transport.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		started := d.started
		cancel := d.cancel
		d.mu.Unlock()

		if started {
			if err := d.transport.Unsubscribe(); err != nil {
				d.logger.WithError(err).Debug("Unsubscribe failed")
			}
			cancel()
			<-d.loopDone
		}
		d.inflight.Wait()
		d.logger.Info("Dispatcher stopped")
	})
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Snapshot {
	snap := d.stats.snapshot()
	snap.InFlight = d.gate.Active()
	snap.Seen = d.seen.Len()
	return snap
}

// loop consumes transport events until ctx is cancelled or the feed ends.
func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.loopDone)

	events := d.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case solana.EventOpened:
				d.logger.Info("Feed connected")
			case solana.EventMessage:
				d.handleMessage(ctx, ev.Payload)
			case solana.EventError:
				d.logger.WithError(ev.Err).Warn("Feed error")
			case solana.EventClosed:
				d.logger.Warn("Feed closed")
			case solana.EventMaxRetriesExceeded:
				d.logger.WithError(ev.Err).Error("Feed lost permanently")
				d.mu.Lock()
				d.fatal = ev.Err
				d.mu.Unlock()
				return
			}
		}
	}
}

// handleMessage filters one feed payload. Non-matching notifications are
// discarded without side effects.
func (d *Dispatcher) handleMessage(ctx context.Context, payload []byte) {
	msg, err := solana.ParseFeedMessage(payload)
	if err != nil {
		d.logger.WithError(err).Warn("Undecodable feed message")
		return
	}

	switch msg.Kind {
	case solana.FeedAck:
		d.logger.WithField("subscription", msg.SubscriptionID).Info("Subscription confirmed")
		return
	case solana.FeedError:
		d.logger.WithField("error", msg.Error).Warn("Feed returned error")
		return
	case solana.FeedUnknown:
		return
	}

	n := msg.Notification
	kind, ok := d.classifier.Classify(n.Logs)
	if !ok {
		return
	}
	if n.Err != nil {
		d.drop(Event{Signature: n.Signature, Kind: kind}, ReasonTxFailed, nil)
		return
	}

	d.dispatch(ctx, Event{
		Signature: n.Signature,
		Slot:      n.Slot,
		Kind:      kind,
		Logs:      n.Logs,
		Payload:   payload,
	})
}

// Submit injects an event from a pull-based producer. The event's Kind is
// trusted; the classifier is not consulted.
func (d *Dispatcher) Submit(ctx context.Context, ev Event) error {
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	d.dispatch(ctx, ev)
	return nil
}

// dispatch deduplicates ev and, if a gate slot is free, processes it
// asynchronously. At capacity the event is dropped, not queued.
func (d *Dispatcher) dispatch(ctx context.Context, ev Event) {
	d.stats.recordReceived(string(ev.Kind))
	observability.RecordEventReceived(string(ev.Kind))

	if !d.seen.Add(ev.key()) {
		d.drop(ev, ReasonDuplicate, nil)
		return
	}

	if !d.gate.TryAcquire() {
		d.drop(ev, ReasonAtCapacity, logrus.Fields{"max_concurrent": d.gate.Max()})
		return
	}
	observability.SetGateActive(d.gate.Active())

	d.inflight.Add(1)
	// In-flight work runs to completion even if the feed loop stops.
	workCtx := context.WithoutCancel(ctx)
	go func() {
		defer d.inflight.Done()
		defer func() {
			d.gate.Release()
			observability.SetGateActive(d.gate.Active())
		}()

		start := time.Now()
		d.process(workCtx, ev)
		observability.RecordDispatchLatency(time.Since(start).Seconds())
	}()
}

// fetchTransaction looks up signature, repeating nil results with a doubling
// delay. Transport errors are returned as is; the RPC client already retried them.
func (d *Dispatcher) fetchTransaction(ctx context.Context, signature string, log logrus.FieldLogger) (*solana.Transaction, error) {
	for attempt := 0; ; attempt++ {
		tx, err := d.rpc.GetTransaction(ctx, signature)
		if err != nil || tx != nil || attempt == maxNotFoundRetries {
			return tx, err
		}

		delay := d.notFound * time.Duration(1<<attempt)
		log.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"delay":   delay,
		}).Debug("Transaction not found yet, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// process runs detail fetch, extraction, policy checks and execution for ev.
func (d *Dispatcher) process(ctx context.Context, ev Event) {
	log := d.logger.WithFields(logrus.Fields{
		"request_id": uuid.NewString(),
		"signature":  ev.Signature,
		"kind":       ev.Kind,
	})

	tx, err := d.fetchTransaction(ctx, ev.Signature, log)
	if err != nil {
		d.drop(ev, ReasonFetchError, logrus.Fields{"error": err.Error()})
		return
	}
	if tx == nil {
		d.drop(ev, ReasonTxNotFound, nil)
		return
	}
	if tx.Failed() {
		d.drop(ev, ReasonTxFailed, nil)
		return
	}

	detail, err := discovery.Extract(ev.Kind, tx, ev.Wallet)
	if ev.Kind == discovery.KindWalletTransfer {
		d.stats.recordWallet(ev.Wallet, detail.Mint, time.Now())
	}
	if err != nil {
		d.drop(ev, ReasonNoMint, nil)
		return
	}
	log = log.WithField("mint", detail.Mint)

	if !d.seen.Add("mint:" + detail.Mint) {
		d.drop(ev, ReasonDuplicateMint, logrus.Fields{"mint": detail.Mint})
		return
	}

	cand := &policy.Candidate{
		Mint:      detail.Mint,
		Name:      detail.Name,
		Symbol:    detail.Symbol,
		Kind:      string(ev.Kind),
		Signature: ev.Signature,
	}
	rej, err := d.policy.Evaluate(ctx, cand)
	if err != nil {
		d.drop(ev, ReasonPolicyError, logrus.Fields{"mint": detail.Mint, "error": err.Error()})
		return
	}
	if rej != nil {
		d.stats.recordRejection(rej.Check)
		observability.RecordPolicyRejection(rej.Check)
		d.drop(ev, ReasonRejected, logrus.Fields{"mint": detail.Mint, "check": rej.Check, "detail": rej.Reason})
		return
	}

	out, err := d.executor.Execute(ctx, executor.Order{
		Mint:          detail.Mint,
		SolAmount:     d.order.SolAmount,
		AutoSell:      d.order.AutoSell,
		TakeProfitPct: d.order.TakeProfitPct,
		StopLossPct:   d.order.StopLossPct,
	})
	switch {
	case err != nil:
		d.stats.recordExecution(false)
		observability.RecordExecution("error")
		log.WithError(err).Error("Execution call failed")
	case !out.Success:
		d.stats.recordExecution(false)
		observability.RecordExecution("failure")
		log.WithField("error", out.Error).Warn("Execution rejected by service")
	default:
		d.stats.recordExecution(true)
		observability.RecordExecution("success")
		log.WithField("tx", out.Signature).Info("Execution succeeded")
	}
}

// drop records and logs a skipped event with the responsible reason.
func (d *Dispatcher) drop(ev Event, reason string, fields logrus.Fields) {
	d.stats.recordDropped(reason)
	observability.RecordEventDropped(reason)

	entry := d.logger.WithFields(logrus.Fields{
		"signature": ev.Signature,
		"kind":      ev.Kind,
		"reason":    reason,
	})
	if fields != nil {
		entry = entry.WithFields(fields)
	}

	switch reason {
	case ReasonFetchError, ReasonPolicyError:
		entry.Warn("Event dropped")
	case ReasonDuplicate:
		entry.Debug("Event dropped")
	default:
		entry.Info("Event dropped")
	}
}
