// Package tracer walks the graph of SOL transfers between addresses, forward
// from a root or backward to a target, under depth and amount bounds.
package tracer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"solana-flowwatch/internal/observability"
	"solana-flowwatch/internal/solana"
)

// DefaultPageSize is the number of recent signatures fetched per address.
const DefaultPageSize = 20

// ErrInvalidRange is returned for empty or negative amount ranges.
var ErrInvalidRange = errors.New("invalid amount range")

// Direction of a trace.
type Direction string

// Trace directions.
const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
)

// Range bounds transfer amounts in SOL, inclusive.
type Range struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
}

// Validate checks 0 <= Min <= Max.
func (r Range) Validate() error {
	if r.Min.IsNegative() || r.Max.LessThan(r.Min) {
		return fmt.Errorf("%w: [%s, %s]", ErrInvalidRange, r.Min, r.Max)
	}
	return nil
}

// Contains reports whether v lies within the range.
func (r Range) Contains(v decimal.Decimal) bool {
	return v.GreaterThanOrEqual(r.Min) && v.LessThanOrEqual(r.Max)
}

// TransferNode is one qualifying transfer edge endpoint. Amount is the SOL
// moved along the edge: what the recipient gained for forward nodes, what
// the sender paid out net of the transaction fee for backward nodes.
// Forward trees own their Children. Backward chains link toward the target
// through Parent, which is a non-owning back-reference.
type TransferNode struct {
	Address        string          `json:"address"`
	Amount         decimal.Decimal `json:"amount"`
	Depth          int             `json:"depth"`
	Timestamp      int64           `json:"timestamp"`
	Signature      string          `json:"signature"`
	ProgramAccount bool            `json:"program_account,omitempty"`
	Children       []*TransferNode `json:"children"`
	Parent         *TransferNode   `json:"-"`
}

// Options configures a Tracer.
type Options struct {
	// PageSize is the number of recent signatures fetched per address.
	PageSize int
	// SkipProgramAccounts records off-curve addresses (pools, vaults) as
	// leaves without expanding them.
	SkipProgramAccounts bool
	Logger              logrus.FieldLogger
}

// Tracer runs transfer traces. Requests are issued sequentially.
type Tracer struct {
	rpc          solana.RPCClient
	pageSize     int
	skipPrograms bool
	logger       logrus.FieldLogger
}

// New creates a tracer.
func New(rpc solana.RPCClient, opts Options) *Tracer {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Tracer{
		rpc:          rpc,
		pageSize:     opts.PageSize,
		skipPrograms: opts.SkipProgramAccounts,
		logger:       opts.Logger.WithField("component", "tracer"),
	}
}

// ForwardResult is the outcome of a forward trace.
type ForwardResult struct {
	RunID      string
	Root       string
	Range      Range
	MaxDepth   int
	Tree       []*TransferNode
	Expanded   []string // addresses in expansion order
	NodeErrors int
}

// BackwardResult is the outcome of a backward trace.
type BackwardResult struct {
	RunID    string
	Target   string
	Range    Range
	MaxDepth int
	// Heads are the far ends of each chain. Walk Parent to reach the target.
	Heads      []*TransferNode
	Expanded   []string
	NodeErrors int
}

// run holds the state of one trace invocation.
type run struct {
	id        string
	direction Direction
	rng       Range
	maxDepth  int
	visited   map[string]bool
	expanded  []string
	errors    int
	log       logrus.FieldLogger
}

func (t *Tracer) newRun(dir Direction, addr string, rng Range, maxDepth int) *run {
	id := uuid.NewString()
	return &run{
		id:        id,
		direction: dir,
		rng:       rng,
		maxDepth:  maxDepth,
		visited:   make(map[string]bool),
		log:       t.logger.WithFields(logrus.Fields{"run_id": id, "direction": dir, "address": addr}),
	}
}

// visit marks addr expanded. It returns false if addr must not be expanded.
func (r *run) visit(addr string, depth int) bool {
	if depth >= r.maxDepth || r.visited[addr] {
		return false
	}
	r.visited[addr] = true
	r.expanded = append(r.expanded, addr)
	return true
}

func validate(addr string, rng Range, maxDepth int) error {
	if err := solana.ValidateAddress(addr); err != nil {
		return err
	}
	if err := rng.Validate(); err != nil {
		return err
	}
	if maxDepth < 0 {
		return fmt.Errorf("max depth must be non-negative, got %d", maxDepth)
	}
	return nil
}

// TraceForward follows outgoing transfers from root. Per-address fetch
// failures are logged and skipped; only invalid input or cancellation fail
// the trace.
func (t *Tracer) TraceForward(ctx context.Context, root string, rng Range, maxDepth int) (*ForwardResult, error) {
	if err := validate(root, rng, maxDepth); err != nil {
		return nil, err
	}

	r := t.newRun(Forward, root, rng, maxDepth)
	r.log.WithFields(logrus.Fields{"min": rng.Min, "max": rng.Max, "max_depth": maxDepth}).Info("Starting trace")

	tree := t.expandForward(ctx, r, root, 0)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tree == nil {
		tree = []*TransferNode{}
	}

	r.log.WithFields(logrus.Fields{"expanded": len(r.expanded), "node_errors": r.errors}).Info("Trace complete")
	return &ForwardResult{
		RunID:      r.id,
		Root:       root,
		Range:      rng,
		MaxDepth:   maxDepth,
		Tree:       tree,
		Expanded:   r.expanded,
		NodeErrors: r.errors,
	}, nil
}

func (t *Tracer) expandForward(ctx context.Context, r *run, addr string, depth int) []*TransferNode {
	if ctx.Err() != nil || !r.visit(addr, depth) {
		return nil
	}

	transfers, ok := t.fetchTransfers(ctx, r, addr)
	if !ok {
		return nil
	}

	var nodes []*TransferNode
	for _, tr := range transfers {
		// The range applies per edge, so one payment to several recipients
		// yields a sibling for each qualifying one.
		if !tr.sent(addr).IsPositive() {
			continue
		}

		for _, acct := range tr.order {
			delta := tr.deltas[acct]
			if acct == addr || !delta.IsPositive() || !r.rng.Contains(delta) {
				continue
			}

			node := &TransferNode{
				Address:   acct,
				Amount:    delta,
				Depth:     depth,
				Timestamp: tr.timestamp,
				Signature: tr.signature,
				Children:  []*TransferNode{},
			}
			observability.RecordTraceNode(string(Forward))
			nodes = append(nodes, node)

			if t.skipPrograms && !solana.IsOnCurve(acct) {
				node.ProgramAccount = true
				continue
			}
			if children := t.expandForward(ctx, r, acct, depth+1); children != nil {
				node.Children = children
			}
		}
	}
	return nodes
}

// TraceBackward follows incoming transfers into target. Each returned head
// reaches the target by walking Parent.
func (t *Tracer) TraceBackward(ctx context.Context, target string, rng Range, maxDepth int) (*BackwardResult, error) {
	if err := validate(target, rng, maxDepth); err != nil {
		return nil, err
	}

	r := t.newRun(Backward, target, rng, maxDepth)
	r.log.WithFields(logrus.Fields{"min": rng.Min, "max": rng.Max, "max_depth": maxDepth}).Info("Starting trace")

	heads := t.expandBackward(ctx, r, target, 0, nil)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if heads == nil {
		heads = []*TransferNode{}
	}

	r.log.WithFields(logrus.Fields{"expanded": len(r.expanded), "chains": len(heads), "node_errors": r.errors}).Info("Trace complete")
	return &BackwardResult{
		RunID:      r.id,
		Target:     target,
		Range:      rng,
		MaxDepth:   maxDepth,
		Heads:      heads,
		Expanded:   r.expanded,
		NodeErrors: r.errors,
	}, nil
}

// expandBackward returns the chain heads reachable from addr. toward is the
// node whose funds came from addr, nil at the target.
func (t *Tracer) expandBackward(ctx context.Context, r *run, addr string, depth int, toward *TransferNode) []*TransferNode {
	if ctx.Err() != nil || !r.visit(addr, depth) {
		return nil
	}

	transfers, ok := t.fetchTransfers(ctx, r, addr)
	if !ok {
		return nil
	}

	var heads []*TransferNode
	for _, tr := range transfers {
		if !tr.deltas[addr].IsPositive() {
			continue
		}

		for _, acct := range tr.order {
			amount := tr.sent(acct)
			if acct == addr || !amount.IsPositive() || !r.rng.Contains(amount) {
				continue
			}

			node := &TransferNode{
				Address:   acct,
				Amount:    amount,
				Depth:     depth,
				Timestamp: tr.timestamp,
				Signature: tr.signature,
				Parent:    toward,
			}
			observability.RecordTraceNode(string(Backward))

			if t.skipPrograms && !solana.IsOnCurve(acct) {
				node.ProgramAccount = true
				heads = append(heads, node)
				continue
			}

			upstream := t.expandBackward(ctx, r, acct, depth+1, node)
			if len(upstream) == 0 {
				heads = append(heads, node)
			} else {
				heads = append(heads, upstream...)
			}
		}
	}
	return heads
}

// transfer is the balance movement of one transaction.
type transfer struct {
	signature string
	timestamp int64
	deltas    map[string]decimal.Decimal
	order     []string // accounts in key order, for deterministic siblings
	feePayer  string
	fee       decimal.Decimal
}

// sent returns what acct paid out in the transaction, excluding the fee.
func (tr transfer) sent(acct string) decimal.Decimal {
	out := tr.deltas[acct].Neg()
	if acct == tr.feePayer {
		out = out.Sub(tr.fee)
	}
	return out
}

// fetchTransfers loads recent transactions touching addr. A failed
// signature listing is a node error; a failed single transaction is skipped.
func (t *Tracer) fetchTransfers(ctx context.Context, r *run, addr string) ([]transfer, bool) {
	sigs, err := t.rpc.GetSignaturesForAddress(ctx, addr, &solana.SignaturesOpts{Limit: t.pageSize})
	if err != nil {
		t.nodeError(ctx, r, addr, "", err)
		return nil, false
	}

	var out []transfer
	for _, sig := range sigs {
		if sig.Err != nil {
			continue
		}

		tx, err := t.rpc.GetTransaction(ctx, sig.Signature)
		if err != nil {
			t.nodeError(ctx, r, addr, sig.Signature, err)
			if ctx.Err() != nil {
				return nil, false
			}
			continue
		}
		if tx == nil || tx.Failed() {
			continue
		}

		deltas, order := BalanceDeltas(tx)
		if len(deltas) == 0 {
			continue
		}

		tr := transfer{
			signature: sig.Signature,
			timestamp: t.timestamp(ctx, r, tx, sig),
			deltas:    deltas,
			order:     order,
			fee:       decimal.New(int64(tx.Meta.Fee), -9),
		}
		if keys := tx.AccountKeys(); len(keys) > 0 {
			tr.feePayer = keys[0]
		}
		out = append(out, tr)
	}
	return out, true
}

// timestamp prefers the transaction's block time, then the listing's, then
// asks the node for the slot's time.
func (t *Tracer) timestamp(ctx context.Context, r *run, tx *solana.Transaction, sig solana.SignatureInfo) int64 {
	if tx.BlockTime != 0 {
		return tx.BlockTime
	}
	if sig.BlockTime != nil {
		return *sig.BlockTime
	}
	if tx.Slot == 0 {
		return 0
	}
	ts, err := t.rpc.GetBlockTime(ctx, tx.Slot)
	if err != nil {
		r.log.WithError(err).WithField("slot", tx.Slot).Debug("Block time unavailable")
		return 0
	}
	return ts
}

func (t *Tracer) nodeError(ctx context.Context, r *run, addr, sig string, err error) {
	if ctx.Err() != nil {
		return
	}
	r.errors++
	observability.RecordTraceNodeError(string(r.direction))
	entry := r.log.WithError(err).WithField("node", addr)
	if sig != "" {
		entry = entry.WithField("signature", sig)
	}
	entry.Warn("Skipping node after fetch failure")
}

// BalanceDeltas returns post-pre lamport changes in SOL for every account
// whose balance changed, plus those accounts in key order. Accounts listed
// more than once accumulate.
func BalanceDeltas(tx *solana.Transaction) (map[string]decimal.Decimal, []string) {
	if tx == nil || tx.Meta == nil {
		return nil, nil
	}
	keys := tx.AccountKeys()
	pre, post := tx.Meta.PreBalances, tx.Meta.PostBalances

	n := len(keys)
	if len(pre) < n {
		n = len(pre)
	}
	if len(post) < n {
		n = len(post)
	}

	deltas := make(map[string]decimal.Decimal)
	var order []string
	for i := 0; i < n; i++ {
		diff := int64(post[i]) - int64(pre[i])
		if diff == 0 {
			continue
		}
		d := decimal.New(diff, -9)
		if existing, ok := deltas[keys[i]]; ok {
			deltas[keys[i]] = existing.Add(d)
			continue
		}
		deltas[keys[i]] = d
		order = append(order, keys[i])
	}
	return deltas, order
}
