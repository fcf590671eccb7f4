package tracer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Stats summarizes the nodes of a trace.
type Stats struct {
	Nodes           int             `json:"nodes"`
	UniqueAddresses int             `json:"unique_addresses"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	MaxDepth        int             `json:"max_depth_reached"`
	Oldest          int64           `json:"oldest_timestamp,omitempty"`
	Newest          int64           `json:"newest_timestamp,omitempty"`
	ProgramAccounts int             `json:"program_accounts"`
	NodeErrors      int             `json:"node_errors"`
}

type statsBuilder struct {
	s     Stats
	addrs map[string]bool
}

func newStatsBuilder() *statsBuilder {
	return &statsBuilder{addrs: make(map[string]bool)}
}

func (b *statsBuilder) add(n *TransferNode) {
	b.s.Nodes++
	b.addrs[n.Address] = true
	b.s.TotalAmount = b.s.TotalAmount.Add(n.Amount)
	if n.Depth > b.s.MaxDepth {
		b.s.MaxDepth = n.Depth
	}
	if n.ProgramAccount {
		b.s.ProgramAccounts++
	}
	if n.Timestamp > 0 {
		if b.s.Oldest == 0 || n.Timestamp < b.s.Oldest {
			b.s.Oldest = n.Timestamp
		}
		if n.Timestamp > b.s.Newest {
			b.s.Newest = n.Timestamp
		}
	}
}

func (b *statsBuilder) build(nodeErrors int) Stats {
	b.s.UniqueAddresses = len(b.addrs)
	b.s.NodeErrors = nodeErrors
	return b.s
}

// Stats walks the forward tree.
func (r *ForwardResult) Stats() Stats {
	b := newStatsBuilder()
	var walk func([]*TransferNode)
	walk = func(nodes []*TransferNode) {
		for _, n := range nodes {
			b.add(n)
			walk(n.Children)
		}
	}
	walk(r.Tree)
	return b.build(r.NodeErrors)
}

// Chains returns each chain ordered from its head toward the target.
// The target itself is not included.
func (r *BackwardResult) Chains() [][]*TransferNode {
	chains := make([][]*TransferNode, 0, len(r.Heads))
	for _, head := range r.Heads {
		var chain []*TransferNode
		for n := head; n != nil; n = n.Parent {
			chain = append(chain, n)
		}
		chains = append(chains, chain)
	}
	return chains
}

// Stats counts every distinct node on any chain once.
func (r *BackwardResult) Stats() Stats {
	b := newStatsBuilder()
	seen := make(map[*TransferNode]bool)
	for _, chain := range r.Chains() {
		for _, n := range chain {
			if seen[n] {
				continue
			}
			seen[n] = true
			b.add(n)
		}
	}
	return b.build(r.NodeErrors)
}

// ChainLink is one hop of an exported backward chain.
type ChainLink struct {
	Address        string          `json:"address"`
	Amount         decimal.Decimal `json:"amount"`
	Depth          int             `json:"depth"`
	Timestamp      int64           `json:"timestamp"`
	Signature      string          `json:"signature"`
	ProgramAccount bool            `json:"program_account,omitempty"`
}

// ExportConfig records the parameters a trace ran with.
type ExportConfig struct {
	Min                 decimal.Decimal `json:"min_amount"`
	Max                 decimal.Decimal `json:"max_amount"`
	MaxDepth            int             `json:"max_depth"`
	PageSize            int             `json:"page_size"`
	SkipProgramAccounts bool            `json:"skip_program_accounts"`
}

// Export is the JSON document written for a completed trace. A forward
// export always carries "tree" and a backward one "chains", empty when
// nothing qualified. Amounts follow TransferNode: per edge, fees excluded.
type Export struct {
	RunID       string          `json:"run_id"`
	Direction   Direction       `json:"direction"`
	Address     string          `json:"address"`
	GeneratedAt time.Time       `json:"generated_at"`
	Config      ExportConfig    `json:"config"`
	Stats       Stats           `json:"stats"`
	Tree        []*TransferNode `json:"-"`
	Chains      [][]ChainLink   `json:"-"`
	Expanded    []string        `json:"expanded"`
}

// MarshalJSON adds the result field matching the export's direction.
func (e Export) MarshalJSON() ([]byte, error) {
	type document Export

	if e.Direction == Backward {
		chains := e.Chains
		if chains == nil {
			chains = [][]ChainLink{}
		}
		return json.Marshal(struct {
			document
			Chains [][]ChainLink `json:"chains"`
		}{document(e), chains})
	}

	tree := e.Tree
	if tree == nil {
		tree = []*TransferNode{}
	}
	return json.Marshal(struct {
		document
		Tree []*TransferNode `json:"tree"`
	}{document(e), tree})
}

// ForwardExport builds the export document for a forward trace.
func (t *Tracer) ForwardExport(r *ForwardResult, at time.Time) *Export {
	return &Export{
		RunID:       r.RunID,
		Direction:   Forward,
		Address:     r.Root,
		GeneratedAt: at.UTC(),
		Config:      t.exportConfig(r.Range, r.MaxDepth),
		Stats:       r.Stats(),
		Tree:        r.Tree,
		Expanded:    r.Expanded,
	}
}

// BackwardExport builds the export document for a backward trace.
func (t *Tracer) BackwardExport(r *BackwardResult, at time.Time) *Export {
	chains := make([][]ChainLink, 0, len(r.Heads))
	for _, chain := range r.Chains() {
		links := make([]ChainLink, 0, len(chain))
		for _, n := range chain {
			links = append(links, ChainLink{
				Address:        n.Address,
				Amount:         n.Amount,
				Depth:          n.Depth,
				Timestamp:      n.Timestamp,
				Signature:      n.Signature,
				ProgramAccount: n.ProgramAccount,
			})
		}
		chains = append(chains, links)
	}
	return &Export{
		RunID:       r.RunID,
		Direction:   Backward,
		Address:     r.Target,
		GeneratedAt: at.UTC(),
		Config:      t.exportConfig(r.Range, r.MaxDepth),
		Stats:       r.Stats(),
		Chains:      chains,
		Expanded:    r.Expanded,
	}
}

func (t *Tracer) exportConfig(rng Range, maxDepth int) ExportConfig {
	return ExportConfig{
		Min:                 rng.Min,
		Max:                 rng.Max,
		MaxDepth:            maxDepth,
		PageSize:            t.pageSize,
		SkipProgramAccounts: t.skipPrograms,
	}
}

// ExportFileName returns trace_<direction>_<address>_<timestamp>.json with
// the colons of the UTC timestamp replaced so the name is portable.
func ExportFileName(dir Direction, address string, at time.Time) string {
	ts := strings.ReplaceAll(at.UTC().Format("2006-01-02T15:04:05Z"), ":", "-")
	return fmt.Sprintf("trace_%s_%s_%s.json", dir, address, ts)
}

// WriteExport writes e as indented JSON into dir and returns the file path.
func WriteExport(dir string, e *Export) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal export: %w", err)
	}

	path := filepath.Join(dir, ExportFileName(e.Direction, e.Address, e.GeneratedAt))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	return path, nil
}

// RenderTree prints a forward tree as an indented outline.
func RenderTree(w io.Writer, r *ForwardResult) {
	fmt.Fprintf(w, "%s\n", r.Root)
	var walk func([]*TransferNode, string)
	walk = func(nodes []*TransferNode, indent string) {
		for _, n := range nodes {
			fmt.Fprintf(w, "%s-> %s  %s SOL%s\n", indent, n.Address, n.Amount.String(), programMark(n))
			walk(n.Children, indent+"   ")
		}
	}
	walk(r.Tree, "  ")
}

// RenderChains prints one line per backward chain ending at the target.
func RenderChains(w io.Writer, r *BackwardResult) {
	for i, chain := range r.Chains() {
		parts := make([]string, 0, len(chain)+1)
		for _, n := range chain {
			parts = append(parts, fmt.Sprintf("%s (%s SOL)%s", n.Address, n.Amount.String(), programMark(n)))
		}
		parts = append(parts, r.Target)
		fmt.Fprintf(w, "%d. %s\n", i+1, strings.Join(parts, " -> "))
	}
}

func programMark(n *TransferNode) string {
	if n.ProgramAccount {
		return " [program]"
	}
	return ""
}
