// Package policy implements the ordered checks a detected token must pass
// before an execution call is made.
package policy

import (
	"context"
	"fmt"
	"sync"
)

// Candidate is the token under evaluation.
type Candidate struct {
	Mint      string
	Name      string
	Symbol    string
	Kind      string
	Signature string

	inspector MintInspector
	once      sync.Once
	info      *MintInfo
	infoErr   error
}

// MintInfo loads the mint account once per candidate, shared by all checks.
func (c *Candidate) MintInfo(ctx context.Context) (*MintInfo, error) {
	if c.inspector == nil {
		return nil, ErrNoInspector
	}
	c.once.Do(func() {
		c.info, c.infoErr = c.inspector.Inspect(ctx, c.Mint)
	})
	return c.info, c.infoErr
}

// Rejection records why a candidate was skipped. It is a decision, not an error.
type Rejection struct {
	Check  string
	Reason string
}

func (r Rejection) String() string {
	return fmt.Sprintf("%s: %s", r.Check, r.Reason)
}

// Check is a single policy rule.
type Check interface {
	// Name identifies the check in logs and metrics.
	Name() string

	// Evaluate returns a rejection when the candidate fails, nil when it passes.
	// An error means the check could not be decided.
	Evaluate(ctx context.Context, c *Candidate) (*Rejection, error)
}

// Chain evaluates checks in order. The first rejection or error stops evaluation.
type Chain struct {
	checks    []Check
	inspector MintInspector
}

// NewChain creates a chain. inspector may be nil when no check needs mint data.
func NewChain(inspector MintInspector, checks ...Check) *Chain {
	return &Chain{checks: checks, inspector: inspector}
}

// Len returns the number of checks.
func (ch *Chain) Len() int {
	return len(ch.checks)
}

// Evaluate runs the checks against c.
func (ch *Chain) Evaluate(ctx context.Context, c *Candidate) (*Rejection, error) {
	if c.inspector == nil {
		c.inspector = ch.inspector
	}
	for _, check := range ch.checks {
		rej, err := check.Evaluate(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", check.Name(), err)
		}
		if rej != nil {
			return rej, nil
		}
	}
	return nil, nil
}
