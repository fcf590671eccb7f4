package discovery

import (
	"strings"
)

// Kind identifies the type of an event of interest.
type Kind string

// Event kinds.
const (
	KindTokenCreate    Kind = "token_create"
	KindPoolInit       Kind = "pool_init"
	KindWalletTransfer Kind = "wallet_transfer"
)

// ParseKind converts a string to Kind. Unknown strings return false.
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindTokenCreate, KindPoolInit, KindWalletTransfer:
		return k, true
	default:
		return "", false
	}
}

// Predicate reports whether a transaction's log lines match.
type Predicate func(logs []string) bool

// Rule binds a predicate to the kind it detects.
type Rule struct {
	Kind    Kind
	Program string // program the rule targets, used to build subscription filters
	Match   Predicate
}

// Classifier matches log lines against an ordered list of rules.
// The first matching rule decides the kind.
type Classifier struct {
	rules []Rule
}

// NewClassifier creates a classifier from rules.
func NewClassifier(rules ...Rule) *Classifier {
	return &Classifier{rules: rules}
}

// DefaultClassifier returns the rules for the given kinds.
// With no kinds it returns token creation and pool initialization.
func DefaultClassifier(kinds ...Kind) *Classifier {
	if len(kinds) == 0 {
		kinds = []Kind{KindTokenCreate, KindPoolInit}
	}
	c := &Classifier{}
	for _, k := range kinds {
		switch k {
		case KindTokenCreate:
			c.Register(Rule{Kind: KindTokenCreate, Program: PumpFun, Match: IsPumpFunCreate})
		case KindPoolInit:
			c.Register(Rule{Kind: KindPoolInit, Program: RaydiumAMMV4, Match: IsRaydiumPoolInit})
		case KindWalletTransfer:
			c.Register(Rule{Kind: KindWalletTransfer, Match: IsTransferOrSwap})
		}
	}
	return c
}

// Register appends a rule.
func (c *Classifier) Register(r Rule) {
	c.rules = append(c.rules, r)
}

// Classify returns the kind of the first matching rule.
func (c *Classifier) Classify(logs []string) (Kind, bool) {
	if len(logs) == 0 {
		return "", false
	}
	for _, r := range c.rules {
		if r.Match(logs) {
			return r.Kind, true
		}
	}
	return "", false
}

// IsOfInterest reports whether any rule matches.
func (c *Classifier) IsOfInterest(logs []string) bool {
	_, ok := c.Classify(logs)
	return ok
}

// Programs returns the distinct program IDs targeted by the rules.
func (c *Classifier) Programs() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range c.rules {
		if r.Program == "" || seen[r.Program] {
			continue
		}
		seen[r.Program] = true
		out = append(out, r.Program)
	}
	return out
}

// IsPumpFunCreate matches a pump.fun Create instruction.
func IsPumpFunCreate(logs []string) bool {
	return matchInProgram(logs, PumpFun, "Program log: Instruction: Create")
}

// IsRaydiumPoolInit matches a Raydium AMM v4 initialize2 instruction.
func IsRaydiumPoolInit(logs []string) bool {
	return matchInProgram(logs, RaydiumAMMV4, "initialize2")
}

// IsTransferOrSwap matches token transfers and Jupiter routes.
func IsTransferOrSwap(logs []string) bool {
	for _, line := range logs {
		if strings.Contains(line, "Instruction: Transfer") ||
			strings.Contains(line, "Program "+JupiterV6+" invoke") {
			return true
		}
	}
	return false
}

// matchInProgram reports whether needle appears in a log line emitted while
// program is the innermost invoked program.
func matchInProgram(logs []string, program, needle string) bool {
	var stack []string
	for _, line := range logs {
		switch {
		case strings.HasPrefix(line, "Program ") && strings.Contains(line, " invoke ["):
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				stack = append(stack, fields[1])
			}
			continue
		case strings.HasPrefix(line, "Program ") &&
			(strings.HasSuffix(line, " success") || strings.Contains(line, " failed")):
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			continue
		}

		if len(stack) > 0 && stack[len(stack)-1] == program && strings.Contains(line, needle) {
			return true
		}
	}
	return false
}
