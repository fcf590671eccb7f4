package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidMode is returned for unknown authority check modes.
var ErrInvalidMode = errors.New("invalid authority check mode")

// Mode controls how an authority flag is treated.
type Mode string

// Authority check modes.
const (
	ModeAllow  Mode = "allow"  // presence is accepted
	ModeForbid Mode = "forbid" // presence rejects the candidate
	ModeIgnore Mode = "ignore" // the flag is not consulted
)

// ParseMode parses a mode name. Empty input yields ModeIgnore.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeIgnore, nil
	case ModeAllow, ModeForbid, ModeIgnore:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// AuthorityCheck rejects tokens whose mint or freeze authority is still set,
// according to the configured modes.
type AuthorityCheck struct {
	MintAuthority   Mode
	FreezeAuthority Mode
}

// NewAuthorityCheck validates modes and builds the check.
func NewAuthorityCheck(mint, freeze Mode) (*AuthorityCheck, error) {
	for _, m := range []Mode{mint, freeze} {
		if _, err := ParseMode(string(m)); err != nil {
			return nil, err
		}
	}
	return &AuthorityCheck{MintAuthority: mint, FreezeAuthority: freeze}, nil
}

// Name implements Check.
func (a *AuthorityCheck) Name() string { return "authority" }

// Active reports whether the check can reject anything and so needs mint data.
func (a *AuthorityCheck) Active() bool {
	return a.MintAuthority == ModeForbid || a.FreezeAuthority == ModeForbid
}

// Evaluate implements Check.
func (a *AuthorityCheck) Evaluate(ctx context.Context, c *Candidate) (*Rejection, error) {
	if !a.Active() {
		return nil, nil
	}

	info, err := c.MintInfo(ctx)
	if errors.Is(err, ErrMintNotFound) || errors.Is(err, ErrNotMint) {
		return &Rejection{Check: a.Name(), Reason: err.Error()}, nil
	}
	if err != nil {
		return nil, err
	}

	if a.MintAuthority == ModeForbid && info.HasMintAuthority() {
		return &Rejection{Check: a.Name(), Reason: "mint authority present: " + info.MintAuthority}, nil
	}
	if a.FreezeAuthority == ModeForbid && info.HasFreezeAuthority() {
		return &Rejection{Check: a.Name(), Reason: "freeze authority present: " + info.FreezeAuthority}, nil
	}
	return nil, nil
}

// SuffixCheck rejects tokens whose mint address, name or symbol ends with a
// blocked suffix. Matching is case-insensitive.
type SuffixCheck struct {
	suffixes []string
	// ResolveNames looks up the Metaplex name and symbol when the event did not carry them.
	ResolveNames bool
}

// NewSuffixCheck creates a suffix check. Blank entries are dropped.
func NewSuffixCheck(suffixes []string, resolveNames bool) *SuffixCheck {
	s := &SuffixCheck{ResolveNames: resolveNames}
	for _, suf := range suffixes {
		suf = strings.ToLower(strings.TrimSpace(suf))
		if suf != "" {
			s.suffixes = append(s.suffixes, suf)
		}
	}
	return s
}

// Name implements Check.
func (s *SuffixCheck) Name() string { return "suffix" }

// Evaluate implements Check.
func (s *SuffixCheck) Evaluate(ctx context.Context, c *Candidate) (*Rejection, error) {
	if len(s.suffixes) == 0 {
		return nil, nil
	}

	if rej := s.match("mint", c.Mint); rej != nil {
		return rej, nil
	}

	name, symbol := c.Name, c.Symbol
	if name == "" && symbol == "" && s.ResolveNames {
		// Names are best effort; an unreadable mint leaves only the address check.
		if info, err := c.MintInfo(ctx); err == nil && info != nil {
			name, symbol = info.Name, info.Symbol
		}
	}

	if rej := s.match("name", name); rej != nil {
		return rej, nil
	}
	return s.match("symbol", symbol), nil
}

func (s *SuffixCheck) match(field, value string) *Rejection {
	if value == "" {
		return nil
	}
	lower := strings.ToLower(value)
	for _, suf := range s.suffixes {
		if strings.HasSuffix(lower, suf) {
			return &Rejection{
				Check:  s.Name(),
				Reason: fmt.Sprintf("%s %q ends with blocked suffix %q", field, value, suf),
			}
		}
	}
	return nil
}
