package discovery

import (
	"errors"

	"github.com/shopspring/decimal"

	"solana-flowwatch/internal/solana"
)

// ErrNoMint is returned when no token can be attributed to a transaction.
var ErrNoMint = errors.New("no mint found")

// Raydium AMM v4 initialize2 account positions.
const (
	raydiumInitAmmIndex      = 4
	raydiumInitCoinMintIndex = 8
	raydiumInitPcMintIndex   = 9
)

// pump.fun Create instruction: the mint is the first account.
const pumpFunCreateMintIndex = 0

// Detail is the token information extracted from a transaction.
type Detail struct {
	Kind   Kind
	Mint   string
	Pool   string // pool_init only
	Name   string // token_create only
	Symbol string
	Owner  string // wallet the event was attributed to
}

// Extract resolves the token involved in tx for the given kind.
// For wallet transfers, wallet selects whose balance changes are inspected.
func Extract(kind Kind, tx *solana.Transaction, wallet string) (Detail, error) {
	d := Detail{Kind: kind, Owner: wallet}
	if tx == nil || tx.Meta == nil {
		return d, ErrNoMint
	}

	switch kind {
	case KindTokenCreate:
		if ev, ok := FindCreateEvent(tx.Meta.LogMessages); ok {
			d.Mint, d.Name, d.Symbol, d.Owner = ev.Mint, ev.Name, ev.Symbol, ev.User
			return d, nil
		}
		if ix, keys, ok := findInstruction(tx, PumpFun); ok {
			d.Mint = ix.Account(keys, pumpFunCreateMintIndex)
		}

	case KindPoolInit:
		if ix, keys, ok := findInstruction(tx, RaydiumAMMV4); ok {
			d.Pool = ix.Account(keys, raydiumInitAmmIndex)
			coin := ix.Account(keys, raydiumInitCoinMintIndex)
			pc := ix.Account(keys, raydiumInitPcMintIndex)
			switch {
			case coin != "" && !IsQuoteMint(coin):
				d.Mint = coin
			case pc != "" && !IsQuoteMint(pc):
				d.Mint = pc
			}
		}

	case KindWalletTransfer:
		d.Mint = ReceivedMint(tx, wallet)
	}

	if d.Mint == "" {
		return d, ErrNoMint
	}
	return d, nil
}

// ReceivedMint returns the first non-quote mint whose balance owned by
// wallet increased in tx.
func ReceivedMint(tx *solana.Transaction, wallet string) string {
	if tx == nil || tx.Meta == nil {
		return ""
	}

	pre := make(map[int]decimal.Decimal)
	for _, b := range tx.Meta.PreTokenBalances {
		if v, err := decimal.NewFromString(b.Amount); err == nil {
			pre[b.AccountIndex] = v
		}
	}

	for _, b := range tx.Meta.PostTokenBalances {
		if b.Owner != wallet || IsQuoteMint(b.Mint) {
			continue
		}
		post, err := decimal.NewFromString(b.Amount)
		if err != nil {
			continue
		}
		// Missing pre balance means the account was created in tx.
		if post.GreaterThan(pre[b.AccountIndex]) {
			return b.Mint
		}
	}
	return ""
}

func findInstruction(tx *solana.Transaction, program string) (solana.Instruction, []string, bool) {
	if tx.Message == nil {
		return solana.Instruction{}, nil, false
	}
	keys := tx.AccountKeys()
	for _, ix := range tx.Message.Instructions {
		if ix.ProgramID(keys) == program {
			return ix, keys, true
		}
	}
	return solana.Instruction{}, nil, false
}
