package stub

import (
	"context"
	"errors"
	"sync"

	"solana-flowwatch/internal/solana"
)

// ErrNotFound is a stock error for use with Fail.
var ErrNotFound = errors.New("not found")

// RPCClient implements solana.RPCClient for testing.
// Signatures are stored newest first, as the node returns them.
type RPCClient struct {
	mu           sync.Mutex
	Transactions map[string]*solana.Transaction
	Signatures   map[string][]solana.SignatureInfo
	Accounts     map[string]*solana.AccountInfo
	BlockTimes   map[int64]int64
	Failures     map[string]error // keyed by address, signature or pubkey

	pending map[string]int // signature -> lookups answered nil before it is served
	calls   map[string]int
}

// NewRPCClient creates a new stub RPC client.
func NewRPCClient() *RPCClient {
	return &RPCClient{
		Transactions: make(map[string]*solana.Transaction),
		Signatures:   make(map[string][]solana.SignatureInfo),
		Accounts:     make(map[string]*solana.AccountInfo),
		BlockTimes:   make(map[int64]int64),
		Failures:     make(map[string]error),
		pending:      make(map[string]int),
		calls:        make(map[string]int),
	}
}

var _ solana.RPCClient = (*RPCClient)(nil)

// GetTransaction retrieves a transaction by signature from the stub store.
// Unknown signatures return nil, nil.
func (c *RPCClient) GetTransaction(_ context.Context, signature string) (*solana.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["getTransaction"]++

	if err, ok := c.Failures[signature]; ok {
		return nil, err
	}
	if c.pending[signature] > 0 {
		c.pending[signature]--
		return nil, nil
	}
	return c.Transactions[signature], nil
}

// GetSignaturesForAddress retrieves signatures for an address from the stub store,
// honoring Before, Until and Limit.
func (c *RPCClient) GetSignaturesForAddress(_ context.Context, address string, opts *solana.SignaturesOpts) ([]solana.SignatureInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["getSignaturesForAddress"]++

	if err, ok := c.Failures[address]; ok {
		return nil, err
	}

	sigs := c.Signatures[address]
	if opts == nil {
		return append([]solana.SignatureInfo(nil), sigs...), nil
	}

	start := 0
	if opts.Before != "" {
		start = len(sigs)
		for i, s := range sigs {
			if s.Signature == opts.Before {
				start = i + 1
				break
			}
		}
	}

	var out []solana.SignatureInfo
	for _, s := range sigs[start:] {
		if opts.Until != "" && s.Signature == opts.Until {
			break
		}
		out = append(out, s)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// GetAccountInfo retrieves an account from the stub store. Unknown accounts return nil, nil.
func (c *RPCClient) GetAccountInfo(_ context.Context, pubkey string) (*solana.AccountInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["getAccountInfo"]++

	if err, ok := c.Failures[pubkey]; ok {
		return nil, err
	}
	return c.Accounts[pubkey], nil
}

// GetBlockTime returns the stored time for slot, or 0.
func (c *RPCClient) GetBlockTime(_ context.Context, slot int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["getBlockTime"]++
	return c.BlockTimes[slot], nil
}

// AddTransaction adds a transaction to the stub store.
func (c *RPCClient) AddTransaction(tx *solana.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Transactions[tx.Signature] = tx
}

// AddSignatures adds signatures for an address to the stub store, newest first.
func (c *RPCClient) AddSignatures(address string, sigs ...solana.SignatureInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Signatures[address] = append(c.Signatures[address], sigs...)
}

// PrependSignatures records newer signatures ahead of existing ones.
func (c *RPCClient) PrependSignatures(address string, sigs ...solana.SignatureInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Signatures[address] = append(append([]solana.SignatureInfo(nil), sigs...), c.Signatures[address]...)
}

// AddAccount adds an account to the stub store.
func (c *RPCClient) AddAccount(pubkey string, info *solana.AccountInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Accounts[pubkey] = info
}

// DelayTransaction makes the next misses lookups of signature return nil,
// as a node does before the transaction reaches the requested commitment.
func (c *RPCClient) DelayTransaction(signature string, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[signature] = misses
}

// SetBlockTime records the production time of slot.
func (c *RPCClient) SetBlockTime(slot, unix int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.BlockTimes[slot] = unix
}

// Fail makes every call for key return err.
func (c *RPCClient) Fail(key string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Failures[key] = err
}

// Calls returns how many times method was invoked.
func (c *RPCClient) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}
