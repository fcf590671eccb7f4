package solana

import "context"

// RPCClient defines the Solana RPC HTTP calls used by the watcher and tracer.
type RPCClient interface {
	// GetTransaction retrieves a transaction by signature.
	// Returns nil, nil if the transaction is unknown to the node.
	GetTransaction(ctx context.Context, signature string) (*Transaction, error)

	// GetSignaturesForAddress retrieves signatures for an address, newest first.
	GetSignaturesForAddress(ctx context.Context, address string, opts *SignaturesOpts) ([]SignatureInfo, error)

	// GetAccountInfo retrieves raw account data. Returns nil, nil if the account does not exist.
	GetAccountInfo(ctx context.Context, pubkey string) (*AccountInfo, error)

	// GetBlockTime returns the production time of slot, or 0 if the node has none.
	GetBlockTime(ctx context.Context, slot int64) (int64, error)
}

// Transaction represents a Solana transaction.
type Transaction struct {
	Slot      int64
	Signature string
	BlockTime int64 // Unix timestamp (seconds)
	Meta      *TransactionMeta
	Message   *TransactionMessage
}

// TransactionMeta contains transaction metadata.
type TransactionMeta struct {
	Err          interface{}
	LogMessages  []string
	PreBalances  []uint64 // lamports, aligned with AccountKeys
	PostBalances []uint64
	// Fee is paid by the first account key, in lamports.
	Fee uint64
	// Addresses loaded from lookup tables (v0 transactions).
	LoadedWritable []string
	LoadedReadonly []string

	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
}

// TokenBalance is an SPL token account balance snapshot.
type TokenBalance struct {
	AccountIndex int
	Mint         string
	Owner        string
	Amount       string // raw base units
	Decimals     int
}

// TransactionMessage contains parsed transaction message.
type TransactionMessage struct {
	AccountKeys  []string
	Instructions []Instruction
}

// Instruction is a compiled top-level instruction. Indices refer to AccountKeys().
type Instruction struct {
	ProgramIDIndex int
	Accounts       []int
	Data           string // base58
}

// ProgramID resolves the instruction's program against keys.
func (ix Instruction) ProgramID(keys []string) string {
	if ix.ProgramIDIndex < 0 || ix.ProgramIDIndex >= len(keys) {
		return ""
	}
	return keys[ix.ProgramIDIndex]
}

// Account resolves the i-th instruction account against keys.
func (ix Instruction) Account(keys []string, i int) string {
	if i < 0 || i >= len(ix.Accounts) {
		return ""
	}
	idx := ix.Accounts[i]
	if idx < 0 || idx >= len(keys) {
		return ""
	}
	return keys[idx]
}

// AccountKeys returns the full account list whose indices align with the
// pre/post balance arrays: static keys, then loaded writable, then loaded readonly.
func (t *Transaction) AccountKeys() []string {
	if t == nil || t.Message == nil {
		return nil
	}
	if t.Meta == nil || (len(t.Meta.LoadedWritable) == 0 && len(t.Meta.LoadedReadonly) == 0) {
		return t.Message.AccountKeys
	}
	keys := make([]string, 0, len(t.Message.AccountKeys)+len(t.Meta.LoadedWritable)+len(t.Meta.LoadedReadonly))
	keys = append(keys, t.Message.AccountKeys...)
	keys = append(keys, t.Meta.LoadedWritable...)
	keys = append(keys, t.Meta.LoadedReadonly...)
	return keys
}

// Failed reports whether the transaction executed with an error.
func (t *Transaction) Failed() bool {
	return t != nil && t.Meta != nil && t.Meta.Err != nil
}
