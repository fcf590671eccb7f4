package policy

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"

	"solana-flowwatch/internal/solana"
)

// Errors returned by inspectors.
var (
	ErrNoInspector  = errors.New("no mint inspector configured")
	ErrMintNotFound = errors.New("mint account not found")
	ErrNotMint      = errors.New("account is not an SPL mint")
)

// MintInfo holds the on-chain administrative flags of a token.
type MintInfo struct {
	Mint            string
	MintAuthority   string // empty when renounced
	FreezeAuthority string // empty when renounced
	Supply          uint64
	Decimals        int
	Name            string // from Metaplex metadata, may be empty
	Symbol          string
}

// HasMintAuthority reports whether new supply can still be minted.
func (m *MintInfo) HasMintAuthority() bool { return m.MintAuthority != "" }

// HasFreezeAuthority reports whether token accounts can be frozen.
func (m *MintInfo) HasFreezeAuthority() bool { return m.FreezeAuthority != "" }

// MintInspector looks up mint flags.
type MintInspector interface {
	Inspect(ctx context.Context, mint string) (*MintInfo, error)
}

// RPCInspector reads the mint and its Metaplex metadata account over RPC.
type RPCInspector struct {
	rpc solana.RPCClient
}

// NewRPCInspector creates an inspector backed by rpc.
func NewRPCInspector(rpc solana.RPCClient) *RPCInspector {
	return &RPCInspector{rpc: rpc}
}

// Inspect fetches the mint account and, best effort, its metadata.
func (i *RPCInspector) Inspect(ctx context.Context, mint string) (*MintInfo, error) {
	acct, err := i.rpc.GetAccountInfo(ctx, mint)
	if err != nil {
		return nil, fmt.Errorf("get mint account: %w", err)
	}
	if acct == nil {
		return nil, ErrMintNotFound
	}

	info, err := parseMintData(acct.Data)
	if err != nil {
		return nil, err
	}
	info.Mint = mint

	// Name and symbol are optional; a missing metadata account is not a failure.
	if pda, err := solana.MetadataPDA(mint); err == nil {
		if meta, err := i.rpc.GetAccountInfo(ctx, pda); err == nil && meta != nil {
			info.Name, info.Symbol = parseMetaplexData(meta.Data)
		}
	}

	return info, nil
}

// parseMintData parses SPL Token Mint account data.
// SPL Token Mint layout (82 bytes):
// - mintAuthority: COption<Pubkey> (36 bytes: 4 + 32)
// - supply: u64 (8 bytes)
// - decimals: u8 (1 byte)
// - isInitialized: bool (1 byte)
// - freezeAuthority: COption<Pubkey> (36 bytes: 4 + 32)
func parseMintData(data string) (*MintInfo, error) {
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode mint data: %w", err)
	}
	if len(decoded) < 82 {
		return nil, fmt.Errorf("%w: data length %d", ErrNotMint, len(decoded))
	}
	if decoded[45] == 0 {
		return nil, fmt.Errorf("%w: not initialized", ErrNotMint)
	}

	return &MintInfo{
		MintAuthority:   readOptionKey(decoded[0:36]),
		Supply:          binary.LittleEndian.Uint64(decoded[36:44]),
		Decimals:        int(decoded[44]),
		FreezeAuthority: readOptionKey(decoded[46:82]),
	}, nil
}

// readOptionKey decodes a COption<Pubkey>: u32 tag then 32 bytes.
func readOptionKey(b []byte) string {
	if binary.LittleEndian.Uint32(b[0:4]) == 0 {
		return ""
	}
	return base58.Encode(b[4:36])
}

// parseMetaplexData parses name and symbol from Metaplex Token Metadata.
// Layout: key u8 (4 = MetadataV1), updateAuthority (32), mint (32), then
// borsh strings name, symbol, uri padded with NULs.
func parseMetaplexData(data string) (name, symbol string) {
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil || len(decoded) < 69 || decoded[0] != 4 {
		return "", ""
	}

	offset := 65
	readString := func(max uint32) (string, bool) {
		if offset+4 > len(decoded) {
			return "", false
		}
		n := binary.LittleEndian.Uint32(decoded[offset:])
		offset += 4
		if n > max || offset+int(n) > len(decoded) {
			return "", false
		}
		s := strings.TrimRight(string(decoded[offset:offset+int(n)]), "\x00")
		offset += int(n)
		return s, true
	}

	name, ok := readString(100)
	if !ok {
		return "", ""
	}
	symbol, _ = readString(20)
	return name, symbol
}
