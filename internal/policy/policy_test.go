package policy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-flowwatch/internal/solana"
	"solana-flowwatch/internal/solana/stub"
)

var (
	testMint      = base58.Encode(bytes.Repeat([]byte{9}, 32))
	testAuthority = bytes.Repeat([]byte{5}, 32)
)

// mintData builds an SPL mint account in base64.
func mintData(mintAuth, freezeAuth []byte, supply uint64, decimals byte) string {
	buf := make([]byte, 82)
	if mintAuth != nil {
		binary.LittleEndian.PutUint32(buf[0:4], 1)
		copy(buf[4:36], mintAuth)
	}
	binary.LittleEndian.PutUint64(buf[36:44], supply)
	buf[44] = decimals
	buf[45] = 1
	if freezeAuth != nil {
		binary.LittleEndian.PutUint32(buf[46:50], 1)
		copy(buf[50:82], freezeAuth)
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func metadataData(name, symbol string) string {
	var buf bytes.Buffer
	buf.WriteByte(4)
	buf.Write(make([]byte, 64))
	for _, s := range []string{name, symbol, "uri"} {
		padded := make([]byte, len(s)+3) // NUL padded like on-chain data
		copy(padded, s)
		l := make([]byte, 4)
		binary.LittleEndian.PutUint32(l, uint32(len(padded)))
		buf.Write(l)
		buf.Write(padded)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

type countingInspector struct {
	info  *MintInfo
	err   error
	calls atomic.Int32
}

func (c *countingInspector) Inspect(context.Context, string) (*MintInfo, error) {
	c.calls.Add(1)
	return c.info, c.err
}

func TestParseMode(t *testing.T) {
	for _, in := range []string{"allow", "FORBID", " ignore "} {
		_, err := ParseMode(in)
		assert.NoError(t, err, in)
	}

	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeIgnore, m)

	_, err = ParseMode("sometimes")
	assert.ErrorIs(t, err, ErrInvalidMode)

	_, err = NewAuthorityCheck(ModeForbid, Mode("maybe"))
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestRPCInspector(t *testing.T) {
	rpc := stub.NewRPCClient()
	rpc.AddAccount(testMint, &solana.AccountInfo{Data: mintData(testAuthority, nil, 1_000_000_000, 6)})
	pda, err := solana.MetadataPDA(testMint)
	require.NoError(t, err)
	rpc.AddAccount(pda, &solana.AccountInfo{Data: metadataData("Moon Token", "MOON")})

	info, err := NewRPCInspector(rpc).Inspect(context.Background(), testMint)
	require.NoError(t, err)

	assert.Equal(t, base58.Encode(testAuthority), info.MintAuthority)
	assert.False(t, info.HasFreezeAuthority())
	assert.Equal(t, uint64(1_000_000_000), info.Supply)
	assert.Equal(t, 6, info.Decimals)
	assert.Equal(t, "Moon Token", info.Name)
	assert.Equal(t, "MOON", info.Symbol)
}

func TestRPCInspector_Errors(t *testing.T) {
	rpc := stub.NewRPCClient()
	insp := NewRPCInspector(rpc)

	_, err := insp.Inspect(context.Background(), testMint)
	assert.ErrorIs(t, err, ErrMintNotFound)

	rpc.AddAccount(testMint, &solana.AccountInfo{Data: base64.StdEncoding.EncodeToString([]byte("short"))})
	_, err = insp.Inspect(context.Background(), testMint)
	assert.ErrorIs(t, err, ErrNotMint)

	boom := errors.New("rpc down")
	rpc.Fail(testMint, boom)
	_, err = insp.Inspect(context.Background(), testMint)
	assert.ErrorIs(t, err, boom)
}

func TestAuthorityCheck(t *testing.T) {
	auth := base58.Encode(testAuthority)

	tests := []struct {
		name     string
		mint     Mode
		freeze   Mode
		info     MintInfo
		rejected bool
	}{
		{"forbid mint, present", ModeForbid, ModeIgnore, MintInfo{MintAuthority: auth}, true},
		{"forbid mint, renounced", ModeForbid, ModeIgnore, MintInfo{}, false},
		{"allow mint, present", ModeAllow, ModeIgnore, MintInfo{MintAuthority: auth}, false},
		{"forbid freeze, present", ModeIgnore, ModeForbid, MintInfo{FreezeAuthority: auth}, true},
		{"ignore both", ModeIgnore, ModeIgnore, MintInfo{MintAuthority: auth, FreezeAuthority: auth}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := tt.info
			insp := &countingInspector{info: &info}
			check, err := NewAuthorityCheck(tt.mint, tt.freeze)
			require.NoError(t, err)

			rej, err := NewChain(insp, check).Evaluate(context.Background(), &Candidate{Mint: testMint})
			require.NoError(t, err)
			if tt.rejected {
				require.NotNil(t, rej)
				assert.Equal(t, "authority", rej.Check)
			} else {
				assert.Nil(t, rej)
			}
		})
	}
}

func TestAuthorityCheck_IgnoreSkipsLookup(t *testing.T) {
	insp := &countingInspector{err: errors.New("should not be called")}
	check, err := NewAuthorityCheck(ModeAllow, ModeIgnore)
	require.NoError(t, err)

	rej, err := NewChain(insp, check).Evaluate(context.Background(), &Candidate{Mint: testMint})
	require.NoError(t, err)
	assert.Nil(t, rej)
	assert.Zero(t, insp.calls.Load())
}

func TestAuthorityCheck_MissingMintRejects(t *testing.T) {
	insp := &countingInspector{err: ErrMintNotFound}
	check, _ := NewAuthorityCheck(ModeForbid, ModeForbid)

	rej, err := NewChain(insp, check).Evaluate(context.Background(), &Candidate{Mint: testMint})
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Contains(t, rej.Reason, "not found")
}

func TestAuthorityCheck_LookupErrorPropagates(t *testing.T) {
	boom := errors.New("retries exhausted")
	insp := &countingInspector{err: boom}
	check, _ := NewAuthorityCheck(ModeForbid, ModeIgnore)

	_, err := NewChain(insp, check).Evaluate(context.Background(), &Candidate{Mint: testMint})
	assert.ErrorIs(t, err, boom)
}

func TestSuffixCheck(t *testing.T) {
	check := NewSuffixCheck([]string{"pump", " BONK ", ""}, false)

	tests := []struct {
		name     string
		cand     *Candidate
		rejected bool
	}{
		{"mint suffix", &Candidate{Mint: "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsUpump"}, true},
		{"case insensitive", &Candidate{Mint: "abcPUMP"}, true},
		{"name suffix", &Candidate{Mint: "abc", Name: "Super Bonk"}, true},
		{"symbol suffix", &Candidate{Mint: "abc", Symbol: "XBONK"}, true},
		{"clean", &Candidate{Mint: "abc", Name: "Pumpkin", Symbol: "PKN"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rej, err := check.Evaluate(context.Background(), tt.cand)
			require.NoError(t, err)
			assert.Equal(t, tt.rejected, rej != nil)
		})
	}
}

func TestSuffixCheck_ResolvesNames(t *testing.T) {
	insp := &countingInspector{info: &MintInfo{Name: "Rug Pump", Symbol: "RUG"}}
	chain := NewChain(insp, NewSuffixCheck([]string{"pump"}, true))

	rej, err := chain.Evaluate(context.Background(), &Candidate{Mint: "abc"})
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Contains(t, rej.Reason, "name")
}

func TestChain_ShortCircuitsAndSharesLookup(t *testing.T) {
	insp := &countingInspector{info: &MintInfo{MintAuthority: "x", Name: "ok"}}
	authority, _ := NewAuthorityCheck(ModeForbid, ModeIgnore)
	suffix := NewSuffixCheck([]string{"pump"}, true)

	// Suffix fails first; authority must not run.
	chain := NewChain(insp, suffix, authority)
	rej, err := chain.Evaluate(context.Background(), &Candidate{Mint: "abcpump"})
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, "suffix", rej.Check)
	assert.Zero(t, insp.calls.Load())

	// Both consult mint data; it is fetched once.
	rej, err = chain.Evaluate(context.Background(), &Candidate{Mint: "abc"})
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, "authority", rej.Check)
	assert.Equal(t, int32(1), insp.calls.Load())
	assert.Equal(t, 2, chain.Len())
}
