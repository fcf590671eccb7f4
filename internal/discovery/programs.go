// Package discovery classifies feed log lines into events of interest and
// extracts the token involved from the full transaction.
package discovery

// Known program IDs.
const (
	// RaydiumAMMV4 is the Raydium AMM v4 program ID.
	RaydiumAMMV4 = "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"
	// PumpFun is the pump.fun program ID.
	PumpFun = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"
	// JupiterV6 is the Jupiter aggregator v6 program ID.
	JupiterV6 = "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4"
	// SystemProgram is the native system program ID.
	SystemProgram = "11111111111111111111111111111111"
	// TokenProgram is the SPL token program ID.
	TokenProgram = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	// Token2022Program is the SPL token-2022 program ID.
	Token2022Program = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"
)

// WSOL is the Wrapped SOL mint address.
const WSOL = "So11111111111111111111111111111111111111112"

// quoteMints are never reported as the token of interest.
var quoteMints = map[string]bool{
	WSOL: true,
	"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v": true, // USDC
	"Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB": true, // USDT
}

// IsQuoteMint reports whether mint is a quote currency (WSOL, USDC, USDT).
func IsQuoteMint(mint string) bool {
	return quoteMints[mint]
}
