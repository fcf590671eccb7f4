package discovery

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/mr-tron/base58"

	"solana-flowwatch/internal/solana"
)

func key(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func borshString(s string) []byte {
	out := make([]byte, 4, 4+len(s))
	binary.LittleEndian.PutUint32(out, uint32(len(s)))
	return append(out, s...)
}

func createEventLog(name, symbol string, mint, curve, user []byte) string {
	var buf bytes.Buffer
	buf.Write(createEventDiscriminator)
	buf.Write(borshString(name))
	buf.Write(borshString(symbol))
	buf.Write(borshString("https://example.invalid/meta.json"))
	buf.Write(mint)
	buf.Write(curve)
	buf.Write(user)
	return programDataPrefix + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestFindCreateEvent(t *testing.T) {
	logs := append([]string{}, pumpCreateLogs...)
	logs = append(logs, "Program data: AAAA", createEventLog("Dog Coin", "DOGC", key(1), key(2), key(3)))

	ev, ok := FindCreateEvent(logs)
	if !ok {
		t.Fatal("expected create event")
	}
	if ev.Name != "Dog Coin" || ev.Symbol != "DOGC" {
		t.Errorf("unexpected name/symbol %q/%q", ev.Name, ev.Symbol)
	}
	if ev.Mint != base58.Encode(key(1)) {
		t.Errorf("unexpected mint %s", ev.Mint)
	}
	if ev.User != base58.Encode(key(3)) {
		t.Errorf("unexpected user %s", ev.User)
	}
}

func TestDecodeCreateEvent_Truncated(t *testing.T) {
	data := borshString("name")
	data = append(data, 0xff, 0xff, 0xff, 0x00) // symbol length past end

	if _, err := DecodeCreateEvent(data); !errors.Is(err, ErrShortEvent) {
		t.Errorf("expected ErrShortEvent, got %v", err)
	}
}

func TestExtract_TokenCreateFromEvent(t *testing.T) {
	tx := &solana.Transaction{
		Signature: "sig1",
		Meta: &solana.TransactionMeta{
			LogMessages: append(append([]string{}, pumpCreateLogs...),
				createEventLog("Cat", "CAT", key(7), key(8), key(9))),
		},
	}

	d, err := Extract(KindTokenCreate, tx, "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if d.Mint != base58.Encode(key(7)) {
		t.Errorf("unexpected mint %s", d.Mint)
	}
	if d.Symbol != "CAT" {
		t.Errorf("unexpected symbol %s", d.Symbol)
	}
	if d.Owner != base58.Encode(key(9)) {
		t.Errorf("expected creator as owner, got %s", d.Owner)
	}
}

func TestExtract_TokenCreateFromInstruction(t *testing.T) {
	tx := &solana.Transaction{
		Meta: &solana.TransactionMeta{LogMessages: pumpCreateLogs},
		Message: &solana.TransactionMessage{
			AccountKeys: []string{"payer", "MintAddr", PumpFun},
			Instructions: []solana.Instruction{
				{ProgramIDIndex: 2, Accounts: []int{1, 0}},
			},
		},
	}

	d, err := Extract(KindTokenCreate, tx, "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if d.Mint != "MintAddr" {
		t.Errorf("expected MintAddr, got %s", d.Mint)
	}
}

func TestExtract_PoolInit(t *testing.T) {
	keys := []string{
		"payer", TokenProgram, "ata", SystemProgram, "rent",
		"amm", "authority", "openOrders", "lpMint", "CoinMint", WSOL, RaydiumAMMV4,
	}
	tx := &solana.Transaction{
		Meta: &solana.TransactionMeta{LogMessages: raydiumInitLogs},
		Message: &solana.TransactionMessage{
			AccountKeys: keys,
			Instructions: []solana.Instruction{{
				ProgramIDIndex: 11,
				Accounts:       []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
			}},
		},
	}

	d, err := Extract(KindPoolInit, tx, "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if d.Pool != "amm" {
		t.Errorf("expected pool amm, got %s", d.Pool)
	}
	if d.Mint != "CoinMint" {
		t.Errorf("expected CoinMint, got %s", d.Mint)
	}
}

func TestExtract_PoolInitQuoteIsCoin(t *testing.T) {
	keys := []string{"a", "b", "c", "d", "amm", "f", "g", "lp", WSOL, "PcMint", RaydiumAMMV4}
	tx := &solana.Transaction{
		Meta: &solana.TransactionMeta{},
		Message: &solana.TransactionMessage{
			AccountKeys:  keys,
			Instructions: []solana.Instruction{{ProgramIDIndex: 10, Accounts: []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}}},
		},
	}

	d, err := Extract(KindPoolInit, tx, "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if d.Mint != "PcMint" {
		t.Errorf("expected PcMint, got %s", d.Mint)
	}
}

func TestExtract_WalletTransfer(t *testing.T) {
	tx := &solana.Transaction{
		Meta: &solana.TransactionMeta{
			PreTokenBalances: []solana.TokenBalance{
				{AccountIndex: 3, Mint: "Held", Owner: "wallet", Amount: "500"},
			},
			PostTokenBalances: []solana.TokenBalance{
				{AccountIndex: 2, Mint: WSOL, Owner: "wallet", Amount: "100"},
				{AccountIndex: 3, Mint: "Held", Owner: "wallet", Amount: "400"},
				{AccountIndex: 4, Mint: "Other", Owner: "someone", Amount: "1"},
				{AccountIndex: 5, Mint: "Bought", Owner: "wallet", Amount: "12345"},
			},
		},
	}

	d, err := Extract(KindWalletTransfer, tx, "wallet")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if d.Mint != "Bought" {
		t.Errorf("expected Bought, got %s", d.Mint)
	}
	if d.Owner != "wallet" {
		t.Errorf("expected owner wallet, got %s", d.Owner)
	}
}

func TestExtract_NoMint(t *testing.T) {
	if _, err := Extract(KindTokenCreate, nil, ""); !errors.Is(err, ErrNoMint) {
		t.Errorf("expected ErrNoMint for nil tx, got %v", err)
	}

	tx := &solana.Transaction{Meta: &solana.TransactionMeta{}}
	if _, err := Extract(KindWalletTransfer, tx, "wallet"); !errors.Is(err, ErrNoMint) {
		t.Errorf("expected ErrNoMint, got %v", err)
	}
}
