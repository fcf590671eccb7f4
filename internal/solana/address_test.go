package solana

import (
	"errors"
	"testing"

	"github.com/mr-tron/base58"
)

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name  string
		addr  string
		valid bool
	}{
		{"system program", "11111111111111111111111111111111", true},
		{"wsol", "So11111111111111111111111111111111111111112", true},
		{"empty", "", false},
		{"bad alphabet", "0OIl000000000000000000000000000000", false},
		{"short", "abc", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.addr)
			if tt.valid && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalidAddress) {
				t.Errorf("expected ErrInvalidAddress, got %v", err)
			}
		})
	}
}

func TestFindProgramAddress_OffCurve(t *testing.T) {
	mint := "So11111111111111111111111111111111111111112"

	pda, err := MetadataPDA(mint)
	if err != nil {
		t.Fatalf("MetadataPDA: %v", err)
	}
	if err := ValidateAddress(pda); err != nil {
		t.Fatalf("derived PDA invalid: %v", err)
	}
	if IsOnCurve(pda) {
		t.Error("derived PDA must be off-curve")
	}

	again, err := MetadataPDA(mint)
	if err != nil || again != pda {
		t.Errorf("derivation not deterministic: %s vs %s (%v)", pda, again, err)
	}
}

func TestIsOnCurve(t *testing.T) {
	// The ed25519 base point encoding is on the curve.
	basePoint := []byte{
		0x58, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66,
		0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66,
		0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66,
		0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66,
	}
	if !IsOnCurve(base58.Encode(basePoint)) {
		t.Error("expected base point on curve")
	}
	if IsOnCurve("not-an-address") {
		t.Error("invalid address must not be on curve")
	}
}
