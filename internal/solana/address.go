package solana

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// ErrInvalidAddress is returned for strings that are not base58 32-byte keys.
var ErrInvalidAddress = errors.New("invalid address")

// MetaplexProgramID is the Metaplex Token Metadata program ID.
const MetaplexProgramID = "metaqbxxUerdq28cj1RbAWkYQm3ybzjb6a8bt518x1s"

// DecodeAddress decodes a base58 public key.
func DecodeAddress(addr string) ([]byte, error) {
	b, err := base58.Decode(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, addr, err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: %q decodes to %d bytes", ErrInvalidAddress, addr, len(b))
	}
	return b, nil
}

// ValidateAddress checks that addr is a base58 32-byte public key.
func ValidateAddress(addr string) error {
	_, err := DecodeAddress(addr)
	return err
}

// IsOnCurve reports whether addr is a point on the ed25519 curve.
// Program derived addresses (pools, vaults, bonding curves) are off-curve
// and cannot sign.
func IsOnCurve(addr string) bool {
	b, err := DecodeAddress(addr)
	if err != nil {
		return false
	}
	return isOnCurve(b)
}

func isOnCurve(point []byte) bool {
	if len(point) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}

// FindProgramAddress derives a Program Derived Address for seeds, trying
// bump seeds from 255 down until the hash lands off the curve.
func FindProgramAddress(seeds [][]byte, programID string) (string, uint8, error) {
	program, err := DecodeAddress(programID)
	if err != nil {
		return "", 0, err
	}

	for bump := 255; bump > 0; bump-- {
		data := make([]byte, 0, 128)
		for _, seed := range seeds {
			data = append(data, seed...)
		}
		data = append(data, byte(bump))
		data = append(data, program...)
		data = append(data, []byte("ProgramDerivedAddress")...)

		hash := sha256.Sum256(data)
		if !isOnCurve(hash[:]) {
			return base58.Encode(hash[:]), uint8(bump), nil
		}
	}

	return "", 0, errors.New("no viable bump seed")
}

// MetadataPDA derives the Metaplex metadata account for mint.
// Seeds: ["metadata", metaplex_program_id, mint]
func MetadataPDA(mint string) (string, error) {
	mintBytes, err := DecodeAddress(mint)
	if err != nil {
		return "", err
	}
	programBytes, _ := DecodeAddress(MetaplexProgramID)

	pda, _, err := FindProgramAddress([][]byte{
		[]byte("metadata"),
		programBytes,
		mintBytes,
	}, MetaplexProgramID)
	return pda, err
}
