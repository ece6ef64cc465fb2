package core

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// Address is a 32-byte ledger account address, rendered as base58 text.
type Address [32]byte

func ParseAddress(s string) (Address, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if len(raw) != 32 {
		return Address{}, fmt.Errorf("invalid address %q: %d bytes", s, len(raw))
	}
	var a Address
	copy(a[:], raw)
	return a, nil
}

func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func AddressFromBytes(raw []byte) (Address, error) {
	if len(raw) != 32 {
		return Address{}, fmt.Errorf("invalid address: %d bytes", len(raw))
	}
	var a Address
	copy(a[:], raw)
	return a, nil
}

func (a Address) String() string {
	return base58.Encode(a[:])
}

func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(data []byte) error {
	parsed, err := ParseAddress(string(data))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Well-known program addresses referenced by assembled transactions.
var (
	SystemProgramID       = MustParseAddress("11111111111111111111111111111111")
	SysvarClockID         = MustParseAddress("SysvarC1ock11111111111111111111111111111111")
	SysvarInstructionsID  = MustParseAddress("Sysvar1nstructions1111111111111111111111111")
	Secp256r1VerifyID     = MustParseAddress("Secp256r1SigVerify1111111111111111111111111")
)
