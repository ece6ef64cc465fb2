package wallet

import (
	"encoding/binary"
	"fmt"
)

// onChainMultisig is the decoded wallet configuration account. Layout:
// 8-byte discriminator, threshold, guardian count, recovery nonce, PDA
// bump, transaction nonce.
type onChainMultisig struct {
	Threshold        uint8
	GuardianCount    uint8
	RecoveryNonce    uint64
	Bump             uint8
	TransactionNonce uint64
}

const multisigAccountLen = 8 + 1 + 1 + 8 + 1 + 8

func parseMultisigAccount(data []byte) (*onChainMultisig, error) {
	if len(data) < multisigAccountLen {
		return nil, fmt.Errorf("multisig account of %d bytes, want at least %d", len(data), multisigAccountLen)
	}
	return &onChainMultisig{
		Threshold:        data[8],
		GuardianCount:    data[9],
		RecoveryNonce:    binary.LittleEndian.Uint64(data[10:18]),
		Bump:             data[18],
		TransactionNonce: binary.LittleEndian.Uint64(data[19:27]),
	}, nil
}
