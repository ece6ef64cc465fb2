// Package pda derives program-owned account addresses from named seed
// components. Derivation is a pure function of the seeds and program id: the
// on-chain program performs the exact same construction, so the seed layouts
// here are a frozen protocol detail.
package pda

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"filippo.io/edwards25519"

	"github.com/moonguard/moonguard/pkg/core"
)

// Seed prefixes per address family. Changing any of these is a breaking
// protocol change.
const (
	prefixMultisig  = "multisig"
	prefixGuardian  = "guardian"
	prefixProposal  = "proposal"
	prefixSignature = "signature"
)

const (
	maxSeedLen = 32
	maxSeeds   = 16

	// multisigSeedLen is the fixed credential-seed width: 32 bytes of seed
	// budget minus the 8-byte "multisig" prefix.
	multisigSeedLen = 24
)

var derivationMarker = []byte("ProgramDerivedAddress")

// Derive searches bump bytes from 255 downward for the first seed
// combination that hashes off the edwards25519 curve. It returns
// core.ErrNoValidAddress if the whole bump space is exhausted, which is
// practically unreachable.
func Derive(programID core.Address, seeds [][]byte) (core.Address, uint8, error) {
	if len(seeds) >= maxSeeds {
		return core.Address{}, 0, fmt.Errorf("%w: %d seeds", core.ErrNoValidAddress, len(seeds))
	}
	for _, seed := range seeds {
		if len(seed) > maxSeedLen {
			return core.Address{}, 0, fmt.Errorf("%w: seed of %d bytes", core.ErrNoValidAddress, len(seed))
		}
	}
	for bump := 255; bump >= 0; bump-- {
		h := sha256.New()
		for _, seed := range seeds {
			h.Write(seed)
		}
		h.Write([]byte{uint8(bump)})
		h.Write(programID[:])
		h.Write(derivationMarker)
		digest := h.Sum(nil)
		if isOnCurve(digest) {
			continue
		}
		addr, _ := core.AddressFromBytes(digest)
		return addr, uint8(bump), nil
	}
	return core.Address{}, 0, core.ErrNoValidAddress
}

// isOnCurve reports whether the 32-byte value decodes to a valid
// edwards25519 point, i.e. could collide with an ed25519 public key.
// Derived addresses must not have a corresponding private key.
func isOnCurve(b []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}

// MultisigSeed folds a credential identifier into the fixed 24-byte wallet
// seed: identifiers longer than 24 bytes are reduced by repeated XOR,
// shorter ones are zero-padded. Must stay byte-for-byte identical to the
// on-chain program's credential processing.
func MultisigSeed(credentialID string) []byte {
	seed := make([]byte, multisigSeedLen)
	raw := []byte(credentialID)
	if len(raw) > multisigSeedLen {
		for i, b := range raw {
			seed[i%multisigSeedLen] ^= b
		}
		return seed
	}
	copy(seed, raw)
	return seed
}

// MultisigAddress derives the wallet address for an enrollment credential.
func MultisigAddress(programID core.Address, credentialID string) (core.Address, uint8, error) {
	return Derive(programID, [][]byte{[]byte(prefixMultisig), MultisigSeed(credentialID)})
}

// GuardianAddress derives the per-guardian account address.
func GuardianAddress(programID, wallet core.Address, guardianID uint64) (core.Address, uint8, error) {
	return Derive(programID, [][]byte{[]byte(prefixGuardian), wallet[:], u64LE(guardianID)})
}

// ProposalAddress derives the proposal account address.
func ProposalAddress(programID, wallet core.Address, proposalID uint64) (core.Address, uint8, error) {
	return Derive(programID, [][]byte{[]byte(prefixProposal), wallet[:], u64LE(proposalID)})
}

// SignatureAddress derives the per-guardian signature record address under a
// proposal.
func SignatureAddress(programID, proposal core.Address, guardianID uint64) (core.Address, uint8, error) {
	return Derive(programID, [][]byte{[]byte(prefixSignature), proposal[:], u64LE(guardianID)})
}

func u64LE(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}
