package authorizer

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/moonguard/moonguard/pkg/core"
	"github.com/moonguard/moonguard/pkg/signature"
	"github.com/moonguard/moonguard/pkg/soltx"
)

// discriminator derives the 8-byte instruction tag the wallet program keys
// its dispatch on: sha256("global:<name>")[:8].
func discriminator(name string) []byte {
	sum := sha256.Sum256([]byte("global:" + name))
	return sum[:8]
}

// Signature-verification instruction layout: a 2-byte header, seven u16-LE
// offset fields, then compressed public key, raw signature and message. The
// 0xFFFF instruction index means "this instruction".
const (
	verifyOffsetsStart  = 2
	verifyDataStart     = 16
	ownInstructionIndex = 0xffff
)

// verifyInstruction builds the instruction that proves `message` was signed
// by `compressedKey`. It must precede the business instruction in the same
// transaction: the program inspects the previous instruction's data to
// confirm the check happened in the same atomic unit.
func verifyInstruction(message, compressedKey, rawSignature []byte) (soltx.Instruction, error) {
	if len(compressedKey) != signature.CompressedPublicKeyLen {
		return soltx.Instruction{}, fmt.Errorf("verify instruction: public key of %d bytes", len(compressedKey))
	}
	if len(rawSignature) != signature.RawLen {
		return soltx.Instruction{}, fmt.Errorf("verify instruction: signature of %d bytes", len(rawSignature))
	}

	pubkeyOffset := verifyDataStart
	signatureOffset := pubkeyOffset + signature.CompressedPublicKeyLen
	messageOffset := signatureOffset + signature.RawLen

	data := make([]byte, messageOffset+len(message))
	data[0] = 1 // one signature
	data[1] = 0 // padding

	le := binary.LittleEndian
	le.PutUint16(data[verifyOffsetsStart:], uint16(signatureOffset))
	le.PutUint16(data[verifyOffsetsStart+2:], ownInstructionIndex)
	le.PutUint16(data[verifyOffsetsStart+4:], uint16(pubkeyOffset))
	le.PutUint16(data[verifyOffsetsStart+6:], ownInstructionIndex)
	le.PutUint16(data[verifyOffsetsStart+8:], uint16(messageOffset))
	le.PutUint16(data[verifyOffsetsStart+10:], uint16(len(message)))
	le.PutUint16(data[verifyOffsetsStart+12:], ownInstructionIndex)

	copy(data[pubkeyOffset:], compressedKey)
	copy(data[signatureOffset:], rawSignature)
	copy(data[messageOffset:], message)

	return soltx.Instruction{
		ProgramID: core.Secp256r1VerifyID,
		Data:      data,
	}, nil
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendString(buf []byte, s string) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(len(s)))
	return append(append(buf, b[:]...), s...)
}

func appendOptionU64(buf []byte, v *uint64) []byte {
	if v == nil {
		return append(buf, 0)
	}
	return appendU64(append(buf, 1), *v)
}

func appendOptionAddress(buf []byte, a *core.Address) []byte {
	if a == nil {
		return append(buf, 0)
	}
	return append(append(buf, 1), a[:]...)
}

// createProposalData encodes the create_proposal arguments. The four option
// fields are always emitted in the program's declaration order: amount,
// destination, token_mint, token_amount.
func createProposalData(proposalID uint64, description string, proposerGuardianID uint64, action core.ProposalAction, params core.ActionParams) []byte {
	data := discriminator("create_proposal")
	data = appendU64(data, proposalID)
	data = appendString(data, description)
	data = appendU64(data, proposerGuardianID)
	data = appendString(data, string(action))
	data = appendOptionU64(data, params.Amount)
	data = appendOptionAddress(data, params.Destination)
	data = appendOptionAddress(data, params.TokenMint)
	data = appendOptionU64(data, params.TokenAmount)
	return data
}

func approveProposalData(proposalID, guardianID uint64, timestamp int64, message string) []byte {
	data := discriminator("approve_proposal")
	data = appendU64(data, proposalID)
	data = appendU64(data, guardianID)
	data = appendU64(data, uint64(timestamp))
	data = appendString(data, message)
	return data
}

func executeProposalData(proposalID uint64) []byte {
	return appendU64(discriminator("execute_proposal"), proposalID)
}

// AddGuardianData encodes the add_guardian instruction arguments: guardian
// id, name, intermediate recovery hash, owner flag and the optional WebAuthn
// public key.
func AddGuardianData(guardianID uint64, name string, recoveryHash [32]byte, isOwner bool, webauthnKey []byte) []byte {
	data := discriminator("add_guardian")
	data = appendU64(data, guardianID)
	data = appendString(data, name)
	data = append(data, recoveryHash[:]...)
	if isOwner {
		data = append(data, 1)
	} else {
		data = append(data, 0)
	}
	if len(webauthnKey) > 0 {
		data = append(data, 1)
		data = append(data, webauthnKey...)
	} else {
		data = append(data, 0)
	}
	return data
}

// InitializeMultisigData encodes the wallet initialization arguments.
func InitializeMultisigData(threshold uint8, credentialID string) []byte {
	data := discriminator("initialize_multisig")
	data = append(data, threshold)
	return appendString(data, credentialID)
}
