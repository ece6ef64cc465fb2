// Package soltx assembles and serializes legacy ledger transactions. The
// wire layout (compact-u16 arrays, three-byte message header, account table
// ordering) is fixed by the ledger and must not drift.
package soltx

import (
	"crypto/ed25519"
	"fmt"

	"github.com/moonguard/moonguard/pkg/core"
)

type AccountMeta struct {
	Pubkey     core.Address
	IsSigner   bool
	IsWritable bool
}

func Meta(pubkey core.Address, signer, writable bool) AccountMeta {
	return AccountMeta{Pubkey: pubkey, IsSigner: signer, IsWritable: writable}
}

type Instruction struct {
	ProgramID core.Address
	Accounts  []AccountMeta
	Data      []byte
}

const signatureLen = 64

// Transaction is an assembled, optionally signed transaction.
type Transaction struct {
	message    []byte
	accounts   []AccountMeta
	numSigners int
	signatures [][]byte
}

// New compiles instructions into a transaction message. The fee payer
// becomes the first account and the only required signer unless instructions
// name more.
func New(feePayer core.Address, recentBlockhash [32]byte, instructions ...Instruction) (*Transaction, error) {
	if len(instructions) == 0 {
		return nil, fmt.Errorf("no instructions")
	}
	accounts := compileAccounts(feePayer, instructions)

	numSigners := 0
	numReadonlySigned := 0
	numReadonlyUnsigned := 0
	for _, m := range accounts {
		if m.IsSigner {
			numSigners++
			if !m.IsWritable {
				numReadonlySigned++
			}
		} else if !m.IsWritable {
			numReadonlyUnsigned++
		}
	}

	index := make(map[core.Address]int, len(accounts))
	for i, m := range accounts {
		index[m.Pubkey] = i
	}

	msg := make([]byte, 0, 256)
	msg = append(msg, byte(numSigners), byte(numReadonlySigned), byte(numReadonlyUnsigned))
	msg = appendCompactU16(msg, len(accounts))
	for _, m := range accounts {
		msg = append(msg, m.Pubkey[:]...)
	}
	msg = append(msg, recentBlockhash[:]...)
	msg = appendCompactU16(msg, len(instructions))
	for _, ix := range instructions {
		msg = append(msg, byte(index[ix.ProgramID]))
		msg = appendCompactU16(msg, len(ix.Accounts))
		for _, m := range ix.Accounts {
			msg = append(msg, byte(index[m.Pubkey]))
		}
		msg = appendCompactU16(msg, len(ix.Data))
		msg = append(msg, ix.Data...)
	}

	return &Transaction{
		message:    msg,
		accounts:   accounts,
		numSigners: numSigners,
		signatures: make([][]byte, numSigners),
	}, nil
}

// compileAccounts merges every referenced account into the fixed table
// order: fee payer, writable signers, readonly signers, writable
// non-signers, readonly non-signers. Program ids join as readonly
// non-signers.
func compileAccounts(feePayer core.Address, instructions []Instruction) []AccountMeta {
	merged := map[core.Address]*AccountMeta{}
	var order []core.Address

	upsert := func(m AccountMeta) {
		if existing, ok := merged[m.Pubkey]; ok {
			existing.IsSigner = existing.IsSigner || m.IsSigner
			existing.IsWritable = existing.IsWritable || m.IsWritable
			return
		}
		copied := m
		merged[m.Pubkey] = &copied
		order = append(order, m.Pubkey)
	}

	upsert(AccountMeta{Pubkey: feePayer, IsSigner: true, IsWritable: true})
	for _, ix := range instructions {
		for _, m := range ix.Accounts {
			upsert(m)
		}
		upsert(AccountMeta{Pubkey: ix.ProgramID})
	}

	rank := func(m *AccountMeta) int {
		switch {
		case m.Pubkey == feePayer:
			return 0
		case m.IsSigner && m.IsWritable:
			return 1
		case m.IsSigner:
			return 2
		case m.IsWritable:
			return 3
		default:
			return 4
		}
	}

	// Stable bucket walk keeps instruction-reference order within a rank.
	out := make([]AccountMeta, 0, len(order))
	for bucket := 0; bucket <= 4; bucket++ {
		for _, pubkey := range order {
			if m := merged[pubkey]; rank(m) == bucket {
				out = append(out, *m)
			}
		}
	}
	return out
}

// Message returns the serialized message bytes signers sign over.
func (tx *Transaction) Message() []byte {
	return tx.message
}

// Accounts returns the compiled account table.
func (tx *Transaction) Accounts() []AccountMeta {
	return tx.accounts
}

// Sign fills in the signature slot for the signer matching the key's public
// key.
func (tx *Transaction) Sign(key ed25519.PrivateKey) error {
	pub := key.Public().(ed25519.PublicKey)
	addr, err := core.AddressFromBytes(pub)
	if err != nil {
		return err
	}
	for i := 0; i < tx.numSigners; i++ {
		if tx.accounts[i].Pubkey == addr {
			tx.signatures[i] = ed25519.Sign(key, tx.message)
			return nil
		}
	}
	return fmt.Errorf("%s is not a required signer", addr)
}

// Serialize renders the full wire form. Every required signer must have
// signed.
func (tx *Transaction) Serialize() ([]byte, error) {
	out := make([]byte, 0, len(tx.message)+tx.numSigners*signatureLen+2)
	out = appendCompactU16(out, tx.numSigners)
	for i, sig := range tx.signatures {
		if len(sig) != signatureLen {
			return nil, fmt.Errorf("missing signature for %s", tx.accounts[i].Pubkey)
		}
		out = append(out, sig...)
	}
	return append(out, tx.message...), nil
}

// appendCompactU16 writes the ledger's compact-u16 length prefix: 7 bits per
// byte, low bits first, high bit as continuation flag.
func appendCompactU16(buf []byte, v int) []byte {
	for {
		if v < 0x80 {
			return append(buf, byte(v))
		}
		buf = append(buf, byte(v&0x7f)|0x80)
		v >>= 7
	}
}
