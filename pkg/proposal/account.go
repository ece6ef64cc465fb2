package proposal

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/moonguard/moonguard/pkg/core"
)

// onChainProposal is the decoded on-chain proposal account. Layout:
// 8-byte discriminator, multisig address, proposal id, description string,
// action string, status byte, signature count, required signatures,
// creation timestamp, proposer address.
type onChainProposal struct {
	Multisig           core.Address
	ProposalID         uint64
	Description        string
	Action             core.ProposalAction
	Status             core.ProposalStatus
	SignatureCount     uint8
	RequiredSignatures uint8
	CreatedAt          time.Time
	Proposer           core.Address
}

var statusByName = [...]core.ProposalStatus{
	core.StatusPending,
	core.StatusReady,
	core.StatusExecuted,
	core.StatusRejected,
	core.StatusExpired,
}

func parseProposalAccount(data []byte) (*onChainProposal, error) {
	const discriminatorLen = 8
	r := reader{buf: data, off: discriminatorLen}

	multisig := r.address()
	proposalID := r.u64()
	description := r.str()
	action := r.str()
	status := r.u8()
	signatureCount := r.u8()
	required := r.u8()
	createdAt := r.u64()
	proposer := r.address()
	if r.err != nil {
		return nil, fmt.Errorf("proposal account of %d bytes: %w", len(data), r.err)
	}
	if int(status) >= len(statusByName) {
		return nil, fmt.Errorf("proposal account: status byte %d", status)
	}
	return &onChainProposal{
		Multisig:           multisig,
		ProposalID:         proposalID,
		Description:        description,
		Action:             core.ProposalAction(action),
		Status:             statusByName[status],
		SignatureCount:     signatureCount,
		RequiredSignatures: required,
		CreatedAt:          time.Unix(int64(createdAt), 0).UTC(),
		Proposer:           proposer,
	}, nil
}

// reader is a bounds-checked cursor over account bytes; the first failure
// sticks.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("truncated at offset %d", r.off)
		return nil
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) str() string {
	n := r.take(4)
	if n == nil {
		return ""
	}
	return string(r.take(int(binary.LittleEndian.Uint32(n))))
}

func (r *reader) address() core.Address {
	b := r.take(32)
	if b == nil {
		return core.Address{}
	}
	addr, _ := core.AddressFromBytes(b)
	return addr
}
