package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Guardian is an enrolled signer on a multisig wallet, identified by a
// platform-authenticator credential.
type Guardian struct {
	ID            uint64
	WalletAddress Address
	Name          string
	// PublicKey is the guardian's SEC1 key, 33 (compressed) or 65
	// (uncompressed) bytes, exactly as returned at enrollment.
	PublicKey    []byte
	IsOwner      bool
	CredentialID string
}

// MultisigWallet mirrors the on-chain wallet configuration account.
// Threshold never exceeds GuardianCount; both change only through
// owner-authorized configuration proposals.
type MultisigWallet struct {
	Address       Address
	Threshold     uint8
	GuardianCount uint8
	Name          string
}

type ProposalStatus string

const (
	StatusPending  ProposalStatus = "Pending"
	StatusReady    ProposalStatus = "Ready"
	StatusExecuted ProposalStatus = "Executed"
	StatusRejected ProposalStatus = "Rejected"
	StatusExpired  ProposalStatus = "Expired"
)

// Terminal reports whether no further status transition is permitted.
func (s ProposalStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusRejected || s == StatusExpired
}

type ProposalAction string

const (
	ActionTransfer        ProposalAction = "transfer"
	ActionTransferToken   ProposalAction = "transfer_token"
	ActionAddGuardian     ProposalAction = "add_guardian"
	ActionChangeThreshold ProposalAction = "change_threshold"
)

// ActionParams carries the action-specific arguments of a proposal. Unused
// fields stay nil and are encoded as absent options on the wire.
type ActionParams struct {
	Amount      *uint64  `json:"amount,omitempty"`
	Destination *Address `json:"destination,omitempty"`
	TokenMint   *Address `json:"tokenMint,omitempty"`
	TokenAmount *uint64  `json:"tokenAmount,omitempty"`
	Threshold   *uint8   `json:"threshold,omitempty"`
}

// Proposal is the off-chain mirror of a pending or resolved multi-party
// authorized action. Signers holds one entry per distinct guardian identity
// (hex public key or address); insertion order carries no meaning.
type Proposal struct {
	ProposalID           uint64         `json:"proposalId"`
	MultisigAddress      Address        `json:"multisigAddress"`
	Description          string         `json:"description"`
	Action               ProposalAction `json:"action"`
	Params               ActionParams   `json:"params"`
	Status               ProposalStatus `json:"status"`
	Signers              []string       `json:"signers"`
	RequiredSignatures   int            `json:"requiredSignatures"`
	Creator              string         `json:"creator"`
	CreatedAt            time.Time      `json:"createdAt"`
	TransactionSignature string         `json:"transactionSignature,omitempty"`
}

// HasSigner reports whether the given guardian identity already approved.
func (p *Proposal) HasSigner(identity string) bool {
	for _, s := range p.Signers {
		if s == identity {
			return true
		}
	}
	return false
}

const lamportsPerSol = 1_000_000_000

// FormatLamports renders a lamport amount as a decimal SOL string.
func FormatLamports(lamports uint64) string {
	return decimal.New(int64(lamports), 0).
		Div(decimal.New(lamportsPerSol, 0)).
		String()
}
