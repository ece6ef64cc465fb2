// Package ledger is the client for submitting signed transactions and
// reading account state. Transactions are opaque byte payloads assembled
// elsewhere; this package never interprets their contents.
package ledger

import (
	"context"

	"github.com/moonguard/moonguard/pkg/core"
)

type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// reached reports whether a status at level `have` satisfies `want`.
func (want Commitment) reached(have Commitment) bool {
	level := map[Commitment]int{
		CommitmentProcessed: 0,
		CommitmentConfirmed: 1,
		CommitmentFinalized: 2,
	}
	return level[have] >= level[want]
}

type Client interface {
	// Submit sends serialized transaction bytes; failures carry
	// core.ErrSubmissionFailed with the raw node error attached.
	Submit(ctx context.Context, tx []byte) (string, error)
	// Confirm polls the signature status until it reaches the commitment.
	// A bounded number of polls is attempted; exhaustion surfaces as
	// core.ErrConfirmationTimeout rather than hanging.
	Confirm(ctx context.Context, signature string, commitment Commitment) error
	// GetAccountInfo returns raw account bytes, or nil when the account
	// does not exist.
	GetAccountInfo(ctx context.Context, address core.Address) ([]byte, error)
	GetBalance(ctx context.Context, address core.Address) (uint64, error)
	LatestBlockhash(ctx context.Context) ([32]byte, error)
}
