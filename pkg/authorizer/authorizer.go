// Package authorizer composes the signature-authorization pipeline: capture
// an assertion, normalize its signature, derive the involved addresses and
// assemble the two-instruction transaction that first proves signature
// validity and then performs the authorized action.
package authorizer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/moonguard/moonguard/pkg/core"
	"github.com/moonguard/moonguard/pkg/credential"
	"github.com/moonguard/moonguard/pkg/ledger"
	"github.com/moonguard/moonguard/pkg/pda"
	"github.com/moonguard/moonguard/pkg/signature"
	"github.com/moonguard/moonguard/pkg/soltx"
	"github.com/moonguard/moonguard/pkg/webauthn"
)

// AuthorizedAction couples the signature-verification instruction with the
// business instruction it authorizes. The two are one atomic unit: the
// on-chain program checks that the verification happened in the instruction
// immediately before its own.
type AuthorizedAction struct {
	// Verification is nil for operations whose authority comes from the
	// business instruction's signer account (create, execute).
	Verification *soltx.Instruction
	Business     soltx.Instruction
}

// Instructions returns the instruction list in mandatory order:
// verification first, business second.
func (a AuthorizedAction) Instructions() []soltx.Instruction {
	if a.Verification == nil {
		return []soltx.Instruction{a.Business}
	}
	return []soltx.Instruction{*a.Verification, a.Business}
}

type Authorizer struct {
	programID    core.Address
	feePayer     ed25519.PrivateKey
	feePayerAddr core.Address
	ledger       ledger.Client
	credentials  *credential.Authority
	logger       *zap.Logger
}

func New(programID core.Address, feePayer ed25519.PrivateKey, lc ledger.Client, credentials *credential.Authority, logger *zap.Logger) (*Authorizer, error) {
	addr, err := core.AddressFromBytes(feePayer.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &Authorizer{
		programID:    programID,
		feePayer:     feePayer,
		feePayerAddr: addr,
		ledger:       lc,
		credentials:  credentials,
		logger:       logger,
	}, nil
}

// CreateParams describes a new proposal.
type CreateParams struct {
	Wallet             core.Address
	ProposalID         uint64
	Description        string
	ProposerGuardianID uint64
	Action             core.ProposalAction
	Params             core.ActionParams
}

// BuildCreate assembles the create-proposal transaction. No authorization
// instruction is attached: the proposer's authority is asserted by the
// business instruction's signer account.
func (a *Authorizer) BuildCreate(ctx context.Context, p CreateParams) (*soltx.Transaction, error) {
	proposalAddr, _, err := pda.ProposalAddress(a.programID, p.Wallet, p.ProposalID)
	if err != nil {
		return nil, errors.Wrap(err, "derive proposal address")
	}
	guardianAddr, _, err := pda.GuardianAddress(a.programID, p.Wallet, p.ProposerGuardianID)
	if err != nil {
		return nil, errors.Wrap(err, "derive guardian address")
	}

	action := AuthorizedAction{
		Business: soltx.Instruction{
			ProgramID: a.programID,
			Accounts: []soltx.AccountMeta{
				soltx.Meta(p.Wallet, false, true),
				soltx.Meta(proposalAddr, false, true),
				soltx.Meta(guardianAddr, false, false),
				soltx.Meta(a.feePayerAddr, true, true),
				soltx.Meta(core.SysvarClockID, false, false),
				soltx.Meta(core.SystemProgramID, false, false),
			},
			Data: createProposalData(p.ProposalID, p.Description, p.ProposerGuardianID, p.Action, p.Params),
		},
	}
	return a.assemble(ctx, action)
}

// ApproveResult carries the assembled approval transaction together with the
// identity to record off-chain once the transaction confirms.
type ApproveResult struct {
	Tx *soltx.Transaction
	// Action exposes the two instructions so failures can be attributed to
	// the verification or the business half.
	Action AuthorizedAction
	// Message is the exact challenge the guardian's authenticator signed.
	Message   string
	Timestamp int64
	// SignerIdentity is the hex public key recorded in the proposal's
	// signer set.
	SignerIdentity string
}

// BuildApprove runs the full authorization pipeline for one guardian
// approval. Any step failure aborts the whole build; nothing is submitted.
func (a *Authorizer) BuildApprove(ctx context.Context, proposal *core.Proposal, guardian core.Guardian) (*ApproveResult, error) {
	publicKey, err := a.credentials.ResolvePublicKey(ctx, guardian.CredentialID)
	if err != nil {
		return nil, errors.Wrap(err, "resolve guardian key")
	}

	timestamp := time.Now().Unix()
	message := credential.ChallengeMessage("approve", proposal.ProposalID, guardian.ID, timestamp, publicKey)

	assertion, err := a.credentials.RequestAssertion(ctx, message, []string{guardian.CredentialID})
	if err != nil {
		// Cancellation fully unwinds the pipeline; no partial state survives.
		return nil, errors.Wrap(err, "obtain signature")
	}

	rawSig, err := signature.DERToRaw(assertion.Signature)
	if err != nil {
		return nil, errors.Wrap(err, "decode signature")
	}
	rawSig, err = signature.NormalizeLowS(rawSig)
	if err != nil {
		return nil, errors.Wrap(err, "normalize signature")
	}
	compressedKey, err := signature.CompressPublicKey(publicKey)
	if err != nil {
		return nil, errors.Wrap(err, "compress public key")
	}
	verificationData := webauthn.VerificationData(assertion.AuthenticatorData, assertion.ClientDataJSON)

	verifyIx, err := verifyInstruction(verificationData, compressedKey, rawSig)
	if err != nil {
		return nil, errors.Wrap(err, "build verification instruction")
	}

	wallet := proposal.MultisigAddress
	proposalAddr, _, err := pda.ProposalAddress(a.programID, wallet, proposal.ProposalID)
	if err != nil {
		return nil, errors.Wrap(err, "derive proposal address")
	}
	guardianAddr, _, err := pda.GuardianAddress(a.programID, wallet, guardian.ID)
	if err != nil {
		return nil, errors.Wrap(err, "derive guardian address")
	}
	signatureAddr, _, err := pda.SignatureAddress(a.programID, proposalAddr, guardian.ID)
	if err != nil {
		return nil, errors.Wrap(err, "derive signature record address")
	}

	action := AuthorizedAction{
		Verification: &verifyIx,
		Business: soltx.Instruction{
			ProgramID: a.programID,
			Accounts: []soltx.AccountMeta{
				soltx.Meta(wallet, false, true),
				soltx.Meta(proposalAddr, false, true),
				soltx.Meta(signatureAddr, false, true),
				soltx.Meta(guardianAddr, false, false),
				soltx.Meta(a.feePayerAddr, true, true),
				soltx.Meta(core.SysvarInstructionsID, false, false),
				soltx.Meta(core.SysvarClockID, false, false),
				soltx.Meta(core.SystemProgramID, false, false),
			},
			Data: approveProposalData(proposal.ProposalID, guardian.ID, timestamp, message),
		},
	}
	tx, err := a.assemble(ctx, action)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("approval assembled",
		zap.Uint64("proposalId", proposal.ProposalID),
		zap.Uint64("guardianId", guardian.ID),
		zap.String("message", message))
	return &ApproveResult{
		Tx:             tx,
		Action:         action,
		Message:        message,
		Timestamp:      timestamp,
		SignerIdentity: hex.EncodeToString(publicKey),
	}, nil
}

// BuildExecute assembles the execute transaction for a Ready proposal. The
// threshold was proven during approval, so no verification instruction is
// needed.
func (a *Authorizer) BuildExecute(ctx context.Context, proposal *core.Proposal) (*soltx.Transaction, error) {
	switch proposal.Status {
	case core.StatusReady:
	case core.StatusPending:
		return nil, errors.Wrapf(core.ErrThresholdNotMet,
			"%d of %d signatures", len(proposal.Signers), proposal.RequiredSignatures)
	case core.StatusExecuted:
		return nil, core.ErrAlreadyExecuted
	default:
		return nil, errors.Wrapf(core.ErrInvalidStateTransition, "execute from %s", proposal.Status)
	}

	proposalAddr, _, err := pda.ProposalAddress(a.programID, proposal.MultisigAddress, proposal.ProposalID)
	if err != nil {
		return nil, errors.Wrap(err, "derive proposal address")
	}

	accounts := []soltx.AccountMeta{
		soltx.Meta(proposal.MultisigAddress, false, true),
		soltx.Meta(proposalAddr, false, true),
		soltx.Meta(a.feePayerAddr, true, true),
	}
	if proposal.Params.Destination != nil {
		accounts = append(accounts, soltx.Meta(*proposal.Params.Destination, false, true))
	}
	accounts = append(accounts,
		soltx.Meta(core.SysvarClockID, false, false),
		soltx.Meta(core.SystemProgramID, false, false),
	)

	action := AuthorizedAction{
		Business: soltx.Instruction{
			ProgramID: a.programID,
			Accounts:  accounts,
			Data:      executeProposalData(proposal.ProposalID),
		},
	}
	return a.assemble(ctx, action)
}

// BuildInitializeMultisig assembles the transaction creating a wallet's
// configuration account at the address derived from the owner's credential.
func (a *Authorizer) BuildInitializeMultisig(ctx context.Context, wallet core.Address, threshold uint8, credentialID string) (*soltx.Transaction, error) {
	action := AuthorizedAction{
		Business: soltx.Instruction{
			ProgramID: a.programID,
			Accounts: []soltx.AccountMeta{
				soltx.Meta(wallet, false, true),
				soltx.Meta(a.feePayerAddr, true, true),
				soltx.Meta(core.SystemProgramID, false, false),
			},
			Data: InitializeMultisigData(threshold, credentialID),
		},
	}
	return a.assemble(ctx, action)
}

// BuildAddGuardian assembles the guardian enrollment transaction. The
// guardian's passkey public key is stored compressed on chain; recoveryHash
// is the hashed recovery secret used by the recovery flow.
func (a *Authorizer) BuildAddGuardian(ctx context.Context, guardian core.Guardian, recoveryHash [32]byte) (*soltx.Transaction, error) {
	guardianAddr, _, err := pda.GuardianAddress(a.programID, guardian.WalletAddress, guardian.ID)
	if err != nil {
		return nil, errors.Wrap(err, "derive guardian address")
	}
	compressedKey, err := signature.CompressPublicKey(guardian.PublicKey)
	if err != nil {
		return nil, errors.Wrap(err, "compress public key")
	}

	action := AuthorizedAction{
		Business: soltx.Instruction{
			ProgramID: a.programID,
			Accounts: []soltx.AccountMeta{
				soltx.Meta(guardian.WalletAddress, false, true),
				soltx.Meta(guardianAddr, false, true),
				soltx.Meta(a.feePayerAddr, false, false),
				soltx.Meta(a.feePayerAddr, true, true),
				soltx.Meta(core.SystemProgramID, false, false),
			},
			Data: AddGuardianData(guardian.ID, guardian.Name, recoveryHash, guardian.IsOwner, compressedKey),
		},
	}
	return a.assemble(ctx, action)
}

// FeePayerAddress returns the service fee payer's public address.
func (a *Authorizer) FeePayerAddress() core.Address {
	return a.feePayerAddr
}

func (a *Authorizer) assemble(ctx context.Context, action AuthorizedAction) (*soltx.Transaction, error) {
	blockhash, err := a.ledger.LatestBlockhash(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "fetch blockhash")
	}
	tx, err := soltx.New(a.feePayerAddr, blockhash, action.Instructions()...)
	if err != nil {
		return nil, errors.Wrap(err, "compile transaction")
	}
	if err := tx.Sign(a.feePayer); err != nil {
		return nil, errors.Wrap(err, "sign as fee payer")
	}
	return tx, nil
}

// Submit serializes and sends the transaction. Failures surface as
// core.ErrSubmissionFailed with the node error attached.
func (a *Authorizer) Submit(ctx context.Context, tx *soltx.Transaction) (string, error) {
	wire, err := tx.Serialize()
	if err != nil {
		return "", errors.Wrap(err, "serialize")
	}
	return a.ledger.Submit(ctx, wire)
}

// SubmitAndConfirm submits and waits for confirmation. A confirmation
// failure after a successful submit is core.ErrUnconfirmedTransaction, not a
// rollback: the transaction may have landed, and the caller must re-query
// ledger state before retrying.
func (a *Authorizer) SubmitAndConfirm(ctx context.Context, tx *soltx.Transaction, commitment ledger.Commitment) (string, error) {
	sig, err := a.Submit(ctx, tx)
	if err != nil {
		return "", err
	}
	if err := a.ledger.Confirm(ctx, sig, commitment); err != nil {
		return sig, errors.Wrapf(core.ErrUnconfirmedTransaction, "%s: %v", sig, err)
	}
	return sig, nil
}

// AllocateProposalID picks a random 64-bit proposal id and verifies no
// account already exists at the derived proposal address. Wall-clock ids
// invite collisions under concurrent proposers; random ids with an existence
// probe do not.
func (a *Authorizer) AllocateProposalID(ctx context.Context, wallet core.Address) (uint64, error) {
	const attempts = 5
	for i := 0; i < attempts; i++ {
		var b [8]byte
		if _, err := rand.Read(b[:]); err != nil {
			return 0, errors.Wrap(err, "read random id")
		}
		id := binary.LittleEndian.Uint64(b[:])
		if id == 0 {
			continue
		}
		proposalAddr, _, err := pda.ProposalAddress(a.programID, wallet, id)
		if err != nil {
			return 0, err
		}
		existing, err := a.ledger.GetAccountInfo(ctx, proposalAddr)
		if err != nil {
			return 0, errors.Wrap(err, "probe proposal address")
		}
		if existing == nil {
			return id, nil
		}
	}
	return 0, errors.New("proposal id space probe exhausted")
}
