// Package api exposes the wallet, guardian and proposal flows over HTTP.
// Handlers orchestrate; all domain rules live in the services they call.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/moonguard/moonguard/pkg/authorizer"
	"github.com/moonguard/moonguard/pkg/core"
	"github.com/moonguard/moonguard/pkg/credential"
	"github.com/moonguard/moonguard/pkg/guardian"
	"github.com/moonguard/moonguard/pkg/ledger"
	"github.com/moonguard/moonguard/pkg/soltx"
	"github.com/moonguard/moonguard/pkg/wallet"
)

// WalletService is the wallet-facing surface the handlers need.
type WalletService interface {
	Create(ctx context.Context, name string, threshold uint8, recoverySecret string) (*wallet.CreateResult, error)
	Info(ctx context.Context, address core.Address) (*core.MultisigWallet, error)
	Balance(ctx context.Context, address core.Address) (uint64, string, error)
}

// GuardianService covers invitation and enrollment.
type GuardianService interface {
	CreateInvitation(ctx context.Context, wallet core.Address, guardianName string) (*guardian.Invitation, error)
	Invitation(ctx context.Context, inviteCode string) (*guardian.Invitation, error)
	Enroll(ctx context.Context, inviteCode, recoverySecret string) (*guardian.EnrollResult, error)
	PendingInvitations(ctx context.Context, wallet core.Address) ([]guardian.Invitation, error)
}

// ProposalStore is the off-chain proposal mirror.
type ProposalStore interface {
	Create(ctx context.Context, p *core.Proposal) error
	Get(ctx context.Context, wallet core.Address, proposalID uint64) (*core.Proposal, error)
	ProposalsByWallet(ctx context.Context, wallet core.Address) ([]core.Proposal, error)
	RecordApproval(ctx context.Context, wallet core.Address, proposalID uint64, identity string) (*core.Proposal, error)
	RecordExecution(ctx context.Context, wallet core.Address, proposalID uint64, txSignature string) (*core.Proposal, error)
	Reconcile(ctx context.Context, wallet core.Address, proposalID uint64) (*core.Proposal, error)
}

// Authorizer builds and submits the authorized transactions.
type Authorizer interface {
	AllocateProposalID(ctx context.Context, wallet core.Address) (uint64, error)
	BuildCreate(ctx context.Context, p authorizer.CreateParams) (*soltx.Transaction, error)
	BuildApprove(ctx context.Context, proposal *core.Proposal, guardian core.Guardian) (*authorizer.ApproveResult, error)
	BuildExecute(ctx context.Context, proposal *core.Proposal) (*soltx.Transaction, error)
	SubmitAndConfirm(ctx context.Context, tx *soltx.Transaction, commitment ledger.Commitment) (string, error)
}

// CredentialDirectory resolves authenticator credentials to guardians.
type CredentialDirectory interface {
	Lookup(ctx context.Context, credentialID string) (credential.Mapping, error)
}

type Handler struct {
	wallets     WalletService
	guardians   GuardianService
	proposals   ProposalStore
	authorizer  Authorizer
	credentials CredentialDirectory
	commitment  ledger.Commitment
	logger      *zap.Logger
}

func NewHandler(wallets WalletService, guardians GuardianService, proposals ProposalStore, az Authorizer, credentials CredentialDirectory, commitment ledger.Commitment, logger *zap.Logger) *Handler {
	return &Handler{
		wallets:     wallets,
		guardians:   guardians,
		proposals:   proposals,
		authorizer:  az,
		credentials: credentials,
		commitment:  commitment,
		logger:      logger,
	}
}

// Register mounts all routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/wallets", h.createWallet)
	mux.HandleFunc("GET /v1/wallets/{address}", h.walletInfo)
	mux.HandleFunc("POST /v1/wallets/{address}/invitations", h.createInvitation)
	mux.HandleFunc("GET /v1/wallets/{address}/invitations", h.pendingInvitations)
	mux.HandleFunc("GET /v1/invitations/{code}", h.invitation)
	mux.HandleFunc("POST /v1/invitations/{code}/enroll", h.enroll)
	mux.HandleFunc("POST /v1/wallets/{address}/proposals", h.createProposal)
	mux.HandleFunc("GET /v1/wallets/{address}/proposals", h.listProposals)
	mux.HandleFunc("GET /v1/wallets/{address}/proposals/{id}", h.getProposal)
	mux.HandleFunc("POST /v1/wallets/{address}/proposals/{id}/approve", h.approveProposal)
	mux.HandleFunc("POST /v1/wallets/{address}/proposals/{id}/execute", h.executeProposal)
}

func (h *Handler) createWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string `json:"name"`
		Threshold      uint8  `json:"threshold"`
		RecoverySecret string `json:"recoverySecret"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.Name == "" || req.Threshold == 0 {
		h.fail(w, http.StatusBadRequest, errors.New("name and threshold are required"))
		return
	}
	result, err := h.wallets.Create(r.Context(), req.Name, req.Threshold, req.RecoverySecret)
	if err != nil {
		h.failFrom(w, err)
		return
	}
	h.reply(w, http.StatusCreated, map[string]any{
		"address":              result.Wallet.Address,
		"threshold":            result.Wallet.Threshold,
		"credentialId":         result.CredentialID,
		"transactionSignature": result.TransactionSignature,
	})
}

func (h *Handler) walletInfo(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.pathAddress(w, r)
	if !ok {
		return
	}
	info, err := h.wallets.Info(r.Context(), addr)
	if err != nil {
		h.failFrom(w, err)
		return
	}
	lamports, sol, err := h.wallets.Balance(r.Context(), addr)
	if err != nil {
		h.failFrom(w, err)
		return
	}
	h.reply(w, http.StatusOK, map[string]any{
		"address":       info.Address,
		"name":          info.Name,
		"threshold":     info.Threshold,
		"guardianCount": info.GuardianCount,
		"lamports":      lamports,
		"balance":       sol,
	})
}

func (h *Handler) createInvitation(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.pathAddress(w, r)
	if !ok {
		return
	}
	var req struct {
		GuardianName string `json:"guardianName"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.GuardianName == "" {
		h.fail(w, http.StatusBadRequest, errors.New("guardianName is required"))
		return
	}
	inv, err := h.guardians.CreateInvitation(r.Context(), addr, req.GuardianName)
	if err != nil {
		h.failFrom(w, err)
		return
	}
	h.reply(w, http.StatusCreated, inv)
}

func (h *Handler) pendingInvitations(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.pathAddress(w, r)
	if !ok {
		return
	}
	invs, err := h.guardians.PendingInvitations(r.Context(), addr)
	if err != nil {
		h.failFrom(w, err)
		return
	}
	h.reply(w, http.StatusOK, map[string]any{"invitations": invs})
}

func (h *Handler) invitation(w http.ResponseWriter, r *http.Request) {
	inv, err := h.guardians.Invitation(r.Context(), r.PathValue("code"))
	if err != nil {
		h.failFrom(w, err)
		return
	}
	h.reply(w, http.StatusOK, inv)
}

func (h *Handler) enroll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RecoverySecret string `json:"recoverySecret"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.guardians.Enroll(r.Context(), r.PathValue("code"), req.RecoverySecret)
	if err != nil {
		h.failFrom(w, err)
		return
	}
	h.reply(w, http.StatusOK, map[string]any{
		"guardianId":           result.Guardian.ID,
		"walletAddress":        result.Guardian.WalletAddress,
		"transactionSignature": result.TransactionSignature,
	})
}

func (h *Handler) createProposal(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.pathAddress(w, r)
	if !ok {
		return
	}
	var req struct {
		Description        string              `json:"description"`
		Action             core.ProposalAction `json:"action"`
		Params             core.ActionParams   `json:"params"`
		ProposerGuardianID uint64              `json:"proposerGuardianId"`
		RequiredSignatures int                 `json:"requiredSignatures"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.Description == "" || req.Action == "" || req.ProposerGuardianID == 0 || req.RequiredSignatures < 1 {
		h.fail(w, http.StatusBadRequest, errors.New("description, action, proposerGuardianId and requiredSignatures are required"))
		return
	}

	ctx := r.Context()
	proposalID, err := h.authorizer.AllocateProposalID(ctx, addr)
	if err != nil {
		h.failFrom(w, err)
		return
	}
	tx, err := h.authorizer.BuildCreate(ctx, authorizer.CreateParams{
		Wallet:             addr,
		ProposalID:         proposalID,
		Description:        req.Description,
		ProposerGuardianID: req.ProposerGuardianID,
		Action:             req.Action,
		Params:             req.Params,
	})
	if err != nil {
		h.failFrom(w, err)
		return
	}
	sig, err := h.authorizer.SubmitAndConfirm(ctx, tx, h.commitment)
	if err != nil {
		h.failFrom(w, err)
		return
	}

	p := &core.Proposal{
		ProposalID:         proposalID,
		MultisigAddress:    addr,
		Description:        req.Description,
		Action:             req.Action,
		Params:             req.Params,
		Status:             core.StatusPending,
		RequiredSignatures: req.RequiredSignatures,
		Creator:            "guardian_" + strconv.FormatUint(req.ProposerGuardianID, 10),
	}
	if err := h.proposals.Create(ctx, p); err != nil {
		h.failFrom(w, err)
		return
	}
	h.reply(w, http.StatusCreated, map[string]any{
		"proposal":             p,
		"transactionSignature": sig,
	})
}

func (h *Handler) listProposals(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.pathAddress(w, r)
	if !ok {
		return
	}
	proposals, err := h.proposals.ProposalsByWallet(r.Context(), addr)
	if err != nil {
		h.failFrom(w, err)
		return
	}
	h.reply(w, http.StatusOK, map[string]any{"proposals": proposals})
}

func (h *Handler) getProposal(w http.ResponseWriter, r *http.Request) {
	addr, proposalID, ok := h.pathProposal(w, r)
	if !ok {
		return
	}
	p, err := h.proposals.Get(r.Context(), addr, proposalID)
	if err != nil {
		h.failFrom(w, err)
		return
	}
	h.reply(w, http.StatusOK, p)
}

// approveProposal runs one guardian approval end to end: resolve the
// credential, assemble the two-instruction transaction, land it, then record
// the signer off chain.
func (h *Handler) approveProposal(w http.ResponseWriter, r *http.Request) {
	addr, proposalID, ok := h.pathProposal(w, r)
	if !ok {
		return
	}
	var req struct {
		CredentialID string `json:"credentialId"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.CredentialID == "" {
		h.fail(w, http.StatusBadRequest, errors.New("credentialId is required"))
		return
	}

	ctx := r.Context()
	mapping, err := h.credentials.Lookup(ctx, req.CredentialID)
	if err != nil {
		h.failFrom(w, err)
		return
	}
	if mapping.WalletAddress != addr.String() {
		h.fail(w, http.StatusForbidden, errors.New("credential belongs to another wallet"))
		return
	}
	p, err := h.proposals.Get(ctx, addr, proposalID)
	if err != nil {
		h.failFrom(w, err)
		return
	}
	if p.Status == core.StatusRejected || p.Status == core.StatusExpired {
		h.fail(w, http.StatusConflict, errors.Errorf("proposal is %s", p.Status))
		return
	}

	g := core.Guardian{
		ID:            mapping.GuardianID,
		WalletAddress: addr,
		PublicKey:     mapping.PublicKey,
		CredentialID:  mapping.CredentialID,
	}
	result, err := h.authorizer.BuildApprove(ctx, p, g)
	if err != nil {
		h.failFrom(w, err)
		return
	}
	sig, err := h.authorizer.SubmitAndConfirm(ctx, result.Tx, h.commitment)
	if err != nil {
		if errors.Is(err, core.ErrUnconfirmedTransaction) {
			// The approval may have landed without the signer being
			// recorded. Refresh the mirror and hand the signature back so
			// the client can retry the recording once the ledger settles.
			if p, rerr := h.proposals.Reconcile(ctx, addr, proposalID); rerr == nil {
				h.reply(w, http.StatusAccepted, map[string]any{
					"proposal":             p,
					"message":              result.Message,
					"transactionSignature": sig,
				})
				return
			}
		}
		h.failFrom(w, err)
		return
	}
	updated, err := h.proposals.RecordApproval(ctx, addr, proposalID, result.SignerIdentity)
	if err != nil {
		h.failFrom(w, err)
		return
	}
	h.reply(w, http.StatusOK, map[string]any{
		"proposal":             updated,
		"message":              result.Message,
		"transactionSignature": sig,
	})
}

func (h *Handler) executeProposal(w http.ResponseWriter, r *http.Request) {
	addr, proposalID, ok := h.pathProposal(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	p, err := h.proposals.Get(ctx, addr, proposalID)
	if err != nil {
		h.failFrom(w, err)
		return
	}
	tx, err := h.authorizer.BuildExecute(ctx, p)
	if err != nil {
		h.failFrom(w, err)
		return
	}
	sig, err := h.authorizer.SubmitAndConfirm(ctx, tx, h.commitment)
	if err != nil {
		if errors.Is(err, core.ErrUnconfirmedTransaction) {
			// The transaction may have landed. Refresh from the ledger
			// instead of guessing.
			if p, rerr := h.proposals.Reconcile(ctx, addr, proposalID); rerr == nil {
				h.reply(w, http.StatusAccepted, map[string]any{
					"proposal":             p,
					"transactionSignature": sig,
				})
				return
			}
		}
		h.failFrom(w, err)
		return
	}
	updated, err := h.proposals.RecordExecution(ctx, addr, proposalID, sig)
	if err != nil {
		h.failFrom(w, err)
		return
	}
	h.reply(w, http.StatusOK, map[string]any{
		"proposal":             updated,
		"transactionSignature": sig,
	})
}

func (h *Handler) pathAddress(w http.ResponseWriter, r *http.Request) (core.Address, bool) {
	addr, err := core.ParseAddress(r.PathValue("address"))
	if err != nil {
		h.fail(w, http.StatusBadRequest, errors.Wrap(err, "parse address"))
		return core.Address{}, false
	}
	return addr, true
}

func (h *Handler) pathProposal(w http.ResponseWriter, r *http.Request) (core.Address, uint64, bool) {
	addr, ok := h.pathAddress(w, r)
	if !ok {
		return core.Address{}, 0, false
	}
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		h.fail(w, http.StatusBadRequest, errors.Wrap(err, "parse proposal id"))
		return core.Address{}, 0, false
	}
	return addr, id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.fail(w, http.StatusBadRequest, errors.Wrap(err, "decode request"))
		return false
	}
	return true
}

func (h *Handler) reply(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("write response", zap.Error(err))
	}
}

func (h *Handler) fail(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	h.reply(w, status, map[string]string{"error": err.Error()})
}

func (h *Handler) failFrom(w http.ResponseWriter, err error) {
	h.fail(w, statusOf(err), err)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, core.ErrEntityNotFound), errors.Is(err, core.ErrUnknownCredential):
		return http.StatusNotFound
	case errors.Is(err, core.ErrMalformedSignature), errors.Is(err, core.ErrNoValidAddress):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrUserCancelled):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrThresholdNotMet),
		errors.Is(err, core.ErrAlreadyExecuted),
		errors.Is(err, core.ErrInvalidStateTransition):
		return http.StatusConflict
	case errors.Is(err, core.ErrAuthenticatorUnavailable),
		errors.Is(err, core.ErrSubmissionFailed),
		errors.Is(err, core.ErrUnconfirmedTransaction),
		errors.Is(err, core.ErrConfirmationTimeout):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
