// Package guardian runs the enrollment flow: invite a person, let them
// create a passkey, register the key on chain and record the
// credential-to-wallet mapping.
package guardian

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/puzpuzpuz/xsync/v2"
	"go.uber.org/zap"

	"github.com/moonguard/moonguard/pkg/authorizer"
	"github.com/moonguard/moonguard/pkg/core"
	"github.com/moonguard/moonguard/pkg/credential"
	"github.com/moonguard/moonguard/pkg/docstore"
	"github.com/moonguard/moonguard/pkg/ledger"
	"github.com/moonguard/moonguard/pkg/pda"
	"github.com/moonguard/moonguard/pkg/signature"
	"github.com/moonguard/moonguard/pkg/webauthn"
)

const (
	invitationsCollection = "invitations"
	inviteCodeLen         = 8
	// Unclaimed invitations expire after this long.
	inviteTTL = 30 * time.Minute
	// maxGuardians is the number of guardian slots the on-chain program
	// supports per wallet.
	maxGuardians = 8
)

type InviteStatus string

const (
	InvitePending   InviteStatus = "pending"
	InviteCompleted InviteStatus = "completed"
)

// Invitation is a one-shot enrollment offer for a specific guardian slot.
type Invitation struct {
	InviteCode           string       `json:"inviteCode"`
	WalletAddress        core.Address `json:"multisigAddress"`
	GuardianID           uint64       `json:"guardianId"`
	GuardianName         string       `json:"guardianName"`
	Status               InviteStatus `json:"status"`
	CreatedAt            time.Time    `json:"createdAt"`
	TransactionSignature string       `json:"transactionSignature,omitempty"`
}

type Service struct {
	docs        docstore.Store
	credentials *credential.Authority
	authn       webauthn.Authenticator
	authorizer  *authorizer.Authorizer
	ledger      ledger.Client
	programID   core.Address
	logger      *zap.Logger
	// inviteLocks serializes slot allocation per wallet so concurrent
	// invitations cannot reserve the same guardian id.
	inviteLocks *xsync.MapOf[string, *sync.Mutex]
}

func NewService(docs docstore.Store, credentials *credential.Authority, authn webauthn.Authenticator, az *authorizer.Authorizer, lc ledger.Client, programID core.Address, logger *zap.Logger) *Service {
	return &Service{
		docs:        docs,
		credentials: credentials,
		authn:       authn,
		authorizer:  az,
		ledger:      lc,
		programID:   programID,
		logger:      logger,
		inviteLocks: xsync.NewMapOf[*sync.Mutex](),
	}
}

func (s *Service) lockWallet(wallet core.Address) func() {
	mu, _ := s.inviteLocks.LoadOrStore(wallet.String(), &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

// CreateInvitation reserves the next free guardian slot on the wallet and
// returns an invitation carrying a fresh random code. Slot numbering starts
// at 2: slot 1 is always the wallet owner, enrolled at wallet creation.
// Slots already registered on chain are skipped, so guardians enrolled
// outside the invitation flow do not get double-booked.
func (s *Service) CreateInvitation(ctx context.Context, wallet core.Address, guardianName string) (*Invitation, error) {
	defer s.lockWallet(wallet)()

	highest := uint64(1)
	existing, err := s.docs.Query(ctx, invitationsCollection, docstore.Filter{"multisigAddress": wallet.String()})
	if err != nil {
		return nil, errors.Wrap(err, "list invitations")
	}
	for _, k := range existing {
		var inv Invitation
		if err := docstore.Decode(k.Doc, &inv); err != nil {
			return nil, errors.Wrap(err, "decode invitation")
		}
		if inv.GuardianID > highest {
			highest = inv.GuardianID
		}
	}

	guardianID := highest + 1
	for ; guardianID <= maxGuardians; guardianID++ {
		addr, _, err := pda.GuardianAddress(s.programID, wallet, guardianID)
		if err != nil {
			return nil, errors.Wrap(err, "derive guardian address")
		}
		occupied, err := s.ledger.GetAccountInfo(ctx, addr)
		if err != nil {
			return nil, errors.Wrap(err, "probe guardian slot")
		}
		if occupied == nil {
			break
		}
	}
	if guardianID > maxGuardians {
		return nil, errors.Errorf("all %d guardian slots are taken", maxGuardians)
	}

	code, err := randomInviteCode()
	if err != nil {
		return nil, err
	}
	inv := &Invitation{
		InviteCode:    code,
		WalletAddress: wallet,
		GuardianID:    guardianID,
		GuardianName:  guardianName,
		Status:        InvitePending,
		CreatedAt:     time.Now().UTC(),
	}
	doc, err := docstore.Encode(inv)
	if err != nil {
		return nil, err
	}
	if err := s.docs.Put(ctx, invitationsCollection, code, doc); err != nil {
		return nil, errors.Wrap(err, "store invitation")
	}
	s.logger.Info("guardian invitation created",
		zap.String("wallet", wallet.String()),
		zap.Uint64("guardianId", inv.GuardianID))
	return inv, nil
}

// Invitation looks up an invitation by code.
func (s *Service) Invitation(ctx context.Context, inviteCode string) (*Invitation, error) {
	doc, err := s.docs.Get(ctx, invitationsCollection, inviteCode)
	if err != nil {
		return nil, err
	}
	var inv Invitation
	if err := docstore.Decode(doc, &inv); err != nil {
		return nil, errors.Wrap(err, "decode invitation")
	}
	return &inv, nil
}

// EnrollResult reports a completed enrollment.
type EnrollResult struct {
	Guardian             core.Guardian
	TransactionSignature string
}

// Enroll claims an invitation: creates a passkey on the invitee's
// authenticator, registers the guardian on chain and saves the credential
// mapping. The recovery secret is hashed before it leaves this function;
// the plaintext is never stored or transmitted.
func (s *Service) Enroll(ctx context.Context, inviteCode, recoverySecret string) (*EnrollResult, error) {
	inv, err := s.Invitation(ctx, inviteCode)
	if err != nil {
		return nil, errors.Wrap(err, "look up invitation")
	}
	if inv.Status != InvitePending {
		return nil, errors.Wrapf(core.ErrInvalidStateTransition, "invitation is %s", inv.Status)
	}
	if time.Since(inv.CreatedAt) > inviteTTL {
		return nil, errors.Wrap(core.ErrEntityNotFound, "invitation expired")
	}

	guardianAddr, _, err := pda.GuardianAddress(s.programID, inv.WalletAddress, inv.GuardianID)
	if err != nil {
		return nil, errors.Wrap(err, "derive guardian address")
	}
	occupied, err := s.ledger.GetAccountInfo(ctx, guardianAddr)
	if err != nil {
		return nil, errors.Wrap(err, "probe guardian slot")
	}
	if occupied != nil {
		return nil, errors.Errorf("guardian slot %d already registered on chain", inv.GuardianID)
	}

	cred, err := s.authn.CreateCredential(ctx, inv.GuardianName)
	if err != nil {
		return nil, errors.Wrap(err, "create credential")
	}
	compressedKey, err := signature.CompressPublicKey(cred.PublicKey)
	if err != nil {
		return nil, errors.Wrap(err, "compress public key")
	}

	g := core.Guardian{
		ID:            inv.GuardianID,
		WalletAddress: inv.WalletAddress,
		Name:          inv.GuardianName,
		PublicKey:     cred.PublicKey,
		IsOwner:       false,
		CredentialID:  cred.ID,
	}
	tx, err := s.authorizer.BuildAddGuardian(ctx, g, sha256.Sum256([]byte(recoverySecret)))
	if err != nil {
		return nil, errors.Wrap(err, "build enrollment transaction")
	}
	sig, err := s.authorizer.SubmitAndConfirm(ctx, tx, ledger.CommitmentConfirmed)
	if err != nil {
		return nil, errors.Wrap(err, "submit enrollment")
	}

	err = s.credentials.SaveMapping(ctx, credential.Mapping{
		CredentialID:  cred.ID,
		WalletAddress: inv.WalletAddress.String(),
		GuardianID:    inv.GuardianID,
		PublicKey:     compressedKey,
	})
	if err != nil {
		// Enrollment landed on chain; a lost mapping is recoverable by
		// re-registering the credential, so report rather than unwind.
		return nil, errors.Wrap(err, "save credential mapping")
	}

	err = s.docs.Update(ctx, invitationsCollection, inviteCode, docstore.Document{
		"status":               InviteCompleted,
		"transactionSignature": sig,
	})
	if err != nil {
		return nil, errors.Wrap(err, "complete invitation")
	}
	s.logger.Info("guardian enrolled",
		zap.String("wallet", inv.WalletAddress.String()),
		zap.Uint64("guardianId", inv.GuardianID),
		zap.String("signature", sig))
	return &EnrollResult{Guardian: g, TransactionSignature: sig}, nil
}

// PendingInvitations lists the wallet's unclaimed invitations.
func (s *Service) PendingInvitations(ctx context.Context, wallet core.Address) ([]Invitation, error) {
	matches, err := s.docs.Query(ctx, invitationsCollection, docstore.Filter{
		"multisigAddress": wallet.String(),
		"status":          InvitePending,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Invitation, 0, len(matches))
	for _, m := range matches {
		var inv Invitation
		if err := docstore.Decode(m.Doc, &inv); err != nil {
			return nil, errors.Wrap(err, "decode invitation")
		}
		out = append(out, inv)
	}
	return out, nil
}

// CleanupExpired deletes unclaimed invitations past their TTL and returns
// how many were removed.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	matches, err := s.docs.Query(ctx, invitationsCollection, docstore.Filter{"status": InvitePending})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range matches {
		var inv Invitation
		if err := docstore.Decode(m.Doc, &inv); err != nil {
			return removed, errors.Wrap(err, "decode invitation")
		}
		if time.Since(inv.CreatedAt) <= inviteTTL {
			continue
		}
		if err := s.docs.Delete(ctx, invitationsCollection, inv.InviteCode); err != nil {
			return removed, errors.Wrap(err, "delete invitation")
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("expired invitations removed", zap.Int("count", removed))
	}
	return removed, nil
}

func randomInviteCode() (string, error) {
	var b [inviteCodeLen / 2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", errors.Wrap(err, "read random code")
	}
	return hex.EncodeToString(b[:]), nil
}
