// Package wallet creates multisig wallets and reads their on-chain
// configuration. A wallet's address is derived from its owner's passkey
// credential, so owning the passkey is owning the wallet.
package wallet

import (
	"context"
	"crypto/sha256"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/moonguard/moonguard/pkg/authorizer"
	"github.com/moonguard/moonguard/pkg/core"
	"github.com/moonguard/moonguard/pkg/credential"
	"github.com/moonguard/moonguard/pkg/docstore"
	"github.com/moonguard/moonguard/pkg/ledger"
	"github.com/moonguard/moonguard/pkg/pda"
	"github.com/moonguard/moonguard/pkg/webauthn"
)

const walletsCollection = "wallets"

// ownerGuardianID is the slot the wallet creator always occupies.
const ownerGuardianID = 1

// Record is the stored wallet registration.
type Record struct {
	Address      core.Address `json:"address"`
	Name         string       `json:"name"`
	Threshold    uint8        `json:"threshold"`
	CredentialID string       `json:"credentialId"`
	CreatedAt    time.Time    `json:"createdAt"`
}

type Service struct {
	docs        docstore.Store
	credentials *credential.Authority
	authn       webauthn.Authenticator
	authorizer  *authorizer.Authorizer
	ledger      ledger.Client
	programID   core.Address
	logger      *zap.Logger
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
	}
}

// CreateResult reports a newly created wallet.
type CreateResult struct {
	Wallet               core.MultisigWallet
	CredentialID         string
	TransactionSignature string
}

// maxGuardians is the number of guardian slots the on-chain program
// supports per wallet.
const maxGuardians = 8

// Create provisions a new wallet: enrolls a passkey for the owner, derives
// the wallet address from the credential, initializes the configuration
// account on chain and registers the owner as guardian 1.
//
// A fresh wallet has one guardian, so a threshold above 1 is not yet
// satisfiable; the on-chain program rejects approvals beyond the enrolled
// guardian count, so proposals cannot pass until enough guardians join.
// Only the slot-count bound is checked here.
func (s *Service) Create(ctx context.Context, name string, threshold uint8, recoverySecret string) (*CreateResult, error) {
	if threshold < 1 || threshold > maxGuardians {
		return nil, errors.Errorf("threshold must be between 1 and %d", maxGuardians)
	}

	cred, err := s.authn.CreateCredential(ctx, name)
	if err != nil {
		return nil, errors.Wrap(err, "create owner credential")
	}
	walletAddr, _, err := pda.MultisigAddress(s.programID, cred.ID)
	if err != nil {
		return nil, errors.Wrap(err, "derive wallet address")
	}

	existing, err := s.ledger.GetAccountInfo(ctx, walletAddr)
	if err != nil {
		return nil, errors.Wrap(err, "probe wallet address")
	}
	if existing != nil {
		return nil, errors.Errorf("wallet %s already exists on chain", walletAddr)
	}

	initTx, err := s.authorizer.BuildInitializeMultisig(ctx, walletAddr, threshold, cred.ID)
	if err != nil {
		return nil, errors.Wrap(err, "build initialize transaction")
	}
	sig, err := s.authorizer.SubmitAndConfirm(ctx, initTx, ledger.CommitmentConfirmed)
	if err != nil {
		return nil, errors.Wrap(err, "initialize wallet")
	}

	owner := core.Guardian{
		ID:            ownerGuardianID,
		WalletAddress: walletAddr,
		Name:          name,
		PublicKey:     cred.PublicKey,
		IsOwner:       true,
		CredentialID:  cred.ID,
	}
	ownerTx, err := s.authorizer.BuildAddGuardian(ctx, owner, sha256.Sum256([]byte(recoverySecret)))
	if err != nil {
		return nil, errors.Wrap(err, "build owner enrollment")
	}
	if _, err := s.authorizer.SubmitAndConfirm(ctx, ownerTx, ledger.CommitmentConfirmed); err != nil {
		return nil, errors.Wrap(err, "enroll owner")
	}

	err = s.credentials.SaveMapping(ctx, credential.Mapping{
		CredentialID:  cred.ID,
		WalletAddress: walletAddr.String(),
		GuardianID:    ownerGuardianID,
		PublicKey:     cred.PublicKey,
	})
	if err != nil {
		return nil, errors.Wrap(err, "save credential mapping")
	}

	record := Record{
		Address:      walletAddr,
		Name:         name,
		Threshold:    threshold,
		CredentialID: cred.ID,
		CreatedAt:    time.Now().UTC(),
	}
	doc, err := docstore.Encode(record)
	if err != nil {
		return nil, err
	}
	if err := s.docs.Put(ctx, walletsCollection, walletAddr.String(), doc); err != nil {
		return nil, errors.Wrap(err, "store wallet record")
	}

	s.logger.Info("wallet created",
		zap.String("address", walletAddr.String()),
		zap.Uint8("threshold", threshold),
		zap.String("signature", sig))
	return &CreateResult{
		Wallet: core.MultisigWallet{
			Address:       walletAddr,
			Threshold:     threshold,
			GuardianCount: 1,
			Name:          name,
		},
		CredentialID:         cred.ID,
		TransactionSignature: sig,
	}, nil
}

// Find resolves a credential to its wallet and reads the live on-chain
// configuration.
func (s *Service) Find(ctx context.Context, credentialID string) (*core.MultisigWallet, error) {
	m, err := s.credentials.Lookup(ctx, credentialID)
	if err != nil {
		return nil, errors.Wrap(err, "resolve credential")
	}
	addr, err := core.ParseAddress(m.WalletAddress)
	if err != nil {
		return nil, errors.Wrap(err, "parse wallet address")
	}
	return s.Info(ctx, addr)
}

// Info reads a wallet's on-chain configuration account. Missing accounts
// surface as core.ErrEntityNotFound.
func (s *Service) Info(ctx context.Context, address core.Address) (*core.MultisigWallet, error) {
	raw, err := s.ledger.GetAccountInfo(ctx, address)
	if err != nil {
		return nil, errors.Wrap(err, "read wallet account")
	}
	if raw == nil {
		return nil, errors.Wrapf(core.ErrEntityNotFound, "wallet %s", address)
	}
	chain, err := parseMultisigAccount(raw)
	if err != nil {
		return nil, err
	}

	w := &core.MultisigWallet{
		Address:       address,
		Threshold:     chain.Threshold,
		GuardianCount: chain.GuardianCount,
	}
	if doc, err := s.docs.Get(ctx, walletsCollection, address.String()); err == nil {
		var record Record
		if err := docstore.Decode(doc, &record); err == nil {
			w.Name = record.Name
		}
	}
	return w, nil
}

// Balance returns the wallet's lamport balance and its SOL rendering.
func (s *Service) Balance(ctx context.Context, address core.Address) (uint64, string, error) {
	lamports, err := s.ledger.GetBalance(ctx, address)
	if err != nil {
		return 0, "", errors.Wrap(err, "read balance")
	}
	return lamports, core.FormatLamports(lamports), nil
}
