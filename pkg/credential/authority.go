// Package credential orchestrates the platform-authenticator collaborator:
// it resolves enrolled public keys for credential identifiers and requests
// assertions over human-auditable challenge messages.
package credential

import (
	"context"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/moonguard/moonguard/pkg/cache"
	"github.com/moonguard/moonguard/pkg/core"
	"github.com/moonguard/moonguard/pkg/docstore"
	"github.com/moonguard/moonguard/pkg/webauthn"
)

const mappingsCollection = "credentials"

// Mapping links an authenticator credential to the guardian it enrolls.
type Mapping struct {
	CredentialID  string `json:"credentialId"`
	WalletAddress string `json:"walletAddress"`
	GuardianID    uint64 `json:"guardianId"`
	// PublicKey is the guardian's SEC1 key as captured at enrollment.
	PublicKey []byte `json:"guardianPublicKey"`
}

type Authority struct {
	store  docstore.Store
	authn  webauthn.Authenticator
	keys   cache.Cache[string, []byte]
	logger *zap.Logger
}

func NewAuthority(store docstore.Store, authn webauthn.Authenticator, logger *zap.Logger) *Authority {
	keys := cache.NewLRUCache[string, []byte](256, "credential_keys")
	return &Authority{
		store:  store,
		authn:  authn,
		keys:   keys,
		logger: logger,
	}
}

// ResolvePublicKey returns the enrolled public key for a credential,
// consulting the in-memory cache first. Absent credentials fail with
// core.ErrUnknownCredential.
func (a *Authority) ResolvePublicKey(ctx context.Context, credentialID string) ([]byte, error) {
	if key, ok := a.keys.Get(credentialID); ok {
		return key, nil
	}
	doc, err := a.store.Get(ctx, mappingsCollection, credentialID)
	if err != nil {
		if errors.Is(err, core.ErrEntityNotFound) {
			return nil, errors.Wrap(core.ErrUnknownCredential, credentialID)
		}
		return nil, errors.Wrap(err, "resolve public key")
	}
	var m Mapping
	if err := docstore.Decode(doc, &m); err != nil {
		return nil, errors.Wrap(err, "decode credential mapping")
	}
	if len(m.PublicKey) == 0 {
		return nil, errors.Wrap(core.ErrUnknownCredential, "mapping without public key")
	}
	a.keys.Set(credentialID, m.PublicKey)
	return m.PublicKey, nil
}

// Invalidate drops the cached key for a credential, forcing the next
// resolution to hit the store.
func (a *Authority) Invalidate(credentialID string) {
	a.keys.Delete(credentialID)
}

// Lookup returns the full mapping for a credential.
func (a *Authority) Lookup(ctx context.Context, credentialID string) (Mapping, error) {
	doc, err := a.store.Get(ctx, mappingsCollection, credentialID)
	if err != nil {
		if errors.Is(err, core.ErrEntityNotFound) {
			return Mapping{}, errors.Wrap(core.ErrUnknownCredential, credentialID)
		}
		return Mapping{}, err
	}
	var m Mapping
	if err := docstore.Decode(doc, &m); err != nil {
		return Mapping{}, err
	}
	return m, nil
}

// SaveMapping persists a credential→guardian mapping at enrollment time.
func (a *Authority) SaveMapping(ctx context.Context, m Mapping) error {
	doc, err := docstore.Encode(m)
	if err != nil {
		return err
	}
	if err := a.store.Put(ctx, mappingsCollection, m.CredentialID, doc); err != nil {
		return errors.Wrap(err, "save credential mapping")
	}
	a.keys.Set(m.CredentialID, m.PublicKey)
	return nil
}

// RequestAssertion asks the authenticator to sign the given challenge
// message. The message bytes are passed literally so the payload the user's
// authenticator signs is the payload an auditor can read.
func (a *Authority) RequestAssertion(ctx context.Context, message string, allowedCredentialIDs []string) (webauthn.Assertion, error) {
	assertion, err := a.authn.GetAssertion(ctx, []byte(message), allowedCredentialIDs)
	if err != nil {
		return webauthn.Assertion{}, errors.Wrap(err, "request assertion")
	}
	a.logger.Debug("assertion obtained",
		zap.Int("signatureLen", len(assertion.Signature)),
		zap.Int("authDataLen", len(assertion.AuthenticatorData)))
	return assertion, nil
}
