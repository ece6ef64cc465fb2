// Package webauthn holds the platform-authenticator collaborator contract
// and the assembly of verification data checked by the on-chain verifier.
package webauthn

import (
	"context"
	"crypto/sha256"
)

// Credential is the result of enrolling a new passkey.
type Credential struct {
	// ID is the authenticator's opaque credential identifier.
	ID string
	// PublicKey is the SEC1-encoded P-256 key, 33 or 65 bytes.
	PublicKey []byte
}

// Assertion is a raw authenticator response to a challenge.
type Assertion struct {
	// Signature is DER-encoded ECDSA over
	// authenticatorData ‖ SHA256(clientDataJSON).
	Signature         []byte
	AuthenticatorData []byte
	ClientDataJSON    []byte
}

// Authenticator is the external enrollment/assertion collaborator. The
// challenge passed to GetAssertion is the literal message bytes, not a
// random nonce, so the signed payload stays human-auditable.
//
// Implementations surface user rejection as core.ErrUserCancelled and a
// missing/unreachable authenticator as core.ErrAuthenticatorUnavailable, and
// bound the user-interaction wait themselves.
type Authenticator interface {
	CreateCredential(ctx context.Context, label string) (Credential, error)
	GetAssertion(ctx context.Context, challenge []byte, allowedCredentialIDs []string) (Assertion, error)
}

// VerificationData builds the exact byte buffer the on-chain verifier
// reconstructs and checks the signature against:
// authenticatorData ‖ SHA256(clientDataJSON). Any deviation fails
// verification silently on-chain, so the concatenation order and hash are
// load-bearing.
func VerificationData(authenticatorData, clientDataJSON []byte) []byte {
	clientDataHash := sha256.Sum256(clientDataJSON)
	out := make([]byte, 0, len(authenticatorData)+len(clientDataHash))
	out = append(out, authenticatorData...)
	return append(out, clientDataHash[:]...)
}
