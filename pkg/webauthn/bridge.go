package webauthn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/moonguard/moonguard/pkg/core"
)

// interactionTimeout bounds how long a single user interaction may take.
const interactionTimeout = 2 * time.Minute

// BridgeAuthenticator forwards enrollment and assertion requests to an
// external authenticator agent, typically the user-facing client holding
// the actual platform authenticator.
type BridgeAuthenticator struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ Authenticator = (*BridgeAuthenticator)(nil)

func NewBridgeAuthenticator(endpoint string, logger *zap.Logger) *BridgeAuthenticator {
	return &BridgeAuthenticator{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: interactionTimeout},
		logger:     logger,
	}
}

type bridgeError struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (b *BridgeAuthenticator) CreateCredential(ctx context.Context, label string) (Credential, error) {
	var out Credential
	err := b.post(ctx, "/v1/credentials", map[string]any{"label": label}, &out)
	if err != nil {
		return Credential{}, err
	}
	if out.ID == "" || len(out.PublicKey) == 0 {
		return Credential{}, errors.Wrap(core.ErrAuthenticatorUnavailable, "agent returned empty credential")
	}
	return out, nil
}

func (b *BridgeAuthenticator) GetAssertion(ctx context.Context, challenge []byte, allowedCredentialIDs []string) (Assertion, error) {
	var out Assertion
	err := b.post(ctx, "/v1/assertions", map[string]any{
		"challenge":            challenge,
		"allowedCredentialIds": allowedCredentialIDs,
	}, &out)
	if err != nil {
		return Assertion{}, err
	}
	return out, nil
}

func (b *BridgeAuthenticator) post(ctx context.Context, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, interactionTimeout)
	defer cancel()

	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(core.ErrAuthenticatorUnavailable, "%v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var agentErr bridgeError
		if err := json.NewDecoder(resp.Body).Decode(&agentErr); err == nil && agentErr.Code == "cancelled" {
			return core.ErrUserCancelled
		}
		return errors.Wrapf(core.ErrAuthenticatorUnavailable,
			"agent responded %d: %s", resp.StatusCode, agentErr.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode agent response: %w", err)
	}
	return nil
}
