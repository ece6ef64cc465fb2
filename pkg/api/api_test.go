package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/moonguard/moonguard/pkg/authorizer"
	"github.com/moonguard/moonguard/pkg/core"
	"github.com/moonguard/moonguard/pkg/credential"
	"github.com/moonguard/moonguard/pkg/docstore"
	"github.com/moonguard/moonguard/pkg/guardian"
	"github.com/moonguard/moonguard/pkg/ledger"
	"github.com/moonguard/moonguard/pkg/proposal"
	"github.com/moonguard/moonguard/pkg/soltx"
	"github.com/moonguard/moonguard/pkg/wallet"
)

var testWalletAddr = core.MustParseAddress("SysvarRent111111111111111111111111111111111")

type fakeWallets struct {
	info core.MultisigWallet
}

func (f *fakeWallets) Create(ctx context.Context, name string, threshold uint8, recoverySecret string) (*wallet.CreateResult, error) {
	return &wallet.CreateResult{
		Wallet:               core.MultisigWallet{Address: testWalletAddr, Threshold: threshold, GuardianCount: 1, Name: name},
		CredentialID:         "owner-cred",
		TransactionSignature: "createsig",
	}, nil
}

func (f *fakeWallets) Info(ctx context.Context, address core.Address) (*core.MultisigWallet, error) {
	if address != f.info.Address {
		return nil, core.ErrEntityNotFound
	}
	info := f.info
	return &info, nil
}

func (f *fakeWallets) Balance(ctx context.Context, address core.Address) (uint64, string, error) {
	return 1_000_000_000, "1", nil
}

type fakeGuardians struct{}

func (f *fakeGuardians) CreateInvitation(ctx context.Context, wallet core.Address, guardianName string) (*guardian.Invitation, error) {
	return &guardian.Invitation{InviteCode: "abcd1234", WalletAddress: wallet, GuardianID: 2, GuardianName: guardianName, Status: guardian.InvitePending}, nil
}

func (f *fakeGuardians) Invitation(ctx context.Context, inviteCode string) (*guardian.Invitation, error) {
	if inviteCode != "abcd1234" {
		return nil, core.ErrEntityNotFound
	}
	return &guardian.Invitation{InviteCode: inviteCode, WalletAddress: testWalletAddr, GuardianID: 2}, nil
}

func (f *fakeGuardians) Enroll(ctx context.Context, inviteCode, recoverySecret string) (*guardian.EnrollResult, error) {
	return &guardian.EnrollResult{
		Guardian:             core.Guardian{ID: 2, WalletAddress: testWalletAddr},
		TransactionSignature: "enrollsig",
	}, nil
}

func (f *fakeGuardians) PendingInvitations(ctx context.Context, wallet core.Address) ([]guardian.Invitation, error) {
	return nil, nil
}

type fakeAuthorizer struct {
	approveErr error
	executeErr error
	submitErr  error
}

func (f *fakeAuthorizer) AllocateProposalID(ctx context.Context, wallet core.Address) (uint64, error) {
	return 1001, nil
}

func (f *fakeAuthorizer) BuildCreate(ctx context.Context, p authorizer.CreateParams) (*soltx.Transaction, error) {
	return &soltx.Transaction{}, nil
}

func (f *fakeAuthorizer) BuildApprove(ctx context.Context, proposal *core.Proposal, guardian core.Guardian) (*authorizer.ApproveResult, error) {
	if f.approveErr != nil {
		return nil, f.approveErr
	}
	return &authorizer.ApproveResult{
		Tx:             &soltx.Transaction{},
		Message:        "approve:proposal_1001,guardian_2,timestamp:1,pubkey:000000000000",
		SignerIdentity: "guardian-2-key",
	}, nil
}

func (f *fakeAuthorizer) BuildExecute(ctx context.Context, proposal *core.Proposal) (*soltx.Transaction, error) {
	if f.executeErr != nil {
		return nil, f.executeErr
	}
	if proposal.Status != core.StatusReady {
		return nil, core.ErrThresholdNotMet
	}
	return &soltx.Transaction{}, nil
}

func (f *fakeAuthorizer) SubmitAndConfirm(ctx context.Context, tx *soltx.Transaction, commitment ledger.Commitment) (string, error) {
	if f.submitErr != nil {
		return "landed", f.submitErr
	}
	return "landed", nil
}

type fakeCredentials struct{}

func (f *fakeCredentials) Lookup(ctx context.Context, credentialID string) (credential.Mapping, error) {
	if credentialID != "cred-2" {
		return credential.Mapping{}, core.ErrUnknownCredential
	}
	return credential.Mapping{
		CredentialID:  credentialID,
		WalletAddress: testWalletAddr.String(),
		GuardianID:    2,
		PublicKey:     []byte{0x02, 1, 2, 3},
	}, nil
}

type fakeLedger struct{}

func (f *fakeLedger) Submit(ctx context.Context, tx []byte) (string, error) { return "", nil }
func (f *fakeLedger) Confirm(ctx context.Context, signature string, commitment ledger.Commitment) error {
	return nil
}
func (f *fakeLedger) GetAccountInfo(ctx context.Context, address core.Address) ([]byte, error) {
	return nil, nil
}
func (f *fakeLedger) GetBalance(ctx context.Context, address core.Address) (uint64, error) {
	return 0, nil
}
func (f *fakeLedger) LatestBlockhash(ctx context.Context) ([32]byte, error) {
	return [32]byte{}, nil
}

func newTestServer(t *testing.T, az *fakeAuthorizer) (*httptest.Server, *proposal.Store) {
	t.Helper()
	proposals := proposal.NewStore(docstore.NewMemoryStore(), &fakeLedger{}, testWalletAddr, zap.NewNop())
	h := NewHandler(
		&fakeWallets{info: core.MultisigWallet{Address: testWalletAddr, Threshold: 2, GuardianCount: 3, Name: "vault"}},
		&fakeGuardians{},
		proposals,
		az,
		&fakeCredentials{},
		ledger.CommitmentConfirmed,
		zap.NewNop(),
	)
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, proposals
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestCreateWalletEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &fakeAuthorizer{})

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/wallets", map[string]any{
		"name":           "vault",
		"threshold":      2,
		"recoverySecret": "words",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, testWalletAddr.String(), body["address"])
	require.Equal(t, "owner-cred", body["credentialId"])
}

func TestCreateWalletValidation(t *testing.T) {
	srv, _ := newTestServer(t, &fakeAuthorizer{})

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/wallets", map[string]any{"name": "vault"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, body["error"], "threshold")
}

func TestWalletInfoEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &fakeAuthorizer{})

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/wallets/"+testWalletAddr.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(2), body["threshold"])
	require.Equal(t, "1", body["balance"])
}

func TestProposalFlowOverHTTP(t *testing.T) {
	az := &fakeAuthorizer{}
	srv, _ := newTestServer(t, az)
	base := srv.URL + "/v1/wallets/" + testWalletAddr.String() + "/proposals"

	resp, body := doJSON(t, http.MethodPost, base, map[string]any{
		"description":        "Transfer 0.5 SOL",
		"action":             "transfer",
		"proposerGuardianId": 1,
		"requiredSignatures": 1,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := body["proposal"].(map[string]any)
	require.Equal(t, float64(1001), created["proposalId"])
	require.Equal(t, "Pending", created["status"])

	resp, body = doJSON(t, http.MethodPost, base+"/1001/approve", map[string]any{"credentialId": "cred-2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	approved := body["proposal"].(map[string]any)
	require.Equal(t, "Ready", approved["status"])
	require.Equal(t, "landed", body["transactionSignature"])

	resp, body = doJSON(t, http.MethodPost, base+"/1001/execute", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	executed := body["proposal"].(map[string]any)
	require.Equal(t, "Executed", executed["status"])

	resp, _ = doJSON(t, http.MethodPost, base+"/1001/execute", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["proposals"], 1)
}

func TestApproveUnknownCredential(t *testing.T) {
	srv, proposals := newTestServer(t, &fakeAuthorizer{})
	seedProposal(t, proposals)

	resp, _ := doJSON(t, http.MethodPost,
		srv.URL+"/v1/wallets/"+testWalletAddr.String()+"/proposals/1001/approve",
		map[string]any{"credentialId": "who"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestApproveCancelledByUser(t *testing.T) {
	srv, proposals := newTestServer(t, &fakeAuthorizer{approveErr: core.ErrUserCancelled})
	seedProposal(t, proposals)

	resp, _ := doJSON(t, http.MethodPost,
		srv.URL+"/v1/wallets/"+testWalletAddr.String()+"/proposals/1001/approve",
		map[string]any{"credentialId": "cred-2"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Nothing was recorded.
	p, err := proposals.Get(context.Background(), testWalletAddr, 1001)
	require.NoError(t, err)
	require.Empty(t, p.Signers)
}

func TestApproveUnconfirmedReturnsSignature(t *testing.T) {
	srv, proposals := newTestServer(t, &fakeAuthorizer{submitErr: core.ErrUnconfirmedTransaction})
	seedProposal(t, proposals)

	resp, body := doJSON(t, http.MethodPost,
		srv.URL+"/v1/wallets/"+testWalletAddr.String()+"/proposals/1001/approve",
		map[string]any{"credentialId": "cred-2"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "landed", body["transactionSignature"])

	// The signer is recorded only once the transaction confirms.
	p, err := proposals.Get(context.Background(), testWalletAddr, 1001)
	require.NoError(t, err)
	require.Empty(t, p.Signers)
}

func TestExecuteBeforeThreshold(t *testing.T) {
	srv, proposals := newTestServer(t, &fakeAuthorizer{})
	seedProposal(t, proposals)

	resp, _ := doJSON(t, http.MethodPost,
		srv.URL+"/v1/wallets/"+testWalletAddr.String()+"/proposals/1001/execute", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestBadAddressRejected(t *testing.T) {
	srv, _ := newTestServer(t, &fakeAuthorizer{})
	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/v1/wallets/not-base58!!", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func seedProposal(t *testing.T, proposals *proposal.Store) {
	t.Helper()
	require.NoError(t, proposals.Create(context.Background(), &core.Proposal{
		ProposalID:         1001,
		MultisigAddress:    testWalletAddr,
		Description:        "Transfer 0.5 SOL",
		Action:             core.ActionTransfer,
		RequiredSignatures: 2,
		Status:             core.StatusPending,
	}))
}
