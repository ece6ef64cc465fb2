package guardian

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/moonguard/moonguard/pkg/authorizer"
	"github.com/moonguard/moonguard/pkg/core"
	"github.com/moonguard/moonguard/pkg/credential"
	"github.com/moonguard/moonguard/pkg/docstore"
	"github.com/moonguard/moonguard/pkg/ledger"
	"github.com/moonguard/moonguard/pkg/pda"
	"github.com/moonguard/moonguard/pkg/webauthn"
)

var testProgramID = core.MustParseAddress("BPFLoaderUpgradeab1e11111111111111111111111")

type fakeLedger struct {
	accounts  map[core.Address][]byte
	submitted [][]byte
}

func (f *fakeLedger) Submit(ctx context.Context, tx []byte) (string, error) {
	f.submitted = append(f.submitted, tx)
	return "enrollsig", nil
}
func (f *fakeLedger) Confirm(ctx context.Context, signature string, commitment ledger.Commitment) error {
	return nil
}
func (f *fakeLedger) GetAccountInfo(ctx context.Context, address core.Address) ([]byte, error) {
	return f.accounts[address], nil
}
func (f *fakeLedger) GetBalance(ctx context.Context, address core.Address) (uint64, error) {
	return 0, nil
}
func (f *fakeLedger) LatestBlockhash(ctx context.Context) ([32]byte, error) {
	return [32]byte{1}, nil
}

type stubAuthenticator struct {
	key       []byte
	createErr error
}

func (s *stubAuthenticator) CreateCredential(ctx context.Context, label string) (webauthn.Credential, error) {
	if s.createErr != nil {
		return webauthn.Credential{}, s.createErr
	}
	return webauthn.Credential{ID: "cred-test", PublicKey: s.key}, nil
}

func (s *stubAuthenticator) GetAssertion(ctx context.Context, challenge []byte, allowedCredentialIDs []string) (webauthn.Assertion, error) {
	return webauthn.Assertion{}, core.ErrAuthenticatorUnavailable
}

func guardianAddr(t *testing.T, wallet core.Address, guardianID uint64) core.Address {
	t.Helper()
	addr, _, err := pda.GuardianAddress(testProgramID, wallet, guardianID)
	require.NoError(t, err)
	return addr
}

func testPublicKey() []byte {
	key := make([]byte, 33)
	key[0] = 0x02
	for i := 1; i < len(key); i++ {
		key[i] = byte(i)
	}
	return key
}

func newTestService(t *testing.T) (*Service, *fakeLedger, *docstore.MemoryStore) {
	t.Helper()
	docs := docstore.NewMemoryStore()
	lc := &fakeLedger{accounts: map[core.Address][]byte{}}
	authn := &stubAuthenticator{key: testPublicKey()}
	creds := credential.NewAuthority(docs, authn, zap.NewNop())

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	az, err := authorizer.New(testProgramID, priv, lc, creds, zap.NewNop())
	require.NoError(t, err)

	return NewService(docs, creds, authn, az, lc, testProgramID, zap.NewNop()), lc, docs
}

func testWallet() core.Address {
	var a core.Address
	a[0] = 9
	return a
}

func TestCreateInvitationAssignsSequentialSlots(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	wallet := testWallet()

	first, err := svc.CreateInvitation(ctx, wallet, "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(2), first.GuardianID)
	require.Len(t, first.InviteCode, inviteCodeLen)
	require.Equal(t, InvitePending, first.Status)

	second, err := svc.CreateInvitation(ctx, wallet, "bob")
	require.NoError(t, err)
	require.Equal(t, uint64(3), second.GuardianID)
	require.NotEqual(t, first.InviteCode, second.InviteCode)

	// Slots on another wallet count independently.
	other, err := svc.CreateInvitation(ctx, core.Address{0xaa}, "carol")
	require.NoError(t, err)
	require.Equal(t, uint64(2), other.GuardianID)
}

func TestCreateInvitationSkipsOnChainSlots(t *testing.T) {
	ctx := context.Background()
	svc, lc, _ := newTestService(t)
	wallet := testWallet()

	// A guardian enrolled outside the invitation flow occupies slot 2 on
	// chain without any invitation record.
	lc.accounts[guardianAddr(t, wallet, 2)] = []byte{1}

	inv, err := svc.CreateInvitation(ctx, wallet, "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(3), inv.GuardianID)

	// With every remaining slot registered on chain the wallet is full.
	for id := uint64(3); id <= maxGuardians; id++ {
		lc.accounts[guardianAddr(t, wallet, id)] = []byte{1}
	}
	_, err = svc.CreateInvitation(ctx, wallet, "bob")
	require.Error(t, err)
	require.Contains(t, err.Error(), "guardian slots are taken")
}

func TestEnrollHappyPath(t *testing.T) {
	ctx := context.Background()
	svc, lc, _ := newTestService(t)
	wallet := testWallet()

	inv, err := svc.CreateInvitation(ctx, wallet, "alice")
	require.NoError(t, err)

	result, err := svc.Enroll(ctx, inv.InviteCode, "correct horse battery staple")
	require.NoError(t, err)
	require.Equal(t, "enrollsig", result.TransactionSignature)
	require.Equal(t, inv.GuardianID, result.Guardian.ID)
	require.Equal(t, wallet, result.Guardian.WalletAddress)
	require.False(t, result.Guardian.IsOwner)
	require.Len(t, lc.submitted, 1)

	// Invitation is consumed.
	claimed, err := svc.Invitation(ctx, inv.InviteCode)
	require.NoError(t, err)
	require.Equal(t, InviteCompleted, claimed.Status)
	require.Equal(t, "enrollsig", claimed.TransactionSignature)

	// Credential mapping resolves to the enrolled key.
	m, err := svc.credentials.Lookup(ctx, "cred-test")
	require.NoError(t, err)
	require.Equal(t, inv.GuardianID, m.GuardianID)
	require.Equal(t, testPublicKey(), m.PublicKey)

	_, err = svc.Enroll(ctx, inv.InviteCode, "again")
	require.ErrorIs(t, err, core.ErrInvalidStateTransition)
}

func TestEnrollRejectsOccupiedSlot(t *testing.T) {
	ctx := context.Background()
	svc, lc, _ := newTestService(t)
	wallet := testWallet()

	inv, err := svc.CreateInvitation(ctx, wallet, "alice")
	require.NoError(t, err)

	addr := guardianAddr(t, wallet, inv.GuardianID)
	lc.accounts[addr] = []byte{1}

	_, err = svc.Enroll(ctx, inv.InviteCode, "secret")
	require.Error(t, err)
	require.Empty(t, lc.submitted)
}

func TestEnrollUnknownCode(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Enroll(context.Background(), "nope1234", "secret")
	require.ErrorIs(t, err, core.ErrEntityNotFound)
}

func TestEnrollExpiredInvitation(t *testing.T) {
	ctx := context.Background()
	svc, _, docs := newTestService(t)
	wallet := testWallet()

	inv, err := svc.CreateInvitation(ctx, wallet, "alice")
	require.NoError(t, err)
	stale := time.Now().Add(-inviteTTL - time.Minute).UTC()
	require.NoError(t, docs.Update(ctx, invitationsCollection, inv.InviteCode, docstore.Document{
		"createdAt": stale,
	}))

	_, err = svc.Enroll(ctx, inv.InviteCode, "secret")
	require.ErrorIs(t, err, core.ErrEntityNotFound)
}

func TestPendingInvitationsAndCleanup(t *testing.T) {
	ctx := context.Background()
	svc, _, docs := newTestService(t)
	wallet := testWallet()

	fresh, err := svc.CreateInvitation(ctx, wallet, "alice")
	require.NoError(t, err)
	stale, err := svc.CreateInvitation(ctx, wallet, "bob")
	require.NoError(t, err)
	require.NoError(t, docs.Update(ctx, invitationsCollection, stale.InviteCode, docstore.Document{
		"createdAt": time.Now().Add(-inviteTTL - time.Minute).UTC(),
	}))

	pending, err := svc.PendingInvitations(ctx, wallet)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	removed, err := svc.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	pending, err = svc.PendingInvitations(ctx, wallet)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, fresh.InviteCode, pending[0].InviteCode)
}
