package authorizer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/moonguard/moonguard/pkg/core"
	"github.com/moonguard/moonguard/pkg/credential"
	"github.com/moonguard/moonguard/pkg/docstore"
	"github.com/moonguard/moonguard/pkg/ledger"
	"github.com/moonguard/moonguard/pkg/webauthn"
)

var testProgramID = core.MustParseAddress("SysvarC1ock11111111111111111111111111111111")

type fakeLedger struct {
	accounts   map[core.Address][]byte
	submitted  [][]byte
	confirmErr error
}

func (f *fakeLedger) Submit(ctx context.Context, tx []byte) (string, error) {
	f.submitted = append(f.submitted, tx)
	return "FakeSig", nil
}

func (f *fakeLedger) Confirm(ctx context.Context, sig string, c ledger.Commitment) error {
	return f.confirmErr
}

func (f *fakeLedger) GetAccountInfo(ctx context.Context, a core.Address) ([]byte, error) {
	return f.accounts[a], nil
}

func (f *fakeLedger) GetBalance(ctx context.Context, a core.Address) (uint64, error) {
	return 0, nil
}

func (f *fakeLedger) LatestBlockhash(ctx context.Context) ([32]byte, error) {
	return [32]byte{7, 7, 7}, nil
}

type scriptedAuthenticator struct {
	assertion webauthn.Assertion
	err       error
}

func (s *scriptedAuthenticator) CreateCredential(ctx context.Context, label string) (webauthn.Credential, error) {
	return webauthn.Credential{}, core.ErrAuthenticatorUnavailable
}

func (s *scriptedAuthenticator) GetAssertion(ctx context.Context, challenge []byte, allowed []string) (webauthn.Assertion, error) {
	if s.err != nil {
		return webauthn.Assertion{}, s.err
	}
	return s.assertion, nil
}

// derSig builds a minimal valid DER signature with low-s components.
func derSig() []byte {
	r := make([]byte, 32)
	s := make([]byte, 32)
	r[0], r[31] = 0x11, 0x11
	s[0], s[31] = 0x22, 0x22
	body := append([]byte{0x02, 32}, r...)
	body = append(body, append([]byte{0x02, 32}, s...)...)
	return append([]byte{0x30, byte(len(body))}, body...)
}

func testPublicKey() []byte {
	key := make([]byte, 33)
	key[0] = 0x02
	for i := 1; i < 33; i++ {
		key[i] = byte(i)
	}
	return key
}

func newTestAuthorizer(t *testing.T, authn webauthn.Authenticator, fl *fakeLedger) (*Authorizer, core.Guardian) {
	t.Helper()
	_, feePayer, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	authority := credential.NewAuthority(docstore.NewMemoryStore(), authn, zap.NewNop())
	guardian := core.Guardian{ID: 1, CredentialID: "cred-1", PublicKey: testPublicKey()}
	require.NoError(t, authority.SaveMapping(context.Background(), credential.Mapping{
		CredentialID: guardian.CredentialID,
		GuardianID:   guardian.ID,
		PublicKey:    guardian.PublicKey,
	}))

	a, err := New(testProgramID, feePayer, fl, authority, zap.NewNop())
	require.NoError(t, err)
	return a, guardian
}

func TestDiscriminatorsMatchProgramIDL(t *testing.T) {
	tests := []struct {
		name string
		want []byte
	}{
		{"create_proposal", []byte{132, 116, 68, 174, 216, 160, 198, 22}},
		{"approve_proposal", []byte{136, 108, 102, 85, 98, 114, 7, 147}},
		{"execute_proposal", []byte{186, 60, 116, 133, 108, 128, 111, 28}},
		{"add_guardian", []byte{167, 189, 170, 27, 74, 240, 201, 241}},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, discriminator(tt.name), tt.name)
	}
}

func TestVerifyInstructionLayout(t *testing.T) {
	message := []byte("authenticator-data-plus-client-hash")
	key := testPublicKey()
	sig := make([]byte, 64)
	sig[0] = 0xab

	ix, err := verifyInstruction(message, key, sig)
	require.NoError(t, err)
	require.Equal(t, core.Secp256r1VerifyID, ix.ProgramID)
	require.Empty(t, ix.Accounts)

	data := ix.Data
	require.Len(t, data, 16+33+64+len(message))
	require.Equal(t, byte(1), data[0])
	require.Equal(t, byte(0), data[1])

	le := binary.LittleEndian
	require.Equal(t, uint16(49), le.Uint16(data[2:]), "signature offset")
	require.Equal(t, uint16(0xffff), le.Uint16(data[4:]))
	require.Equal(t, uint16(16), le.Uint16(data[6:]), "public key offset")
	require.Equal(t, uint16(0xffff), le.Uint16(data[8:]))
	require.Equal(t, uint16(113), le.Uint16(data[10:]), "message offset")
	require.Equal(t, uint16(len(message)), le.Uint16(data[12:]))
	require.Equal(t, uint16(0xffff), le.Uint16(data[14:]))

	require.Equal(t, key, data[16:49])
	require.Equal(t, sig, data[49:113])
	require.Equal(t, message, data[113:])
}

func TestBuildApproveOrdering(t *testing.T) {
	authn := &scriptedAuthenticator{assertion: webauthn.Assertion{
		Signature:         derSig(),
		AuthenticatorData: []byte("auth-data"),
		ClientDataJSON:    []byte(`{"type":"webauthn.get"}`),
	}}
	fl := &fakeLedger{}
	a, guardian := newTestAuthorizer(t, authn, fl)

	proposal := &core.Proposal{
		ProposalID:      1001,
		MultisigAddress: core.MustParseAddress("11111111111111111111111111111111"),
		Status:          core.StatusPending,
	}
	result, err := a.BuildApprove(context.Background(), proposal, guardian)
	require.NoError(t, err)

	instructions := result.Action.Instructions()
	require.Len(t, instructions, 2)
	require.Equal(t, core.Secp256r1VerifyID, instructions[0].ProgramID,
		"verification instruction must be first")
	require.Equal(t, testProgramID, instructions[1].ProgramID)

	// The business instruction carries the exact signed message.
	require.True(t, strings.HasPrefix(result.Message, "approve:proposal_1001,guardian_1,timestamp:"))
	require.Contains(t, result.Message, ",pubkey:")
	require.Contains(t, string(instructions[1].Data), result.Message)

	// The verification instruction embeds the same message's verification
	// data, not the challenge text.
	require.Equal(t, webauthn.VerificationData([]byte("auth-data"), []byte(`{"type":"webauthn.get"}`)),
		instructions[0].Data[113:])

	require.Equal(t, "02"+"0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20",
		result.SignerIdentity)
	require.Empty(t, fl.submitted, "building must not submit")
}

func TestBuildApproveUnwindsOnCancel(t *testing.T) {
	authn := &scriptedAuthenticator{err: core.ErrUserCancelled}
	fl := &fakeLedger{}
	a, guardian := newTestAuthorizer(t, authn, fl)

	proposal := &core.Proposal{ProposalID: 1, Status: core.StatusPending}
	_, err := a.BuildApprove(context.Background(), proposal, guardian)
	require.ErrorIs(t, err, core.ErrUserCancelled)
	require.Empty(t, fl.submitted)
}

func TestBuildApproveRejectsMalformedSignature(t *testing.T) {
	authn := &scriptedAuthenticator{assertion: webauthn.Assertion{
		Signature:         []byte{0x31, 0x02, 0x01, 0x01}, // wrong outer tag
		AuthenticatorData: []byte("auth-data"),
		ClientDataJSON:    []byte("{}"),
	}}
	a, guardian := newTestAuthorizer(t, authn, &fakeLedger{})

	_, err := a.BuildApprove(context.Background(), &core.Proposal{ProposalID: 1}, guardian)
	require.ErrorIs(t, err, core.ErrMalformedSignature)
}

func TestBuildExecuteStatusGate(t *testing.T) {
	a, _ := newTestAuthorizer(t, &scriptedAuthenticator{}, &fakeLedger{})
	wallet := core.MustParseAddress("11111111111111111111111111111111")

	_, err := a.BuildExecute(context.Background(), &core.Proposal{
		MultisigAddress: wallet, Status: core.StatusPending, RequiredSignatures: 2,
	})
	require.ErrorIs(t, err, core.ErrThresholdNotMet)

	_, err = a.BuildExecute(context.Background(), &core.Proposal{
		MultisigAddress: wallet, Status: core.StatusExecuted,
	})
	require.ErrorIs(t, err, core.ErrAlreadyExecuted)

	_, err = a.BuildExecute(context.Background(), &core.Proposal{
		MultisigAddress: wallet, Status: core.StatusRejected,
	})
	require.ErrorIs(t, err, core.ErrInvalidStateTransition)

	tx, err := a.BuildExecute(context.Background(), &core.Proposal{
		MultisigAddress: wallet, Status: core.StatusReady, ProposalID: 5,
	})
	require.NoError(t, err)
	require.NotNil(t, tx)
}

func TestSubmitAndConfirmUnconfirmed(t *testing.T) {
	fl := &fakeLedger{confirmErr: core.ErrConfirmationTimeout}
	a, _ := newTestAuthorizer(t, &scriptedAuthenticator{}, fl)

	tx, err := a.BuildExecute(context.Background(), &core.Proposal{
		MultisigAddress: core.MustParseAddress("11111111111111111111111111111111"),
		Status:          core.StatusReady,
		ProposalID:      5,
	})
	require.NoError(t, err)

	sig, err := a.SubmitAndConfirm(context.Background(), tx, ledger.CommitmentConfirmed)
	require.ErrorIs(t, err, core.ErrUnconfirmedTransaction)
	require.Equal(t, "FakeSig", sig, "signature must be surfaced for re-query")
	require.Len(t, fl.submitted, 1)
}

func TestAllocateProposalID(t *testing.T) {
	fl := &fakeLedger{}
	a, _ := newTestAuthorizer(t, &scriptedAuthenticator{}, fl)

	id, err := a.AllocateProposalID(context.Background(), core.MustParseAddress("11111111111111111111111111111111"))
	require.NoError(t, err)
	require.NotZero(t, id)
}
