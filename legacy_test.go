package didsol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLegacyDocument(t *testing.T, authority PublicKey) *LegacyDocument {
	t.Helper()
	return &LegacyDocument{
		AccountVersion: 0,
		Authority:      authority,
		Version:        "1.0",
		Controller:     []PublicKey{testKey(t)},
		VerificationMethod: []LegacyVerificationMethod{
			{ID: DefaultFragment, VerificationType: "Ed25519VerificationKey2018", PublicKey: authority},
			{ID: "key2", VerificationType: "Ed25519VerificationKey2018", PublicKey: testKey(t)},
		},
		Authentication:       []string{DefaultFragment, "key2"},
		CapabilityInvocation: []string{},
		CapabilityDelegation: []string{"key2"},
		KeyAgreement:         []string{},
		AssertionMethod:      []string{"key2"},
		Service: []LegacyService{
			{ID: "hub", EndpointType: "IdentityHub", Endpoint: "https://hub.example.com", Description: "dropped"},
		},
	}
}

func TestLegacyBinaryRoundTrip(t *testing.T) {
	legacy := testLegacyDocument(t, testKey(t))
	b, err := legacy.MarshalBinary()
	require.NoError(t, err)

	decoded, err := UnmarshalLegacyDocument(b)
	require.NoError(t, err)
	assert.Equal(t, legacy, decoded)

	_, err = UnmarshalLegacyDocument(b[:40])
	assert.ErrorIs(t, err, ErrInvalidAccountData)
}

func TestLegacyMigrate(t *testing.T) {
	assert := assert.New(t)

	authority := testKey(t)
	legacy := testLegacyDocument(t, authority)
	doc, err := legacy.Migrate(254)
	require.NoError(t, err)

	assert.Equal(uint8(254), doc.Bump)
	assert.Equal(authority, doc.Authority())
	// invocation inferred for the default key, since the legacy list was empty
	assert.Equal(FlagAuthentication|FlagCapabilityInvocation|FlagOwnershipProof|FlagProtected, doc.InitialVerificationMethod.Flags)

	require.Len(t, doc.VerificationMethods, 1)
	vm := doc.VerificationMethods[0]
	assert.Equal("key2", vm.Fragment)
	assert.Equal(FlagAuthentication|FlagAssertion|FlagCapabilityDelegation, vm.Flags)
	assert.Equal(VMTypeEd25519VerificationKey2018, vm.MethodType())

	require.Len(t, doc.Services, 1)
	assert.Equal(Service{Fragment: "hub", ServiceType: "IdentityHub", ServiceEndpoint: "https://hub.example.com"}, doc.Services[0])
	assert.Equal(legacy.Controller, doc.NativeControllers)

	assert.LessOrEqual(doc.Size(), legacy.PostMigrationSize())
}

func TestLegacyExplicitInvocation(t *testing.T) {
	assert := assert.New(t)

	legacy := testLegacyDocument(t, testKey(t))
	legacy.CapabilityInvocation = []string{"key2"}
	doc, err := legacy.Migrate(255)
	require.NoError(t, err)

	assert.Equal(FlagAuthentication|FlagOwnershipProof|FlagProtected, doc.InitialVerificationMethod.Flags)
	assert.True(doc.VerificationMethods[0].Flags.Contains(FlagCapabilityInvocation))
	assert.True(doc.HasAuthorityVerificationMethods())
}

func TestLegacyMigrateForeignDefaultKey(t *testing.T) {
	assert := assert.New(t)

	authority := testKey(t)
	legacy := testLegacyDocument(t, authority)
	legacy.VerificationMethod[0].PublicKey = testKey(t)
	_, err := legacy.Migrate(255)
	assert.ErrorIs(err, ErrVmFragmentAlreadyInUse)

	// without a default entry the initial method keeps its guarded flags
	legacy.VerificationMethod = legacy.VerificationMethod[1:]
	doc, err := legacy.Migrate(255)
	require.NoError(t, err)
	assert.True(doc.InitialVerificationMethod.Flags.Contains(FlagOwnershipProof | FlagProtected))
	assert.Equal(Ed25519Key(authority), doc.InitialVerificationMethod.Key)
}

func TestMigrateInstruction(t *testing.T) {
	assert := assert.New(t)
	l := newTestLedger(t)

	authority := testKey(t)
	payer := testKey(t)
	require.NoError(t, l.store.Airdrop(l.ctx, payer, 1_000_000_000))

	legacy := testLegacyDocument(t, authority)
	data, err := legacy.MarshalBinary()
	require.NoError(t, err)
	legacyAddr := testKey(t)
	l.store.accounts[legacyAddr] = &Account{Address: legacyAddr, Owner: LegacyProgramID, Lamports: 1, Data: data}

	did, _, err := DeriveDidAccount(authority[:])
	require.NoError(t, err)

	req := &Request{
		DidAccount:    did,
		Authority:     authority,
		Payer:         payer,
		LegacyAccount: legacyAddr,
		Signers:       []PublicKey{payer},
		Instruction:   &Migrate{},
	}
	_, err = l.submit(req)
	require.NoError(t, err)

	doc := l.document(did)
	assert.True(doc.InitialVerificationMethod.Flags.Contains(FlagProtected))
	assert.Len(l.account(did).Data, legacy.PostMigrationSize())

	// only once
	_, err = l.submit(req)
	assert.ErrorIs(err, ErrAlreadyInitialized)

	// the legacy account must belong to the authority
	other := testKey(t)
	otherDid, _, err := DeriveDidAccount(other[:])
	require.NoError(t, err)
	_, err = l.submit(&Request{
		DidAccount:    otherDid,
		Authority:     other,
		Payer:         payer,
		LegacyAccount: legacyAddr,
		Signers:       []PublicKey{payer},
		Instruction:   &Migrate{},
	})
	assert.ErrorIs(err, ErrWrongAuthorityForDid)

	_, err = l.submit(&Request{
		DidAccount:    otherDid,
		Authority:     other,
		Payer:         payer,
		LegacyAccount: payer,
		Signers:       []PublicKey{payer},
		Instruction:   &Migrate{},
	})
	assert.ErrorIs(err, ErrNotLegacyAccount)
}
