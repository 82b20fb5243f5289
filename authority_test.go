package didsol

import (
	"crypto/ecdsa"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEthKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	return priv
}

func testDidAccount(t *testing.T, doc *Document, size int) *Account {
	t.Helper()
	addr, err := DeriveDidAccountWithBump(doc.Authority().Bytes(), doc.Bump)
	require.NoError(t, err)
	acct := &Account{
		Address:  addr,
		Owner:    ProgramID,
		Lamports: MinimumBalance(size),
		Data:     make([]byte, size),
	}
	require.NoError(t, acct.storeDocument(doc))
	return acct
}

func TestEthRecovery(t *testing.T) {
	assert := assert.New(t)

	priv := testEthKey(t)
	msg := []byte("hello")
	sig, err := SignEthMessage(priv, msg, 3)
	require.NoError(t, err)

	key, err := sig.Recover(msg, 3)
	require.NoError(t, err)
	assert.Equal(Secp256k1KeyFromECDSA(&priv.PublicKey), key)
	assert.Equal(EthAddressFromECDSA(&priv.PublicKey), key.EthAddress())

	// ethereum style recovery ids are accepted as well
	legacyV := *sig
	legacyV.RecoveryID += 27
	key, err = legacyV.Recover(msg, 3)
	require.NoError(t, err)
	assert.Equal(Secp256k1KeyFromECDSA(&priv.PublicKey), key)

	bad := *sig
	bad.RecoveryID = 5
	_, err = bad.Recover(msg, 3)
	assert.ErrorIs(err, ErrInvalidSecp256k1Signature)

	// a different nonce recovers some other key
	key, err = sig.Recover(msg, 4)
	if err == nil {
		assert.NotEqual(Secp256k1KeyFromECDSA(&priv.PublicKey), key)
	}
}

func TestEthNonceBinding(t *testing.T) {
	assert := assert.New(t)

	priv := testEthKey(t)
	doc := testDocument(t, testKey(t))
	require.NoError(t, doc.AddVerificationMethod(VerificationMethod{
		Fragment: "eth",
		Flags:    FlagCapabilityInvocation,
		Key:      EthAddressFromECDSA(&priv.PublicKey),
	}))
	relayer := testKey(t)
	msg := (&RemoveService{Fragment: "hub"}).Message()

	sig, err := SignEthMessage(priv, msg, doc.Nonce)
	require.NoError(t, err)
	vm := doc.FindAuthorityConstraint(relayer, msg, sig, nil)
	require.NotNil(t, vm)
	assert.Equal("eth", vm.Fragment)

	// the signature covers exactly this message
	assert.Nil(doc.FindAuthorityConstraint(relayer, (&RemoveService{Fragment: "other"}).Message(), sig, nil))

	// replay after the nonce advanced fails, re-signing succeeds
	doc.Nonce++
	assert.Nil(doc.FindAuthorityConstraint(relayer, msg, sig, nil))
	sig, err = SignEthMessage(priv, msg, doc.Nonce)
	require.NoError(t, err)
	assert.NotNil(doc.FindAuthorityConstraint(relayer, msg, sig, nil))

	// fragment filters apply to the ethereum path too
	other := "default"
	assert.Nil(doc.FindAuthorityConstraint(relayer, msg, sig, &other))
}

func TestSecp256k1VerificationKeyAuthority(t *testing.T) {
	assert := assert.New(t)

	priv := testEthKey(t)
	doc := testDocument(t, testKey(t))
	require.NoError(t, doc.AddVerificationMethod(VerificationMethod{
		Fragment: "k1",
		Flags:    FlagCapabilityInvocation,
		Key:      Secp256k1KeyFromECDSA(&priv.PublicKey),
	}))
	msg := []byte{1, 2, 3}
	sig, err := SignEthMessage(priv, msg, 0)
	require.NoError(t, err)

	vm, err := ResolveAuthority(doc, nil, testKey(t), msg, sig, nil)
	require.NoError(t, err)
	assert.Equal("k1", vm.Fragment)

	// without CAPABILITY_INVOCATION the key is not an authority
	require.NoError(t, doc.SetVMFlags("k1", FlagAuthentication))
	_, err = ResolveAuthority(doc, nil, testKey(t), msg, sig, nil)
	assert.ErrorIs(err, ErrUnauthorized)
}

func TestNativeAuthorityWins(t *testing.T) {
	assert := assert.New(t)

	authority := testKey(t)
	doc := testDocument(t, authority)
	sig := &Secp256k1RawSignature{RecoveryID: 9}

	// the native path does not need a valid signature
	vm := doc.FindAuthorityConstraint(authority, nil, sig, nil)
	require.NotNil(t, vm)
	assert.Equal(DefaultFragment, vm.Fragment)
	assert.Nil(doc.FindAuthorityConstraint(testKey(t), nil, sig, nil))
}

func TestResolveDocumentGenerative(t *testing.T) {
	assert := assert.New(t)

	authority := testKey(t)
	addr, bump, err := DeriveDidAccount(authority[:])
	require.NoError(t, err)
	acct := NewEmptyAccount(addr)

	doc, err := ResolveDocument(acct, authority, nil)
	require.NoError(t, err)
	assert.Equal(bump, doc.Bump)
	assert.Equal(FlagCapabilityInvocation, doc.InitialVerificationMethod.Flags)
	assert.Empty(doc.VerificationMethods)

	doc, err = ResolveDocument(acct, authority, &bump)
	require.NoError(t, err)
	assert.Equal(authority, doc.Authority())

	_, err = ResolveDocument(acct, testKey(t), nil)
	assert.ErrorIs(err, ErrWrongAuthorityForDid)

	wrongBump := bump - 1
	_, err = ResolveDocument(acct, authority, &wrongBump)
	assert.Error(err)

	foreign := &Account{Address: addr, Owner: testKey(t), Data: []byte{1, 2, 3}}
	_, err = ResolveDocument(foreign, authority, nil)
	assert.ErrorIs(err, ErrAccountNotOwned)
}

func TestGenerativeMaterializedEquivalence(t *testing.T) {
	assert := assert.New(t)

	authority := testKey(t)
	stranger := testKey(t)
	addr, bump, err := DeriveDidAccount(authority[:])
	require.NoError(t, err)

	generative := NewEmptyAccount(addr)
	materialized := testDidAccount(t, testDocument(t, authority), InitialSize())
	require.Equal(t, addr, materialized.Address)

	for _, acct := range []*Account{generative, materialized} {
		ok, err := IsAuthority(acct, &bump, nil, authority[:], nil, nil)
		assert.NoError(err)
		assert.True(ok)

		ok, err = IsAuthority(acct, nil, nil, authority[:], []VMType{VMTypeEd25519VerificationKey2018}, nil)
		assert.NoError(err)
		assert.True(ok)

		ok, _ = IsAuthority(acct, &bump, nil, stranger[:], nil, nil)
		assert.False(ok)
	}
}

func TestIsAuthorityIncorrectGenerative(t *testing.T) {
	assert := assert.New(t)

	authority := testKey(t)
	bump := uint8(0)
	ok, err := IsAuthority(NewEmptyAccount(testKey(t)), &bump, nil, authority[:], nil, nil)
	// either an error or false, never true
	if err == nil {
		assert.False(ok)
	}
	ok, err = IsAuthority(NewEmptyAccount(testKey(t)), nil, nil, authority[:], nil, nil)
	assert.NoError(err)
	assert.False(ok)
}

func TestIsAuthorityWithControllers(t *testing.T) {
	assert := assert.New(t)

	controller := testKey(t)
	controlled := testDocument(t, testKey(t))
	require.NoError(t, controlled.SetNativeControllers([]PublicKey{controller}))
	controlledAcct := testDidAccount(t, controlled, controlled.Size())

	controllerAddr, _, err := DeriveDidAccount(controller[:])
	require.NoError(t, err)

	// generative controller
	chain := []ControllerAccount{{Account: NewEmptyAccount(controllerAddr), Authority: controller}}
	ok, err := IsAuthority(controlledAcct, nil, chain, controller[:], nil, nil)
	assert.NoError(err)
	assert.True(ok)

	// materialized controller
	chain = []ControllerAccount{{Account: testDidAccount(t, testDocument(t, controller), InitialSize()), Authority: controller}}
	ok, err = IsAuthority(controlledAcct, nil, chain, controller[:], nil, nil)
	assert.NoError(err)
	assert.True(ok)

	// a non-controller chain is rejected
	stranger := testKey(t)
	strangerAddr, _, err := DeriveDidAccount(stranger[:])
	require.NoError(t, err)
	chain = []ControllerAccount{{Account: NewEmptyAccount(strangerAddr), Authority: stranger}}
	_, err = IsAuthority(controlledAcct, nil, chain, stranger[:], nil, nil)
	assert.ErrorIs(err, ErrInvalidControllerChain)

	// a controller account claimed with the wrong authority
	chain = []ControllerAccount{{Account: NewEmptyAccount(controllerAddr), Authority: stranger}}
	_, err = IsAuthority(controlledAcct, nil, chain, controller[:], nil, nil)
	assert.ErrorIs(err, ErrWrongAuthorityForDid)
}
