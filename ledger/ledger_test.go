package ledger

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	didsol "github.com/did-method-sol/go-didsol"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*Ledger, *GormAccountStore, *LedgerState) {
	t.Helper()
	store := newTestStore(t)
	state := NewLedgerState(0)
	l := NewLedger(store, state, 4, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(cancel)
	return l, store, state
}

func submit(t *testing.T, l *Ledger, req *didsol.Request, signers ...ed25519.PrivateKey) (*didsol.InstructionRecord, error) {
	t.Helper()
	tx, err := NewTransaction(req, signers...)
	require.NoError(t, err)
	return l.Submit(context.Background(), tx)
}

// funds a fresh authority and initializes its DID account through the ledger
func initializeDid(t *testing.T, l *Ledger, size uint32) (ed25519.PrivateKey, didsol.PublicKey, didsol.PublicKey) {
	t.Helper()
	priv, authority := generateKey(t)
	require.NoError(t, l.Airdrop(context.Background(), authority, 1_000_000_000))
	did := didAccountOf(t, authority)
	_, err := submit(t, l, &didsol.Request{
		DidAccount:  did,
		Authority:   authority,
		Instruction: &didsol.Initialize{Size: size},
	}, priv)
	require.NoError(t, err)
	return priv, authority, did
}

func loadDocument(t *testing.T, store didsol.AccountStore, did didsol.PublicKey) *didsol.Document {
	t.Helper()
	acct, err := store.GetAccount(context.Background(), did)
	require.NoError(t, err)
	doc, err := didsol.UnmarshalDocument(acct.Data)
	require.NoError(t, err)
	return doc
}

func TestLedger_SubmitInitialize(t *testing.T) {
	assert := assert.New(t)
	l, store, state := newTestLedger(t)

	priv, authority := generateKey(t)
	require.NoError(t, l.Airdrop(context.Background(), authority, 1_000_000_000))
	did := didAccountOf(t, authority)

	rec, err := submit(t, l, &didsol.Request{
		DidAccount:  did,
		Authority:   authority,
		Instruction: &didsol.Initialize{Size: 1000},
	}, priv)
	require.NoError(t, err)
	assert.Equal("initialize", rec.Type)
	assert.Equal(did.String(), rec.DidAccount)
	assert.Equal(rec.Seq, state.LastSeq())

	doc := loadDocument(t, store, did)
	assert.Equal(authority, doc.Authority())
	assert.Equal(didsol.FlagCapabilityInvocation|didsol.FlagOwnershipProof, doc.InitialVerificationMethod.Flags)
}

func TestLedger_SignersComeFromSignatures(t *testing.T) {
	assert := assert.New(t)
	l, _, _ := newTestLedger(t)

	_, authority := generateKey(t)
	otherPriv, _ := generateKey(t)
	require.NoError(t, l.Airdrop(context.Background(), authority, 1_000_000_000))

	// the request JSON cannot claim signers; only verified signatures count
	_, err := submit(t, l, &didsol.Request{
		DidAccount:  didAccountOf(t, authority),
		Authority:   authority,
		Signers:     []didsol.PublicKey{authority},
		Instruction: &didsol.Initialize{Size: 1000},
	}, otherPriv)
	assert.ErrorIs(err, didsol.ErrInvalidInstruction)
	assert.ErrorIs(err, didsol.ErrMissingSigner)
}

func TestLedger_BadSignature(t *testing.T) {
	assert := assert.New(t)
	l, _, _ := newTestLedger(t)

	priv, authority := generateKey(t)
	tx, err := NewTransaction(initializeRequest(t, authority, 1000), priv)
	require.NoError(t, err)

	// tamper with the signed bytes
	tx.Request = append(tx.Request[:len(tx.Request)-1:len(tx.Request)-1], ' ', '}')
	_, err = l.Submit(context.Background(), tx)
	assert.ErrorIs(err, ErrInvalidTransaction)

	_, err = l.Submit(context.Background(), &Transaction{})
	assert.ErrorIs(err, ErrInvalidTransaction)
}

func TestLedger_RejectedInstruction(t *testing.T) {
	assert := assert.New(t)
	l, store, _ := newTestLedger(t)

	_, _, did := initializeDid(t, l, 1000)
	strangerPriv, stranger := generateKey(t)

	_, err := submit(t, l, &didsol.Request{
		DidAccount:  did,
		Authority:   stranger,
		Instruction: &didsol.RemoveVerificationMethod{Fragment: didsol.DefaultFragment},
	}, strangerPriv)
	assert.ErrorIs(err, didsol.ErrInvalidInstruction)
	assert.ErrorIs(err, didsol.ErrUnauthorized)

	history, err := store.GetHistory(context.Background(), did)
	require.NoError(t, err)
	assert.Len(history, 1)
}

func TestLedger_ConcurrentRequestsSameDocument(t *testing.T) {
	assert := assert.New(t)
	l, store, _ := newTestLedger(t)

	priv, authority, did := initializeDid(t, l, 4000)

	const n = 20
	txs := make([]*Transaction, n)
	for i := range n {
		_, key := generateKey(t)
		tx, err := NewTransaction(&didsol.Request{
			DidAccount: did,
			Authority:  authority,
			Instruction: &didsol.AddVerificationMethod{VerificationMethod: didsol.VerificationMethod{
				Fragment: fmt.Sprintf("key-%d", i),
				Flags:    didsol.FlagAuthentication,
				Key:      didsol.Ed25519Key(key),
			}},
		}, priv)
		require.NoError(t, err)
		txs[i] = tx
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i, tx := range txs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = l.Submit(context.Background(), tx)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(err)
	}
	doc := loadDocument(t, store, did)
	assert.Len(doc.VerificationMethods, n)

	history, err := store.GetHistory(context.Background(), did)
	require.NoError(t, err)
	assert.Len(history, n+1)
}

func TestLedger_ConcurrentRequestsManyDocuments(t *testing.T) {
	assert := assert.New(t)
	l, store, state := newTestLedger(t)

	const n = 10
	dids := make([]didsol.PublicKey, n)
	txs := make([]*Transaction, n)
	for i := range n {
		priv, authority := generateKey(t)
		require.NoError(t, l.Airdrop(context.Background(), authority, 1_000_000_000))
		req := initializeRequest(t, authority, 500)
		tx, err := NewTransaction(req, priv)
		require.NoError(t, err)
		dids[i] = req.DidAccount
		txs[i] = tx
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i, tx := range txs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = l.Submit(context.Background(), tx)
		}()
	}
	wg.Wait()

	for i, did := range dids {
		assert.NoError(errs[i])
		acct, err := store.GetAccount(context.Background(), did)
		require.NoError(t, err)
		assert.Equal(didsol.ProgramID, acct.Owner)
	}
	assert.Equal(int64(n), state.LastSeq())
}

func TestLedger_EthSignedRequest(t *testing.T) {
	assert := assert.New(t)
	l, store, _ := newTestLedger(t)

	priv, authority, did := initializeDid(t, l, 2000)
	ethPriv, err := crypto.GenerateKey()
	require.NoError(t, err)

	_, err = submit(t, l, &didsol.Request{
		DidAccount: did,
		Authority:  authority,
		Instruction: &didsol.AddVerificationMethod{VerificationMethod: didsol.VerificationMethod{
			Fragment: "eth",
			Flags:    didsol.FlagCapabilityInvocation,
			Key:      didsol.EthAddressFromECDSA(&ethPriv.PublicKey),
		}},
	}, priv)
	require.NoError(t, err)

	relayerPriv, relayer := generateKey(t)
	ix := &didsol.AddService{Service: didsol.Service{
		Fragment:        "hub",
		ServiceType:     "IdentityHub",
		ServiceEndpoint: "https://hub.example.com",
	}}
	sig, err := didsol.SignEthMessage(ethPriv, ix.Message(), 0)
	require.NoError(t, err)

	rec, err := submit(t, l, &didsol.Request{
		DidAccount:   did,
		Authority:    relayer,
		EthSignature: sig,
		Instruction:  ix,
	}, relayerPriv)
	require.NoError(t, err)
	assert.Equal(int64(1), rec.Nonce)

	doc := loadDocument(t, store, did)
	assert.Equal(uint64(1), doc.Nonce)
	assert.Len(doc.Services, 1)
}

func TestLedger_Stopped(t *testing.T) {
	store := newTestStore(t)
	l := NewLedger(store, NewLedgerState(0), 1, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, l.Run(ctx))

	priv, authority := generateKey(t)
	tx, err := NewTransaction(initializeRequest(t, authority, 1000), priv)
	require.NoError(t, err)
	_, err = l.Submit(context.Background(), tx)
	assert.ErrorIs(t, err, ErrLedgerStopped)
}
