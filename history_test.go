package didsol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// builds a history with every lifecycle transition: initialize, an
// eth-signed update, close and initialize again
func testHistory(t *testing.T) []*InstructionRecord {
	t.Helper()
	l := newTestLedger(t)

	authority := testKey(t)
	priv := testEthKey(t)
	did := l.initialize(authority, 2000)

	_, err := l.submit(&Request{
		DidAccount: did,
		Authority:  authority,
		Signers:    []PublicKey{authority},
		Instruction: &AddVerificationMethod{VerificationMethod: VerificationMethod{
			Fragment: "eth",
			Flags:    FlagCapabilityInvocation,
			Key:      EthAddressFromECDSA(&priv.PublicKey),
		}},
	})
	require.NoError(t, err)

	ix := &AddService{Service: Service{Fragment: "hub", ServiceType: "IdentityHub", ServiceEndpoint: "https://hub.example.com"}}
	sig, err := SignEthMessage(priv, ix.Message(), 0)
	require.NoError(t, err)
	_, err = l.submit(&Request{
		DidAccount:   did,
		Authority:    authority,
		Signers:      []PublicKey{authority},
		EthSignature: sig,
		Instruction:  ix,
	})
	require.NoError(t, err)

	_, err = l.submit(&Request{
		DidAccount:  did,
		Authority:   authority,
		Signers:     []PublicKey{authority},
		Destination: authority,
		Instruction: &Close{},
	})
	require.NoError(t, err)

	_, err = l.submit(&Request{
		DidAccount:  did,
		Authority:   authority,
		Signers:     []PublicKey{authority},
		Instruction: &Initialize{Size: 500},
	})
	require.NoError(t, err)

	history, err := l.store.GetHistory(l.ctx, did)
	require.NoError(t, err)
	require.Len(t, history, 5)
	return history
}

func TestVerifyHistory(t *testing.T) {
	assert := assert.New(t)

	history := testHistory(t)
	assert.NoError(VerifyHistory(history))

	assert.Equal([]int64{0, 0, 1, 0, 0}, []int64{history[0].Nonce, history[1].Nonce, history[2].Nonce, history[3].Nonce, history[4].Nonce})
	for _, rec := range history {
		assert.NoError(rec.Validate())
	}
}

func TestVerifyHistory_Invalid(t *testing.T) {
	assert := assert.New(t)

	assert.Error(VerifyHistory(nil))

	// tampering with a field breaks the CID
	history := testHistory(t)
	tampered := *history[2]
	tampered.Nonce = 5
	assert.Error(tampered.Validate())
	assert.Error(VerifyHistory([]*InstructionRecord{history[0], history[1], &tampered}))

	// a document cannot be modified before it exists
	assert.Error(VerifyHistory(history[1:]))

	// nor initialized twice without a close in between
	assert.Error(VerifyHistory([]*InstructionRecord{history[0], history[4]}))

	// out of order
	assert.Error(VerifyHistory([]*InstructionRecord{history[0], history[2], history[1]}))

	// mixed DID accounts
	other := testHistory(t)
	assert.Error(VerifyHistory([]*InstructionRecord{history[0], other[1]}))
}
