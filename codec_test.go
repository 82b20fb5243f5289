package didsol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentBinaryRoundTrip(t *testing.T) {
	assert := assert.New(t)

	doc := testDocument(t, testKey(t))
	doc.Nonce = 42
	var addr EthAddress
	addr[19] = 0xaa
	var full Secp256k1Key
	full[0] = 0xbb
	require.NoError(t, doc.AddVerificationMethod(ed25519VM("ed", FlagAuthentication|FlagAssertion, testKey(t))))
	require.NoError(t, doc.AddVerificationMethod(VerificationMethod{Fragment: "eth", Flags: FlagCapabilityInvocation, Key: addr}))
	require.NoError(t, doc.AddVerificationMethod(VerificationMethod{Fragment: "k1", Flags: FlagKeyAgreement, Key: full}))
	require.NoError(t, doc.AddService(Service{Fragment: "hub", ServiceType: "IdentityHub", ServiceEndpoint: "https://hub.example.com"}, false))
	require.NoError(t, doc.SetNativeControllers([]PublicKey{testKey(t), testKey(t)}))
	require.NoError(t, doc.SetOtherControllers([]string{"did:web:example.com"}))

	b, err := doc.MarshalBinary()
	require.NoError(t, err)
	assert.True(HasDidAccountData(b))

	// unused account space after the document is ignored
	padded := append(b, make([]byte, 100)...)
	decoded, err := UnmarshalDocument(padded)
	require.NoError(t, err)
	assert.Equal(doc, decoded)
}

func TestUnmarshalDocumentInvalid(t *testing.T) {
	assert := assert.New(t)

	b, err := testDocument(t, testKey(t)).MarshalBinary()
	require.NoError(t, err)

	_, err = UnmarshalDocument(nil)
	assert.ErrorIs(err, ErrAccountDiscriminator)

	wrongDisc := append([]byte{}, b...)
	wrongDisc[0] ^= 0xff
	_, err = UnmarshalDocument(wrongDisc)
	assert.ErrorIs(err, ErrAccountDiscriminator)

	_, err = UnmarshalDocument(b[:len(b)-3])
	assert.ErrorIs(err, ErrInvalidAccountData)

	// initial method flags live after discriminator, header and fragment
	flagsOffset := discriminatorLen + 1 + 1 + 8 + 4 + len(DefaultFragment)
	badFlags := append([]byte{}, b...)
	binary.LittleEndian.PutUint16(badFlags[flagsOffset:], 0x0100)
	_, err = UnmarshalDocument(badFlags)
	assert.ErrorIs(err, ErrInvalidAccountData)
	assert.ErrorIs(err, ErrConversion)

	badType := append([]byte{}, b...)
	badType[flagsOffset+2] = 7
	_, err = UnmarshalDocument(badType)
	assert.ErrorIs(err, ErrConversion)

	badFragment := append([]byte{}, b...)
	badFragment[flagsOffset-len(DefaultFragment)] = 0xff
	_, err = UnmarshalDocument(badFragment)
	assert.ErrorIs(err, ErrInvalidAccountData)

	// a huge collection count must not allocate
	hugeCount := append([]byte{}, b...)
	vmsOffset := flagsOffset + 2 + 1 + 4 + 32
	binary.LittleEndian.PutUint32(hugeCount[vmsOffset:], 0xffffffff)
	_, err = UnmarshalDocument(hugeCount)
	assert.ErrorIs(err, ErrInvalidAccountData)
}

func TestInstructionMessages(t *testing.T) {
	assert := assert.New(t)

	assert.Equal([]byte{0x10, 0x27, 0, 0}, (&Resize{Size: 10000}).Message())
	assert.Empty((&Close{}).Message())

	// strings are length prefixed
	assert.Equal([]byte{2, 0, 0, 0, 'm', '2'}, (&RemoveVerificationMethod{Fragment: "m2"}).Message())
	assert.Equal([]byte{2, 0, 0, 0, 'm', '2', 0x48, 0}, (&SetVmFlags{Fragment: "m2", Flags: FlagCapabilityInvocation | FlagOwnershipProof}).Message())

	svc := Service{Fragment: "a", ServiceType: "b", ServiceEndpoint: "c"}
	withOverwrite := &AddService{Service: svc, AllowOverwrite: true}
	withoutOverwrite := &AddService{Service: svc}
	assert.Equal([]byte{1, 0, 0, 0, 'a', 1, 0, 0, 0, 'b', 1, 0, 0, 0, 'c', 1}, withOverwrite.Message())
	assert.Equal([]byte{1, 0, 0, 0, 'a', 1, 0, 0, 0, 'b', 1, 0, 0, 0, 'c', 0}, withoutOverwrite.Message())
}
