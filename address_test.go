package didsol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveDidAccount(t *testing.T) {
	assert := assert.New(t)

	authority := MustParsePublicKey("6TE7bGggnzahkE7Snfyi8M4LuB3D4YV8CjoBJxn8UDsY")
	expected := MustParsePublicKey("3spWJgYRKqrZnBkgv6dwjohKG5x3ZBEdxoLxuC2LfwD2")

	addr, bump, err := DeriveDidAccount(authority[:])
	require.NoError(t, err)
	assert.Equal(expected, addr)
	assert.Equal(uint8(255), bump)

	addr, err = DeriveDidAccountWithBump(authority[:], 255)
	require.NoError(t, err)
	assert.Equal(expected, addr)

	// any other bump yields some other address, or none at all
	addr, err = DeriveDidAccountWithBump(authority[:], 254)
	if err == nil {
		assert.NotEqual(expected, addr)
	} else {
		assert.ErrorIs(err, ErrInvalidSeeds)
	}
}

func TestCreateProgramAddressSeedLimits(t *testing.T) {
	assert := assert.New(t)

	_, err := CreateProgramAddress([][]byte{make([]byte, 33)}, ProgramID)
	assert.ErrorIs(err, ErrInvalidSeeds)

	seeds := make([][]byte, 17)
	for i := range seeds {
		seeds[i] = []byte{byte(i)}
	}
	_, err = CreateProgramAddress(seeds, ProgramID)
	assert.ErrorIs(err, ErrInvalidSeeds)
}

func TestProgramAddressIsOffCurve(t *testing.T) {
	assert := assert.New(t)

	for range 8 {
		authority := testKey(t)
		addr, _, err := DeriveDidAccount(authority[:])
		require.NoError(t, err)
		assert.False(isOnCurve(addr[:]))
	}
	// real ed25519 public keys are on the curve
	assert.True(isOnCurve(testKey(t).Bytes()))
}

func TestDidIdentifiers(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("did:sol:12345", NormalizeDidCluster("did:sol:devnet:12345"))
	assert.Equal("did:sol:12345", NormalizeDidCluster("did:sol:localnet:12345"))
	assert.Equal("did:sol:12345", NormalizeDidCluster("did:sol:12345"))

	authority := MustParsePublicKey("6TE7bGggnzahkE7Snfyi8M4LuB3D4YV8CjoBJxn8UDsY")
	for _, did := range []string{
		"did:sol:6TE7bGggnzahkE7Snfyi8M4LuB3D4YV8CjoBJxn8UDsY",
		"did:sol:devnet:6TE7bGggnzahkE7Snfyi8M4LuB3D4YV8CjoBJxn8UDsY",
		"did:sol:6TE7bGggnzahkE7Snfyi8M4LuB3D4YV8CjoBJxn8UDsY#default",
	} {
		parsed, err := ParseDidSol(did)
		assert.NoError(err, did)
		assert.Equal(authority, parsed)
	}

	_, err := ParseDidSol("did:web:example.com")
	assert.Error(err)
	_, err = ParseDidSol("did:sol:notbase58!")
	assert.Error(err)

	doc := NewGenerativeDocument(255, authority)
	assert.Equal("did:sol:6TE7bGggnzahkE7Snfyi8M4LuB3D4YV8CjoBJxn8UDsY", doc.DID())
}
