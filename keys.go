package didsol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mr-tron/base58"
)

// PublicKey is a 32 byte account address or Ed25519 public key.
type PublicKey [32]byte

// ParsePublicKey parses a base58 encoded 32 byte key.
func ParsePublicKey(s string) (PublicKey, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("invalid base58 key %q: %w", s, err)
	}
	return PublicKeyFromBytes(b)
}

func MustParsePublicKey(s string) PublicKey {
	pk, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != len(pk) {
		return pk, fmt.Errorf("%w: expected 32 byte key, got %d bytes", ErrConversion, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

func (pk PublicKey) String() string {
	return base58.Encode(pk[:])
}

func (pk PublicKey) Bytes() []byte {
	return pk[:]
}

func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

func (pk PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(pk.String())
}

func (pk *PublicKey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParsePublicKey(s)
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// KeyData is the key material of a verification method. The concrete type
// determines the verification method type and the stored key length.
type KeyData interface {
	Type() VMType
	Bytes() []byte
}

// Ed25519Key is the key of an Ed25519VerificationKey2018 method.
type Ed25519Key PublicKey

// EthAddress is the key of an EcdsaSecp256k1RecoveryMethod2020 method: the
// low 20 bytes of keccak256 over the uncompressed public key.
type EthAddress [20]byte

// Secp256k1Key is the key of an EcdsaSecp256k1VerificationKey2019 method: the
// 64 byte uncompressed public key (X || Y), as recovered from signatures.
type Secp256k1Key [64]byte

var (
	_ KeyData = Ed25519Key{}
	_ KeyData = EthAddress{}
	_ KeyData = Secp256k1Key{}
)

func (k Ed25519Key) Type() VMType { return VMTypeEd25519VerificationKey2018 }
func (k Ed25519Key) Bytes() []byte { return k[:] }
func (k EthAddress) Type() VMType { return VMTypeEcdsaSecp256k1RecoveryMethod2020 }
func (k EthAddress) Bytes() []byte { return k[:] }
func (k Secp256k1Key) Type() VMType { return VMTypeEcdsaSecp256k1VerificationKey2019 }
func (k Secp256k1Key) Bytes() []byte { return k[:] }

// NewKeyData interprets raw key bytes for the given method type. A length that
// does not match the type fails with ErrConversion.
func NewKeyData(t VMType, b []byte) (KeyData, error) {
	switch t {
	case VMTypeEd25519VerificationKey2018:
		var k Ed25519Key
		if len(b) != len(k) {
			break
		}
		copy(k[:], b)
		return k, nil
	case VMTypeEcdsaSecp256k1RecoveryMethod2020:
		var k EthAddress
		if len(b) != len(k) {
			break
		}
		copy(k[:], b)
		return k, nil
	case VMTypeEcdsaSecp256k1VerificationKey2019:
		var k Secp256k1Key
		if len(b) != len(k) {
			break
		}
		copy(k[:], b)
		return k, nil
	default:
		return nil, fmt.Errorf("%w: unknown verification method type %d", ErrConversion, uint8(t))
	}
	return nil, fmt.Errorf("%w: %d byte key is invalid for %s", ErrConversion, len(b), t)
}

func keyEquals(k KeyData, b []byte) bool {
	return k != nil && bytes.Equal(k.Bytes(), b)
}
