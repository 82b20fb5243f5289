package didsol

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Secp256k1RawSignature is a compact ECDSA signature plus recovery id, as
// produced by Ethereum wallets for personal messages.
type Secp256k1RawSignature struct {
	Signature  [64]byte
	RecoveryID uint8
}

type secp256k1SignatureJSON struct {
	Signature  hexutil.Bytes `json:"signature"`
	RecoveryID uint8         `json:"recoveryId"`
}

func (s Secp256k1RawSignature) MarshalJSON() ([]byte, error) {
	return json.Marshal(secp256k1SignatureJSON{
		Signature:  s.Signature[:],
		RecoveryID: s.RecoveryID,
	})
}

func (s *Secp256k1RawSignature) UnmarshalJSON(b []byte) error {
	var raw secp256k1SignatureJSON
	if err := strictUnmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw.Signature) != len(s.Signature) {
		return fmt.Errorf("%w: expected 64 byte signature, got %d bytes", ErrInvalidSecp256k1Signature, len(raw.Signature))
	}
	copy(s.Signature[:], raw.Signature)
	s.RecoveryID = raw.RecoveryID
	return nil
}

// EthMessageHash binds a message to a nonce and applies the Ethereum personal
// message prefix: keccak256("\x19Ethereum Signed Message:\n" + len + message || nonce_le).
func EthMessageHash(message []byte, nonce uint64) []byte {
	bound := binary.LittleEndian.AppendUint64(append([]byte{}, message...), nonce)
	return accounts.TextHash(bound)
}

// Recover returns the 64 byte uncompressed public key (X || Y) of the signer.
func (s *Secp256k1RawSignature) Recover(message []byte, nonce uint64) (Secp256k1Key, error) {
	v := s.RecoveryID
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return Secp256k1Key{}, fmt.Errorf("%w: recovery id %d", ErrInvalidSecp256k1Signature, s.RecoveryID)
	}
	sig := make([]byte, 65)
	copy(sig, s.Signature[:])
	sig[64] = v

	pub, err := crypto.Ecrecover(EthMessageHash(message, nonce), sig)
	if err != nil {
		return Secp256k1Key{}, fmt.Errorf("%w: %v", ErrInvalidSecp256k1Signature, err)
	}
	var key Secp256k1Key
	// strip the 0x04 uncompressed point marker
	copy(key[:], pub[1:])
	return key, nil
}

// EthAddress returns the Ethereum address of the key.
func (k Secp256k1Key) EthAddress() EthAddress {
	var addr EthAddress
	copy(addr[:], crypto.Keccak256(k[:])[12:])
	return addr
}

// Secp256k1KeyFromECDSA returns the raw key material of a secp256k1 public key.
func Secp256k1KeyFromECDSA(pub *ecdsa.PublicKey) Secp256k1Key {
	var key Secp256k1Key
	copy(key[:], crypto.FromECDSAPub(pub)[1:])
	return key
}

// EthAddressFromECDSA returns the Ethereum address of a secp256k1 public key.
func EthAddressFromECDSA(pub *ecdsa.PublicKey) EthAddress {
	return EthAddress(crypto.PubkeyToAddress(*pub))
}

// SignEthMessage produces a signature over the nonce bound message hash.
func SignEthMessage(priv *ecdsa.PrivateKey, message []byte, nonce uint64) (*Secp256k1RawSignature, error) {
	sig, err := crypto.Sign(EthMessageHash(message, nonce), priv)
	if err != nil {
		return nil, err
	}
	out := &Secp256k1RawSignature{RecoveryID: sig[64]}
	copy(out.Signature[:], sig[:64])
	return out, nil
}
