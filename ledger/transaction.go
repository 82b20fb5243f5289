package ledger

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"

	didsol "github.com/did-method-sol/go-didsol"
	"github.com/mr-tron/base58"
)

var ErrInvalidTransaction = errors.New("invalid ledger transaction")

// Transaction is a request as submitted to the ledger: the serialized request
// plus Ed25519 signatures over exactly those bytes.
type Transaction struct {
	Request    json.RawMessage `json:"request"`
	Signatures []TxSignature   `json:"signatures"`
}

type TxSignature struct {
	PublicKey didsol.PublicKey `json:"publicKey"`
	Signature string           `json:"signature"` // base58
}

// NewTransaction serializes req and signs it with every given key.
func NewTransaction(req *didsol.Request, signers ...ed25519.PrivateKey) (*Transaction, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	tx := &Transaction{Request: b}
	for _, priv := range signers {
		pub, err := didsol.PublicKeyFromBytes(priv.Public().(ed25519.PublicKey))
		if err != nil {
			return nil, err
		}
		tx.Signatures = append(tx.Signatures, TxSignature{
			PublicKey: pub,
			Signature: base58.Encode(ed25519.Sign(priv, b)),
		})
	}
	return tx, nil
}

// Verify checks every signature and returns the request with its Signers set
// to the verified keys. A transaction with any bad signature is rejected as a whole.
func (tx *Transaction) Verify() (*didsol.Request, error) {
	if len(tx.Request) == 0 {
		return nil, fmt.Errorf("%w: empty request", ErrInvalidTransaction)
	}
	var req didsol.Request
	if err := json.Unmarshal(tx.Request, &req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTransaction, err)
	}

	signers := make([]didsol.PublicKey, 0, len(tx.Signatures))
	for _, s := range tx.Signatures {
		sig, err := base58.Decode(s.Signature)
		if err != nil || len(sig) != ed25519.SignatureSize {
			return nil, fmt.Errorf("%w: malformed signature for %s", ErrInvalidTransaction, s.PublicKey)
		}
		if !ed25519.Verify(ed25519.PublicKey(s.PublicKey.Bytes()), tx.Request, sig) {
			return nil, fmt.Errorf("%w: bad signature for %s", ErrInvalidTransaction, s.PublicKey)
		}
		signers = append(signers, s.PublicKey)
	}
	req.Signers = signers
	return &req, nil
}
