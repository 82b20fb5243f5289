package didsol

import (
	"slices"
)

// Account is the host ledger's view of an address: owner program, balance and
// data buffer.
type Account struct {
	Address  PublicKey `json:"address"`
	Owner    PublicKey `json:"owner"`
	Lamports uint64    `json:"lamports"`
	Data     []byte    `json:"data"`

	// incremented on every committed write, used for optimistic concurrency
	Revision uint64 `json:"revision"`
}

// NewEmptyAccount returns the system owned, zero balance state every address
// starts in.
func NewEmptyAccount(address PublicKey) *Account {
	return &Account{
		Address: address,
		Owner:   SystemProgramID,
		Data:    []byte{},
	}
}

// IsGenerative reports whether the account has not been materialized by the
// DID program. Closed accounts are generative again.
func (a *Account) IsGenerative() bool {
	return a.Owner == SystemProgramID
}

func (a *Account) Clone() *Account {
	out := *a
	out.Data = slices.Clone(a.Data)
	if out.Data == nil {
		out.Data = []byte{}
	}
	return &out
}

// storeDocument serializes doc into the account data buffer. The buffer is not
// grown: a document that no longer fits requires a resize first.
func (a *Account) storeDocument(doc *Document) error {
	b, err := doc.MarshalBinary()
	if err != nil {
		return err
	}
	if len(b) > len(a.Data) {
		return ErrInsufficientAccountSize
	}
	copy(a.Data, b)
	clear(a.Data[len(b):])
	return nil
}
