package didsol

import (
	"fmt"
)

// ControllerAccount is one hop of a controller chain: the controlling DID
// account and the authority its implicit document derives from, used when the
// account is generative.
type ControllerAccount struct {
	Account   *Account
	Authority PublicKey
}

// ResolveDocument returns the document held by acct. A generative account
// resolves to its implicit document, but only if the claimed authority (and
// bump, when given) derives the account's address.
func ResolveDocument(acct *Account, authority PublicKey, bump *uint8) (*Document, error) {
	if acct.IsGenerative() {
		var derived PublicKey
		var derivedBump uint8
		var err error
		if bump != nil {
			derivedBump = *bump
			derived, err = DeriveDidAccountWithBump(authority[:], derivedBump)
		} else {
			derived, derivedBump, err = DeriveDidAccount(authority[:])
		}
		if err != nil {
			return nil, err
		}
		if derived != acct.Address {
			return nil, fmt.Errorf("%w: %s does not derive %s", ErrWrongAuthorityForDid, authority, acct.Address)
		}
		return NewGenerativeDocument(derivedBump, authority), nil
	}

	if acct.Owner != ProgramID {
		return nil, fmt.Errorf("%w: %s is owned by %s", ErrAccountNotOwned, acct.Address, acct.Owner)
	}
	return UnmarshalDocument(acct.Data)
}

// ResolveControllerChain loads every document of a controller chain, in order.
func ResolveControllerChain(chain []ControllerAccount) ([]*Document, error) {
	docs := make([]*Document, 0, len(chain))
	for _, c := range chain {
		doc, err := ResolveDocument(c.Account, c.Authority, nil)
		if err != nil {
			return nil, fmt.Errorf("controller %s: %w", c.Account.Address, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// FindAuthority returns the first CAPABILITY_INVOCATION method whose key is
// key, optionally restricted to method types and a fragment.
func (d *Document) FindAuthority(key []byte, types []VMType, fragment *string) *VerificationMethod {
	found := d.filterVerificationMethods(vmFilter{
		types:    types,
		flags:    FlagCapabilityInvocation,
		key:      key,
		fragment: fragment,
	})
	if len(found) == 0 {
		return nil
	}
	return found[0]
}

// FindAuthorityConstraint checks the native signer first, then the key
// recovered from the optional secp256k1 signature over message, bound to the
// document's current nonce.
func (d *Document) FindAuthorityConstraint(signer PublicKey, message []byte, sig *Secp256k1RawSignature, fragment *string) *VerificationMethod {
	return d.findAuthorityConstraint(d.Nonce, signer, message, sig, fragment)
}

func (d *Document) findAuthorityConstraint(nonce uint64, signer PublicKey, message []byte, sig *Secp256k1RawSignature, fragment *string) *VerificationMethod {
	if vm := d.FindAuthority(signer[:], []VMType{VMTypeEd25519VerificationKey2018}, fragment); vm != nil {
		return vm
	}
	if sig == nil {
		return nil
	}

	recovered, err := sig.Recover(message, nonce)
	if err != nil {
		return nil
	}
	if vm := d.FindAuthority(recovered[:], []VMType{VMTypeEcdsaSecp256k1VerificationKey2019}, fragment); vm != nil {
		return vm
	}
	addr := recovered.EthAddress()
	return d.FindAuthority(addr[:], []VMType{VMTypeEcdsaSecp256k1RecoveryMethod2020}, fragment)
}

// ResolveAuthority authorizes a request against target. With a non-empty
// controller chain, the key is looked up on the last document of the chain;
// a secp256k1 signature is always bound to the target's nonce. The matching
// verification method is returned.
func ResolveAuthority(target *Document, chain []*Document, signer PublicKey, message []byte, sig *Secp256k1RawSignature, fragment *string) (*VerificationMethod, error) {
	if !target.IsControlledBy(chain) {
		return nil, ErrInvalidControllerChain
	}
	doc := target
	if len(chain) > 0 {
		doc = chain[len(chain)-1]
	}
	vm := doc.findAuthorityConstraint(target.Nonce, signer, message, sig, fragment)
	if vm == nil {
		return nil, fmt.Errorf("%w: no capability invocation method for %s on %s", ErrUnauthorized, signer, target.DID())
	}
	return vm, nil
}

// IsAuthority reports whether key is an authority on the DID held by acct,
// directly or via a chain of controlling accounts, ordered
// acct -> controllers[0] -> ... -> controllers[n].
//
// A generative acct is only authorized for the key it derives from.
func IsAuthority(acct *Account, bump *uint8, controllers []ControllerAccount, key []byte, types []VMType, fragment *string) (bool, error) {
	if acct.IsGenerative() {
		var addr PublicKey
		var err error
		if bump != nil {
			addr, err = DeriveDidAccountWithBump(key, *bump)
		} else {
			addr, _, err = DeriveDidAccount(key)
		}
		if err != nil {
			return false, err
		}
		return addr == acct.Address, nil
	}

	doc, err := ResolveDocument(acct, PublicKey{}, bump)
	if err != nil {
		return false, err
	}
	chain, err := ResolveControllerChain(controllers)
	if err != nil {
		return false, err
	}
	if !doc.IsControlledBy(chain) {
		return false, ErrInvalidControllerChain
	}
	if len(chain) > 0 {
		doc = chain[len(chain)-1]
	}
	return doc.FindAuthority(key, types, fragment) != nil, nil
}
