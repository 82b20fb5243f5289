package didsol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// VMFlags is the capability set of a verification method.
type VMFlags uint16

const (
	// The VM is able to authenticate the subject
	FlagAuthentication VMFlags = 1 << iota
	// The VM is able to prove assertions on the subject
	FlagAssertion
	// The VM can be used for encryption
	FlagKeyAgreement
	// The VM can be used for issuing capabilities. Required for DID updates
	FlagCapabilityInvocation
	// The VM can be used for delegating capabilities
	FlagCapabilityDelegation
	// The VM is hidden from the DID document (off-chain only)
	FlagDidDocHidden
	// The subject proved to be in possession of the private key
	FlagOwnershipProof
	// The VM cannot be removed while this flag is set
	FlagProtected

	FlagNone VMFlags = 0
)

const allFlags = FlagAuthentication | FlagAssertion | FlagKeyAgreement | FlagCapabilityInvocation |
	FlagCapabilityDelegation | FlagDidDocHidden | FlagOwnershipProof | FlagProtected

// flags which can never arrive through a user supplied verification method
const guardedFlags = FlagOwnershipProof | FlagProtected

var flagNames = []struct {
	flag VMFlags
	name string
}{
	{FlagAuthentication, "Authentication"},
	{FlagAssertion, "Assertion"},
	{FlagKeyAgreement, "KeyAgreement"},
	{FlagCapabilityInvocation, "CapabilityInvocation"},
	{FlagCapabilityDelegation, "CapabilityDelegation"},
	{FlagDidDocHidden, "DidDocHidden"},
	{FlagOwnershipProof, "OwnershipProof"},
	{FlagProtected, "Protected"},
}

// ParseVMFlags converts raw bits into a flag set. Unknown bits fail with ErrConversion.
func ParseVMFlags(bits uint16) (VMFlags, error) {
	f := VMFlags(bits)
	if f&^allFlags != 0 {
		return FlagNone, fmt.Errorf("%w: unknown flag bits 0x%04x", ErrConversion, uint16(f&^allFlags))
	}
	return f, nil
}

func (f VMFlags) Contains(other VMFlags) bool {
	return f&other == other
}

func (f VMFlags) Intersects(other VMFlags) bool {
	return f&other != 0
}

func (f VMFlags) String() string {
	if f == FlagNone {
		return "None"
	}
	var names []string
	for _, fn := range flagNames {
		if f.Contains(fn.flag) {
			names = append(names, fn.name)
		}
	}
	if rest := f &^ allFlags; rest != 0 {
		names = append(names, fmt.Sprintf("0x%04x", uint16(rest)))
	}
	return strings.Join(names, "|")
}

// JSON representation is a list of flag names
func (f VMFlags) MarshalJSON() ([]byte, error) {
	names := []string{}
	for _, fn := range flagNames {
		if f.Contains(fn.flag) {
			names = append(names, fn.name)
		}
	}
	return json.Marshal(names)
}

func (f *VMFlags) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	out := FlagNone
	for _, n := range names {
		found := false
		for _, fn := range flagNames {
			if strings.EqualFold(fn.name, n) {
				out |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: unknown flag name %q", ErrConversion, n)
		}
	}
	*f = out
	return nil
}

// VMType enumerates the supported verification method key types.
type VMType uint8

const (
	// Ed25519 key, the native signer type.
	// https://w3c-ccg.github.io/lds-ed25519-2018/
	VMTypeEd25519VerificationKey2018 VMType = iota
	// 20 byte Ethereum address, matched against keys recovered from secp256k1 signatures
	VMTypeEcdsaSecp256k1RecoveryMethod2020
	// full secp256k1 public key
	VMTypeEcdsaSecp256k1VerificationKey2019
)

var vmTypeNames = map[VMType]string{
	VMTypeEd25519VerificationKey2018:        "Ed25519VerificationKey2018",
	VMTypeEcdsaSecp256k1RecoveryMethod2020:  "EcdsaSecp256k1RecoveryMethod2020",
	VMTypeEcdsaSecp256k1VerificationKey2019: "EcdsaSecp256k1VerificationKey2019",
}

// ParseVMType converts a stored discriminant into a VMType.
func ParseVMType(b uint8) (VMType, error) {
	t := VMType(b)
	if _, ok := vmTypeNames[t]; !ok {
		return 0, fmt.Errorf("%w: unknown verification method type %d", ErrConversion, b)
	}
	return t, nil
}

// AuthorityTypes are the key types eligible to authorize requests.
func AuthorityTypes() []VMType {
	return []VMType{
		VMTypeEd25519VerificationKey2018,
		VMTypeEcdsaSecp256k1VerificationKey2019,
		VMTypeEcdsaSecp256k1RecoveryMethod2020,
	}
}

func (t VMType) String() string {
	if s, ok := vmTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("VMType(%d)", uint8(t))
}

func (t VMType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *VMType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for k, v := range vmTypeNames {
		if v == s {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("%w: unknown verification method type %q", ErrConversion, s)
}

func containsType(types []VMType, t VMType) bool {
	for _, tt := range types {
		if tt == t {
			return true
		}
	}
	return false
}
