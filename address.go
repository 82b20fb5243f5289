package didsol

import (
	"crypto/sha256"
	"fmt"

	"filippo.io/edwards25519"
)

const (
	// Seed namespace of every DID account address
	DidAccountSeed = "did-account"

	pdaMarker  = "ProgramDerivedAddress"
	maxSeedLen = 32
	maxSeeds   = 16
)

var (
	// Program owning all (current format) DID accounts
	ProgramID = MustParsePublicKey("didso1Dpqpm4CsiCjzP766BGY89CAdD6ZBL68cRhFPc")

	// Program owning legacy format DID accounts
	LegacyProgramID = MustParsePublicKey("idDa4XeCjVwKcprVAo812coUQbovSZ4kDGJf2sPaBnM")

	// Owner of accounts that were never allocated (or were closed)
	SystemProgramID = PublicKey{}
)

// CreateProgramAddress hashes the seeds with the program ID. The result must
// not be a valid Ed25519 point, so no private key can exist for it.
func CreateProgramAddress(seeds [][]byte, programID PublicKey) (PublicKey, error) {
	if len(seeds) > maxSeeds {
		return PublicKey{}, fmt.Errorf("%w: too many seeds", ErrInvalidSeeds)
	}
	h := sha256.New()
	for _, s := range seeds {
		if len(s) > maxSeedLen {
			return PublicKey{}, fmt.Errorf("%w: seed longer than %d bytes", ErrInvalidSeeds, maxSeedLen)
		}
		h.Write(s)
	}
	h.Write(programID[:])
	h.Write([]byte(pdaMarker))

	var addr PublicKey
	copy(addr[:], h.Sum(nil))
	if isOnCurve(addr[:]) {
		return PublicKey{}, fmt.Errorf("%w: address is on the ed25519 curve", ErrInvalidSeeds)
	}
	return addr, nil
}

// FindProgramAddress searches bumps from 255 downwards and returns the first
// (canonical) derivable address.
func FindProgramAddress(seeds [][]byte, programID PublicKey) (PublicKey, uint8, error) {
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	for bump := 255; bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{uint8(bump)}
		addr, err := CreateProgramAddress(withBump, programID)
		if err == nil {
			return addr, uint8(bump), nil
		}
	}
	return PublicKey{}, 0, fmt.Errorf("%w: no viable bump", ErrInvalidSeeds)
}

// DeriveDidAccount returns the canonical DID account address and bump for an authority key.
func DeriveDidAccount(authority []byte) (PublicKey, uint8, error) {
	return FindProgramAddress([][]byte{[]byte(DidAccountSeed), authority}, ProgramID)
}

// DeriveDidAccountWithBump re-derives the DID account address using an explicit bump.
func DeriveDidAccountWithBump(authority []byte, bump uint8) (PublicKey, error) {
	return CreateProgramAddress([][]byte{[]byte(DidAccountSeed), authority, {bump}}, ProgramID)
}

func isOnCurve(b []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}
