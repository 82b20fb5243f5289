package didsol

import "errors"

var (
	// Returned (wrapped) by ProcessInstruction when a request is definitely invalid.
	// Other errors are AccountStore-related and may be resolved by retrying.
	ErrInvalidInstruction = errors.New("invalid did:sol instruction")

	// May be returned by CommitInstructions (as a wrapped error)
	ErrRevisionMismatch = errors.New("account revision mismatch")

	ErrConversion           = errors.New("could not convert between data types")
	ErrAccountDiscriminator = errors.New("account discriminator did not match")
	ErrInvalidAccountData   = errors.New("account data could not be deserialized")
	ErrAccountNotOwned      = errors.New("account is not owned by the expected program")

	ErrInvalidControllerChain    = errors.New("invalid chain of controlling DID accounts")
	ErrWrongAuthorityForDid      = errors.New("wrong authority for generative DID account")
	ErrUnauthorized              = errors.New("no verification method authorizes this request")
	ErrMissingSigner             = errors.New("required signer did not sign the request")
	ErrInvalidSecp256k1Signature = errors.New("error validating secp256k1 signature")
	ErrInvalidSeeds              = errors.New("seeds do not derive a valid program address")

	ErrVmFragmentNotFound          = errors.New("no verification method with the given fragment exists")
	ErrVmFragmentAlreadyInUse      = errors.New("verification method fragment is already in use")
	ErrVmOwnershipOnAdd            = errors.New("cannot add a verification method with the OwnershipProof flag")
	ErrVmGuardedFlagOnAdd          = errors.New("cannot add a verification method with the Protected flag")
	ErrVmCannotRemoveLastAuthority = errors.New("removing the last authority would lead to a lockout")
	ErrVmCannotRemoveProtected     = errors.New("cannot remove a protected verification method")
	ErrServiceFragmentAlreadyInUse = errors.New("service fragment is already in use")
	ErrServiceFragmentNotFound     = errors.New("no service with the given fragment exists")
	ErrInvalidNativeControllers    = errors.New("invalid native controllers: cannot set itself as a controller")
	ErrInvalidOtherControllers     = errors.New("invalid other controllers: invalid DID or did:sol DID")
	ErrAlreadyInitialized          = errors.New("DID account is already initialized")
	ErrNotLegacyAccount            = errors.New("account is not a legacy DID account")

	ErrInsufficientInitialSize = errors.New("initial account size is insufficient for serialization")
	ErrInsufficientAccountSize = errors.New("account size is insufficient for the updated document")
	ErrInsufficientFunds       = errors.New("payer has insufficient lamports")
	ErrNonceOverflow           = errors.New("DID account nonce is exhausted")
)
