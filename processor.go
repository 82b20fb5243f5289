package didsol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
)

// ControllerRef names one hop of a controller chain in a request.
type ControllerRef struct {
	DidAccount PublicKey `json:"didAccount"`
	Authority  PublicKey `json:"authority"`
}

// Request is a single instruction plus the accounts and credentials the host
// ledger supplies with it.
type Request struct {
	DidAccount PublicKey `json:"didAccount"`
	Authority  PublicKey `json:"authority"`
	// pays rent for initialize, resize and migrate. Defaults to Authority
	Payer PublicKey `json:"payer,omitzero"`
	// receives the lamports of a closed account
	Destination PublicKey `json:"destination,omitzero"`
	// legacy format account read by migrate
	LegacyAccount PublicKey `json:"legacyAccount,omitzero"`

	Controllers  []ControllerRef        `json:"controllers,omitempty"`
	EthSignature *Secp256k1RawSignature `json:"ethSignature,omitempty"`
	Instruction  Instruction            `json:"-"`

	// Keys that co-signed the request, as verified by the host. Never part of
	// the serialized request.
	Signers []PublicKey `json:"-"`
}

func (r Request) MarshalJSON() ([]byte, error) {
	type plain Request
	return json.Marshal(struct {
		plain
		Instruction *InstructionEnum `json:"instruction"`
	}{plain(r), &InstructionEnum{Instruction: r.Instruction}})
}

func (r *Request) UnmarshalJSON(b []byte) error {
	type plain Request
	var raw struct {
		plain
		Instruction *InstructionEnum `json:"instruction"`
	}
	if err := strictUnmarshal(b, &raw); err != nil {
		return err
	}
	if raw.Instruction == nil || raw.Instruction.Instruction == nil {
		return fmt.Errorf("request has no instruction")
	}
	*r = Request(raw.plain)
	r.Instruction = raw.Instruction.Instruction
	return nil
}

func (r *Request) payer() PublicKey {
	if r.Payer.IsZero() {
		return r.Authority
	}
	return r.Payer
}

// WritableAccounts lists every address the request may write to. Requests
// with disjoint writable sets can be processed concurrently.
func (r *Request) WritableAccounts() []PublicKey {
	out := []PublicKey{r.DidAccount}
	for _, addr := range []PublicKey{r.payer(), r.Destination} {
		if !addr.IsZero() && !slices.Contains(out, addr) {
			out = append(out, addr)
		}
	}
	return out
}

func (r *Request) signedBy(key PublicKey) bool {
	return slices.Contains(r.Signers, key)
}

// AccountReader provides account snapshots. A missing address must be
// returned as an empty, system owned account.
type AccountReader interface {
	GetAccount(ctx context.Context, address PublicKey) (*Account, error)
}

// PreparedInstruction contains the complete effect of a validated request.
// Nothing has been persisted yet.
type PreparedInstruction struct {
	Request *Request

	// New states of every account the request touched. Each Revision is the
	// revision the state was derived from, and must still be current at commit.
	Writes []*Account

	// Document after the instruction, nil if the account was closed
	Document *Document
}

// DidAccount returns the new state of the target DID account.
func (p *PreparedInstruction) DidAccount() *Account {
	for _, w := range p.Writes {
		if w.Address == p.Request.DidAccount {
			return w
		}
	}
	return nil
}

// execution is the working state of a single request. Every account is a
// private copy, so a failure at any point leaves no trace.
type execution struct {
	ctx      context.Context
	reader   AccountReader
	req      *Request
	accounts map[PublicKey]*Account
	order    []PublicKey

	did *Account
	doc *Document

	// set once authorization consumed the secp256k1 signature
	sigConsumed bool
}

func (x *execution) account(address PublicKey) (*Account, error) {
	if acct, ok := x.accounts[address]; ok {
		return acct, nil
	}
	acct, err := x.reader.GetAccount(x.ctx, address)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		acct = NewEmptyAccount(address)
	}
	acct = acct.Clone()
	x.accounts[address] = acct
	x.order = append(x.order, address)
	return acct, nil
}

// fund moves lamports to keep dst rent exempt for size bytes, paid by the
// request's payer.
func (x *execution) fund(dst *Account, size int) error {
	required := MinimumBalance(size)
	if dst.Lamports >= required {
		return nil
	}
	payerKey := x.req.payer()
	if !x.req.signedBy(payerKey) {
		return fmt.Errorf("%w: payer %s", ErrMissingSigner, payerKey)
	}
	payer, err := x.load(payerKey)
	if err != nil {
		return err
	}
	due := required - dst.Lamports
	if payer.Lamports < due {
		return fmt.Errorf("%w: %d lamports required, %s has %d", ErrInsufficientFunds, due, payerKey, payer.Lamports)
	}
	payer.Lamports -= due
	dst.Lamports += due
	return nil
}

// ProcessInstruction validates a request against the current account states
// and computes its effect. The document nonce is incremented when (and only
// when) a secp256k1 signature was supplied and the request succeeds.
//
// Errors wrapping ErrInvalidInstruction indicate the request is *definitely*
// invalid. Other errors are AccountReader-related and may be resolved by
// retrying.
func ProcessInstruction(ctx context.Context, reader AccountReader, req *Request) (*PreparedInstruction, error) {
	if req.Instruction == nil {
		return nil, fmt.Errorf("%w: no instruction", ErrInvalidInstruction)
	}
	x := &execution{
		ctx:      ctx,
		reader:   reader,
		req:      req,
		accounts: map[PublicKey]*Account{},
	}

	did, err := x.account(req.DidAccount)
	if err != nil {
		return nil, err
	}
	x.did = did

	switch req.Instruction.(type) {
	case *Initialize, *Migrate:
		// these create the document, there is nothing to authorize against yet
	default:
		if err := x.authorize(); err != nil {
			return nil, invalid(err)
		}
	}

	if err := req.Instruction.apply(x); err != nil {
		return nil, invalid(err)
	}

	if x.doc != nil {
		if x.sigConsumed {
			if x.doc.Nonce == math.MaxUint64 {
				return nil, invalid(ErrNonceOverflow)
			}
			x.doc.Nonce++
		}
		if err := x.did.storeDocument(x.doc); err != nil {
			return nil, invalid(err)
		}
	}

	prepared := &PreparedInstruction{
		Request:  req,
		Document: x.doc,
	}
	for _, addr := range x.order {
		prepared.Writes = append(prepared.Writes, x.accounts[addr])
	}
	return prepared, nil
}

// leaves store errors as they are, so that callers can retry them
func invalid(err error) error {
	var storeErr *accountReadError
	if errors.As(err, &storeErr) {
		return storeErr.err
	}
	return fmt.Errorf("%w: %w", ErrInvalidInstruction, err)
}

type accountReadError struct {
	err error
}

func (e *accountReadError) Error() string { return e.err.Error() }
func (e *accountReadError) Unwrap() error { return e.err }

// load returns a writable account, marking read failures as retryable.
func (x *execution) load(address PublicKey) (*Account, error) {
	acct, err := x.account(address)
	if err != nil {
		return nil, &accountReadError{err: err}
	}
	return acct, nil
}

// read returns an account the request only looks at. It is not part of the
// prepared writes.
func (x *execution) read(address PublicKey) (*Account, error) {
	if acct, ok := x.accounts[address]; ok {
		return acct, nil
	}
	acct, err := x.reader.GetAccount(x.ctx, address)
	if err != nil {
		return nil, &accountReadError{err: err}
	}
	if acct == nil {
		acct = NewEmptyAccount(address)
	}
	return acct, nil
}

// authorize resolves the target document and checks the request's authority
// against it, or against the last document of the controller chain.
func (x *execution) authorize() error {
	req := x.req
	if !req.signedBy(req.Authority) {
		return fmt.Errorf("%w: authority %s", ErrMissingSigner, req.Authority)
	}
	if x.did.IsGenerative() {
		return fmt.Errorf("%w: %s is not initialized", ErrAccountNotOwned, req.DidAccount)
	}
	doc, err := ResolveDocument(x.did, PublicKey{}, nil)
	if err != nil {
		return err
	}
	derived, err := DeriveDidAccountWithBump(doc.InitialVerificationMethod.KeyBytes(), doc.Bump)
	if err != nil {
		return err
	}
	if derived != req.DidAccount {
		return fmt.Errorf("%w: document does not belong at %s", ErrInvalidSeeds, req.DidAccount)
	}

	chain := make([]*Document, 0, len(req.Controllers))
	for _, c := range req.Controllers {
		acct, err := x.read(c.DidAccount)
		if err != nil {
			return err
		}
		cdoc, err := ResolveDocument(acct, c.Authority, nil)
		if err != nil {
			return fmt.Errorf("controller %s: %w", c.DidAccount, err)
		}
		chain = append(chain, cdoc)
	}

	ix := req.Instruction
	if _, err := ResolveAuthority(doc, chain, req.Authority, ix.Message(), req.EthSignature, ix.fragmentFilter()); err != nil {
		return err
	}
	x.doc = doc.Clone()
	x.sigConsumed = req.EthSignature != nil
	return nil
}

func (ix *Initialize) apply(x *execution) error {
	req := x.req
	if !req.signedBy(req.Authority) {
		return fmt.Errorf("%w: authority %s", ErrMissingSigner, req.Authority)
	}
	if !x.did.IsGenerative() || len(x.did.Data) > 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyInitialized, req.DidAccount)
	}
	addr, bump, err := DeriveDidAccount(req.Authority[:])
	if err != nil {
		return err
	}
	if addr != req.DidAccount {
		return fmt.Errorf("%w: %s does not derive %s", ErrInvalidSeeds, req.Authority, req.DidAccount)
	}
	if int(ix.Size) < InitialSize() {
		return fmt.Errorf("%w: %d < %d", ErrInsufficientInitialSize, ix.Size, InitialSize())
	}
	if err := x.fund(x.did, int(ix.Size)); err != nil {
		return err
	}
	x.did.Owner = ProgramID
	x.did.Data = make([]byte, ix.Size)
	x.doc = newDocument(bump, req.Authority, FlagCapabilityInvocation|FlagOwnershipProof)
	return nil
}

func (ix *Resize) apply(x *execution) error {
	if int(ix.Size) < x.doc.Size() {
		return fmt.Errorf("%w: %d < %d", ErrInsufficientAccountSize, ix.Size, x.doc.Size())
	}
	if err := x.fund(x.did, int(ix.Size)); err != nil {
		return err
	}
	data := make([]byte, ix.Size)
	copy(data, x.did.Data)
	x.did.Data = data
	return nil
}

func (ix *Close) apply(x *execution) error {
	req := x.req
	if req.Destination.IsZero() || req.Destination == req.DidAccount {
		return fmt.Errorf("invalid close destination %s", req.Destination)
	}
	dst, err := x.load(req.Destination)
	if err != nil {
		return err
	}
	dst.Lamports += x.did.Lamports
	x.did.Lamports = 0
	x.did.Owner = SystemProgramID
	x.did.Data = []byte{}
	// the closed account persists no document, so the nonce is not written back
	x.doc = nil
	return nil
}

func (ix *AddVerificationMethod) apply(x *execution) error {
	return x.doc.AddVerificationMethod(ix.VerificationMethod)
}

func (ix *RemoveVerificationMethod) apply(x *execution) error {
	return x.doc.RemoveVerificationMethod(ix.Fragment)
}

func (ix *SetVmFlags) apply(x *execution) error {
	return x.doc.SetVMFlags(ix.Fragment, ix.Flags)
}

func (ix *AddService) apply(x *execution) error {
	return x.doc.AddService(ix.Service, ix.AllowOverwrite)
}

func (ix *RemoveService) apply(x *execution) error {
	return x.doc.RemoveService(ix.Fragment)
}

func (ix *SetControllers) apply(x *execution) error {
	if err := x.doc.SetNativeControllers(ix.NativeControllers); err != nil {
		return err
	}
	return x.doc.SetOtherControllers(ix.OtherControllers)
}

func (ix *Update) apply(x *execution) error {
	doc := x.doc
	if doc.HasProtectedVerificationMethod(nil) {
		return ErrVmCannotRemoveProtected
	}
	if err := doc.SetServices(ix.Services); err != nil {
		return err
	}
	if err := doc.SetVerificationMethods(ix.VerificationMethods); err != nil {
		return err
	}
	if err := doc.SetNativeControllers(ix.NativeControllers); err != nil {
		return err
	}
	if err := doc.SetOtherControllers(ix.OtherControllers); err != nil {
		return err
	}
	if !doc.HasAuthorityVerificationMethods() {
		return ErrVmCannotRemoveLastAuthority
	}
	return nil
}

func (ix *Migrate) apply(x *execution) error {
	req := x.req
	if !x.did.IsGenerative() || len(x.did.Data) > 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyInitialized, req.DidAccount)
	}
	legacyAcct, err := x.read(req.LegacyAccount)
	if err != nil {
		return err
	}
	if legacyAcct.Owner != LegacyProgramID {
		return fmt.Errorf("%w: %s", ErrNotLegacyAccount, req.LegacyAccount)
	}
	legacy, err := UnmarshalLegacyDocument(legacyAcct.Data)
	if err != nil {
		return err
	}
	if legacy.Authority != req.Authority {
		return fmt.Errorf("%w: legacy account is held by %s", ErrWrongAuthorityForDid, legacy.Authority)
	}
	addr, bump, err := DeriveDidAccount(req.Authority[:])
	if err != nil {
		return err
	}
	if addr != req.DidAccount {
		return fmt.Errorf("%w: %s does not derive %s", ErrInvalidSeeds, req.Authority, req.DidAccount)
	}

	doc, err := legacy.Migrate(bump)
	if err != nil {
		return err
	}
	size := legacy.PostMigrationSize()
	if err := x.fund(x.did, size); err != nil {
		return err
	}
	x.did.Owner = ProgramID
	x.did.Data = make([]byte, size)
	x.doc = doc
	return nil
}
