package didsol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/mr-tron/base58"
)

const (
	// Fragment of the initial verification method
	DefaultFragment = "default"

	DidSolPrefix = "did:sol:"
)

var didClusterRegex = regexp.MustCompile(`(did:sol:)(\w+:)`)

// A named, flagged key within a DID document.
type VerificationMethod struct {
	Fragment string
	Flags    VMFlags
	Key      KeyData
}

type verificationMethodJSON struct {
	Fragment   string  `json:"fragment"`
	Flags      VMFlags `json:"flags"`
	MethodType VMType  `json:"methodType"`
	KeyData    string  `json:"keyData"`
}

func (vm *VerificationMethod) MethodType() VMType {
	if vm.Key == nil {
		return VMTypeEd25519VerificationKey2018
	}
	return vm.Key.Type()
}

func (vm *VerificationMethod) KeyBytes() []byte {
	if vm.Key == nil {
		return nil
	}
	return vm.Key.Bytes()
}

func (vm VerificationMethod) MarshalJSON() ([]byte, error) {
	return json.Marshal(verificationMethodJSON{
		Fragment:   vm.Fragment,
		Flags:      vm.Flags,
		MethodType: vm.MethodType(),
		KeyData:    base58.Encode(vm.KeyBytes()),
	})
}

func (vm *VerificationMethod) UnmarshalJSON(b []byte) error {
	var raw verificationMethodJSON
	if err := strictUnmarshal(b, &raw); err != nil {
		return err
	}
	keyBytes, err := base58.Decode(raw.KeyData)
	if err != nil {
		return fmt.Errorf("%w: invalid key data: %v", ErrConversion, err)
	}
	key, err := NewKeyData(raw.MethodType, keyBytes)
	if err != nil {
		return err
	}
	vm.Fragment = raw.Fragment
	vm.Flags = raw.Flags
	vm.Key = key
	return nil
}

func (vm *VerificationMethod) size() int {
	return 4 + len(vm.Fragment) + // fragment
		2 + // flags
		1 + // method type
		4 + len(vm.KeyBytes()) // key data
}

// checks that a user supplied verification method does not carry guarded flags
func checkGuardedFlags(vm *VerificationMethod) error {
	if vm.Flags.Contains(FlagOwnershipProof) {
		return ErrVmOwnershipOnAdd
	}
	if vm.Flags.Contains(FlagProtected) {
		return ErrVmGuardedFlagOnAdd
	}
	return nil
}

type Service struct {
	Fragment        string `json:"fragment"`
	ServiceType     string `json:"serviceType"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

func (s *Service) size() int {
	return 4 + len(s.Fragment) + 4 + len(s.ServiceType) + 4 + len(s.ServiceEndpoint)
}

// Document is the data held by a DID account.
type Document struct {
	Version uint8  `json:"version"`
	Bump    uint8  `json:"bump"`
	Nonce   uint64 `json:"nonce"` // incremented for every consumed secp256k1 signature

	// Always present, can only be soft-revoked (flags cleared)
	InitialVerificationMethod VerificationMethod   `json:"initialVerificationMethod"`
	VerificationMethods       []VerificationMethod `json:"verificationMethods"`
	Services                  []Service            `json:"services"`
	NativeControllers         []PublicKey          `json:"nativeControllers"`
	OtherControllers          []string             `json:"otherControllers"`
}

// NewGenerativeDocument returns the implicit document of a DID account that
// was never initialized: the authority is the only verification method.
func NewGenerativeDocument(bump uint8, authority PublicKey) *Document {
	return newDocument(bump, authority, FlagCapabilityInvocation)
}

func newDocument(bump uint8, authority PublicKey, flags VMFlags) *Document {
	return &Document{
		Version: 0,
		Bump:    bump,
		Nonce:   0,
		InitialVerificationMethod: VerificationMethod{
			Fragment: DefaultFragment,
			Flags:    flags,
			Key:      Ed25519Key(authority),
		},
		VerificationMethods: []VerificationMethod{},
		Services:            []Service{},
		NativeControllers:   []PublicKey{},
		OtherControllers:    []string{},
	}
}

// Authority is the key the DID account address is derived from.
func (d *Document) Authority() PublicKey {
	if k, ok := d.InitialVerificationMethod.Key.(Ed25519Key); ok {
		return PublicKey(k)
	}
	return PublicKey{}
}

func (d *Document) DID() string {
	return DidSolPrefix + d.Authority().String()
}

// Clone returns a deep copy. Mutations are applied to a clone and only
// persisted once every check passed.
func (d *Document) Clone() *Document {
	out := *d
	out.VerificationMethods = slices.Clone(d.VerificationMethods)
	out.Services = slices.Clone(d.Services)
	out.NativeControllers = slices.Clone(d.NativeControllers)
	out.OtherControllers = slices.Clone(d.OtherControllers)
	if out.VerificationMethods == nil {
		out.VerificationMethods = []VerificationMethod{}
	}
	if out.Services == nil {
		out.Services = []Service{}
	}
	if out.NativeControllers == nil {
		out.NativeControllers = []PublicKey{}
	}
	if out.OtherControllers == nil {
		out.OtherControllers = []string{}
	}
	return &out
}

// AllVerificationMethods returns the initial method followed by all other
// methods, in storage order. Pointers reference the document itself.
func (d *Document) AllVerificationMethods() []*VerificationMethod {
	out := make([]*VerificationMethod, 0, len(d.VerificationMethods)+1)
	out = append(out, &d.InitialVerificationMethod)
	for i := range d.VerificationMethods {
		out = append(out, &d.VerificationMethods[i])
	}
	return out
}

// all set filter fields are ANDed together
type vmFilter struct {
	types    []VMType
	flags    VMFlags
	key      []byte
	fragment *string
}

func (d *Document) filterVerificationMethods(f vmFilter) []*VerificationMethod {
	var out []*VerificationMethod
	for _, vm := range d.AllVerificationMethods() {
		if f.types != nil && !containsType(f.types, vm.MethodType()) {
			continue
		}
		if !vm.Flags.Contains(f.flags) {
			continue
		}
		if f.key != nil && !keyEquals(vm.Key, f.key) {
			continue
		}
		if f.fragment != nil && vm.Fragment != *f.fragment {
			continue
		}
		out = append(out, vm)
	}
	return out
}

// FindVerificationMethod returns the method with the given fragment, or nil.
func (d *Document) FindVerificationMethod(fragment string) *VerificationMethod {
	found := d.filterVerificationMethods(vmFilter{fragment: &fragment})
	if len(found) == 0 {
		return nil
	}
	return found[0]
}

// HasAuthorityVerificationMethods reports whether any authority type method
// carries CAPABILITY_INVOCATION. If not, the document is locked out.
func (d *Document) HasAuthorityVerificationMethods() bool {
	return len(d.filterVerificationMethods(vmFilter{
		types: AuthorityTypes(),
		flags: FlagCapabilityInvocation,
	})) > 0
}

// HasProtectedVerificationMethod reports whether a protected method exists,
// optionally restricted to one fragment.
func (d *Document) HasProtectedVerificationMethod(fragment *string) bool {
	return len(d.filterVerificationMethods(vmFilter{
		flags:    FlagProtected,
		fragment: fragment,
	})) > 0
}

// AddVerificationMethod appends a user supplied method.
func (d *Document) AddVerificationMethod(vm VerificationMethod) error {
	if err := checkGuardedFlags(&vm); err != nil {
		return err
	}
	if vm.Key == nil {
		return fmt.Errorf("%w: verification method has no key", ErrConversion)
	}
	if d.FindVerificationMethod(vm.Fragment) != nil {
		return fmt.Errorf("%w: %s", ErrVmFragmentAlreadyInUse, vm.Fragment)
	}
	d.VerificationMethods = append(d.VerificationMethods, vm)
	return nil
}

// RemoveVerificationMethod erases a method by fragment. The initial method is
// soft-revoked instead (flags cleared). The document is left unchanged if the
// removal would lock it out.
func (d *Document) RemoveVerificationMethod(fragment string) error {
	if d.HasProtectedVerificationMethod(&fragment) {
		return fmt.Errorf("%w: %s", ErrVmCannotRemoveProtected, fragment)
	}

	if fragment == d.InitialVerificationMethod.Fragment {
		prev := d.InitialVerificationMethod.Flags
		d.InitialVerificationMethod.Flags = FlagNone
		if !d.HasAuthorityVerificationMethods() {
			d.InitialVerificationMethod.Flags = prev
			return ErrVmCannotRemoveLastAuthority
		}
		return nil
	}

	idx := slices.IndexFunc(d.VerificationMethods, func(vm VerificationMethod) bool {
		return vm.Fragment == fragment
	})
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrVmFragmentNotFound, fragment)
	}
	prev := d.VerificationMethods
	d.VerificationMethods = slices.Delete(slices.Clone(prev), idx, idx+1)
	if !d.HasAuthorityVerificationMethods() {
		d.VerificationMethods = prev
		return ErrVmCannotRemoveLastAuthority
	}
	return nil
}

// SetVMFlags overwrites the flags of one method (initial or ordinary).
func (d *Document) SetVMFlags(fragment string, flags VMFlags) error {
	vm := d.FindVerificationMethod(fragment)
	if vm == nil {
		return fmt.Errorf("%w: %s", ErrVmFragmentNotFound, fragment)
	}
	prev := vm.Flags
	vm.Flags = flags
	if !d.HasAuthorityVerificationMethods() {
		vm.Flags = prev
		return ErrVmCannotRemoveLastAuthority
	}
	return nil
}

// SetVerificationMethods replaces all non-initial methods. An incoming entry
// with the initial method's fragment updates the initial method's flags.
func (d *Document) SetVerificationMethods(incoming []VerificationMethod) error {
	seen := make(map[string]bool, len(incoming))
	rest := make([]VerificationMethod, 0, len(incoming))
	initialFlags := d.InitialVerificationMethod.Flags
	for i := range incoming {
		vm := incoming[i]
		if err := checkGuardedFlags(&vm); err != nil {
			return err
		}
		if seen[vm.Fragment] {
			return fmt.Errorf("%w: %s", ErrVmFragmentAlreadyInUse, vm.Fragment)
		}
		seen[vm.Fragment] = true

		if vm.Fragment == d.InitialVerificationMethod.Fragment {
			initialFlags = vm.Flags
			continue
		}
		if vm.Key == nil {
			return fmt.Errorf("%w: verification method has no key", ErrConversion)
		}
		rest = append(rest, vm)
	}

	d.InitialVerificationMethod.Flags = initialFlags
	d.VerificationMethods = rest
	return nil
}

// AddService appends a service, or replaces one with the same fragment when
// allowOverwrite is set.
func (d *Document) AddService(svc Service, allowOverwrite bool) error {
	idx := slices.IndexFunc(d.Services, func(s Service) bool {
		return s.Fragment == svc.Fragment
	})
	if idx >= 0 {
		if !allowOverwrite {
			return fmt.Errorf("%w: %s", ErrServiceFragmentAlreadyInUse, svc.Fragment)
		}
		services := slices.Clone(d.Services)
		services[idx] = svc
		d.Services = services
		return nil
	}
	d.Services = append(d.Services, svc)
	return nil
}

func (d *Document) RemoveService(fragment string) error {
	idx := slices.IndexFunc(d.Services, func(s Service) bool {
		return s.Fragment == fragment
	})
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrServiceFragmentNotFound, fragment)
	}
	d.Services = slices.Delete(slices.Clone(d.Services), idx, idx+1)
	return nil
}

// SetServices replaces all services. Fragments must be unique.
func (d *Document) SetServices(services []Service) error {
	seen := make(map[string]bool, len(services))
	for _, s := range services {
		if seen[s.Fragment] {
			return fmt.Errorf("%w: %s", ErrServiceFragmentAlreadyInUse, s.Fragment)
		}
		seen[s.Fragment] = true
	}
	d.Services = slices.Clone(services)
	if d.Services == nil {
		d.Services = []Service{}
	}
	return nil
}

// SetNativeControllers replaces the native controllers, dropping duplicates.
// The document's own authority is rejected.
func (d *Document) SetNativeControllers(controllers []PublicKey) error {
	unique := make([]PublicKey, 0, len(controllers))
	for _, c := range controllers {
		if !slices.Contains(unique, c) {
			unique = append(unique, c)
		}
	}
	if slices.Contains(unique, d.Authority()) {
		return ErrInvalidNativeControllers
	}
	d.NativeControllers = unique
	return nil
}

// SetOtherControllers replaces the non-native controllers, dropping
// duplicates. Each must be a syntactically valid DID of another method.
func (d *Document) SetOtherControllers(controllers []string) error {
	unique := make([]string, 0, len(controllers))
	for _, c := range controllers {
		if !slices.Contains(unique, c) {
			unique = append(unique, c)
		}
	}
	for _, c := range unique {
		if err := checkOtherController(c); err != nil {
			return err
		}
	}
	d.OtherControllers = unique
	return nil
}

func checkOtherController(did string) error {
	if _, err := syntax.ParseDID(did); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOtherControllers, err)
	}
	if strings.HasPrefix(did, DidSolPrefix) {
		return fmt.Errorf("%w: %s", ErrInvalidOtherControllers, did)
	}
	return nil
}

// IsDirectlyControlledBy reports whether other's authority is one of d's
// native controllers. Other controllers never take part in authorization.
func (d *Document) IsDirectlyControlledBy(other *Document) bool {
	return slices.Contains(d.NativeControllers, other.Authority())
}

// IsControlledBy reports whether the controller chain is valid. The chain must
// be ordered d -> chain[0] -> ... -> chain[n], where '->' is "is controlled by".
// An empty chain is valid.
func (d *Document) IsControlledBy(chain []*Document) bool {
	current := d
	for _, next := range chain {
		if !current.IsDirectlyControlledBy(next) {
			return false
		}
		current = next
	}
	return true
}

// Size is the exact serialized size of the document, including the account discriminator.
func (d *Document) Size() int {
	size := discriminatorLen +
		1 + // version
		1 + // bump
		8 + // nonce
		d.InitialVerificationMethod.size()
	size += 4
	for i := range d.VerificationMethods {
		size += d.VerificationMethods[i].size()
	}
	size += 4
	for i := range d.Services {
		size += d.Services[i].size()
	}
	size += 4 + len(d.NativeControllers)*32
	size += 4
	for _, c := range d.OtherControllers {
		size += 4 + len(c)
	}
	return size
}

// InitialSize is the serialized size of a freshly initialized document.
func InitialSize() int {
	return discriminatorLen +
		1 + // version
		1 + // bump
		8 + // nonce
		4 + len(DefaultFragment) + 2 + 1 + 4 + 32 + // initial verification method
		4 + // verification methods
		4 + // services
		4 + // native controllers
		4 // other controllers
}

// ParseDidSol extracts the authority key from a did:sol identifier. Cluster
// qualified identifiers (did:sol:devnet:<key>) are accepted.
func ParseDidSol(did string) (PublicKey, error) {
	normalized := NormalizeDidCluster(did)
	if !strings.HasPrefix(normalized, DidSolPrefix) {
		return PublicKey{}, fmt.Errorf("not a did:sol identifier: %s", did)
	}
	id, _, _ := strings.Cut(strings.TrimPrefix(normalized, DidSolPrefix), "#")
	return ParsePublicKey(id)
}

// NormalizeDidCluster strips the cluster segment of a did:sol identifier.
func NormalizeDidCluster(did string) string {
	return didClusterRegex.ReplaceAllString(did, "${1}")
}
