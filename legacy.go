package didsol

import (
	"fmt"
	"slices"
)

type LegacyVerificationMethod struct {
	ID               string    `json:"id"`
	VerificationType string    `json:"verificationType"`
	PublicKey        PublicKey `json:"pubkey"`
}

type LegacyService struct {
	ID           string `json:"id"`
	EndpointType string `json:"endpointType"`
	Endpoint     string `json:"endpoint"`
	Description  string `json:"description"`
}

// LegacyDocument is the data layout of accounts owned by LegacyProgramID.
// Capabilities are expressed as lists of fragments instead of flags.
type LegacyDocument struct {
	AccountVersion       uint8                      `json:"accountVersion"`
	Authority            PublicKey                  `json:"authority"`
	Version              string                     `json:"version"`
	Controller           []PublicKey                `json:"controller"`
	VerificationMethod   []LegacyVerificationMethod `json:"verificationMethod"`
	Authentication       []string                   `json:"authentication"`
	CapabilityInvocation []string                   `json:"capabilityInvocation"`
	CapabilityDelegation []string                   `json:"capabilityDelegation"`
	KeyAgreement         []string                   `json:"keyAgreement"`
	AssertionMethod      []string                   `json:"assertionMethod"`
	Service              []LegacyService            `json:"service"`
}

// MarshalBinary encodes the legacy layout. Legacy accounts carry no discriminator.
func (l *LegacyDocument) MarshalBinary() ([]byte, error) {
	var e encoder
	e.u8(l.AccountVersion)
	e.raw(l.Authority[:])
	e.str(l.Version)
	e.keys(l.Controller)
	e.u32(uint32(len(l.VerificationMethod)))
	for _, vm := range l.VerificationMethod {
		e.str(vm.ID)
		e.str(vm.VerificationType)
		e.raw(vm.PublicKey[:])
	}
	e.strs(l.Authentication)
	e.strs(l.CapabilityInvocation)
	e.strs(l.CapabilityDelegation)
	e.strs(l.KeyAgreement)
	e.strs(l.AssertionMethod)
	e.u32(uint32(len(l.Service)))
	for _, s := range l.Service {
		e.str(s.ID)
		e.str(s.EndpointType)
		e.str(s.Endpoint)
		e.str(s.Description)
	}
	return e.Bytes(), nil
}

func UnmarshalLegacyDocument(data []byte) (*LegacyDocument, error) {
	d := decoder{data: data}
	l := &LegacyDocument{
		AccountVersion: d.u8(),
		Authority:      d.key(),
		Version:        d.str(),
		Controller:     d.keys(),
	}
	n := d.count()
	for i := 0; i < n && d.err == nil; i++ {
		l.VerificationMethod = append(l.VerificationMethod, LegacyVerificationMethod{
			ID:               d.str(),
			VerificationType: d.str(),
			PublicKey:        d.key(),
		})
	}
	l.Authentication = d.strs()
	l.CapabilityInvocation = d.strs()
	l.CapabilityDelegation = d.strs()
	l.KeyAgreement = d.strs()
	l.AssertionMethod = d.strs()
	n = d.count()
	for i := 0; i < n && d.err == nil; i++ {
		l.Service = append(l.Service, LegacyService{
			ID:           d.str(),
			EndpointType: d.str(),
			Endpoint:     d.str(),
			Description:  d.str(),
		})
	}
	if d.err != nil {
		return nil, d.err
	}
	return l, nil
}

// flags derives the flags of a fragment from the legacy relationship lists.
func (l *LegacyDocument) flags(fragment string) VMFlags {
	flags := FlagNone
	if slices.Contains(l.Authentication, fragment) {
		flags |= FlagAuthentication
	}
	if slices.Contains(l.AssertionMethod, fragment) {
		flags |= FlagAssertion
	}
	if slices.Contains(l.CapabilityInvocation, fragment) {
		flags |= FlagCapabilityInvocation
	}
	if slices.Contains(l.CapabilityDelegation, fragment) {
		flags |= FlagCapabilityDelegation
	}
	if slices.Contains(l.KeyAgreement, fragment) {
		flags |= FlagKeyAgreement
	}
	// an empty invocation list implied the default key
	if len(l.CapabilityInvocation) == 0 && fragment == DefaultFragment {
		flags |= FlagCapabilityInvocation
	}
	return flags
}

// Migrate converts the legacy data into a current format document. The
// initial method always proves ownership and is protected.
func (l *LegacyDocument) Migrate(bump uint8) (*Document, error) {
	doc := newDocument(bump, l.Authority, l.flags(DefaultFragment)|FlagOwnershipProof|FlagProtected)

	vms := make([]VerificationMethod, 0, len(l.VerificationMethod))
	for _, lvm := range l.VerificationMethod {
		// the initial method already represents the default key
		if lvm.ID == DefaultFragment {
			if lvm.PublicKey != l.Authority {
				return nil, fmt.Errorf("%w: legacy default key %s is not the authority", ErrVmFragmentAlreadyInUse, lvm.PublicKey)
			}
			continue
		}
		vms = append(vms, VerificationMethod{
			Fragment: lvm.ID,
			Flags:    l.flags(lvm.ID),
			Key:      Ed25519Key(lvm.PublicKey),
		})
	}
	if err := doc.SetVerificationMethods(vms); err != nil {
		return nil, err
	}

	services := make([]Service, 0, len(l.Service))
	for _, s := range l.Service {
		services = append(services, Service{
			Fragment:        s.ID,
			ServiceType:     s.EndpointType,
			ServiceEndpoint: s.Endpoint,
		})
	}
	if err := doc.SetServices(services); err != nil {
		return nil, err
	}
	if err := doc.SetNativeControllers(l.Controller); err != nil {
		return nil, err
	}
	return doc, nil
}

// PostMigrationSize is the account size allocated by migrate.
func (l *LegacyDocument) PostMigrationSize() int {
	size := InitialSize()
	for _, vm := range l.VerificationMethod {
		size += 4 + len(vm.ID) + 2 + 1 + 4 + 32
	}
	for _, s := range l.Service {
		size += 4 + len(s.ID) + 4 + len(s.EndpointType) + 4 + len(s.Endpoint)
	}
	size += len(l.Controller) * 32
	return size
}
