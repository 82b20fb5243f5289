package didsol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Instruction is one operation on a DID account. The set of implementations
// is closed.
type Instruction interface {
	// InstructionType is the "type" tag used in JSON encodings
	InstructionType() string
	// Message returns the argument bytes a secp256k1 signature must cover
	Message() []byte

	// fragment a signer must match, if the instruction binds to one method
	fragmentFilter() *string
	apply(x *execution) error
}

type Initialize struct {
	Size uint32 `json:"size"`
}

type Resize struct {
	Size uint32 `json:"size"`
}

type Close struct{}

type AddVerificationMethod struct {
	VerificationMethod VerificationMethod `json:"verificationMethod"`
}

type RemoveVerificationMethod struct {
	Fragment string `json:"fragment"`
}

type SetVmFlags struct {
	Fragment string  `json:"fragment"`
	Flags    VMFlags `json:"flags"`
}

type AddService struct {
	Service        Service `json:"service"`
	AllowOverwrite bool    `json:"allowOverwrite"`
}

type RemoveService struct {
	Fragment string `json:"fragment"`
}

type SetControllers struct {
	NativeControllers []PublicKey `json:"nativeControllers"`
	OtherControllers  []string    `json:"otherControllers"`
}

// Update replaces the whole mutable part of a document.
type Update struct {
	VerificationMethods []VerificationMethod `json:"verificationMethods"`
	Services            []Service            `json:"services"`
	NativeControllers   []PublicKey          `json:"nativeControllers"`
	OtherControllers    []string             `json:"otherControllers"`
}

// Migrate converts a legacy format DID account into a current one.
type Migrate struct{}

var (
	_ Instruction = (*Initialize)(nil)
	_ Instruction = (*Resize)(nil)
	_ Instruction = (*Close)(nil)
	_ Instruction = (*AddVerificationMethod)(nil)
	_ Instruction = (*RemoveVerificationMethod)(nil)
	_ Instruction = (*SetVmFlags)(nil)
	_ Instruction = (*AddService)(nil)
	_ Instruction = (*RemoveService)(nil)
	_ Instruction = (*SetControllers)(nil)
	_ Instruction = (*Update)(nil)
	_ Instruction = (*Migrate)(nil)
)

func (ix *Initialize) InstructionType() string               { return "initialize" }
func (ix *Resize) InstructionType() string                   { return "resize" }
func (ix *Close) InstructionType() string                    { return "close" }
func (ix *AddVerificationMethod) InstructionType() string    { return "add_verification_method" }
func (ix *RemoveVerificationMethod) InstructionType() string { return "remove_verification_method" }
func (ix *SetVmFlags) InstructionType() string               { return "set_vm_flags" }
func (ix *AddService) InstructionType() string               { return "add_service" }
func (ix *RemoveService) InstructionType() string            { return "remove_service" }
func (ix *SetControllers) InstructionType() string           { return "set_controllers" }
func (ix *Update) InstructionType() string                   { return "update" }
func (ix *Migrate) InstructionType() string                  { return "migrate" }

func (ix *Initialize) Message() []byte {
	return binary.LittleEndian.AppendUint32(nil, ix.Size)
}

func (ix *Resize) Message() []byte {
	return binary.LittleEndian.AppendUint32(nil, ix.Size)
}

func (ix *Close) Message() []byte {
	return []byte{}
}

func (ix *AddVerificationMethod) Message() []byte {
	var e encoder
	e.vm(&ix.VerificationMethod)
	return e.Bytes()
}

func (ix *RemoveVerificationMethod) Message() []byte {
	var e encoder
	e.str(ix.Fragment)
	return e.Bytes()
}

func (ix *SetVmFlags) Message() []byte {
	var e encoder
	e.str(ix.Fragment)
	e.u16(uint16(ix.Flags))
	return e.Bytes()
}

func (ix *AddService) Message() []byte {
	var e encoder
	e.service(&ix.Service)
	e.bool(ix.AllowOverwrite)
	return e.Bytes()
}

func (ix *RemoveService) Message() []byte {
	var e encoder
	e.str(ix.Fragment)
	return e.Bytes()
}

func (ix *SetControllers) Message() []byte {
	var e encoder
	e.keys(ix.NativeControllers)
	e.strs(ix.OtherControllers)
	return e.Bytes()
}

func (ix *Update) Message() []byte {
	var e encoder
	e.vms(ix.VerificationMethods)
	e.services(ix.Services)
	e.keys(ix.NativeControllers)
	e.strs(ix.OtherControllers)
	return e.Bytes()
}

func (ix *Migrate) Message() []byte {
	return []byte{}
}

func (ix *Initialize) fragmentFilter() *string               { return nil }
func (ix *Resize) fragmentFilter() *string                   { return nil }
func (ix *Close) fragmentFilter() *string                    { return nil }
func (ix *AddVerificationMethod) fragmentFilter() *string    { return nil }
func (ix *RemoveVerificationMethod) fragmentFilter() *string { return nil }
func (ix *AddService) fragmentFilter() *string               { return nil }
func (ix *RemoveService) fragmentFilter() *string            { return nil }
func (ix *SetControllers) fragmentFilter() *string           { return nil }
func (ix *Update) fragmentFilter() *string                   { return nil }
func (ix *Migrate) fragmentFilter() *string                  { return nil }

// Granting OWNERSHIP_PROOF or PROTECTED requires the signature of the very
// key being flagged.
func (ix *SetVmFlags) fragmentFilter() *string {
	if ix.Flags.Intersects(guardedFlags) {
		return &ix.Fragment
	}
	return nil
}

// InstructionEnum wraps any instruction for JSON transport, tagged by "type".
type InstructionEnum struct {
	Instruction Instruction
}

func (e *InstructionEnum) MarshalJSON() ([]byte, error) {
	if e.Instruction == nil {
		return nil, fmt.Errorf("can't marshal empty InstructionEnum")
	}
	body, err := json.Marshal(e.Instruction)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	typ, err := json.Marshal(e.Instruction.InstructionType())
	if err != nil {
		return nil, err
	}
	fields["type"] = typ
	return json.Marshal(fields)
}

func (e *InstructionEnum) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	rawType, ok := fields["type"]
	if !ok {
		return fmt.Errorf("did not find expected instruction 'type' field")
	}
	var typ string
	if err := json.Unmarshal(rawType, &typ); err != nil {
		return err
	}

	var ix Instruction
	switch typ {
	case "initialize":
		ix = &Initialize{}
	case "resize":
		ix = &Resize{}
	case "close":
		ix = &Close{}
	case "add_verification_method":
		ix = &AddVerificationMethod{}
	case "remove_verification_method":
		ix = &RemoveVerificationMethod{}
	case "set_vm_flags":
		ix = &SetVmFlags{}
	case "add_service":
		ix = &AddService{}
	case "remove_service":
		ix = &RemoveService{}
	case "set_controllers":
		ix = &SetControllers{}
	case "update":
		ix = &Update{}
	case "migrate":
		ix = &Migrate{}
	default:
		return fmt.Errorf("unexpected instruction type: %s", typ)
	}

	delete(fields, "type")
	body, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	if err := strictUnmarshal(body, ix); err != nil {
		return err
	}
	e.Instruction = ix
	return nil
}

// like json.Unmarshal, but rejecting objects with unknown fields
func strictUnmarshal(b []byte, v any) error {
	decoder := json.NewDecoder(bytes.NewReader(b))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}
