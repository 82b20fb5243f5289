package didsol

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

const discriminatorLen = 8

// first 8 bytes of every DID account, sha256("account:DidAccount")[:8]
var accountDiscriminator = func() [discriminatorLen]byte {
	var d [discriminatorLen]byte
	h := sha256.Sum256([]byte("account:DidAccount"))
	copy(d[:], h[:discriminatorLen])
	return d
}()

// encoder writes the little-endian, length-prefixed layout used for account
// data and for instruction arguments.
type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) u8(v uint8) {
	e.buf.WriteByte(v)
}

func (e *encoder) u16(v uint16) {
	e.buf.Write(binary.LittleEndian.AppendUint16(nil, v))
}

func (e *encoder) u32(v uint32) {
	e.buf.Write(binary.LittleEndian.AppendUint32(nil, v))
}

func (e *encoder) u64(v uint64) {
	e.buf.Write(binary.LittleEndian.AppendUint64(nil, v))
}

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *encoder) raw(b []byte) {
	e.buf.Write(b)
}

func (e *encoder) bytes(b []byte) {
	e.u32(uint32(len(b)))
	e.buf.Write(b)
}

func (e *encoder) str(s string) {
	e.bytes([]byte(s))
}

func (e *encoder) optionalStr(s *string) {
	if s == nil {
		e.u8(0)
		return
	}
	e.u8(1)
	e.str(*s)
}

func (e *encoder) strs(ss []string) {
	e.u32(uint32(len(ss)))
	for _, s := range ss {
		e.str(s)
	}
}

func (e *encoder) keys(ks []PublicKey) {
	e.u32(uint32(len(ks)))
	for _, k := range ks {
		e.raw(k[:])
	}
}

func (e *encoder) vm(vm *VerificationMethod) {
	e.str(vm.Fragment)
	e.u16(uint16(vm.Flags))
	e.u8(uint8(vm.MethodType()))
	e.bytes(vm.KeyBytes())
}

func (e *encoder) vms(vms []VerificationMethod) {
	e.u32(uint32(len(vms)))
	for i := range vms {
		e.vm(&vms[i])
	}
}

func (e *encoder) service(s *Service) {
	e.str(s.Fragment)
	e.str(s.ServiceType)
	e.str(s.ServiceEndpoint)
}

func (e *encoder) services(ss []Service) {
	e.u32(uint32(len(ss)))
	for i := range ss {
		e.service(&ss[i])
	}
}

func (e *encoder) Bytes() []byte {
	return e.buf.Bytes()
}

// decoder reads the layout written by encoder. The first failure sticks and
// all later reads return zero values.
type decoder struct {
	data []byte
	off  int
	err  error
}

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: "+format, append([]any{ErrInvalidAccountData}, args...)...)
	}
}

func (d *decoder) wrap(err error) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %w", ErrInvalidAccountData, err)
	}
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.data)-d.off < n {
		d.fail("unexpected end of data at offset %d", d.off)
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// count reads a collection length, bounded by the remaining data so that a
// corrupt length can not trigger a huge allocation.
func (d *decoder) count() int {
	n := int(d.u32())
	if d.err == nil && n > len(d.data)-d.off {
		d.fail("collection length %d exceeds remaining data", n)
		return 0
	}
	return n
}

func (d *decoder) bytes() []byte {
	return d.take(d.count())
}

func (d *decoder) str() string {
	b := d.bytes()
	if !utf8.Valid(b) {
		d.fail("invalid UTF-8 string at offset %d", d.off-len(b))
		return ""
	}
	return string(b)
}

func (d *decoder) strs() []string {
	n := d.count()
	out := make([]string, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.str())
	}
	return out
}

func (d *decoder) key() PublicKey {
	var k PublicKey
	copy(k[:], d.take(32))
	return k
}

func (d *decoder) keys() []PublicKey {
	n := d.count()
	out := make([]PublicKey, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.key())
	}
	return out
}

func (d *decoder) vm() VerificationMethod {
	fragment := d.str()
	rawFlags := d.u16()
	rawType := d.u8()
	keyBytes := d.bytes()
	if d.err != nil {
		return VerificationMethod{}
	}
	flags, err := ParseVMFlags(rawFlags)
	if err != nil {
		d.wrap(err)
		return VerificationMethod{}
	}
	t, err := ParseVMType(rawType)
	if err != nil {
		d.wrap(err)
		return VerificationMethod{}
	}
	key, err := NewKeyData(t, keyBytes)
	if err != nil {
		d.wrap(err)
		return VerificationMethod{}
	}
	return VerificationMethod{Fragment: fragment, Flags: flags, Key: key}
}

func (d *decoder) vms() []VerificationMethod {
	n := d.count()
	out := make([]VerificationMethod, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.vm())
	}
	return out
}

func (d *decoder) service() Service {
	return Service{
		Fragment:        d.str(),
		ServiceType:     d.str(),
		ServiceEndpoint: d.str(),
	}
}

func (d *decoder) services() []Service {
	n := d.count()
	out := make([]Service, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.service())
	}
	return out
}

// MarshalBinary encodes the document as DID account data, discriminator first.
func (doc *Document) MarshalBinary() ([]byte, error) {
	var e encoder
	e.raw(accountDiscriminator[:])
	e.u8(doc.Version)
	e.u8(doc.Bump)
	e.u64(doc.Nonce)
	e.vm(&doc.InitialVerificationMethod)
	e.vms(doc.VerificationMethods)
	e.services(doc.Services)
	e.keys(doc.NativeControllers)
	e.strs(doc.OtherControllers)
	return e.Bytes(), nil
}

// UnmarshalDocument decodes DID account data. Trailing bytes (unused account
// space) are ignored.
func UnmarshalDocument(data []byte) (*Document, error) {
	if len(data) < discriminatorLen || !bytes.Equal(data[:discriminatorLen], accountDiscriminator[:]) {
		return nil, ErrAccountDiscriminator
	}
	d := decoder{data: data, off: discriminatorLen}
	doc := &Document{
		Version:                   d.u8(),
		Bump:                      d.u8(),
		Nonce:                     d.u64(),
		InitialVerificationMethod: d.vm(),
		VerificationMethods:       d.vms(),
		Services:                  d.services(),
		NativeControllers:         d.keys(),
		OtherControllers:          d.strs(),
	}
	if d.err != nil {
		return nil, d.err
	}
	return doc, nil
}

// HasDidAccountData reports whether data starts with the DID account discriminator.
func HasDidAccountData(data []byte) bool {
	return len(data) >= discriminatorLen && bytes.Equal(data[:discriminatorLen], accountDiscriminator[:])
}
