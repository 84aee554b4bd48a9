package wv

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"

	wvpb "github.com/iyear/gowidevine/widevinepb"
	"google.golang.org/protobuf/proto"
)

// DeviceType is the platform the identity was extracted from.
type DeviceType uint8

const (
	DeviceTypeChrome  DeviceType = 1
	DeviceTypeAndroid DeviceType = 2
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeChrome:
		return "CHROME"
	case DeviceTypeAndroid:
		return "ANDROID"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// DeviceFlags are the named behaviors encoded in the WVD flags byte.
type DeviceFlags struct {
	// SendKeyControlNonce puts a random KeyControlNonce on every license
	// request built with this device.
	SendKeyControlNonce bool
}

const (
	wvdMagic      = "WVD"
	wvdMaxVersion = 2

	flagSendKeyControlNonce = 1 << 0
)

// Device is a playback device identity: the credentials presented to a
// license service. Immutable once loaded; safe to share between
// concurrent sessions.
type Device struct {
	version       uint8
	typ           DeviceType
	securityLevel uint8
	flags         DeviceFlags
	flagsRaw      byte

	privateKeyDER []byte
	privateKey    *rsa.PrivateKey

	clientIDRaw []byte
	clientID    *wvpb.ClientIdentification

	// vmp is the optional Verified Media Path blob (FileHashes).
	vmp []byte
	// vmpLenPresent records whether the serialized form carried the
	// optional length field at all, so Serialize can round-trip exactly.
	vmpLenPresent bool

	systemID int
}

// DeviceSource loads identity data into a Device.
type DeviceSource func(*Device) error

// FromWVD reads a device from a WVD (Widevine Device) binary blob.
func FromWVD(r io.Reader) DeviceSource {
	return func(d *Device) error {
		b, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("read wvd: %w", err)
		}
		return d.parseWVD(b)
	}
}

// FromRaw builds a device from its raw parts. The serialized form uses
// the latest WVD version.
func FromRaw(typ DeviceType, securityLevel uint8, flags DeviceFlags, privateKeyDER, clientID []byte) DeviceSource {
	return func(d *Device) error {
		d.version = wvdMaxVersion
		d.typ = typ
		d.securityLevel = securityLevel
		d.flags = flags
		if flags.SendKeyControlNonce {
			d.flagsRaw |= flagSendKeyControlNonce
		}
		d.privateKeyDER = privateKeyDER
		d.clientIDRaw = clientID
		return d.validate()
	}
}

// NewDevice creates a Device from the given source and validates it.
func NewDevice(src DeviceSource) (*Device, error) {
	d := &Device{}
	if err := src(d); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) parseWVD(b []byte) error {
	if len(b) < 7 {
		return fmt.Errorf("%w: %d bytes is too short for a WVD header", ErrMalformedDevice, len(b))
	}
	if string(b[:3]) != wvdMagic {
		return fmt.Errorf("%w: bad magic %q", ErrMalformedDevice, b[:3])
	}
	d.version = b[3]
	if d.version == 0 || d.version > wvdMaxVersion {
		return fmt.Errorf("%w: version %d (max supported %d)", ErrUnsupportedVersion, d.version, wvdMaxVersion)
	}
	d.typ = DeviceType(b[4])
	if d.typ != DeviceTypeChrome && d.typ != DeviceTypeAndroid {
		return fmt.Errorf("%w: unknown device type %d", ErrMalformedDevice, b[4])
	}
	d.securityLevel = b[5]
	d.flagsRaw = b[6]
	d.flags = DeviceFlags{
		SendKeyControlNonce: d.flagsRaw&flagSendKeyControlNonce != 0,
	}

	off := 7
	var err error
	if d.privateKeyDER, off, err = readBlob16(b, off, "private key"); err != nil {
		return err
	}
	if d.clientIDRaw, off, err = readBlob16(b, off, "client id"); err != nil {
		return err
	}

	// Trailing VMP blob is optional, but the length field being present
	// with value zero is distinct from it being absent entirely.
	switch {
	case off == len(b):
		d.vmpLenPresent = false
	default:
		d.vmpLenPresent = true
		if d.vmp, off, err = readBlob16(b, off, "vmp"); err != nil {
			return err
		}
		if off != len(b) {
			return fmt.Errorf("%w: %d trailing bytes after vmp blob", ErrMalformedDevice, len(b)-off)
		}
	}

	return d.validate()
}

func readBlob16(b []byte, off int, name string) ([]byte, int, error) {
	if off+2 > len(b) {
		return nil, 0, fmt.Errorf("%w: truncated %s length", ErrMalformedDevice, name)
	}
	n := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if off+n > len(b) {
		return nil, 0, fmt.Errorf("%w: %s declares %d bytes, %d remain", ErrMalformedDevice, name, n, len(b)-off)
	}
	return b[off : off+n : off+n], off + n, nil
}

func (d *Device) validate() error {
	key, err := parsePrivateKey(d.privateKeyDER)
	if err != nil {
		return fmt.Errorf("%w: private key: %v", ErrMalformedDevice, err)
	}
	d.privateKey = key

	clientID := &wvpb.ClientIdentification{}
	if err := proto.Unmarshal(d.clientIDRaw, clientID); err != nil {
		return fmt.Errorf("%w: client id is not a ClientIdentification: %v", ErrMalformedDevice, err)
	}
	d.clientID = clientID

	if len(d.vmp) > 0 {
		hashes := &wvpb.FileHashes{}
		if err := proto.Unmarshal(d.vmp, hashes); err != nil {
			return fmt.Errorf("%w: vmp is not a FileHashes: %v", ErrMalformedDevice, err)
		}
	}

	// The client token is a SignedDrmCertificate carrying the device's
	// system id. Not every identity has one; 0 means unknown.
	signedCert := &wvpb.SignedDrmCertificate{}
	if err := proto.Unmarshal(clientID.GetToken(), signedCert); err == nil {
		cert := &wvpb.DrmCertificate{}
		if err := proto.Unmarshal(signedCert.GetDrmCertificate(), cert); err == nil {
			d.systemID = int(cert.GetSystemId())
		}
	}

	return nil
}

func parsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA key: %T", parsed)
	}
	return key, nil
}

// Serialize writes the device back to WVD bytes. For any device produced
// by FromWVD this is the exact inverse of the parse.
func (d *Device) Serialize() []byte {
	var buf bytes.Buffer
	buf.WriteString(wvdMagic)
	buf.WriteByte(d.version)
	buf.WriteByte(byte(d.typ))
	buf.WriteByte(d.securityLevel)
	buf.WriteByte(d.flagsRaw)
	writeBlob16(&buf, d.privateKeyDER)
	writeBlob16(&buf, d.clientIDRaw)
	if d.vmpLenPresent {
		writeBlob16(&buf, d.vmp)
	}
	return buf.Bytes()
}

func writeBlob16(buf *bytes.Buffer, b []byte) {
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(b)))
	buf.Write(n[:])
	buf.Write(b)
}

func (d *Device) Version() uint8              { return d.version }
func (d *Device) Type() DeviceType            { return d.typ }
func (d *Device) SecurityLevel() uint8        { return d.securityLevel }
func (d *Device) Flags() DeviceFlags          { return d.flags }
func (d *Device) PrivateKey() *rsa.PrivateKey { return d.privateKey }
func (d *Device) SystemId() int               { return d.systemID }

// ClientID returns the parsed client identification blob.
func (d *Device) ClientID() *wvpb.ClientIdentification { return d.clientID }

// ClientIDBytes returns the client identity exactly as stored.
func (d *Device) ClientIDBytes() []byte { return d.clientIDRaw }

// VMP returns the optional Verified Media Path blob, nil if absent.
func (d *Device) VMP() []byte { return d.vmp }
