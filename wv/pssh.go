package wv

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/Eyevinn/mp4ff/mp4"
	wvpb "github.com/iyear/gowidevine/widevinepb"
	"golang.org/x/text/encoding/unicode"
	"google.golang.org/protobuf/proto"
)

// System identifies the DRM system a protection descriptor belongs to.
type System int

const (
	SystemWidevine System = iota + 1
	SystemPlayReady
)

func (s System) String() string {
	switch s {
	case SystemWidevine:
		return "Widevine"
	case SystemPlayReady:
		return "PlayReady"
	default:
		return fmt.Sprintf("System(%d)", int(s))
	}
}

var WidevineSystemID = []byte{0xed, 0xef, 0x8b, 0xa9, 0x79, 0xd6, 0x4a, 0xce, 0xa3, 0xc8, 0x27, 0xdc, 0xd5, 0x1d, 0x21, 0xed}

var PlayReadySystemID = []byte{0x9a, 0x04, 0xf0, 0x79, 0x98, 0x40, 0x42, 0x86, 0xab, 0x92, 0xe6, 0x5b, 0xe0, 0x88, 0x5f, 0x95}

// PSSH is a parsed protection descriptor from a manifest's pssh box.
// PlayReady input is bridged to Widevine init data so the CDM can
// consume either system's descriptor.
type PSSH struct {
	system System
	box    *mp4.PsshBox
	data   *wvpb.WidevinePsshData
	keyIDs [][]byte
	// initData is what gets embedded in a license challenge. For a
	// Widevine box it is the box payload verbatim; for PlayReady it is a
	// synthesized WidevinePsshData holding the extracted key ids.
	initData []byte
}

// NewPSSH parses a protection descriptor from raw pssh box bytes.
func NewPSSH(b []byte) (*PSSH, error) {
	box, err := mp4.DecodeBox(0, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: decode box: %v", ErrMalformedProtectionData, err)
	}

	psshBox, ok := box.(*mp4.PsshBox)
	if !ok {
		return nil, fmt.Errorf("%w: box is a %s instead of a pssh", ErrMalformedProtectionData, box.Type())
	}

	switch hex.EncodeToString(psshBox.SystemID) {
	case hex.EncodeToString(WidevineSystemID):
		return parseWidevine(psshBox)
	case hex.EncodeToString(PlayReadySystemID):
		return parsePlayReady(psshBox)
	default:
		return nil, fmt.Errorf("%w: unknown system id %s", ErrMalformedProtectionData, hex.EncodeToString(psshBox.SystemID))
	}
}

func parseWidevine(box *mp4.PsshBox) (*PSSH, error) {
	data := &wvpb.WidevinePsshData{}
	if err := proto.Unmarshal(box.Data, data); err != nil {
		return nil, fmt.Errorf("%w: unmarshal pssh data: %v", ErrMalformedProtectionData, err)
	}

	p := &PSSH{
		system:   SystemWidevine,
		box:      box,
		data:     data,
		initData: box.Data,
	}

	// A v1 box lists key ids explicitly, a v0 box carries them inside
	// the Widevine payload. Either form must yield the same set.
	for _, kid := range box.KIDs {
		if err := p.addKeyID(kid); err != nil {
			return nil, err
		}
	}
	for _, kid := range data.GetKeyIds() {
		if err := p.addKeyID(kid); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *PSSH) addKeyID(kid []byte) error {
	if len(kid) != 16 {
		return fmt.Errorf("%w: key id is %d bytes, want 16", ErrMalformedProtectionData, len(kid))
	}
	if bytes.Equal(kid, make([]byte, 16)) {
		return nil
	}
	for _, have := range p.keyIDs {
		if bytes.Equal(have, kid) {
			return nil
		}
	}
	p.keyIDs = append(p.keyIDs, append([]byte(nil), kid...))
	return nil
}

// wrmHeader is the PlayReady rights management header. The KID moved
// around between header versions but older locations were never removed.
type wrmHeader struct {
	XMLName xml.Name `xml:"WRMHEADER"`
	Version string   `xml:"version,attr"`
	Data    struct {
		KID         string `xml:"KID"` // v4.0.0.0
		ProtectInfo struct {
			KID struct { // v4.1.0.0
				Value string `xml:"VALUE,attr"`
			} `xml:"KID"`
			KIDs struct { // v4.2.0.0+
				KID []struct {
					Value string `xml:"VALUE,attr"`
				} `xml:"KID"`
			} `xml:"KIDS"`
		} `xml:"PROTECTINFO"`
	} `xml:"DATA"`
}

const proRecordRightsManagement = 1

func parsePlayReady(box *mp4.PsshBox) (*PSSH, error) {
	p := &PSSH{
		system: SystemPlayReady,
		box:    box,
	}

	headerXML, err := playReadyHeaderXML(box.Data)
	if err != nil {
		return nil, err
	}

	var header wrmHeader
	if err := xml.Unmarshal([]byte(headerXML), &header); err != nil {
		return nil, fmt.Errorf("%w: parse wrm header: %v", ErrMalformedProtectionData, err)
	}

	var encoded []string
	if v := strings.TrimSpace(header.Data.KID); v != "" {
		encoded = append(encoded, v)
	}
	if v := strings.TrimSpace(header.Data.ProtectInfo.KID.Value); v != "" {
		encoded = append(encoded, v)
	}
	for _, kid := range header.Data.ProtectInfo.KIDs.KID {
		if v := strings.TrimSpace(kid.Value); v != "" {
			encoded = append(encoded, v)
		}
	}

	for _, enc := range encoded {
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("%w: decode kid %q: %v", ErrMalformedProtectionData, enc, err)
		}
		if len(raw) != 16 {
			return nil, fmt.Errorf("%w: kid is %d bytes, want 16", ErrMalformedProtectionData, len(raw))
		}
		// PlayReady stores the KID as a mixed-endian GUID; normalize to
		// the big-endian orientation Widevine uses.
		if err := p.addKeyID(guidToBigEndian(raw)); err != nil {
			return nil, err
		}
	}

	if len(p.keyIDs) == 0 {
		return nil, fmt.Errorf("%w: wrm header has no key id", ErrMalformedProtectionData)
	}

	// Bridge to a WidevinePsshData so the session engine can build a
	// challenge from a PlayReady-only manifest.
	var initData bytes.Buffer
	for _, kid := range p.keyIDs {
		initData.Write([]byte{0x12, 0x10})
		initData.Write(kid)
	}
	p.initData = initData.Bytes()

	data := &wvpb.WidevinePsshData{}
	if err := proto.Unmarshal(p.initData, data); err != nil {
		return nil, fmt.Errorf("%w: bridge pssh data: %v", ErrMalformedProtectionData, err)
	}
	p.data = data

	return p, nil
}

// playReadyHeaderXML walks the PlayReady Object records and returns the
// rights management header decoded from UTF-16.
func playReadyHeaderXML(pro []byte) (string, error) {
	if len(pro) < 6 {
		return "", fmt.Errorf("%w: playready object is %d bytes", ErrMalformedProtectionData, len(pro))
	}
	total := int(binary.LittleEndian.Uint32(pro[0:4]))
	if total != len(pro) {
		return "", fmt.Errorf("%w: playready object declares %d bytes, have %d", ErrMalformedProtectionData, total, len(pro))
	}
	count := int(binary.LittleEndian.Uint16(pro[4:6]))

	utf16le := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()

	off := 6
	for i := 0; i < count; i++ {
		if off+4 > len(pro) {
			return "", fmt.Errorf("%w: truncated playready record header", ErrMalformedProtectionData)
		}
		recType := int(binary.LittleEndian.Uint16(pro[off : off+2]))
		recLen := int(binary.LittleEndian.Uint16(pro[off+2 : off+4]))
		off += 4
		if off+recLen > len(pro) {
			return "", fmt.Errorf("%w: playready record declares %d bytes, %d remain", ErrMalformedProtectionData, recLen, len(pro)-off)
		}
		record := pro[off : off+recLen]
		off += recLen

		if recType != proRecordRightsManagement {
			continue
		}

		decoded, err := utf16le.Bytes(record)
		if err != nil {
			return "", fmt.Errorf("%w: decode wrm header text: %v", ErrMalformedProtectionData, err)
		}
		return string(decoded), nil
	}

	return "", fmt.Errorf("%w: no rights management record", ErrMalformedProtectionData)
}

// guidToBigEndian swaps the first three little-endian GUID fields into
// big-endian byte order.
func guidToBigEndian(g []byte) []byte {
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = g[3], g[2], g[1], g[0]
	out[4], out[5] = g[5], g[4]
	out[6], out[7] = g[7], g[6]
	copy(out[8:], g[8:])
	return out
}

// System returns which DRM system produced this descriptor.
func (p *PSSH) System() System { return p.system }

// KeyIDs returns the canonical 16-byte key ids, in discovery order.
func (p *PSSH) KeyIDs() [][]byte { return p.keyIDs }

// Version returns the version of the pssh box.
func (p *PSSH) Version() byte { return p.box.Version }

// Flags returns the flags of the pssh box.
func (p *PSSH) Flags() uint32 { return p.box.Flags }

// RawData returns the init data embedded in license challenges.
func (p *PSSH) RawData() []byte { return p.initData }

// Data returns the parsed (or bridged) Widevine payload.
func (p *PSSH) Data() *wvpb.WidevinePsshData { return p.data }
