package wv

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
	"time"

	wvpb "github.com/iyear/gowidevine/widevinepb"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
)

const (
	sessionKeyLength = 16
	maxSessions      = 16
)

// CDM implements the Widevine CDM protocol: it owns a device identity
// and runs license sessions against it. Safe for concurrent use; each
// session carries independent ephemeral state.
type CDM struct {
	device *Device
	rand   *lockedRand
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	opened   int
}

// lockedRand serializes access to the CDM's random source so concurrent
// sessions can draw from it.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Read(p)
}

func (l *lockedRand) Uint32() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Uint32()
}

func (l *lockedRand) Int31n(n int32) int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Int31n(n)
}

type CDMOption func(*CDM)

func defaultCDMOptions() []CDMOption {
	return []CDMOption{
		WithRandom(rand.NewSource(time.Now().UnixNano())),
		WithNow(time.Now),
	}
}

// WithRandom sets the random source of the CDM.
func WithRandom(source rand.Source) CDMOption {
	return func(c *CDM) {
		c.rand = &lockedRand{r: rand.New(source)}
	}
}

// WithNow sets the time now source of the CDM.
func WithNow(now func() time.Time) CDMOption {
	return func(c *CDM) {
		c.now = now
	}
}

// NewCDM creates a new CDM.
//
// Get device by calling NewDevice.
func NewCDM(device *Device, opts ...CDMOption) *CDM {
	if device == nil {
		panic("device cannot be nil")
	}

	c := &CDM{
		device:   device,
		sessions: make(map[string]*Session),
	}

	for _, opt := range defaultCDMOptions() {
		opt(c)
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *CDM) GetSystemId() int {
	return c.device.SystemId()
}

// Device returns the identity this CDM authenticates with.
func (c *CDM) Device() *Device {
	return c.device
}

// OpenSession opens a new session against the given protection
// descriptor. privacyMode fixes, for the session's whole lifetime,
// whether the client identity gets wrapped in an encrypted envelope; it
// then requires a service certificate before the challenge is built.
func (c *CDM) OpenSession(pssh *PSSH, licenseType wvpb.LicenseType, privacyMode bool) (*Session, error) {
	if pssh == nil {
		return nil, fmt.Errorf("pssh cannot be nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.sessions) >= maxSessions {
		return nil, fmt.Errorf("too many CDM sessions")
	}

	c.opened++
	session := &Session{
		Number:      c.opened,
		Id:          c.randomBytes(16),
		state:       StateOpened,
		pssh:        pssh,
		licenseType: licenseType,
		privacyMode: privacyMode,
		requestID: []byte(fmt.Sprintf("%08X%08X0100000000000000",
			c.rand.Uint32(),
			c.rand.Uint32())),
	}

	c.sessions[session.HexId()] = session

	return session, nil
}

// CloseSession closes a session.
func (c *CDM) CloseSession(sessionId []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := hex.EncodeToString(sessionId)
	if _, ok := c.sessions[key]; !ok {
		return fmt.Errorf("session not found")
	}
	delete(c.sessions, key)
	return nil
}

func (c *CDM) GetSession(sessionId []byte) (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.sessions[hex.EncodeToString(sessionId)]
	if !ok {
		return nil, fmt.Errorf("session not found")
	}
	return s, nil
}

// SetServiceCertificate sets the service certificate on a session. Only
// valid before the challenge is built.
func (c *CDM) SetServiceCertificate(sessionId []byte, cert []byte) (*wvpb.DrmCertificate, error) {
	s, err := c.GetSession(sessionId)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpened {
		return nil, fmt.Errorf("%w: set service certificate in %s", ErrInvalidState, s.state)
	}

	serviceCert, _, err := ParseServiceCert(cert)
	if err != nil {
		return nil, fmt.Errorf("parse service cert: %w", err)
	}
	s.ServiceCertificate = serviceCert
	return serviceCert, nil
}

// GetServiceCertificate returns the service certificate of a session.
func (c *CDM) GetServiceCertificate(sessionId []byte) (*wvpb.DrmCertificate, error) {
	s, err := c.GetSession(sessionId)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ServiceCertificate, nil
}

// GetLicenseChallenge builds the session's signed license challenge.
// Valid exactly once, from Opened; the session then moves to
// ChallengeBuilt.
func (c *CDM) GetLicenseChallenge(sessionId []byte) ([]byte, error) {
	s, err := c.GetSession(sessionId)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpened {
		return nil, fmt.Errorf("%w: build challenge in %s", ErrInvalidState, s.state)
	}

	// A missing certificate is recoverable: leave the session in Opened
	// so the caller can set one and retry.
	if s.privacyMode && s.ServiceCertificate == nil {
		return nil, fmt.Errorf("privacy mode requires a service certificate")
	}

	challenge, request, err := c.buildChallenge(s)
	if err != nil {
		s.state = StateFailed
		return nil, fmt.Errorf("get license challenge: %w", err)
	}

	s.LicenseChallenge = challenge
	s.LicenseChallengeRequest = request
	s.state = StateChallengeBuilt

	return challenge, nil
}

func (c *CDM) buildChallenge(s *Session) ([]byte, []byte, error) {
	req := &wvpb.LicenseRequest{
		Type:            wvpb.LicenseRequest_NEW.Enum(),
		RequestTime:     Pointer(c.now().Unix()),
		ProtocolVersion: wvpb.ProtocolVersion_VERSION_2_1.Enum(),
		ContentId: &wvpb.LicenseRequest_ContentIdentification{
			ContentIdVariant: &wvpb.LicenseRequest_ContentIdentification_WidevinePsshData_{
				WidevinePsshData: &wvpb.LicenseRequest_ContentIdentification_WidevinePsshData{
					PsshData:    [][]byte{s.pssh.RawData()},
					LicenseType: s.licenseType.Enum(),
					RequestId:   s.requestID,
				},
			},
		},
	}

	if c.device.Flags().SendKeyControlNonce {
		req.KeyControlNonce = Pointer(uint32(c.rand.Int31n(1<<31-1) + 1))
	}

	// set client id
	if s.privacyMode {
		encClientID, err := c.encryptClientID(s.ServiceCertificate)
		if err != nil {
			return nil, nil, fmt.Errorf("encrypt client id: %w", err)
		}

		req.EncryptedClientId = encClientID
	} else {
		req.ClientId = c.device.ClientID()
	}

	reqData, err := proto.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal license request: %w", err)
	}

	// signed license request signature
	hashed := sha1.Sum(reqData)
	pss, err := rsa.SignPSS(
		c.rand,
		c.device.PrivateKey(),
		crypto.SHA1,
		hashed[:],
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	if err != nil {
		return nil, nil, fmt.Errorf("sign pss: %w", err)
	}

	msg := &wvpb.SignedMessage{
		Type:      wvpb.SignedMessage_LICENSE_REQUEST.Enum(),
		Msg:       reqData,
		Signature: pss,
	}

	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal signed message: %w", err)
	}

	return data, reqData, nil
}

func (c *CDM) encryptClientID(cert *wvpb.DrmCertificate) (*wvpb.EncryptedClientIdentification, error) {
	privacyKey := c.randomBytes(16)
	privacyIV := c.randomBytes(16)

	block, err := aes.NewCipher(privacyKey)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}

	// encryptedClientID
	clientID, err := proto.Marshal(c.device.ClientID())
	if err != nil {
		return nil, fmt.Errorf("marshal client id: %w", err)
	}
	paddedData := Pkcs7Padding(clientID, aes.BlockSize)
	mode := cipher.NewCBCEncrypter(block, privacyIV)
	encryptedClientID := make([]byte, len(paddedData))
	mode.CryptBlocks(encryptedClientID, paddedData)

	// encryptedPrivacyKey
	publicKey, err := ParsePublicKey(cert.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	encryptedPrivacyKey, err := rsa.EncryptOAEP(
		sha1.New(),
		c.rand,
		publicKey,
		privacyKey,
		nil)
	if err != nil {
		return nil, fmt.Errorf("encrypt oaep: %w", err)
	}

	encClientID := &wvpb.EncryptedClientIdentification{
		ProviderId:                     cert.ProviderId,
		ServiceCertificateSerialNumber: cert.SerialNumber,
		EncryptedClientId:              encryptedClientID,
		EncryptedPrivacyKey:            encryptedPrivacyKey,
		EncryptedClientIdIv:            privacyIV,
	}

	return encClientID, nil
}

func (c *CDM) randomBytes(length int) []byte {
	r := make([]byte, length)
	c.rand.Read(r)
	return r
}

// ParseLicense verifies and decrypts a license response, returning the
// recovered keys. Valid exactly once, from ChallengeBuilt; any failure
// moves the session to the terminal Failed state.
func (c *CDM) ParseLicense(sessionId []byte, license []byte) ([]*Key, error) {
	s, err := c.GetSession(sessionId)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateChallengeBuilt {
		return nil, fmt.Errorf("%w: parse response in %s", ErrInvalidState, s.state)
	}

	keys, err := c.parseLicense(license, s.LicenseChallengeRequest)
	if err != nil {
		s.state = StateFailed
		return nil, fmt.Errorf("parse license: %w", err)
	}

	s.Keys = keys
	s.state = StateResponseParsed
	return keys, nil
}

func (c *CDM) parseLicense(license []byte, licenseRequest []byte) ([]*Key, error) {
	signedMsg := &wvpb.SignedMessage{}
	if err := proto.Unmarshal(license, signedMsg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal signed message: %v", ErrSignatureVerification, err)
	}

	if signedMsg.GetType() == wvpb.SignedMessage_ERROR_RESPONSE {
		return nil, &LicenseDeniedError{Reason: licenseErrorReason(signedMsg.GetMsg())}
	}
	if signedMsg.GetType() != wvpb.SignedMessage_LICENSE {
		return nil, fmt.Errorf("%w: unexpected message type %v", ErrSignatureVerification, signedMsg.GetType())
	}

	sessionKey, err := rsa.DecryptOAEP(sha1.New(), nil, c.device.PrivateKey(), signedMsg.SessionKey, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt session key: %v", ErrSignatureVerification, err)
	}
	if len(sessionKey) != sessionKeyLength {
		return nil, fmt.Errorf("%w: session key is %d bytes", ErrSignatureVerification, len(sessionKey))
	}

	derivedEncKey := deriveEncKey(licenseRequest, sessionKey)
	derivedAuthKey := deriveAuthKey(licenseRequest, sessionKey)

	licenseMsg := &wvpb.License{}
	if err = proto.Unmarshal(signedMsg.Msg, licenseMsg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal license message: %v", ErrSignatureVerification, err)
	}

	licenseMsgHMAC := hmac.New(sha256.New, derivedAuthKey)
	licenseMsgHMAC.Write(signedMsg.Msg)
	expectedHMAC := licenseMsgHMAC.Sum(nil)
	if !hmac.Equal(signedMsg.Signature, expectedHMAC) {
		return nil, fmt.Errorf("%w: license hmac mismatch", ErrSignatureVerification)
	}

	keys := make([]*Key, 0, len(licenseMsg.Key))
	for _, key := range licenseMsg.Key {
		decryptedKey, err := DecryptAES(derivedEncKey, key.Iv, key.Key)
		if err != nil {
			return nil, fmt.Errorf("decrypt key container: %w", err)
		}

		keys = append(keys, &Key{
			Type: key.GetType(),
			IV:   key.Iv,
			ID:   key.GetId(),
			Key:  decryptedKey,
		})
	}

	return keys, nil
}

// GetKeys returns the session's recovered keys, optionally filtered by
// type. Valid only after a successful ParseLicense.
func (c *CDM) GetKeys(sessionId []byte, keyType KeyType) ([]*Key, error) {
	s, err := c.GetSession(sessionId)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateResponseParsed {
		return nil, fmt.Errorf("%w: get keys in %s", ErrInvalidState, s.state)
	}

	if keyType == 0 {
		return s.Keys, nil
	}
	keys := make([]*Key, 0)
	for _, key := range s.Keys {
		if KeyType(key.Type) == keyType {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// licenseErrorNames maps the service's LicenseError error_code values
// to their protocol names.
var licenseErrorNames = map[uint64]string{
	1: "INVALID_DEVICE_CERTIFICATE",
	2: "REVOKED_DEVICE_CERTIFICATE",
	3: "SERVICE_UNAVAILABLE",
}

// licenseErrorReason extracts the error code from an ERROR_RESPONSE
// body. The body is a LicenseError message, which the generated
// protocol package does not cover, so the single varint field is read
// off the wire directly.
func licenseErrorReason(msg []byte) string {
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			break
		}
		msg = msg[n:]
		if num == 1 && typ == protowire.VarintType {
			code, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				break
			}
			if name, ok := licenseErrorNames[code]; ok {
				return name
			}
			return fmt.Sprintf("ERROR_%d", code)
		}
		n = protowire.ConsumeFieldValue(num, typ, msg)
		if n < 0 {
			break
		}
		msg = msg[n:]
	}
	return "unspecified"
}

func deriveEncKey(licenseRequest, sessionKey []byte) []byte {
	encKey := make([]byte, 16+len(licenseRequest))

	copy(encKey[:12], "\x01ENCRYPTION\x00")
	copy(encKey[12:], licenseRequest)
	binary.BigEndian.PutUint32(encKey[12+len(licenseRequest):], 128)

	return cmacAES(encKey, sessionKey)
}

func deriveAuthKey(licenseRequest, sessionKey []byte) []byte {
	authKey := make([]byte, 20+len(licenseRequest))

	copy(authKey[:16], "\x01AUTHENTICATION\x00")
	copy(authKey[16:], licenseRequest)
	binary.BigEndian.PutUint32(authKey[16+len(licenseRequest):], 512)

	authCmacKey1 := cmacAES(authKey, sessionKey)
	authKey[0] = 2
	authCmacKey2 := cmacAES(authKey, sessionKey)

	return append(authCmacKey1, authCmacKey2...)
}
