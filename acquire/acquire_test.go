package acquire

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/chmike/cmac-go"
	wvpb "github.com/iyear/gowidevine/widevinepb"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/devatadev/gowvvault/vault"
	"github.com/devatadev/gowvvault/wv"
)

var (
	rsaKeyOnce sync.Once
	rsaKey     *rsa.PrivateKey
)

func deviceKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	rsaKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(cryptorand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		rsaKey = key
	})
	return rsaKey
}

func testCDM(t *testing.T) *wv.CDM {
	t.Helper()
	clientID, err := proto.Marshal(&wvpb.ClientIdentification{
		Type: wvpb.ClientIdentification_DRM_DEVICE_CERTIFICATE.Enum(),
	})
	require.NoError(t, err)

	device, err := wv.NewDevice(wv.FromRaw(
		wv.DeviceTypeAndroid,
		3,
		wv.DeviceFlags{},
		x509.MarshalPKCS1PrivateKey(deviceKey(t)),
		clientID))
	require.NoError(t, err)
	return wv.NewCDM(device)
}

func testPSSH(t *testing.T, kids ...[]byte) *wv.PSSH {
	t.Helper()
	data, err := proto.Marshal(&wvpb.WidevinePsshData{KeyIds: kids})
	require.NoError(t, err)

	widevineSystemID, err := hex.DecodeString("edef8ba979d64acea3c827dcd51d21ed")
	require.NoError(t, err)

	var payload bytes.Buffer
	payload.Write([]byte{0, 0, 0, 0}) // version 0, no flags
	payload.Write(widevineSystemID)
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(data)))
	payload.Write(u32[:])
	payload.Write(data)

	var box bytes.Buffer
	binary.BigEndian.PutUint32(u32[:], uint32(8+payload.Len()))
	box.Write(u32[:])
	box.WriteString("pssh")
	box.Write(payload.Bytes())

	pssh, err := wv.NewPSSH(box.Bytes())
	require.NoError(t, err)
	return pssh
}

func testKID(n byte) []byte {
	kid := bytes.Repeat([]byte{n}, 16)
	kid[15] = n + 1
	return kid
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memVault is an in-memory vault.Vault with injectable failures.
type memVault struct {
	name   string
	caps   vault.Capabilities
	keys   map[string][]byte
	putErr error
	puts   int
}

func newMemVault(name string) *memVault {
	return &memVault{name: name, caps: vault.ReadWrite, keys: make(map[string][]byte)}
}

func (v *memVault) Name() string                     { return v.name }
func (v *memVault) Kind() vault.Kind                 { return vault.KindLocal }
func (v *memVault) Capabilities() vault.Capabilities { return v.caps }
func (v *memVault) Close() error                     { return nil }

func (v *memVault) Get(ctx context.Context, service, titleID string, keyID []byte) ([]byte, bool, error) {
	key, ok := v.keys[hex.EncodeToString(keyID)]
	return key, ok, nil
}

func (v *memVault) Put(ctx context.Context, service, titleID, title string, keyID, key []byte) error {
	v.puts++
	if v.putErr != nil {
		return v.putErr
	}
	v.keys[hex.EncodeToString(keyID)] = key
	return nil
}

func aesCMAC(t *testing.T, data, key []byte) []byte {
	t.Helper()
	mac, err := cmac.New(aes.NewCipher, key)
	require.NoError(t, err)
	_, err = mac.Write(data)
	require.NoError(t, err)
	return mac.Sum(nil)
}

// contextKeys derives the license encryption and authentication keys
// from the session key, mirroring the client-side derivation.
func contextKeys(t *testing.T, request, sessionKey []byte) (encKey, authKey []byte) {
	t.Helper()

	encCtx := make([]byte, 16+len(request))
	copy(encCtx[:12], "\x01ENCRYPTION\x00")
	copy(encCtx[12:], request)
	binary.BigEndian.PutUint32(encCtx[12+len(request):], 128)
	encKey = aesCMAC(t, encCtx, sessionKey)

	authCtx := make([]byte, 20+len(request))
	copy(authCtx[:16], "\x01AUTHENTICATION\x00")
	copy(authCtx[16:], request)
	binary.BigEndian.PutUint32(authCtx[16+len(request):], 512)
	k1 := aesCMAC(t, authCtx, sessionKey)
	authCtx[0] = 2
	k2 := aesCMAC(t, authCtx, sessionKey)
	return encKey, append(k1, k2...)
}

// serverTransport answers challenges like a license service would,
// issuing the given content keys. calls counts invocations.
func serverTransport(t *testing.T, devicePub *rsa.PublicKey, keys map[string][]byte, calls *int) Transport {
	return func(ctx context.Context, challenge []byte) ([]byte, error) {
		t.Helper()
		if calls != nil {
			*calls++
		}

		signedMsg := &wvpb.SignedMessage{}
		require.NoError(t, proto.Unmarshal(challenge, signedMsg))

		sessionKey := make([]byte, 16)
		_, err := cryptorand.Read(sessionKey)
		require.NoError(t, err)

		encKey, authKey := contextKeys(t, signedMsg.Msg, sessionKey)

		license := &wvpb.License{}
		for kid, key := range keys {
			rawKID, err := hex.DecodeString(kid)
			require.NoError(t, err)

			iv := make([]byte, aes.BlockSize)
			_, err = cryptorand.Read(iv)
			require.NoError(t, err)

			padding := aes.BlockSize - len(key)%aes.BlockSize
			padded := append(append([]byte(nil), key...), bytes.Repeat([]byte{byte(padding)}, padding)...)
			block, err := aes.NewCipher(encKey)
			require.NoError(t, err)
			encrypted := make([]byte, len(padded))
			cipher.NewCBCEncrypter(block, iv).CryptBlocks(encrypted, padded)

			license.Key = append(license.Key, &wvpb.License_KeyContainer{
				Id:   rawKID,
				Iv:   iv,
				Key:  encrypted,
				Type: wvpb.License_KeyContainer_CONTENT.Enum(),
			})
		}

		licenseMsg, err := proto.Marshal(license)
		require.NoError(t, err)

		mac := hmac.New(sha256.New, authKey)
		mac.Write(licenseMsg)

		encSessionKey, err := rsa.EncryptOAEP(sha1.New(), cryptorand.Reader, devicePub, sessionKey, nil)
		require.NoError(t, err)

		return proto.Marshal(&wvpb.SignedMessage{
			Type:       wvpb.SignedMessage_LICENSE.Enum(),
			Msg:        licenseMsg,
			Signature:  mac.Sum(nil),
			SessionKey: encSessionKey,
		})
	}
}

func TestKeysFromCache(t *testing.T) {
	kid := testKID(0x41)
	key := bytes.Repeat([]byte{0x91}, 16)

	store := newMemVault("local")
	store.keys[hex.EncodeToString(kid)] = key
	mgr := vault.NewManager([]vault.Vault{store}, testLogger())

	transport := Transport(func(ctx context.Context, challenge []byte) ([]byte, error) {
		t.Fatal("transport must not be called on a full cache hit")
		return nil, nil
	})

	found, err := Keys(context.Background(), mgr, testCDM(t), transport, Request{
		Service: "NF",
		TitleID: "80001234",
		PSSH:    testPSSH(t, kid),
	}, testLogger())
	require.NoError(t, err)
	require.Equal(t, key, found[hex.EncodeToString(kid)].Key)

	// Cached keys still get written back through the manager.
	require.Equal(t, 1, store.puts)
}

func TestKeysViaLicense(t *testing.T) {
	kid := testKID(0x42)
	key := bytes.Repeat([]byte{0x92}, 16)

	store := newMemVault("local")
	mgr := vault.NewManager([]vault.Vault{store}, testLogger())

	var calls int
	transport := serverTransport(t, &deviceKey(t).PublicKey,
		map[string][]byte{hex.EncodeToString(kid): key}, &calls)

	found, err := Keys(context.Background(), mgr, testCDM(t), transport, Request{
		Service: "NF",
		TitleID: "80001234",
		Title:   "Some Title",
		PSSH:    testPSSH(t, kid),
	}, testLogger())
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, key, found[hex.EncodeToString(kid)].Key)

	// Write-through landed the fresh key in the vault.
	require.Equal(t, key, store.keys[hex.EncodeToString(kid)])
}

func TestKeysMergesCacheAndLicense(t *testing.T) {
	cachedKID, freshKID := testKID(0x43), testKID(0x44)
	cachedKey := bytes.Repeat([]byte{0x93}, 16)
	freshKey := bytes.Repeat([]byte{0x94}, 16)

	store := newMemVault("local")
	store.keys[hex.EncodeToString(cachedKID)] = cachedKey
	mgr := vault.NewManager([]vault.Vault{store}, testLogger())

	var calls int
	transport := serverTransport(t, &deviceKey(t).PublicKey,
		map[string][]byte{hex.EncodeToString(freshKID): freshKey}, &calls)

	found, err := Keys(context.Background(), mgr, testCDM(t), transport, Request{
		Service: "NF",
		TitleID: "80001234",
		PSSH:    testPSSH(t, cachedKID, freshKID),
	}, testLogger())
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Len(t, found, 2)
	require.Equal(t, cachedKey, found[hex.EncodeToString(cachedKID)].Key)
	require.Equal(t, freshKey, found[hex.EncodeToString(freshKID)].Key)
}

func TestKeysTransportFailure(t *testing.T) {
	mgr := vault.NewManager([]vault.Vault{newMemVault("local")}, testLogger())

	transport := Transport(func(ctx context.Context, challenge []byte) ([]byte, error) {
		return nil, errors.New("service unreachable")
	})

	_, err := Keys(context.Background(), mgr, testCDM(t), transport, Request{
		Service: "NF",
		TitleID: "80001234",
		PSSH:    testPSSH(t, testKID(0x45)),
	}, testLogger())
	require.ErrorIs(t, err, vault.ErrKeyNotFound)
}

func TestKeysLicenseMissingKey(t *testing.T) {
	requested, other := testKID(0x46), testKID(0x47)

	mgr := vault.NewManager([]vault.Vault{newMemVault("local")}, testLogger())
	transport := serverTransport(t, &deviceKey(t).PublicKey,
		map[string][]byte{hex.EncodeToString(other): bytes.Repeat([]byte{0x96}, 16)}, nil)

	_, err := Keys(context.Background(), mgr, testCDM(t), transport, Request{
		Service: "NF",
		TitleID: "80001234",
		PSSH:    testPSSH(t, requested),
	}, testLogger())
	require.ErrorIs(t, err, vault.ErrKeyNotFound)
}

func TestKeysNoTransport(t *testing.T) {
	mgr := vault.NewManager([]vault.Vault{newMemVault("local")}, testLogger())

	_, err := Keys(context.Background(), mgr, testCDM(t), nil, Request{
		Service: "NF",
		TitleID: "80001234",
		PSSH:    testPSSH(t, testKID(0x48)),
	}, testLogger())
	require.ErrorIs(t, err, vault.ErrKeyNotFound)
}

func TestKeysWriteThroughFailure(t *testing.T) {
	kid := testKID(0x49)
	key := bytes.Repeat([]byte{0x99}, 16)

	store := newMemVault("local")
	mgr := vault.NewManager([]vault.Vault{store}, testLogger())

	transport := serverTransport(t, &deviceKey(t).PublicKey,
		map[string][]byte{hex.EncodeToString(kid): key}, nil)

	// Reads work, writes do not: the keys still come back, with the
	// replication failure surfaced alongside them.
	store.putErr = errors.New("disk full")

	found, err := Keys(context.Background(), mgr, testCDM(t), transport, Request{
		Service: "NF",
		TitleID: "80001234",
		PSSH:    testPSSH(t, kid),
	}, testLogger())

	var writeErr *vault.WriteFailedError
	require.ErrorAs(t, err, &writeErr)
	require.Equal(t, key, found[hex.EncodeToString(kid)].Key)
}
