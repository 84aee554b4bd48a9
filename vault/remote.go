package vault

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Remote is a network-accessible vault spoken to over the two-operation
// HTTP wire API (get/put). The server side of the same API lives in the
// serve binary.
type Remote struct {
	name    string
	baseURL string
	secret  string
	caps    Capabilities
	client  *http.Client
}

// NewRemote creates a remote vault client. secret is sent as the
// X-Secret-Key header on every request.
func NewRemote(baseURL, secret, name string, caps Capabilities) *Remote {
	return &Remote{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		caps:    caps,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (v *Remote) Name() string               { return v.name }
func (v *Remote) Kind() Kind                 { return KindRemote }
func (v *Remote) Capabilities() Capabilities { return v.caps }

// Close is a no-op; the HTTP client holds no persistent resources worth
// tearing down.
func (v *Remote) Close() error { return nil }

type remoteEnvelope struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type remoteRecord struct {
	Key   string `json:"key"`
	Title string `json:"title,omitempty"`
}

func (v *Remote) recordURL(service, titleID string, keyID []byte) string {
	return fmt.Sprintf("%s/vault/%s/%s/%s",
		v.baseURL,
		url.PathEscape(service),
		url.PathEscape(titleID),
		hex.EncodeToString(keyID))
}

func (v *Remote) Get(ctx context.Context, service, titleID string, keyID []byte) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.recordURL(service, titleID, keyID), nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: build request: %v", ErrVaultUnavailable, err)
	}
	req.Header.Set("X-Secret-Key", v.secret)

	res, err := v.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrVaultUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if res.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("%w: vault %s returned status %d", ErrVaultUnavailable, v.name, res.StatusCode)
	}

	var envelope remoteEnvelope
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return nil, false, fmt.Errorf("%w: decode response: %v", ErrVaultUnavailable, err)
	}
	var record remoteRecord
	if err := json.Unmarshal(envelope.Data, &record); err != nil {
		return nil, false, fmt.Errorf("%w: decode record: %v", ErrVaultUnavailable, err)
	}

	key, err := hex.DecodeString(record.Key)
	if err != nil {
		return nil, false, fmt.Errorf("%w: key is not hex: %v", ErrVaultUnavailable, err)
	}
	return key, true, nil
}

func (v *Remote) Put(ctx context.Context, service, titleID, title string, keyID, key []byte) error {
	body, err := json.Marshal(remoteRecord{
		Key:   hex.EncodeToString(key),
		Title: title,
	})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, v.recordURL(service, titleID, keyID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrVaultUnavailable, err)
	}
	req.Header.Set("X-Secret-Key", v.secret)
	req.Header.Set("Content-Type", "application/json")

	res, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVaultUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: vault %s returned status %d", ErrVaultUnavailable, v.name, res.StatusCode)
	}
	return nil
}
