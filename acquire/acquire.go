// Package acquire runs the key acquisition flow: probe the vaults,
// fall back to a fresh license for anything missing, then write every
// obtained key back through all vaults.
package acquire

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"

	wvpb "github.com/iyear/gowidevine/widevinepb"

	"github.com/devatadev/gowvvault/vault"
	"github.com/devatadev/gowvvault/wv"
)

// Transport sends a license challenge to the license service and
// returns the raw response. It is the only network hop in the flow and
// is a retryable unit: wrap it with retries/backoff before passing it
// in if the service warrants that.
type Transport func(ctx context.Context, challenge []byte) ([]byte, error)

// Request is one title's key acquisition.
type Request struct {
	Service string
	TitleID string
	// Title is the optional human-readable name stored with the cache
	// records.
	Title string

	PSSH        *wv.PSSH
	LicenseType wvpb.LicenseType
	// PrivacyMode wraps the client identity in an encrypted envelope;
	// requires ServiceCertificate.
	PrivacyMode        bool
	ServiceCertificate []byte
}

// Keys returns every content key for the request's key ids, from cache
// where possible, via one license call otherwise. Newly seen keys are
// replicated to all writable vaults before returning; a replication
// failure is logged, not fatal, unless every writable vault failed.
func Keys(ctx context.Context, mgr *vault.Manager, cdm *wv.CDM, transport Transport, req Request, logger *slog.Logger) (map[string]vault.ContentKey, error) {
	if logger == nil {
		logger = slog.Default()
	}
	keyIDs := req.PSSH.KeyIDs()
	if len(keyIDs) == 0 {
		return nil, fmt.Errorf("descriptor has no key ids")
	}

	found, missing := mgr.Lookup(ctx, req.Service, req.TitleID, keyIDs)
	logger.Info("vault lookup",
		"service", req.Service,
		"title", req.TitleID,
		"hits", len(found),
		"misses", len(missing))

	if len(missing) > 0 {
		licensed, err := licenseKeys(ctx, cdm, transport, req)
		if err != nil {
			if len(found) == 0 {
				return nil, fmt.Errorf("%w: %v", vault.ErrKeyNotFound, err)
			}
			return nil, fmt.Errorf("license call for %d missing keys: %w", len(missing), err)
		}
		for id, key := range licensed {
			found[id] = key
		}
	}

	for _, kid := range keyIDs {
		if _, ok := found[hex.EncodeToString(kid)]; !ok {
			return nil, fmt.Errorf("%w: key id %s", vault.ErrKeyNotFound, hex.EncodeToString(kid))
		}
	}

	// Write-through: every key goes to every writable vault, including
	// keys that came out of one of the vaults just now.
	keys := make([]vault.ContentKey, 0, len(found))
	for _, key := range found {
		keys = append(keys, key)
	}
	if _, err := mgr.Insert(ctx, req.Service, req.TitleID, req.Title, keys); err != nil {
		return found, fmt.Errorf("write-through insert: %w", err)
	}

	return found, nil
}

func licenseKeys(ctx context.Context, cdm *wv.CDM, transport Transport, req Request) (map[string]vault.ContentKey, error) {
	if transport == nil {
		return nil, fmt.Errorf("no license transport configured")
	}

	session, err := cdm.OpenSession(req.PSSH, req.LicenseType, req.PrivacyMode)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer cdm.CloseSession(session.Id)

	if len(req.ServiceCertificate) > 0 {
		if _, err := cdm.SetServiceCertificate(session.Id, req.ServiceCertificate); err != nil {
			return nil, fmt.Errorf("set service certificate: %w", err)
		}
	}

	challenge, err := cdm.GetLicenseChallenge(session.Id)
	if err != nil {
		return nil, fmt.Errorf("build challenge: %w", err)
	}

	response, err := transport(ctx, challenge)
	if err != nil {
		return nil, fmt.Errorf("license transport: %w", err)
	}

	if _, err := cdm.ParseLicense(session.Id, response); err != nil {
		return nil, err
	}

	keys, err := cdm.GetKeys(session.Id, wv.CONTENT)
	if err != nil {
		return nil, err
	}

	out := make(map[string]vault.ContentKey, len(keys))
	for _, key := range keys {
		out[key.KeyIdHex()] = vault.ContentKey{
			ID:  append([]byte(nil), key.ID...),
			Key: append([]byte(nil), key.Key...),
		}
	}
	return out, nil
}
