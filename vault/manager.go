package vault

import (
	"context"
	"encoding/hex"
	"log/slog"
)

// Manager coordinates an ordered list of vaults. Lookup merges hits
// from every vault, Insert replicates keys to every writable vault.
// The manager does not create or close the vaults it is handed.
type Manager struct {
	vaults []Vault
	log    *slog.Logger
}

// NewManager wraps the given vaults in their priority order. The first
// vault that answers wins for any given key id.
func NewManager(vaults []Vault, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{vaults: vaults, log: logger}
}

// Vaults returns the configured vault list in priority order.
func (m *Manager) Vaults() []Vault { return m.vaults }

// Lookup searches the vaults, in order, for the given key ids. A key id
// stops being requested once one vault answers it, but remaining vaults
// are still probed for the ids not yet found; hits from different
// vaults merge into one result. An unreachable vault is logged and
// skipped. Returns the found keys keyed by lowercase-hex key id, plus
// the ids no vault could answer.
func (m *Manager) Lookup(ctx context.Context, service, titleID string, keyIDs [][]byte) (map[string]ContentKey, [][]byte) {
	found := make(map[string]ContentKey, len(keyIDs))

	for _, v := range m.vaults {
		if !v.Capabilities().Readable {
			continue
		}
		if len(found) == len(keyIDs) {
			break
		}
		for _, kid := range keyIDs {
			hexKID := hex.EncodeToString(kid)
			if _, ok := found[hexKID]; ok {
				continue
			}
			key, ok, err := v.Get(ctx, service, titleID, kid)
			if err != nil {
				m.log.Warn("vault lookup failed, skipping vault",
					"vault", v.Name(),
					"kind", string(v.Kind()),
					"error", err)
				break
			}
			if ok {
				m.log.Debug("vault hit",
					"vault", v.Name(),
					"kid", hexKID)
				found[hexKID] = ContentKey{ID: append([]byte(nil), kid...), Key: key}
			}
		}
	}

	var missing [][]byte
	for _, kid := range keyIDs {
		if _, ok := found[hex.EncodeToString(kid)]; !ok {
			missing = append(missing, kid)
		}
	}
	return found, missing
}

// InsertReport says which vaults took a write-through insert and which
// failed. A vault appears in exactly one of the two.
type InsertReport struct {
	Succeeded []string
	Failed    map[string]error
}

// Insert writes every key to every writable vault that is currently
// reachable, regardless of where the keys came from. Per-vault failures
// are isolated: one vault failing neither blocks nor rolls back the
// others. The error is non-nil only when every writable vault failed.
func (m *Manager) Insert(ctx context.Context, service, titleID, title string, keys []ContentKey) (*InsertReport, error) {
	report := &InsertReport{Failed: make(map[string]error)}

	for _, v := range m.vaults {
		if !v.Capabilities().Writable {
			continue
		}
		var vaultErr error
		for _, key := range keys {
			if err := v.Put(ctx, service, titleID, title, key.ID, key.Key); err != nil {
				vaultErr = err
				break
			}
		}
		if vaultErr != nil {
			m.log.Warn("vault write failed",
				"vault", v.Name(),
				"kind", string(v.Kind()),
				"error", vaultErr)
			report.Failed[v.Name()] = vaultErr
			continue
		}
		report.Succeeded = append(report.Succeeded, v.Name())
	}

	if len(report.Succeeded) == 0 && len(report.Failed) > 0 {
		return report, &WriteFailedError{Errors: report.Failed}
	}
	return report, nil
}
