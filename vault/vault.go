// Package vault caches content keys across one or more key stores and
// replicates newly seen keys to all of them.
package vault

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind says where a vault lives.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// Capabilities control how the manager may use a vault. Readable and
// writable are independent: a vault can be a read-only upstream or a
// write-only sink.
type Capabilities struct {
	Readable bool
	Writable bool
}

// ReadWrite is the default capability set.
var ReadWrite = Capabilities{Readable: true, Writable: true}

// ContentKey is one cached key: a 16-byte key id and its key bytes.
type ContentKey struct {
	ID  []byte
	Key []byte
}

// HexID returns the key id as lowercase hex, the canonical string form
// used as map key and storage column.
func (k ContentKey) HexID() string {
	return hex.EncodeToString(k.ID)
}

// Vault is a single key store. Implementations must serialize their own
// writes; the manager makes no ordering guarantees across vaults.
type Vault interface {
	Name() string
	Kind() Kind
	Capabilities() Capabilities

	// Get fetches a key by (service, titleID, keyID). A miss is
	// (nil, false, nil); errors mean the vault could not answer at all.
	Get(ctx context.Context, service, titleID string, keyID []byte) ([]byte, bool, error)

	// Put stores a key, updating the stored title if the record already
	// exists. Must not duplicate a (service, titleID, keyID) row.
	Put(ctx context.Context, service, titleID, title string, keyID, key []byte) error

	Close() error
}

var (
	// ErrVaultUnavailable marks a vault that cannot be reached or
	// answered with an internal failure. Recoverable: the manager logs
	// it and moves on to the next vault.
	ErrVaultUnavailable = errors.New("vault unavailable")

	// ErrKeyNotFound means no vault holds the key and no license could
	// be obtained.
	ErrKeyNotFound = errors.New("key not found in any vault")
)

// WriteFailedError is returned by Manager.Insert when every writable
// vault failed. Errors maps vault name to its failure.
type WriteFailedError struct {
	Errors map[string]error
}

func (e *WriteFailedError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for name, err := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %v", name, err))
	}
	return "all writable vaults failed: " + strings.Join(parts, "; ")
}

// NormalizeKeyID accepts a key id as bare hex or a hyphenated UUID and
// returns the canonical 16 bytes.
func NormalizeKeyID(s string) ([]byte, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("parse key id %q: %w", s, err)
	}
	b := id[:]
	return append([]byte(nil), b...), nil
}
