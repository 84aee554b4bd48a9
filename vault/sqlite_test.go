package vault

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	v, err := OpenSQLite(filepath.Join(t.TempDir(), "keys.db"), "local", ReadWrite)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func kidBytes(n byte) []byte {
	b := make([]byte, 16)
	for i := range b {
		b[i] = n
	}
	return b
}

func TestSQLitePutGet(t *testing.T) {
	v := openTestSQLite(t)
	ctx := context.Background()

	kid := kidBytes(0x01)
	key := kidBytes(0xf1)
	require.NoError(t, v.Put(ctx, "NF", "80001234", "Some Title", kid, key))

	got, ok, err := v.Get(ctx, "NF", "80001234", kid)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, key, got)
}

func TestSQLiteMiss(t *testing.T) {
	v := openTestSQLite(t)
	ctx := context.Background()

	_, ok, err := v.Get(ctx, "NF", "80001234", kidBytes(0x02))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLiteScopedByServiceAndTitle(t *testing.T) {
	v := openTestSQLite(t)
	ctx := context.Background()

	kid := kidBytes(0x03)
	require.NoError(t, v.Put(ctx, "NF", "80001234", "", kid, kidBytes(0xf3)))

	_, ok, err := v.Get(ctx, "AMZN", "80001234", kid)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = v.Get(ctx, "NF", "90005678", kid)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLiteUpsertIsIdempotent(t *testing.T) {
	v := openTestSQLite(t)
	ctx := context.Background()

	kid := kidBytes(0x04)
	key := kidBytes(0xf4)
	require.NoError(t, v.Put(ctx, "NF", "80001234", "First Title", kid, key))
	require.NoError(t, v.Put(ctx, "NF", "80001234", "Renamed Title", kid, key))

	var rows int
	require.NoError(t, v.db.QueryRow(
		`SELECT COUNT(*) FROM content_keys WHERE service = ? AND title_id = ? AND kid = ?`,
		"NF", "80001234", ContentKey{ID: kid}.HexID(),
	).Scan(&rows))
	require.Equal(t, 1, rows)

	var title string
	require.NoError(t, v.db.QueryRow(
		`SELECT title FROM content_keys WHERE service = ? AND title_id = ? AND kid = ?`,
		"NF", "80001234", ContentKey{ID: kid}.HexID(),
	).Scan(&title))
	require.Equal(t, "Renamed Title", title)
}

func TestSQLiteEmptyTitleStoredAsNull(t *testing.T) {
	v := openTestSQLite(t)
	ctx := context.Background()

	kid := kidBytes(0x05)
	require.NoError(t, v.Put(ctx, "NF", "80001234", "", kid, kidBytes(0xf5)))

	var title any
	require.NoError(t, v.db.QueryRow(
		`SELECT title FROM content_keys WHERE kid = ?`,
		ContentKey{ID: kid}.HexID(),
	).Scan(&title))
	require.Nil(t, title)
}

func TestSQLiteGetAfterClose(t *testing.T) {
	v := openTestSQLite(t)
	require.NoError(t, v.Close())

	_, _, err := v.Get(context.Background(), "NF", "80001234", kidBytes(0x06))
	require.ErrorIs(t, err, ErrVaultUnavailable)
}

func TestNormalizeKeyID(t *testing.T) {
	want := []byte{0xed, 0xef, 0x8b, 0xa9, 0x79, 0xd6, 0x4a, 0xce, 0xa3, 0xc8, 0x27, 0xdc, 0xd5, 0x1d, 0x21, 0xed}

	for _, in := range []string{
		"edef8ba979d64acea3c827dcd51d21ed",
		"edef8ba9-79d6-4ace-a3c8-27dcd51d21ed",
		"  EDEF8BA9-79D6-4ACE-A3C8-27DCD51D21ED ",
	} {
		got, err := NormalizeKeyID(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := NormalizeKeyID("not-a-kid")
	require.Error(t, err)
	_, err = NormalizeKeyID("edef8ba979d64ace")
	require.Error(t, err)
}
