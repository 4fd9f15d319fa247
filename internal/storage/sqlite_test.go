package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "docs.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	_, err = backend.Fetch(ctx, "doc")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, backend.Store(ctx, "doc", []byte("v1")))
	require.NoError(t, backend.Store(ctx, "doc", []byte("v2")))

	got, err := backend.Fetch(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}
