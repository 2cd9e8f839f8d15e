package docstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	// A document that was never written loads as nil, not an error
	data, err := store.Load(ctx, "users")
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, store.Save(ctx, "users", []byte(`{"a":1}`)))
	data, err = store.Load(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	// Whole-document overwrite replaces the previous snapshot
	require.NoError(t, store.Save(ctx, "users", []byte(`{"b":2}`)))
	data, err = store.Load(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(data))
}
