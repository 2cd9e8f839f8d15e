package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "medialink-bot-backend/internal/common/errors"
	"medialink-bot-backend/internal/platform/mediaserver"
)

type memStore struct {
	docs map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string][]byte)}
}

func (m *memStore) Load(_ context.Context, name string) ([]byte, error) {
	return m.docs[name], nil
}

func (m *memStore) Save(_ context.Context, name string, data []byte) error {
	m.docs[name] = data
	return nil
}

func TestStoreIndexes(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newMemStore())

	store.Upsert(ctx, User{MediaID: "m1", Username: "alice", ChatID: 100, Role: RoleRegular})

	user, ok := store.LookupByChatID(100)
	require.True(t, ok)
	assert.Equal(t, "alice", user.Username)

	user, ok = store.LookupByUsername("ALICE")
	require.True(t, ok)
	assert.Equal(t, "m1", user.MediaID)

	// Relinking to a new chat must drop the old index entry
	user.ChatID = 200
	store.Upsert(ctx, user)

	_, ok = store.LookupByChatID(100)
	assert.False(t, ok)
	user, ok = store.LookupByChatID(200)
	require.True(t, ok)
	assert.Equal(t, "m1", user.MediaID)

	removed, ok := store.Delete(ctx, "m1")
	require.True(t, ok)
	assert.Equal(t, "alice", removed.Username)
	_, ok = store.LookupByChatID(200)
	assert.False(t, ok)
	_, ok = store.LookupByUsername("alice")
	assert.False(t, ok)
}

func TestStoreLoadCoercesLegacyChatIDs(t *testing.T) {
	ctx := context.Background()
	docs := newMemStore()
	docs.docs[docUsers] = []byte(`{
		"m1": {"media_id": "m1", "username": "alice", "chat_id": "123", "role": "regular"},
		"m2": {"media_id": "m2", "username": "bob", "chat_id": null, "role": "regular"},
		"m3": {"media_id": "m3", "username": "carol", "chat_id": "not-a-number", "role": "regular"}
	}`)

	store := NewStore(docs)
	require.NoError(t, store.Load(ctx))

	user, ok := store.LookupByChatID(123)
	require.True(t, ok)
	assert.Equal(t, "alice", user.Username)

	bob, ok := store.LookupByUsername("bob")
	require.True(t, ok)
	assert.False(t, bob.Linked())

	carol, ok := store.LookupByUsername("carol")
	require.True(t, ok)
	assert.False(t, carol.Linked())
}

func TestStoreLoadPrunesStaleChatIndex(t *testing.T) {
	ctx := context.Background()
	docs := newMemStore()
	docs.docs[docUsers] = []byte(`{"m1": {"media_id": "m1", "username": "alice", "chat_id": 100, "role": "regular"}}`)
	docs.docs[docChatIndex] = []byte(`{"100": "m1", "999": "gone"}`)

	store := NewStore(docs)
	require.NoError(t, store.Load(ctx))
	store.RebuildIndexes(ctx)

	_, ok := store.LookupByChatID(999)
	assert.False(t, ok)
	_, ok = store.LookupByChatID(100)
	assert.True(t, ok)
}

func TestReconcileNormalizesRoles(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewStore(newMemStore())

	store.Upsert(ctx, User{MediaID: "m1", Username: "admin", ChatID: 1, Role: RoleAdmin, IsAdmin: true})
	store.Upsert(ctx, User{MediaID: "m2", Username: "legacyadmin", ChatID: 2, Role: RoleRegular, IsAdmin: true})
	store.Upsert(ctx, User{MediaID: "m3", Username: "weird", ChatID: 3, Role: Role("wat")})

	require.NoError(t, store.Reconcile(ctx, now))

	// The admin flag wins over a stale role
	u, _ := store.Get("m2")
	assert.Equal(t, RoleAdmin, u.Role)

	u, _ = store.Get("m3")
	assert.Equal(t, RoleRegular, u.Role)

	assert.True(t, store.IsAdmin(1))
	assert.True(t, store.IsAdmin(2))
	assert.False(t, store.IsAdmin(3))
	assert.Equal(t, []int64{1, 2}, store.AdminChats())
}

func TestReconcileRequiresReachableAdmin(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newMemStore())

	// An admin without a linked chat cannot receive approval prompts
	store.Upsert(ctx, User{MediaID: "m1", Username: "admin", Role: RoleAdmin, IsAdmin: true})
	store.Upsert(ctx, User{MediaID: "m2", Username: "alice", ChatID: 5, Role: RoleRegular})

	err := store.Reconcile(ctx, time.Now())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNoAdmins, apperrors.CodeOf(err))
}

type fakeFetcher struct {
	accounts []mediaserver.Account
}

func (f *fakeFetcher) FetchAccounts(context.Context) ([]mediaserver.Account, error) {
	return f.accounts, nil
}

func TestImportFromServer(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newMemStore())

	fetcher := &fakeFetcher{accounts: []mediaserver.Account{
		{ID: "m1", Name: "admin", Policy: &mediaserver.Policy{IsAdministrator: true}},
		{ID: "m2", Name: "alice"},
	}}
	require.NoError(t, store.ImportFromServer(ctx, fetcher, time.Now()))

	u, ok := store.Get("m1")
	require.True(t, ok)
	assert.Equal(t, RoleAdmin, u.Role)
	assert.True(t, u.IsAdmin)
	assert.False(t, u.Linked())

	u, ok = store.Get("m2")
	require.True(t, ok)
	assert.Equal(t, RolePrivileged, u.Role)
}
