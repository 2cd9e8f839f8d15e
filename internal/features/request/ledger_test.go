package request

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "medialink-bot-backend/internal/common/errors"
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

type editCall struct {
	chatID, messageID int64
	label             string
}

type fakeEditor struct {
	calls []editCall
	fail  bool
}

func (f *fakeEditor) EditPromptLabel(_ context.Context, chatID, messageID int64, label string) error {
	f.calls = append(f.calls, editCall{chatID, messageID, label})
	if f.fail {
		return assert.AnError
	}
	return nil
}

func TestLedgerOnePendingPerChat(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(newMemStore(), &fakeEditor{})

	first := Request{ChatID: 100, Kind: KindRegister, Username: "alice", CreatedAt: time.Now().Unix()}
	require.NoError(t, ledger.Create(ctx, first))

	// A second request from the same chat is refused regardless of kind
	err := ledger.Create(ctx, Request{ChatID: 100, Kind: KindPasswordReset, CreatedAt: time.Now().Unix()})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeAlreadyPending, apperrors.CodeOf(err))

	got, ok := ledger.Get(100)
	require.True(t, ok)
	assert.Equal(t, KindRegister, got.Kind)
}

func TestLedgerResolveIsTerminal(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(newMemStore(), &fakeEditor{})

	require.NoError(t, ledger.Create(ctx, Request{ChatID: 100, Kind: KindLink, CreatedAt: time.Now().Unix()}))

	_, ok := ledger.Resolve(ctx, 100)
	assert.True(t, ok)
	_, ok = ledger.Resolve(ctx, 100)
	assert.False(t, ok)
}

func TestLedgerRetractPrompts(t *testing.T) {
	ctx := context.Background()
	editor := &fakeEditor{}
	ledger := NewLedger(newMemStore(), editor)

	req := Request{ChatID: 100, Kind: KindRegister, CreatedAt: time.Now().Unix()}
	require.NoError(t, ledger.Create(ctx, req))

	ledger.RecordPrompt(req.Key(), 1, 11)
	ledger.RecordPrompt(req.Key(), 2, 22)
	assert.Equal(t, 2, ledger.PromptCount(req.Key()))

	ledger.RetractPrompts(ctx, req.Key(), "done")
	assert.Len(t, editor.calls, 2)
	for _, c := range editor.calls {
		assert.Equal(t, "done", c.label)
	}

	// The prompt set is consumed, a second retraction edits nothing
	ledger.RetractPrompts(ctx, req.Key(), "done")
	assert.Len(t, editor.calls, 2)
}

func TestLedgerSweepExpired(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(newMemStore(), &fakeEditor{})

	now := time.Now()
	old := Request{ChatID: 100, Kind: KindRegister, CreatedAt: now.Add(-8 * 24 * time.Hour).Unix()}
	fresh := Request{ChatID: 200, Kind: KindLink, CreatedAt: now.Unix()}
	require.NoError(t, ledger.Create(ctx, old))
	require.NoError(t, ledger.Create(ctx, fresh))
	ledger.RecordPrompt(old.Key(), 1, 11)

	removed := ledger.SweepExpired(ctx, now, 7*24*time.Hour)
	require.Len(t, removed, 1)
	assert.Equal(t, int64(100), removed[0].ChatID)
	assert.Equal(t, 0, ledger.PromptCount(old.Key()))

	_, ok := ledger.Get(200)
	assert.True(t, ok)
}

func TestLedgerLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	docs := newMemStore()

	ledger := NewLedger(docs, &fakeEditor{})
	require.NoError(t, ledger.Create(ctx, Request{ChatID: 100, Kind: KindRegister, Username: "alice", CreatedAt: time.Now().Unix()}))

	reloaded := NewLedger(docs, &fakeEditor{})
	require.NoError(t, reloaded.Load(ctx))

	got, ok := reloaded.Get(100)
	require.True(t, ok)
	assert.Equal(t, "alice", got.Username)
}
