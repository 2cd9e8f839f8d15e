package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medialink-bot-backend/internal/platform/telegram"
)

type notice struct {
	chatID int64
	text   string
}

type fakeNotifier struct {
	sent []notice
}

func (f *fakeNotifier) SendText(_ context.Context, chatID int64, text string, _ *telegram.InlineKeyboard) (int64, error) {
	f.sent = append(f.sent, notice{chatID, text})
	return int64(len(f.sent)), nil
}

func TestRunPassDisablesAndNotifiesExpired(t *testing.T) {
	ctx := context.Background()
	users := newTestUsers(t)
	media := &fakeMedia{}
	notifier := &fakeNotifier{}
	ledger := NewLedger(users, media, newMemStore())
	monitor := NewMonitor(ledger, users, media, notifier, time.Minute)

	start := time.Unix(1_000_000, 0)
	_, err := ledger.Activate(ctx, "m1", 1, start)
	require.NoError(t, err)
	media.calls = nil

	after := start.Add(2 * 24 * time.Hour)
	monitor.RunPass(ctx, after)

	require.Len(t, media.calls, 1)
	assert.Equal(t, enabledCall{"alice", false}, media.calls[0])
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, int64(100), notifier.sent[0].chatID)

	_, ok := ledger.Get("m1")
	assert.False(t, ok)
}

func TestRunPassIsIdempotent(t *testing.T) {
	ctx := context.Background()
	users := newTestUsers(t)
	media := &fakeMedia{}
	notifier := &fakeNotifier{}
	ledger := NewLedger(users, media, newMemStore())
	monitor := NewMonitor(ledger, users, media, notifier, time.Minute)

	start := time.Unix(1_000_000, 0)
	_, err := ledger.Activate(ctx, "m1", 1, start)
	require.NoError(t, err)
	media.calls = nil

	after := start.Add(2 * 24 * time.Hour)
	monitor.RunPass(ctx, after)
	callsAfterFirst := len(media.calls)
	noticesAfterFirst := len(notifier.sent)

	// A second pass over the already-settled state changes nothing
	monitor.RunPass(ctx, after.Add(time.Minute))
	assert.Equal(t, callsAfterFirst, len(media.calls))
	assert.Equal(t, noticesAfterFirst, len(notifier.sent))
}

func TestRunPassRetriesFailedDisable(t *testing.T) {
	ctx := context.Background()
	users := newTestUsers(t)
	media := &fakeMedia{fail: true}
	notifier := &fakeNotifier{}
	ledger := NewLedger(users, media, newMemStore())
	monitor := NewMonitor(ledger, users, media, notifier, time.Minute)

	start := time.Unix(1_000_000, 0)
	_, err := ledger.Activate(ctx, "m1", 1, start)
	require.NoError(t, err)

	after := start.Add(2 * 24 * time.Hour)
	monitor.RunPass(ctx, after)

	// The entry survives a failed disable and nobody is notified yet
	_, ok := ledger.Get("m1")
	assert.True(t, ok)
	assert.Empty(t, notifier.sent)

	media.fail = false
	monitor.RunPass(ctx, after.Add(time.Minute))
	_, ok = ledger.Get("m1")
	assert.False(t, ok)
	assert.Len(t, notifier.sent, 1)
}

func TestRunPassBackstopDisablesRegularWithoutWindow(t *testing.T) {
	ctx := context.Background()
	users := newTestUsers(t)
	media := &fakeMedia{}
	ledger := NewLedger(users, media, newMemStore())
	monitor := NewMonitor(ledger, users, media, &fakeNotifier{}, time.Minute)

	// alice has no subscription entry at all, the backstop still disables
	monitor.RunPass(ctx, time.Now())
	require.Len(t, media.calls, 1)
	assert.Equal(t, enabledCall{"alice", false}, media.calls[0])

	// settled state is remembered across passes
	monitor.RunPass(ctx, time.Now())
	assert.Len(t, media.calls, 1)

	// a fresh grant clears the settled state
	_, err := ledger.Activate(ctx, "m1", 1, time.Now())
	require.NoError(t, err)
	monitor.ResetEnforcement("m1")
	media.calls = nil
	monitor.RunPass(ctx, time.Now())
	assert.Empty(t, media.calls)
}
