package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medialink-bot-backend/internal/common/config"
	"medialink-bot-backend/internal/features/approval"
	"medialink-bot-backend/internal/features/identity"
	"medialink-bot-backend/internal/features/payment"
	"medialink-bot-backend/internal/features/request"
	"medialink-bot-backend/internal/features/subscription"
	"medialink-bot-backend/internal/platform/mediaserver"
	"medialink-bot-backend/internal/platform/telegram"
)

type memStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string][]byte)}
}

func (m *memStore) Load(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[name], nil
}

func (m *memStore) Save(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[name] = data
	return nil
}

type sentMsg struct {
	chatID int64
	text   string
	markup *telegram.InlineKeyboard
}

// fakeTransport satisfies both the bot Messenger and the request ledger's
// markup editor.
type fakeTransport struct {
	mu      sync.Mutex
	nextID  int64
	sent    []sentMsg
	sendLag time.Duration

	inFlight int32
	overlap  atomic.Bool
}

func (f *fakeTransport) record(chatID int64, text string, markup *telegram.InlineKeyboard) int64 {
	if atomic.AddInt32(&f.inFlight, 1) > 1 {
		f.overlap.Store(true)
	}
	if f.sendLag > 0 {
		time.Sleep(f.sendLag)
	}
	defer atomic.AddInt32(&f.inFlight, -1)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, sentMsg{chatID, text, markup})
	return f.nextID
}

func (f *fakeTransport) SendText(_ context.Context, chatID int64, text string, markup *telegram.InlineKeyboard) (int64, error) {
	return f.record(chatID, text, markup), nil
}

func (f *fakeTransport) SendPhoto(_ context.Context, chatID int64, fileID, caption string, markup *telegram.InlineKeyboard) (int64, error) {
	return f.record(chatID, "photo:"+fileID+" "+caption, markup), nil
}

func (f *fakeTransport) SendVideo(_ context.Context, chatID int64, fileID, caption string, markup *telegram.InlineKeyboard) (int64, error) {
	return f.record(chatID, "video:"+fileID+" "+caption, markup), nil
}

func (f *fakeTransport) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeTransport) EditPromptLabel(context.Context, int64, int64, string) error { return nil }

func (f *fakeTransport) textsFor(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		if m.chatID == chatID {
			out = append(out, m.text)
		}
	}
	return out
}

func (f *fakeTransport) lastMarkupFor(chatID int64) *telegram.InlineKeyboard {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].chatID == chatID && f.sent[i].markup != nil {
			return f.sent[i].markup
		}
	}
	return nil
}

// fakeServer satisfies both the bot and coordinator media-server slices.
type fakeServer struct {
	mu      sync.Mutex
	nextID  int
	ids     map[string]string
	enabled map[string]bool
	taken   map[string]bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{ids: make(map[string]string), enabled: make(map[string]bool), taken: make(map[string]bool)}
}

func (f *fakeServer) UsernameAvailable(_ context.Context, username string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.taken[username], nil
}

func (f *fakeServer) CreateAccount(_ context.Context, username, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.ids[username] = fmt.Sprintf("srv-%d", f.nextID)
	f.taken[username] = true
	return nil
}

func (f *fakeServer) AccountID(_ context.Context, username string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids[username], nil
}

func (f *fakeServer) SetEnabled(_ context.Context, username string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled[username] = enabled
	return nil
}

func (f *fakeServer) ResetPassword(context.Context, string, string) error { return nil }

func (f *fakeServer) DeleteAccount(context.Context, string, string) error { return nil }

func (f *fakeServer) TopItems(context.Context, string, string, int) ([]mediaserver.ItemCount, error) {
	return nil, nil
}

func (f *fakeServer) PlayedRuntimeTicks(context.Context, string) (int64, error) { return 0, nil }

type botFixture struct {
	bot     *Bot
	users   *identity.Store
	subs    *subscription.Ledger
	monitor *subscription.Monitor
	server  *fakeServer
	tp      *fakeTransport
	sweeper *Sweeper
}

func newBotFixture(t *testing.T) *botFixture {
	t.Helper()
	ctx := context.Background()

	cfg := &config.Config{}
	cfg.Payment.UpiID = "admin@bank"
	cfg.Payment.UpiName = "Media Admin"
	cfg.Lifecycle.RequestTTL = 7 * 24 * time.Hour
	cfg.Lifecycle.AwaitingTTL = time.Hour
	cfg.Lifecycle.PaymentRetention = 28 * 24 * time.Hour
	plans := map[string]config.Plan{
		"1week": {ID: "1week", Name: "1 Week", Days: 7, Price: 10},
	}

	tp := &fakeTransport{}
	server := newFakeServer()

	users := identity.NewStore(newMemStore())
	users.Upsert(ctx, identity.User{MediaID: "adm", Username: "boss", ChatID: 900, Role: identity.RoleAdmin, IsAdmin: true})

	requests := request.NewLedger(newMemStore(), tp)
	payments := payment.NewLedger(newMemStore())
	subs := subscription.NewLedger(users, server, newMemStore())
	monitor := subscription.NewMonitor(subs, users, server, tp, time.Minute)
	coordinator := approval.NewCoordinator(users, requests, payments, subs, server, tp, monitor)
	b := New(cfg, plans, users, requests, payments, subs, monitor, coordinator, server, tp)

	return &botFixture{
		bot:     b,
		users:   users,
		subs:    subs,
		monitor: monitor,
		server:  server,
		tp:      tp,
		sweeper: NewSweeper(b, time.Hour),
	}
}

func command(chatID int64, text string) Event {
	ev, _ := FromUpdate(telegram.Update{Message: msg(chatID, text)})
	return ev
}

func msg(chatID int64, text string) *telegram.Message {
	m := &telegram.Message{MessageID: 1, Text: text, From: &telegram.Sender{ID: chatID, FirstName: "Tester"}}
	m.Chat.ID = chatID
	return m
}

func button(chatID int64, data string) Event {
	return Event{Kind: EventButton, ChatID: chatID, CallbackID: "cb", Data: data}
}

func TestRegisterFlowEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newBotFixture(t)

	f.bot.Handle(ctx, command(100, "/register"))
	f.bot.Handle(ctx, Event{Kind: EventText, ChatID: 100, Text: "alice", Sender: &telegram.Sender{FirstName: "Alice"}})

	// The admin got a prompt with decision buttons
	markup := f.tp.lastMarkupFor(900)
	require.NotNil(t, markup)
	assert.Equal(t, "approve:register:100", markup.InlineKeyboard[0][0].CallbackData)

	f.bot.Handle(ctx, button(900, "approve:register:100"))

	user, ok := f.users.LookupByChatID(100)
	require.True(t, ok)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, identity.RoleRegular, user.Role)
	assert.False(t, f.server.enabled["alice"])

	// The requester got the credentials message
	var credentials string
	for _, text := range f.tp.textsFor(100) {
		if strings.Contains(text, "Password:") {
			credentials = text
		}
	}
	assert.NotEmpty(t, credentials)
}

func TestSubscribePaymentFlowEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newBotFixture(t)
	f.users.Upsert(ctx, identity.User{MediaID: "m1", Username: "alice", ChatID: 100, Role: identity.RoleRegular})

	f.bot.Handle(ctx, command(100, "/subscribe"))
	planMarkup := f.tp.lastMarkupFor(100)
	require.NotNil(t, planMarkup)
	assert.Equal(t, "plan:1week", planMarkup.InlineKeyboard[0][0].CallbackData)

	f.bot.Handle(ctx, button(100, "plan:1week"))
	texts := f.tp.textsFor(100)
	assert.Contains(t, texts[len(texts)-1], "upi://pay?")

	// The payment screenshot is forwarded to the admin with buttons
	f.bot.Handle(ctx, Event{Kind: EventPhoto, ChatID: 100, MessageID: 5, FileID: "proof123"})
	proofMarkup := f.tp.lastMarkupFor(900)
	require.NotNil(t, proofMarkup)
	data := proofMarkup.InlineKeyboard[0][0].CallbackData
	require.True(t, strings.HasPrefix(data, "pay_approve:"))

	f.bot.Handle(ctx, button(900, data))

	active, expiry := f.subs.Status("m1", time.Now())
	assert.True(t, active)
	require.NotNil(t, expiry)
	assert.True(t, f.server.enabled["alice"])
}

func TestCancelClearsPendingState(t *testing.T) {
	ctx := context.Background()
	f := newBotFixture(t)
	f.users.Upsert(ctx, identity.User{MediaID: "m1", Username: "alice", ChatID: 100, Role: identity.RoleRegular})

	f.bot.Handle(ctx, command(100, "/resetpw"))
	f.bot.Handle(ctx, command(100, "/cancel"))

	_, ok := f.bot.requests.Get(100)
	assert.False(t, ok)

	// After cancelling, a new request goes through
	f.bot.Handle(ctx, command(100, "/resetpw"))
	req, ok := f.bot.requests.Get(100)
	require.True(t, ok)
	assert.Equal(t, request.KindPasswordReset, req.Kind)
}

func TestAdminCommandsHiddenFromRegularUsers(t *testing.T) {
	ctx := context.Background()
	f := newBotFixture(t)
	f.users.Upsert(ctx, identity.User{MediaID: "m1", Username: "alice", ChatID: 100, Role: identity.RoleRegular})

	f.bot.Handle(ctx, command(100, "/users"))
	texts := f.tp.textsFor(100)
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Unknown command")

	f.bot.Handle(ctx, command(900, "/users"))
	adminTexts := f.tp.textsFor(900)
	require.NotEmpty(t, adminTexts)
	assert.Contains(t, adminTexts[len(adminTexts)-1], "alice")
}

func TestFullLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newBotFixture(t)

	// Registration, approved by the admin
	f.bot.Handle(ctx, command(100, "/register"))
	f.bot.Handle(ctx, Event{Kind: EventText, ChatID: 100, Text: "john_doe", Sender: &telegram.Sender{FirstName: "John"}})
	f.bot.Handle(ctx, button(900, "approve:register:100"))

	user, ok := f.users.LookupByChatID(100)
	require.True(t, ok)
	assert.False(t, f.server.enabled["john_doe"])

	// Plan purchase, verified by the admin
	f.bot.Handle(ctx, command(100, "/subscribe"))
	f.bot.Handle(ctx, button(100, "plan:1week"))
	f.bot.Handle(ctx, Event{Kind: EventPhoto, ChatID: 100, MessageID: 5, FileID: "proof"})
	proofMarkup := f.tp.lastMarkupFor(900)
	require.NotNil(t, proofMarkup)
	f.bot.Handle(ctx, button(900, proofMarkup.InlineKeyboard[0][0].CallbackData))

	now := time.Now()
	active, expiry := f.subs.Status(user.MediaID, now)
	require.True(t, active)
	require.NotNil(t, expiry)
	assert.True(t, f.server.enabled["john_doe"])

	// One monitor pass just past expiry disables the account again
	f.monitor.RunPass(ctx, time.Unix(*expiry+1, 0))
	assert.False(t, f.server.enabled["john_doe"])
	_, ok = f.subs.Get(user.MediaID)
	assert.False(t, ok)

	active, _ = f.subs.Status(user.MediaID, time.Unix(*expiry+1, 0))
	assert.False(t, active)
}

func TestUserListButtonOpensManagementMenu(t *testing.T) {
	ctx := context.Background()
	f := newBotFixture(t)
	f.users.Upsert(ctx, identity.User{MediaID: "m1", Username: "alice", ChatID: 100, Role: identity.RoleRegular})

	f.bot.Handle(ctx, command(900, "/users"))
	listMarkup := f.tp.lastMarkupFor(900)
	require.NotNil(t, listMarkup)

	var found bool
	for _, row := range listMarkup.InlineKeyboard {
		for _, btn := range row {
			if btn.CallbackData == "user:m1" {
				found = true
			}
		}
	}
	require.True(t, found, "expected a per-user button in the list")

	f.bot.Handle(ctx, button(900, "user:m1"))
	menu := f.tp.lastMarkupFor(900)
	require.NotNil(t, menu)
	assert.Equal(t, "user_action:disable:m1", menu.InlineKeyboard[0][1].CallbackData)

	texts := f.tp.textsFor(900)
	assert.Contains(t, texts[len(texts)-1], "Account: alice")

	// Non-admins get no menu back.
	f.bot.Handle(ctx, button(100, "user:m1"))
	assert.Nil(t, f.tp.lastMarkupFor(100))
}

func TestReplyErrorExplainsInvalidDuration(t *testing.T) {
	ctx := context.Background()
	f := newBotFixture(t)

	_, err := f.subs.Activate(ctx, "m1", 0, time.Now())
	require.Error(t, err)
	f.bot.replyError(ctx, 900, err)

	texts := f.tp.textsFor(900)
	require.NotEmpty(t, texts)
	assert.Contains(t, texts[0], "positive number of days")
	assert.NotContains(t, texts[0], "Something went wrong")
}

func TestHandleSerializesConcurrentEvents(t *testing.T) {
	ctx := context.Background()
	f := newBotFixture(t)
	f.tp.sendLag = time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.bot.Handle(ctx, command(100, "/start"))
		}()
	}
	wg.Wait()

	assert.False(t, f.tp.overlap.Load(), "events were dispatched concurrently")
	assert.Len(t, f.tp.textsFor(100), 16)
}

func TestSweeperExpiresStaleRequests(t *testing.T) {
	ctx := context.Background()
	f := newBotFixture(t)
	f.users.Upsert(ctx, identity.User{MediaID: "m1", Username: "alice", ChatID: 100, Role: identity.RoleRegular})

	f.bot.Handle(ctx, command(100, "/resetpw"))
	_, ok := f.bot.requests.Get(100)
	require.True(t, ok)

	f.sweeper.RunPass(ctx, time.Now().Add(8*24*time.Hour))

	_, ok = f.bot.requests.Get(100)
	assert.False(t, ok)
	texts := f.tp.textsFor(100)
	assert.Contains(t, texts[len(texts)-1], "expired")
}
