package bot

import (
	"sort"
	"sync"
	"time"
)

type awaitKind string

const (
	awaitRegisterUsername awaitKind = "register_username"
	awaitLinkUsername     awaitKind = "link_username"
	awaitBroadcast        awaitKind = "broadcast"
	awaitDirectMessage    awaitKind = "direct_message"
)

type awaitState struct {
	Kind      awaitKind
	Payload   string
	CreatedAt time.Time
}

// awaitTracker remembers chats the bot asked a follow-up question to. The
// state is deliberately in-memory only: after a restart the user just
// repeats the command.
type awaitTracker struct {
	mu     sync.Mutex
	states map[int64]awaitState
}

func newAwaitTracker() *awaitTracker {
	return &awaitTracker{states: make(map[int64]awaitState)}
}

func (t *awaitTracker) Set(chatID int64, kind awaitKind, payload string) {
	t.mu.Lock()
	t.states[chatID] = awaitState{Kind: kind, Payload: payload, CreatedAt: time.Now()}
	t.mu.Unlock()
}

// Pop removes and returns the chat's awaiting state.
func (t *awaitTracker) Pop(chatID int64) (awaitState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[chatID]
	if ok {
		delete(t.states, chatID)
	}
	return st, ok
}

func (t *awaitTracker) Clear(chatID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.states[chatID]
	delete(t.states, chatID)
	return ok
}

// SweepExpired drops states older than ttl and returns the affected chats
// so the caller can tell them the input window closed.
func (t *awaitTracker) SweepExpired(now time.Time, ttl time.Duration) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []int64
	for chatID, st := range t.states {
		if now.Sub(st.CreatedAt) > ttl {
			expired = append(expired, chatID)
			delete(t.states, chatID)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	return expired
}
