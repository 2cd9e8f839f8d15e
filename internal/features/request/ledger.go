package request

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	apperrors "medialink-bot-backend/internal/common/errors"
	"medialink-bot-backend/internal/common/logger"
	"medialink-bot-backend/internal/platform/docstore"
)

const docPending = "pending_requests"

// MarkupEditor relabels the inline keyboard of a previously sent prompt.
// Implemented by the chat transport client.
type MarkupEditor interface {
	EditPromptLabel(ctx context.Context, chatID, messageID int64, label string) error
}

// Ledger holds pending workflow requests, one per requester chat id, plus
// the per-request set of admin approval prompts so every admin's copy can
// be relabeled together when one admin decides.
type Ledger struct {
	mu      sync.Mutex
	pending map[int64]*Request
	prompts map[string]map[int64]int64 // request key -> admin chat -> message id
	docs    docstore.Store
	editor  MarkupEditor
}

func NewLedger(docs docstore.Store, editor MarkupEditor) *Ledger {
	return &Ledger{
		pending: make(map[int64]*Request),
		prompts: make(map[string]map[int64]int64),
		docs:    docs,
		editor:  editor,
	}
}

// Load reads the pending-request snapshot. Prompt sets are in-memory only:
// after a restart the old prompt messages can no longer be relabeled, and
// /pending regenerates fresh ones.
func (l *Ledger) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := l.docs.Load(ctx, docPending)
	if err != nil {
		return apperrors.NewStorageError(docPending, err)
	}
	if data == nil {
		return nil
	}

	stored := make(map[string]*Request)
	if err := json.Unmarshal(data, &stored); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorage, "corrupted pending-request table")
	}
	for key, req := range stored {
		chatID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			logger.Warn().Str("key", key).Msg("Dropped pending request with non-numeric chat key")
			continue
		}
		req.ChatID = chatID
		l.pending[chatID] = req
	}
	return nil
}

// Create records a new pending request. A requester with any request
// already pending gets ALREADY_PENDING; /cancel or a decision must clear
// it first.
func (l *Ledger) Create(ctx context.Context, req Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.pending[req.ChatID]; exists {
		return apperrors.NewAlreadyPendingError(req.ChatID)
	}
	if req.CreatedAt == 0 {
		req.CreatedAt = time.Now().Unix()
	}
	l.pending[req.ChatID] = &req
	l.persistLocked(ctx)
	return nil
}

// Get returns the pending request for the chat, if any.
func (l *Ledger) Get(chatID int64) (Request, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	req, ok := l.pending[chatID]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// List returns the pending requests sorted oldest first.
func (l *Ledger) List() []Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Request, 0, len(l.pending))
	for _, req := range l.pending {
		out = append(out, *req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// Resolve removes and returns the pending request. Exactly one caller per
// terminal decision observes ok == true; a concurrent second decision finds
// nothing and must treat that as already processed.
func (l *Ledger) Resolve(ctx context.Context, chatID int64) (Request, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, ok := l.pending[chatID]
	if !ok {
		return Request{}, false
	}
	delete(l.pending, chatID)
	l.persistLocked(ctx)
	return *req, true
}

// SweepExpired removes requests older than ttl and returns them so the
// caller can notify the requesters and log the expiry.
func (l *Ledger) SweepExpired(ctx context.Context, now time.Time, ttl time.Duration) []Request {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-ttl).Unix()
	var removed []Request
	for chatID, req := range l.pending {
		if req.CreatedAt <= cutoff {
			removed = append(removed, *req)
			delete(l.pending, chatID)
			delete(l.prompts, req.Key())
		}
	}
	if len(removed) > 0 {
		sort.Slice(removed, func(i, j int) bool { return removed[i].ChatID < removed[j].ChatID })
		l.persistLocked(ctx)
		logger.Info().Int("expired", len(removed)).Msg("Swept expired pending requests")
	}
	return removed
}

// RecordPrompt remembers the approval prompt delivered to one admin chat.
func (l *Ledger) RecordPrompt(requestKey string, adminChat, messageID int64) {
	if requestKey == "" || messageID == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.prompts[requestKey]
	if !ok {
		set = make(map[int64]int64)
		l.prompts[requestKey] = set
	}
	set[adminChat] = messageID
}

// PromptCount returns how many admin prompts are tracked for the key.
func (l *Ledger) PromptCount(requestKey string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prompts[requestKey])
}

// RetractPrompts relabels every recorded prompt for the key with a terminal
// label, then clears the set. Edit failures are logged and skipped: a
// prompt that cannot be relabeled must not block the decision.
func (l *Ledger) RetractPrompts(ctx context.Context, requestKey, label string) {
	l.mu.Lock()
	set := l.prompts[requestKey]
	delete(l.prompts, requestKey)
	l.mu.Unlock()

	for adminChat, messageID := range set {
		if err := l.editor.EditPromptLabel(ctx, adminChat, messageID, label); err != nil {
			logger.Warn().
				Int64("admin_chat", adminChat).
				Int64("message_id", messageID).
				Err(err).
				Msg("Failed to retract approval prompt")
		}
	}
}

func (l *Ledger) persistLocked(ctx context.Context) {
	stored := make(map[string]*Request, len(l.pending))
	for chatID, req := range l.pending {
		stored[strconv.FormatInt(chatID, 10)] = req
	}
	data, err := json.MarshalIndent(stored, "", "  ")
	if err == nil {
		err = l.docs.Save(ctx, docPending, data)
	}
	if err != nil {
		logger.Critical().Err(err).Str("document", docPending).Msg("Failed to persist pending requests")
	}
}
