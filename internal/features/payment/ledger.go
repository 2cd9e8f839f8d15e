package payment

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"medialink-bot-backend/internal/common/config"
	"medialink-bot-backend/internal/common/errors"
	"medialink-bot-backend/internal/common/logger"
	"medialink-bot-backend/internal/platform/docstore"
)

const docPayments = "payment_requests"

// Ledger holds every payment request, pending and recently settled. The
// in-memory map is authoritative; the backing document is a best-effort
// mirror rewritten after each mutation.
type Ledger struct {
	mu       sync.Mutex
	requests map[string]*Request
	docs     docstore.Store
}

func NewLedger(docs docstore.Store) *Ledger {
	return &Ledger{
		requests: make(map[string]*Request),
		docs:     docs,
	}
}

func (l *Ledger) Load(ctx context.Context) error {
	data, err := l.docs.Load(ctx, docPayments)
	if err != nil {
		return errors.NewStorageError(docPayments, err)
	}
	if data == nil {
		return nil
	}

	var requests map[string]*Request
	if err := json.Unmarshal(data, &requests); err != nil {
		return errors.NewStorageError(docPayments, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = make(map[string]*Request, len(requests))
	for id, r := range requests {
		if r == nil || id == "" {
			continue
		}
		r.ID = id
		l.requests[id] = r
	}
	return nil
}

// Create opens a payment request for the given chat and plan. A chat can
// have at most one pending payment at a time.
func (l *Ledger) Create(ctx context.Context, chatID int64, mediaID string, plan config.Plan) (*Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, r := range l.requests {
		if r.ChatID == chatID && r.Status == StatusPending {
			return nil, errors.NewAlreadyPendingError(chatID)
		}
	}

	req := &Request{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		MediaID:   mediaID,
		PlanID:    plan.ID,
		Days:      plan.Days,
		Amount:    plan.Price,
		Status:    StatusPending,
		CreatedAt: time.Now().Unix(),
	}
	l.requests[req.ID] = req
	l.persistLocked(ctx)

	out := *req
	return &out, nil
}

func (l *Ledger) Get(id string) (Request, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.requests[id]
	if !ok {
		return Request{}, false
	}
	return *r, true
}

// FindPendingByChat returns the chat's open payment request, if any.
func (l *Ledger) FindPendingByChat(chatID int64) (Request, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.requests {
		if r.ChatID == chatID && r.Status == StatusPending {
			return *r, true
		}
	}
	return Request{}, false
}

// SetProof records the message id of the payment screenshot the user sent.
func (l *Ledger) SetProof(ctx context.Context, id string, messageID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.requests[id]
	if !ok || r.Status != StatusPending {
		return
	}
	r.ProofMsgID = messageID
	l.persistLocked(ctx)
}

// Approve settles a pending request as approved. Returns the settled copy,
// or ALREADY_PROCESSED when the request is gone or another admin decided
// it first.
func (l *Ledger) Approve(ctx context.Context, id string, adminChat int64, now int64) (*Request, error) {
	return l.settle(ctx, id, adminChat, now, StatusApproved)
}

// Reject settles a pending request as rejected.
func (l *Ledger) Reject(ctx context.Context, id string, adminChat int64, now int64) (*Request, error) {
	return l.settle(ctx, id, adminChat, now, StatusRejected)
}

func (l *Ledger) settle(ctx context.Context, id string, adminChat int64, now int64, status Status) (*Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.requests[id]
	if !ok || r.Status != StatusPending {
		return nil, errors.NewAlreadyProcessedError("pay:" + id)
	}
	r.Status = status
	r.DecidedAt = now
	r.DecidedBy = adminChat
	l.persistLocked(ctx)

	out := *r
	return &out, nil
}

// Cancel drops the chat's pending payment request, returning it when one
// existed.
func (l *Ledger) Cancel(ctx context.Context, chatID int64) (*Request, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, r := range l.requests {
		if r.ChatID == chatID && r.Status == StatusPending {
			out := *r
			delete(l.requests, id)
			l.persistLocked(ctx)
			return &out, true
		}
	}
	return nil, false
}

// Pending returns the open requests sorted oldest first.
func (l *Ledger) Pending() []Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Request
	for _, r := range l.requests {
		if r.Status == StatusPending {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// Sweep expires stale pending requests and prunes settled ones past the
// retention window. The expired pending requests are returned so the
// caller can notify their owners.
func (l *Ledger) Sweep(ctx context.Context, now int64, pendingTTL, retention time.Duration) []Request {
	l.mu.Lock()
	defer l.mu.Unlock()

	var expired []Request
	changed := false
	for id, r := range l.requests {
		switch {
		case r.Status == StatusPending && now-r.CreatedAt > int64(pendingTTL.Seconds()):
			expired = append(expired, *r)
			delete(l.requests, id)
			changed = true
		case r.Settled() && now-r.DecidedAt > int64(retention.Seconds()):
			delete(l.requests, id)
			changed = true
		}
	}
	if changed {
		l.persistLocked(ctx)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].CreatedAt < expired[j].CreatedAt })
	return expired
}

func (l *Ledger) persistLocked(ctx context.Context) {
	data, err := json.Marshal(l.requests)
	if err != nil {
		logger.Critical().Err(err).Msg("Failed to encode payment requests")
		return
	}
	if err := l.docs.Save(ctx, docPayments, data); err != nil {
		logger.Critical().Err(err).Msg("Failed to persist payment requests")
	}
}
