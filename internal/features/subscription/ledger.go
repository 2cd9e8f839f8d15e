package subscription

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	apperrors "medialink-bot-backend/internal/common/errors"
	"medialink-bot-backend/internal/common/logger"
	"medialink-bot-backend/internal/features/identity"
	"medialink-bot-backend/internal/platform/docstore"
)

const docSubscriptions = "subscriptions"

// MediaAccess flips account access on the media server.
type MediaAccess interface {
	SetEnabled(ctx context.Context, username string, enabled bool) error
}

// Ledger holds per-user access windows for regular-role users.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*Entry
	users   *identity.Store
	media   MediaAccess
	docs    docstore.Store
}

func NewLedger(users *identity.Store, media MediaAccess, docs docstore.Store) *Ledger {
	return &Ledger{
		entries: make(map[string]*Entry),
		users:   users,
		media:   media,
		docs:    docs,
	}
}

func (l *Ledger) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := l.docs.Load(ctx, docSubscriptions)
	if err != nil {
		return apperrors.NewStorageError(docSubscriptions, err)
	}
	if data == nil {
		return nil
	}
	if err := json.Unmarshal(data, &l.entries); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorage, "corrupted subscription table")
	}
	return nil
}

// Status reports whether the user currently has access and, for windowed
// access, when it expires. Admin and privileged users short-circuit to
// (true, nil) without consulting the ledger.
func (l *Ledger) Status(mediaID string, now time.Time) (bool, *int64) {
	if u, ok := l.users.Get(mediaID); ok && u.Role.Permanent() {
		return true, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[mediaID]
	if !ok || entry.ExpiresAt <= now.Unix() {
		return false, nil
	}
	expires := entry.ExpiresAt
	return true, &expires
}

// Activate grants or extends a window of days*24h. A still-running window
// is extended from its current expiry; an elapsed or absent one starts from
// now. Activation for an admin or privileged user is a no-op that returns
// nil and logs a warning. On success the media account is enabled.
func (l *Ledger) Activate(ctx context.Context, mediaID string, days int, now time.Time) (*int64, error) {
	if days <= 0 {
		return nil, apperrors.New(apperrors.ErrCodeInvalidDuration, "duration must be a positive number of days").
			WithDetail("days", days)
	}

	user, ok := l.users.Get(mediaID)
	if !ok {
		return nil, apperrors.NewUserNotFoundError(mediaID)
	}
	if user.Role.Permanent() {
		logger.Warn().
			Str("media_id", mediaID).
			Str("role", string(user.Role)).
			Msg("Ignoring subscription activation for permanent-access user")
		return nil, nil
	}

	l.mu.Lock()
	base := now.Unix()
	if entry, ok := l.entries[mediaID]; ok && entry.ExpiresAt > base {
		base = entry.ExpiresAt
	}
	expiry := base + int64(days)*SecondsPerDay

	activatedAt := now.Unix()
	if prev, ok := l.entries[mediaID]; ok {
		activatedAt = prev.ActivatedAt
	}
	l.entries[mediaID] = &Entry{
		ActivatedAt:  activatedAt,
		ExpiresAt:    expiry,
		DurationDays: days,
	}
	l.persistLocked(ctx)
	l.mu.Unlock()

	if err := l.media.SetEnabled(ctx, user.Username, true); err != nil {
		// The window is granted either way; access will be usable once
		// the server is reachable again
		logger.Error().Str("username", user.Username).Err(err).Msg("Failed to enable media account after activation")
	}

	logger.Info().
		Str("media_id", mediaID).
		Int("days", days).
		Int64("expires_at", expiry).
		Msg("Subscription activated")
	return &expiry, nil
}

// End soft-expires the window: expiry is set just behind now and the entry
// is kept, so the next monitor pass runs its disable-and-notify path
// exactly once instead of the entry silently vanishing.
func (l *Ledger) End(ctx context.Context, mediaID string, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[mediaID]
	if !ok {
		return apperrors.New(apperrors.ErrCodeNotFound, "no subscription entry for user").
			WithDetail("media_id", mediaID)
	}
	entry.ExpiresAt = now.Unix() - 1
	l.persistLocked(ctx)
	return nil
}

// Remove drops the entry outright; used when the user itself is deleted.
func (l *Ledger) Remove(ctx context.Context, mediaID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[mediaID]; !ok {
		return
	}
	delete(l.entries, mediaID)
	l.persistLocked(ctx)
}

// Get returns the entry for a user, if any.
func (l *Ledger) Get(mediaID string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[mediaID]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// PruneOrphans removes entries whose user no longer exists in the registry.
func (l *Ledger) PruneOrphans(ctx context.Context) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for mediaID := range l.entries {
		if _, ok := l.users.Get(mediaID); !ok {
			delete(l.entries, mediaID)
			removed++
		}
	}
	if removed > 0 {
		l.persistLocked(ctx)
		logger.Info().Int("removed", removed).Msg("Pruned orphaned subscription entries")
	}
	return removed
}

// expiredSnapshot returns the ids of every entry at or past expiry.
func (l *Ledger) expiredSnapshot(now time.Time) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ids []string
	cutoff := now.Unix()
	for mediaID, entry := range l.entries {
		if entry.ExpiresAt <= cutoff {
			ids = append(ids, mediaID)
		}
	}
	return ids
}

// removeBatch drops the given entries and persists once.
func (l *Ledger) removeBatch(ctx context.Context, mediaIDs []string) {
	if len(mediaIDs) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range mediaIDs {
		delete(l.entries, id)
	}
	l.persistLocked(ctx)
}

func (l *Ledger) persistLocked(ctx context.Context) {
	data, err := json.MarshalIndent(l.entries, "", "  ")
	if err == nil {
		err = l.docs.Save(ctx, docSubscriptions, data)
	}
	if err != nil {
		logger.Critical().Err(err).Str("document", docSubscriptions).Msg("Failed to persist subscriptions")
	}
}
