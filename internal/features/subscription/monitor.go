package subscription

import (
	"context"
	"sync"
	"time"

	"medialink-bot-backend/internal/common/logger"
	"medialink-bot-backend/internal/features/identity"
	"medialink-bot-backend/internal/platform/telegram"
)

// Notifier delivers expiry notices to linked chats. Satisfied by the chat
// transport client.
type Notifier interface {
	SendText(ctx context.Context, chatID int64, text string, markup *telegram.InlineKeyboard) (int64, error)
}

// Monitor is the background loop that enforces subscription expiry. Each
// pass disables access for elapsed windows with at-least-once semantics: a
// failed disable leaves the entry in place for the next pass, and an entry
// is only removed once the media server confirmed the disable.
type Monitor struct {
	ledger   *Ledger
	users    *identity.Store
	media    MediaAccess
	notifier Notifier
	interval time.Duration

	// Regular users already disabled by the enforcement backstop, so a
	// settled state is not re-disabled every pass
	enforcedMu sync.Mutex
	enforced   map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(ledger *Ledger, users *identity.Store, media MediaAccess, notifier Notifier, interval time.Duration) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		ledger:   ledger,
		users:    users,
		media:    media,
		notifier: notifier,
		interval: interval,
		enforced: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (m *Monitor) Start() {
	logger.Info().Dur("interval", m.interval).Msg("Starting subscription expiry monitor")
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.RunPass(m.ctx, time.Now())
			case <-m.ctx.Done():
				return
			}
		}
	}()
}

func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
	logger.Info().Msg("Subscription expiry monitor stopped")
}

// RunPass executes one monitor cycle: settle elapsed windows, then run the
// enforcement backstop over every regular user. Exported so the cycle can
// be driven directly with a chosen clock.
func (m *Monitor) RunPass(ctx context.Context, now time.Time) {
	var settled []string

	for _, mediaID := range m.ledger.expiredSnapshot(now) {
		user, ok := m.users.Get(mediaID)
		if !ok {
			logger.Warn().Str("media_id", mediaID).Msg("Orphaned subscription entry, removing")
			settled = append(settled, mediaID)
			continue
		}

		if err := m.media.SetEnabled(ctx, user.Username, false); err != nil {
			// Leave the entry for the next pass: the disable must
			// eventually happen, never be silently skipped
			logger.Error().
				Str("username", user.Username).
				Err(err).
				Msg("Failed to disable expired account, will retry next pass")
			continue
		}

		settled = append(settled, mediaID)
		m.markEnforced(mediaID)
		if user.ChatID != 0 {
			_, err := m.notifier.SendText(ctx, user.ChatID,
				"⏰ Your subscription has expired.\n\n"+
					"Your account has been disabled. Use /subscribe to renew your access!", nil)
			if err != nil {
				logger.Warn().Int64("chat_id", user.ChatID).Err(err).Msg("Failed to notify user about expiry")
			}
		}
		logger.Info().Str("media_id", mediaID).Str("username", user.Username).Msg("Subscription expired")
	}

	m.ledger.removeBatch(ctx, settled)
	m.enforceRegularAccess(ctx, now)
}

// enforceRegularAccess disables every regular user without an active
// window. This backstop covers users who became regular through a role
// change and never had a subscription entry to expire.
func (m *Monitor) enforceRegularAccess(ctx context.Context, now time.Time) {
	for _, user := range m.users.List() {
		if user.Role != identity.RoleRegular || user.Username == "" {
			continue
		}

		active, _ := m.ledger.Status(user.MediaID, now)
		if active {
			m.ResetEnforcement(user.MediaID)
			continue
		}
		if m.isEnforced(user.MediaID) {
			continue
		}

		if err := m.media.SetEnabled(ctx, user.Username, false); err != nil {
			logger.Error().Str("username", user.Username).Err(err).Msg("Failed to disable regular user without access")
			continue
		}
		m.markEnforced(user.MediaID)
		logger.Info().
			Str("media_id", user.MediaID).
			Str("username", user.Username).
			Msg("Disabled regular user without active subscription")
	}
}

// ResetEnforcement forgets the settled state for a user, e.g. after an
// admin manually re-enables the account outside a subscription grant.
func (m *Monitor) ResetEnforcement(mediaID string) {
	m.enforcedMu.Lock()
	delete(m.enforced, mediaID)
	m.enforcedMu.Unlock()
}

func (m *Monitor) markEnforced(mediaID string) {
	m.enforcedMu.Lock()
	m.enforced[mediaID] = true
	m.enforcedMu.Unlock()
}

func (m *Monitor) isEnforced(mediaID string) bool {
	m.enforcedMu.Lock()
	defer m.enforcedMu.Unlock()
	return m.enforced[mediaID]
}
