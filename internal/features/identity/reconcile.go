package identity

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	apperrors "medialink-bot-backend/internal/common/errors"
	"medialink-bot-backend/internal/common/logger"
	"medialink-bot-backend/internal/platform/mediaserver"
)

// AccountFetcher lists accounts on the media server; used for the
// first-run import of an empty registry.
type AccountFetcher interface {
	FetchAccounts(ctx context.Context) ([]mediaserver.Account, error)
}

// Reconcile runs the startup procedure: normalize legacy records, rebuild
// the derived indexes, then regenerate the admin lookup document from user
// roles. It returns a NO_ADMINS error when no admin has a linked chat;
// the caller must refuse to start in that case.
func (s *Store) Reconcile(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := s.normalizeLocked(now)
	s.rebuildIndexesLocked(ctx)
	admins := s.syncAdminsLocked(ctx, now)

	if changed {
		s.persistLocked(ctx)
	}

	if len(admins) == 0 {
		return apperrors.New(apperrors.ErrCodeNoAdmins,
			"no admin user with a linked chat; add a chat id to an admin record and restart")
	}

	logger.Info().
		Int("users", len(s.users)).
		Int("admins", len(admins)).
		Msg("Reconciliation complete")
	return nil
}

// normalizeLocked coerces legacy record shapes into the canonical form.
// Returns true when anything was repaired.
func (s *Store) normalizeLocked(now time.Time) bool {
	changed := false
	for id, u := range s.users {
		// The map key is authoritative for the media-account id
		if u.MediaID != id {
			logger.Warn().Str("media_id", id).Msg("Re-stamped media id into user record")
			u.MediaID = id
			changed = true
		}

		if !u.Role.Valid() {
			logger.Warn().Str("media_id", id).Str("username", u.Username).Msg("Defaulted missing role to regular")
			u.Role = RoleRegular
			changed = true
		}

		// The admin flag wins a role disagreement
		if u.IsAdmin && u.Role != RoleAdmin {
			logger.Warn().Str("media_id", id).Str("username", u.Username).Str("was", string(u.Role)).Msg("Promoted role to match admin flag")
			u.Role = RoleAdmin
			changed = true
		}
		if !u.IsAdmin && u.Role == RoleAdmin {
			logger.Warn().Str("media_id", id).Str("username", u.Username).Msg("Set admin flag to match role")
			u.IsAdmin = true
			changed = true
		}

		if u.CreatedAt == 0 {
			u.CreatedAt = now.Unix()
			changed = true
		}
	}
	return changed
}

// syncAdminsLocked regenerates the admin lookup document from user roles.
// The registry is the source of truth; the admins document is a derived
// fast-path table for permission checks.
func (s *Store) syncAdminsLocked(ctx context.Context, now time.Time) map[int64]AdminRecord {
	admins := make(map[int64]AdminRecord)
	for id, u := range s.users {
		if !u.IsAdmin || u.ChatID == 0 {
			continue
		}
		addedAt := u.CreatedAt
		if addedAt == 0 {
			addedAt = now.Unix()
		}
		admins[u.ChatID] = AdminRecord{MediaID: id, Username: u.Username, AddedAt: addedAt}
	}

	stored := make(map[string]AdminRecord, len(admins))
	for chatID, rec := range admins {
		stored[strconv.FormatInt(chatID, 10)] = rec
	}
	data, err := json.MarshalIndent(stored, "", "  ")
	if err == nil {
		err = s.docs.Save(ctx, docAdmins, data)
	}
	if err != nil {
		logger.Critical().Err(err).Str("document", docAdmins).Msg("Failed to persist admin lookup")
	}
	return admins
}

// ImportFromServer seeds an empty registry from the media server: accounts
// with the administrator policy become admins, everyone else is imported as
// privileged with no chat link. A non-empty registry is left untouched.
func (s *Store) ImportFromServer(ctx context.Context, fetcher AccountFetcher, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.users) > 0 {
		return nil
	}

	accounts, err := fetcher.FetchAccounts(ctx)
	if err != nil {
		return apperrors.NewMediaServerError("fetch accounts", err)
	}

	adminCount := 0
	for _, a := range accounts {
		role := RolePrivileged
		isAdmin := a.Policy != nil && a.Policy.IsAdministrator
		if isAdmin {
			role = RoleAdmin
			adminCount++
		}
		s.users[a.ID] = &User{
			MediaID:   a.ID,
			Username:  a.Name,
			Role:      role,
			IsAdmin:   isAdmin,
			CreatedAt: now.Unix(),
		}
	}

	s.rebuildIndexesLocked(ctx)
	s.persistLocked(ctx)

	logger.Info().
		Int("imported", len(accounts)).
		Int("admins", adminCount).
		Msg("Imported users from media server; admin records need a chat id before the bot can serve requests")
	return nil
}

