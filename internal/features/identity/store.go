package identity

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"

	apperrors "medialink-bot-backend/internal/common/errors"
	"medialink-bot-backend/internal/common/logger"
	"medialink-bot-backend/internal/platform/docstore"
)

const (
	docUsers     = "users"
	docChatIndex = "chat_index"
	docAdmins    = "admins"
)

// Store is the user registry plus its two derived indexes. The registry is
// keyed by media-account id; the chat index and the username index are
// rebuilt from the registry and never diverge from it: every mutation
// updates registry, indexes and the persisted snapshot inside one critical
// section.
type Store struct {
	mu     sync.Mutex
	users  map[string]*User
	byChat map[int64]string
	byName map[string]string
	docs   docstore.Store
}

func NewStore(docs docstore.Store) *Store {
	return &Store{
		users:  make(map[string]*User),
		byChat: make(map[int64]string),
		byName: make(map[string]string),
		docs:   docs,
	}
}

// Load reads the user registry and the chat index snapshot. The username
// index is never persisted; it is rebuilt here so collisions always reflect
// the current registry.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.docs.Load(ctx, docUsers)
	if err != nil {
		return apperrors.NewStorageError(docUsers, err)
	}
	if data != nil {
		if err := json.Unmarshal(data, &s.users); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeStorage, "corrupted user registry")
		}
	}

	data, err = s.docs.Load(ctx, docChatIndex)
	if err != nil {
		return apperrors.NewStorageError(docChatIndex, err)
	}
	if data != nil {
		stored := make(map[string]string)
		if err := json.Unmarshal(data, &stored); err != nil {
			logger.Warn().Err(err).Msg("Corrupted chat index, rebuilding from registry")
			stored = nil
		}
		for chatStr, mediaID := range stored {
			chatID, err := strconv.ParseInt(chatStr, 10, 64)
			if err != nil {
				continue
			}
			s.byChat[chatID] = mediaID
		}
	}

	for id, u := range s.users {
		if u.Username != "" {
			s.byName[strings.ToLower(u.Username)] = id
		}
	}

	logger.Info().Int("users", len(s.users)).Msg("User registry loaded")
	return nil
}

// LookupByChatID resolves a chat identity to its user.
func (s *Store) LookupByChatID(chatID int64) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupByChatLocked(chatID)
}

func (s *Store) lookupByChatLocked(chatID int64) (User, bool) {
	mediaID, ok := s.byChat[chatID]
	if !ok {
		return User{}, false
	}
	u, ok := s.users[mediaID]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// LookupByUsername resolves a username (case-insensitive) to its user.
func (s *Store) LookupByUsername(username string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mediaID, ok := s.byName[strings.ToLower(username)]
	if !ok {
		return User{}, false
	}
	u, ok := s.users[mediaID]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Get returns the user with the given media-account id.
func (s *Store) Get(mediaID string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[mediaID]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Upsert writes the user and keeps both indexes in step, then persists the
// registry and chat index snapshots before releasing the lock.
func (s *Store) Upsert(ctx context.Context, user User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.users[user.MediaID]; ok {
		if prev.ChatID != 0 && prev.ChatID != user.ChatID {
			delete(s.byChat, prev.ChatID)
		}
		if prev.Username != "" && !strings.EqualFold(prev.Username, user.Username) {
			delete(s.byName, strings.ToLower(prev.Username))
		}
	}

	stored := user
	s.users[user.MediaID] = &stored
	if user.ChatID != 0 {
		s.byChat[user.ChatID] = user.MediaID
	}
	if user.Username != "" {
		s.byName[strings.ToLower(user.Username)] = user.MediaID
	}

	s.persistLocked(ctx)
}

// Delete removes the user and its index entries. The caller is responsible
// for cascading removal of subscription state.
func (s *Store) Delete(ctx context.Context, mediaID string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[mediaID]
	if !ok {
		return User{}, false
	}
	removed := *u

	delete(s.users, mediaID)
	if u.ChatID != 0 {
		delete(s.byChat, u.ChatID)
	}
	if u.Username != "" {
		delete(s.byName, strings.ToLower(u.Username))
	}

	s.persistLocked(ctx)
	return removed, true
}

// RebuildIndexes discards both derived indexes and rebuilds them from the
// registry, pruning any chat-index entry whose chat id is no longer set on
// the referenced user. Idempotent; runs at startup and after bulk fixes.
func (s *Store) RebuildIndexes(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebuildIndexesLocked(ctx)
}

func (s *Store) rebuildIndexesLocked(ctx context.Context) {
	stale := 0
	for chatID, mediaID := range s.byChat {
		u, ok := s.users[mediaID]
		if !ok || u.ChatID != chatID {
			delete(s.byChat, chatID)
			stale++
		}
	}

	s.byChat = make(map[int64]string, len(s.users))
	s.byName = make(map[string]string, len(s.users))
	for id, u := range s.users {
		if u.ChatID != 0 {
			s.byChat[u.ChatID] = id
		}
		if u.Username != "" {
			s.byName[strings.ToLower(u.Username)] = id
		}
	}

	if stale > 0 {
		logger.Info().Int("stale", stale).Msg("Pruned stale chat index entries")
	}
	s.persistChatIndexLocked(ctx)
}

// IsAdmin reports whether the chat belongs to an admin user.
func (s *Store) IsAdmin(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.lookupByChatLocked(chatID)
	return ok && u.Role == RoleAdmin
}

// AdminChats returns the chat ids of every admin with a linked chat.
func (s *Store) AdminChats() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var chats []int64
	for _, u := range s.users {
		if u.Role == RoleAdmin && u.ChatID != 0 {
			chats = append(chats, u.ChatID)
		}
	}
	sort.Slice(chats, func(i, j int) bool { return chats[i] < chats[j] })
	return chats
}

// List returns a snapshot of every user, sorted by username.
func (s *Store) List() []User {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool {
		return strings.ToLower(users[i].Username) < strings.ToLower(users[j].Username)
	})
	return users
}

// Empty reports whether the registry holds no users at all.
func (s *Store) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users) == 0
}

// persistLocked writes both snapshots. A failed write is logged with the
// data-loss flag; in-memory state stays authoritative and the operation
// that triggered the write is not rolled back.
func (s *Store) persistLocked(ctx context.Context) {
	data, err := json.MarshalIndent(s.users, "", "  ")
	if err == nil {
		err = s.docs.Save(ctx, docUsers, data)
	}
	if err != nil {
		logger.Critical().Err(err).Str("document", docUsers).Msg("Failed to persist user registry")
	}
	s.persistChatIndexLocked(ctx)
}

func (s *Store) persistChatIndexLocked(ctx context.Context) {
	stored := make(map[string]string, len(s.byChat))
	for chatID, mediaID := range s.byChat {
		stored[strconv.FormatInt(chatID, 10)] = mediaID
	}
	data, err := json.MarshalIndent(stored, "", "  ")
	if err == nil {
		err = s.docs.Save(ctx, docChatIndex, data)
	}
	if err != nil {
		logger.Critical().Err(err).Str("document", docChatIndex).Msg("Failed to persist chat index")
	}
}
