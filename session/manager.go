package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/chatmesh/relay/ident"
)

// Manager owns session creation, resumption and uniqueness enforcement.
//
// Username uniqueness is enforced against *currently active* sessions: the
// store is the source of truth (expired records are reaped by its TTL
// policy), and a TTL cache of active usernames closes the window between two
// overlapping BeginWithUsername calls for the same name, which would both
// miss the store before either upsert lands. Reservation and store check run
// under one lock so exactly one of them wins.
type Manager struct {
	store  Store
	hasher ident.Hasher
	ttl    time.Duration

	// username -> session ID of the active holder
	active   *ttlcache.Cache[string, string]
	activeMu sync.Mutex
}

func NewManager(store Store, hasher ident.Hasher, ttl time.Duration) *Manager {
	active := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](ttl),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go active.Start()
	return &Manager{
		store:  store,
		hasher: hasher,
		ttl:    ttl,
		active: active,
	}
}

// BeginWithUsername creates a fresh session for the display name. Fails with
// ErrUsernameTaken if any currently active session already holds the name.
func (m *Manager) BeginWithUsername(ctx context.Context, username string) (*Session, error) {
	if username == "" {
		return nil, ErrInvalidUsername
	}

	m.activeMu.Lock()
	if m.active.Get(username) != nil {
		m.activeMu.Unlock()
		return nil, ErrUsernameTaken
	}
	existing, err := m.store.FindByUsername(ctx, username)
	if err != nil && !errors.Is(err, ErrNotFound) {
		m.activeMu.Unlock()
		return nil, err
	}
	if existing != nil {
		// repopulate the cache from the store so the next check short-circuits
		m.active.Set(username, existing.ID, ttlcache.DefaultTTL)
		m.activeMu.Unlock()
		return nil, ErrUsernameTaken
	}
	id, err := NewID()
	if err != nil {
		m.activeMu.Unlock()
		return nil, errors.Join(ErrTokenGeneration, err)
	}
	// reserve the name before releasing the lock; concurrent begins with the
	// same name now fail fast instead of racing the upsert
	m.active.Set(username, id, ttlcache.DefaultTTL)
	m.activeMu.Unlock()

	userID, err := m.hasher.Hash(ctx, username)
	if err != nil {
		m.release(username, id)
		return nil, err
	}
	s := &Session{
		ID:        id,
		UserID:    userID,
		Username:  username,
		LoginTime: time.Now(),
	}
	if err := m.store.Upsert(ctx, s); err != nil {
		m.release(username, id)
		return nil, err
	}
	return s, nil
}

// Resume looks up an existing session by token, refreshes its login time and
// returns the stored identity. Fails with ErrNotFound for unknown or expired
// tokens.
func (m *Manager) Resume(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, ErrNotFound
	}
	s, err := m.store.FindBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.LoginTime = time.Now()
	if err := m.store.Upsert(ctx, s); err != nil {
		return nil, err
	}
	// re-arm the active-name reservation for another TTL window
	m.activeMu.Lock()
	m.active.Set(s.Username, s.ID, ttlcache.DefaultTTL)
	m.activeMu.Unlock()
	return s, nil
}

// End deletes the persisted session for the user. Returns ErrNotFound when
// zero records were removed; callers must not force-close the live transport
// unless deletion is confirmed. The active-name reservation is keyed by
// username, which End does not receive, so callers release it explicitly
// with Release once deletion is confirmed.
func (m *Manager) End(ctx context.Context, userID string) error {
	n, err := m.store.DeleteByUserID(ctx, userID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Release evicts the active-name reservation held by session id for username.
// A reservation made by a newer session for the same name is left alone.
func (m *Manager) Release(username, sessionID string) {
	m.release(username, sessionID)
}

func (m *Manager) release(username, sessionID string) {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	item := m.active.Get(username)
	if item != nil && item.Value() == sessionID {
		m.active.Delete(username)
	}
}

// Stop halts the active-name cache janitor.
func (m *Manager) Stop() {
	m.active.Stop()
}
