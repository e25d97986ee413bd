// Package session supplies per-seller cabinet sessions to booking
// episodes. A session handle is exclusively owned by the episode that
// acquired it: no two concurrent episodes for the same seller hold one at
// the same time.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"slot-watcher/internal/logging"
	"slot-watcher/internal/storage"
)

// ErrAuthRequired indicates the seller has no usable session and must
// re-authenticate out of band before booking can proceed.
var ErrAuthRequired = errors.New("session: authentication required")

// Session is an opaque authenticated cabinet session for one seller.
type Session struct {
	SellerID int64
	Data     []byte
}

// Provider hands out exclusive session handles. The returned release func
// must be called when the booking episode ends, success or not.
type Provider interface {
	Acquire(ctx context.Context, sellerID int64) (*Session, func(), error)
	// Invalidate drops any cached and stored session for the seller after
	// the upstream rejected it.
	Invalidate(ctx context.Context, sellerID int64) error
}

type cachedSession struct {
	session   *Session
	checkedAt time.Time
}

// Manager is a storage-backed Provider with a short validity cache, so a
// burst of episodes does not re-read the seller row on every attempt.
type Manager struct {
	store  storage.SellerStore
	ttl    time.Duration
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
	cache map[int64]cachedSession
}

// NewManager constructs a session manager.
func NewManager(store storage.SellerStore, ttl time.Duration, logger zerolog.Logger) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Manager{
		store:  store,
		ttl:    ttl,
		logger: logging.Component(logger, "session_manager"),
		locks:  make(map[int64]*sync.Mutex),
		cache:  make(map[int64]cachedSession),
	}
}

// Acquire returns the seller's session, holding the per-seller lock until
// release is called.
func (m *Manager) Acquire(ctx context.Context, sellerID int64) (*Session, func(), error) {
	lock := m.sellerLock(sellerID)
	lock.Lock()

	sess, err := m.lookup(ctx, sellerID)
	if err != nil {
		lock.Unlock()
		return nil, nil, err
	}

	var once sync.Once
	release := func() {
		once.Do(lock.Unlock)
	}
	return sess, release, nil
}

// Invalidate drops the cached session and the stored blob after an
// authorization failure.
func (m *Manager) Invalidate(ctx context.Context, sellerID int64) error {
	m.mu.Lock()
	delete(m.cache, sellerID)
	m.mu.Unlock()

	if err := m.store.ClearSellerSession(ctx, sellerID); err != nil {
		return err
	}
	m.logger.Info().Int64("seller_id", sellerID).Msg("cleared invalid session")
	return nil
}

func (m *Manager) lookup(ctx context.Context, sellerID int64) (*Session, error) {
	m.mu.Lock()
	cached, ok := m.cache[sellerID]
	m.mu.Unlock()
	if ok && time.Since(cached.checkedAt) < m.ttl {
		return cached.session, nil
	}

	seller, err := m.store.GetSeller(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	if !seller.HasSession() {
		return nil, ErrAuthRequired
	}

	sess := &Session{SellerID: sellerID, Data: seller.SessionData}
	m.mu.Lock()
	m.cache[sellerID] = cachedSession{session: sess, checkedAt: time.Now()}
	m.mu.Unlock()
	return sess, nil
}

func (m *Manager) sellerLock(sellerID int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[sellerID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[sellerID] = lock
	}
	return lock
}

var _ Provider = (*Manager)(nil)
