package tokens

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/omnibridge/omnibridge/core/config"
	"github.com/omnibridge/omnibridge/domain/channel"
	"github.com/omnibridge/omnibridge/domain/storage"
	pkgError "github.com/omnibridge/omnibridge/pkg/error"
)

// RefreshFunc exchanges expiring credentials for fresh ones against the
// network's token endpoint. Implementations must not mutate their input.
type RefreshFunc func(ctx context.Context, accountID string, creds channel.Credentials) (channel.Credentials, error)

type entry struct {
	// mu serializes refreshes for one account. The freshness re-check
	// after acquiring it is what collapses concurrent eager refreshes
	// into a single network call.
	mu      sync.Mutex
	creds   channel.Credentials
	refresh RefreshFunc
}

// Manager tracks token expiry for every connected account and refreshes on
// two triggers: eagerly before a send when expiry is close, and on a
// periodic sweep so idle accounts stay fresh too. Accounts whose tokens
// never expire (telegram bot tokens, whatsapp sessions) are tracked with a
// nil RefreshFunc and both triggers no-op for them.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry

	store storage.Store
	bus   *channel.EventBus
	cfg   config.TokensConfig

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	now func() time.Time
}

func NewManager(store storage.Store, bus *channel.EventBus, cfg config.TokensConfig) *Manager {
	return &Manager{
		entries: make(map[string]*entry),
		store:   store,
		bus:     bus,
		cfg:     cfg,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Track registers an account's credentials for lifecycle management.
// Re-tracking an account replaces its credentials.
func (m *Manager) Track(accountID string, creds channel.Credentials, refresh RefreshFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[accountID] = &entry{creds: creds, refresh: refresh}
}

func (m *Manager) Untrack(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, accountID)
}

// Credentials returns the current in-memory credentials for an account.
// After a refresh this reflects the new token even if persisting it failed.
func (m *Manager) Credentials(accountID string) (channel.Credentials, bool) {
	m.mu.RLock()
	e, ok := m.entries[accountID]
	m.mu.RUnlock()
	if !ok {
		return channel.Credentials{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.creds, true
}

// EnsureFresh refreshes the account's token synchronously when it is within
// the eager buffer of expiry. Called on the send path; a healthy token
// returns immediately.
func (m *Manager) EnsureFresh(ctx context.Context, accountID string) error {
	m.mu.RLock()
	e, ok := m.entries[accountID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return m.refreshIfNeeded(ctx, accountID, e, m.cfg.EagerBuffer)
}

// StartSweep launches the periodic background refresh loop.
func (m *Manager) StartSweep() {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop halts the sweep loop. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		<-m.done
	})
}

func (m *Manager) sweep() {
	m.mu.RLock()
	snapshot := make(map[string]*entry, len(m.entries))
	for id, e := range m.entries {
		snapshot[id] = e
	}
	m.mu.RUnlock()

	for accountID, e := range snapshot {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := m.refreshIfNeeded(ctx, accountID, e, m.cfg.SweepBuffer); err != nil {
			logrus.WithError(err).WithField("account_id", accountID).
				Warn("[TOKENS] Sweep refresh failed")
		}
		cancel()
	}
}

func (m *Manager) refreshIfNeeded(ctx context.Context, accountID string, e *entry, buffer time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.refresh == nil {
		return nil
	}
	expiry, ok := e.creds.TokenExpiry()
	if !ok || m.now().Add(buffer).Before(expiry) {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"account_id": accountID,
		"channel":    e.creds.Type,
		"expires_at": expiry,
	}).Info("[TOKENS] Refreshing access token")

	fresh, err := e.refresh(ctx, accountID, e.creds)
	if err != nil {
		// The session cannot authenticate anymore; the application has
		// to re-onboard the account.
		m.bus.EmitStatus(channel.StatusEvent{
			AccountID:   accountID,
			ChannelType: e.creds.Type,
			Status:      channel.StatusDisconnected,
			Reason:      "token refresh failed, re-authentication required",
		})
		return pkgError.AuthError("token refresh failed: " + err.Error())
	}

	// In-memory first: sends must use the new token even if persistence
	// is down (degraded mode).
	e.creds = fresh

	if err := m.store.SaveRefreshedCredentials(ctx, accountID, fresh); err != nil {
		logrus.WithError(err).WithField("account_id", accountID).
			Error("[TOKENS] Failed to persist refreshed credentials, continuing with in-memory token")
	}

	newExpiry, _ := fresh.TokenExpiry()
	logrus.WithFields(logrus.Fields{
		"account_id":     accountID,
		"new_expires_at": newExpiry,
	}).Info("[TOKENS] Token refreshed")
	return nil
}
