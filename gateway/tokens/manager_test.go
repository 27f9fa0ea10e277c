package tokens

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnibridge/omnibridge/core/config"
	"github.com/omnibridge/omnibridge/domain/channel"
	"github.com/omnibridge/omnibridge/domain/storage"
)

type fakeStore struct {
	mu        sync.Mutex
	saved     []channel.Credentials
	saveErr   error
	saveCalls int
}

func (f *fakeStore) SaveRefreshedCredentials(_ context.Context, _ string, creds channel.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls++
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, creds)
	return nil
}

func (f *fakeStore) RecordMessage(context.Context, channel.IncomingMessage) error { return nil }
func (f *fakeStore) RecordDeliveryStatus(context.Context, channel.ChannelType, string, string) error {
	return nil
}
func (f *fakeStore) UpsertContact(context.Context, storage.Contact) error { return nil }
func (f *fakeStore) UpsertGroup(context.Context, storage.Group) error     { return nil }
func (f *fakeStore) GetCachedMessageByChannelID(context.Context, channel.ChannelType, string) (*channel.IncomingMessage, error) {
	return nil, nil
}

func testConfig() config.TokensConfig {
	return config.TokensConfig{
		EagerBuffer:   5 * time.Minute,
		SweepBuffer:   30 * time.Minute,
		SweepInterval: 50 * time.Millisecond,
	}
}

func messengerCreds(expiresAt time.Time) channel.Credentials {
	return channel.Credentials{
		Type: channel.ChannelTypeMessenger,
		Messenger: &channel.MessengerCredentials{
			PageID:         "page-1",
			AccessToken:    "old-token",
			AppSecret:      "secret",
			TokenExpiresAt: expiresAt,
		},
	}
}

func TestEnsureFreshSkipsHealthyToken(t *testing.T) {
	store := &fakeStore{}
	m := NewManager(store, channel.NewEventBus(), testConfig())

	refreshed := false
	m.Track("acc-1", messengerCreds(time.Now().Add(time.Hour)), func(ctx context.Context, accountID string, creds channel.Credentials) (channel.Credentials, error) {
		refreshed = true
		return creds, nil
	})

	require.NoError(t, m.EnsureFresh(context.Background(), "acc-1"))
	assert.False(t, refreshed, "healthy token must not be refreshed")
	assert.Zero(t, store.saveCalls)
}

func TestEnsureFreshRefreshesExpiringToken(t *testing.T) {
	store := &fakeStore{}
	m := NewManager(store, channel.NewEventBus(), testConfig())

	newExpiry := time.Now().Add(2 * time.Hour)
	m.Track("acc-1", messengerCreds(time.Now().Add(time.Minute)), func(ctx context.Context, accountID string, creds channel.Credentials) (channel.Credentials, error) {
		out := creds
		mc := *creds.Messenger
		mc.AccessToken = "new-token"
		mc.TokenExpiresAt = newExpiry
		out.Messenger = &mc
		return out, nil
	})

	require.NoError(t, m.EnsureFresh(context.Background(), "acc-1"))

	current, ok := m.Credentials("acc-1")
	require.True(t, ok)
	assert.Equal(t, "new-token", current.Messenger.AccessToken)
	assert.Equal(t, 1, store.saveCalls)

	// A second call sees the fresh expiry and does nothing.
	require.NoError(t, m.EnsureFresh(context.Background(), "acc-1"))
	assert.Equal(t, 1, store.saveCalls)
}

func TestRefreshSurvivesStoreFailure(t *testing.T) {
	store := &fakeStore{saveErr: errors.New("db down")}
	m := NewManager(store, channel.NewEventBus(), testConfig())

	m.Track("acc-1", messengerCreds(time.Now().Add(time.Minute)), func(ctx context.Context, accountID string, creds channel.Credentials) (channel.Credentials, error) {
		out := creds
		mc := *creds.Messenger
		mc.AccessToken = "new-token"
		mc.TokenExpiresAt = time.Now().Add(time.Hour)
		out.Messenger = &mc
		return out, nil
	})

	require.NoError(t, m.EnsureFresh(context.Background(), "acc-1"))

	// In-memory credentials updated even though the durable write failed.
	current, ok := m.Credentials("acc-1")
	require.True(t, ok)
	assert.Equal(t, "new-token", current.Messenger.AccessToken)
}

func TestRefreshFailureEmitsStatusEvent(t *testing.T) {
	store := &fakeStore{}
	bus := channel.NewEventBus()
	m := NewManager(store, bus, testConfig())

	var events []channel.StatusEvent
	var evMu sync.Mutex
	bus.OnConnectionStatus(func(evt channel.StatusEvent) {
		evMu.Lock()
		events = append(events, evt)
		evMu.Unlock()
	})

	m.Track("acc-1", messengerCreds(time.Now().Add(time.Minute)), func(ctx context.Context, accountID string, creds channel.Credentials) (channel.Credentials, error) {
		return channel.Credentials{}, errors.New("invalid_grant")
	})

	err := m.EnsureFresh(context.Background(), "acc-1")
	require.Error(t, err)

	evMu.Lock()
	defer evMu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, "acc-1", events[0].AccountID)
	assert.Equal(t, channel.StatusDisconnected, events[0].Status)
	assert.Contains(t, events[0].Reason, "re-authentication")
}

func TestNilRefreshFuncNeverRefreshes(t *testing.T) {
	store := &fakeStore{}
	m := NewManager(store, channel.NewEventBus(), testConfig())

	m.Track("bot-1", channel.Credentials{
		Type:     channel.ChannelTypeTelegram,
		Telegram: &channel.TelegramCredentials{BotToken: "123:abc"},
	}, nil)

	require.NoError(t, m.EnsureFresh(context.Background(), "bot-1"))
	assert.Zero(t, store.saveCalls)
}

func TestSweepRefreshesIdleAccounts(t *testing.T) {
	store := &fakeStore{}
	m := NewManager(store, channel.NewEventBus(), testConfig())

	var mu sync.Mutex
	refreshes := 0
	m.Track("acc-1", messengerCreds(time.Now().Add(10*time.Minute)), func(ctx context.Context, accountID string, creds channel.Credentials) (channel.Credentials, error) {
		mu.Lock()
		refreshes++
		mu.Unlock()
		out := creds
		mc := *creds.Messenger
		mc.TokenExpiresAt = time.Now().Add(2 * time.Hour)
		out.Messenger = &mc
		return out, nil
	})

	m.StartSweep()
	defer m.Stop()

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// Expiry is within the sweep buffer but outside the eager buffer, so
	// only the sweep can have triggered this, and only once.
	assert.Equal(t, 1, refreshes)
}

func TestUntrackStopsManagement(t *testing.T) {
	store := &fakeStore{}
	m := NewManager(store, channel.NewEventBus(), testConfig())

	m.Track("acc-1", messengerCreds(time.Now().Add(time.Minute)), func(ctx context.Context, accountID string, creds channel.Credentials) (channel.Credentials, error) {
		t.Fatal("untracked account must not be refreshed")
		return creds, nil
	})
	m.Untrack("acc-1")

	require.NoError(t, m.EnsureFresh(context.Background(), "acc-1"))
	_, ok := m.Credentials("acc-1")
	assert.False(t, ok)
}
