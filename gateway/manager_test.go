package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnibridge/omnibridge/core/config"
	"github.com/omnibridge/omnibridge/domain/channel"
	"github.com/omnibridge/omnibridge/domain/storage"
	"github.com/omnibridge/omnibridge/gateway/tokens"
	"github.com/omnibridge/omnibridge/infrastructure/dedup"
	pkgError "github.com/omnibridge/omnibridge/pkg/error"
	"github.com/omnibridge/omnibridge/pkg/msgworker"
	"github.com/omnibridge/omnibridge/pkg/webhooksig"
)

type fakeAdapter struct {
	chType channel.ChannelType

	mu           sync.Mutex
	sessions     map[string]bool
	connectCalls int
	sent         []channel.SendParams
	shutdowns    int
}

func newFakeAdapter(t channel.ChannelType) *fakeAdapter {
	return &fakeAdapter{chType: t, sessions: make(map[string]bool)}
}

func (f *fakeAdapter) Type() channel.ChannelType { return f.chType }

func (f *fakeAdapter) Connect(_ context.Context, accountID string, _ channel.Credentials) (channel.ConnectionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.sessions[accountID] {
		return channel.ConnectionResult{AccountID: accountID, Status: channel.StatusConnected, Reason: "already connected"}, nil
	}
	f.sessions[accountID] = true
	return channel.ConnectionResult{AccountID: accountID, Status: channel.StatusConnected}, nil
}

func (f *fakeAdapter) Disconnect(_ context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, accountID)
	return nil
}

func (f *fakeAdapter) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	f.sessions = make(map[string]bool)
	return nil
}

func (f *fakeAdapter) SendMessage(_ context.Context, params channel.SendParams) (channel.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, params)
	return channel.SendResult{MessageID: "m1", Timestamp: time.Now()}, nil
}

func (f *fakeAdapter) SendMedia(ctx context.Context, params channel.SendParams) (channel.SendResult, error) {
	return f.SendMessage(ctx, params)
}

func (f *fakeAdapter) GetStatus(accountID string) channel.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessions[accountID] {
		return channel.StatusConnected
	}
	return channel.StatusDisconnected
}

func (f *fakeAdapter) IsConnected(accountID string) bool {
	return f.GetStatus(accountID) == channel.StatusConnected
}

func (f *fakeAdapter) GetActiveAccounts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sessions))
	for id := range f.sessions {
		out = append(out, id)
	}
	return out
}

func (f *fakeAdapter) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

type nullStore struct{}

func (nullStore) SaveRefreshedCredentials(context.Context, string, channel.Credentials) error {
	return nil
}
func (nullStore) RecordMessage(context.Context, channel.IncomingMessage) error { return nil }
func (nullStore) RecordDeliveryStatus(context.Context, channel.ChannelType, string, string) error {
	return nil
}
func (nullStore) UpsertContact(context.Context, storage.Contact) error { return nil }
func (nullStore) UpsertGroup(context.Context, storage.Group) error     { return nil }
func (nullStore) GetCachedMessageByChannelID(context.Context, channel.ChannelType, string) (*channel.IncomingMessage, error) {
	return nil, nil
}

func newTestManager(t *testing.T) (*Manager, Deps) {
	t.Helper()
	bus := channel.NewEventBus()
	pool := msgworker.NewMessageWorkerPool(2, 32)
	pool.Start(context.Background())
	deps := Deps{
		Store:   nullStore{},
		Bus:     bus,
		Secrets: webhooksig.NewRegistry(),
		Tokens: tokens.NewManager(nullStore{}, bus, config.TokensConfig{
			EagerBuffer:   5 * time.Minute,
			SweepBuffer:   30 * time.Minute,
			SweepInterval: time.Hour,
		}),
		Pool:  pool,
		Dedup: dedup.NewMemoryCache(time.Minute),
	}
	return NewManager(deps), deps
}

func telegramCreds() channel.Credentials {
	return channel.Credentials{
		Type:     channel.ChannelTypeTelegram,
		Telegram: &channel.TelegramCredentials{BotToken: "123:abc"},
	}
}

func messengerCreds() channel.Credentials {
	return channel.Credentials{
		Type: channel.ChannelTypeMessenger,
		Messenger: &channel.MessengerCredentials{
			PageID:      "page-1",
			AccessToken: "tok",
			AppSecret:   "app-secret",
		},
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	tg := newFakeAdapter(channel.ChannelTypeTelegram)
	m.RegisterAdapter(tg)

	r1, err := m.Connect(context.Background(), "acc-1", telegramCreds())
	require.NoError(t, err)
	assert.Equal(t, channel.StatusConnected, r1.Status)

	r2, err := m.Connect(context.Background(), "acc-1", telegramCreds())
	require.NoError(t, err)
	assert.Equal(t, channel.StatusConnected, r2.Status)

	assert.Equal(t, 1, tg.sessionCount(), "second connect must not create a duplicate session")
}

func TestConnectValidatesBeforeAdapter(t *testing.T) {
	m, _ := newTestManager(t)
	tg := newFakeAdapter(channel.ChannelTypeTelegram)
	m.RegisterAdapter(tg)

	_, err := m.Connect(context.Background(), "acc-1", channel.Credentials{
		Type:     channel.ChannelTypeTelegram,
		Telegram: &channel.TelegramCredentials{},
	})
	require.Error(t, err)
	var vErr pkgError.ValidationError
	assert.ErrorAs(t, err, &vErr)
	assert.Zero(t, tg.connectCalls, "invalid credentials must fail before any adapter call")
}

func TestConnectRejectsChannelRebind(t *testing.T) {
	m, _ := newTestManager(t)
	m.RegisterAdapter(newFakeAdapter(channel.ChannelTypeTelegram))
	m.RegisterAdapter(newFakeAdapter(channel.ChannelTypeMessenger))

	_, err := m.Connect(context.Background(), "acc-1", telegramCreds())
	require.NoError(t, err)

	_, err = m.Connect(context.Background(), "acc-1", messengerCreds())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already bound")
}

func TestConnectRegistersWebhookSecret(t *testing.T) {
	m, deps := newTestManager(t)
	m.RegisterAdapter(newFakeAdapter(channel.ChannelTypeMessenger))

	_, err := m.Connect(context.Background(), "page-acc", messengerCreds())
	require.NoError(t, err)

	v := webhooksig.NewVerifier(deps.Secrets, 0)
	body := []byte(`{"object":"page"}`)
	require.NoError(t, v.VerifySharedSecret("page-acc", webhooksig.Sign("app-secret", body), body))

	require.NoError(t, m.Disconnect(context.Background(), "page-acc"))
	assert.Error(t, v.VerifySharedSecret("page-acc", webhooksig.Sign("app-secret", body), body),
		"secret must be forgotten on disconnect")
}

func TestSendRoutesToOwningAdapter(t *testing.T) {
	m, _ := newTestManager(t)
	tg := newFakeAdapter(channel.ChannelTypeTelegram)
	ms := newFakeAdapter(channel.ChannelTypeMessenger)
	m.RegisterAdapter(tg)
	m.RegisterAdapter(ms)

	_, err := m.Connect(context.Background(), "tg-acc", telegramCreds())
	require.NoError(t, err)
	_, err = m.Connect(context.Background(), "ms-acc", messengerCreds())
	require.NoError(t, err)

	_, err = m.SendMessage(context.Background(), channel.SendParams{AccountID: "tg-acc", ChatID: "c", Text: "hi"})
	require.NoError(t, err)

	assert.Len(t, tg.sent, 1)
	assert.Empty(t, ms.sent)
}

func TestSendToUnknownAccountFails(t *testing.T) {
	m, _ := newTestManager(t)
	m.RegisterAdapter(newFakeAdapter(channel.ChannelTypeTelegram))

	_, err := m.SendMessage(context.Background(), channel.SendParams{AccountID: "ghost", Text: "hi"})
	require.Error(t, err)
	var nfErr pkgError.NotFoundError
	assert.ErrorAs(t, err, &nfErr)
}

func TestGetActiveAccounts(t *testing.T) {
	m, _ := newTestManager(t)
	m.RegisterAdapter(newFakeAdapter(channel.ChannelTypeTelegram))
	m.RegisterAdapter(newFakeAdapter(channel.ChannelTypeMessenger))

	_, _ = m.Connect(context.Background(), "tg-acc", telegramCreds())
	_, _ = m.Connect(context.Background(), "ms-acc", messengerCreds())

	accounts := m.GetActiveAccounts()
	require.Len(t, accounts, 2)
	byID := map[string]AccountInfo{}
	for _, a := range accounts {
		byID[a.AccountID] = a
	}
	assert.Equal(t, channel.ChannelTypeTelegram, byID["tg-acc"].ChannelType)
	assert.Equal(t, channel.StatusConnected, byID["ms-acc"].Status)
}

func TestShutdownSafeWithZeroSessions(t *testing.T) {
	m, _ := newTestManager(t)
	tg := newFakeAdapter(channel.ChannelTypeTelegram)
	m.RegisterAdapter(tg)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, 1, tg.shutdowns)
}

func TestShutdownFansOutToAllAdapters(t *testing.T) {
	m, _ := newTestManager(t)
	tg := newFakeAdapter(channel.ChannelTypeTelegram)
	ms := newFakeAdapter(channel.ChannelTypeMessenger)
	m.RegisterAdapter(tg)
	m.RegisterAdapter(ms)

	_, _ = m.Connect(context.Background(), "tg-acc", telegramCreds())
	_, _ = m.Connect(context.Background(), "ms-acc", messengerCreds())

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, 1, tg.shutdowns)
	assert.Equal(t, 1, ms.shutdowns)
	assert.Empty(t, m.GetActiveAccounts())
}

func TestHandleIncomingDropsDuplicates(t *testing.T) {
	m, deps := newTestManager(t)

	var mu sync.Mutex
	var received []channel.IncomingMessage
	deps.Bus.OnIncomingMessage(func(msg channel.IncomingMessage) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	})

	msg := channel.IncomingMessage{
		ChannelType:      channel.ChannelTypeMessenger,
		ChannelAccountID: "page-acc",
		ChannelMessageID: "mid.1",
		ChatID:           "conv-1",
		ContentType:      channel.ContentTypeText,
		Content:          "hello",
	}

	m.HandleIncoming(msg)
	m.HandleIncoming(msg)

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, received, 1, "redelivered message must be processed once")
}

func TestHandleIncomingSaturatedPoolAdmitsRedelivery(t *testing.T) {
	// A delivery dropped by a full pool must leave the dedup key unmarked,
	// so the network's redelivery of the same event gets through.
	bus := channel.NewEventBus()
	pool := msgworker.NewMessageWorkerPool(1, 1)
	pool.Start(context.Background())
	deps := Deps{
		Store:   nullStore{},
		Bus:     bus,
		Secrets: webhooksig.NewRegistry(),
		Tokens: tokens.NewManager(nullStore{}, bus, config.TokensConfig{
			EagerBuffer:   5 * time.Minute,
			SweepBuffer:   30 * time.Minute,
			SweepInterval: time.Hour,
		}),
		Pool:  pool,
		Dedup: dedup.NewMemoryCache(time.Minute),
	}
	m := NewManager(deps)

	release := make(chan struct{})
	var mu sync.Mutex
	var received []string
	bus.OnIncomingMessage(func(msg channel.IncomingMessage) {
		mu.Lock()
		received = append(received, msg.ChannelMessageID)
		mu.Unlock()
		<-release
	})

	mk := func(id string) channel.IncomingMessage {
		return channel.IncomingMessage{
			ChannelType:      channel.ChannelTypeMessenger,
			ChannelAccountID: "page-acc",
			ChannelMessageID: id,
			ChatID:           "conv-1",
			ContentType:      channel.ContentTypeText,
		}
	}

	m.HandleIncoming(mk("mid.a"))
	time.Sleep(30 * time.Millisecond) // worker picks up mid.a and blocks
	m.HandleIncoming(mk("mid.b"))     // fills the shard queue
	m.HandleIncoming(mk("mid.c"))     // dropped

	seen, err := deps.Dedup.Seen(context.Background(), mk("mid.c").DedupKey())
	require.NoError(t, err)
	assert.False(t, seen, "dropped message must not poison its redelivery")

	close(release)
	time.Sleep(50 * time.Millisecond)
	m.HandleIncoming(mk("mid.c"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, id := range received {
			if id == "mid.c" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "redelivery must be processed")
}

func TestHandleIncomingSynthesizesMissingID(t *testing.T) {
	m, deps := newTestManager(t)

	done := make(chan channel.IncomingMessage, 1)
	deps.Bus.OnIncomingMessage(func(msg channel.IncomingMessage) {
		done <- msg
	})

	m.HandleIncoming(channel.IncomingMessage{
		ChannelType:      channel.ChannelTypeShopChat,
		ChannelAccountID: "shop-1",
		ChatID:           "buyer-1",
		Content:          "order?",
	})

	select {
	case msg := <-done:
		assert.NotEmpty(t, msg.ChannelMessageID)
	case <-time.After(time.Second):
		t.Fatal("message never processed")
	}
}
