package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/omnibridge/omnibridge/domain/channel"
	"github.com/omnibridge/omnibridge/domain/storage"
	"github.com/omnibridge/omnibridge/gateway/tokens"
	"github.com/omnibridge/omnibridge/infrastructure/dedup"
	pkgError "github.com/omnibridge/omnibridge/pkg/error"
	"github.com/omnibridge/omnibridge/pkg/msgworker"
	"github.com/omnibridge/omnibridge/pkg/webhooksig"
)

// Deps are the shared services the manager wires into every adapter flow.
type Deps struct {
	Store   storage.Store
	Bus     *channel.EventBus
	Secrets *webhooksig.Registry
	Tokens  *tokens.Manager
	Pool    *msgworker.MessageWorkerPool
	Dedup   dedup.Cache
}

// Manager is the single place that knows which account lives on which
// channel. Adapters own their sessions; the manager owns the account
// routing table, the webhook secret registry, token tracking, and the
// inbound funnel every adapter reports into.
type Manager struct {
	deps Deps

	mu       sync.RWMutex
	adapters map[channel.ChannelType]channel.Adapter
	accounts map[string]channel.ChannelType

	onConnected    []func(ctx context.Context, accountID string, creds channel.Credentials)
	onDisconnected []func(ctx context.Context, accountID string)
}

func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:     deps,
		adapters: make(map[channel.ChannelType]channel.Adapter),
		accounts: make(map[string]channel.ChannelType),
	}
}

// RegisterAdapter installs a channel implementation. Called once per
// channel at startup, before any Connect.
func (m *Manager) RegisterAdapter(a channel.Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[a.Type()] = a
	logrus.Infof("[GATEWAY] Registered %s adapter", a.Type())
}

// OnConnected registers a hook invoked after every successful Connect.
// Hooks must be registered before the first Connect.
func (m *Manager) OnConnected(h func(ctx context.Context, accountID string, creds channel.Credentials)) {
	m.onConnected = append(m.onConnected, h)
}

// OnDisconnected registers a hook invoked after a deliberate Disconnect.
func (m *Manager) OnDisconnected(h func(ctx context.Context, accountID string)) {
	m.onDisconnected = append(m.onDisconnected, h)
}

// Connect brings up a session for accountID on the channel named by the
// credentials. Connecting an already-connected account is a no-op on the
// session and reports the existing state.
func (m *Manager) Connect(ctx context.Context, accountID string, creds channel.Credentials) (channel.ConnectionResult, error) {
	if accountID == "" {
		return channel.ConnectionResult{}, pkgError.ValidationError("accountID is required")
	}
	if err := creds.Validate(); err != nil {
		return channel.ConnectionResult{}, err
	}

	m.mu.Lock()
	if existing, ok := m.accounts[accountID]; ok && existing != creds.Type {
		m.mu.Unlock()
		return channel.ConnectionResult{}, pkgError.ValidationError(
			fmt.Sprintf("account %s is already bound to channel %s", accountID, existing))
	}
	adapter, ok := m.adapters[creds.Type]
	m.mu.Unlock()
	if !ok {
		return channel.ConnectionResult{}, pkgError.ValidationError(
			fmt.Sprintf("no adapter registered for channel %q", creds.Type))
	}

	result, err := adapter.Connect(ctx, accountID, creds)
	if err != nil {
		return result, err
	}

	m.mu.Lock()
	m.accounts[accountID] = creds.Type
	m.mu.Unlock()

	if secret, ok := creds.WebhookSecret(); ok {
		m.deps.Secrets.Register(accountID, secret)
	}
	m.deps.Tokens.Track(accountID, creds, refreshFuncFor(adapter))
	for _, h := range m.onConnected {
		h(ctx, accountID, creds)
	}

	logrus.WithFields(logrus.Fields{
		"account_id": accountID,
		"channel":    creds.Type,
		"status":     result.Status,
	}).Info("[GATEWAY] Account connected")
	return result, nil
}

// Disconnect tears down the account's session and forgets its routing,
// secret and token state. Unknown accounts are not an error.
func (m *Manager) Disconnect(ctx context.Context, accountID string) error {
	m.mu.Lock()
	chType, ok := m.accounts[accountID]
	if ok {
		delete(m.accounts, accountID)
	}
	adapter := m.adapters[chType]
	m.mu.Unlock()

	m.deps.Secrets.Unregister(accountID)
	m.deps.Tokens.Untrack(accountID)

	if !ok || adapter == nil {
		logrus.WithField("account_id", accountID).Debug("[GATEWAY] Disconnect for unknown account")
		return nil
	}

	if err := adapter.Disconnect(ctx, accountID); err != nil {
		return err
	}
	for _, h := range m.onDisconnected {
		h(ctx, accountID)
	}
	logrus.WithFields(logrus.Fields{
		"account_id": accountID,
		"channel":    chType,
	}).Info("[GATEWAY] Account disconnected")
	return nil
}

// SendMessage routes an outbound text send to the owning adapter, refreshing
// the account's token first when it is close to expiry.
func (m *Manager) SendMessage(ctx context.Context, params channel.SendParams) (channel.SendResult, error) {
	adapter, err := m.adapterFor(params.AccountID)
	if err != nil {
		return channel.SendResult{}, err
	}
	if err := m.deps.Tokens.EnsureFresh(ctx, params.AccountID); err != nil {
		return channel.SendResult{Retryable: false}, err
	}
	return adapter.SendMessage(ctx, params)
}

// SendMedia routes an outbound media send to the owning adapter.
func (m *Manager) SendMedia(ctx context.Context, params channel.SendParams) (channel.SendResult, error) {
	adapter, err := m.adapterFor(params.AccountID)
	if err != nil {
		return channel.SendResult{}, err
	}
	if err := m.deps.Tokens.EnsureFresh(ctx, params.AccountID); err != nil {
		return channel.SendResult{Retryable: false}, err
	}
	return adapter.SendMedia(ctx, params)
}

func (m *Manager) GetStatus(accountID string) channel.Status {
	adapter, err := m.adapterFor(accountID)
	if err != nil {
		return channel.StatusDisconnected
	}
	return adapter.GetStatus(accountID)
}

func (m *Manager) IsConnected(accountID string) bool {
	adapter, err := m.adapterFor(accountID)
	if err != nil {
		return false
	}
	return adapter.IsConnected(accountID)
}

// AccountInfo pairs a connected account with its channel and live status.
type AccountInfo struct {
	AccountID   string              `json:"account_id"`
	ChannelType channel.ChannelType `json:"channel_type"`
	Status      channel.Status      `json:"status"`
}

// GetActiveAccounts lists every account the gateway currently routes.
func (m *Manager) GetActiveAccounts() []AccountInfo {
	m.mu.RLock()
	snapshot := make(map[string]channel.ChannelType, len(m.accounts))
	for id, t := range m.accounts {
		snapshot[id] = t
	}
	adapters := make(map[channel.ChannelType]channel.Adapter, len(m.adapters))
	for t, a := range m.adapters {
		adapters[t] = a
	}
	m.mu.RUnlock()

	out := make([]AccountInfo, 0, len(snapshot))
	for id, t := range snapshot {
		status := channel.StatusDisconnected
		if a, ok := adapters[t]; ok {
			status = a.GetStatus(id)
		}
		out = append(out, AccountInfo{AccountID: id, ChannelType: t, Status: status})
	}
	return out
}

// Shutdown disconnects every account on every adapter and stops the shared
// services. Safe with zero sessions; the gateway is unusable afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	adapters := make([]channel.Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.accounts = make(map[string]channel.ChannelType)
	m.mu.Unlock()

	var firstErr error
	for _, a := range adapters {
		if err := a.Shutdown(ctx); err != nil {
			logrus.WithError(err).Errorf("[GATEWAY] %s adapter shutdown failed", a.Type())
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	m.deps.Tokens.Stop()
	m.deps.Pool.Stop()
	m.deps.Dedup.Close()
	logrus.Info("[GATEWAY] Shutdown complete")
	return firstErr
}

// HandleIncoming is the funnel every adapter pushes normalized messages
// into. It deduplicates, then hands persistence and event fan-out to the
// sharded worker pool so per-chat ordering holds without blocking the
// adapter's event loop.
func (m *Manager) HandleIncoming(msg channel.IncomingMessage) {
	if msg.ChannelMessageID == "" {
		msg.ChannelMessageID = channel.SynthesizeMessageID()
	}

	ctx := context.Background()
	seen, err := m.deps.Dedup.Seen(ctx, msg.DedupKey())
	if err != nil {
		// Dedup backend down: prefer at-least-once over dropping.
		logrus.WithError(err).Warn("[GATEWAY] Dedup check failed, processing anyway")
	} else if seen {
		logrus.WithFields(logrus.Fields{
			"channel":    msg.ChannelType,
			"message_id": msg.ChannelMessageID,
		}).Debug("[GATEWAY] Duplicate delivery dropped")
		return
	}

	dispatched := m.deps.Pool.TryDispatch(msgworker.MessageJob{
		AccountID: msg.ChannelAccountID,
		ChatID:    msg.ChatID,
		Handler: func(ctx context.Context) error {
			if err := m.deps.Store.RecordMessage(ctx, msg); err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"channel":    msg.ChannelType,
					"message_id": msg.ChannelMessageID,
				}).Error("[GATEWAY] Failed to persist message, continuing degraded")
			}
			m.deps.Bus.EmitMessage(msg)
			return nil
		},
	})
	if !dispatched {
		// Leave the key unmarked: the network's redelivery is the retry.
		logrus.WithFields(logrus.Fields{
			"account_id": msg.ChannelAccountID,
			"chat_id":    msg.ChatID,
		}).Warn("[GATEWAY] Worker pool saturated, inbound message dropped")
		return
	}

	if err := m.deps.Dedup.Mark(ctx, msg.DedupKey()); err != nil {
		// The store's unique index still collapses the duplicate.
		logrus.WithError(err).Debug("[GATEWAY] Failed to mark dedup key")
	}
}

func (m *Manager) adapterFor(accountID string) (channel.Adapter, error) {
	m.mu.RLock()
	chType, ok := m.accounts[accountID]
	adapter := m.adapters[chType]
	m.mu.RUnlock()
	if !ok || adapter == nil {
		return nil, pkgError.NotFoundError(fmt.Sprintf("account %s is not connected", accountID))
	}
	return adapter, nil
}

// TokenRefresher is implemented by adapters whose credentials expire.
type TokenRefresher interface {
	RefreshCredentials(ctx context.Context, accountID string, creds channel.Credentials) (channel.Credentials, error)
}

func refreshFuncFor(a channel.Adapter) tokens.RefreshFunc {
	if r, ok := a.(TokenRefresher); ok {
		return r.RefreshCredentials
	}
	return nil
}
