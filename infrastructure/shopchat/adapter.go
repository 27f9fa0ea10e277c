package shopchat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/omnibridge/omnibridge/core/config"
	"github.com/omnibridge/omnibridge/domain/channel"
	"github.com/omnibridge/omnibridge/domain/storage"
	pkgError "github.com/omnibridge/omnibridge/pkg/error"
	"github.com/omnibridge/omnibridge/pkg/outbound"
	"github.com/omnibridge/omnibridge/pkg/ratelimit"
)

// Options wires the adapter into the gateway's shared services.
type Options struct {
	Settings config.ChannelSettings
	Store    storage.Store
	Bus      *channel.EventBus
	// OnMessage is the gateway funnel for normalized inbound messages.
	OnMessage func(channel.IncomingMessage)
}

// Adapter implements the commerce-chat channel: outbound over the bearer
// API with per-buyer pacing, inbound over timestamped signed webhooks.
// The network issues rotating access/refresh token pairs, so the adapter
// participates in the token lifecycle via RefreshCredentials.
type Adapter struct {
	opts     Options
	api      *apiClient
	governor *ratelimit.Governor
	queue    *outbound.Queue

	mu       sync.RWMutex
	sessions map[string]*session
}

type session struct {
	accountID string

	mu    sync.Mutex
	creds channel.ShopChatCredentials
}

func (s *session) snapshot() channel.ShopChatCredentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

func NewAdapter(opts Options) *Adapter {
	a := &Adapter{
		opts:     opts,
		api:      newAPIClient(opts.Settings.BaseURL, opts.Settings.TokenURL),
		governor: ratelimit.NewGovernor(opts.Settings.RatePolicy()),
		sessions: make(map[string]*session),
	}
	a.queue = outbound.NewQueue(a.deliver)
	return a
}

func (a *Adapter) Type() channel.ChannelType {
	return channel.ChannelTypeShopChat
}

// Connect validates, probes the shop profile with the access token, then
// registers the session. Reconnecting an active account swaps in the new
// credentials without creating a second session.
func (a *Adapter) Connect(ctx context.Context, accountID string, creds channel.Credentials) (channel.ConnectionResult, error) {
	if err := creds.Validate(); err != nil {
		return channel.ConnectionResult{}, err
	}
	if creds.Type != channel.ChannelTypeShopChat {
		return channel.ConnectionResult{}, pkgError.ValidationError("shopchat adapter got " + string(creds.Type) + " credentials")
	}

	connectCtx := ctx
	if timeout := a.opts.Settings.ConnectTimeout; timeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := a.api.verifyToken(connectCtx, creds.ShopChat.AccessToken, creds.ShopChat.ShopID); err != nil {
		return channel.ConnectionResult{}, err
	}

	a.mu.Lock()
	s, existed := a.sessions[accountID]
	if !existed {
		s = &session{accountID: accountID}
		a.sessions[accountID] = s
	}
	a.mu.Unlock()

	s.mu.Lock()
	s.creds = *creds.ShopChat
	s.mu.Unlock()

	a.opts.Bus.EmitStatus(channel.StatusEvent{
		AccountID:   accountID,
		ChannelType: channel.ChannelTypeShopChat,
		Status:      channel.StatusConnected,
	})

	reason := ""
	if existed {
		reason = "already connected"
	}
	return channel.ConnectionResult{
		AccountID: accountID,
		Status:    channel.StatusConnected,
		Reason:    reason,
	}, nil
}

func (a *Adapter) Disconnect(_ context.Context, accountID string) error {
	a.mu.Lock()
	_, ok := a.sessions[accountID]
	delete(a.sessions, accountID)
	a.mu.Unlock()
	if !ok {
		return nil
	}

	a.queue.CloseAccount(accountID)
	a.governor.ReleaseAccount(accountID)
	a.opts.Bus.EmitStatus(channel.StatusEvent{
		AccountID:   accountID,
		ChannelType: channel.ChannelTypeShopChat,
		Status:      channel.StatusDisconnected,
		Reason:      "disconnected by request",
	})
	return nil
}

func (a *Adapter) Shutdown(_ context.Context) error {
	a.mu.Lock()
	a.sessions = make(map[string]*session)
	a.mu.Unlock()
	a.queue.Close()
	logrus.Info("[SHOPCHAT] Adapter shut down")
	return nil
}

func (a *Adapter) SendMessage(ctx context.Context, params channel.SendParams) (channel.SendResult, error) {
	priority := outbound.PriorityNormal
	if params.ReplyToMessageID != "" {
		priority = outbound.PriorityReply
	}
	return a.queue.Enqueue(ctx, params, priority)
}

func (a *Adapter) SendMedia(ctx context.Context, params channel.SendParams) (channel.SendResult, error) {
	if params.Media == nil || params.Media.URL == "" {
		return channel.SendResult{}, pkgError.ValidationError("this channel sends media by hosted URL")
	}
	return a.queue.Enqueue(ctx, params, outbound.PriorityNormal)
}

func (a *Adapter) GetStatus(accountID string) channel.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if _, ok := a.sessions[accountID]; ok {
		return channel.StatusConnected
	}
	return channel.StatusDisconnected
}

func (a *Adapter) IsConnected(accountID string) bool {
	return a.GetStatus(accountID) == channel.StatusConnected
}

func (a *Adapter) GetActiveAccounts() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		out = append(out, id)
	}
	return out
}

// RefreshCredentials rotates the access/refresh pair. The network consumes
// the old refresh token on exchange, so the session's in-memory copy is
// updated before the caller gets a chance to persist; a crash between the
// two loses only the durable copy, not the live session.
func (a *Adapter) RefreshCredentials(ctx context.Context, accountID string, creds channel.Credentials) (channel.Credentials, error) {
	if creds.ShopChat == nil {
		return channel.Credentials{}, pkgError.ValidationError("shopchat credentials missing")
	}

	access, refresh, expiry, err := a.api.refreshTokens(ctx, creds.ShopChat.ShopID, creds.ShopChat.RefreshToken)
	if err != nil {
		return channel.Credentials{}, err
	}

	fresh := creds
	sc := *creds.ShopChat
	sc.AccessToken = access
	sc.RefreshToken = refresh
	sc.TokenExpiresAt = expiry
	fresh.ShopChat = &sc

	a.mu.RLock()
	s, ok := a.sessions[accountID]
	a.mu.RUnlock()
	if ok {
		s.mu.Lock()
		s.creds = sc
		s.mu.Unlock()
	}
	return fresh, nil
}

// deliver runs on the per-account consumer goroutine. An auth rejection is
// retried once after an inline pair rotation.
func (a *Adapter) deliver(ctx context.Context, params channel.SendParams) (channel.SendResult, error) {
	a.mu.RLock()
	s, ok := a.sessions[params.AccountID]
	a.mu.RUnlock()
	if !ok {
		return channel.SendResult{}, pkgError.NotFoundError("no session for account " + params.AccountID)
	}

	if err := a.governor.Acquire(ctx, params.AccountID, params.ChatID); err != nil {
		return channel.SendResult{Retryable: true}, pkgError.TransientError("rate wait aborted: " + err.Error())
	}

	id, err := a.dispatch(ctx, s.snapshot(), params)
	if err != nil {
		var authErr pkgError.AuthError
		if errors.As(err, &authErr) {
			if refreshed, rErr := a.refreshSession(ctx, s); rErr == nil {
				id, err = a.dispatch(ctx, refreshed, params)
			}
		}
	}
	if err != nil {
		return channel.SendResult{Retryable: pkgError.IsRetryable(err)}, err
	}

	return channel.SendResult{MessageID: id, Timestamp: time.Now()}, nil
}

func (a *Adapter) dispatch(ctx context.Context, creds channel.ShopChatCredentials, params channel.SendParams) (string, error) {
	req := sendRequest{
		ConversationID: params.ChatID,
		ReplyToID:      params.ReplyToMessageID,
	}
	if params.Media != nil {
		req.MessageType = messageType(params.Media.MimeType)
		req.MediaURL = params.Media.URL
		req.Text = params.Media.Caption
	} else {
		req.MessageType = "text"
		req.Text = params.Text
	}
	return a.api.sendMessage(ctx, creds.AccessToken, req)
}

func (a *Adapter) refreshSession(ctx context.Context, s *session) (channel.ShopChatCredentials, error) {
	creds := s.snapshot()
	fresh, err := a.RefreshCredentials(ctx, s.accountID, channel.Credentials{
		Type:     channel.ChannelTypeShopChat,
		ShopChat: &creds,
	})
	if err != nil {
		logrus.WithError(err).WithField("account_id", s.accountID).
			Warn("[SHOPCHAT] Inline token rotation failed")
		return channel.ShopChatCredentials{}, err
	}
	if err := a.opts.Store.SaveRefreshedCredentials(ctx, s.accountID, fresh); err != nil {
		logrus.WithError(err).WithField("account_id", s.accountID).
			Error("[SHOPCHAT] Failed to persist rotated token pair, continuing with in-memory pair")
	}
	return *fresh.ShopChat, nil
}

func messageType(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	default:
		return "file"
	}
}
