package messenger

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

// Adapter implements the page-messaging channel: outbound over the HTTP
// send API, inbound over signed webhooks handled by HandleWebhook.
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
	creds channel.MessengerCredentials
}

func (s *session) snapshot() channel.MessengerCredentials {
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
	return channel.ChannelTypeMessenger
}

// Connect validates and verifies the page token, then registers the
// session. Reconnecting an active account refreshes its credentials
// without creating a second session.
func (a *Adapter) Connect(ctx context.Context, accountID string, creds channel.Credentials) (channel.ConnectionResult, error) {
	if err := creds.Validate(); err != nil {
		return channel.ConnectionResult{}, err
	}
	if creds.Type != channel.ChannelTypeMessenger {
		return channel.ConnectionResult{}, pkgError.ValidationError("messenger adapter got " + string(creds.Type) + " credentials")
	}

	connectCtx := ctx
	if timeout := a.opts.Settings.ConnectTimeout; timeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := a.api.verifyToken(connectCtx, creds.Messenger.AccessToken); err != nil {
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
	s.creds = *creds.Messenger
	s.mu.Unlock()

	a.opts.Bus.EmitStatus(channel.StatusEvent{
		AccountID:   accountID,
		ChannelType: channel.ChannelTypeMessenger,
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
		ChannelType: channel.ChannelTypeMessenger,
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
	logrus.Info("[MESSENGER] Adapter shut down")
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

// RefreshCredentials exchanges the page token. Called by the token
// lifecycle manager; also updates the session's own copy so in-flight
// sends pick up the new token.
func (a *Adapter) RefreshCredentials(ctx context.Context, accountID string, creds channel.Credentials) (channel.Credentials, error) {
	if creds.Messenger == nil {
		return channel.Credentials{}, pkgError.ValidationError("messenger credentials missing")
	}

	token, expiry, err := a.api.exchangeToken(ctx, creds.Messenger.PageID, creds.Messenger.AppSecret, creds.Messenger.AccessToken)
	if err != nil {
		return channel.Credentials{}, err
	}

	fresh := creds
	mc := *creds.Messenger
	mc.AccessToken = token
	mc.TokenExpiresAt = expiry
	fresh.Messenger = &mc

	a.mu.RLock()
	s, ok := a.sessions[accountID]
	a.mu.RUnlock()
	if ok {
		s.mu.Lock()
		s.creds = mc
		s.mu.Unlock()
	}
	return fresh, nil
}

// deliver runs on the per-account consumer goroutine. An auth rejection is
// retried once after an inline token refresh; a second rejection means the
// account genuinely needs re-authorization.
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

func (a *Adapter) dispatch(ctx context.Context, creds channel.MessengerCredentials, params channel.SendParams) (string, error) {
	if params.Media != nil {
		if params.Media.Caption != "" {
			// The send API has no caption field; captions go as a
			// follow-up text message.
			if _, err := a.api.sendText(ctx, creds.AccessToken, params.ChatID, params.Media.Caption); err != nil {
				logrus.WithError(err).Warn("[MESSENGER] Caption send failed, continuing with attachment")
			}
		}
		return a.api.sendAttachment(ctx, creds.AccessToken, params.ChatID, attachmentType(params.Media.MimeType), params.Media.URL)
	}
	return a.api.sendText(ctx, creds.AccessToken, params.ChatID, params.Text)
}

func (a *Adapter) refreshSession(ctx context.Context, s *session) (channel.MessengerCredentials, error) {
	creds := s.snapshot()
	fresh, err := a.RefreshCredentials(ctx, s.accountID, channel.Credentials{
		Type:      channel.ChannelTypeMessenger,
		Messenger: &creds,
	})
	if err != nil {
		logrus.WithError(err).WithField("account_id", s.accountID).
			Warn("[MESSENGER] Inline token refresh failed")
		return channel.MessengerCredentials{}, err
	}
	if err := a.opts.Store.SaveRefreshedCredentials(ctx, s.accountID, fresh); err != nil {
		logrus.WithError(err).WithField("account_id", s.accountID).
			Error("[MESSENGER] Failed to persist refreshed credentials, continuing with in-memory token")
	}
	return *fresh.Messenger, nil
}

func attachmentType(mimeType string) string {
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
