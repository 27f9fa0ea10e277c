package telegram

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"github.com/omnibridge/omnibridge/core/config"
	"github.com/omnibridge/omnibridge/domain/channel"
	"github.com/omnibridge/omnibridge/domain/storage"
	pkgError "github.com/omnibridge/omnibridge/pkg/error"
	"github.com/omnibridge/omnibridge/pkg/outbound"
	"github.com/omnibridge/omnibridge/pkg/ratelimit"
)

// Telegram caps a single message at 4096 chars; chunk below that to leave
// headroom for the boundary calculation.
const maxMessageLen = 4000

// Options wires the adapter into the gateway's shared services.
type Options struct {
	Settings config.ChannelSettings
	Store    storage.Store
	Bus      *channel.EventBus
	// APIEndpoint overrides the bot API base, mainly for tests. Empty
	// means the public endpoint.
	APIEndpoint string
	// OnMessage is the gateway funnel for normalized inbound messages.
	OnMessage func(channel.IncomingMessage)
}

// Adapter implements the bot-API channel: one long-poll loop per bot
// account, outbound through the shared pacing pipeline. Bot tokens never
// expire, so this adapter sits out the token refresh lifecycle.
type Adapter struct {
	opts     Options
	governor *ratelimit.Governor
	queue    *outbound.Queue

	mu       sync.RWMutex
	sessions map[string]*session
}

type session struct {
	accountID string
	bot       *tgbotapi.BotAPI
	stop      chan struct{}
	done      chan struct{}
}

func NewAdapter(opts Options) *Adapter {
	a := &Adapter{
		opts:     opts,
		governor: ratelimit.NewGovernor(opts.Settings.RatePolicy()),
		sessions: make(map[string]*session),
	}
	a.queue = outbound.NewQueue(a.deliver)
	return a
}

func (a *Adapter) Type() channel.ChannelType {
	return channel.ChannelTypeTelegram
}

// Connect validates the bot token against getMe and starts the long-poll
// loop. A second Connect for a live account is a no-op resume.
func (a *Adapter) Connect(_ context.Context, accountID string, creds channel.Credentials) (channel.ConnectionResult, error) {
	if err := creds.Validate(); err != nil {
		return channel.ConnectionResult{}, err
	}
	if creds.Type != channel.ChannelTypeTelegram {
		return channel.ConnectionResult{}, pkgError.ValidationError("telegram adapter got " + string(creds.Type) + " credentials")
	}

	a.mu.Lock()
	if _, exists := a.sessions[accountID]; exists {
		a.mu.Unlock()
		return channel.ConnectionResult{
			AccountID: accountID,
			Status:    channel.StatusConnected,
			Reason:    "already connected",
		}, nil
	}
	// Hold the slot so concurrent Connects for the same account cannot
	// both reach the network.
	a.sessions[accountID] = nil
	a.mu.Unlock()

	endpoint := a.opts.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(creds.Telegram.BotToken, endpoint)
	if err != nil {
		a.mu.Lock()
		delete(a.sessions, accountID)
		a.mu.Unlock()
		return channel.ConnectionResult{}, pkgError.AuthError("bot token rejected: " + err.Error())
	}

	s := &session{
		accountID: accountID,
		bot:       bot,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	a.mu.Lock()
	a.sessions[accountID] = s
	a.mu.Unlock()

	go a.pollLoop(s)

	logrus.Infof("[TELEGRAM] Account %s connected as @%s", accountID, bot.Self.UserName)
	a.opts.Bus.EmitStatus(channel.StatusEvent{
		AccountID:   accountID,
		ChannelType: channel.ChannelTypeTelegram,
		Status:      channel.StatusConnected,
	})
	return channel.ConnectionResult{
		AccountID: accountID,
		Status:    channel.StatusConnected,
	}, nil
}

// pollLoop owns the update channel for one bot. The library reconnects
// its long poll internally; the loop only ends on Disconnect/Shutdown or
// the channel closing underneath us.
func (a *Adapter) pollLoop(s *session) {
	defer close(s.done)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := s.bot.GetUpdatesChan(u)

	for {
		select {
		case <-s.stop:
			s.bot.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				logrus.Warnf("[TELEGRAM] Update stream closed for account %s", s.accountID)
				a.opts.Bus.EmitStatus(channel.StatusEvent{
					AccountID:   s.accountID,
					ChannelType: channel.ChannelTypeTelegram,
					Status:      channel.StatusDisconnected,
					Reason:      "update stream closed",
				})
				return
			}
			a.handleUpdate(s, update)
		}
	}
}

func (a *Adapter) handleUpdate(s *session, update tgbotapi.Update) {
	msg, ok := normalizeUpdate(s.accountID, s.bot.Self.ID, update)
	if !ok {
		return
	}
	if a.opts.OnMessage != nil {
		a.opts.OnMessage(msg)
	}
}

func (a *Adapter) Disconnect(_ context.Context, accountID string) error {
	a.mu.Lock()
	s, ok := a.sessions[accountID]
	delete(a.sessions, accountID)
	a.mu.Unlock()
	if !ok || s == nil {
		return nil
	}

	close(s.stop)
	<-s.done
	a.queue.CloseAccount(accountID)
	a.governor.ReleaseAccount(accountID)
	a.opts.Bus.EmitStatus(channel.StatusEvent{
		AccountID:   accountID,
		ChannelType: channel.ChannelTypeTelegram,
		Status:      channel.StatusDisconnected,
		Reason:      "disconnected by request",
	})
	return nil
}

func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	sessions := make([]*session, 0, len(a.sessions))
	for _, s := range a.sessions {
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	a.sessions = make(map[string]*session)
	a.mu.Unlock()

	for _, s := range sessions {
		close(s.stop)
	}
	for _, s := range sessions {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a.queue.Close()
	logrus.Info("[TELEGRAM] Adapter shut down")
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
	if params.Media == nil || (len(params.Media.Data) == 0 && params.Media.URL == "") {
		return channel.SendResult{}, pkgError.ValidationError("media payload is empty")
	}
	return a.queue.Enqueue(ctx, params, outbound.PriorityNormal)
}

func (a *Adapter) GetStatus(accountID string) channel.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if s, ok := a.sessions[accountID]; ok && s != nil {
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
	for id, s := range a.sessions {
		if s != nil {
			out = append(out, id)
		}
	}
	return out
}

// deliver runs on the per-account consumer goroutine.
func (a *Adapter) deliver(ctx context.Context, params channel.SendParams) (channel.SendResult, error) {
	a.mu.RLock()
	s, ok := a.sessions[params.AccountID]
	a.mu.RUnlock()
	if !ok || s == nil {
		return channel.SendResult{}, pkgError.NotFoundError("no session for account " + params.AccountID)
	}

	chatID, err := strconv.ParseInt(params.ChatID, 10, 64)
	if err != nil {
		return channel.SendResult{}, pkgError.ValidationError("chat id must be numeric: " + params.ChatID)
	}

	if err := a.governor.Acquire(ctx, params.AccountID, params.ChatID); err != nil {
		return channel.SendResult{Retryable: true}, pkgError.TransientError("rate wait aborted: " + err.Error())
	}

	if params.Media != nil {
		sent, err := s.bot.Send(mediaChattable(chatID, params))
		if err != nil {
			err = classifySendErr(err)
			return channel.SendResult{Retryable: pkgError.IsRetryable(err)}, err
		}
		return channel.SendResult{MessageID: strconv.Itoa(sent.MessageID), Timestamp: time.Now()}, nil
	}

	lastID := ""
	for _, chunk := range splitMessage(params.Text) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		if params.ReplyToMessageID != "" && lastID == "" {
			if replyID, err := strconv.Atoi(params.ReplyToMessageID); err == nil {
				msg.ReplyToMessageID = replyID
			}
		}
		sent, err := s.bot.Send(msg)
		if err != nil {
			err = classifySendErr(err)
			return channel.SendResult{Retryable: pkgError.IsRetryable(err)}, err
		}
		lastID = strconv.Itoa(sent.MessageID)
	}
	return channel.SendResult{MessageID: lastID, Timestamp: time.Now()}, nil
}

func mediaChattable(chatID int64, params channel.SendParams) tgbotapi.Chattable {
	var file tgbotapi.RequestFileData
	if len(params.Media.Data) > 0 {
		file = tgbotapi.FileBytes{Name: params.Media.FileName, Bytes: params.Media.Data}
	} else {
		file = tgbotapi.FileURL(params.Media.URL)
	}

	switch {
	case strings.HasPrefix(params.Media.MimeType, "image/"):
		m := tgbotapi.NewPhoto(chatID, file)
		m.Caption = params.Media.Caption
		return m
	case strings.HasPrefix(params.Media.MimeType, "video/"):
		m := tgbotapi.NewVideo(chatID, file)
		m.Caption = params.Media.Caption
		return m
	case strings.HasPrefix(params.Media.MimeType, "audio/"):
		m := tgbotapi.NewAudio(chatID, file)
		m.Caption = params.Media.Caption
		return m
	default:
		m := tgbotapi.NewDocument(chatID, file)
		m.Caption = params.Media.Caption
		return m
	}
}

// splitMessage chunks long text at newline boundaries where possible. A cut
// never lands mid-rune: without a usable newline it backs off to the nearest
// rune start.
func splitMessage(text string) []string {
	if text == "" {
		return []string{""}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxMessageLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := strings.LastIndex(text[:maxMessageLen], "\n")
		if cutAt < maxMessageLen/2 {
			cutAt = maxMessageLen
			for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
				cutAt--
			}
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

// classifySendErr maps bot API failures onto the gateway taxonomy. 429s
// carry a retry-after hint; 401/403 mean the token or chat is gone.
func classifySendErr(err error) error {
	if tgErr, ok := err.(*tgbotapi.Error); ok {
		switch {
		case tgErr.Code == 429 || (tgErr.ResponseParameters.RetryAfter > 0):
			return pkgError.TransientError("rate limited by network: " + tgErr.Message)
		case tgErr.Code == 401:
			return pkgError.AuthError("bot token revoked: " + tgErr.Message)
		case tgErr.Code >= 500:
			return pkgError.TransientError("network server error: " + tgErr.Message)
		default:
			return pkgError.PermanentError("send rejected: " + tgErr.Message)
		}
	}
	return pkgError.TransientError("send failed: " + err.Error())
}
