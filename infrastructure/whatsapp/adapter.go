package whatsapp

import (
	"context"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"

	"github.com/omnibridge/omnibridge/core/config"
	"github.com/omnibridge/omnibridge/domain/channel"
	"github.com/omnibridge/omnibridge/domain/storage"
	"github.com/omnibridge/omnibridge/gateway/syncsched"
	"github.com/omnibridge/omnibridge/pkg/outbound"
	"github.com/omnibridge/omnibridge/pkg/ratelimit"
)

// Options wires the adapter into the gateway's shared services.
type Options struct {
	Settings     config.ChannelSettings
	StoragesPath string
	Store        storage.Store
	Bus          *channel.EventBus
	Scheduler    *syncsched.Scheduler
	// OnMessage is the gateway funnel for normalized inbound messages.
	OnMessage func(channel.IncomingMessage)
}

// Adapter runs one whatsmeow client per account. Device state lives in a
// per-account sqlite container under StoragesPath, so a restart resumes
// sessions without pairing again.
type Adapter struct {
	opts     Options
	governor *ratelimit.Governor
	queue    *outbound.Queue

	mu       sync.RWMutex
	sessions map[string]*session
}

type session struct {
	accountID string
	client    *whatsmeow.Client
	container *sqlstore.Container
	reconnect *reconnector
	handlerID uint32

	mu        sync.Mutex
	loggedOut bool
	syncStop  context.CancelFunc
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
	return channel.ChannelTypeWhatsApp
}

func (a *Adapter) session(accountID string) (*session, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.sessions[accountID]
	return s, ok
}

func (a *Adapter) GetStatus(accountID string) channel.Status {
	s, ok := a.session(accountID)
	if !ok || s.client == nil {
		return channel.StatusDisconnected
	}
	s.mu.Lock()
	loggedOut := s.loggedOut
	s.mu.Unlock()
	if loggedOut {
		return channel.StatusDisconnected
	}
	if !s.client.IsConnected() {
		return channel.StatusReconnecting
	}
	if !s.client.IsLoggedIn() {
		return channel.StatusConnecting
	}
	return channel.StatusConnected
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

// parseJID converts a chat id to a JID, defaulting plain numbers to the
// user server.
func parseJID(chatID string) (types.JID, error) {
	if strings.Contains(chatID, "@") {
		return types.ParseJID(chatID)
	}
	return types.NewJID(chatID, types.DefaultUserServer), nil
}
