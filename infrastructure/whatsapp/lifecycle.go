package whatsapp

import (
	"context"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/omnibridge/omnibridge/domain/channel"
	pkgError "github.com/omnibridge/omnibridge/pkg/error"
	"github.com/omnibridge/omnibridge/pkg/utils"
)

// Connect brings up (or resumes) the session for accountID. A session that
// already exists is reused: reconnecting an open socket is a no-op, a
// half-open one is redialed. New devices go through a QR or pairing-code
// login surfaced on the event bus.
func (a *Adapter) Connect(ctx context.Context, accountID string, creds channel.Credentials) (channel.ConnectionResult, error) {
	if err := creds.Validate(); err != nil {
		return channel.ConnectionResult{}, err
	}

	a.mu.Lock()
	if s, ok := a.sessions[accountID]; ok {
		a.mu.Unlock()
		return a.resume(ctx, s)
	}
	// Hold the slot before any I/O so a concurrent Connect for the same
	// account cannot build a second client.
	s := &session{accountID: accountID}
	a.sessions[accountID] = s
	a.mu.Unlock()

	result, err := a.start(ctx, s, creds)
	if err != nil {
		a.mu.Lock()
		delete(a.sessions, accountID)
		a.mu.Unlock()
	}
	return result, err
}

func (a *Adapter) resume(ctx context.Context, s *session) (channel.ConnectionResult, error) {
	s.mu.Lock()
	if s.loggedOut {
		s.mu.Unlock()
		return channel.ConnectionResult{}, pkgError.AuthError("session was logged out remotely, re-pairing required")
	}
	s.mu.Unlock()

	if s.client.IsConnected() {
		return channel.ConnectionResult{
			AccountID: s.accountID,
			Status:    a.GetStatus(s.accountID),
			Reason:    "already connected",
		}, nil
	}
	if err := s.client.Connect(); err != nil {
		return channel.ConnectionResult{}, pkgError.TransientError("reconnect failed: " + err.Error())
	}
	return a.awaitReady(ctx, s)
}

func (a *Adapter) start(ctx context.Context, s *session, creds channel.Credentials) (channel.ConnectionResult, error) {
	logLevel := a.opts.Settings.LogLevel
	if logLevel == "" {
		logLevel = "ERROR"
	}
	dbDir := utils.GetChannelStoragePath(a.opts.StoragesPath, "whatsapp", s.accountID)
	dbPath := filepath.Join(dbDir, "device.db")
	dbLog := waLog.Stdout("DB-"+shortID(s.accountID), logLevel, true)

	container, err := sqlstore.New(ctx, "sqlite3", "file:"+dbPath+"?_foreign_keys=on", dbLog)
	if err != nil {
		return channel.ConnectionResult{}, pkgError.InternalServerError("failed to init device store: " + err.Error())
	}
	s.container = container

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return channel.ConnectionResult{}, pkgError.InternalServerError("failed to load device: " + err.Error())
	}
	if device == nil {
		device = container.NewDevice()
	}

	chromePlatform := waCompanionReg.DeviceProps_CHROME
	osName := "Linux"
	store.DeviceProps.PlatformType = &chromePlatform
	store.DeviceProps.Os = &osName

	clientLog := waLog.Stdout("Client-"+shortID(s.accountID), logLevel, true)
	s.client = whatsmeow.NewClient(device, clientLog)
	// Reconnection is ours: logout classification and backoff live in the
	// reconnector, not the library.
	s.client.EnableAutoReconnect = false
	s.client.AutoTrustIdentity = true

	s.reconnect = newReconnector(s.accountID, reconnectPolicy{
		Base:        a.opts.Settings.ReconnectBase,
		Max:         a.opts.Settings.ReconnectMax,
		MaxAttempts: a.opts.Settings.ReconnectMaxAttempts,
	}, s.client.Connect, func(terminal bool, reason string) {
		if terminal {
			s.mu.Lock()
			s.loggedOut = true
			s.mu.Unlock()
		}
		a.opts.Bus.EmitStatus(channel.StatusEvent{
			AccountID:   s.accountID,
			ChannelType: channel.ChannelTypeWhatsApp,
			Status:      channel.StatusDisconnected,
			Reason:      reason,
		})
	})

	s.handlerID = s.client.AddEventHandler(func(evt any) { a.handleEvent(s, evt) })

	if s.client.Store.ID == nil {
		return a.startLogin(ctx, s, creds)
	}

	if err := s.client.Connect(); err != nil {
		return channel.ConnectionResult{}, pkgError.TransientError("connect failed: " + err.Error())
	}
	return a.awaitReady(ctx, s)
}

// startLogin connects an unpaired device. The QR stream (or pairing code
// when a phone number was supplied) is published on the event bus; the call
// returns immediately with a connecting status since pairing needs a human.
func (a *Adapter) startLogin(ctx context.Context, s *session, creds channel.Credentials) (channel.ConnectionResult, error) {
	qrChan, err := s.client.GetQRChannel(ctx)
	if err != nil {
		return channel.ConnectionResult{}, pkgError.InternalServerError("failed to open QR channel: " + err.Error())
	}
	if err := s.client.Connect(); err != nil {
		return channel.ConnectionResult{}, pkgError.TransientError("connect failed: " + err.Error())
	}

	go func() {
		for item := range qrChan {
			switch item.Event {
			case "code":
				a.opts.Bus.EmitPairing(channel.PairingEvent{
					AccountID:   s.accountID,
					ChannelType: channel.ChannelTypeWhatsApp,
					QRCode:      item.Code,
				})
			case "success":
				logrus.WithField("account_id", s.accountID).Info("[WHATSAPP] Pairing successful")
			default:
				logrus.WithFields(logrus.Fields{
					"account_id": s.accountID,
					"event":      item.Event,
				}).Debug("[WHATSAPP] QR channel event")
			}
		}
	}()

	if phone := creds.WhatsApp.PhoneNumber; phone != "" {
		code, err := s.client.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
		if err != nil {
			logrus.WithError(err).WithField("account_id", s.accountID).
				Warn("[WHATSAPP] Pairing code request failed, QR login still available")
		} else {
			a.opts.Bus.EmitPairing(channel.PairingEvent{
				AccountID:   s.accountID,
				ChannelType: channel.ChannelTypeWhatsApp,
				PairingCode: code,
			})
		}
	}

	return channel.ConnectionResult{
		AccountID: s.accountID,
		Status:    channel.StatusConnecting,
		Reason:    "pairing required",
	}, nil
}

// awaitReady waits for the socket to authenticate, bounded by the configured
// connect timeout. A slow handshake is reported as still connecting, not an
// error: the session keeps warming in the background.
func (a *Adapter) awaitReady(ctx context.Context, s *session) (channel.ConnectionResult, error) {
	timeout := a.opts.Settings.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if s.client.IsConnected() && s.client.IsLoggedIn() {
			return channel.ConnectionResult{
				AccountID: s.accountID,
				Status:    channel.StatusConnected,
			}, nil
		}
		select {
		case <-ctx.Done():
			return channel.ConnectionResult{}, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}

	return channel.ConnectionResult{
		AccountID: s.accountID,
		Status:    channel.StatusConnecting,
		Reason:    "session still warming up",
	}, nil
}

// Disconnect deliberately tears the session down. The reconnector is
// stopped first so the teardown is not treated as a transport drop.
func (a *Adapter) Disconnect(_ context.Context, accountID string) error {
	a.mu.Lock()
	s, ok := a.sessions[accountID]
	if ok {
		delete(a.sessions, accountID)
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}

	a.teardown(s)
	a.opts.Bus.EmitStatus(channel.StatusEvent{
		AccountID:   accountID,
		ChannelType: channel.ChannelTypeWhatsApp,
		Status:      channel.StatusDisconnected,
		Reason:      "disconnected by request",
	})
	return nil
}

// Shutdown tears down every session. Safe with zero sessions.
func (a *Adapter) Shutdown(_ context.Context) error {
	a.mu.Lock()
	sessions := a.sessions
	a.sessions = make(map[string]*session)
	a.mu.Unlock()

	for _, s := range sessions {
		a.teardown(s)
	}
	a.queue.Close()
	logrus.Info("[WHATSAPP] Adapter shut down")
	return nil
}

func (a *Adapter) teardown(s *session) {
	if s.reconnect != nil {
		s.reconnect.Stop()
	}
	s.mu.Lock()
	if s.syncStop != nil {
		s.syncStop()
		s.syncStop = nil
	}
	s.mu.Unlock()

	if s.client != nil {
		if s.handlerID != 0 {
			s.client.RemoveEventHandler(s.handlerID)
		}
		s.client.Disconnect()
	}
	if s.container != nil {
		_ = s.container.Close()
	}

	a.queue.CloseAccount(s.accountID)
	a.governor.ReleaseAccount(s.accountID)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
