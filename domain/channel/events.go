package channel

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// StatusEvent reports a session's connection state transition upward.
type StatusEvent struct {
	AccountID   string      `json:"account_id"`
	ChannelType ChannelType `json:"channel_type"`
	Status      Status      `json:"status"`
	Reason      string      `json:"reason,omitempty"`
	At          time.Time   `json:"at"`
}

// PairingEvent carries a QR code or pairing code for the session channel.
type PairingEvent struct {
	AccountID   string      `json:"account_id"`
	ChannelType ChannelType `json:"channel_type"`
	QRCode      string      `json:"qr_code,omitempty"`
	PairingCode string      `json:"pairing_code,omitempty"`
}

// SyncProgress reports background enrichment progress.
type SyncProgress struct {
	AccountID string  `json:"account_id"`
	Kind      string  `json:"kind"`
	Processed int     `json:"processed"`
	Total     int     `json:"total"`
	Percent   float64 `json:"percent"`
}

// EventBus is the upward-facing event interface the rest of the application
// subscribes to. Handlers run synchronously on the emitting goroutine;
// subscribers that need to block should hand off to their own worker.
type EventBus struct {
	mu               sync.RWMutex
	statusHandlers   []func(StatusEvent)
	messageHandlers  []func(IncomingMessage)
	pairingHandlers  []func(PairingEvent)
	progressHandlers []func(SyncProgress)
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

func (b *EventBus) OnConnectionStatus(h func(StatusEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusHandlers = append(b.statusHandlers, h)
}

func (b *EventBus) OnIncomingMessage(h func(IncomingMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messageHandlers = append(b.messageHandlers, h)
}

func (b *EventBus) OnPairing(h func(PairingEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pairingHandlers = append(b.pairingHandlers, h)
}

func (b *EventBus) OnSyncProgress(h func(SyncProgress)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.progressHandlers = append(b.progressHandlers, h)
}

func (b *EventBus) EmitStatus(evt StatusEvent) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	b.mu.RLock()
	handlers := b.statusHandlers
	b.mu.RUnlock()
	for _, h := range handlers {
		b.safeCall(func() { h(evt) })
	}
}

func (b *EventBus) EmitMessage(msg IncomingMessage) {
	b.mu.RLock()
	handlers := b.messageHandlers
	b.mu.RUnlock()
	for _, h := range handlers {
		b.safeCall(func() { h(msg) })
	}
}

func (b *EventBus) EmitPairing(evt PairingEvent) {
	b.mu.RLock()
	handlers := b.pairingHandlers
	b.mu.RUnlock()
	for _, h := range handlers {
		b.safeCall(func() { h(evt) })
	}
}

func (b *EventBus) EmitSyncProgress(p SyncProgress) {
	b.mu.RLock()
	handlers := b.progressHandlers
	b.mu.RUnlock()
	for _, h := range handlers {
		b.safeCall(func() { h(p) })
	}
}

// A panicking subscriber must not take the adapter event loop down with it.
func (b *EventBus) safeCall(f func()) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("[EVENTBUS] Subscriber panic: %v", r)
		}
	}()
	f()
}
