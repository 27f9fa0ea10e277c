package whatsapp

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/omnibridge/omnibridge/domain/channel"
)

// handleEvent converts whatsmeow events into the gateway's upward event
// surface. It runs on the client's event goroutine; anything slow is handed
// off.
func (a *Adapter) handleEvent(s *session, rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		s.reconnect.OnConnected()
		a.opts.Bus.EmitStatus(channel.StatusEvent{
			AccountID:   s.accountID,
			ChannelType: channel.ChannelTypeWhatsApp,
			Status:      channel.StatusConnected,
		})

	case *events.Disconnected:
		logrus.WithField("account_id", s.accountID).Warn("[WHATSAPP] Socket dropped")
		a.opts.Bus.EmitStatus(channel.StatusEvent{
			AccountID:   s.accountID,
			ChannelType: channel.ChannelTypeWhatsApp,
			Status:      channel.StatusReconnecting,
			Reason:      "transport closed",
		})
		s.reconnect.OnDisconnected()

	case *events.LoggedOut:
		s.reconnect.OnLoggedOut("logged out remotely: " + evt.Reason.String())

	case *events.StreamReplaced:
		// Another client took over the session. Retrying would just
		// steal it back and forth.
		s.reconnect.OnLoggedOut("stream replaced by another client")

	case *events.PairSuccess:
		logrus.WithFields(logrus.Fields{
			"account_id": s.accountID,
			"jid":        evt.ID.String(),
		}).Info("[WHATSAPP] Paired with device")

	case *events.Message:
		msg, ok := normalizeMessage(s.accountID, evt)
		if !ok {
			return
		}
		a.opts.OnMessage(msg)

	case *events.Receipt:
		a.handleReceipt(s, evt)

	case *events.HistorySync:
		a.handleHistorySync(s, evt)
	}
}

func (a *Adapter) handleReceipt(s *session, evt *events.Receipt) {
	var status string
	switch evt.Type {
	case types.ReceiptTypeDelivered:
		status = channel.DeliveryDelivered
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
		status = channel.DeliveryRead
	default:
		return
	}

	ctx := context.Background()
	for _, id := range evt.MessageIDs {
		if err := a.opts.Store.RecordDeliveryStatus(ctx, channel.ChannelTypeWhatsApp, id, status); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"account_id": s.accountID,
				"message_id": id,
			}).Debug("[WHATSAPP] Failed to record delivery status")
		}
	}
}
