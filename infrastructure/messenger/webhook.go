package messenger

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/omnibridge/omnibridge/domain/channel"
	pkgError "github.com/omnibridge/omnibridge/pkg/error"
	"github.com/omnibridge/omnibridge/pkg/timeutils"
)

// webhookPayload is the envelope the network POSTs: a batch of entries,
// each carrying messaging events for one page. Timestamps are millisecond
// epochs.
type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string           `json:"id"`
		Time      int64            `json:"time"`
		Messaging []messagingEvent `json:"messaging"`
	} `json:"entry"`
}

type messagingEvent struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64 `json:"timestamp"`
	Message   *struct {
		MID         string `json:"mid"`
		Text        string `json:"text"`
		IsEcho      bool   `json:"is_echo"`
		ReplyTo     *struct {
			MID string `json:"mid"`
		} `json:"reply_to"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
	Delivery *struct {
		MIDs []string `json:"mids"`
	} `json:"delivery"`
	Read *struct {
		Watermark int64 `json:"watermark"`
	} `json:"read"`

	// raw is the event exactly as the network delivered it, carried into
	// IncomingMessage.RawPayload.
	raw []byte
}

func (e *messagingEvent) UnmarshalJSON(data []byte) error {
	type plain messagingEvent
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = messagingEvent(p)
	e.raw = append([]byte(nil), data...)
	return nil
}

// HandleWebhook processes one verified webhook body for accountID. Message
// events are normalized into the gateway funnel; delivery receipts are
// recorded against previously sent messages. The caller has already checked
// the signature.
func (a *Adapter) HandleWebhook(accountID string, body []byte) error {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return pkgError.ValidationError("malformed webhook payload: " + err.Error())
	}

	for _, entry := range payload.Entry {
		for _, evt := range entry.Messaging {
			a.handleMessagingEvent(accountID, evt)
		}
	}
	return nil
}

func (a *Adapter) handleMessagingEvent(accountID string, evt messagingEvent) {
	switch {
	case evt.Message != nil:
		if evt.Message.IsEcho {
			// Echoes of our own sends; delivery state comes through
			// receipts, not echoes.
			return
		}
		a.opts.OnMessage(normalizeWebhookMessage(accountID, evt))

	case evt.Delivery != nil:
		ctx := context.Background()
		for _, mid := range evt.Delivery.MIDs {
			if err := a.opts.Store.RecordDeliveryStatus(ctx, channel.ChannelTypeMessenger, mid, channel.DeliveryDelivered); err != nil {
				logrus.WithError(err).WithField("account_id", accountID).
					Debug("[MESSENGER] Failed to record delivery receipt")
			}
		}
	}
}

func normalizeWebhookMessage(accountID string, evt messagingEvent) channel.IncomingMessage {
	m := evt.Message
	msg := channel.IncomingMessage{
		ChannelType:      channel.ChannelTypeMessenger,
		ChannelAccountID: accountID,
		ChannelMessageID: m.MID,
		ChatID:           evt.Sender.ID,
		SenderID:         evt.Sender.ID,
		ContentType:      channel.ContentTypeText,
		Content:          m.Text,
		Timestamp:        timeutils.EpochOrNow(evt.Timestamp),
		RawPayload:       evt.raw,
	}
	if m.ReplyTo != nil {
		msg.ReplyToMessageID = m.ReplyTo.MID
	}
	if len(m.Attachments) > 0 {
		att := m.Attachments[0]
		msg.MediaURL = att.Payload.URL
		switch att.Type {
		case "image":
			msg.ContentType = channel.ContentTypeImage
		case "video":
			msg.ContentType = channel.ContentTypeVideo
		case "audio":
			msg.ContentType = channel.ContentTypeAudio
		case "file":
			msg.ContentType = channel.ContentTypeDocument
		case "location":
			msg.ContentType = channel.ContentTypeLocation
		default:
			msg.ContentType = channel.ContentTypeUnknown
		}
	}
	if msg.ChannelMessageID == "" {
		msg.ChannelMessageID = channel.SynthesizeMessageID()
	}
	return msg
}
