package shopchat

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/omnibridge/omnibridge/domain/channel"
	pkgError "github.com/omnibridge/omnibridge/pkg/error"
	"github.com/omnibridge/omnibridge/pkg/timeutils"
)

// webhookPayload is the envelope the network POSTs: one shop per request,
// a batch of events. Timestamps are second-resolution epochs.
type webhookPayload struct {
	ShopID string         `json:"shop_id"`
	Events []webhookEvent `json:"events"`
}

type webhookEvent struct {
	Type    string `json:"type"`
	Message *struct {
		MessageID      string `json:"message_id"`
		ConversationID string `json:"conversation_id"`
		SenderID       string `json:"sender_id"`
		SenderName     string `json:"sender_name"`
		MessageType    string `json:"message_type"`
		Text           string `json:"text"`
		MediaURL       string `json:"media_url"`
		ReplyToID      string `json:"reply_to_message_id"`
		CreatedAt      int64  `json:"created_at"`
	} `json:"message,omitempty"`
	Delivery *struct {
		MessageIDs []string `json:"message_ids"`
		Status     string   `json:"status"`
	} `json:"delivery,omitempty"`

	// raw is the event exactly as the network delivered it, carried into
	// IncomingMessage.RawPayload.
	raw []byte
}

func (e *webhookEvent) UnmarshalJSON(data []byte) error {
	type plain webhookEvent
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = webhookEvent(p)
	e.raw = append([]byte(nil), data...)
	return nil
}

// HandleWebhook processes one verified webhook body for accountID. The
// caller has already checked the timestamped signature and its freshness.
func (a *Adapter) HandleWebhook(accountID string, body []byte) error {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return pkgError.ValidationError("malformed webhook payload: " + err.Error())
	}

	for _, evt := range payload.Events {
		a.handleEvent(accountID, evt)
	}
	return nil
}

func (a *Adapter) handleEvent(accountID string, evt webhookEvent) {
	switch {
	case evt.Type == "message" && evt.Message != nil:
		a.opts.OnMessage(normalizeWebhookMessage(accountID, evt))

	case evt.Type == "delivery" && evt.Delivery != nil:
		status := deliveryStatus(evt.Delivery.Status)
		if status == "" {
			return
		}
		ctx := context.Background()
		for _, id := range evt.Delivery.MessageIDs {
			if err := a.opts.Store.RecordDeliveryStatus(ctx, channel.ChannelTypeShopChat, id, status); err != nil {
				logrus.WithError(err).WithField("account_id", accountID).
					Debug("[SHOPCHAT] Failed to record delivery receipt")
			}
		}
	}
}

func deliveryStatus(raw string) string {
	switch raw {
	case "delivered":
		return channel.DeliveryDelivered
	case "read":
		return channel.DeliveryRead
	case "failed":
		return channel.DeliveryFailed
	default:
		return ""
	}
}

func normalizeWebhookMessage(accountID string, evt webhookEvent) channel.IncomingMessage {
	m := evt.Message
	msg := channel.IncomingMessage{
		ChannelType:      channel.ChannelTypeShopChat,
		ChannelAccountID: accountID,
		ChannelMessageID: m.MessageID,
		ChatID:           m.ConversationID,
		SenderID:         m.SenderID,
		SenderName:       m.SenderName,
		Content:          m.Text,
		MediaURL:         m.MediaURL,
		ReplyToMessageID: m.ReplyToID,
		Timestamp:        timeutils.EpochOrNow(m.CreatedAt),
		RawPayload:       evt.raw,
	}
	switch m.MessageType {
	case "", "text":
		msg.ContentType = channel.ContentTypeText
	case "image":
		msg.ContentType = channel.ContentTypeImage
	case "video":
		msg.ContentType = channel.ContentTypeVideo
	case "audio":
		msg.ContentType = channel.ContentTypeAudio
	case "file":
		msg.ContentType = channel.ContentTypeDocument
	default:
		msg.ContentType = channel.ContentTypeUnknown
	}
	if msg.ChannelMessageID == "" {
		msg.ChannelMessageID = channel.SynthesizeMessageID()
	}
	return msg
}
