package whatsapp

import (
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/omnibridge/omnibridge/domain/channel"
)

// normalizeMessage maps a whatsmeow message event to the network-agnostic
// form. Status broadcasts and newsletter posts are not conversation traffic
// and are dropped.
func normalizeMessage(accountID string, evt *events.Message) (channel.IncomingMessage, bool) {
	chat := evt.Info.Chat.String()
	if chat == "status@broadcast" || strings.HasSuffix(chat, "@broadcast") ||
		strings.HasSuffix(chat, "@newsletter") || evt.Info.IsIncomingBroadcast() {
		return channel.IncomingMessage{}, false
	}

	inner := unwrapMessage(evt.Message)
	contentType, text, mime := classifyContent(inner)

	msg := channel.IncomingMessage{
		ChannelType:      channel.ChannelTypeWhatsApp,
		ChannelAccountID: accountID,
		ChannelMessageID: evt.Info.ID,
		ChatID:           evt.Info.Chat.ToNonAD().String(),
		SenderID:         evt.Info.Sender.ToNonAD().String(),
		SenderName:       evt.Info.PushName,
		ContentType:      contentType,
		Content:          text,
		MediaMimeType:    mime,
		Timestamp:        evt.Info.Timestamp,
		IsFromMe:         evt.Info.IsFromMe,
	}
	if raw, err := protojson.Marshal(evt.Message); err == nil {
		msg.RawPayload = raw
	}

	if evt.Info.Chat.Server == "g.us" {
		msg.IsGroup = true
		msg.GroupID = msg.ChatID
	}

	if ext := inner.GetExtendedTextMessage(); ext != nil {
		if ci := ext.GetContextInfo(); ci != nil {
			msg.ReplyToMessageID = ci.GetStanzaID()
		}
	}

	if msg.ChannelMessageID == "" {
		msg.ChannelMessageID = channel.SynthesizeMessageID()
	}
	return msg, true
}

// unwrapMessage peels view-once and ephemeral wrappers off the payload.
func unwrapMessage(m *waE2E.Message) *waE2E.Message {
	unwrap := func(m *waE2E.Message) *waE2E.Message {
		if v := m.GetViewOnceMessage(); v != nil {
			return v.GetMessage()
		}
		if v := m.GetEphemeralMessage(); v != nil {
			return v.GetMessage()
		}
		if v := m.GetViewOnceMessageV2(); v != nil {
			return v.GetMessage()
		}
		return nil
	}
	for i := 0; i < 3; i++ {
		if next := unwrap(m); next != nil {
			m = next
		} else {
			break
		}
	}
	return m
}

func classifyContent(m *waE2E.Message) (channel.ContentType, string, string) {
	if m == nil {
		return channel.ContentTypeUnknown, "", ""
	}
	if conv := m.GetConversation(); conv != "" {
		return channel.ContentTypeText, conv, ""
	}
	if ext := m.GetExtendedTextMessage(); ext != nil {
		return channel.ContentTypeText, ext.GetText(), ""
	}
	if img := m.GetImageMessage(); img != nil {
		return channel.ContentTypeImage, img.GetCaption(), img.GetMimetype()
	}
	if vid := m.GetVideoMessage(); vid != nil {
		return channel.ContentTypeVideo, vid.GetCaption(), vid.GetMimetype()
	}
	if aud := m.GetAudioMessage(); aud != nil {
		return channel.ContentTypeAudio, "", aud.GetMimetype()
	}
	if doc := m.GetDocumentMessage(); doc != nil {
		return channel.ContentTypeDocument, doc.GetCaption(), doc.GetMimetype()
	}
	if stk := m.GetStickerMessage(); stk != nil {
		return channel.ContentTypeSticker, "", stk.GetMimetype()
	}
	if loc := m.GetLocationMessage(); loc != nil {
		return channel.ContentTypeLocation, loc.GetName(), ""
	}
	if ct := m.GetContactMessage(); ct != nil {
		return channel.ContentTypeContact, ct.GetDisplayName(), ""
	}
	return channel.ContentTypeUnknown, "", ""
}
