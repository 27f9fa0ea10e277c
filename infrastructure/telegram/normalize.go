package telegram

import (
	"encoding/json"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/omnibridge/omnibridge/domain/channel"
	"github.com/omnibridge/omnibridge/pkg/timeutils"
)

// normalizeUpdate converts a raw update into the network-agnostic message.
// Returns false for updates that carry no message, for the bot's own
// messages echoed back, and for pure service events (joins, pins).
func normalizeUpdate(accountID string, selfID int64, update tgbotapi.Update) (channel.IncomingMessage, bool) {
	m := update.Message
	if m == nil {
		m = update.EditedMessage
	}
	if m == nil || m.Chat == nil {
		return channel.IncomingMessage{}, false
	}
	if m.From != nil && m.From.ID == selfID {
		return channel.IncomingMessage{}, false
	}

	contentType, content, mime := classifyContent(m)
	if contentType == "" {
		return channel.IncomingMessage{}, false
	}

	msg := channel.IncomingMessage{
		ChannelType:      channel.ChannelTypeTelegram,
		ChannelAccountID: accountID,
		ChannelMessageID: strconv.Itoa(m.MessageID),
		ChatID:           strconv.FormatInt(m.Chat.ID, 10),
		ContentType:      contentType,
		Content:          content,
		MediaMimeType:    mime,
		Timestamp:        timeutils.EpochOrNow(int64(m.Date)),
	}
	if raw, err := json.Marshal(update); err == nil {
		msg.RawPayload = raw
	}
	if m.From != nil {
		msg.SenderID = strconv.FormatInt(m.From.ID, 10)
		msg.SenderName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
		if msg.SenderName == "" {
			msg.SenderName = m.From.UserName
		}
	}
	if m.Chat.IsGroup() || m.Chat.IsSuperGroup() {
		msg.IsGroup = true
		msg.GroupID = msg.ChatID
	}
	if m.ReplyToMessage != nil {
		msg.ReplyToMessageID = strconv.Itoa(m.ReplyToMessage.MessageID)
	}
	return msg, true
}

// classifyContent maps the update's payload variant. Captioned media keeps
// the caption as content. An empty first return means a service message
// with nothing to forward.
func classifyContent(m *tgbotapi.Message) (channel.ContentType, string, string) {
	switch {
	case m.Text != "":
		return channel.ContentTypeText, m.Text, ""
	case len(m.Photo) > 0:
		return channel.ContentTypeImage, m.Caption, "image/jpeg"
	case m.Video != nil:
		return channel.ContentTypeVideo, m.Caption, m.Video.MimeType
	case m.Voice != nil:
		return channel.ContentTypeAudio, m.Caption, m.Voice.MimeType
	case m.Audio != nil:
		return channel.ContentTypeAudio, m.Caption, m.Audio.MimeType
	case m.Document != nil:
		return channel.ContentTypeDocument, m.Caption, m.Document.MimeType
	case m.Sticker != nil:
		return channel.ContentTypeSticker, m.Sticker.Emoji, ""
	case m.Location != nil:
		lat := strconv.FormatFloat(m.Location.Latitude, 'f', 6, 64)
		lon := strconv.FormatFloat(m.Location.Longitude, 'f', 6, 64)
		return channel.ContentTypeLocation, lat + "," + lon, ""
	case m.Contact != nil:
		return channel.ContentTypeContact, m.Contact.PhoneNumber, ""
	default:
		return "", "", ""
	}
}
