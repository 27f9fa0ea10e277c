package whatsapp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/omnibridge/omnibridge/domain/channel"
)

func textEvent(id, chat, sender, text string) *events.Message {
	chatJID, _ := types.ParseJID(chat)
	senderJID, _ := types.ParseJID(sender)
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: chatJID, Sender: senderJID},
			ID:            id,
			PushName:      "Alice",
			Timestamp:     time.Unix(1700000000, 0),
		},
		Message: &waE2E.Message{Conversation: proto.String(text)},
	}
}

func TestNormalizeTextMessage(t *testing.T) {
	msg, ok := normalizeMessage("acc-1", textEvent("3EB0ABC", "5511999999999@s.whatsapp.net", "5511999999999@s.whatsapp.net", "hola"))
	require.True(t, ok)

	assert.Equal(t, channel.ChannelTypeWhatsApp, msg.ChannelType)
	assert.Equal(t, "acc-1", msg.ChannelAccountID)
	assert.Equal(t, "3EB0ABC", msg.ChannelMessageID)
	assert.Equal(t, "5511999999999@s.whatsapp.net", msg.ChatID)
	assert.Equal(t, channel.ContentTypeText, msg.ContentType)
	assert.Equal(t, "hola", msg.Content)
	assert.Equal(t, "Alice", msg.SenderName)
	assert.False(t, msg.IsGroup)
	assert.Equal(t, time.Unix(1700000000, 0), msg.Timestamp)
	assert.NotEmpty(t, msg.RawPayload, "original payload must ride along")
}

func TestNormalizeGroupMessage(t *testing.T) {
	evt := textEvent("3EB0DEF", "120363012345678901@g.us", "5511888888888@s.whatsapp.net", "hey group")
	msg, ok := normalizeMessage("acc-1", evt)
	require.True(t, ok)

	assert.True(t, msg.IsGroup)
	assert.Equal(t, "120363012345678901@g.us", msg.GroupID)
	assert.Equal(t, "5511888888888@s.whatsapp.net", msg.SenderID)
}

func TestNormalizeDropsStatusBroadcast(t *testing.T) {
	evt := textEvent("3EB0FFF", "status@broadcast", "5511999999999@s.whatsapp.net", "story")
	_, ok := normalizeMessage("acc-1", evt)
	assert.False(t, ok, "status stories are not conversation traffic")
}

func TestNormalizeMediaCaption(t *testing.T) {
	chatJID, _ := types.ParseJID("5511999999999@s.whatsapp.net")
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: chatJID, Sender: chatJID},
			ID:            "3EB0IMG",
			Timestamp:     time.Now(),
		},
		Message: &waE2E.Message{
			ImageMessage: &waE2E.ImageMessage{
				Caption:  proto.String("look at this"),
				Mimetype: proto.String("image/jpeg"),
			},
		},
	}

	msg, ok := normalizeMessage("acc-1", evt)
	require.True(t, ok)
	assert.Equal(t, channel.ContentTypeImage, msg.ContentType)
	assert.Equal(t, "look at this", msg.Content)
	assert.Equal(t, "image/jpeg", msg.MediaMimeType)
}

func TestNormalizeReplyContext(t *testing.T) {
	chatJID, _ := types.ParseJID("5511999999999@s.whatsapp.net")
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: chatJID, Sender: chatJID},
			ID:            "3EB0RPL",
			Timestamp:     time.Now(),
		},
		Message: &waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text: proto.String("replying"),
				ContextInfo: &waE2E.ContextInfo{
					StanzaID: proto.String("3EB0ORIG"),
				},
			},
		},
	}

	msg, ok := normalizeMessage("acc-1", evt)
	require.True(t, ok)
	assert.Equal(t, "3EB0ORIG", msg.ReplyToMessageID)
}

func TestNormalizeViewOnceUnwrap(t *testing.T) {
	chatJID, _ := types.ParseJID("5511999999999@s.whatsapp.net")
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: chatJID, Sender: chatJID},
			ID:            "3EB0VO",
			Timestamp:     time.Now(),
		},
		Message: &waE2E.Message{
			ViewOnceMessage: &waE2E.FutureProofMessage{
				Message: &waE2E.Message{Conversation: proto.String("secret")},
			},
		},
	}

	msg, ok := normalizeMessage("acc-1", evt)
	require.True(t, ok)
	assert.Equal(t, channel.ContentTypeText, msg.ContentType)
	assert.Equal(t, "secret", msg.Content)
}

func TestNormalizeSynthesizesMissingID(t *testing.T) {
	evt := textEvent("", "5511999999999@s.whatsapp.net", "5511999999999@s.whatsapp.net", "x")
	msg, ok := normalizeMessage("acc-1", evt)
	require.True(t, ok)
	assert.NotEmpty(t, msg.ChannelMessageID)
}
