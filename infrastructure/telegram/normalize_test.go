package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnibridge/omnibridge/domain/channel"
)

const selfID int64 = 424242

func textUpdate(from int64, chatType, text string) tgbotapi.Update {
	return tgbotapi.Update{
		Message: &tgbotapi.Message{
			MessageID: 1001,
			From:      &tgbotapi.User{ID: from, FirstName: "Ada", LastName: "L"},
			Chat:      &tgbotapi.Chat{ID: -500, Type: chatType},
			Date:      1700000000,
			Text:      text,
		},
	}
}

func TestNormalizeTextMessage(t *testing.T) {
	msg, ok := normalizeUpdate("bot-1", selfID, textUpdate(7, "private", "hello"))
	require.True(t, ok)

	assert.Equal(t, channel.ChannelTypeTelegram, msg.ChannelType)
	assert.Equal(t, "bot-1", msg.ChannelAccountID)
	assert.Equal(t, "1001", msg.ChannelMessageID)
	assert.Equal(t, "-500", msg.ChatID)
	assert.Equal(t, "7", msg.SenderID)
	assert.Equal(t, "Ada L", msg.SenderName)
	assert.Equal(t, channel.ContentTypeText, msg.ContentType)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, int64(1700000000), msg.Timestamp.Unix())
	assert.NotEmpty(t, msg.RawPayload, "original update must ride along")
	assert.False(t, msg.IsGroup)
}

func TestNormalizeDropsOwnMessages(t *testing.T) {
	_, ok := normalizeUpdate("bot-1", selfID, textUpdate(selfID, "private", "echo of our send"))
	assert.False(t, ok)
}

func TestNormalizeGroupChat(t *testing.T) {
	msg, ok := normalizeUpdate("bot-1", selfID, textUpdate(7, "supergroup", "hi all"))
	require.True(t, ok)
	assert.True(t, msg.IsGroup)
	assert.Equal(t, msg.ChatID, msg.GroupID)
}

func TestNormalizePhotoWithCaption(t *testing.T) {
	upd := tgbotapi.Update{
		Message: &tgbotapi.Message{
			MessageID: 1002,
			From:      &tgbotapi.User{ID: 7, UserName: "ada"},
			Chat:      &tgbotapi.Chat{ID: 9, Type: "private"},
			Date:      1700000001,
			Photo:     []tgbotapi.PhotoSize{{FileID: "f1", Width: 100, Height: 100}},
			Caption:   "look at this",
		},
	}
	msg, ok := normalizeUpdate("bot-1", selfID, upd)
	require.True(t, ok)
	assert.Equal(t, channel.ContentTypeImage, msg.ContentType)
	assert.Equal(t, "look at this", msg.Content)
	assert.Equal(t, "image/jpeg", msg.MediaMimeType)
}

func TestNormalizeReplyContext(t *testing.T) {
	upd := textUpdate(7, "private", "replying")
	upd.Message.ReplyToMessage = &tgbotapi.Message{MessageID: 900}

	msg, ok := normalizeUpdate("bot-1", selfID, upd)
	require.True(t, ok)
	assert.Equal(t, "900", msg.ReplyToMessageID)
}

func TestNormalizeDropsServiceMessages(t *testing.T) {
	upd := tgbotapi.Update{
		Message: &tgbotapi.Message{
			MessageID:      1003,
			From:           &tgbotapi.User{ID: 7},
			Chat:           &tgbotapi.Chat{ID: 9, Type: "group"},
			Date:           1700000002,
			NewChatMembers: []tgbotapi.User{{ID: 8}},
		},
	}
	_, ok := normalizeUpdate("bot-1", selfID, upd)
	assert.False(t, ok)
}

func TestNormalizeLocation(t *testing.T) {
	upd := tgbotapi.Update{
		Message: &tgbotapi.Message{
			MessageID: 1004,
			From:      &tgbotapi.User{ID: 7},
			Chat:      &tgbotapi.Chat{ID: 9, Type: "private"},
			Date:      1700000003,
			Location:  &tgbotapi.Location{Latitude: 51.5, Longitude: -0.12},
		},
	}
	msg, ok := normalizeUpdate("bot-1", selfID, upd)
	require.True(t, ok)
	assert.Equal(t, channel.ContentTypeLocation, msg.ContentType)
	assert.Equal(t, "51.500000,-0.120000", msg.Content)
}

func TestSplitMessageChunksAtNewlines(t *testing.T) {
	var b []byte
	for i := 0; i < 120; i++ {
		b = append(b, []byte("this line is about fifty characters long, really\n")...)
	}
	chunks := splitMessage(string(b))
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), maxMessageLen)
	}
	rejoined := ""
	for _, c := range chunks {
		rejoined += c
	}
	assert.Equal(t, string(b), rejoined)
}

func TestSplitMessageNeverCutsMidRune(t *testing.T) {
	// Multi-byte runes and no newline anywhere: the cut must back off to a
	// rune start instead of slicing a rune in half.
	text := strings.Repeat("€", 2000)
	chunks := splitMessage(text)
	require.Greater(t, len(chunks), 1)
	rejoined := ""
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c), "every chunk must be valid UTF-8")
		assert.LessOrEqual(t, len(c), maxMessageLen)
		rejoined += c
	}
	assert.Equal(t, text, rejoined)
}

func TestSplitMessageShortPassthrough(t *testing.T) {
	chunks := splitMessage("short")
	assert.Equal(t, []string{"short"}, chunks)
}
