package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgError "github.com/omnibridge/omnibridge/pkg/error"
)

func TestCredentials_Validate(t *testing.T) {
	tests := []struct {
		name    string
		creds   Credentials
		wantErr bool
	}{
		{
			name:  "whatsapp needs no fields",
			creds: Credentials{Type: ChannelTypeWhatsApp, WhatsApp: &WhatsAppCredentials{}},
		},
		{
			name:    "whatsapp variant missing",
			creds:   Credentials{Type: ChannelTypeWhatsApp},
			wantErr: true,
		},
		{
			name: "messenger complete",
			creds: Credentials{Type: ChannelTypeMessenger, Messenger: &MessengerCredentials{
				PageID: "1234", AccessToken: "tok", AppSecret: "sec",
			}},
		},
		{
			name: "messenger missing app secret",
			creds: Credentials{Type: ChannelTypeMessenger, Messenger: &MessengerCredentials{
				PageID: "1234", AccessToken: "tok",
			}},
			wantErr: true,
		},
		{
			name: "shopchat missing refresh token",
			creds: Credentials{Type: ChannelTypeShopChat, ShopChat: &ShopChatCredentials{
				ShopID: "s1", AccessToken: "tok", SigningSecret: "sig",
			}},
			wantErr: true,
		},
		{
			name:    "telegram empty bot token",
			creds:   Credentials{Type: ChannelTypeTelegram, Telegram: &TelegramCredentials{}},
			wantErr: true,
		},
		{
			name:    "unknown channel type",
			creds:   Credentials{Type: "pigeon"},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.creds.Validate()
			if tc.wantErr {
				require.Error(t, err)
				assert.IsType(t, pkgError.ValidationError(""), err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCredentials_TokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour)

	creds := Credentials{Type: ChannelTypeShopChat, ShopChat: &ShopChatCredentials{TokenExpiresAt: exp}}
	got, ok := creds.TokenExpiry()
	require.True(t, ok)
	assert.Equal(t, exp, got)

	_, ok = Credentials{Type: ChannelTypeTelegram, Telegram: &TelegramCredentials{BotToken: "t"}}.TokenExpiry()
	assert.False(t, ok)
}

func TestIncomingMessage_DedupKeyStability(t *testing.T) {
	a := IncomingMessage{
		ChannelType:      ChannelTypeMessenger,
		ChannelMessageID: "mid.123",
		Timestamp:        time.Unix(1700000000, 0),
		RawPayload:       []byte(`{"variant":"a"}`),
	}
	b := IncomingMessage{
		ChannelType:      ChannelTypeMessenger,
		ChannelMessageID: "mid.123",
		Timestamp:        time.UnixMilli(1700000000123),
		RawPayload:       []byte(`{"variant":"b","extra":true}`),
	}

	assert.Equal(t, a.DedupKey(), b.DedupKey(),
		"superficial field differences must not change the dedup key")
}

func TestCredentials_JSONRoundTripKeepsVariant(t *testing.T) {
	creds := Credentials{Type: ChannelTypeMessenger, Messenger: &MessengerCredentials{
		PageID: "1", AccessToken: "tok", AppSecret: "sec",
	}}

	data, err := creds.MarshalJSONBytes()
	require.NoError(t, err)

	back, err := UnmarshalCredentials(data)
	require.NoError(t, err)
	require.NotNil(t, back.Messenger)
	assert.Equal(t, "tok", back.Messenger.AccessToken)
	assert.Nil(t, back.Telegram)
}
