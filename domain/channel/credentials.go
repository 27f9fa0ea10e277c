package channel

import (
	"encoding/json"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	pkgError "github.com/omnibridge/omnibridge/pkg/error"
)

// Credentials is a tagged union: exactly the variant matching Type is set.
// The TokenLifecycleManager mutates the variant in place on refresh; it is
// the single source of truth for a session's auth material.
type Credentials struct {
	Type      ChannelType           `json:"type"`
	WhatsApp  *WhatsAppCredentials  `json:"whatsapp,omitempty"`
	Messenger *MessengerCredentials `json:"messenger,omitempty"`
	ShopChat  *ShopChatCredentials  `json:"shopchat,omitempty"`
	Telegram  *TelegramCredentials  `json:"telegram,omitempty"`
}

// WhatsAppCredentials: session state lives in the device store keyed by
// account id, so nothing is strictly required here. PhoneNumber switches
// login from QR scan to pairing code.
type WhatsAppCredentials struct {
	PhoneNumber string `json:"phone_number,omitempty"`
}

type MessengerCredentials struct {
	PageID         string    `json:"page_id"`
	AccessToken    string    `json:"access_token"`
	AppSecret      string    `json:"app_secret"`
	TokenExpiresAt time.Time `json:"token_expires_at,omitempty"`
}

type ShopChatCredentials struct {
	ShopID         string    `json:"shop_id"`
	AccessToken    string    `json:"access_token"`
	RefreshToken   string    `json:"refresh_token"`
	SigningSecret  string    `json:"signing_secret"`
	TokenExpiresAt time.Time `json:"token_expires_at,omitempty"`
}

type TelegramCredentials struct {
	BotToken string `json:"bot_token"`
}

// Validate checks required fields per variant before any network call.
// Failures come back as pkgError.ValidationError, distinct from network
// failures downstream.
func (c Credentials) Validate() error {
	switch c.Type {
	case ChannelTypeWhatsApp:
		if c.WhatsApp == nil {
			return pkgError.ValidationError("whatsapp credentials missing")
		}
		return nil
	case ChannelTypeMessenger:
		if c.Messenger == nil {
			return pkgError.ValidationError("messenger credentials missing")
		}
		err := validation.ValidateStruct(c.Messenger,
			validation.Field(&c.Messenger.PageID, validation.Required),
			validation.Field(&c.Messenger.AccessToken, validation.Required),
			validation.Field(&c.Messenger.AppSecret, validation.Required),
		)
		if err != nil {
			return pkgError.ValidationError(err.Error())
		}
		return nil
	case ChannelTypeShopChat:
		if c.ShopChat == nil {
			return pkgError.ValidationError("shopchat credentials missing")
		}
		err := validation.ValidateStruct(c.ShopChat,
			validation.Field(&c.ShopChat.ShopID, validation.Required),
			validation.Field(&c.ShopChat.AccessToken, validation.Required),
			validation.Field(&c.ShopChat.RefreshToken, validation.Required),
			validation.Field(&c.ShopChat.SigningSecret, validation.Required),
		)
		if err != nil {
			return pkgError.ValidationError(err.Error())
		}
		return nil
	case ChannelTypeTelegram:
		if c.Telegram == nil {
			return pkgError.ValidationError("telegram credentials missing")
		}
		err := validation.ValidateStruct(c.Telegram,
			validation.Field(&c.Telegram.BotToken, validation.Required),
		)
		if err != nil {
			return pkgError.ValidationError(err.Error())
		}
		return nil
	default:
		return pkgError.ValidationError(fmt.Sprintf("unknown channel type %q", c.Type))
	}
}

// TokenExpiry reports the access-token expiry for variants that have one.
func (c Credentials) TokenExpiry() (time.Time, bool) {
	switch c.Type {
	case ChannelTypeMessenger:
		if c.Messenger != nil && !c.Messenger.TokenExpiresAt.IsZero() {
			return c.Messenger.TokenExpiresAt, true
		}
	case ChannelTypeShopChat:
		if c.ShopChat != nil && !c.ShopChat.TokenExpiresAt.IsZero() {
			return c.ShopChat.TokenExpiresAt, true
		}
	}
	return time.Time{}, false
}

// WebhookSecret returns the per-account signing secret for channels that
// receive signed webhooks.
func (c Credentials) WebhookSecret() (string, bool) {
	switch c.Type {
	case ChannelTypeMessenger:
		if c.Messenger != nil {
			return c.Messenger.AppSecret, c.Messenger.AppSecret != ""
		}
	case ChannelTypeShopChat:
		if c.ShopChat != nil {
			return c.ShopChat.SigningSecret, c.ShopChat.SigningSecret != ""
		}
	}
	return "", false
}

func (c Credentials) MarshalJSONBytes() ([]byte, error) {
	return json.Marshal(c)
}

func UnmarshalCredentials(data []byte) (Credentials, error) {
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return Credentials{}, err
	}
	return c, nil
}
