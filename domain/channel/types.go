package channel

import (
	"time"

	"github.com/google/uuid"
)

type ChannelType string

const (
	ChannelTypeWhatsApp  ChannelType = "whatsapp"
	ChannelTypeMessenger ChannelType = "messenger"
	ChannelTypeShopChat  ChannelType = "shopchat"
	ChannelTypeTelegram  ChannelType = "telegram"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

type ContentType string

const (
	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeVideo    ContentType = "video"
	ContentTypeAudio    ContentType = "audio"
	ContentTypeDocument ContentType = "document"
	ContentTypeSticker  ContentType = "sticker"
	ContentTypeLocation ContentType = "location"
	ContentTypeContact  ContentType = "contact"
	ContentTypeUnknown  ContentType = "unknown"
)

// IncomingMessage is the network-agnostic representation every adapter emits.
// It is immutable after normalization; ChannelType+ChannelMessageID form the
// dedup key the persistence tier relies on.
type IncomingMessage struct {
	ChannelType      ChannelType `json:"channel_type"`
	ChannelAccountID string      `json:"channel_account_id"`
	ChannelMessageID string      `json:"channel_message_id"`
	ChatID           string      `json:"chat_id"`
	IsGroup          bool        `json:"is_group"`
	GroupID          string      `json:"group_id,omitempty"`
	SenderID         string      `json:"sender_id"`
	SenderName       string      `json:"sender_name,omitempty"`
	ContentType      ContentType `json:"content_type"`
	Content          string      `json:"content,omitempty"`
	MediaURL         string      `json:"media_url,omitempty"`
	MediaMimeType    string      `json:"media_mime_type,omitempty"`
	ReplyToMessageID string      `json:"reply_to_message_id,omitempty"`
	Timestamp        time.Time   `json:"timestamp"`
	IsFromMe         bool        `json:"is_from_me"`
	RawPayload       []byte      `json:"raw_payload,omitempty"`
}

// DedupKey is stable across superficial differences (timestamp formatting,
// raw payload) in repeated deliveries of the same network event.
func (m IncomingMessage) DedupKey() string {
	return string(m.ChannelType) + "|" + m.ChannelMessageID
}

// SynthesizeMessageID fills the gap for networks that omit a message id.
func SynthesizeMessageID() string {
	return "synth-" + uuid.NewString()
}

// MediaPayload carries outbound media content. Data is for networks that
// take an upload, URL for networks that fetch hosted media themselves;
// adapters document which they require.
type MediaPayload struct {
	Data     []byte
	URL      string
	MimeType string
	FileName string
	Caption  string
}

// SendParams describes one outbound message or media send.
type SendParams struct {
	AccountID        string
	ChatID           string
	Text             string
	ReplyToMessageID string
	Media            *MediaPayload
}

// SendResult is returned synchronously from adapter send operations.
// Retryable only has meaning when the accompanying error is non-nil.
type SendResult struct {
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
	Retryable bool      `json:"retryable"`
}

// ConnectionResult is returned from Connect. Reason is human-readable and
// distinguishes bad credentials from network failure from already-connected
// so the calling tier can react appropriately.
type ConnectionResult struct {
	AccountID string `json:"account_id"`
	Status    Status `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// DeliveryStatus values reported through the persistence interface.
const (
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryRead      = "read"
	DeliveryFailed    = "failed"
)
