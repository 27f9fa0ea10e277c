package storage

import (
	"context"

	"github.com/omnibridge/omnibridge/domain/channel"
)

// Contact is enrichment data gathered by background sync.
type Contact struct {
	AccountID   string
	ChannelType channel.ChannelType
	ContactID   string
	Name        string
	AvatarURL   string
}

// Group is roster metadata gathered by background sync.
type Group struct {
	AccountID    string
	ChannelType  channel.ChannelType
	GroupID      string
	Subject      string
	Participants int
}

// Store is the persistence interface the adapter layer consumes. The
// dashboard tier owns the real schema; adapters must keep functioning in
// degraded mode (log and continue) when calls fail, except token refresh,
// which still updates in-memory credentials even if the durable write fails.
type Store interface {
	SaveRefreshedCredentials(ctx context.Context, accountID string, creds channel.Credentials) error
	RecordMessage(ctx context.Context, msg channel.IncomingMessage) error
	RecordDeliveryStatus(ctx context.Context, channelType channel.ChannelType, channelMessageID, status string) error
	UpsertContact(ctx context.Context, c Contact) error
	UpsertGroup(ctx context.Context, g Group) error
	GetCachedMessageByChannelID(ctx context.Context, channelType channel.ChannelType, channelMessageID string) (*channel.IncomingMessage, error)
}
