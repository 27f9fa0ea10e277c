package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/omnibridge/omnibridge/domain/channel"
	domainstorage "github.com/omnibridge/omnibridge/domain/storage"
	"github.com/omnibridge/omnibridge/pkg/crypto"
	pkgError "github.com/omnibridge/omnibridge/pkg/error"
)

// AccountRecord is one bound channel account. Credentials are encrypted
// at rest when a secret key is configured.
type AccountRecord struct {
	AccountID   string `gorm:"primaryKey;size:128"`
	ChannelType string `gorm:"size:32;index"`
	Credentials string `gorm:"type:text"`
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (AccountRecord) TableName() string { return "accounts" }

// MessageRecord caches normalized inbound messages. The channel message id
// is unique per channel so repeated webhook deliveries collapse.
type MessageRecord struct {
	ID               uint   `gorm:"primaryKey"`
	ChannelType      string `gorm:"size:32;uniqueIndex:idx_channel_message"`
	ChannelMessageID string `gorm:"size:191;uniqueIndex:idx_channel_message"`
	AccountID        string `gorm:"size:128;index"`
	ChatID           string `gorm:"size:191;index"`
	IsGroup          bool
	GroupID          string `gorm:"size:191"`
	SenderID         string `gorm:"size:191"`
	SenderName       string `gorm:"size:255"`
	ContentType      string `gorm:"size:32"`
	Content          string `gorm:"type:text"`
	MediaURL         string `gorm:"type:text"`
	MediaMimeType    string `gorm:"size:128"`
	ReplyToMessageID string `gorm:"size:191"`
	MessageTime      time.Time
	CreatedAt        time.Time
}

func (MessageRecord) TableName() string { return "messages" }

// DeliveryRecord tracks per-message delivery state transitions.
type DeliveryRecord struct {
	ID               uint   `gorm:"primaryKey"`
	ChannelType      string `gorm:"size:32;uniqueIndex:idx_delivery_message"`
	ChannelMessageID string `gorm:"size:191;uniqueIndex:idx_delivery_message"`
	Status           string `gorm:"size:32"`
	UpdatedAt        time.Time
}

func (DeliveryRecord) TableName() string { return "deliveries" }

// ContactRecord holds sync enrichment data per contact.
type ContactRecord struct {
	ID          uint   `gorm:"primaryKey"`
	AccountID   string `gorm:"size:128;uniqueIndex:idx_account_contact"`
	ChannelType string `gorm:"size:32"`
	ContactID   string `gorm:"size:191;uniqueIndex:idx_account_contact"`
	Name        string `gorm:"size:255"`
	AvatarURL   string `gorm:"type:text"`
	UpdatedAt   time.Time
}

func (ContactRecord) TableName() string { return "contacts" }

// GroupRecord holds sync roster metadata per group.
type GroupRecord struct {
	ID           uint   `gorm:"primaryKey"`
	AccountID    string `gorm:"size:128;uniqueIndex:idx_account_group"`
	ChannelType  string `gorm:"size:32"`
	GroupID      string `gorm:"size:191;uniqueIndex:idx_account_group"`
	Subject      string `gorm:"size:255"`
	Participants int
	UpdatedAt    time.Time
}

func (GroupRecord) TableName() string { return "groups" }

// GormStore is the durable implementation of the persistence interface,
// plus account bookkeeping used at startup to resume sessions.
type GormStore struct {
	db     *gorm.DB
	cipher *crypto.Cipher
}

func NewGormStore(db *gorm.DB, cipher *crypto.Cipher) (*GormStore, error) {
	if err := db.AutoMigrate(
		&AccountRecord{},
		&MessageRecord{},
		&DeliveryRecord{},
		&ContactRecord{},
		&GroupRecord{},
	); err != nil {
		return nil, err
	}
	return &GormStore{db: db, cipher: cipher}, nil
}

// SaveAccount upserts the account binding with encrypted credentials.
func (s *GormStore) SaveAccount(ctx context.Context, accountID string, creds channel.Credentials) error {
	plain, err := creds.MarshalJSONBytes()
	if err != nil {
		return pkgError.InternalServerError("failed to encode credentials: " + err.Error())
	}
	sealed, err := s.cipher.Encrypt(plain)
	if err != nil {
		return pkgError.InternalServerError("failed to encrypt credentials: " + err.Error())
	}

	rec := AccountRecord{
		AccountID:   accountID,
		ChannelType: string(creds.Type),
		Credentials: sealed,
		Active:      true,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"channel_type", "credentials", "active", "updated_at"}),
	}).Create(&rec).Error
}

// DeactivateAccount marks the binding inactive without discarding the
// credentials, so a later reconnect can reuse them.
func (s *GormStore) DeactivateAccount(ctx context.Context, accountID string) error {
	return s.db.WithContext(ctx).Model(&AccountRecord{}).
		Where("account_id = ?", accountID).
		Update("active", false).Error
}

// ListActiveAccounts returns decrypted bindings for session resume.
func (s *GormStore) ListActiveAccounts(ctx context.Context) (map[string]channel.Credentials, error) {
	var recs []AccountRecord
	if err := s.db.WithContext(ctx).Where("active = ?", true).Find(&recs).Error; err != nil {
		return nil, err
	}

	out := make(map[string]channel.Credentials, len(recs))
	for _, rec := range recs {
		plain, err := s.cipher.Decrypt(rec.Credentials)
		if err != nil {
			logrus.WithError(err).Warnf("[STORE] Skipping account %s, credentials undecryptable", rec.AccountID)
			continue
		}
		creds, err := channel.UnmarshalCredentials(plain)
		if err != nil {
			logrus.WithError(err).Warnf("[STORE] Skipping account %s, credentials unparseable", rec.AccountID)
			continue
		}
		out[rec.AccountID] = creds
	}
	return out, nil
}

func (s *GormStore) SaveRefreshedCredentials(ctx context.Context, accountID string, creds channel.Credentials) error {
	return s.SaveAccount(ctx, accountID, creds)
}

func (s *GormStore) RecordMessage(ctx context.Context, msg channel.IncomingMessage) error {
	rec := MessageRecord{
		ChannelType:      string(msg.ChannelType),
		ChannelMessageID: msg.ChannelMessageID,
		AccountID:        msg.ChannelAccountID,
		ChatID:           msg.ChatID,
		IsGroup:          msg.IsGroup,
		GroupID:          msg.GroupID,
		SenderID:         msg.SenderID,
		SenderName:       msg.SenderName,
		ContentType:      string(msg.ContentType),
		Content:          msg.Content,
		MediaURL:         msg.MediaURL,
		MediaMimeType:    msg.MediaMimeType,
		ReplyToMessageID: msg.ReplyToMessageID,
		MessageTime:      msg.Timestamp,
	}
	// Repeated deliveries of the same network event are expected; the
	// first row wins.
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
}

func (s *GormStore) RecordDeliveryStatus(ctx context.Context, channelType channel.ChannelType, channelMessageID, status string) error {
	rec := DeliveryRecord{
		ChannelType:      string(channelType),
		ChannelMessageID: channelMessageID,
		Status:           status,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "channel_type"}, {Name: "channel_message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
	}).Create(&rec).Error
}

func (s *GormStore) UpsertContact(ctx context.Context, c domainstorage.Contact) error {
	rec := ContactRecord{
		AccountID:   c.AccountID,
		ChannelType: string(c.ChannelType),
		ContactID:   c.ContactID,
		Name:        c.Name,
		AvatarURL:   c.AvatarURL,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "contact_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "avatar_url", "updated_at"}),
	}).Create(&rec).Error
}

func (s *GormStore) UpsertGroup(ctx context.Context, g domainstorage.Group) error {
	rec := GroupRecord{
		AccountID:    g.AccountID,
		ChannelType:  string(g.ChannelType),
		GroupID:      g.GroupID,
		Subject:      g.Subject,
		Participants: g.Participants,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "group_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"subject", "participants", "updated_at"}),
	}).Create(&rec).Error
}

func (s *GormStore) GetCachedMessageByChannelID(ctx context.Context, channelType channel.ChannelType, channelMessageID string) (*channel.IncomingMessage, error) {
	var rec MessageRecord
	err := s.db.WithContext(ctx).
		Where("channel_type = ? AND channel_message_id = ?", string(channelType), channelMessageID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgError.NotFoundError("message not found: " + channelMessageID)
	}
	if err != nil {
		return nil, err
	}

	msg := channel.IncomingMessage{
		ChannelType:      channel.ChannelType(rec.ChannelType),
		ChannelAccountID: rec.AccountID,
		ChannelMessageID: rec.ChannelMessageID,
		ChatID:           rec.ChatID,
		IsGroup:          rec.IsGroup,
		GroupID:          rec.GroupID,
		SenderID:         rec.SenderID,
		SenderName:       rec.SenderName,
		ContentType:      channel.ContentType(rec.ContentType),
		Content:          rec.Content,
		MediaURL:         rec.MediaURL,
		MediaMimeType:    rec.MediaMimeType,
		ReplyToMessageID: rec.ReplyToMessageID,
		Timestamp:        rec.MessageTime,
	}
	return &msg, nil
}
