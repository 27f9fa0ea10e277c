package whatsapp

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/omnibridge/omnibridge/domain/channel"
	"github.com/omnibridge/omnibridge/domain/storage"
	"github.com/omnibridge/omnibridge/gateway/syncsched"
)

// handleHistorySync turns the initial history dump into enrichment tasks:
// group metadata and profile pictures for every conversation the account
// has. The scheduler bounds concurrency so the fresh session is not flagged
// for hammering the network.
func (a *Adapter) handleHistorySync(s *session, evt *events.HistorySync) {
	if evt.Data == nil {
		return
	}
	switch evt.Data.GetSyncType() {
	case waHistorySync.HistorySync_INITIAL_BOOTSTRAP, waHistorySync.HistorySync_RECENT:
	case waHistorySync.HistorySync_PUSH_NAME:
		a.syncPushNames(s, evt)
		return
	default:
		return
	}

	var tasks []syncsched.Task
	for _, conv := range evt.Data.GetConversations() {
		jid, err := types.ParseJID(conv.GetID())
		if err != nil || jid.IsEmpty() {
			continue
		}
		if jid.Server == "g.us" {
			tasks = append(tasks, a.groupTask(s, jid))
		} else if jid.Server == types.DefaultUserServer {
			tasks = append(tasks, a.avatarTask(s, jid))
		}
	}
	if len(tasks) == 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.syncStop != nil {
		s.syncStop()
	}
	s.syncStop = cancel
	s.mu.Unlock()

	progress := a.opts.Scheduler.Run(ctx, s.accountID, tasks, nil)
	go func() {
		for range progress {
		}
		cancel()
	}()
}

func (a *Adapter) groupTask(s *session, jid types.JID) syncsched.Task {
	return syncsched.Task{
		Kind:     syncsched.KindGroupMetadata,
		TargetID: jid.String(),
		Fetch: func(ctx context.Context) error {
			info, err := s.client.GetGroupInfo(ctx, jid)
			if err != nil {
				return err
			}
			return a.opts.Store.UpsertGroup(ctx, storage.Group{
				AccountID:    s.accountID,
				ChannelType:  channel.ChannelTypeWhatsApp,
				GroupID:      jid.String(),
				Subject:      info.Name,
				Participants: len(info.Participants),
			})
		},
	}
}

func (a *Adapter) avatarTask(s *session, jid types.JID) syncsched.Task {
	return syncsched.Task{
		Kind:     syncsched.KindAvatar,
		TargetID: jid.String(),
		Fetch: func(ctx context.Context) error {
			pic, err := s.client.GetProfilePictureInfo(ctx, jid, &whatsmeow.GetProfilePictureParams{Preview: true})
			if err != nil {
				return err
			}
			contact := storage.Contact{
				AccountID:   s.accountID,
				ChannelType: channel.ChannelTypeWhatsApp,
				ContactID:   jid.String(),
			}
			if pic != nil {
				contact.AvatarURL = pic.URL
			}
			return a.opts.Store.UpsertContact(ctx, contact)
		},
	}
}

func (a *Adapter) syncPushNames(s *session, evt *events.HistorySync) {
	ctx := context.Background()
	for _, pn := range evt.Data.GetPushnames() {
		if pn.GetID() == "" || pn.GetPushname() == "" {
			continue
		}
		err := a.opts.Store.UpsertContact(ctx, storage.Contact{
			AccountID:   s.accountID,
			ChannelType: channel.ChannelTypeWhatsApp,
			ContactID:   pn.GetID(),
			Name:        pn.GetPushname(),
		})
		if err != nil {
			logrus.WithError(err).WithField("account_id", s.accountID).
				Debug("[WHATSAPP] Failed to upsert push name")
		}
	}
}
