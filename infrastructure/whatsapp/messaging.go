package whatsapp

import (
	"context"
	"errors"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	"github.com/omnibridge/omnibridge/domain/channel"
	pkgError "github.com/omnibridge/omnibridge/pkg/error"
	"github.com/omnibridge/omnibridge/pkg/outbound"
)

// SendMessage queues a text send. Ordering, single-delivery-in-flight and
// rate pacing are enforced by the per-account queue and governor; the call
// blocks until the send resolves or ctx is cancelled.
func (a *Adapter) SendMessage(ctx context.Context, params channel.SendParams) (channel.SendResult, error) {
	return a.queue.Enqueue(ctx, params, priorityFor(params))
}

// SendMedia queues a media send.
func (a *Adapter) SendMedia(ctx context.Context, params channel.SendParams) (channel.SendResult, error) {
	if params.Media == nil || len(params.Media.Data) == 0 {
		return channel.SendResult{}, pkgError.ValidationError("media payload is required")
	}
	return a.queue.Enqueue(ctx, params, priorityFor(params))
}

func priorityFor(params channel.SendParams) outbound.Priority {
	if params.ReplyToMessageID != "" {
		return outbound.PriorityReply
	}
	return outbound.PriorityNormal
}

// deliver is the queue's SendFunc: it runs on the per-account consumer
// goroutine, so at most one send per account is in flight here.
func (a *Adapter) deliver(ctx context.Context, params channel.SendParams) (channel.SendResult, error) {
	s, ok := a.session(params.AccountID)
	if !ok || s.client == nil {
		return channel.SendResult{}, pkgError.NotFoundError("no session for account " + params.AccountID)
	}
	if !s.client.IsLoggedIn() {
		return channel.SendResult{Retryable: true},
			pkgError.TransientError("session not ready, still connecting")
	}

	jid, err := parseJID(params.ChatID)
	if err != nil {
		return channel.SendResult{}, pkgError.ValidationError("invalid chat id: " + err.Error())
	}

	if err := a.governor.Acquire(ctx, params.AccountID, params.ChatID); err != nil {
		return channel.SendResult{Retryable: true}, pkgError.TransientError("rate wait aborted: " + err.Error())
	}

	var msg *waE2E.Message
	if params.Media != nil {
		msg, err = a.buildMediaMessage(ctx, s, params)
		if err != nil {
			return channel.SendResult{}, err
		}
	} else {
		msg = &waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text: proto.String(params.Text),
			},
		}
		if params.ReplyToMessageID != "" {
			msg.ExtendedTextMessage.ContextInfo = &waE2E.ContextInfo{
				StanzaID:      proto.String(params.ReplyToMessageID),
				Participant:   proto.String(jid.String()),
				QuotedMessage: &waE2E.Message{Conversation: proto.String("")},
			}
		}
	}

	resp, err := s.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return channel.SendResult{Retryable: isTransientSendErr(err)}, classifySendErr(err)
	}

	return channel.SendResult{
		MessageID: resp.ID,
		Timestamp: resp.Timestamp,
	}, nil
}

func (a *Adapter) buildMediaMessage(ctx context.Context, s *session, params channel.SendParams) (*waE2E.Message, error) {
	media := params.Media

	var mType whatsmeow.MediaType
	switch {
	case strings.HasPrefix(media.MimeType, "image/"):
		mType = whatsmeow.MediaImage
	case strings.HasPrefix(media.MimeType, "video/"):
		mType = whatsmeow.MediaVideo
	case strings.HasPrefix(media.MimeType, "audio/"):
		mType = whatsmeow.MediaAudio
	default:
		mType = whatsmeow.MediaDocument
	}

	uploaded, err := s.client.Upload(ctx, media.Data, mType)
	if err != nil {
		return nil, pkgError.TransientError("media upload failed: " + err.Error())
	}

	msg := &waE2E.Message{}
	switch mType {
	case whatsmeow.MediaImage:
		msg.ImageMessage = &waE2E.ImageMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			Mimetype:      proto.String(media.MimeType),
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
			Caption:       proto.String(media.Caption),
		}
	case whatsmeow.MediaVideo:
		msg.VideoMessage = &waE2E.VideoMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			Mimetype:      proto.String(media.MimeType),
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
			Caption:       proto.String(media.Caption),
		}
	case whatsmeow.MediaAudio:
		msg.AudioMessage = &waE2E.AudioMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			Mimetype:      proto.String(media.MimeType),
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		}
	default:
		msg.DocumentMessage = &waE2E.DocumentMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			Mimetype:      proto.String(media.MimeType),
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
			Caption:       proto.String(media.Caption),
			FileName:      proto.String(media.FileName),
		}
	}
	return msg, nil
}

func isTransientSendErr(err error) bool {
	switch {
	case errors.Is(err, whatsmeow.ErrNotConnected),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, whatsmeow.ErrServerReturnedError):
		return true
	}
	return false
}

func classifySendErr(err error) error {
	switch {
	case errors.Is(err, whatsmeow.ErrNotLoggedIn):
		return pkgError.AuthError("session not logged in: " + err.Error())
	case isTransientSendErr(err):
		return pkgError.TransientError("send failed: " + err.Error())
	default:
		return pkgError.PermanentError("send rejected: " + err.Error())
	}
}
