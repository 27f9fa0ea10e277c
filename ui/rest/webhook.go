package rest

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	pkgError "github.com/omnibridge/omnibridge/pkg/error"
	"github.com/omnibridge/omnibridge/pkg/utils"
	"github.com/omnibridge/omnibridge/pkg/webhooksig"
)

// WebhookChannel is the inbound half an adapter exposes when its network
// delivers events by webhook. Verification happens here, before the body
// reaches the adapter.
type WebhookChannel interface {
	HandleWebhook(accountID string, body []byte) error
}

type Webhook struct {
	Verifier *webhooksig.Verifier
	// VerifyToken answers the page-network subscribe handshake.
	VerifyToken string
	Messenger   WebhookChannel
	ShopChat    WebhookChannel
}

func InitRestWebhook(app fiber.Router, w Webhook) Webhook {
	app.Get("/webhooks/messenger/:accountID", w.MessengerHandshake)
	app.Post("/webhooks/messenger/:accountID", w.MessengerEvent)
	app.Post("/webhooks/shopchat/:accountID", w.ShopChatEvent)
	return w
}

// MessengerHandshake answers the subscribe verification GET. The network
// expects the raw challenge echoed back on a token match.
func (h *Webhook) MessengerHandshake(c *fiber.Ctx) error {
	if c.Query("hub.mode") == "subscribe" && c.Query("hub.verify_token") == h.VerifyToken && h.VerifyToken != "" {
		return c.SendString(c.Query("hub.challenge"))
	}
	return c.SendStatus(fiber.StatusForbidden)
}

// MessengerEvent verifies the shared-secret signature and hands the body to
// the adapter. The endpoint answers 200 even on a bad signature: this
// network disables webhooks for endpoints that keep erroring, and a
// rejected payload is not worth losing the subscription over.
func (h *Webhook) MessengerEvent(c *fiber.Ctx) error {
	accountID := c.Params("accountID")
	body := append([]byte(nil), c.Body()...)

	if err := h.Verifier.VerifySharedSecret(accountID, c.Get("X-Hub-Signature-256"), body); err != nil {
		logrus.WithError(err).Warnf("[WEBHOOK] Rejected messenger payload for account %s", accountID)
		return c.JSON(utils.ResponseData{Status: 200, Code: "IGNORED", Message: "signature rejected"})
	}

	// Processing is async so slow downstream work never stalls the
	// network's delivery pipeline into retry storms.
	go func() {
		if err := h.Messenger.HandleWebhook(accountID, body); err != nil {
			logrus.WithError(err).Warnf("[WEBHOOK] Messenger payload failed for account %s", accountID)
		}
	}()

	return c.JSON(utils.ResponseData{Status: 200, Code: "SUCCESS", Message: "Event received"})
}

// ShopChatEvent verifies the timestamp-qualified signature. Unlike the page
// network, this one expects an explicit 4xx on verification failure and
// retries with backoff.
func (h *Webhook) ShopChatEvent(c *fiber.Ctx) error {
	accountID := c.Params("accountID")
	body := append([]byte(nil), c.Body()...)

	if err := h.Verifier.VerifyTimestamped(accountID, c.Get("X-Shop-Signature"), body); err != nil {
		utils.PanicIfNeeded(err)
	}

	if err := h.ShopChat.HandleWebhook(accountID, body); err != nil {
		var vErr pkgError.ValidationError
		if errors.As(err, &vErr) {
			utils.PanicIfNeeded(err)
		}
		logrus.WithError(err).Warnf("[WEBHOOK] ShopChat payload failed for account %s", accountID)
	}

	return c.JSON(utils.ResponseData{Status: 200, Code: "SUCCESS", Message: "Event received"})
}
