package rest

import (
	"github.com/gofiber/fiber/v2"

	"github.com/omnibridge/omnibridge/domain/channel"
	"github.com/omnibridge/omnibridge/gateway"
	pkgError "github.com/omnibridge/omnibridge/pkg/error"
	"github.com/omnibridge/omnibridge/pkg/utils"
)

type Channel struct {
	Gateway *gateway.Manager
}

func InitRestChannel(app fiber.Router, gw *gateway.Manager) Channel {
	rest := Channel{Gateway: gw}
	app.Get("/channels", rest.ListAccounts)
	app.Post("/channels/:accountID/connect", rest.Connect)
	app.Post("/channels/:accountID/disconnect", rest.Disconnect)
	app.Get("/channels/:accountID/status", rest.Status)
	app.Post("/channels/:accountID/messages", rest.SendMessage)
	app.Post("/channels/:accountID/media", rest.SendMedia)
	return rest
}

type connectRequest struct {
	ChannelType string              `json:"channel_type"`
	Credentials channel.Credentials `json:"credentials"`
}

func (handler *Channel) Connect(c *fiber.Ctx) error {
	accountID := c.Params("accountID")

	var req connectRequest
	if err := c.BodyParser(&req); err != nil {
		utils.PanicIfNeeded(pkgError.ValidationError("malformed connect request: " + err.Error()))
	}
	if req.Credentials.Type == "" {
		req.Credentials.Type = channel.ChannelType(req.ChannelType)
	}

	result, err := handler.Gateway.Connect(c.UserContext(), accountID, req.Credentials)
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Connect success",
		Results: result,
	})
}

func (handler *Channel) Disconnect(c *fiber.Ctx) error {
	accountID := c.Params("accountID")

	err := handler.Gateway.Disconnect(c.UserContext(), accountID)
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Disconnect success",
	})
}

func (handler *Channel) Status(c *fiber.Ctx) error {
	accountID := c.Params("accountID")

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Fetch status success",
		Results: map[string]any{
			"account_id": accountID,
			"status":     handler.Gateway.GetStatus(accountID),
			"connected":  handler.Gateway.IsConnected(accountID),
		},
	})
}

func (handler *Channel) ListAccounts(c *fiber.Ctx) error {
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Fetch accounts success",
		Results: handler.Gateway.GetActiveAccounts(),
	})
}

type sendMessageRequest struct {
	ChatID           string `json:"chat_id"`
	Text             string `json:"text"`
	ReplyToMessageID string `json:"reply_to_message_id"`
}

func (handler *Channel) SendMessage(c *fiber.Ctx) error {
	accountID := c.Params("accountID")

	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		utils.PanicIfNeeded(pkgError.ValidationError("malformed send request: " + err.Error()))
	}
	if req.ChatID == "" || req.Text == "" {
		utils.PanicIfNeeded(pkgError.ValidationError("chat_id and text are required"))
	}

	result, err := handler.Gateway.SendMessage(c.UserContext(), channel.SendParams{
		AccountID:        accountID,
		ChatID:           req.ChatID,
		Text:             req.Text,
		ReplyToMessageID: req.ReplyToMessageID,
	})
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Send message success",
		Results: result,
	})
}

type sendMediaRequest struct {
	ChatID   string `json:"chat_id"`
	URL      string `json:"url"`
	Data     []byte `json:"data"`
	MimeType string `json:"mime_type"`
	FileName string `json:"file_name"`
	Caption  string `json:"caption"`
}

func (handler *Channel) SendMedia(c *fiber.Ctx) error {
	accountID := c.Params("accountID")

	var req sendMediaRequest
	if err := c.BodyParser(&req); err != nil {
		utils.PanicIfNeeded(pkgError.ValidationError("malformed media request: " + err.Error()))
	}
	if req.ChatID == "" {
		utils.PanicIfNeeded(pkgError.ValidationError("chat_id is required"))
	}
	if req.URL == "" && len(req.Data) == 0 {
		utils.PanicIfNeeded(pkgError.ValidationError("url or data is required"))
	}

	result, err := handler.Gateway.SendMedia(c.UserContext(), channel.SendParams{
		AccountID: accountID,
		ChatID:    req.ChatID,
		Media: &channel.MediaPayload{
			URL:      req.URL,
			Data:     req.Data,
			MimeType: req.MimeType,
			FileName: req.FileName,
			Caption:  req.Caption,
		},
	})
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Send media success",
		Results: result,
	})
}
