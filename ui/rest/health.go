package rest

import (
	"github.com/gofiber/fiber/v2"

	"github.com/omnibridge/omnibridge/core/config"
	"github.com/omnibridge/omnibridge/domain/channel"
	"github.com/omnibridge/omnibridge/gateway"
	"github.com/omnibridge/omnibridge/pkg/utils"
)

type Health struct {
	Gateway *gateway.Manager
}

func InitRestHealth(app fiber.Router, gw *gateway.Manager) Health {
	rest := Health{Gateway: gw}
	app.Get("/health", rest.Health)
	app.Get("/version", rest.Version)
	return rest
}

func (handler *Health) Health(c *fiber.Ctx) error {
	accounts := handler.Gateway.GetActiveAccounts()
	connected := 0
	for _, a := range accounts {
		if a.Status == channel.StatusConnected {
			connected++
		}
	}

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Service healthy",
		Results: map[string]any{
			"accounts":  len(accounts),
			"connected": connected,
		},
	})
}

func (handler *Health) Version(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"version":     config.Global.App.Version,
		"environment": config.Global.App.Environment,
	})
}
