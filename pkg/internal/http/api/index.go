package api

import (
	"git.solsynth.dev/hypernet/courier/pkg/internal/http/exts"
	"git.solsynth.dev/hypernet/courier/pkg/internal/services"
	"git.solsynth.dev/hypernet/courier/pkg/internal/transport"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

type Server struct {
	delivery *services.Delivery
	adapter  *transport.Adapter
}

func NewServer(delivery *services.Delivery, adapter *transport.Adapter) *Server {
	return &Server{delivery: delivery, adapter: adapter}
}

func (v *Server) MapAPIs(app *fiber.App, baseURL string) {
	api := app.Group(baseURL, exts.AuthMiddleware).Name("API")
	{
		quick := api.Group("/quick")
		{
			quick.Post("/:messageId/reply", v.quickReply)
		}

		scopes := api.Group("/scopes/:kind/:scopeId").Name("Scopes API")
		{
			scopes.Get("/messages", v.listMessages)
			scopes.Post("/messages", v.sendMessage)
			scopes.Post("/read", v.markRead)
			scopes.Get("/unread", v.getUnreadCount)
			scopes.Post("/typing", v.setTyping)
		}

		messages := api.Group("/messages").Name("Messages API")
		{
			messages.Put("/:messageId", v.editMessage)
			messages.Delete("/:messageId", v.deleteMessage)
			messages.Post("/:messageId/reactions", v.reactMessage)
		}

		api.Get("/unread", v.getUnread)

		api.Get("/ws", upgradeMiddleware, websocket.New(v.messageGateway))

		poll := api.Group("/poll").Name("Poll API")
		{
			poll.Post("/", v.openPoll)
			poll.Delete("/:sessionId", v.closePoll)
			poll.Post("/:sessionId/scopes/:kind/:scopeId", v.joinPollScope)
			poll.Delete("/:sessionId/scopes/:kind/:scopeId", v.leavePollScope)
			poll.Get("/:sessionId/scopes/:kind/:scopeId", v.drainPollScope)
		}
	}
}

func upgradeMiddleware(c *fiber.Ctx) error {
	if err := exts.EnsureAuthenticated(c); err != nil {
		return err
	}
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return c.Next()
}
