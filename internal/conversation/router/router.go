package router

import (
	"context"

	"live_conversation_service/internal/conversation/app"
	"live_conversation_service/pkg/middlewares"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// RegisterRoutes 注册會話相關的路由
func RegisterRoutes(r *fiber.App, wsHandler *app.ConversationWebsocketHandler, httpHandler *app.ConversationHTTPHandler) {
	r.Use(middlewares.JWTMiddleware())

	r.Get("/ws", websocket.New(func(c *websocket.Conn) {
		wsHandler.HandleConnection(context.Background(), c)
	}))

	conv := r.Group("/conversations")
	conv.Get("/", httpHandler.ListConversations)
	conv.Post("/direct", httpHandler.CreateDirect)
	conv.Post("/group", httpHandler.CreateGroup)
	conv.Patch("/:id/settings", httpHandler.UpdateSetting)
	conv.Get("/:id/messages", httpHandler.GetMessages)
	conv.Post("/:id/messages", httpHandler.SendMessage)
	conv.Post("/:id/read", httpHandler.MarkRead)

	r.Get("/messages/:id/receipts", httpHandler.GetReceipts)
	r.Get("/unread", httpHandler.GetUnread)
}
