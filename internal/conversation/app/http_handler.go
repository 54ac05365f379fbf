package app

import (
	"errors"

	"live_conversation_service/internal/conversation/domain"
	"live_conversation_service/pkg/logger"
	"live_conversation_service/pkg/middlewares"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// ConversationHTTPHandler 處理會話相關的 HTTP 請求
type ConversationHTTPHandler struct {
	convUC     *ConversationUseCase
	deliveryUC *DeliveryUseCase
}

// NewConversationHTTPHandler create ConversationHTTPHandler
func NewConversationHTTPHandler(convUC *ConversationUseCase, deliveryUC *DeliveryUseCase) *ConversationHTTPHandler {
	return &ConversationHTTPHandler{
		convUC:     convUC,
		deliveryUC: deliveryUC,
	}
}

// statusOf 由錯誤 sentinel 對應 HTTP 狀態碼
func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		return fiber.StatusForbidden
	case errors.Is(err, domain.ErrInvalidArgument):
		return fiber.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidState):
		return fiber.StatusConflict
	case errors.Is(err, domain.ErrUnavailable):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

func callerID(c *fiber.Ctx) (string, bool) {
	userID, ok := c.Locals(middlewares.TokenUserID).(string)
	return userID, ok && userID != ""
}

// ListConversations 取得使用者的會話列表，archived 預設排除
func (h *ConversationHTTPHandler) ListConversations(c *fiber.Ctx) error {
	userID, ok := callerID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing user id"})
	}

	includeArchived := c.QueryBool("include_archived", false)
	summaries, err := h.convUC.ListConversations(c.Context(), userID, includeArchived)
	if err != nil {
		return c.Status(statusOf(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"conversations": summaries})
}

// CreateDirect lookup-or-create direct 會話，重複呼叫回同一個 ID
func (h *ConversationHTTPHandler) CreateDirect(c *fiber.Ctx) error {
	userID, ok := callerID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing user id"})
	}

	type request struct {
		PeerID string `json:"peer_id"`
	}
	var req request
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request"})
	}

	conv, err := h.convUC.GetOrCreateDirect(c.Context(), userID, req.PeerID)
	if err != nil {
		return c.Status(statusOf(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"conversation": conv})
}

// CreateGroup 建立群組會話
func (h *ConversationHTTPHandler) CreateGroup(c *fiber.Ctx) error {
	userID, ok := callerID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing user id"})
	}

	type request struct {
		Name         string   `json:"name"`
		Participants []string `json:"participants"`
	}
	var req request
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request"})
	}

	conv, err := h.convUC.CreateGroup(c.Context(), userID, req.Participants, req.Name)
	if err != nil {
		return c.Status(statusOf(err)).JSON(fiber.Map{"error": err.Error()})
	}
	logger.Log.Info("group created", zap.String("conversationID", conv.ID), zap.String("creator", userID))
	return c.JSON(fiber.Map{"conversation": conv})
}

// UpdateSetting per participant muted/archived 設定
func (h *ConversationHTTPHandler) UpdateSetting(c *fiber.Ctx) error {
	userID, ok := callerID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing user id"})
	}

	type request struct {
		Muted    *bool `json:"muted"`
		Archived *bool `json:"archived"`
	}
	var req request
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request"})
	}

	err := h.convUC.UpdateSetting(c.Context(), c.Params("id"), userID, domain.SettingPatch{
		Muted:    req.Muted,
		Archived: req.Archived,
	})
	if err != nil {
		return c.Status(statusOf(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"message": "setting updated"})
}

// GetMessages 往回分頁，before_seq 未帶時從最新開始
func (h *ConversationHTTPHandler) GetMessages(c *fiber.Ctx) error {
	userID, ok := callerID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing user id"})
	}

	beforeSeq := int64(c.QueryInt("before_seq", 0))
	limit := int64(c.QueryInt("limit", 0))
	msgs, err := h.deliveryUC.PageHistory(c.Context(), c.Params("id"), userID, beforeSeq, limit)
	if err != nil {
		return c.Status(statusOf(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"messages": msgs})
}

// SendMessage REST 版傳送訊息，行為與 websocket send_message 相同
func (h *ConversationHTTPHandler) SendMessage(c *fiber.Ctx) error {
	userID, ok := callerID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing user id"})
	}

	type request struct {
		Type    string `json:"type"`
		Content string `json:"content"`
		ReplyTo string `json:"reply_to"`
	}
	var req request
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request"})
	}
	if req.Type == "" {
		req.Type = string(domain.MessageTypeText)
	}

	msg, err := h.deliveryUC.Send(c.Context(), SendInput{
		ConversationID: c.Params("id"),
		SenderID:       userID,
		Type:           domain.MessageType(req.Type),
		Content:        req.Content,
		ReplyTo:        req.ReplyTo,
	})
	if err != nil {
		return c.Status(statusOf(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"message": msg})
}

// MarkRead 已讀到 up_to_seq，回傳重算後的 unread
func (h *ConversationHTTPHandler) MarkRead(c *fiber.Ctx) error {
	userID, ok := callerID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing user id"})
	}

	type request struct {
		UpToSeq int64 `json:"up_to_seq"`
	}
	var req request
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request"})
	}

	unread, err := h.deliveryUC.MarkReadUpTo(c.Context(), c.Params("id"), userID, req.UpToSeq)
	if err != nil {
		return c.Status(statusOf(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"unread_count": unread})
}

// GetReceipts 取訊息的 delivered / read 稽核紀錄
func (h *ConversationHTTPHandler) GetReceipts(c *fiber.Ctx) error {
	userID, ok := callerID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing user id"})
	}

	receipts, err := h.deliveryUC.GetReceipts(c.Context(), c.Params("id"), userID)
	if err != nil {
		return c.Status(statusOf(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"receipts": receipts})
}

// GetUnread 所有會話的未讀數
func (h *ConversationHTTPHandler) GetUnread(c *fiber.Ctx) error {
	userID, ok := callerID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing user id"})
	}

	infos, err := h.deliveryUC.ListUnread(c.Context(), userID)
	if err != nil {
		return c.Status(statusOf(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"unread": infos})
}
