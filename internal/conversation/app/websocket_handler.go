package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"live_conversation_service/internal/conversation/domain"
	"live_conversation_service/pkg"
	"live_conversation_service/pkg/logger"
	"live_conversation_service/pkg/middlewares"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const pingInterval = 30 * time.Second

// ConversationWebsocketHandler websocket 連線的進入點，聚合所有 UseCase
type ConversationWebsocketHandler struct {
	convUC     *ConversationUseCase
	deliveryUC *DeliveryUseCase
	presence   *PresenceTracker
	typing     *TypingTracker
}

// NewConversationWebsocketHandler create ConversationWebsocketHandler
func NewConversationWebsocketHandler(
	convUC *ConversationUseCase,
	deliveryUC *DeliveryUseCase,
	presence *PresenceTracker,
	typing *TypingTracker,
) *ConversationWebsocketHandler {
	return &ConversationWebsocketHandler{
		convUC:     convUC,
		deliveryUC: deliveryUC,
		presence:   presence,
		typing:     typing,
	}
}

// HandleConnection one websocket connection = one session
// 所有寫出都經由 session channel，單一 goroutine 寫 conn
func (h *ConversationWebsocketHandler) HandleConnection(ctx context.Context, conn *websocket.Conn) {
	tokenUser := conn.Locals(middlewares.TokenUserID)
	userID, ok := tokenUser.(string)
	if !ok || userID == "" {
		logger.Log.Error("websocket missing user id in locals")
		conn.Close()
		return
	}

	sessionID := uuid.New().String()
	session := h.presence.Connect(ctx, sessionID, userID)
	logger.Log.Info("websocket connected", zap.String("userID", userID), zap.String("sessionID", sessionID))

	ctxClose, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.presence.Disconnect(ctx, sessionID)
		// 最後一個 session 斷線時清掉殘留的 typing
		if len(h.presence.UserSessions(userID)) == 0 {
			h.typing.StopUser(userID)
		}
		logger.Log.Info("websocket closed", zap.String("userID", userID), zap.String("sessionID", sessionID))
		conn.Close()
	}()

	//client發出close
	//fiber會自動處理(在read msg 回傳err),故需要SetCloseHandler另外接出
	conn.SetCloseHandler(func(code int, text string) error {
		logger.Log.Infof("websocket close frame:", fmt.Sprintf("%d %s", code, text))
		return nil
	})

	//server發出ping之後client連線正常會回pong
	//fiber會自動處理回傳pong,故需要SetPongHandler另外接出
	conn.SetPongHandler(func(appData string) error {
		h.presence.Heartbeat(ctx, userID)
		return nil
	})

	// 唯一的 writer：事件與 ping 都從這裡出去
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case data, open := <-session.Events():
				if !open {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					logger.Log.Errorf("websocket write error:", err)
					return
				}
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
					logger.Log.Errorf("websocket ping error:", err)
					return
				}
			case <-ctxClose.Done():
				return
			}
		}
	}()

	for {
		mt, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Log.Infof("websocket connection closed:", err)
			} else {
				logger.Log.Errorf("websocket read error:", err)
			}
			return
		}
		h.execWebsocketAction(ctx, session, userID, mt, message)
	}
}

func (h *ConversationWebsocketHandler) execWebsocketAction(ctx context.Context, session *Session, userID string, mt int, msg []byte) {
	switch mt {
	case websocket.TextMessage:
		h.textMessageAction(ctx, session, userID, msg)
	default:
		h.sendError(session, "unknown message type")
	}
}

func (h *ConversationWebsocketHandler) textMessageAction(ctx context.Context, session *Session, userID string, msg []byte) {
	var req domain.WSRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		h.sendError(session, "invalid request json")
		return
	}

	resp := domain.WSResponse{Action: req.Action, Success: false, Payload: map[string]interface{}{}}
	switch req.Action {
	//進入會話房間，回傳最近一頁訊息當作快照
	case string(domain.ActionJoinRoom):
		if err := h.requireMember(ctx, req.ConversationID, userID); err != nil {
			resp.Error = err.Error()
			break
		}
		// 先訂閱再取快照，取頁期間送達的訊息由 live 推送補上，不會掉在縫隙裡
		h.presence.Subscribe(session.ID, req.ConversationID)
		msgs, err := h.deliveryUC.PageHistory(ctx, req.ConversationID, userID, req.BeforeSeq, req.Limit)
		if err != nil {
			h.presence.Unsubscribe(session.ID, req.ConversationID)
			resp.Error = err.Error()
			break
		}
		resp.Success = true
		resp.Payload["conversation_id"] = req.ConversationID
		resp.Payload["messages"] = msgs

	//離開會話房間，之後的事件不再推送
	case string(domain.ActionLeaveRoom):
		h.presence.Unsubscribe(session.ID, req.ConversationID)
		resp.Success = true
		resp.Payload["conversation_id"] = req.ConversationID

	//傳送訊息，未帶 conversation_id 時以 peer_id 建立或取回 direct 會話
	case string(domain.ActionSendMessage):
		conversationID := req.ConversationID
		if conversationID == "" && req.PeerID != "" {
			conv, err := h.convUC.GetOrCreateDirect(ctx, userID, req.PeerID)
			if err != nil {
				resp.Error = err.Error()
				break
			}
			conversationID = conv.ID
		}
		msgType := req.MessageType
		if msgType == "" {
			msgType = string(domain.MessageTypeText)
		}
		sent, err := h.deliveryUC.Send(ctx, SendInput{
			ConversationID: conversationID,
			SenderID:       userID,
			Type:           domain.MessageType(msgType),
			Content:        req.Content,
			ReplyTo:        req.ReplyTo,
		})
		if err != nil {
			resp.Error = err.Error()
		} else {
			h.typing.Stop(conversationID, userID)
			resp.Success = true
			resp.Payload["message_id"] = sent.ID
			resp.Payload["conversation_id"] = sent.ConversationID
			resp.Payload["seq"] = sent.Seq
		}

	//已讀：帶 message_id 標單筆，帶 up_to_seq 標到該序號為止
	case string(domain.ActionReadMessage):
		if req.MessageID != "" {
			err := h.deliveryUC.MarkReadMessage(ctx, req.MessageID, userID)
			if err != nil {
				resp.Error = err.Error()
			} else {
				resp.Success = true
			}
			break
		}
		unread, err := h.deliveryUC.MarkReadUpTo(ctx, req.ConversationID, userID, req.UpToSeq)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Success = true
			resp.Payload["unread_count"] = unread
		}

	//送達回報：接到 message:received 的客戶端標記自己 delivered，
	//連在其他節點、不在 send 當下本地快照裡的成員靠這裡補上
	case string(domain.ActionDelivered):
		err := h.deliveryUC.MarkDelivered(ctx, req.MessageID, userID)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Success = true
			resp.Payload["message_id"] = req.MessageID
		}

	case string(domain.ActionEditMessage):
		edited, err := h.deliveryUC.Edit(ctx, req.MessageID, userID, req.Content)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Success = true
			resp.Payload["message_id"] = edited.ID
			resp.Payload["edited_at"] = edited.EditedAt
		}

	case string(domain.ActionDeleteMessage):
		err := h.deliveryUC.SoftDelete(ctx, req.MessageID, userID)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Success = true
		}

	case string(domain.ActionTypingStart):
		if err := h.requireMember(ctx, req.ConversationID, userID); err != nil {
			resp.Error = err.Error()
			break
		}
		h.typing.Start(req.ConversationID, userID)
		resp.Success = true

	case string(domain.ActionTypingStop):
		if err := h.requireMember(ctx, req.ConversationID, userID); err != nil {
			resp.Error = err.Error()
			break
		}
		h.typing.Stop(req.ConversationID, userID)
		resp.Success = true

	//搜尋所有未讀數
	case string(domain.ActionGetUnread):
		infos, err := h.deliveryUC.ListUnread(ctx, userID)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Success = true
			for _, info := range infos {
				resp.Payload[info.ConversationID] = info.UnreadCount
			}
		}

	default:
		h.sendError(session, "unknown action")
		return
	}

	if resp.Error != "" {
		logger.Log.Error("websocket action failed",
			zap.String("userID", userID),
			zap.String("action", req.Action),
			zap.String("err", resp.Error))
	}
	h.sendResponse(session, resp)
}

func (h *ConversationWebsocketHandler) requireMember(ctx context.Context, conversationID, userID string) error {
	participants, err := h.convUC.GetMembership(ctx, conversationID)
	if err != nil {
		return err
	}
	if !pkg.Contains(participants, userID) {
		return domain.ErrForbidden
	}
	return nil
}

// sendResponse ack 也走 session channel，維持單一 writer
func (h *ConversationWebsocketHandler) sendResponse(session *Session, resp domain.WSResponse) {
	b, _ := json.Marshal(resp)
	if !session.TrySend(b) {
		logger.Log.Warn("websocket ack dropped", zap.String("sessionID", session.ID), zap.String("action", resp.Action))
	}
}

func (h *ConversationWebsocketHandler) sendError(session *Session, errorMsg string) {
	h.sendResponse(session, domain.WSResponse{
		Action:  "error",
		Success: false,
		Error:   errorMsg,
	})
}
