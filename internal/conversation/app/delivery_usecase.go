package app

import (
	"context"
	"fmt"
	"time"

	"live_conversation_service/internal/conversation/domain"
	"live_conversation_service/internal/conversation/repository"
	"live_conversation_service/pkg"
	errprocess "live_conversation_service/pkg/err"
	"live_conversation_service/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
	pushPreviewLen   = 80
	markReadRetries  = 3
)

// PushQueue enqueue offline push work for the external push service
type PushQueue interface {
	Enqueue(ctx context.Context, job domain.PushJob) error
}

// DeliveryUseCase 訊息的傳送、送達與已讀狀態機
// 狀態只會 pending -> delivered -> read 單向前進
type DeliveryUseCase struct {
	convRepo    repository.ConversationRepository
	msgRepo     repository.MessageRepository
	stateRepo   repository.ParticipantStateRepository
	receiptRepo repository.ReceiptRepository
	presence    *PresenceTracker
	router      *EventRouter
	push        PushQueue
}

// NewDeliveryUseCase init delivery use case
func NewDeliveryUseCase(
	convRepo repository.ConversationRepository,
	msgRepo repository.MessageRepository,
	stateRepo repository.ParticipantStateRepository,
	receiptRepo repository.ReceiptRepository,
	presence *PresenceTracker,
	router *EventRouter,
	push PushQueue,
) *DeliveryUseCase {
	return &DeliveryUseCase{
		convRepo:    convRepo,
		msgRepo:     msgRepo,
		stateRepo:   stateRepo,
		receiptRepo: receiptRepo,
		presence:    presence,
		router:      router,
		push:        push,
	}
}

// SendInput parameters of a send
type SendInput struct {
	ConversationID string
	SenderID       string
	Type           domain.MessageType
	Content        string
	ReplyTo        string
}

// memberOf load the conversation and verify membership
func (uc *DeliveryUseCase) memberOf(ctx context.Context, conversationID, userID string) (*domain.Conversation, error) {
	conv, err := uc.convRepo.FindByID(ctx, conversationID)
	if err != nil {
		return nil, errprocess.Wrap(domain.ErrUnavailable, err.Error())
	}
	if conv == nil {
		return nil, errprocess.Wrap(domain.ErrNotFound, fmt.Sprintf("conversation %s", conversationID))
	}
	if !conv.HasParticipant(userID) {
		return nil, errprocess.Wrap(domain.ErrForbidden, fmt.Sprintf("%s is not a participant of %s", userID, conversationID))
	}
	return conv, nil
}

// Send persist one message then fan it out
// 持久化先於可見性：Insert 失敗時不發任何事件、不動任何計數
func (uc *DeliveryUseCase) Send(ctx context.Context, in SendInput) (*domain.Message, error) {
	conv, err := uc.memberOf(ctx, in.ConversationID, in.SenderID)
	if err != nil {
		return nil, err
	}
	if !domain.ValidMessageType(in.Type) {
		return nil, errprocess.Wrap(domain.ErrInvalidArgument, fmt.Sprintf("unknown message type %q", in.Type))
	}
	if in.Content == "" {
		return nil, errprocess.Wrap(domain.ErrInvalidArgument, "empty content")
	}
	if in.ReplyTo != "" {
		parent, err := uc.msgRepo.FindByID(ctx, in.ReplyTo)
		if err != nil {
			return nil, errprocess.Wrap(domain.ErrUnavailable, err.Error())
		}
		if parent == nil || parent.ConversationID != in.ConversationID {
			return nil, errprocess.Wrap(domain.ErrNotFound, fmt.Sprintf("reply target %s", in.ReplyTo))
		}
	}

	now := time.Now().Unix()
	msg := &domain.Message{
		ID:             uuid.New().String(),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Type:           in.Type,
		Content:        in.Content,
		ReplyTo:        in.ReplyTo,
		CreatedAt:      now,
	}
	if err := uc.msgRepo.Insert(ctx, msg); err != nil {
		return nil, errprocess.Wrap(domain.ErrUnavailable, err.Error())
	}

	// 1. 對在此會話房間內的成員標記 delivered (sender 除外)
	present := uc.presence.PresentIn(in.ConversationID, conv.Participants)
	for _, userID := range present {
		if userID == in.SenderID {
			continue
		}
		if err := uc.msgRepo.AddDelivered(ctx, msg.ID, userID); err != nil {
			logger.Log.Error("mark delivered failed", zap.String("messageID", msg.ID), zap.String("userID", userID), zap.Error(err))
			continue
		}
		msg.DeliveredTo = pkg.Union(msg.DeliveredTo, userID)
		uc.recordReceipt(ctx, msg.ID, userID, domain.ReceiptDelivered, now)
	}

	// 2. 廣播 message:received，sender 由 ack 得知結果，不收事件
	uc.router.Emit(domain.Event{
		Namespace: domain.NamespaceMessaging,
		Event:     domain.EventMessageReceived,
		Room:      in.ConversationID,
		Payload:   messagePayload(msg),
	}, in.SenderID)

	// 3. 其他成員 unread + 1，離線且未靜音者排 push job
	others := make([]string, 0, len(conv.Participants))
	for _, userID := range conv.Participants {
		if userID != in.SenderID {
			others = append(others, userID)
		}
	}
	if err := uc.stateRepo.IncrementUnread(ctx, in.ConversationID, others); err != nil {
		logger.Log.Error("increment unread failed", zap.String("conversationID", in.ConversationID), zap.Error(err))
	}
	if err := uc.convRepo.UpdateLastMessageAt(ctx, in.ConversationID, now); err != nil {
		logger.Log.Error("update last_message_at failed", zap.String("conversationID", in.ConversationID), zap.Error(err))
	}
	uc.enqueuePushJobs(ctx, conv, msg, others)

	return msg, nil
}

// enqueuePushJobs 離線且未靜音的成員才排 push
func (uc *DeliveryUseCase) enqueuePushJobs(ctx context.Context, conv *domain.Conversation, msg *domain.Message, others []string) {
	if uc.push == nil {
		return
	}
	preview := msg.Content
	if len(preview) > pushPreviewLen {
		preview = preview[:pushPreviewLen]
	}
	for _, userID := range others {
		if uc.presence.IsOnline(ctx, userID) {
			continue
		}
		state, err := uc.stateRepo.Get(ctx, conv.ID, userID)
		if err != nil {
			logger.Log.Error("load participant state failed", zap.String("conversationID", conv.ID), zap.String("userID", userID), zap.Error(err))
			continue
		}
		if state.Muted {
			continue
		}
		job := domain.PushJob{
			UserID:         userID,
			ConversationID: conv.ID,
			MessageID:      msg.ID,
			SenderID:       msg.SenderID,
			Preview:        preview,
			CreatedAt:      msg.CreatedAt,
		}
		if err := uc.push.Enqueue(ctx, job); err != nil {
			logger.Log.Error("enqueue push job failed", zap.String("userID", userID), zap.Error(err))
		}
	}
}

// MarkDelivered a single message reached userID's device
func (uc *DeliveryUseCase) MarkDelivered(ctx context.Context, messageID, userID string) error {
	msg, err := uc.loadMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if _, err := uc.memberOf(ctx, msg.ConversationID, userID); err != nil {
		return err
	}
	if err := uc.msgRepo.AddDelivered(ctx, messageID, userID); err != nil {
		return errprocess.Wrap(domain.ErrUnavailable, err.Error())
	}
	uc.recordReceipt(ctx, messageID, userID, domain.ReceiptDelivered, time.Now().Unix())
	return nil
}

// MarkReadMessage a single message was read, idempotent
func (uc *DeliveryUseCase) MarkReadMessage(ctx context.Context, messageID, userID string) error {
	msg, err := uc.loadMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if _, err := uc.memberOf(ctx, msg.ConversationID, userID); err != nil {
		return err
	}
	if err := uc.msgRepo.AddRead(ctx, messageID, userID); err != nil {
		return errprocess.Wrap(domain.ErrUnavailable, err.Error())
	}
	uc.recordReceipt(ctx, messageID, userID, domain.ReceiptRead, time.Now().Unix())
	return nil
}

// MarkReadUpTo mark everything up to upToSeq read and settle unread
// unread 用「扣掉本次新讀到的筆數」而非覆寫重算，水位 CAS 失敗就重試。
// 同時進來的 send 增加的 unread 不會被這裡蓋掉
func (uc *DeliveryUseCase) MarkReadUpTo(ctx context.Context, conversationID, userID string, upToSeq int64) (int64, error) {
	if _, err := uc.memberOf(ctx, conversationID, userID); err != nil {
		return 0, err
	}
	if upToSeq < 0 {
		return 0, errprocess.Wrap(domain.ErrInvalidArgument, fmt.Sprintf("negative seq %d", upToSeq))
	}
	if err := uc.msgRepo.AddReadUpTo(ctx, conversationID, userID, upToSeq); err != nil {
		return 0, errprocess.Wrap(domain.ErrUnavailable, err.Error())
	}

	for attempt := 0; attempt < markReadRetries; attempt++ {
		state, err := uc.stateRepo.Get(ctx, conversationID, userID)
		if err != nil {
			return 0, errprocess.Wrap(domain.ErrUnavailable, err.Error())
		}

		// 遲到的較小 upToSeq 不可把水位拉回去
		effectiveSeq := upToSeq
		if state.LastReadSeq > effectiveSeq {
			effectiveSeq = state.LastReadSeq
		}
		// 夾到目前的 head，超前的 ack 視為讀到最新
		last, err := uc.msgRepo.LastSeq(ctx, conversationID)
		if err != nil {
			return 0, errprocess.Wrap(domain.ErrUnavailable, err.Error())
		}
		if effectiveSeq > last && state.LastReadSeq <= last {
			effectiveSeq = last
		}
		if effectiveSeq == state.LastReadSeq {
			return state.UnreadCount, nil
		}

		// 區間計數後才落地的新訊息 seq 必大於 effectiveSeq，不會被算進 newlyRead，
		// 它加上去的 unread 在扣減後仍然保留
		newlyRead, err := uc.msgRepo.CountBetween(ctx, conversationID, userID, state.LastReadSeq, effectiveSeq)
		if err != nil {
			return 0, errprocess.Wrap(domain.ErrUnavailable, err.Error())
		}
		applied, err := uc.stateRepo.SetRead(ctx, conversationID, userID, state.LastReadSeq, effectiveSeq, newlyRead)
		if err != nil {
			return 0, errprocess.Wrap(domain.ErrUnavailable, err.Error())
		}
		if !applied {
			// 水位被同時的 markRead 推過了，拿新水位重來
			continue
		}
		settled, err := uc.stateRepo.Get(ctx, conversationID, userID)
		if err != nil {
			return 0, errprocess.Wrap(domain.ErrUnavailable, err.Error())
		}
		return settled.UnreadCount, nil
	}
	return 0, errprocess.Wrap(domain.ErrUnavailable, fmt.Sprintf("mark read contention on %s", conversationID))
}

// Edit replace content, sender only, deleted messages are not editable
func (uc *DeliveryUseCase) Edit(ctx context.Context, messageID, userID, newContent string) (*domain.Message, error) {
	if newContent == "" {
		return nil, errprocess.Wrap(domain.ErrInvalidArgument, "empty content")
	}
	msg, err := uc.loadMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, errprocess.Wrap(domain.ErrForbidden, "only the sender can edit")
	}
	if msg.Deleted {
		return nil, errprocess.Wrap(domain.ErrInvalidState, fmt.Sprintf("message %s is deleted", messageID))
	}

	now := time.Now().Unix()
	if err := uc.msgRepo.SetEdited(ctx, messageID, newContent, now); err != nil {
		return nil, errprocess.Wrap(domain.ErrUnavailable, err.Error())
	}
	msg.Content = newContent
	msg.Edited = true
	msg.EditedAt = now

	uc.router.Emit(domain.Event{
		Namespace: domain.NamespaceMessaging,
		Event:     domain.EventMessageEdited,
		Room:      msg.ConversationID,
		Payload: map[string]interface{}{
			"message_id":      msg.ID,
			"conversation_id": msg.ConversationID,
			"sender_id":       msg.SenderID,
			"content":         newContent,
			"edited_at":       now,
		},
	}, userID)
	return msg, nil
}

// SoftDelete tombstone a message, sender only, idempotent
// id/seq/created_at 與 delivered/read 集合保留，內容清空
func (uc *DeliveryUseCase) SoftDelete(ctx context.Context, messageID, userID string) error {
	msg, err := uc.loadMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != userID {
		return errprocess.Wrap(domain.ErrForbidden, "only the sender can delete")
	}
	if msg.Deleted {
		return nil
	}

	now := time.Now().Unix()
	if err := uc.msgRepo.SetDeleted(ctx, messageID, now); err != nil {
		return errprocess.Wrap(domain.ErrUnavailable, err.Error())
	}
	uc.router.Emit(domain.Event{
		Namespace: domain.NamespaceMessaging,
		Event:     domain.EventMessageDeleted,
		Room:      msg.ConversationID,
		Payload: map[string]interface{}{
			"message_id":      msg.ID,
			"conversation_id": msg.ConversationID,
			"sender_id":       msg.SenderID,
			"deleted_at":      now,
		},
	}, userID)
	return nil
}

// PageHistory page backwards, beforeSeq <= 0 means "from latest"
func (uc *DeliveryUseCase) PageHistory(ctx context.Context, conversationID, userID string, beforeSeq, limit int64) ([]domain.Message, error) {
	if _, err := uc.memberOf(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if beforeSeq <= 0 {
		last, err := uc.msgRepo.LastSeq(ctx, conversationID)
		if err != nil {
			return nil, errprocess.Wrap(domain.ErrUnavailable, err.Error())
		}
		beforeSeq = last + 1
	}
	msgs, err := uc.msgRepo.PageBefore(ctx, conversationID, beforeSeq, limit)
	if err != nil {
		return nil, errprocess.Wrap(domain.ErrUnavailable, err.Error())
	}
	return msgs, nil
}

// ListUnread unread counts per conversation for a user
func (uc *DeliveryUseCase) ListUnread(ctx context.Context, userID string) ([]domain.ConversationUnreadInfo, error) {
	states, err := uc.stateRepo.ListForUser(ctx, userID)
	if err != nil {
		return nil, errprocess.Wrap(domain.ErrUnavailable, err.Error())
	}
	infos := make([]domain.ConversationUnreadInfo, 0, len(states))
	for _, state := range states {
		if state.UnreadCount == 0 {
			continue
		}
		infos = append(infos, domain.ConversationUnreadInfo{
			ConversationID: state.ConversationID,
			UnreadCount:    state.UnreadCount,
		})
	}
	return infos, nil
}

// GetReceipts audit rows of a message, participants only
func (uc *DeliveryUseCase) GetReceipts(ctx context.Context, messageID, userID string) ([]domain.Receipt, error) {
	msg, err := uc.loadMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := uc.memberOf(ctx, msg.ConversationID, userID); err != nil {
		return nil, err
	}
	if uc.receiptRepo == nil {
		return nil, nil
	}
	receipts, err := uc.receiptRepo.FindByMessage(ctx, messageID)
	if err != nil {
		return nil, errprocess.Wrap(domain.ErrUnavailable, err.Error())
	}
	return receipts, nil
}

func (uc *DeliveryUseCase) loadMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	msg, err := uc.msgRepo.FindByID(ctx, messageID)
	if err != nil {
		return nil, errprocess.Wrap(domain.ErrUnavailable, err.Error())
	}
	if msg == nil {
		return nil, errprocess.Wrap(domain.ErrNotFound, fmt.Sprintf("message %s", messageID))
	}
	return msg, nil
}

// recordReceipt best effort audit write, 失敗只記 log 不影響狀態機
func (uc *DeliveryUseCase) recordReceipt(ctx context.Context, messageID, userID string, kind domain.ReceiptKind, ts int64) {
	if uc.receiptRepo == nil {
		return
	}
	err := uc.receiptRepo.Record(ctx, domain.Receipt{
		MessageID:  messageID,
		UserID:     userID,
		Kind:       kind,
		RecordedAt: ts,
	})
	if err != nil {
		logger.Log.Error("record receipt failed", zap.String("messageID", messageID), zap.String("userID", userID), zap.String("kind", string(kind)), zap.Error(err))
	}
}

func messagePayload(msg *domain.Message) map[string]interface{} {
	payload := map[string]interface{}{
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
		"sender_id":       msg.SenderID,
		"seq":             msg.Seq,
		"type":            string(msg.Type),
		"content":         msg.Content,
		"created_at":      msg.CreatedAt,
	}
	if msg.ReplyTo != "" {
		payload["reply_to"] = msg.ReplyTo
	}
	return payload
}
