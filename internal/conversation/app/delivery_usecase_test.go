package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"live_conversation_service/internal/conversation/domain"
	"live_conversation_service/internal/conversation/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type deliveryFixture struct {
	convRepo    *repository.MemoryConversationRepository
	msgRepo     *repository.MemoryMessageRepository
	stateRepo   *repository.MemoryParticipantStateRepository
	receiptRepo *repository.MemoryReceiptRepository
	presence    *PresenceTracker
	router      *EventRouter
	push        *MockPushQueue
	uc          *DeliveryUseCase
}

func newDeliveryFixture() *deliveryFixture {
	f := &deliveryFixture{
		convRepo:    repository.NewMemoryConversationRepository(),
		msgRepo:     repository.NewMemoryMessageRepository(),
		stateRepo:   repository.NewMemoryParticipantStateRepository(),
		receiptRepo: repository.NewMemoryReceiptRepository(),
		push:        new(MockPushQueue),
	}
	f.presence = NewPresenceTracker(nil, time.Minute, 16)
	f.router = NewEventRouter(f.presence, nil, nil, "node-test")
	f.uc = NewDeliveryUseCase(f.convRepo, f.msgRepo, f.stateRepo, f.receiptRepo, f.presence, f.router, f.push)
	return f
}

func (f *deliveryFixture) newGroup(t *testing.T, participants ...string) *domain.Conversation {
	t.Helper()
	conv := &domain.Conversation{
		ID:           uuid.New().String(),
		Type:         domain.ConversationTypeGroup,
		Participants: participants,
		CreatorID:    participants[0],
		CreatedAt:    time.Now().Unix(),
	}
	assert.NoError(t, f.convRepo.Create(context.Background(), conv))
	return conv
}

// joinRoom connect a session and subscribe it to the conversation room
func (f *deliveryFixture) joinRoom(userID, roomID string) *Session {
	session := f.presence.Connect(context.Background(), "session-"+userID, userID)
	f.presence.Subscribe(session.ID, roomID)
	return session
}

func recvEvent(t *testing.T, session *Session) domain.Event {
	t.Helper()
	select {
	case data, open := <-session.Events():
		assert.True(t, open, "session closed")
		var evt domain.Event
		assert.NoError(t, json.Unmarshal(data, &evt))
		return evt
	case <-time.After(time.Second):
		t.Fatal("expected an event, got none")
	}
	return domain.Event{}
}

func assertNoEvent(t *testing.T, session *Session) {
	t.Helper()
	select {
	case data := <-session.Events():
		t.Fatalf("unexpected event: %s", data)
	default:
	}
}

// 傳送：持久化、同步標記房間內成員 delivered、廣播事件、unread+1、離線者排 push
func TestSend_DeliversToPresentParticipants(t *testing.T) {
	ctx := context.Background()
	f := newDeliveryFixture()
	conv := f.newGroup(t, "user-a", "user-b", "user-c")

	sessionA := f.joinRoom("user-a", conv.ID)
	sessionB := f.joinRoom("user-b", conv.ID)
	// user-c 離線

	f.push.On("Enqueue", mock.Anything, mock.MatchedBy(func(job domain.PushJob) bool {
		return job.UserID == "user-c"
	})).Return(nil).Once()

	msg, err := f.uc.Send(ctx, SendInput{
		ConversationID: conv.ID,
		SenderID:       "user-a",
		Type:           domain.MessageTypeText,
		Content:        "hello room",
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(1), msg.Seq)
	assert.ElementsMatch(t, []string{"user-b"}, msg.DeliveredTo)

	// 在房間內的 user-b 收到事件
	evt := recvEvent(t, sessionB)
	assert.Equal(t, domain.EventMessageReceived, evt.Event)
	assert.Equal(t, conv.ID, evt.Room)
	assert.Equal(t, msg.ID, evt.Payload["message_id"])
	assert.Equal(t, "user-a", evt.Payload["sender_id"])

	// sender 由 ack 得知結果，不收自己的事件
	assertNoEvent(t, sessionA)

	// 其他成員 unread + 1，sender 不變
	for user, want := range map[string]int64{"user-a": 0, "user-b": 1, "user-c": 1} {
		state, err := f.stateRepo.Get(ctx, conv.ID, user)
		assert.NoError(t, err)
		assert.Equal(t, want, state.UnreadCount, user)
	}

	// delivered receipt 只有 user-b
	receipts, err := f.receiptRepo.FindByMessage(ctx, msg.ID)
	assert.NoError(t, err)
	assert.Len(t, receipts, 1)
	assert.Equal(t, "user-b", receipts[0].UserID)
	assert.Equal(t, domain.ReceiptDelivered, receipts[0].Kind)

	f.push.AssertExpectations(t)
}

func TestSend_Validation(t *testing.T) {
	ctx := context.Background()
	f := newDeliveryFixture()
	conv := f.newGroup(t, "user-a", "user-b")
	f.push.On("Enqueue", mock.Anything, mock.Anything).Return(nil)

	_, err := f.uc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "user-x", Type: domain.MessageTypeText, Content: "hi"})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.uc.Send(ctx, SendInput{ConversationID: "missing", SenderID: "user-a", Type: domain.MessageTypeText, Content: "hi"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.uc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "user-a", Type: "sticker", Content: "hi"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.uc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "user-a", Type: domain.MessageTypeText, Content: ""})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	// reply 目標必須在同一個會話
	other := f.newGroup(t, "user-a", "user-c")
	parent, err := f.uc.Send(ctx, SendInput{ConversationID: other.ID, SenderID: "user-a", Type: domain.MessageTypeText, Content: "elsewhere"})
	assert.NoError(t, err)
	_, err = f.uc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "user-a", Type: domain.MessageTypeText, Content: "re", ReplyTo: parent.ID})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// 持久化失敗：不發事件、不動 unread、不排 push
func TestSend_StoreFailureEmitsNothing(t *testing.T) {
	ctx := context.Background()
	f := newDeliveryFixture()
	conv := f.newGroup(t, "user-a", "user-b")
	sessionB := f.joinRoom("user-b", conv.ID)

	mockMsgRepo := new(MockMessageRepository)
	mockMsgRepo.On("Insert", ctx, mock.Anything).Return(errors.New("mongo down"))
	uc := NewDeliveryUseCase(f.convRepo, mockMsgRepo, f.stateRepo, f.receiptRepo, f.presence, f.router, f.push)

	_, err := uc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "user-a", Type: domain.MessageTypeText, Content: "hi"})
	assert.ErrorIs(t, err, domain.ErrUnavailable)

	assertNoEvent(t, sessionB)
	state, err := f.stateRepo.Get(ctx, conv.ID, "user-b")
	assert.NoError(t, err)
	assert.Equal(t, int64(0), state.UnreadCount)
	f.push.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestMarkReadUpTo(t *testing.T) {
	ctx := context.Background()
	f := newDeliveryFixture()
	conv := f.newGroup(t, "user-a", "user-b")
	f.push.On("Enqueue", mock.Anything, mock.Anything).Return(nil)

	for _, content := range []string{"one", "two", "three"} {
		_, err := f.uc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "user-a", Type: domain.MessageTypeText, Content: content})
		assert.NoError(t, err)
	}

	unread, err := f.uc.MarkReadUpTo(ctx, conv.ID, "user-b", 2)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), unread)

	msgs, err := f.msgRepo.PageBefore(ctx, conv.ID, 10, 10)
	assert.NoError(t, err)
	for _, msg := range msgs {
		if msg.Seq <= 2 {
			assert.Contains(t, msg.ReadBy, "user-b", "seq %d", msg.Seq)
		} else {
			assert.NotContains(t, msg.ReadBy, "user-b", "seq %d", msg.Seq)
		}
	}

	unread, err = f.uc.MarkReadUpTo(ctx, conv.ID, "user-b", 3)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), unread)

	// 遲到的較小 upToSeq 不可回退
	unread, err = f.uc.MarkReadUpTo(ctx, conv.ID, "user-b", 1)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), unread)
	state, err := f.stateRepo.Get(ctx, conv.ID, "user-b")
	assert.NoError(t, err)
	assert.Equal(t, int64(3), state.LastReadSeq)

	_, err = f.uc.MarkReadUpTo(ctx, conv.ID, "user-x", 1)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestMarkReadMessage_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newDeliveryFixture()
	conv := f.newGroup(t, "user-a", "user-b")
	f.push.On("Enqueue", mock.Anything, mock.Anything).Return(nil)

	msg, err := f.uc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "user-a", Type: domain.MessageTypeText, Content: "hi"})
	assert.NoError(t, err)

	assert.NoError(t, f.uc.MarkReadMessage(ctx, msg.ID, "user-b"))
	assert.NoError(t, f.uc.MarkReadMessage(ctx, msg.ID, "user-b"))

	stored, err := f.msgRepo.FindByID(ctx, msg.ID)
	assert.NoError(t, err)
	assert.Equal(t, []string{"user-b"}, stored.ReadBy)

	err = f.uc.MarkReadMessage(ctx, msg.ID, "user-x")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	err = f.uc.MarkReadMessage(ctx, "missing", "user-b")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEdit(t *testing.T) {
	ctx := context.Background()
	f := newDeliveryFixture()
	conv := f.newGroup(t, "user-a", "user-b")
	f.push.On("Enqueue", mock.Anything, mock.Anything).Return(nil)

	msg, err := f.uc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "user-a", Type: domain.MessageTypeText, Content: "hllo"})
	assert.NoError(t, err)

	_, err = f.uc.Edit(ctx, msg.ID, "user-b", "hijacked")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	sessionB := f.joinRoom("user-b", conv.ID)
	edited, err := f.uc.Edit(ctx, msg.ID, "user-a", "hello")
	assert.NoError(t, err)
	assert.True(t, edited.Edited)
	assert.Equal(t, "hello", edited.Content)

	evt := recvEvent(t, sessionB)
	assert.Equal(t, domain.EventMessageEdited, evt.Event)
	assert.Equal(t, "hello", evt.Payload["content"])

	// 已刪除的訊息不可編輯
	assert.NoError(t, f.uc.SoftDelete(ctx, msg.ID, "user-a"))
	recvEvent(t, sessionB) // message:deleted
	_, err = f.uc.Edit(ctx, msg.ID, "user-a", "too late")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestSoftDelete(t *testing.T) {
	ctx := context.Background()
	f := newDeliveryFixture()
	conv := f.newGroup(t, "user-a", "user-b")
	f.push.On("Enqueue", mock.Anything, mock.Anything).Return(nil)

	msg, err := f.uc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "user-a", Type: domain.MessageTypeText, Content: "secret"})
	assert.NoError(t, err)
	assert.NoError(t, f.uc.MarkReadMessage(ctx, msg.ID, "user-b"))

	err = f.uc.SoftDelete(ctx, msg.ID, "user-b")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	sessionB := f.joinRoom("user-b", conv.ID)
	assert.NoError(t, f.uc.SoftDelete(ctx, msg.ID, "user-a"))

	evt := recvEvent(t, sessionB)
	assert.Equal(t, domain.EventMessageDeleted, evt.Event)
	assert.Equal(t, msg.ID, evt.Payload["message_id"])

	// tombstone：內容清空，seq 與 read_by 保留
	stored, err := f.msgRepo.FindByID(ctx, msg.ID)
	assert.NoError(t, err)
	assert.True(t, stored.Deleted)
	assert.Empty(t, stored.Content)
	assert.Equal(t, msg.Seq, stored.Seq)
	assert.Contains(t, stored.ReadBy, "user-b")

	// 重複刪除冪等，不再發事件
	assert.NoError(t, f.uc.SoftDelete(ctx, msg.ID, "user-a"))
	assertNoEvent(t, sessionB)
}

func TestPageHistory(t *testing.T) {
	ctx := context.Background()
	f := newDeliveryFixture()
	conv := f.newGroup(t, "user-a", "user-b")
	f.push.On("Enqueue", mock.Anything, mock.Anything).Return(nil)

	for _, content := range []string{"1", "2", "3", "4", "5"} {
		_, err := f.uc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "user-a", Type: domain.MessageTypeText, Content: content})
		assert.NoError(t, err)
	}

	// before_seq 未帶時從最新開始
	page, err := f.uc.PageHistory(ctx, conv.ID, "user-b", 0, 2)
	assert.NoError(t, err)
	assert.Len(t, page, 2)
	assert.Equal(t, int64(5), page[0].Seq)
	assert.Equal(t, int64(4), page[1].Seq)

	// 接著上一頁的游標往回翻
	page, err = f.uc.PageHistory(ctx, conv.ID, "user-b", 4, 2)
	assert.NoError(t, err)
	assert.Len(t, page, 2)
	assert.Equal(t, int64(3), page[0].Seq)
	assert.Equal(t, int64(2), page[1].Seq)

	_, err = f.uc.PageHistory(ctx, conv.ID, "user-x", 0, 2)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestListUnread(t *testing.T) {
	ctx := context.Background()
	f := newDeliveryFixture()
	conv1 := f.newGroup(t, "user-a", "user-b")
	conv2 := f.newGroup(t, "user-a", "user-b")
	f.push.On("Enqueue", mock.Anything, mock.Anything).Return(nil)

	for i := 0; i < 2; i++ {
		_, err := f.uc.Send(ctx, SendInput{ConversationID: conv1.ID, SenderID: "user-a", Type: domain.MessageTypeText, Content: "hi"})
		assert.NoError(t, err)
	}
	_, err := f.uc.Send(ctx, SendInput{ConversationID: conv2.ID, SenderID: "user-a", Type: domain.MessageTypeText, Content: "hi"})
	assert.NoError(t, err)

	infos, err := f.uc.ListUnread(ctx, "user-b")
	assert.NoError(t, err)
	counts := map[string]int64{}
	for _, info := range infos {
		counts[info.ConversationID] = info.UnreadCount
	}
	assert.Equal(t, map[string]int64{conv1.ID: 2, conv2.ID: 1}, counts)

	// 讀完的會話不再出現
	_, err = f.uc.MarkReadUpTo(ctx, conv1.ID, "user-b", 2)
	assert.NoError(t, err)
	infos, err = f.uc.ListUnread(ctx, "user-b")
	assert.NoError(t, err)
	assert.Len(t, infos, 1)
	assert.Equal(t, conv2.ID, infos[0].ConversationID)
}

func TestGetReceipts(t *testing.T) {
	ctx := context.Background()
	f := newDeliveryFixture()
	conv := f.newGroup(t, "user-a", "user-b")
	f.joinRoom("user-b", conv.ID)

	msg, err := f.uc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "user-a", Type: domain.MessageTypeText, Content: "hi"})
	assert.NoError(t, err)
	assert.NoError(t, f.uc.MarkReadMessage(ctx, msg.ID, "user-b"))

	receipts, err := f.uc.GetReceipts(ctx, msg.ID, "user-a")
	assert.NoError(t, err)
	assert.Len(t, receipts, 2) // delivered + read

	_, err = f.uc.GetReceipts(ctx, msg.ID, "user-x")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

// sendDuringReadRepo 在第一次 LastSeq 回傳後觸發 hook，
// 模擬 markRead 重算水位與寫回之間有訊息落地
type sendDuringReadRepo struct {
	*repository.MemoryMessageRepository
	hook func()
	once sync.Once
}

func (r *sendDuringReadRepo) LastSeq(ctx context.Context, conversationID string) (int64, error) {
	seq, err := r.MemoryMessageRepository.LastSeq(ctx, conversationID)
	if r.hook != nil {
		r.once.Do(r.hook)
	}
	return seq, err
}

// markRead 落地前送進來的訊息不可從未讀數消失
func TestMarkReadUpTo_SendDuringMarkRead(t *testing.T) {
	ctx := context.Background()
	f := newDeliveryFixture()
	wrapped := &sendDuringReadRepo{MemoryMessageRepository: f.msgRepo}
	f.uc = NewDeliveryUseCase(f.convRepo, wrapped, f.stateRepo, f.receiptRepo, f.presence, f.router, f.push)
	conv := f.newGroup(t, "user-a", "user-b")
	f.push.On("Enqueue", mock.Anything, mock.Anything).Return(nil)

	_, err := f.uc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "user-a", Type: domain.MessageTypeText, Content: "one"})
	assert.NoError(t, err)

	wrapped.hook = func() {
		_, err := f.uc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "user-a", Type: domain.MessageTypeText, Content: "two"})
		assert.NoError(t, err)
	}

	unread, err := f.uc.MarkReadUpTo(ctx, conv.ID, "user-b", 1)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), unread)

	state, err := f.stateRepo.Get(ctx, conv.ID, "user-b")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), state.LastReadSeq)
	assert.Equal(t, int64(1), state.UnreadCount)

	// 補讀到新 head 後歸零
	unread, err = f.uc.MarkReadUpTo(ctx, conv.ID, "user-b", 2)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), unread)
}

// 連在其他節點的成員不在 send 當下的本地快照裡，靠 delivered 回報補上
func TestMarkDelivered_AckFromAnotherNode(t *testing.T) {
	ctx := context.Background()
	f := newDeliveryFixture()
	conv := f.newGroup(t, "user-a", "user-b")
	f.push.On("Enqueue", mock.Anything, mock.Anything).Return(nil)

	msg, err := f.uc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "user-a", Type: domain.MessageTypeText, Content: "hi"})
	assert.NoError(t, err)
	assert.NotContains(t, msg.DeliveredTo, "user-b")

	assert.NoError(t, f.uc.MarkDelivered(ctx, msg.ID, "user-b"))
	// 重複回報冪等
	assert.NoError(t, f.uc.MarkDelivered(ctx, msg.ID, "user-b"))

	stored, err := f.msgRepo.FindByID(ctx, msg.ID)
	assert.NoError(t, err)
	assert.Equal(t, []string{"user-b"}, stored.DeliveredTo)

	receipts, err := f.receiptRepo.FindByMessage(ctx, msg.ID)
	assert.NoError(t, err)
	assert.Len(t, receipts, 1)

	err = f.uc.MarkDelivered(ctx, msg.ID, "user-x")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}
