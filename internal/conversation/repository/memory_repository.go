package repository

import (
	"context"
	"sort"
	"sync"

	"live_conversation_service/internal/conversation/domain"
	"live_conversation_service/pkg"
)

// 記憶體實作，單機測試與本地開發用，契約與 mongo / postgres 實作一致

// MemoryConversationRepository in-memory ConversationRepository
type MemoryConversationRepository struct {
	mu        sync.RWMutex
	byID      map[string]*domain.Conversation
	byPairKey map[string]string // direct_key -> conversation id
}

// NewMemoryConversationRepository create MemoryConversationRepository
func NewMemoryConversationRepository() *MemoryConversationRepository {
	return &MemoryConversationRepository{
		byID:      map[string]*domain.Conversation{},
		byPairKey: map[string]string{},
	}
}

// Create create conversation, direct_key 唯一
func (r *MemoryConversationRepository) Create(ctx context.Context, conv *domain.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conv.DirectKey != "" {
		if _, ok := r.byPairKey[conv.DirectKey]; ok {
			return ErrDuplicate
		}
		r.byPairKey[conv.DirectKey] = conv.ID
	}
	cp := *conv
	cp.Participants = append([]string(nil), conv.Participants...)
	r.byID[conv.ID] = &cp
	return nil
}

// FindByID find conversation by id
func (r *MemoryConversationRepository) FindByID(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conv, ok := r.byID[conversationID]
	if !ok {
		return nil, nil
	}
	cp := *conv
	return &cp, nil
}

// FindDirectByKey find direct conversation by pair key
func (r *MemoryConversationRepository) FindDirectByKey(ctx context.Context, directKey string) (*domain.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPairKey[directKey]
	if !ok {
		return nil, nil
	}
	cp := *r.byID[id]
	return &cp, nil
}

// FindByParticipant find conversations a user belongs to
func (r *MemoryConversationRepository) FindByParticipant(ctx context.Context, userID string) ([]domain.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var convs []domain.Conversation
	for _, conv := range r.byID {
		if conv.HasParticipant(userID) {
			convs = append(convs, *conv)
		}
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].LastMessageAt > convs[j].LastMessageAt })
	return convs, nil
}

// UpdateLastMessageAt bump last message timestamp
func (r *MemoryConversationRepository) UpdateLastMessageAt(ctx context.Context, conversationID string, ts int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conv, ok := r.byID[conversationID]; ok && ts > conv.LastMessageAt {
		conv.LastMessageAt = ts
	}
	return nil
}

// MemoryMessageRepository in-memory MessageRepository
type MemoryMessageRepository struct {
	mu       sync.RWMutex
	byID     map[string]*domain.Message
	byConv   map[string][]*domain.Message // seq 升冪
	counters map[string]int64
}

// NewMemoryMessageRepository create MemoryMessageRepository
func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{
		byID:     map[string]*domain.Message{},
		byConv:   map[string][]*domain.Message{},
		counters: map[string]int64{},
	}
}

// Insert assign seq and persist
func (r *MemoryMessageRepository) Insert(ctx context.Context, msg *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[msg.ConversationID]++
	msg.Seq = r.counters[msg.ConversationID]
	cp := *msg
	r.byID[msg.ID] = &cp
	r.byConv[msg.ConversationID] = append(r.byConv[msg.ConversationID], &cp)
	return nil
}

// FindByID find message by id
func (r *MemoryMessageRepository) FindByID(ctx context.Context, messageID string) (*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	msg, ok := r.byID[messageID]
	if !ok {
		return nil, nil
	}
	cp := *msg
	cp.DeliveredTo = append([]string(nil), msg.DeliveredTo...)
	cp.ReadBy = append([]string(nil), msg.ReadBy...)
	return &cp, nil
}

// AddDelivered idempotent union
func (r *MemoryMessageRepository) AddDelivered(ctx context.Context, messageID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg, ok := r.byID[messageID]; ok {
		msg.DeliveredTo = pkg.Union(msg.DeliveredTo, userID)
	}
	return nil
}

// AddRead idempotent union
func (r *MemoryMessageRepository) AddRead(ctx context.Context, messageID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg, ok := r.byID[messageID]; ok {
		msg.ReadBy = pkg.Union(msg.ReadBy, userID)
	}
	return nil
}

// AddReadUpTo mark read for every message with seq <= upToSeq
func (r *MemoryMessageRepository) AddReadUpTo(ctx context.Context, conversationID, userID string, upToSeq int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range r.byConv[conversationID] {
		if msg.Seq <= upToSeq {
			msg.ReadBy = pkg.Union(msg.ReadBy, userID)
		}
	}
	return nil
}

// SetEdited replace content and mark edited
func (r *MemoryMessageRepository) SetEdited(ctx context.Context, messageID, newContent string, editedAt int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg, ok := r.byID[messageID]; ok {
		msg.Content = newContent
		msg.Edited = true
		msg.EditedAt = editedAt
	}
	return nil
}

// SetDeleted clear content, keep metadata and sets
func (r *MemoryMessageRepository) SetDeleted(ctx context.Context, messageID string, deletedAt int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg, ok := r.byID[messageID]; ok {
		msg.Content = ""
		msg.Deleted = true
		msg.DeletedAt = deletedAt
	}
	return nil
}

// PageBefore strictly decreasing seq from beforeSeq (exclusive)
func (r *MemoryMessageRepository) PageBefore(ctx context.Context, conversationID string, beforeSeq, limit int64) ([]domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	msgs := r.byConv[conversationID]
	var page []domain.Message
	for i := len(msgs) - 1; i >= 0 && int64(len(page)) < limit; i-- {
		if msgs[i].Seq < beforeSeq {
			page = append(page, *msgs[i])
		}
	}
	return page, nil
}

// CountBetween count messages with afterSeq < seq <= upToSeq and sender != userID
func (r *MemoryMessageRepository) CountBetween(ctx context.Context, conversationID, userID string, afterSeq, upToSeq int64) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, msg := range r.byConv[conversationID] {
		if msg.Seq > afterSeq && msg.Seq <= upToSeq && msg.SenderID != userID {
			n++
		}
	}
	return n, nil
}

// LastSeq current head seq of a conversation
func (r *MemoryMessageRepository) LastSeq(ctx context.Context, conversationID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[conversationID], nil
}

// MemoryParticipantStateRepository in-memory ParticipantStateRepository
type MemoryParticipantStateRepository struct {
	mu     sync.RWMutex
	states map[string]*domain.ParticipantState // conv|user
}

// NewMemoryParticipantStateRepository create MemoryParticipantStateRepository
func NewMemoryParticipantStateRepository() *MemoryParticipantStateRepository {
	return &MemoryParticipantStateRepository{states: map[string]*domain.ParticipantState{}}
}

func stateKey(conversationID, userID string) string {
	return conversationID + "|" + userID
}

// AutoMigrate no-op for memory
func (r *MemoryParticipantStateRepository) AutoMigrate() error { return nil }

func (r *MemoryParticipantStateRepository) get(conversationID, userID string) *domain.ParticipantState {
	key := stateKey(conversationID, userID)
	state, ok := r.states[key]
	if !ok {
		state = &domain.ParticipantState{ConversationID: conversationID, UserID: userID}
		r.states[key] = state
	}
	return state
}

// Get returns the state, zero value when never written
func (r *MemoryParticipantStateRepository) Get(ctx context.Context, conversationID, userID string) (*domain.ParticipantState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.get(conversationID, userID)
	return &cp, nil
}

// ListForUser list every conversation state of a user
func (r *MemoryParticipantStateRepository) ListForUser(ctx context.Context, userID string) ([]domain.ParticipantState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var states []domain.ParticipantState
	for _, state := range r.states {
		if state.UserID == userID {
			states = append(states, *state)
		}
	}
	return states, nil
}

// UpdateSetting apply a per participant patch
func (r *MemoryParticipantStateRepository) UpdateSetting(ctx context.Context, conversationID, userID string, patch domain.SettingPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.get(conversationID, userID)
	if patch.Muted != nil {
		state.Muted = *patch.Muted
	}
	if patch.Archived != nil {
		state.Archived = *patch.Archived
	}
	return nil
}

// IncrementUnread unread + 1 for each user
func (r *MemoryParticipantStateRepository) IncrementUnread(ctx context.Context, conversationID string, userIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, userID := range userIDs {
		r.get(conversationID, userID).UnreadCount++
	}
	return nil
}

// SetRead CAS on last_read_seq，成功時 unread 扣掉 readCount
func (r *MemoryParticipantStateRepository) SetRead(ctx context.Context, conversationID, userID string, prevReadSeq, newReadSeq, readCount int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.get(conversationID, userID)
	if state.LastReadSeq != prevReadSeq {
		return false, nil
	}
	state.LastReadSeq = newReadSeq
	state.UnreadCount -= readCount
	if state.UnreadCount < 0 {
		state.UnreadCount = 0
	}
	return true, nil
}

// MemoryReceiptRepository in-memory ReceiptRepository
type MemoryReceiptRepository struct {
	mu       sync.RWMutex
	receipts map[string][]domain.Receipt
	seen     map[string]bool
}

// NewMemoryReceiptRepository create MemoryReceiptRepository
func NewMemoryReceiptRepository() *MemoryReceiptRepository {
	return &MemoryReceiptRepository{
		receipts: map[string][]domain.Receipt{},
		seen:     map[string]bool{},
	}
}

// Record append once per (message, user, kind)
func (r *MemoryReceiptRepository) Record(ctx context.Context, receipt domain.Receipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := receipt.MessageID + "|" + receipt.UserID + "|" + string(receipt.Kind)
	if r.seen[key] {
		return nil
	}
	r.seen[key] = true
	r.receipts[receipt.MessageID] = append(r.receipts[receipt.MessageID], receipt)
	return nil
}

// FindByMessage list receipts for one message
func (r *MemoryReceiptRepository) FindByMessage(ctx context.Context, messageID string) ([]domain.Receipt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.Receipt(nil), r.receipts[messageID]...), nil
}
