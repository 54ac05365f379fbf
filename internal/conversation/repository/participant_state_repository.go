package repository

import (
	"context"
	"errors"

	"live_conversation_service/internal/conversation/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ParticipantStateRepository per participant conversation state (muted, archived,
// last_read_seq, unread_count)，unread 以單條 UPDATE 做 O(1) 遞增
type ParticipantStateRepository interface {
	AutoMigrate() error
	Get(ctx context.Context, conversationID, userID string) (*domain.ParticipantState, error)
	ListForUser(ctx context.Context, userID string) ([]domain.ParticipantState, error)
	UpdateSetting(ctx context.Context, conversationID, userID string, patch domain.SettingPatch) error
	// IncrementUnread unread_count + 1 for each user, upsert
	IncrementUnread(ctx context.Context, conversationID string, userIDs []string) error
	// SetRead last_read_seq 推進到 newReadSeq 並把 unread_count 扣掉 readCount，
	// 只在 last_read_seq 仍等於 prevReadSeq 時生效。用扣減而非覆寫，
	// 同時進來的 IncrementUnread 才不會被舊的重算結果蓋掉
	SetRead(ctx context.Context, conversationID, userID string, prevReadSeq, newReadSeq, readCount int64) (bool, error)
}

type participantStateRepository struct {
	db *gorm.DB
}

// NewParticipantStateRepository create ParticipantStateRepository
func NewParticipantStateRepository(db *gorm.DB) ParticipantStateRepository {
	return &participantStateRepository{db: db}
}

func (r *participantStateRepository) AutoMigrate() error {
	return r.db.AutoMigrate(&domain.ParticipantState{})
}

func (r *participantStateRepository) Get(ctx context.Context, conversationID, userID string) (*domain.ParticipantState, error) {
	var state domain.ParticipantState
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// 沒有寫過任何狀態時回傳零值
		return &domain.ParticipantState{ConversationID: conversationID, UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (r *participantStateRepository) ListForUser(ctx context.Context, userID string) ([]domain.ParticipantState, error) {
	var states []domain.ParticipantState
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Find(&states).Error
	if err != nil {
		return nil, err
	}
	return states, nil
}

func (r *participantStateRepository) UpdateSetting(ctx context.Context, conversationID, userID string, patch domain.SettingPatch) error {
	assignments := map[string]interface{}{}
	row := domain.ParticipantState{ConversationID: conversationID, UserID: userID}
	if patch.Muted != nil {
		assignments["muted"] = *patch.Muted
		row.Muted = *patch.Muted
	}
	if patch.Archived != nil {
		assignments["archived"] = *patch.Archived
		row.Archived = *patch.Archived
	}
	if len(assignments) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(assignments),
	}).Create(&row).Error
}

func (r *participantStateRepository) IncrementUnread(ctx context.Context, conversationID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	rows := make([]domain.ParticipantState, 0, len(userIDs))
	for _, userID := range userIDs {
		rows = append(rows, domain.ParticipantState{
			ConversationID: conversationID,
			UserID:         userID,
			UnreadCount:    1,
		})
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"unread_count": gorm.Expr("participant_states.unread_count + 1"),
		}),
	}).Create(&rows).Error
}

func (r *participantStateRepository) SetRead(ctx context.Context, conversationID, userID string, prevReadSeq, newReadSeq, readCount int64) (bool, error) {
	row := domain.ParticipantState{
		ConversationID: conversationID,
		UserID:         userID,
		LastReadSeq:    newReadSeq,
	}
	// 比對 last_read_seq 的 CAS：水位被別的 markRead 推過時整條不生效，
	// RowsAffected = 0 交給呼叫端重試
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}},
		Where:   clause.Where{Exprs: []clause.Expression{gorm.Expr("participant_states.last_read_seq = ?", prevReadSeq)}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"last_read_seq": newReadSeq,
			"unread_count":  gorm.Expr("GREATEST(participant_states.unread_count - ?, 0)", readCount),
		}),
	}).Create(&row)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}
