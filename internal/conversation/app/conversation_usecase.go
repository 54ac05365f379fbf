package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"live_conversation_service/internal/conversation/domain"
	"live_conversation_service/internal/conversation/repository"
	errprocess "live_conversation_service/pkg/err"

	"github.com/google/uuid"
)

// ConversationUseCase 會話的建立與查詢 (direct 或群組)
type ConversationUseCase struct {
	convRepo  repository.ConversationRepository
	stateRepo repository.ParticipantStateRepository

	// direct pair 建立用的 keyed lock，同一對使用者同時首次互傳只會有一個贏家
	pairLocks sync.Map // directKey -> *sync.Mutex
}

// ConversationSummary conversation joined with the caller's own state
type ConversationSummary struct {
	Conversation domain.Conversation `json:"conversation"`
	Muted        bool                `json:"muted"`
	Archived     bool                `json:"archived"`
	UnreadCount  int64               `json:"unread_count"`
}

// NewConversationUseCase init conversation use case
func NewConversationUseCase(c repository.ConversationRepository, s repository.ParticipantStateRepository) *ConversationUseCase {
	return &ConversationUseCase{
		convRepo:  c,
		stateRepo: s,
	}
}

// GetOrCreateDirect idempotent lookup-or-create，同一對 unordered pair 只會有一個會話
func (uc *ConversationUseCase) GetOrCreateDirect(ctx context.Context, userA, userB string) (*domain.Conversation, error) {
	if userA == "" || userB == "" || userA == userB {
		return nil, errprocess.Wrap(domain.ErrInvalidArgument, "direct conversation needs two distinct users")
	}

	key := domain.DirectPairKey(userA, userB)

	lockAny, _ := uc.pairLocks.LoadOrStore(key, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	existing, err := uc.convRepo.FindDirectByKey(ctx, key)
	if err != nil {
		return nil, errprocess.Wrap(domain.ErrUnavailable, err.Error())
	}
	if existing != nil {
		return existing, nil
	}

	conv := &domain.Conversation{
		ID:           uuid.New().String(),
		Type:         domain.ConversationTypeDirect,
		Participants: []string{userA, userB},
		CreatorID:    userA,
		DirectKey:    key,
		CreatedAt:    time.Now().Unix(),
	}
	err = uc.convRepo.Create(ctx, conv)
	if err == repository.ErrDuplicate {
		// 另一個節點先建立了，改讀贏家
		return uc.convRepo.FindDirectByKey(ctx, key)
	}
	if err != nil {
		return nil, errprocess.Wrap(domain.ErrUnavailable, err.Error())
	}
	return conv, nil
}

// CreateGroup create a group conversation
// 加上 creator 後不足 2 個不同成員時失敗
func (uc *ConversationUseCase) CreateGroup(ctx context.Context, creator string, participantIDs []string, name string) (*domain.Conversation, error) {
	seen := map[string]bool{creator: true}
	members := []string{creator}
	for _, p := range participantIDs {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		members = append(members, p)
	}
	if len(members) < 2 {
		return nil, errprocess.Wrap(domain.ErrInvalidArgument, "group needs at least 2 distinct members")
	}

	conv := &domain.Conversation{
		ID:           uuid.New().String(),
		Type:         domain.ConversationTypeGroup,
		Name:         name,
		Participants: members,
		CreatorID:    creator,
		CreatedAt:    time.Now().Unix(),
	}
	if err := uc.convRepo.Create(ctx, conv); err != nil {
		return nil, errprocess.Wrap(domain.ErrUnavailable, err.Error())
	}
	return conv, nil
}

// GetMembership participant set of a conversation
func (uc *ConversationUseCase) GetMembership(ctx context.Context, conversationID string) ([]string, error) {
	conv, err := uc.convRepo.FindByID(ctx, conversationID)
	if err != nil {
		return nil, errprocess.Wrap(domain.ErrUnavailable, err.Error())
	}
	if conv == nil {
		return nil, errprocess.Wrap(domain.ErrNotFound, fmt.Sprintf("conversation %s", conversationID))
	}
	return conv.Participants, nil
}

// UpdateSetting per participant muted/archived，不影響其他成員
func (uc *ConversationUseCase) UpdateSetting(ctx context.Context, conversationID, userID string, patch domain.SettingPatch) error {
	conv, err := uc.convRepo.FindByID(ctx, conversationID)
	if err != nil {
		return errprocess.Wrap(domain.ErrUnavailable, err.Error())
	}
	if conv == nil {
		return errprocess.Wrap(domain.ErrNotFound, fmt.Sprintf("conversation %s", conversationID))
	}
	if !conv.HasParticipant(userID) {
		return errprocess.Wrap(domain.ErrForbidden, fmt.Sprintf("%s is not a participant", userID))
	}
	return uc.stateRepo.UpdateSetting(ctx, conversationID, userID, patch)
}

// ListConversations conversations a user belongs to, archived 預設排除
func (uc *ConversationUseCase) ListConversations(ctx context.Context, userID string, includeArchived bool) ([]ConversationSummary, error) {
	convs, err := uc.convRepo.FindByParticipant(ctx, userID)
	if err != nil {
		return nil, errprocess.Wrap(domain.ErrUnavailable, err.Error())
	}

	states, err := uc.stateRepo.ListForUser(ctx, userID)
	if err != nil {
		return nil, errprocess.Wrap(domain.ErrUnavailable, err.Error())
	}
	stateByConv := map[string]domain.ParticipantState{}
	for _, state := range states {
		stateByConv[state.ConversationID] = state
	}

	summaries := make([]ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		state := stateByConv[conv.ID]
		if state.Archived && !includeArchived {
			continue
		}
		summaries = append(summaries, ConversationSummary{
			Conversation: conv,
			Muted:        state.Muted,
			Archived:     state.Archived,
			UnreadCount:  state.UnreadCount,
		})
	}
	return summaries, nil
}
