package app

import (
	"context"
	"sync"
	"testing"

	"live_conversation_service/internal/conversation/domain"
	"live_conversation_service/internal/conversation/repository"

	"github.com/stretchr/testify/assert"
)

func boolPtr(b bool) *bool { return &b }

// 測試 direct 會話 lookup-or-create 冪等
func TestGetOrCreateDirect_Idempotent(t *testing.T) {
	ctx := context.Background()
	uc := NewConversationUseCase(repository.NewMemoryConversationRepository(), repository.NewMemoryParticipantStateRepository())

	first, err := uc.GetOrCreateDirect(ctx, "user-a", "user-b")
	assert.NoError(t, err)
	assert.Equal(t, domain.ConversationTypeDirect, first.Type)
	assert.ElementsMatch(t, []string{"user-a", "user-b"}, first.Participants)

	// 參數順序相反也要回同一個會話
	second, err := uc.GetOrCreateDirect(ctx, "user-b", "user-a")
	assert.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestGetOrCreateDirect_SameUser(t *testing.T) {
	ctx := context.Background()
	uc := NewConversationUseCase(repository.NewMemoryConversationRepository(), repository.NewMemoryParticipantStateRepository())

	_, err := uc.GetOrCreateDirect(ctx, "user-a", "user-a")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

// 同一對使用者同時首次互傳，所有呼叫都要拿到同一個會話
func TestGetOrCreateDirect_Concurrent(t *testing.T) {
	ctx := context.Background()
	uc := NewConversationUseCase(repository.NewMemoryConversationRepository(), repository.NewMemoryParticipantStateRepository())

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "user-a", "user-b"
			if i%2 == 1 {
				a, b = b, a
			}
			conv, err := uc.GetOrCreateDirect(ctx, a, b)
			assert.NoError(t, err)
			ids[i] = conv.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Equal(t, ids[0], ids[i])
	}
}

func TestCreateGroup(t *testing.T) {
	ctx := context.Background()
	uc := NewConversationUseCase(repository.NewMemoryConversationRepository(), repository.NewMemoryParticipantStateRepository())

	// 重複成員去重，creator 自動加入
	conv, err := uc.CreateGroup(ctx, "user-a", []string{"user-b", "user-b", "user-a", "user-c"}, "go club")
	assert.NoError(t, err)
	assert.Equal(t, domain.ConversationTypeGroup, conv.Type)
	assert.Equal(t, "go club", conv.Name)
	assert.ElementsMatch(t, []string{"user-a", "user-b", "user-c"}, conv.Participants)

	// 去重後只剩 creator 一人
	_, err = uc.CreateGroup(ctx, "user-a", []string{"user-a", ""}, "solo")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestUpdateSetting(t *testing.T) {
	ctx := context.Background()
	stateRepo := repository.NewMemoryParticipantStateRepository()
	uc := NewConversationUseCase(repository.NewMemoryConversationRepository(), stateRepo)

	conv, err := uc.GetOrCreateDirect(ctx, "user-a", "user-b")
	assert.NoError(t, err)

	err = uc.UpdateSetting(ctx, conv.ID, "user-a", domain.SettingPatch{Muted: boolPtr(true)})
	assert.NoError(t, err)
	state, err := stateRepo.Get(ctx, conv.ID, "user-a")
	assert.NoError(t, err)
	assert.True(t, state.Muted)

	// 成員各自的設定互不影響
	other, err := stateRepo.Get(ctx, conv.ID, "user-b")
	assert.NoError(t, err)
	assert.False(t, other.Muted)

	err = uc.UpdateSetting(ctx, conv.ID, "user-x", domain.SettingPatch{Muted: boolPtr(true)})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	err = uc.UpdateSetting(ctx, "no-such-conversation", "user-a", domain.SettingPatch{Muted: boolPtr(true)})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListConversations_ExcludesArchived(t *testing.T) {
	ctx := context.Background()
	uc := NewConversationUseCase(repository.NewMemoryConversationRepository(), repository.NewMemoryParticipantStateRepository())

	direct, err := uc.GetOrCreateDirect(ctx, "user-a", "user-b")
	assert.NoError(t, err)
	group, err := uc.CreateGroup(ctx, "user-a", []string{"user-b", "user-c"}, "go club")
	assert.NoError(t, err)

	err = uc.UpdateSetting(ctx, group.ID, "user-a", domain.SettingPatch{Archived: boolPtr(true)})
	assert.NoError(t, err)

	summaries, err := uc.ListConversations(ctx, "user-a", false)
	assert.NoError(t, err)
	assert.Len(t, summaries, 1)
	assert.Equal(t, direct.ID, summaries[0].Conversation.ID)

	// archived 只對設定者生效
	forB, err := uc.ListConversations(ctx, "user-b", false)
	assert.NoError(t, err)
	assert.Len(t, forB, 2)

	all, err := uc.ListConversations(ctx, "user-a", true)
	assert.NoError(t, err)
	assert.Len(t, all, 2)
}
