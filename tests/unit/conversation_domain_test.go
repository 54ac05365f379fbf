package unit

import (
	"testing"

	"live_conversation_service/internal/conversation/domain"

	"github.com/stretchr/testify/assert"
)

func TestDirectPairKey(t *testing.T) {
	// unordered pair，順序無關
	assert.Equal(t, domain.DirectPairKey("user-a", "user-b"), domain.DirectPairKey("user-b", "user-a"))
	assert.Equal(t, "user-a|user-b", domain.DirectPairKey("user-b", "user-a"))
	assert.NotEqual(t, domain.DirectPairKey("user-a", "user-b"), domain.DirectPairKey("user-a", "user-c"))
}

func TestHasParticipant(t *testing.T) {
	conv := domain.Conversation{
		Type:         domain.ConversationTypeGroup,
		Participants: []string{"user-a", "user-b"},
	}

	assert.True(t, conv.HasParticipant("user-a"))
	assert.False(t, conv.HasParticipant("user-c"))
}

func TestValidMessageType(t *testing.T) {
	for _, mt := range []domain.MessageType{
		domain.MessageTypeText,
		domain.MessageTypeImage,
		domain.MessageTypeVideo,
		domain.MessageTypeFile,
		domain.MessageTypeAudio,
	} {
		assert.True(t, domain.ValidMessageType(mt), string(mt))
	}

	assert.False(t, domain.ValidMessageType("sticker"))
	assert.False(t, domain.ValidMessageType(""))
}
