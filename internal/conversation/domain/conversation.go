package domain

import (
	"sort"
	"strings"
)

// ConversationType definition conversation type
type ConversationType string

const (
	//ConversationTypeDirect definition conversation 1 on 1
	ConversationTypeDirect ConversationType = "direct" // 1對1
	//ConversationTypeGroup definition conversation group
	ConversationTypeGroup ConversationType = "group" // 群組
)

// Conversation definition conversation
type Conversation struct {
	ID            string           `bson:"_id,omitempty" json:"id"`
	Type          ConversationType `bson:"type" json:"type"`
	Name          string           `bson:"name,omitempty" json:"name,omitempty"`
	Avatar        string           `bson:"avatar,omitempty" json:"avatar,omitempty"`
	Participants  []string         `bson:"participants" json:"participants"`
	CreatorID     string           `bson:"creator_id" json:"creator_id"`
	DirectKey     string           `bson:"direct_key,omitempty" json:"-"` // 唯一鍵，僅 direct 使用
	LastMessageAt int64            `bson:"last_message_at,omitempty" json:"last_message_at,omitempty"`
	CreatedAt     int64            `bson:"created_at" json:"created_at"`
}

// HasParticipant check userID in conversation
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// DirectPairKey build the unordered pair key for a direct conversation
func DirectPairKey(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return strings.Join(pair, "|")
}

// ParticipantState per participant conversation state
// muted/archived 只影響自己，不影響其他成員
type ParticipantState struct {
	ConversationID string `gorm:"primaryKey;type:varchar(36)" json:"conversation_id"`
	UserID         string `gorm:"primaryKey;type:varchar(36)" json:"user_id"`
	Muted          bool   `gorm:"default:false" json:"muted"`
	Archived       bool   `gorm:"default:false" json:"archived"`
	LastReadSeq    int64  `gorm:"default:0" json:"last_read_seq"`
	UnreadCount    int64  `gorm:"default:0" json:"unread_count"`
}

// SettingPatch optional per participant setting update
type SettingPatch struct {
	Muted    *bool `json:"muted,omitempty"`
	Archived *bool `json:"archived,omitempty"`
}
