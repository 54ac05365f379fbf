package domain

// Namespace coarse channel grouping for the event envelope
type Namespace string

const (
	//NamespaceMessaging conversation rooms
	NamespaceMessaging Namespace = "messaging"
	//NamespaceSocial social rooms (follows/likes share the same fan-out)
	NamespaceSocial Namespace = "social"
	//NamespaceNotifications personal rooms, room = userID
	NamespaceNotifications Namespace = "notifications"
)

// EventKind typed event name on the wire
type EventKind string

const (
	//EventMessageReceived new message in a conversation room
	EventMessageReceived EventKind = "message:received"
	//EventMessageEdited message content replaced by the sender
	EventMessageEdited EventKind = "message:edited"
	//EventMessageDeleted message soft deleted by the sender
	EventMessageDeleted EventKind = "message:deleted"
	//EventTypingStart a participant started typing
	EventTypingStart EventKind = "typing:start"
	//EventTypingStop typing stopped, explicit or expired
	EventTypingStop EventKind = "typing:stop"
	//EventPresenceChange user went online or offline
	EventPresenceChange EventKind = "presence:change"
	//EventNotificationNew personal notification, room = recipient userID
	EventNotificationNew EventKind = "notification:new"
)

// Event real-time event envelope, transport agnostic
// Origin 為節點 ID，跨節點轉發時用來過濾自己發佈的事件
type Event struct {
	Namespace Namespace              `json:"namespace"`
	Event     EventKind              `json:"event"`
	Room      string                 `json:"room"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Origin    string                 `json:"origin,omitempty"`
}

// PresenceStatus user online status mirrored to redis with TTL
type PresenceStatus struct {
	UserID       string `json:"user_id"`
	Status       string `json:"status"` // online / offline
	LastActivity int64  `json:"last_activity"`
}

// PushJob offline push work item, consumed by the external push service
type PushJob struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	SenderID       string `json:"sender_id"`
	Preview        string `json:"preview"`
	CreatedAt      int64  `json:"created_at"`
}
