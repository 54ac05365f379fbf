package domain

// MessageType definition message content type
type MessageType string

const (
	//MessageTypeText text message
	MessageTypeText MessageType = "text"
	//MessageTypeImage image message
	MessageTypeImage MessageType = "image"
	//MessageTypeVideo video message
	MessageTypeVideo MessageType = "video"
	//MessageTypeFile file message
	MessageTypeFile MessageType = "file"
	//MessageTypeAudio audio message
	MessageTypeAudio MessageType = "audio"
)

// ValidMessageType check wire value is a known message type
func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeFile, MessageTypeAudio:
		return true
	}
	return false
}

// Message definition one chat message
// DeliveredTo / ReadBy 只增不減，read 不需要先經過 delivered
type Message struct {
	ID             string      `bson:"_id,omitempty" json:"id"`
	ConversationID string      `bson:"conversation_id" json:"conversation_id"`
	SenderID       string      `bson:"sender_id" json:"sender_id"`
	Seq            int64       `bson:"seq" json:"seq"`
	Type           MessageType `bson:"type" json:"type"`
	Content        string      `bson:"content" json:"content"`
	ReplyTo        string      `bson:"reply_to,omitempty" json:"reply_to,omitempty"`
	Edited         bool        `bson:"edited,omitempty" json:"edited,omitempty"`
	EditedAt       int64       `bson:"edited_at,omitempty" json:"edited_at,omitempty"`
	Deleted        bool        `bson:"deleted,omitempty" json:"deleted,omitempty"`
	DeletedAt      int64       `bson:"deleted_at,omitempty" json:"deleted_at,omitempty"`
	CreatedAt      int64       `bson:"created_at" json:"created_at"`
	DeliveredTo    []string    `bson:"delivered_to,omitempty" json:"delivered_to,omitempty"`
	ReadBy         []string    `bson:"read_by,omitempty" json:"read_by,omitempty"`
}

// ConversationUnreadInfo definition unread by conversation
type ConversationUnreadInfo struct {
	ConversationID string `json:"conversation_id"`
	UnreadCount    int64  `json:"unread_count"`
}

// ReceiptKind delivered or read receipt row kind
type ReceiptKind string

const (
	//ReceiptDelivered delivered receipt
	ReceiptDelivered ReceiptKind = "delivered"
	//ReceiptRead read receipt
	ReceiptRead ReceiptKind = "read"
)

// Receipt append only audit row, kept even after soft delete
type Receipt struct {
	MessageID  string      `json:"message_id"`
	UserID     string      `json:"user_id"`
	Kind       ReceiptKind `json:"kind"`
	RecordedAt int64       `json:"recorded_at"`
}
