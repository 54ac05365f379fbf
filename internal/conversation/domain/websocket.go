package domain

// Action websocket request action
type Action string

const (
	// ActionJoinRoom websocket action join_room
	ActionJoinRoom Action = "join_room"
	// ActionLeaveRoom websocket action leave_room
	ActionLeaveRoom Action = "leave_room"

	// ActionSendMessage websocket action send_message
	ActionSendMessage Action = "send_message"
	// ActionReadMessage websocket action read_message
	ActionReadMessage Action = "read_message"
	// ActionDelivered websocket action delivered，客戶端收到 message:received 後回報
	ActionDelivered Action = "delivered"
	// ActionEditMessage websocket action edit_message
	ActionEditMessage Action = "edit_message"
	// ActionDeleteMessage websocket action delete_message
	ActionDeleteMessage Action = "delete_message"

	// ActionTypingStart websocket action typing_start
	ActionTypingStart Action = "typing_start"
	// ActionTypingStop websocket action typing_stop
	ActionTypingStop Action = "typing_stop"

	// ActionGetUnread websocket action get_unread
	ActionGetUnread Action = "get_unread"
)

// WSRequest websocket Request
type WSRequest struct {
	Action         string `json:"action"`
	ConversationID string `json:"conversation_id"`
	PeerID         string `json:"peer_id"` // direct 對象，未帶 conversation_id 時使用
	MessageID      string `json:"message_id"`
	Content        string `json:"content"`
	MessageType    string `json:"message_type"`
	ReplyTo        string `json:"reply_to"`
	UpToSeq        int64  `json:"up_to_seq"`
	BeforeSeq      int64  `json:"before_seq"`
	Limit          int64  `json:"limit"`
}

// WSResponse websocket Response for request acks
type WSResponse struct {
	Action  string                 `json:"action"`
	Success bool                   `json:"success"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	Error   string                 `json:"error,omitempty"`
}
