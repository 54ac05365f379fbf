package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"live_conversation_service/internal/conversation/domain"
	"live_conversation_service/internal/conversation/repository"
	"live_conversation_service/pkg/logger"

	"go.uber.org/zap"
)

// EventStream durable mirror of every emitted envelope (analytics / indexing 消費)
type EventStream interface {
	Append(ctx context.Context, evt domain.Event) error
}

// EventRouter routes typed events to the current snapshot of a room's sessions.
// 跨節點經 redis pub/sub（channel = namespace:room），envelope 帶 origin 過濾自己發佈的事件。
// fan-out 失敗只記 log，不回傳給發送端
type EventRouter struct {
	presence *PresenceTracker
	pubsub   repository.EventPubSub // 可為 nil，單機
	stream   EventStream            // 可為 nil
	nodeID   string

	mu       sync.Mutex
	roomSubs map[string]context.CancelFunc // channel -> cancel
}

// NewEventRouter create EventRouter
func NewEventRouter(presence *PresenceTracker, pubsub repository.EventPubSub, stream EventStream, nodeID string) *EventRouter {
	return &EventRouter{
		presence: presence,
		pubsub:   pubsub,
		stream:   stream,
		nodeID:   nodeID,
		roomSubs: map[string]context.CancelFunc{},
	}
}

func channelFor(namespace domain.Namespace, room string) string {
	return fmt.Sprintf("%s:%s", namespace, room)
}

// Emit deliver to the room's current session snapshot, excluding excludeUser's
// sessions. 加入時間在 emission 之後的 session 不會回溯收到
func (r *EventRouter) Emit(evt domain.Event, excludeUser string) {
	data, err := json.Marshal(evt)
	if err != nil {
		logger.Log.Error("event marshal err", zap.String("event", string(evt.Event)), zap.Error(err))
		return
	}
	r.emitLocal(evt, data, excludeUser)

	if r.pubsub != nil {
		remote := evt
		remote.Origin = r.nodeID
		if err := r.pubsub.Publish(channelFor(evt.Namespace, evt.Room), remote); err != nil {
			logger.Log.Warn("event publish err", zap.String("room", evt.Room), zap.Error(err))
		}
	}

	if r.stream != nil {
		// 不阻塞熱路徑，寫失敗只記 log
		go func(evt domain.Event) {
			if err := r.stream.Append(context.Background(), evt); err != nil {
				logger.Log.Warn("event stream err", zap.String("event", string(evt.Event)), zap.Error(err))
			}
		}(evt)
	}
}

// EmitToUser personal notification fan-out, room = recipient userID
func (r *EventRouter) EmitToUser(userID string, evt domain.Event) {
	evt.Room = userID
	r.Emit(evt, "")
}

// EmitPresenceChange broadcast to every room the user was subscribed to
func (r *EventRouter) EmitPresenceChange(userID, status string, rooms []string) {
	for _, roomID := range rooms {
		r.Emit(domain.Event{
			Namespace: domain.NamespaceMessaging,
			Event:     domain.EventPresenceChange,
			Room:      roomID,
			Payload: map[string]interface{}{
				"user_id": userID,
				"status":  status,
			},
		}, userID)
	}
}

func (r *EventRouter) emitLocal(evt domain.Event, data []byte, excludeUser string) {
	snapshot := r.presence.SessionsFor(evt.Room)
	for _, session := range snapshot {
		if excludeUser != "" && session.UserID == excludeUser {
			continue
		}
		if !session.TrySend(data) {
			logger.Log.Warn("fan-out drop",
				zap.String("sessionID", session.ID),
				zap.String("room", evt.Room),
				zap.String("event", string(evt.Event)),
			)
		}
	}
}

// RoomActive 本房間出現第一個本地訂閱者，開始接收其他節點的事件
func (r *EventRouter) RoomActive(namespace domain.Namespace, roomID string) {
	if r.pubsub == nil {
		return
	}
	channel := channelFor(namespace, roomID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roomSubs[channel]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.roomSubs[channel] = cancel

	err := r.pubsub.Subscribe(ctx, channel, func(evt domain.Event) {
		r.handleRemote(evt)
	})
	if err != nil {
		logger.Log.Warn("room subscribe err", zap.String("channel", channel), zap.Error(err))
		cancel()
		delete(r.roomSubs, channel)
	}
}

// RoomIdle 最後一個本地訂閱者離開，取消遠端訂閱
func (r *EventRouter) RoomIdle(namespace domain.Namespace, roomID string) {
	if r.pubsub == nil {
		return
	}
	channel := channelFor(namespace, roomID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.roomSubs[channel]; ok {
		cancel()
		delete(r.roomSubs, channel)
	}
}

// handleRemote 其他節點發佈的事件只做本地 fan-out，不再轉發
func (r *EventRouter) handleRemote(evt domain.Event) {
	if evt.Origin == r.nodeID {
		return
	}
	excludeUser := ""
	switch evt.Event {
	case domain.EventMessageReceived, domain.EventMessageEdited, domain.EventMessageDeleted:
		// 發送者在別的節點也不該收到回音
		if sender, ok := evt.Payload["sender_id"].(string); ok {
			excludeUser = sender
		}
	case domain.EventTypingStart, domain.EventTypingStop, domain.EventPresenceChange:
		// 打字或上下線的本人在別的節點同樣不收回音
		if userID, ok := evt.Payload["user_id"].(string); ok {
			excludeUser = userID
		}
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	r.emitLocal(evt, data, excludeUser)
}
