package app

import (
	"context"
	"sync"
	"time"

	"live_conversation_service/internal/conversation/domain"
	"live_conversation_service/pkg/database"
	"live_conversation_service/pkg/logger"

	"go.uber.org/zap"
)

// Session 一條 websocket 連線在 presence 註冊表裡的代表。
// send 內容是已序列化的 envelope，唯一的 writer 是該連線的 write pump。
type Session struct {
	ID     string
	UserID string

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// Events outbound frames for the write pump
func (s *Session) Events() <-chan []byte {
	return s.send
}

// TrySend enqueue a frame without blocking.
// 關閉或塞滿時回傳 false，同一次 emission 不會只送一半
func (s *Session) TrySend(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// PresenceHooks fan-out 端掛載的回呼，均在鎖外呼叫
type PresenceHooks struct {
	// OnRoomActive 某房間出現第一個本地訂閱者
	OnRoomActive func(roomID string)
	// OnRoomIdle 某房間最後一個本地訂閱者離開
	OnRoomIdle func(roomID string)
	// OnUserOnline 使用者第一條連線建立
	OnUserOnline func(userID string)
	// OnUserOffline 使用者最後一條連線關閉，rooms 為離線前訂閱中的房間
	OnUserOffline func(userID string, rooms []string)
}

// PresenceTracker tracks connected sessions and their room subscriptions.
// Ephemeral，不落地，由活動連線重建；online 狀態另外以 TTL 鏡射到 redis
type PresenceTracker struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	userSessions map[string]map[string]*Session
	rooms        map[string]map[string]*Session
	sessionRooms map[string]map[string]bool

	statusRepo  database.RedisRepository[domain.PresenceStatus]
	presenceTTL time.Duration
	bufferSize  int
	hooks       PresenceHooks
}

// NewPresenceTracker create PresenceTracker
// statusRepo 可為 nil（單機/測試）
func NewPresenceTracker(statusRepo database.RedisRepository[domain.PresenceStatus], presenceTTL time.Duration, bufferSize int) *PresenceTracker {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	if presenceTTL <= 0 {
		presenceTTL = 60 * time.Second
	}
	return &PresenceTracker{
		sessions:     map[string]*Session{},
		userSessions: map[string]map[string]*Session{},
		rooms:        map[string]map[string]*Session{},
		sessionRooms: map[string]map[string]bool{},
		statusRepo:   statusRepo,
		presenceTTL:  presenceTTL,
		bufferSize:   bufferSize,
	}
}

// SetHooks install fan-out callbacks, call before serving connections
func (p *PresenceTracker) SetHooks(hooks PresenceHooks) {
	p.hooks = hooks
}

// Connect register a session for an authenticated user
func (p *PresenceTracker) Connect(ctx context.Context, sessionID, userID string) *Session {
	session := &Session{
		ID:     sessionID,
		UserID: userID,
		send:   make(chan []byte, p.bufferSize),
	}

	p.mu.Lock()
	p.sessions[sessionID] = session
	if p.userSessions[userID] == nil {
		p.userSessions[userID] = map[string]*Session{}
	}
	first := len(p.userSessions[userID]) == 0
	p.userSessions[userID][sessionID] = session
	p.sessionRooms[sessionID] = map[string]bool{}
	p.mu.Unlock()

	p.mirrorStatus(ctx, userID, "online")

	if first && p.hooks.OnUserOnline != nil {
		p.hooks.OnUserOnline(userID)
	}
	return session
}

// Disconnect tear down a session：移出所有房間、關閉 send channel，
// 最後一條連線離開時使用者轉 offline
func (p *PresenceTracker) Disconnect(ctx context.Context, sessionID string) {
	p.mu.Lock()
	session, ok := p.sessions[sessionID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.sessions, sessionID)

	var idleRooms []string
	var userRooms []string
	for roomID := range p.sessionRooms[sessionID] {
		userRooms = append(userRooms, roomID)
		delete(p.rooms[roomID], sessionID)
		if len(p.rooms[roomID]) == 0 {
			delete(p.rooms, roomID)
			idleRooms = append(idleRooms, roomID)
		}
	}
	delete(p.sessionRooms, sessionID)

	delete(p.userSessions[session.UserID], sessionID)
	last := len(p.userSessions[session.UserID]) == 0
	if last {
		delete(p.userSessions, session.UserID)
	}
	p.mu.Unlock()

	// 關閉放在移出索引之後，之後的 emission snapshot 不會再看到這條 session
	session.close()

	if last {
		p.mirrorStatus(ctx, session.UserID, "offline")
	}

	for _, roomID := range idleRooms {
		if p.hooks.OnRoomIdle != nil {
			p.hooks.OnRoomIdle(roomID)
		}
	}
	if last && p.hooks.OnUserOffline != nil {
		p.hooks.OnUserOffline(session.UserID, userRooms)
	}
}

// Subscribe add a session to a conversation room
func (p *PresenceTracker) Subscribe(sessionID, roomID string) bool {
	p.mu.Lock()
	if _, ok := p.sessions[sessionID]; !ok {
		p.mu.Unlock()
		return false
	}
	firstInRoom := len(p.rooms[roomID]) == 0
	if p.rooms[roomID] == nil {
		p.rooms[roomID] = map[string]*Session{}
	}
	p.rooms[roomID][sessionID] = p.sessions[sessionID]
	p.sessionRooms[sessionID][roomID] = true
	p.mu.Unlock()

	if firstInRoom && p.hooks.OnRoomActive != nil {
		p.hooks.OnRoomActive(roomID)
	}
	return true
}

// Unsubscribe remove a session from a room
func (p *PresenceTracker) Unsubscribe(sessionID, roomID string) {
	p.mu.Lock()
	delete(p.rooms[roomID], sessionID)
	idle := len(p.rooms[roomID]) == 0
	if idle {
		delete(p.rooms, roomID)
	}
	if rooms, ok := p.sessionRooms[sessionID]; ok {
		delete(rooms, roomID)
	}
	p.mu.Unlock()

	if idle && p.hooks.OnRoomIdle != nil {
		p.hooks.OnRoomIdle(roomID)
	}
}

// SessionsFor snapshot of the sessions currently subscribed to a room
func (p *PresenceTracker) SessionsFor(roomID string) []*Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snapshot := make([]*Session, 0, len(p.rooms[roomID]))
	for _, session := range p.rooms[roomID] {
		snapshot = append(snapshot, session)
	}
	return snapshot
}

// UserSessions snapshot of one user's sessions
func (p *PresenceTracker) UserSessions(userID string) []*Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snapshot := make([]*Session, 0, len(p.userSessions[userID]))
	for _, session := range p.userSessions[userID] {
		snapshot = append(snapshot, session)
	}
	return snapshot
}

// RoomsOf rooms a user's sessions are subscribed to
func (p *PresenceTracker) RoomsOf(userID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	seen := map[string]bool{}
	var rooms []string
	for sessionID := range p.userSessions[userID] {
		for roomID := range p.sessionRooms[sessionID] {
			if !seen[roomID] {
				seen[roomID] = true
				rooms = append(rooms, roomID)
			}
		}
	}
	return rooms
}

// PresentIn participants with at least one session subscribed to a room
func (p *PresenceTracker) PresentIn(roomID string, participants []string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	online := map[string]bool{}
	for _, session := range p.rooms[roomID] {
		online[session.UserID] = true
	}
	var present []string
	for _, userID := range participants {
		if online[userID] {
			present = append(present, userID)
		}
	}
	return present
}

// IsOnline local sessions first, redis mirror as cross-node fallback
func (p *PresenceTracker) IsOnline(ctx context.Context, userID string) bool {
	p.mu.RLock()
	local := len(p.userSessions[userID]) > 0
	p.mu.RUnlock()
	if local {
		return true
	}
	if p.statusRepo == nil {
		return false
	}
	status, err := p.statusRepo.Get(ctx, presenceKey(userID))
	if err != nil {
		return false
	}
	return status.Status == "online"
}

// Heartbeat extend the redis online TTL for a user
func (p *PresenceTracker) Heartbeat(ctx context.Context, userID string) {
	if p.statusRepo == nil {
		return
	}
	if err := p.statusRepo.ExtendTTL(ctx, presenceKey(userID), p.presenceTTL); err != nil {
		logger.Log.Warn("presence heartbeat err", zap.String("userID", userID), zap.Error(err))
	}
}

func (p *PresenceTracker) mirrorStatus(ctx context.Context, userID, status string) {
	if p.statusRepo == nil {
		return
	}
	entry := domain.PresenceStatus{
		UserID:       userID,
		Status:       status,
		LastActivity: time.Now().Unix(),
	}
	if err := p.statusRepo.Set(ctx, presenceKey(userID), entry, p.presenceTTL); err != nil {
		logger.Log.Warn("presence mirror err", zap.String("userID", userID), zap.Error(err))
	}
}

func presenceKey(userID string) string {
	return "presence:user:" + userID
}
