package app

import (
	"sync"
	"time"

	"live_conversation_service/internal/conversation/domain"
)

// TypingTracker ephemeral typing indicators keyed by (conversationID, userID).
// 不落地、不進訊息歷史；逾時未 refresh 視同 typing_stop（發送端 crash 也會收斂）
type TypingTracker struct {
	router *EventRouter
	ttl    time.Duration

	mu     sync.Mutex
	timers map[typingKey]*time.Timer
}

type typingKey struct {
	conversationID string
	userID         string
}

// NewTypingTracker create TypingTracker
func NewTypingTracker(router *EventRouter, ttl time.Duration) *TypingTracker {
	if ttl <= 0 {
		ttl = 6 * time.Second
	}
	return &TypingTracker{
		router: router,
		ttl:    ttl,
		timers: map[typingKey]*time.Timer{},
	}
}

// Start emit typing:start and (re)arm the expiry timer
func (t *TypingTracker) Start(conversationID, userID string) {
	key := typingKey{conversationID, userID}

	t.mu.Lock()
	if timer, ok := t.timers[key]; ok {
		timer.Reset(t.ttl)
		t.mu.Unlock()
		return
	}
	t.timers[key] = time.AfterFunc(t.ttl, func() {
		t.expire(key)
	})
	t.mu.Unlock()

	t.emit(domain.EventTypingStart, conversationID, userID)
}

// Stop explicit stop, cancel the timer and emit typing:stop
func (t *TypingTracker) Stop(conversationID, userID string) {
	key := typingKey{conversationID, userID}

	t.mu.Lock()
	timer, ok := t.timers[key]
	if ok {
		timer.Stop()
		delete(t.timers, key)
	}
	t.mu.Unlock()

	if ok {
		t.emit(domain.EventTypingStop, conversationID, userID)
	}
}

// StopUser clear every indicator of a user, used on final disconnect
func (t *TypingTracker) StopUser(userID string) {
	t.mu.Lock()
	var stopped []typingKey
	for key, timer := range t.timers {
		if key.userID == userID {
			timer.Stop()
			delete(t.timers, key)
			stopped = append(stopped, key)
		}
	}
	t.mu.Unlock()

	for _, key := range stopped {
		t.emit(domain.EventTypingStop, key.conversationID, key.userID)
	}
}

// expire timer 到期，補發 typing:stop
func (t *TypingTracker) expire(key typingKey) {
	t.mu.Lock()
	_, ok := t.timers[key]
	if ok {
		delete(t.timers, key)
	}
	t.mu.Unlock()

	if ok {
		t.emit(domain.EventTypingStop, key.conversationID, key.userID)
	}
}

func (t *TypingTracker) emit(kind domain.EventKind, conversationID, userID string) {
	t.router.Emit(domain.Event{
		Namespace: domain.NamespaceMessaging,
		Event:     kind,
		Room:      conversationID,
		Payload: map[string]interface{}{
			"conversation_id": conversationID,
			"user_id":         userID,
		},
	}, userID)
}
