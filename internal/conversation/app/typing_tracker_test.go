package app

import (
	"context"
	"testing"
	"time"

	"live_conversation_service/internal/conversation/domain"

	"github.com/stretchr/testify/assert"
)

func newTypingFixture(ttl time.Duration) (*TypingTracker, *Session) {
	ctx := context.Background()
	presence := NewPresenceTracker(nil, time.Minute, 8)
	router := NewEventRouter(presence, nil, nil, "node-test")
	typing := NewTypingTracker(router, ttl)

	// user-b 在房間內觀察 user-a 的 typing 事件
	watcher := presence.Connect(ctx, "session-b", "user-b")
	presence.Subscribe(watcher.ID, "room-1")
	return typing, watcher
}

func TestTyping_StartStop(t *testing.T) {
	typing, watcher := newTypingFixture(time.Minute)

	typing.Start("room-1", "user-a")
	evt := recvEvent(t, watcher)
	assert.Equal(t, domain.EventTypingStart, evt.Event)
	assert.Equal(t, "user-a", evt.Payload["user_id"])

	typing.Stop("room-1", "user-a")
	evt = recvEvent(t, watcher)
	assert.Equal(t, domain.EventTypingStop, evt.Event)

	// 沒有進行中的 indicator 時 stop 不發事件
	typing.Stop("room-1", "user-a")
	assertNoEvent(t, watcher)
}

func TestTyping_AutoExpiry(t *testing.T) {
	typing, watcher := newTypingFixture(30 * time.Millisecond)

	typing.Start("room-1", "user-a")
	evt := recvEvent(t, watcher)
	assert.Equal(t, domain.EventTypingStart, evt.Event)

	// 未 refresh，逾時自動補發 stop
	evt = recvEvent(t, watcher)
	assert.Equal(t, domain.EventTypingStop, evt.Event)
}

func TestTyping_RefreshKeepsSingleIndicator(t *testing.T) {
	typing, watcher := newTypingFixture(50 * time.Millisecond)

	typing.Start("room-1", "user-a")
	evt := recvEvent(t, watcher)
	assert.Equal(t, domain.EventTypingStart, evt.Event)

	// ttl 內重複 start 只是 refresh，不再發 start
	time.Sleep(20 * time.Millisecond)
	typing.Start("room-1", "user-a")
	assertNoEvent(t, watcher)

	// refresh 後從新的時點起算
	time.Sleep(30 * time.Millisecond)
	assertNoEvent(t, watcher)

	evt = recvEvent(t, watcher)
	assert.Equal(t, domain.EventTypingStop, evt.Event)
}

func TestTyping_StopUserClearsAll(t *testing.T) {
	typing, watcher := newTypingFixture(time.Minute)

	typing.Start("room-1", "user-a")
	recvEvent(t, watcher)
	typing.Start("room-2", "user-a") // watcher 不在 room-2

	typing.StopUser("user-a")
	evt := recvEvent(t, watcher)
	assert.Equal(t, domain.EventTypingStop, evt.Event)
	assert.Equal(t, "room-1", evt.Room)

	// 全部清掉之後再 stop 不發事件
	typing.Stop("room-1", "user-a")
	typing.Stop("room-2", "user-a")
	assertNoEvent(t, watcher)
}
