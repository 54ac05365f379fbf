package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPresence_MultiDeviceOnline(t *testing.T) {
	ctx := context.Background()
	tracker := NewPresenceTracker(nil, time.Minute, 8)

	var online, offline []string
	tracker.SetHooks(PresenceHooks{
		OnUserOnline:  func(userID string) { online = append(online, userID) },
		OnUserOffline: func(userID string, rooms []string) { offline = append(offline, userID) },
	})

	phone := tracker.Connect(ctx, "session-phone", "user-a")
	laptop := tracker.Connect(ctx, "session-laptop", "user-a")

	// 第一條連線才觸發 online
	assert.Equal(t, []string{"user-a"}, online)
	assert.True(t, tracker.IsOnline(ctx, "user-a"))
	assert.Len(t, tracker.UserSessions("user-a"), 2)

	tracker.Disconnect(ctx, phone.ID)
	assert.True(t, tracker.IsOnline(ctx, "user-a"))
	assert.Empty(t, offline)

	// 最後一條連線關閉才 offline
	tracker.Disconnect(ctx, laptop.ID)
	assert.False(t, tracker.IsOnline(ctx, "user-a"))
	assert.Equal(t, []string{"user-a"}, offline)
}

func TestPresence_RoomSubscription(t *testing.T) {
	ctx := context.Background()
	tracker := NewPresenceTracker(nil, time.Minute, 8)

	var active, idle []string
	tracker.SetHooks(PresenceHooks{
		OnRoomActive: func(roomID string) { active = append(active, roomID) },
		OnRoomIdle:   func(roomID string) { idle = append(idle, roomID) },
	})

	sessionA := tracker.Connect(ctx, "session-a", "user-a")
	sessionB := tracker.Connect(ctx, "session-b", "user-b")

	tracker.Subscribe(sessionA.ID, "room-1")
	tracker.Subscribe(sessionB.ID, "room-1")

	// 第一個本地訂閱者才觸發 active
	assert.Equal(t, []string{"room-1"}, active)
	assert.Len(t, tracker.SessionsFor("room-1"), 2)
	assert.ElementsMatch(t, []string{"room-1"}, tracker.RoomsOf("user-a"))

	// PresentIn 只回傳給定參與者集合裡有訂閱的
	present := tracker.PresentIn("room-1", []string{"user-a", "user-b", "user-c"})
	assert.ElementsMatch(t, []string{"user-a", "user-b"}, present)

	tracker.Unsubscribe(sessionA.ID, "room-1")
	assert.Empty(t, idle)

	// disconnect 會把 session 從所有房間移除
	tracker.Disconnect(ctx, sessionB.ID)
	assert.Equal(t, []string{"room-1"}, idle)
	assert.Empty(t, tracker.SessionsFor("room-1"))
}

func TestPresence_ClosedSessionDropsFrames(t *testing.T) {
	ctx := context.Background()
	tracker := NewPresenceTracker(nil, time.Minute, 1)

	session := tracker.Connect(ctx, "session-a", "user-a")
	assert.True(t, session.TrySend([]byte("one")))
	// buffer 已滿，整個 frame 丟棄而不是部分送達
	assert.False(t, session.TrySend([]byte("two")))

	tracker.Disconnect(ctx, session.ID)
	assert.False(t, session.TrySend([]byte("after close")))
}
