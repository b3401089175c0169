package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestJoinRoomConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	fixture := newStoreFixture(t)
	const capacity = 5
	const overflow = 7
	mustRoom(t, fixture.store, "topic-race", capacity)

	var waitGroup sync.WaitGroup
	errs := make([]error, capacity+overflow)
	start := make(chan struct{})
	for index := range errs {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			<-start
			_, errs[index] = fixture.store.JoinRoom(context.Background(), JoinParams{
				TopicID:    TopicID("topic-race"),
				DeviceHash: fmt.Sprintf("device-%d", index),
				Nickname:   fmt.Sprintf("nick-%d", index),
			})
		}(index)
	}
	close(start)
	waitGroup.Wait()

	succeeded, full := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrRoomFull):
			full++
		default:
			t.Fatalf("unexpected join error: %v", err)
		}
	}
	if succeeded != capacity || full != overflow {
		t.Fatalf("expected %d joins and %d full, got %d and %d", capacity, overflow, succeeded, full)
	}

	state, err := fixture.store.GetRoomState(context.Background(), TopicID("topic-race"))
	if err != nil {
		t.Fatalf("state failed: %v", err)
	}
	if state.ActiveMembers != capacity {
		t.Fatalf("expected %d active members, got %d", capacity, state.ActiveMembers)
	}
}

func TestJoinRoomRejectsSecondActiveJoinFromSameDevice(t *testing.T) {
	fixture := newStoreFixture(t)
	mustRoom(t, fixture.store, "topic-1", 10)
	first := mustJoin(t, fixture.store, "topic-1", "device-a")

	_, err := fixture.store.JoinRoom(context.Background(), JoinParams{
		TopicID:    TopicID("topic-1"),
		DeviceHash: "device-a",
		Nickname:   "second tab",
		SessionID:  "session-other-tab",
	})
	if !errors.Is(err, ErrMemberConflict) {
		t.Fatalf("expected member conflict, got %v", err)
	}

	var rows int64
	if err := fixture.db.Model(&Member{}).Where("room_id = ?", first.Member.RoomID).Count(&rows).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected exactly one member row, got %d", rows)
	}
}

func TestJoinRoomUnknownTopic(t *testing.T) {
	fixture := newStoreFixture(t)
	_, err := fixture.store.JoinRoom(context.Background(), JoinParams{
		TopicID:    TopicID("missing"),
		DeviceHash: "device-a",
		Nickname:   "nick",
	})
	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected room not found, got %v", err)
	}
}

func TestLeaveRoomDecrementsExactlyOnce(t *testing.T) {
	fixture := newStoreFixture(t)
	mustRoom(t, fixture.store, "topic-1", 10)
	first := mustJoin(t, fixture.store, "topic-1", "device-a")
	second := mustJoin(t, fixture.store, "topic-1", "device-b")
	if second.State.ActiveMembers != 2 {
		t.Fatalf("expected 2 active members after joins, got %d", second.State.ActiveMembers)
	}

	state, err := fixture.store.LeaveRoom(context.Background(), mustMemberID(t, first.Member.MemberID))
	if err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if state.ActiveMembers != 1 {
		t.Fatalf("expected 1 active member after leave, got %d", state.ActiveMembers)
	}

	_, err = fixture.store.LeaveRoom(context.Background(), mustMemberID(t, first.Member.MemberID))
	if !errors.Is(err, ErrMemberNotFound) {
		t.Fatalf("expected member not found on second leave, got %v", err)
	}
}

func TestPresenceExpiryFreesSlotWithoutLeave(t *testing.T) {
	fixture := newStoreFixture(t)
	mustRoom(t, fixture.store, "topic-1", 1)
	firstJoin := mustJoin(t, fixture.store, "topic-1", "device-a")

	_, err := fixture.store.JoinRoom(context.Background(), JoinParams{
		TopicID:    TopicID("topic-1"),
		DeviceHash: "device-b",
		Nickname:   "late",
	})
	if !errors.Is(err, ErrRoomFull) {
		t.Fatalf("expected room full while lease is live, got %v", err)
	}

	fixture.clock.Advance(testPresenceTimeout)

	state, err := fixture.store.GetRoomState(context.Background(), TopicID("topic-1"))
	if err != nil {
		t.Fatalf("state failed: %v", err)
	}
	if state.ActiveMembers != 0 {
		t.Fatalf("expected lapsed member to be excluded, got %d active", state.ActiveMembers)
	}

	rejoined := mustJoin(t, fixture.store, "topic-1", "device-a")
	if rejoined.Member.MemberID == firstJoin.Member.MemberID {
		t.Fatalf("expected a fresh membership after expiry")
	}
	if rejoined.State.ActiveMembers != 1 {
		t.Fatalf("expected 1 active member after rejoin, got %d", rejoined.State.ActiveMembers)
	}

	_, err = fixture.store.TouchPresence(context.Background(), mustMemberID(t, firstJoin.Member.MemberID))
	if !errors.Is(err, ErrMemberNotFound) {
		t.Fatalf("expected lapsed membership to be gone, got %v", err)
	}
}

func TestTouchPresenceExtendsLease(t *testing.T) {
	fixture := newStoreFixture(t)
	mustRoom(t, fixture.store, "topic-1", 5)
	joined := mustJoin(t, fixture.store, "topic-1", "device-a")
	memberID := mustMemberID(t, joined.Member.MemberID)

	fixture.clock.Advance(testPresenceTimeout - time.Second)
	state, err := fixture.store.TouchPresence(context.Background(), memberID)
	if err != nil {
		t.Fatalf("touch failed: %v", err)
	}
	if state.ActiveMembers != 1 {
		t.Fatalf("expected 1 active member, got %d", state.ActiveMembers)
	}

	fixture.clock.Advance(testPresenceTimeout - time.Second)
	if _, err := fixture.store.TouchPresence(context.Background(), memberID); err != nil {
		t.Fatalf("expected renewed lease to still be live: %v", err)
	}

	fixture.clock.Advance(testPresenceTimeout)
	if _, err := fixture.store.TouchPresence(context.Background(), memberID); !errors.Is(err, ErrMemberNotFound) {
		t.Fatalf("expected lapsed lease to be rejected, got %v", err)
	}
}

func TestCreateRoomIfAbsentConcurrentCallsConverge(t *testing.T) {
	fixture := newStoreFixture(t)
	const callers = 8

	var waitGroup sync.WaitGroup
	rooms := make([]Room, callers)
	errs := make([]error, callers)
	for index := 0; index < callers; index++ {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			rooms[index], errs[index] = fixture.store.CreateRoomIfAbsent(context.Background(), TopicID("topic-new"), 12+index)
		}(index)
	}
	waitGroup.Wait()

	for index, err := range errs {
		if err != nil {
			t.Fatalf("caller %d failed: %v", index, err)
		}
		if rooms[index].RoomID != rooms[0].RoomID {
			t.Fatalf("expected one room id, got %s and %s", rooms[0].RoomID, rooms[index].RoomID)
		}
	}
	var count int64
	if err := fixture.db.Model(&Room{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single room row, got %d", count)
	}
}

func TestCreateRoomIfAbsentRejectsNonPositiveCapacity(t *testing.T) {
	fixture := newStoreFixture(t)
	if _, err := fixture.store.CreateRoomIfAbsent(context.Background(), TopicID("topic-1"), 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestGetRoomStatesBatchesAndOmitsUnknownTopics(t *testing.T) {
	fixture := newStoreFixture(t)
	mustRoom(t, fixture.store, "topic-a", 3)
	mustRoom(t, fixture.store, "topic-b", 4)
	joined := mustJoin(t, fixture.store, "topic-b", "device-1")
	mustJoin(t, fixture.store, "topic-b", "device-2")

	fixture.clock.Advance(time.Second)
	if _, err := fixture.store.AppendMessage(context.Background(), mustMemberID(t, joined.Member.MemberID), "hello"); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	states, err := fixture.store.GetRoomStates(context.Background(), []TopicID{"topic-b", "unknown", "topic-a", "topic-b"})
	if err != nil {
		t.Fatalf("states failed: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("expected 2 states, got %d", len(states))
	}
	if states[0].TopicID != "topic-b" || states[1].TopicID != "topic-a" {
		t.Fatalf("expected request order, got %s, %s", states[0].TopicID, states[1].TopicID)
	}
	if states[0].ActiveMembers != 2 || states[0].Capacity != 4 {
		t.Fatalf("unexpected topic-b state: %+v", states[0])
	}
	if states[0].LastMessageAt == nil || !states[0].LastMessageAt.Equal(fixture.clock.Now()) {
		t.Fatalf("expected last message time %s, got %v", fixture.clock.Now(), states[0].LastMessageAt)
	}
	if states[1].ActiveMembers != 0 || states[1].LastMessageAt != nil {
		t.Fatalf("unexpected topic-a state: %+v", states[1])
	}

	empty, err := fixture.store.GetRoomStates(context.Background(), nil)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty result for no topics, got %v, %v", empty, err)
	}
}

func TestGetRoomStateUnknownTopic(t *testing.T) {
	fixture := newStoreFixture(t)
	if _, err := fixture.store.GetRoomState(context.Background(), TopicID("missing")); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected room not found, got %v", err)
	}
}

func TestAppendMessageCapturesAuthorNickname(t *testing.T) {
	fixture := newStoreFixture(t)
	mustRoom(t, fixture.store, "topic-1", 5)
	joined := mustJoin(t, fixture.store, "topic-1", "device-a")
	memberID := mustMemberID(t, joined.Member.MemberID)

	message, err := fixture.store.AppendMessage(context.Background(), memberID, "first")
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if message.MessageID == 0 || message.AuthorNick != "nick-device-a" || message.RoomID != joined.Member.RoomID {
		t.Fatalf("unexpected stored message: %+v", message)
	}

	if _, err := fixture.store.LeaveRoom(context.Background(), memberID); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if _, err := fixture.store.AppendMessage(context.Background(), memberID, "after leave"); !errors.Is(err, ErrMemberNotFound) {
		t.Fatalf("expected member not found after leave, got %v", err)
	}

	messages, err := fixture.store.ListMessages(context.Background(), RoomID(joined.Member.RoomID), 0, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(messages) != 1 || messages[0].AuthorNick != "nick-device-a" {
		t.Fatalf("expected author nickname to survive membership, got %+v", messages)
	}
}

func TestAppendMessageLengthBoundary(t *testing.T) {
	fixture := newStoreFixture(t)
	mustRoom(t, fixture.store, "topic-1", 5)
	joined := mustJoin(t, fixture.store, "topic-1", "device-a")
	memberID := mustMemberID(t, joined.Member.MemberID)

	if _, err := fixture.store.AppendMessage(context.Background(), memberID, strings.Repeat("é", DefaultMaxMessageLength)); err != nil {
		t.Fatalf("expected max-length body to be accepted: %v", err)
	}
	_, err := fixture.store.AppendMessage(context.Background(), memberID, strings.Repeat("é", DefaultMaxMessageLength+1))
	if !errors.Is(err, ErrMessageTooLong) {
		t.Fatalf("expected message too long, got %v", err)
	}

	var count int64
	if err := fixture.db.Model(&Message{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected only the valid message to persist, got %d", count)
	}
}

func TestListMessagesPaginatesWithoutGapsOrOverlap(t *testing.T) {
	fixture := newStoreFixture(t)
	mustRoom(t, fixture.store, "topic-1", 5)
	joined := mustJoin(t, fixture.store, "topic-1", "device-a")
	memberID := mustMemberID(t, joined.Member.MemberID)
	roomID := RoomID(joined.Member.RoomID)

	for index := 0; index < 25; index++ {
		if _, err := fixture.store.AppendMessage(context.Background(), memberID, fmt.Sprintf("message-%02d", index)); err != nil {
			t.Fatalf("append %d failed: %v", index, err)
		}
		fixture.clock.Advance(time.Millisecond)
	}

	firstPage, err := fixture.store.ListMessages(context.Background(), roomID, 0, 10)
	if err != nil {
		t.Fatalf("first page failed: %v", err)
	}
	if len(firstPage) != 10 {
		t.Fatalf("expected 10 messages, got %d", len(firstPage))
	}
	if firstPage[0].Body != "message-24" || firstPage[9].Body != "message-15" {
		t.Fatalf("expected newest 10 messages, got %s..%s", firstPage[0].Body, firstPage[9].Body)
	}

	secondPage, err := fixture.store.ListMessages(context.Background(), roomID, MessageCursor(firstPage[9].MessageID), 10)
	if err != nil {
		t.Fatalf("second page failed: %v", err)
	}
	if len(secondPage) != 10 {
		t.Fatalf("expected 10 messages, got %d", len(secondPage))
	}
	if secondPage[0].Body != "message-14" || secondPage[9].Body != "message-05" {
		t.Fatalf("expected next 10 messages, got %s..%s", secondPage[0].Body, secondPage[9].Body)
	}

	lastPage, err := fixture.store.ListMessages(context.Background(), roomID, MessageCursor(secondPage[9].MessageID), 10)
	if err != nil {
		t.Fatalf("last page failed: %v", err)
	}
	if len(lastPage) != 5 || lastPage[4].Body != "message-00" {
		t.Fatalf("expected remaining 5 messages, got %d", len(lastPage))
	}
}

func TestListMessagesCapsLimit(t *testing.T) {
	fixture := newStoreFixture(t)
	mustRoom(t, fixture.store, "topic-1", 5)
	joined := mustJoin(t, fixture.store, "topic-1", "device-a")
	memberID := mustMemberID(t, joined.Member.MemberID)

	for index := 0; index < DefaultMaxPageSize+5; index++ {
		if _, err := fixture.store.AppendMessage(context.Background(), memberID, "spam"); err != nil {
			t.Fatalf("append %d failed: %v", index, err)
		}
	}

	messages, err := fixture.store.ListMessages(context.Background(), RoomID(joined.Member.RoomID), 0, 10_000)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(messages) != DefaultMaxPageSize {
		t.Fatalf("expected hard cap %d, got %d", DefaultMaxPageSize, len(messages))
	}

	defaults, err := fixture.store.ListMessages(context.Background(), RoomID(joined.Member.RoomID), 0, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(defaults) != DefaultPageSize {
		t.Fatalf("expected default page size %d, got %d", DefaultPageSize, len(defaults))
	}
}

func TestDeleteLapsedMembersOnlyRemovesOldRows(t *testing.T) {
	fixture := newStoreFixture(t)
	mustRoom(t, fixture.store, "topic-1", 5)
	mustJoin(t, fixture.store, "topic-1", "device-old")
	fixture.clock.Advance(time.Hour)
	mustJoin(t, fixture.store, "topic-1", "device-new")

	removed, err := fixture.store.DeleteLapsedMembers(context.Background(), fixture.clock.Now().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 row removed, got %d", removed)
	}

	var remaining []Member
	if err := fixture.db.Find(&remaining).Error; err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].DeviceHash != "device-new" {
		t.Fatalf("unexpected remaining members: %+v", remaining)
	}
}
