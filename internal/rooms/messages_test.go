package rooms

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type stubMessageStore struct {
	appendCalls int
	lastBefore  MessageCursor
	lastLimit   int
	appendErr   error
	listErr     error
}

func (s *stubMessageStore) AppendMessage(_ context.Context, memberID MemberID, body string) (Message, error) {
	s.appendCalls++
	if s.appendErr != nil {
		return Message{}, s.appendErr
	}
	return Message{MessageID: 1, MemberID: memberID.String(), Body: body}, nil
}

func (s *stubMessageStore) ListMessages(_ context.Context, _ RoomID, before MessageCursor, limit int) ([]Message, error) {
	s.lastBefore = before
	s.lastLimit = limit
	return nil, s.listErr
}

func TestMessageLogSendLengthBoundary(t *testing.T) {
	store := &stubMessageStore{}
	messageLog, err := NewMessageLog(MessageLogConfig{Store: store, MaxMessageLength: 10})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	if _, err := messageLog.Send(context.Background(), "member-1", strings.Repeat("ü", 10)); err != nil {
		t.Fatalf("expected body at the limit to be accepted: %v", err)
	}
	_, err = messageLog.Send(context.Background(), "member-1", strings.Repeat("ü", 11))
	if KindOf(err) != KindMessageTooLong {
		t.Fatalf("expected MESSAGE_TOO_LONG, got %v", err)
	}
	if !errors.Is(err, ErrMessageTooLong) {
		t.Fatalf("expected error to wrap ErrMessageTooLong")
	}
	if store.appendCalls != 1 {
		t.Fatalf("expected oversized body to skip the store, got %d calls", store.appendCalls)
	}
}

func TestMessageLogSendRejectsBlankInput(t *testing.T) {
	store := &stubMessageStore{}
	messageLog, err := NewMessageLog(MessageLogConfig{Store: store})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, err := messageLog.Send(context.Background(), "member-1", " \n\t"); KindOf(err) != KindInvalidInput {
		t.Fatalf("expected INVALID_INPUT for blank body, got %v", err)
	}
	if _, err := messageLog.Send(context.Background(), "", "hello"); KindOf(err) != KindInvalidInput {
		t.Fatalf("expected INVALID_INPUT for blank member, got %v", err)
	}
	if store.appendCalls != 0 {
		t.Fatalf("expected store to be skipped, got %d calls", store.appendCalls)
	}
}

func TestMessageLogSendMapsMemberNotFound(t *testing.T) {
	messageLog, err := NewMessageLog(MessageLogConfig{Store: &stubMessageStore{appendErr: ErrMemberNotFound}})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, err := messageLog.Send(context.Background(), "member-1", "hello"); KindOf(err) != KindMemberNotFound {
		t.Fatalf("expected MEMBER_NOT_FOUND, got %v", err)
	}
}

func TestMessageLogListClampsLimit(t *testing.T) {
	testCases := []struct {
		name     string
		limit    int
		expected int
	}{
		{name: "default", limit: 0, expected: 20},
		{name: "negative", limit: -4, expected: 20},
		{name: "within range", limit: 7, expected: 7},
		{name: "above max", limit: 1000, expected: 40},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			store := &stubMessageStore{}
			messageLog, err := NewMessageLog(MessageLogConfig{Store: store, DefaultPageSize: 20, MaxPageSize: 40})
			if err != nil {
				t.Fatalf("unexpected constructor error: %v", err)
			}
			if _, err := messageLog.List(context.Background(), "room-1", 42, testCase.limit); err != nil {
				t.Fatalf("list failed: %v", err)
			}
			if store.lastLimit != testCase.expected {
				t.Fatalf("expected limit %d, got %d", testCase.expected, store.lastLimit)
			}
			if store.lastBefore != 42 {
				t.Fatalf("expected cursor to pass through, got %d", store.lastBefore)
			}
		})
	}
}

func TestMessageLogListRejectsNegativeCursor(t *testing.T) {
	messageLog, err := NewMessageLog(MessageLogConfig{Store: &stubMessageStore{}})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, err := messageLog.List(context.Background(), "room-1", -1, 10); KindOf(err) != KindInvalidInput {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
}
