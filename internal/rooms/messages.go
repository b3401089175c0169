package rooms

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	opMessageLogNew = "rooms.message_log.new"
	opSend          = "rooms.send"
	opList          = "rooms.list"
)

// MessageStore is the slice of the store that message traffic runs against.
type MessageStore interface {
	AppendMessage(ctx context.Context, memberID MemberID, body string) (Message, error)
	ListMessages(ctx context.Context, roomID RoomID, before MessageCursor, limit int) ([]Message, error)
}

// MessageLogConfig describes the dependencies of a MessageLog.
type MessageLogConfig struct {
	Store            MessageStore
	MaxMessageLength int
	DefaultPageSize  int
	MaxPageSize      int
	Logger           *zap.Logger
}

// MessageLog validates message traffic before it reaches the store.
type MessageLog struct {
	store            MessageStore
	maxMessageLength int
	defaultPageSize  int
	maxPageSize      int
	logger           *zap.Logger
}

// NewMessageLog returns a MessageLog.
func NewMessageLog(cfg MessageLogConfig) (*MessageLog, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opMessageLogNew, reasonMissingStore, KindUnknown, errMissingStore)
	}
	maxMessageLength := cfg.MaxMessageLength
	if maxMessageLength <= 0 {
		maxMessageLength = DefaultMaxMessageLength
	}
	maxPageSize := cfg.MaxPageSize
	if maxPageSize <= 0 {
		maxPageSize = DefaultMaxPageSize
	}
	defaultPageSize := cfg.DefaultPageSize
	if defaultPageSize <= 0 || defaultPageSize > maxPageSize {
		defaultPageSize = min(DefaultPageSize, maxPageSize)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &MessageLog{
		store:            cfg.Store,
		maxMessageLength: maxMessageLength,
		defaultPageSize:  defaultPageSize,
		maxPageSize:      maxPageSize,
		logger:           logger,
	}, nil
}

// MaxMessageLength returns the configured body limit in characters.
func (l *MessageLog) MaxMessageLength() int {
	return l.maxMessageLength
}

// Send appends body on behalf of the member. Empty and oversized bodies never reach the store.
func (l *MessageLog) Send(ctx context.Context, rawMemberID, body string) (Message, error) {
	memberID, err := NewMemberID(rawMemberID)
	if err != nil {
		return Message{}, newServiceError(opSend, "invalid_input", KindInvalidInput, err)
	}
	if strings.TrimSpace(body) == "" {
		return Message{}, newServiceError(opSend, "invalid_input", KindInvalidInput,
			fmt.Errorf("%w: empty message body", ErrInvalidInput))
	}
	if length := utf8.RuneCountInString(body); length > l.maxMessageLength {
		return Message{}, newServiceError(opSend, "message_too_long", KindMessageTooLong,
			fmt.Errorf("%w: %d characters exceeds %d", ErrMessageTooLong, length, l.maxMessageLength))
	}

	message, err := l.store.AppendMessage(ctx, memberID, body)
	if err != nil {
		translated := translateError(opSend, err)
		if KindOf(translated) == KindUnknown {
			l.logger.Error("message append failed", zap.String(fieldMemberID, memberID.String()), zap.Error(err))
		}
		return Message{}, translated
	}
	return message, nil
}

// List returns a newest-first page of messages older than before. A non-positive limit selects
// the default page size; larger limits are clamped to the maximum.
func (l *MessageLog) List(ctx context.Context, rawRoomID string, before int64, limit int) ([]Message, error) {
	roomID, err := NewRoomID(rawRoomID)
	if err != nil {
		return nil, newServiceError(opList, "invalid_input", KindInvalidInput, err)
	}
	cursor, err := NewMessageCursor(before)
	if err != nil {
		return nil, newServiceError(opList, "invalid_input", KindInvalidInput, err)
	}
	if limit <= 0 {
		limit = l.defaultPageSize
	}
	limit = max(1, min(limit, l.maxPageSize))

	messages, err := l.store.ListMessages(ctx, roomID, cursor, limit)
	if err != nil {
		translated := translateError(opList, err)
		l.logger.Error("message list failed", zap.String(fieldRoomID, roomID.String()), zap.Error(err))
		return nil, translated
	}
	return messages, nil
}
