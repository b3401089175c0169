package rooms

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultCapacity applies when a topic specifies no positive member capacity.
	DefaultCapacity = 30
	// DefaultMaxMessageLength bounds message bodies, counted in characters.
	DefaultMaxMessageLength = 500
	// DefaultMaxNicknameLength bounds nicknames, counted in characters.
	DefaultMaxNicknameLength = 40
	// DefaultPageSize is the message page size used when a caller specifies none.
	DefaultPageSize = 50
	// DefaultMaxPageSize caps every message page regardless of caller input.
	DefaultMaxPageSize = 100

	maxIdentifierLength = 190
)

// TopicID identifies the content topic that owns a room.
type TopicID string

// NewTopicID validates raw input and returns a TopicID.
func NewTopicID(rawInput string) (TopicID, error) {
	value, err := normalizeIdentifier("topic id", rawInput)
	if err != nil {
		return "", err
	}
	return TopicID(value), nil
}

// String returns the underlying string identifier.
func (id TopicID) String() string {
	return string(id)
}

// RoomID identifies a room.
type RoomID string

// NewRoomID validates raw input and returns a RoomID.
func NewRoomID(rawInput string) (RoomID, error) {
	value, err := normalizeIdentifier("room id", rawInput)
	if err != nil {
		return "", err
	}
	return RoomID(value), nil
}

// String returns the underlying string identifier.
func (id RoomID) String() string {
	return string(id)
}

// MemberID identifies one membership row.
type MemberID string

// NewMemberID validates raw input and returns a MemberID.
func NewMemberID(rawInput string) (MemberID, error) {
	value, err := normalizeIdentifier("member id", rawInput)
	if err != nil {
		return "", err
	}
	return MemberID(value), nil
}

// String returns the underlying string identifier.
func (id MemberID) String() string {
	return string(id)
}

// MessageCursor is the id of the oldest message a client already holds. Zero requests the newest page.
type MessageCursor int64

// NewMessageCursor validates the value and returns a MessageCursor.
func NewMessageCursor(value int64) (MessageCursor, error) {
	if value < 0 {
		return 0, fmt.Errorf("%w: negative message cursor %d", ErrInvalidInput, value)
	}
	return MessageCursor(value), nil
}

// Int64 exposes the raw cursor value.
func (cursor MessageCursor) Int64() int64 {
	return int64(cursor)
}

func normalizeIdentifier(label, rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty %s", ErrInvalidInput, label)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidInput, label, maxIdentifierLength)
	}
	return trimmed, nil
}

// Room is the capacity-bounded container tied to exactly one topic.
type Room struct {
	RoomID           string `gorm:"column:room_id;primaryKey;size:190;not null"`
	TopicID          string `gorm:"column:topic_id;size:190;not null;uniqueIndex:idx_chat_rooms_topic"`
	Capacity         int    `gorm:"column:capacity;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Room) TableName() string {
	return "chat_rooms"
}

// Member is one device's occupancy record within a room.
type Member struct {
	MemberID         string  `gorm:"column:member_id;primaryKey;size:190;not null"`
	RoomID           string  `gorm:"column:room_id;size:190;not null;uniqueIndex:idx_chat_members_room_device,priority:1"`
	DeviceHash       string  `gorm:"column:device_hash;size:190;not null;uniqueIndex:idx_chat_members_room_device,priority:2"`
	UserID           *string `gorm:"column:user_id;size:190"`
	SessionID        string  `gorm:"column:session_id;size:190;not null;default:''"`
	Nickname         string  `gorm:"column:nickname;size:190;not null"`
	JoinedAtMillis   int64   `gorm:"column:joined_at_ms;not null"`
	LastSeenAtMillis int64   `gorm:"column:last_seen_at_ms;not null;index:idx_chat_members_last_seen"`
}

// TableName provides the explicit table binding for GORM.
func (Member) TableName() string {
	return "chat_room_members"
}

// LastSeen returns the last heartbeat time.
func (m Member) LastSeen() time.Time {
	return time.UnixMilli(m.LastSeenAtMillis).UTC()
}

// JoinedAt returns the join time.
func (m Member) JoinedAt() time.Time {
	return time.UnixMilli(m.JoinedAtMillis).UTC()
}

// Message is an immutable chat line. MessageID is the store-assigned ordering key.
type Message struct {
	MessageID       int64  `gorm:"column:message_id;primaryKey;autoIncrement;index:idx_chat_messages_room,priority:2"`
	RoomID          string `gorm:"column:room_id;size:190;not null;index:idx_chat_messages_room,priority:1"`
	MemberID        string `gorm:"column:member_id;size:190;not null"`
	AuthorNick      string `gorm:"column:author_nick;size:190;not null"`
	Body            string `gorm:"column:body;type:text;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "chat_room_messages"
}

// CreatedAt returns the server-assigned creation time.
func (m Message) CreatedAt() time.Time {
	return time.UnixMilli(m.CreatedAtMillis).UTC()
}

// RoomState is a derived occupancy snapshot; it is never stored.
type RoomState struct {
	RoomID        string
	TopicID       string
	Capacity      int
	ActiveMembers int
	LastMessageAt *time.Time
}

// JoinResult pairs the created member with the room state observed by the join transaction.
type JoinResult struct {
	Member Member
	State  RoomState
}
