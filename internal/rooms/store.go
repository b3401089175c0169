package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/roomchat/internal/presence"
	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew          = "rooms.store.new"
	opCreateRoom        = "rooms.create_room"
	opJoinRoom          = "rooms.join_room"
	opLeaveRoom         = "rooms.leave_room"
	opTouchPresence     = "rooms.touch_presence"
	opGetRoomStates     = "rooms.get_room_states"
	opAppendMessage     = "rooms.append_message"
	opListMessages      = "rooms.list_messages"
	opDeleteLapsed      = "rooms.delete_lapsed_members"
	fieldTopicID        = "topic_id"
	fieldRoomID         = "room_id"
	fieldMemberID       = "member_id"
	columnTopicID       = "topic_id"
	columnLastSeen      = "last_seen_at_ms"
	queryTopicID        = fieldTopicID + " = ?"
	queryTopicIDIn      = fieldTopicID + " IN ?"
	queryRoomID         = fieldRoomID + " = ?"
	queryRoomIDIn       = fieldRoomID + " IN ?"
	queryMemberID       = fieldMemberID + " = ?"
	queryMessageBefore  = "message_id < ?"
	queryLastSeenBefore = columnLastSeen + " < ?"
	orderMessageIDDesc  = "message_id DESC"
	selectLastMessage   = "room_id, MAX(created_at_ms) AS last_millis"

	reasonMissingDatabase   = "missing_database"
	reasonMissingIDProvider = "missing_id_provider"
	reasonMissingPolicy     = "missing_presence_policy"
	reasonRoomLookupFailed  = "room_lookup_failed"
	reasonRoomInsertFailed  = "room_insert_failed"
	reasonMemberLoadFailed  = "member_load_failed"
	reasonMemberLookup      = "member_lookup_failed"
	reasonMemberInsert      = "member_insert_failed"
	reasonMemberDelete      = "member_delete_failed"
	reasonMemberUpdate      = "member_update_failed"
	reasonMessageLookup     = "message_lookup_failed"
	reasonMessageInsert     = "message_insert_failed"
	reasonIDGeneration      = "id_generation_failed"
	reasonQueryFailed       = "query_failed"

	mysqlDuplicateEntry = 1062
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingPolicy     = errors.New("presence policy with a positive timeout is required")
	noOpLogger           = zap.NewNop()
)

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database         *gorm.DB
	Policy           presence.Policy
	Clock            func() time.Time
	IDProvider       IDProvider
	Logger           *zap.Logger
	MaxMessageLength int
	DefaultPageSize  int
	MaxPageSize      int
}

// Store persists rooms, members and messages. Every mutating operation runs as one transaction
// and recomputes occupancy from member rows inside it.
type Store struct {
	db               *gorm.DB
	policy           presence.Policy
	clock            func() time.Time
	idProvider       IDProvider
	logger           *zap.Logger
	maxMessageLength int
	defaultPageSize  int
	maxPageSize      int
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDatabase, KindUnknown, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, reasonMissingIDProvider, KindUnknown, errMissingIDProvider)
	}
	if cfg.Policy.Timeout() <= 0 {
		return nil, newServiceError(opStoreNew, reasonMissingPolicy, KindUnknown, errMissingPolicy)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
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

	return &Store{
		db:               cfg.Database,
		policy:           cfg.Policy,
		clock:            clock,
		idProvider:       cfg.IDProvider,
		logger:           logger,
		maxMessageLength: maxMessageLength,
		defaultPageSize:  defaultPageSize,
		maxPageSize:      maxPageSize,
	}, nil
}

// JoinParams is the validated input of JoinRoom.
type JoinParams struct {
	TopicID    TopicID
	DeviceHash string
	UserID     *string
	Nickname   string
	SessionID  string
}

// CreateRoomIfAbsent inserts a room for the topic unless one exists, and returns the stored row.
func (s *Store) CreateRoomIfAbsent(ctx context.Context, topicID TopicID, capacity int) (Room, error) {
	if capacity < 1 {
		return Room{}, fmt.Errorf("%w: capacity %d", ErrInvalidInput, capacity)
	}

	var stored Room
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		roomID, err := s.idProvider.NewID()
		if err != nil {
			return s.storageError(opCreateRoom, reasonIDGeneration, err, zap.String(fieldTopicID, topicID.String()))
		}
		candidate := Room{
			RoomID:           roomID,
			TopicID:          topicID.String(),
			Capacity:         capacity,
			CreatedAtSeconds: s.clock().UTC().Unix(),
		}
		createErr := transaction.
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: columnTopicID}}, DoNothing: true}).
			Create(&candidate).Error
		if createErr != nil && !isDuplicateKey(createErr) {
			return s.storageError(opCreateRoom, reasonRoomInsertFailed, createErr, zap.String(fieldTopicID, topicID.String()))
		}
		if err := transaction.Where(queryTopicID, topicID.String()).Take(&stored).Error; err != nil {
			return s.storageError(opCreateRoom, reasonRoomLookupFailed, err, zap.String(fieldTopicID, topicID.String()))
		}
		return nil
	})
	if transactionError != nil {
		return Room{}, transactionError
	}
	return stored, nil
}

// JoinRoom admits a device into the topic's room. The capacity and device checks and the insert
// share one transaction, so concurrent joins never observe a stale count.
func (s *Store) JoinRoom(ctx context.Context, params JoinParams) (JoinResult, error) {
	var result JoinResult
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		room, err := s.lockRoomByTopic(transaction, opJoinRoom, params.TopicID)
		if err != nil {
			return err
		}
		members, err := s.loadMembers(transaction, opJoinRoom, room.RoomID)
		if err != nil {
			return err
		}

		now := s.clock().UTC()
		var lapsed *Member
		for index := range members {
			if members[index].DeviceHash != params.DeviceHash {
				continue
			}
			if s.policy.IsActive(members[index].LastSeen(), now) {
				return fmt.Errorf("%w: device already active in room %s", ErrMemberConflict, room.RoomID)
			}
			lapsed = &members[index]
		}

		activeMembers := presence.ActiveCount(s.policy, members, now)
		if activeMembers >= room.Capacity {
			return fmt.Errorf("%w: %d of %d slots taken", ErrRoomFull, activeMembers, room.Capacity)
		}

		if lapsed != nil {
			if err := transaction.Where(queryMemberID, lapsed.MemberID).Delete(&Member{}).Error; err != nil {
				return s.storageError(opJoinRoom, reasonMemberDelete, err, zap.String(fieldMemberID, lapsed.MemberID))
			}
		}

		memberID, err := s.idProvider.NewID()
		if err != nil {
			return s.storageError(opJoinRoom, reasonIDGeneration, err, zap.String(fieldRoomID, room.RoomID))
		}
		member := Member{
			MemberID:         memberID,
			RoomID:           room.RoomID,
			DeviceHash:       params.DeviceHash,
			UserID:           params.UserID,
			SessionID:        params.SessionID,
			Nickname:         params.Nickname,
			JoinedAtMillis:   now.UnixMilli(),
			LastSeenAtMillis: now.UnixMilli(),
		}
		if err := transaction.Create(&member).Error; err != nil {
			if isDuplicateKey(err) {
				return fmt.Errorf("%w: %v", ErrMemberConflict, err)
			}
			return s.storageError(opJoinRoom, reasonMemberInsert, err, zap.String(fieldRoomID, room.RoomID))
		}

		lastMessages, err := s.lastMessageTimes(transaction, opJoinRoom, []string{room.RoomID})
		if err != nil {
			return err
		}
		result = JoinResult{
			Member: member,
			State:  buildRoomState(room, activeMembers+1, lastMessages),
		}
		return nil
	})
	if transactionError != nil {
		return JoinResult{}, transactionError
	}
	return result, nil
}

// LeaveRoom deletes the member row, active or lapsed, and returns the recomputed room state.
func (s *Store) LeaveRoom(ctx context.Context, memberID MemberID) (RoomState, error) {
	var state RoomState
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		member, err := s.lockMemberInRoom(transaction, opLeaveRoom, memberID)
		if err != nil {
			return err
		}
		if err := transaction.Where(queryMemberID, member.MemberID).Delete(&Member{}).Error; err != nil {
			return s.storageError(opLeaveRoom, reasonMemberDelete, err, zap.String(fieldMemberID, member.MemberID))
		}
		state, err = s.roomStateByID(transaction, opLeaveRoom, member.RoomID)
		return err
	})
	if transactionError != nil {
		return RoomState{}, transactionError
	}
	return state, nil
}

// TouchPresence renews the member's lease. A lapsed lease cannot be renewed; the device must rejoin.
func (s *Store) TouchPresence(ctx context.Context, memberID MemberID) (RoomState, error) {
	var state RoomState
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		member, err := s.lockActiveMember(transaction, opTouchPresence, memberID)
		if err != nil {
			return err
		}
		err = transaction.Model(&Member{}).
			Where(queryMemberID, member.MemberID).
			Update(columnLastSeen, s.clock().UTC().UnixMilli()).Error
		if err != nil {
			return s.storageError(opTouchPresence, reasonMemberUpdate, err, zap.String(fieldMemberID, member.MemberID))
		}
		state, err = s.roomStateByID(transaction, opTouchPresence, member.RoomID)
		return err
	})
	if transactionError != nil {
		return RoomState{}, transactionError
	}
	return state, nil
}

// GetRoomState returns the occupancy snapshot for one topic.
func (s *Store) GetRoomState(ctx context.Context, topicID TopicID) (RoomState, error) {
	states, err := s.GetRoomStates(ctx, []TopicID{topicID})
	if err != nil {
		return RoomState{}, err
	}
	if len(states) == 0 {
		return RoomState{}, fmt.Errorf("%w: topic %s", ErrRoomNotFound, topicID)
	}
	return states[0], nil
}

// GetRoomStates returns snapshots for the known topics in input order, omitting unknown ids.
// Three queries serve any number of topics.
func (s *Store) GetRoomStates(ctx context.Context, topicIDs []TopicID) ([]RoomState, error) {
	states := make([]RoomState, 0, len(topicIDs))
	if len(topicIDs) == 0 {
		return states, nil
	}
	rawTopicIDs := make([]string, 0, len(topicIDs))
	for _, topicID := range topicIDs {
		rawTopicIDs = append(rawTopicIDs, topicID.String())
	}

	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var rooms []Room
		if err := transaction.Where(queryTopicIDIn, rawTopicIDs).Find(&rooms).Error; err != nil {
			return s.storageError(opGetRoomStates, reasonRoomLookupFailed, err)
		}
		if len(rooms) == 0 {
			return nil
		}
		roomByTopic := make(map[string]Room, len(rooms))
		roomIDs := make([]string, 0, len(rooms))
		for _, room := range rooms {
			roomByTopic[room.TopicID] = room
			roomIDs = append(roomIDs, room.RoomID)
		}

		var members []Member
		if err := transaction.Where(queryRoomIDIn, roomIDs).Find(&members).Error; err != nil {
			return s.storageError(opGetRoomStates, reasonMemberLoadFailed, err)
		}
		membersByRoom := make(map[string][]Member, len(rooms))
		for _, member := range members {
			membersByRoom[member.RoomID] = append(membersByRoom[member.RoomID], member)
		}

		lastMessages, err := s.lastMessageTimes(transaction, opGetRoomStates, roomIDs)
		if err != nil {
			return err
		}

		now := s.clock().UTC()
		seen := make(map[string]struct{}, len(rawTopicIDs))
		for _, topicID := range rawTopicIDs {
			if _, duplicate := seen[topicID]; duplicate {
				continue
			}
			seen[topicID] = struct{}{}
			room, ok := roomByTopic[topicID]
			if !ok {
				continue
			}
			activeMembers := presence.ActiveCount(s.policy, membersByRoom[room.RoomID], now)
			states = append(states, buildRoomState(room, activeMembers, lastMessages))
		}
		return nil
	})
	if transactionError != nil {
		return nil, transactionError
	}
	return states, nil
}

// AppendMessage stores a message authored by an active member.
func (s *Store) AppendMessage(ctx context.Context, memberID MemberID, body string) (Message, error) {
	if strings.TrimSpace(body) == "" {
		return Message{}, fmt.Errorf("%w: empty message body", ErrInvalidInput)
	}
	if length := utf8.RuneCountInString(body); length > s.maxMessageLength {
		return Message{}, fmt.Errorf("%w: %d characters exceeds %d", ErrMessageTooLong, length, s.maxMessageLength)
	}

	var message Message
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		member, err := s.lockActiveMember(transaction, opAppendMessage, memberID)
		if err != nil {
			return err
		}
		message = Message{
			RoomID:          member.RoomID,
			MemberID:        member.MemberID,
			AuthorNick:      member.Nickname,
			Body:            body,
			CreatedAtMillis: s.clock().UTC().UnixMilli(),
		}
		if err := transaction.Create(&message).Error; err != nil {
			return s.storageError(opAppendMessage, reasonMessageInsert, err, zap.String(fieldMemberID, member.MemberID))
		}
		return nil
	})
	if transactionError != nil {
		return Message{}, transactionError
	}
	return message, nil
}

// ListMessages returns up to limit messages older than before, newest first. A zero cursor
// selects the newest page and a non-positive limit selects the default page size.
func (s *Store) ListMessages(ctx context.Context, roomID RoomID, before MessageCursor, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = s.defaultPageSize
	}
	if limit > s.maxPageSize {
		limit = s.maxPageSize
	}

	query := s.db.WithContext(ctx).Where(queryRoomID, roomID.String())
	if before > 0 {
		query = query.Where(queryMessageBefore, before.Int64())
	}
	messages := make([]Message, 0, limit)
	if err := query.Order(orderMessageIDDesc).Limit(limit).Find(&messages).Error; err != nil {
		return nil, s.storageError(opListMessages, reasonQueryFailed, err, zap.String(fieldRoomID, roomID.String()))
	}
	return messages, nil
}

// DeleteLapsedMembers removes member rows whose last heartbeat is before cutoff.
func (s *Store) DeleteLapsedMembers(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where(queryLastSeenBefore, cutoff.UTC().UnixMilli()).Delete(&Member{})
	if result.Error != nil {
		return 0, s.storageError(opDeleteLapsed, reasonMemberDelete, result.Error)
	}
	return result.RowsAffected, nil
}

// PresencePolicy exposes the policy the store counts occupancy with.
func (s *Store) PresencePolicy() presence.Policy {
	return s.policy
}

func (s *Store) lockRoomByTopic(transaction *gorm.DB, operation string, topicID TopicID) (Room, error) {
	var room Room
	err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryTopicID, topicID.String()).
		Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, fmt.Errorf("%w: topic %s", ErrRoomNotFound, topicID)
	}
	if err != nil {
		return Room{}, s.storageError(operation, reasonRoomLookupFailed, err, zap.String(fieldTopicID, topicID.String()))
	}
	return room, nil
}

// lockMemberInRoom takes the room row lock and then the member row lock. Every transaction that
// reads or changes a room's members locks the room first, so a heartbeat and a join on the same
// room wait on one lock and the join counts the refreshed lease.
func (s *Store) lockMemberInRoom(transaction *gorm.DB, operation string, memberID MemberID) (Member, error) {
	var reference Member
	err := transaction.Select(fieldRoomID).Where(queryMemberID, memberID.String()).Take(&reference).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Member{}, fmt.Errorf("%w: member %s", ErrMemberNotFound, memberID)
	}
	if err != nil {
		return Member{}, s.storageError(operation, reasonMemberLookup, err, zap.String(fieldMemberID, memberID.String()))
	}
	if _, err := s.lockRoomByID(transaction, operation, reference.RoomID); err != nil {
		return Member{}, err
	}
	return s.lockMember(transaction, operation, memberID)
}

func (s *Store) lockRoomByID(transaction *gorm.DB, operation, roomID string) (Room, error) {
	var room Room
	err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryRoomID, roomID).
		Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, fmt.Errorf("%w: room %s", ErrRoomNotFound, roomID)
	}
	if err != nil {
		return Room{}, s.storageError(operation, reasonRoomLookupFailed, err, zap.String(fieldRoomID, roomID))
	}
	return room, nil
}

func (s *Store) lockMember(transaction *gorm.DB, operation string, memberID MemberID) (Member, error) {
	var member Member
	err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryMemberID, memberID.String()).
		Take(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Member{}, fmt.Errorf("%w: member %s", ErrMemberNotFound, memberID)
	}
	if err != nil {
		return Member{}, s.storageError(operation, reasonMemberLookup, err, zap.String(fieldMemberID, memberID.String()))
	}
	return member, nil
}

func (s *Store) lockActiveMember(transaction *gorm.DB, operation string, memberID MemberID) (Member, error) {
	member, err := s.lockMemberInRoom(transaction, operation, memberID)
	if err != nil {
		return Member{}, err
	}
	if !s.policy.IsActive(member.LastSeen(), s.clock().UTC()) {
		return Member{}, fmt.Errorf("%w: member %s lease lapsed", ErrMemberNotFound, memberID)
	}
	return member, nil
}

func (s *Store) loadMembers(transaction *gorm.DB, operation, roomID string) ([]Member, error) {
	var members []Member
	if err := transaction.Where(queryRoomID, roomID).Find(&members).Error; err != nil {
		return nil, s.storageError(operation, reasonMemberLoadFailed, err, zap.String(fieldRoomID, roomID))
	}
	return members, nil
}

func (s *Store) roomStateByID(transaction *gorm.DB, operation, roomID string) (RoomState, error) {
	var room Room
	err := transaction.Where(queryRoomID, roomID).Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoomState{}, fmt.Errorf("%w: room %s", ErrRoomNotFound, roomID)
	}
	if err != nil {
		return RoomState{}, s.storageError(operation, reasonRoomLookupFailed, err, zap.String(fieldRoomID, roomID))
	}
	members, err := s.loadMembers(transaction, operation, roomID)
	if err != nil {
		return RoomState{}, err
	}
	lastMessages, err := s.lastMessageTimes(transaction, operation, []string{roomID})
	if err != nil {
		return RoomState{}, err
	}
	activeMembers := presence.ActiveCount(s.policy, members, s.clock().UTC())
	return buildRoomState(room, activeMembers, lastMessages), nil
}

type lastMessageRow struct {
	RoomID     string
	LastMillis int64
}

func (s *Store) lastMessageTimes(transaction *gorm.DB, operation string, roomIDs []string) (map[string]int64, error) {
	var rows []lastMessageRow
	err := transaction.Model(&Message{}).
		Select(selectLastMessage).
		Where(queryRoomIDIn, roomIDs).
		Group(fieldRoomID).
		Scan(&rows).Error
	if err != nil {
		return nil, s.storageError(operation, reasonMessageLookup, err)
	}
	lastByRoom := make(map[string]int64, len(rows))
	for _, row := range rows {
		lastByRoom[row.RoomID] = row.LastMillis
	}
	return lastByRoom, nil
}

func buildRoomState(room Room, activeMembers int, lastMessages map[string]int64) RoomState {
	state := RoomState{
		RoomID:        room.RoomID,
		TopicID:       room.TopicID,
		Capacity:      room.Capacity,
		ActiveMembers: activeMembers,
	}
	if lastMillis, ok := lastMessages[room.RoomID]; ok {
		lastMessageAt := time.UnixMilli(lastMillis).UTC()
		state.LastMessageAt = &lastMessageAt
	}
	return state
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) storageError(operation, reason string, err error, fields ...zap.Field) error {
	s.logError(operation, reason, err, fields...)
	return newServiceError(operation, reason, KindUnknown, err)
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("rooms store error", attrs...)
}
