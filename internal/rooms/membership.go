package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	opMembershipNew    = "rooms.membership.new"
	opJoin             = "rooms.join"
	opLeave            = "rooms.leave"
	opTouch            = "rooms.touch"
	reasonMissingStore = "missing_store"
)

var errMissingStore = errors.New("room store is required")

// MembershipStore is the slice of the store that membership changes run against.
type MembershipStore interface {
	JoinRoom(ctx context.Context, params JoinParams) (JoinResult, error)
	LeaveRoom(ctx context.Context, memberID MemberID) (RoomState, error)
	TouchPresence(ctx context.Context, memberID MemberID) (RoomState, error)
}

// MembershipConfig describes the dependencies of a MembershipManager.
type MembershipConfig struct {
	Store             MembershipStore
	MaxNicknameLength int
	Logger            *zap.Logger
}

// MembershipManager validates join, leave and heartbeat requests and maps store failures to kinds.
type MembershipManager struct {
	store             MembershipStore
	maxNicknameLength int
	logger            *zap.Logger
}

// NewMembershipManager returns a MembershipManager.
func NewMembershipManager(cfg MembershipConfig) (*MembershipManager, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opMembershipNew, reasonMissingStore, KindUnknown, errMissingStore)
	}
	maxNicknameLength := cfg.MaxNicknameLength
	if maxNicknameLength <= 0 {
		maxNicknameLength = DefaultMaxNicknameLength
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &MembershipManager{
		store:             cfg.Store,
		maxNicknameLength: maxNicknameLength,
		logger:            logger,
	}, nil
}

// JoinRequest is the raw caller input for Join. UserID is nil for anonymous sessions.
type JoinRequest struct {
	TopicID    string
	DeviceHash string
	Nickname   string
	SessionID  string
	UserID     *string
}

// Join admits the device into the topic's room.
func (m *MembershipManager) Join(ctx context.Context, request JoinRequest) (JoinResult, error) {
	params, err := m.validateJoin(request)
	if err != nil {
		return JoinResult{}, newServiceError(opJoin, "invalid_input", KindInvalidInput, err)
	}
	result, err := m.store.JoinRoom(ctx, params)
	if err != nil {
		return JoinResult{}, m.fail(opJoin, err, zap.String(fieldTopicID, params.TopicID.String()))
	}
	m.logger.Debug("member joined",
		zap.String(fieldRoomID, result.State.RoomID),
		zap.String(fieldMemberID, result.Member.MemberID),
		zap.Int("active_members", result.State.ActiveMembers))
	return result, nil
}

// Leave removes the member and returns the room state after removal.
func (m *MembershipManager) Leave(ctx context.Context, rawMemberID string) (RoomState, error) {
	memberID, err := NewMemberID(rawMemberID)
	if err != nil {
		return RoomState{}, newServiceError(opLeave, "invalid_input", KindInvalidInput, err)
	}
	state, err := m.store.LeaveRoom(ctx, memberID)
	if err != nil {
		return RoomState{}, m.fail(opLeave, err, zap.String(fieldMemberID, memberID.String()))
	}
	return state, nil
}

// Touch renews the member's presence lease.
func (m *MembershipManager) Touch(ctx context.Context, rawMemberID string) (RoomState, error) {
	memberID, err := NewMemberID(rawMemberID)
	if err != nil {
		return RoomState{}, newServiceError(opTouch, "invalid_input", KindInvalidInput, err)
	}
	state, err := m.store.TouchPresence(ctx, memberID)
	if err != nil {
		return RoomState{}, m.fail(opTouch, err, zap.String(fieldMemberID, memberID.String()))
	}
	return state, nil
}

func (m *MembershipManager) validateJoin(request JoinRequest) (JoinParams, error) {
	topicID, err := NewTopicID(request.TopicID)
	if err != nil {
		return JoinParams{}, err
	}
	deviceHash, err := normalizeIdentifier("device hash", request.DeviceHash)
	if err != nil {
		return JoinParams{}, err
	}
	nickname := strings.TrimSpace(request.Nickname)
	if nickname == "" {
		return JoinParams{}, fmt.Errorf("%w: empty nickname", ErrInvalidInput)
	}
	if utf8.RuneCountInString(nickname) > m.maxNicknameLength {
		return JoinParams{}, fmt.Errorf("%w: nickname exceeds %d characters", ErrInvalidInput, m.maxNicknameLength)
	}
	sessionID := strings.TrimSpace(request.SessionID)
	if len(sessionID) > maxIdentifierLength {
		return JoinParams{}, fmt.Errorf("%w: session id exceeds %d characters", ErrInvalidInput, maxIdentifierLength)
	}
	var userID *string
	if request.UserID != nil {
		if trimmed := strings.TrimSpace(*request.UserID); trimmed != "" {
			if len(trimmed) > maxIdentifierLength {
				return JoinParams{}, fmt.Errorf("%w: user id exceeds %d characters", ErrInvalidInput, maxIdentifierLength)
			}
			userID = &trimmed
		}
	}
	return JoinParams{
		TopicID:    topicID,
		DeviceHash: deviceHash,
		UserID:     userID,
		Nickname:   nickname,
		SessionID:  sessionID,
	}, nil
}

func (m *MembershipManager) fail(operation string, err error, fields ...zap.Field) error {
	translated := translateError(operation, err)
	if KindOf(translated) == KindUnknown {
		m.logger.Error("membership operation failed", append(fields, zap.String("operation", operation), zap.Error(err))...)
	} else {
		m.logger.Debug("membership operation rejected", append(fields, zap.String("operation", operation), zap.Error(err))...)
	}
	return translated
}
