package rooms

import (
	"context"

	"go.uber.org/zap"
)

const (
	opProvisionerNew = "rooms.provisioner.new"
	opEnsureRoom     = "rooms.ensure_room"
)

// ProvisionStore is the slice of the store used for lazy room creation.
type ProvisionStore interface {
	CreateRoomIfAbsent(ctx context.Context, topicID TopicID, capacity int) (Room, error)
	GetRoomState(ctx context.Context, topicID TopicID) (RoomState, error)
}

// ProvisionerConfig describes the dependencies of a Provisioner.
type ProvisionerConfig struct {
	Store           ProvisionStore
	DefaultCapacity int
	Logger          *zap.Logger
}

// Provisioner creates a topic's room on first access. Redundant and concurrent calls converge
// on the same room.
type Provisioner struct {
	store           ProvisionStore
	defaultCapacity int
	logger          *zap.Logger
}

// NewProvisioner returns a Provisioner.
func NewProvisioner(cfg ProvisionerConfig) (*Provisioner, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opProvisionerNew, reasonMissingStore, KindUnknown, errMissingStore)
	}
	defaultCapacity := cfg.DefaultCapacity
	if defaultCapacity < 1 {
		defaultCapacity = DefaultCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Provisioner{store: cfg.Store, defaultCapacity: defaultCapacity, logger: logger}, nil
}

// EnsureRoom guarantees a room exists for the topic. capacityHint is the topic's configured
// capacity; non-positive values select the default. An existing room keeps its capacity.
func (p *Provisioner) EnsureRoom(ctx context.Context, rawTopicID string, capacityHint int) (RoomState, error) {
	topicID, err := NewTopicID(rawTopicID)
	if err != nil {
		return RoomState{}, newServiceError(opEnsureRoom, "invalid_input", KindInvalidInput, err)
	}
	capacity := capacityHint
	if capacity < 1 {
		capacity = p.defaultCapacity
	}

	room, err := p.store.CreateRoomIfAbsent(ctx, topicID, capacity)
	if err != nil {
		p.logger.Error("room provisioning failed", zap.String(fieldTopicID, topicID.String()), zap.Error(err))
		return RoomState{}, translateError(opEnsureRoom, err)
	}
	state, err := p.store.GetRoomState(ctx, topicID)
	if err != nil {
		p.logger.Error("room state after provisioning failed",
			zap.String(fieldTopicID, topicID.String()),
			zap.String(fieldRoomID, room.RoomID),
			zap.Error(err))
		return RoomState{}, translateError(opEnsureRoom, err)
	}
	return state, nil
}
