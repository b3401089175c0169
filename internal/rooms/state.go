package rooms

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

const (
	opStateReaderNew = "rooms.state_reader.new"
	opState          = "rooms.state"
	opStates         = "rooms.states"

	// MaxBatchTopics bounds one States call.
	MaxBatchTopics = 200
)

// StateStore is the read-only slice of the store used for occupancy views.
type StateStore interface {
	GetRoomState(ctx context.Context, topicID TopicID) (RoomState, error)
	GetRoomStates(ctx context.Context, topicIDs []TopicID) ([]RoomState, error)
}

// StateReader serves occupancy snapshots to list and detail views without joining.
type StateReader struct {
	store  StateStore
	logger *zap.Logger
}

// NewStateReader returns a StateReader.
func NewStateReader(store StateStore, logger *zap.Logger) (*StateReader, error) {
	if store == nil {
		return nil, newServiceError(opStateReaderNew, reasonMissingStore, KindUnknown, errMissingStore)
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &StateReader{store: store, logger: logger}, nil
}

// State returns the snapshot for one topic.
func (r *StateReader) State(ctx context.Context, rawTopicID string) (RoomState, error) {
	topicID, err := NewTopicID(rawTopicID)
	if err != nil {
		return RoomState{}, newServiceError(opState, "invalid_input", KindInvalidInput, err)
	}
	state, err := r.store.GetRoomState(ctx, topicID)
	if err != nil {
		translated := translateError(opState, err)
		if KindOf(translated) == KindUnknown {
			r.logger.Error("room state read failed", zap.String(fieldTopicID, topicID.String()), zap.Error(err))
		}
		return RoomState{}, translated
	}
	return state, nil
}

// States returns snapshots for the topics that have rooms, in request order. Blank ids are skipped.
func (r *StateReader) States(ctx context.Context, rawTopicIDs []string) ([]RoomState, error) {
	if len(rawTopicIDs) > MaxBatchTopics {
		return nil, newServiceError(opStates, "invalid_input", KindInvalidInput,
			fmt.Errorf("%w: %d topics exceeds batch limit %d", ErrInvalidInput, len(rawTopicIDs), MaxBatchTopics))
	}
	topicIDs := make([]TopicID, 0, len(rawTopicIDs))
	for _, rawTopicID := range rawTopicIDs {
		topicID, err := NewTopicID(rawTopicID)
		if err != nil {
			continue
		}
		topicIDs = append(topicIDs, topicID)
	}
	states, err := r.store.GetRoomStates(ctx, topicIDs)
	if err != nil {
		r.logger.Error("room states read failed", zap.Int("topic_count", len(topicIDs)), zap.Error(err))
		return nil, translateError(opStates, err)
	}
	return states, nil
}
