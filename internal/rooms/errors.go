package rooms

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies every failure the subsystem reports to callers.
type ErrorKind string

const (
	KindRoomNotFound   ErrorKind = "ROOM_NOT_FOUND"
	KindRoomFull       ErrorKind = "ROOM_FULL"
	KindMemberConflict ErrorKind = "MEMBER_CONFLICT"
	KindMemberNotFound ErrorKind = "MEMBER_NOT_FOUND"
	KindMessageTooLong ErrorKind = "MESSAGE_TOO_LONG"
	KindInvalidInput   ErrorKind = "INVALID_INPUT"
	KindUnknown        ErrorKind = "UNKNOWN"
)

var (
	// ErrRoomNotFound indicates no room exists for the referenced topic or room id.
	ErrRoomNotFound = errors.New("rooms: room not found")
	// ErrRoomFull indicates the active member count already equals capacity.
	ErrRoomFull = errors.New("rooms: room full")
	// ErrMemberConflict indicates the device already holds an active membership in the room.
	ErrMemberConflict = errors.New("rooms: member conflict")
	// ErrMemberNotFound indicates the member left or its lease lapsed.
	ErrMemberNotFound = errors.New("rooms: member not found")
	// ErrMessageTooLong indicates a body above the configured maximum.
	ErrMessageTooLong = errors.New("rooms: message too long")
	// ErrInvalidInput indicates locally detectable bad input.
	ErrInvalidInput = errors.New("rooms: invalid input")
)

var sentinelKinds = []struct {
	sentinel error
	kind     ErrorKind
}{
	{sentinel: ErrRoomNotFound, kind: KindRoomNotFound},
	{sentinel: ErrRoomFull, kind: KindRoomFull},
	{sentinel: ErrMemberConflict, kind: KindMemberConflict},
	{sentinel: ErrMemberNotFound, kind: KindMemberNotFound},
	{sentinel: ErrMessageTooLong, kind: KindMessageTooLong},
	{sentinel: ErrInvalidInput, kind: KindInvalidInput},
}

// ServiceError carries the taxonomy kind and an operation-scoped code.
type ServiceError struct {
	kind ErrorKind
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation-scoped code, e.g. rooms.join.room_full.
func (e *ServiceError) Code() string {
	return e.code
}

// Kind returns the taxonomy kind.
func (e *ServiceError) Kind() ErrorKind {
	return e.kind
}

func newServiceError(operation, reason string, kind ErrorKind, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{kind: kind, code: code, err: cause}
}

// KindOf classifies err. Unrecognized errors are KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.kind
	}
	for _, entry := range sentinelKinds {
		if errors.Is(err, entry.sentinel) {
			return entry.kind
		}
	}
	return KindUnknown
}

// translateError maps a store error onto the taxonomy under the caller's operation.
func translateError(operation string, err error) error {
	kind := KindOf(err)
	reason := "storage_failed"
	if kind != KindUnknown {
		reason = strings.ToLower(string(kind))
	}
	return newServiceError(operation, reason, kind, err)
}
