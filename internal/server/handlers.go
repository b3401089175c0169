package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/roomchat/internal/rooms"
	"github.com/gin-gonic/gin"
)

type roomStatePayload struct {
	RoomID          string `json:"room_id"`
	TopicID         string `json:"topic_id"`
	Capacity        int    `json:"capacity"`
	ActiveMembers   int    `json:"active_members"`
	LastMessageAtMs *int64 `json:"last_message_at_ms"`
}

type memberPayload struct {
	MemberID     string  `json:"member_id"`
	RoomID       string  `json:"room_id"`
	DeviceHash   string  `json:"device_hash"`
	UserID       *string `json:"user_id,omitempty"`
	SessionID    string  `json:"session_id"`
	Nickname     string  `json:"nickname"`
	JoinedAtMs   int64   `json:"joined_at_ms"`
	LastSeenAtMs int64   `json:"last_seen_at_ms"`
}

type messagePayload struct {
	MessageID   int64  `json:"message_id"`
	RoomID      string `json:"room_id"`
	MemberID    string `json:"member_id"`
	AuthorNick  string `json:"author_nick"`
	Body        string `json:"body"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

type ensureRoomRequest struct {
	CapacityHint int `json:"capacity_hint"`
}

type joinRequest struct {
	DeviceHash string `json:"device_hash"`
	Nickname   string `json:"nickname"`
	SessionID  string `json:"session_id"`
}

type joinResponse struct {
	Member memberPayload    `json:"member"`
	Room   roomStatePayload `json:"room"`
}

type sendMessageRequest struct {
	Body string `json:"body"`
}

type roomStatesResponse struct {
	Rooms []roomStatePayload `json:"rooms"`
}

type messagesResponse struct {
	Messages []messagePayload `json:"messages"`
}

func (h *httpHandler) handleEnsureRoom(c *gin.Context) {
	var request ensureRoomRequest
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		h.respondInvalidInput(c)
		return
	}
	state, err := h.provisioner.EnsureRoom(c.Request.Context(), c.Param("topicId"), request.CapacityHint)
	if err != nil {
		h.respondError(c, "ensure_room", err)
		return
	}
	c.JSON(http.StatusOK, newRoomStatePayload(state))
}

func (h *httpHandler) handleRoomState(c *gin.Context) {
	state, err := h.states.State(c.Request.Context(), c.Param("topicId"))
	if err != nil {
		h.respondError(c, "room_state", err)
		return
	}
	c.JSON(http.StatusOK, newRoomStatePayload(state))
}

// handleRoomStates answers 400 INVALID_INPUT when more than rooms.MaxBatchTopics topic ids are sent.
func (h *httpHandler) handleRoomStates(c *gin.Context) {
	states, err := h.states.States(c.Request.Context(), c.QueryArray("topic_id"))
	if err != nil {
		h.respondError(c, "room_states", err)
		return
	}
	response := roomStatesResponse{Rooms: make([]roomStatePayload, 0, len(states))}
	for _, state := range states {
		response.Rooms = append(response.Rooms, newRoomStatePayload(state))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleJoin(c *gin.Context) {
	var request joinRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalidInput(c)
		return
	}
	result, err := h.membership.Join(c.Request.Context(), rooms.JoinRequest{
		TopicID:    c.Param("topicId"),
		DeviceHash: request.DeviceHash,
		Nickname:   request.Nickname,
		SessionID:  request.SessionID,
		UserID:     userIDFromContext(c),
	})
	if err != nil {
		h.respondError(c, "join", err)
		return
	}
	c.JSON(http.StatusCreated, joinResponse{
		Member: newMemberPayload(result.Member),
		Room:   newRoomStatePayload(result.State),
	})
}

func (h *httpHandler) handleLeave(c *gin.Context) {
	state, err := h.membership.Leave(c.Request.Context(), c.Param("memberId"))
	if err != nil {
		h.respondError(c, "leave", err)
		return
	}
	c.JSON(http.StatusOK, newRoomStatePayload(state))
}

func (h *httpHandler) handleHeartbeat(c *gin.Context) {
	state, err := h.membership.Touch(c.Request.Context(), c.Param("memberId"))
	if err != nil {
		h.respondError(c, "heartbeat", err)
		return
	}
	c.JSON(http.StatusOK, newRoomStatePayload(state))
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	var request sendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalidInput(c)
		return
	}
	message, err := h.messages.Send(c.Request.Context(), c.Param("memberId"), request.Body)
	if err != nil {
		h.respondError(c, "send_message", err)
		return
	}
	c.JSON(http.StatusCreated, newMessagePayload(message))
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	before, ok := parseOptionalInt(c.Query("before"), 64)
	if !ok {
		h.respondInvalidInput(c)
		return
	}
	limit, ok := parseOptionalInt(c.Query("limit"), 32)
	if !ok {
		h.respondInvalidInput(c)
		return
	}
	messages, err := h.messages.List(c.Request.Context(), c.Param("roomId"), before, int(limit))
	if err != nil {
		h.respondError(c, "list_messages", err)
		return
	}
	response := messagesResponse{Messages: make([]messagePayload, 0, len(messages))}
	for _, message := range messages {
		response.Messages = append(response.Messages, newMessagePayload(message))
	}
	c.JSON(http.StatusOK, response)
}

func parseOptionalInt(raw string, bitSize int) (int64, bool) {
	if raw == "" {
		return 0, true
	}
	value, err := strconv.ParseInt(raw, 10, bitSize)
	if err != nil {
		return 0, false
	}
	return value, true
}

func newRoomStatePayload(state rooms.RoomState) roomStatePayload {
	payload := roomStatePayload{
		RoomID:        state.RoomID,
		TopicID:       state.TopicID,
		Capacity:      state.Capacity,
		ActiveMembers: state.ActiveMembers,
	}
	if state.LastMessageAt != nil {
		lastMessageAtMs := state.LastMessageAt.UnixMilli()
		payload.LastMessageAtMs = &lastMessageAtMs
	}
	return payload
}

func newMemberPayload(member rooms.Member) memberPayload {
	return memberPayload{
		MemberID:     member.MemberID,
		RoomID:       member.RoomID,
		DeviceHash:   member.DeviceHash,
		UserID:       member.UserID,
		SessionID:    member.SessionID,
		Nickname:     member.Nickname,
		JoinedAtMs:   member.JoinedAtMillis,
		LastSeenAtMs: member.LastSeenAtMillis,
	}
}

func newMessagePayload(message rooms.Message) messagePayload {
	return messagePayload{
		MessageID:   message.MessageID,
		RoomID:      message.RoomID,
		MemberID:    message.MemberID,
		AuthorNick:  message.AuthorNick,
		Body:        message.Body,
		CreatedAtMs: message.CreatedAtMillis,
	}
}
