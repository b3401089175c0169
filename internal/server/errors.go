package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/roomchat/internal/rooms"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorResponse struct {
	status  int
	message string
}

// errorResponses maps kinds to statuses. INVALID_INPUT also covers a GET /rooms/states request with
// more than rooms.MaxBatchTopics topic ids.
var errorResponses = map[rooms.ErrorKind]errorResponse{
	rooms.KindRoomNotFound:   {status: http.StatusNotFound, message: "This chat room does not exist."},
	rooms.KindRoomFull:       {status: http.StatusConflict, message: "This chat room is full."},
	rooms.KindMemberConflict: {status: http.StatusConflict, message: "You are already in this chat room on this device."},
	rooms.KindMemberNotFound: {status: http.StatusNotFound, message: "You are no longer in this chat room."},
	rooms.KindMessageTooLong: {status: http.StatusRequestEntityTooLarge, message: "Your message is too long."},
	rooms.KindInvalidInput:   {status: http.StatusBadRequest, message: "The request is invalid."},
	rooms.KindUnknown:        {status: http.StatusInternalServerError, message: "Something went wrong. Please try again."},
}

type errorPayload struct {
	Error   rooms.ErrorKind `json:"error"`
	Message string          `json:"message"`
}

// respondError writes the fixed message for the error's kind. Error text never reaches the client.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	kind := rooms.KindOf(err)
	response, ok := errorResponses[kind]
	if !ok {
		kind = rooms.KindUnknown
		response = errorResponses[kind]
	}
	if kind == rooms.KindUnknown {
		h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
	}
	c.AbortWithStatusJSON(response.status, errorPayload{Error: kind, Message: response.message})
}

func (h *httpHandler) respondInvalidInput(c *gin.Context) {
	response := errorResponses[rooms.KindInvalidInput]
	c.AbortWithStatusJSON(response.status, errorPayload{Error: rooms.KindInvalidInput, Message: response.message})
}
