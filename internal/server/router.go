package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/roomchat/internal/auth"
	"github.com/MarcoPoloResearchLab/roomchat/internal/rooms"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "roomchat_user_id"

var (
	errMissingProvisioner = errors.New("room provisioner dependency required")
	errMissingMembership  = errors.New("membership manager dependency required")
	errMissingMessageLog  = errors.New("message log dependency required")
	errMissingStateReader = errors.New("room state reader dependency required")
)

type RoomProvisioner interface {
	EnsureRoom(ctx context.Context, topicID string, capacityHint int) (rooms.RoomState, error)
}

type MembershipManager interface {
	Join(ctx context.Context, request rooms.JoinRequest) (rooms.JoinResult, error)
	Leave(ctx context.Context, memberID string) (rooms.RoomState, error)
	Touch(ctx context.Context, memberID string) (rooms.RoomState, error)
}

type MessageLog interface {
	Send(ctx context.Context, memberID, body string) (rooms.Message, error)
	List(ctx context.Context, roomID string, before int64, limit int) ([]rooms.Message, error)
}

type RoomStateReader interface {
	State(ctx context.Context, topicID string) (rooms.RoomState, error)
	States(ctx context.Context, topicIDs []string) ([]rooms.RoomState, error)
}

// SessionValidator resolves the caller's user id. It is optional; without it every request is
// anonymous.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type Dependencies struct {
	Provisioner RoomProvisioner
	Membership  MembershipManager
	Messages    MessageLog
	States      RoomStateReader
	Sessions    SessionValidator
	Logger      *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Provisioner == nil {
		return nil, errMissingProvisioner
	}
	if deps.Membership == nil {
		return nil, errMissingMembership
	}
	if deps.Messages == nil {
		return nil, errMissingMessageLog
	}
	if deps.States == nil {
		return nil, errMissingStateReader
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		provisioner: deps.Provisioner,
		membership:  deps.Membership,
		messages:    deps.Messages,
		states:      deps.States,
		sessions:    deps.Sessions,
		logger:      logger,
	}
	router.Use(handler.identifyRequest)

	router.POST("/topics/:topicId/room", handler.handleEnsureRoom)
	router.GET("/topics/:topicId/room", handler.handleRoomState)
	router.POST("/topics/:topicId/members", handler.handleJoin)
	router.GET("/rooms/states", handler.handleRoomStates)
	router.GET("/rooms/:roomId/messages", handler.handleListMessages)
	router.DELETE("/members/:memberId", handler.handleLeave)
	router.POST("/members/:memberId/heartbeat", handler.handleHeartbeat)
	router.POST("/members/:memberId/messages", handler.handleSendMessage)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	provisioner RoomProvisioner
	membership  MembershipManager
	messages    MessageLog
	states      RoomStateReader
	sessions    SessionValidator
	logger      *zap.Logger
}

// identifyRequest attaches the session user id when one validates. Requests without a usable
// session continue anonymously.
func (h *httpHandler) identifyRequest(c *gin.Context) {
	if h.sessions == nil {
		c.Next()
		return
	}
	claims, err := h.sessions.ValidateRequest(c.Request)
	switch {
	case err == nil:
		c.Set(userIDContextKey, claims.UserID)
	case errors.Is(err, auth.ErrMissingSessionToken):
	default:
		h.logger.Info("session token rejected; continuing anonymously", zap.Error(err))
	}
	c.Next()
}

func userIDFromContext(c *gin.Context) *string {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		return nil
	}
	return &userID
}
