// Package http exposes the local control API the desktop UI drives.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/teamcall/internal/adapters/room"
	"github.com/dkeye/teamcall/internal/app/call"
	"github.com/dkeye/teamcall/internal/app/orch"
	"github.com/dkeye/teamcall/internal/config"
	"github.com/dkeye/teamcall/internal/domain"
)

const (
	sessionName   = "TeamcallSession"
	sessionUserID = "user_id"
)

// RequestIDMiddleware tags every request so log lines of one UI action
// can be correlated.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// authRequired admits requests whose cookie session belongs to the
// logged-in user.
func authRequired(o *orch.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		self, ok := o.Self()
		id, _ := sessions.Default(c).Get(sessionUserID).(int64)
		if !ok || id != int64(self.ID) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": orch.ErrNotLoggedIn.Error()})
			return
		}
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", HttpOnly: true, SameSite: http.SameSiteStrictMode})
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(RequestIDMiddleware())

	h := &handlers{ctx: ctx, o: o}

	api := r.Group("/api")
	api.POST("/session", h.login)
	api.DELETE("/session", h.logout)

	authed := api.Group("", authRequired(o))
	authed.GET("/status", h.status)
	authed.GET("/presence", h.presence)
	authed.GET("/presence/:id", h.presenceOf)
	authed.GET("/calls", h.calls)
	authed.POST("/calls", h.startCall)
	authed.POST("/calls/:conversation/accept", h.accept)
	authed.POST("/calls/:conversation/reject", h.byConversation(o.Reject))
	authed.POST("/calls/:conversation/cancel", h.byConversation(o.Cancel))
	authed.POST("/calls/:conversation/end", h.byConversation(o.End))
	authed.POST("/calls/:conversation/hangup", h.byConversation(o.Hangup))
	authed.POST("/calls/:conversation/invite", h.invite)
	authed.POST("/messages", h.sendMessage)
	authed.GET("/notices", h.notices)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

type handlers struct {
	ctx context.Context
	o   *orch.Orchestrator
}

type loginRequest struct {
	ID     domain.UserID `json:"id"`
	Name   string        `json:"name"`
	Avatar string        `json:"avatar"`
	Token  string        `json:"token"`
}

func (h *handlers) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid login"})
		return
	}
	u, err := domain.NewUser(req.ID, req.Name, req.Avatar)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.o.Login(c.Request.Context(), *u, req.Token); err != nil {
		h.fail(c, err)
		return
	}

	s := sessions.Default(c)
	s.Set(sessionUserID, int64(u.ID))
	if err := s.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("save session")
	}
	c.JSON(http.StatusOK, h.o.Status())
}

func (h *handlers) logout(c *gin.Context) {
	h.o.Logout()
	s := sessions.Default(c)
	s.Clear()
	if err := s.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("save session")
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.o.Status())
}

func (h *handlers) presence(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"online": h.o.Presence.Online()})
}

func (h *handlers) presenceOf(c *gin.Context) {
	n, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": domain.ErrUserIDInvalid.Error()})
		return
	}
	id := domain.UserID(n)
	c.JSON(http.StatusOK, gin.H{"id": id, "online": h.o.Presence.IsOnline(id)})
}

func (h *handlers) calls(c *gin.Context) {
	list, err := h.o.Sessions()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": list})
}

type startCallRequest struct {
	ConversationID domain.ConversationID `json:"conversationId"`
	CallType       string                `json:"callType"`
	Peer           domain.User           `json:"peer"`
}

func (h *handlers) startCall(c *gin.Context) {
	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ConversationID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid call"})
		return
	}
	kind, err := domain.ParseCallKind(req.CallType)
	if err != nil {
		h.fail(c, err)
		return
	}
	s, err := h.o.StartCall(c.Request.Context(), req.ConversationID, kind, req.Peer)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

func (h *handlers) accept(c *gin.Context) {
	conv, ok := h.conversation(c)
	if !ok {
		return
	}
	if err := h.o.Accept(c.Request.Context(), conv); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) byConversation(op func(domain.ConversationID) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		conv, ok := h.conversation(c)
		if !ok {
			return
		}
		if err := op(conv); err != nil {
			h.fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (h *handlers) invite(c *gin.Context) {
	conv, ok := h.conversation(c)
	if !ok {
		return
	}
	var req struct {
		UserID domain.UserID `json:"userId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid userId"})
		return
	}
	if err := h.o.Invite(conv, req.UserID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) sendMessage(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || !json.Valid(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be JSON"})
		return
	}
	if err := h.o.SendMessage(body); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// notices streams user-facing notices as server-sent events until the
// client goes away or the server shuts down.
func (h *handlers) notices(c *gin.Context) {
	ch, cancel := h.o.Notices.Subscribe()
	defer cancel()

	c.Stream(func(io.Writer) bool {
		select {
		case n, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(n.Kind), n)
			return true
		case <-c.Request.Context().Done():
			return false
		case <-h.ctx.Done():
			return false
		}
	})
}

func (h *handlers) conversation(c *gin.Context) (domain.ConversationID, bool) {
	conv, err := domain.ParseConversationID(c.Param("conversation"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return 0, false
	}
	return conv, true
}

func (h *handlers) fail(c *gin.Context, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("request_id", c.GetString("request_id")).Msg("request failed")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrCallKindInvalid),
		errors.Is(err, domain.ErrConversationInvalid),
		errors.Is(err, domain.ErrUserIDInvalid),
		errors.Is(err, domain.ErrUsernameEmpty),
		errors.Is(err, domain.ErrUsernameTooLong):
		return http.StatusBadRequest
	case errors.Is(err, orch.ErrNotLoggedIn):
		return http.StatusUnauthorized
	case errors.Is(err, orch.ErrLoggedIn),
		errors.Is(err, call.ErrBusy),
		errors.Is(err, call.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, call.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, room.ErrProvider):
		return http.StatusBadGateway
	case errors.Is(err, call.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
