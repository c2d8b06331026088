package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/medipass/sync-api/internal/handler"
	"github.com/medipass/sync-api/internal/model"
	"github.com/medipass/sync-api/internal/service/session"
	"github.com/medipass/sync-api/pkg/apperror"
)

type Handler struct {
	svc *session.Service
}

func NewHandler(svc *session.Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	auth := r.Group("/auth")
	{
		auth.POST("/signup", h.Signup)
		auth.POST("/login", h.Login)
		auth.POST("/logout", h.Logout)
		auth.GET("/session", h.Session)
	}
}

func (h *Handler) Login(c *gin.Context) {
	var req model.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(apperror.InvalidInput(err.Error())))
		return
	}

	if err := h.svc.Login(c.Request.Context(), req.Email, req.Password, req.Role); err != nil {
		c.JSON(handler.StatusFor(err), handler.NewErrorResponse(err))
		return
	}

	_, current := h.svc.State()
	c.JSON(http.StatusOK, handler.NewSuccessResponse(current))
}

func (h *Handler) Signup(c *gin.Context) {
	var draft model.ProfileDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(apperror.InvalidInput(err.Error())))
		return
	}

	if err := h.svc.Signup(c.Request.Context(), draft); err != nil {
		c.JSON(handler.StatusFor(err), handler.NewErrorResponse(err))
		return
	}

	_, current := h.svc.State()
	c.JSON(http.StatusCreated, handler.NewSuccessResponse(current))
}

func (h *Handler) Logout(c *gin.Context) {
	if err := h.svc.Logout(c.Request.Context()); err != nil {
		c.JSON(handler.StatusFor(err), handler.NewErrorResponse(err))
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse("logged out"))
}

// Session reports the current state so clients can render a degraded
// banner or a login screen without polling individual endpoints.
func (h *Handler) Session(c *gin.Context) {
	state, current := h.svc.State()
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{
		"state":    state,
		"session":  current,
		"degraded": h.svc.Degraded(),
	}))
}
