package record

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/medipass/sync-api/internal/handler"
	"github.com/medipass/sync-api/internal/model"
	"github.com/medipass/sync-api/internal/service/session"
	"github.com/medipass/sync-api/internal/service/subscription"
	"github.com/medipass/sync-api/internal/service/upsert"
	"github.com/medipass/sync-api/pkg/apperror"
)

// Handler exposes the live views and the write path over HTTP. Each open
// stream holds one listener on a shared subscription handle; the handle
// itself is torn down when its last stream disconnects.
type Handler struct {
	sessions      *session.Service
	subs          *subscription.Manager
	gateway       *upsert.Gateway
	requireDoctor gin.HandlerFunc
}

func NewHandler(sessions *session.Service, subs *subscription.Manager, gateway *upsert.Gateway, requireDoctor gin.HandlerFunc) *Handler {
	return &Handler{sessions: sessions, subs: subs, gateway: gateway, requireDoctor: requireDoctor}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	records := r.Group("/records")
	{
		records.GET("/:collection/:scope", h.Snapshot)
		records.GET("/:collection/:scope/stream", h.Stream)
		records.POST("", h.Append)
	}
	r.GET("/roster", h.requireDoctor, h.Roster)
	r.PATCH("/profile", h.MergeProfile)
}

func orderFieldFor(c *gin.Context, collection string) string {
	if field := c.Query("orderBy"); field != "" {
		return field
	}
	if collection == model.CollectionPatients {
		return model.FieldAddedAt
	}
	return model.FieldCreatedAt
}

// Snapshot returns the current projected record set for one scope.
func (h *Handler) Snapshot(c *gin.Context) {
	h.snapshot(c, c.Param("collection"), c.Param("scope"))
}

// Roster is the signed-in doctor's patient list.
func (h *Handler) Roster(c *gin.Context) {
	_, current := h.sessions.State()
	if current == nil {
		c.JSON(http.StatusForbidden, handler.NewErrorResponse(apperror.Unauthorized("no active session")))
		return
	}
	h.snapshot(c, model.CollectionPatients, current.IdentityID)
}

func (h *Handler) snapshot(c *gin.Context, collection, scope string) {
	var last model.Snapshot
	hd, detach, err := h.subs.Subscribe(c.Request.Context(), collection, scope, orderFieldFor(c, collection), true, func(snap model.Snapshot) {
		last = snap
	})
	if err != nil {
		c.JSON(handler.StatusFor(err), handler.NewErrorResponse(err))
		return
	}
	h.subs.Release(hd, detach)

	if last.Err != nil {
		c.JSON(handler.StatusFor(last.Err), handler.NewErrorResponse(last.Err))
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{
		"records":  last.Records,
		"degraded": last.Degraded,
	}))
}

// Stream delivers snapshots over server-sent events until the client
// disconnects.
func (h *Handler) Stream(c *gin.Context) {
	collection := c.Param("collection")
	scope := c.Param("scope")

	snaps := make(chan model.Snapshot, 8)
	listener := func(snap model.Snapshot) {
		// Every snapshot carries the full record set, so when the client
		// is slow the oldest queued one is safe to drop.
		for {
			select {
			case snaps <- snap:
				return
			default:
				select {
				case <-snaps:
				default:
				}
			}
		}
	}

	hd, detach, err := h.subs.Subscribe(c.Request.Context(), collection, scope, orderFieldFor(c, collection), true, listener)
	if err != nil {
		c.JSON(handler.StatusFor(err), handler.NewErrorResponse(err))
		return
	}
	defer h.subs.Release(hd, detach)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Stream(func(io.Writer) bool {
		select {
		case snap := <-snaps:
			payload := gin.H{"records": snap.Records, "degraded": snap.Degraded}
			if snap.Err != nil {
				payload["error"] = snap.Err.Error()
				payload["code"] = apperror.CodeOf(snap.Err)
			}
			c.SSEvent("snapshot", payload)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// Append adds one record to an append-only collection.
func (h *Handler) Append(c *gin.Context) {
	var req model.AppendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(apperror.InvalidInput(err.Error())))
		return
	}

	_, current := h.sessions.State()
	if current == nil {
		c.JSON(http.StatusForbidden, handler.NewErrorResponse(apperror.Unauthorized("no active session")))
		return
	}
	if current.Role == model.RolePatient && current.IdentityID != req.Scope {
		c.JSON(http.StatusForbidden, handler.NewErrorResponse(apperror.Unauthorized("patients may only write their own records")))
		return
	}

	key, err := h.gateway.Append(c.Request.Context(), model.RemoteCollectionPath(req.Collection, req.Scope), req.Fields)
	if err != nil {
		c.JSON(handler.StatusFor(err), handler.NewErrorResponse(err))
		return
	}
	c.JSON(http.StatusCreated, handler.NewSuccessResponse(gin.H{"id": key}))
}

// MergeProfile merges fields into the signed-in user's profile.
func (h *Handler) MergeProfile(c *gin.Context) {
	var fields model.JSONMap
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(apperror.InvalidInput(err.Error())))
		return
	}

	if err := h.sessions.MergeProfile(c.Request.Context(), fields); err != nil {
		c.JSON(handler.StatusFor(err), handler.NewErrorResponse(err))
		return
	}

	_, current := h.sessions.State()
	c.JSON(http.StatusOK, handler.NewSuccessResponse(current))
}
