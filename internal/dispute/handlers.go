package dispute

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/swapdesk/internal/apperr"
	"github.com/mbd888/swapdesk/internal/auth"
	"github.com/mbd888/swapdesk/internal/users"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up dispute routes. r must already run
// auth.RequireAuth; resolving additionally requires the admin role.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/buy-requests/:id/disputes", h.OpenDispute)
	r.GET("/disputes", h.ListDisputes)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/resolve", auth.RequireRole(users.RoleAdmin), h.ResolveDispute)
}

// OpenRequest is the body of POST /v1/buy-requests/:id/disputes.
type OpenRequest struct {
	Reason string `json:"reason"`
}

// ResolveRequest is the body of POST /v1/disputes/:id/resolve.
type ResolveRequest struct {
	Resolution string `json:"resolution"`
}

// OpenDispute handles POST /v1/buy-requests/:id/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.ErrInvalidRequest)
		return
	}

	actor, _ := auth.IdentityFrom(c)
	d, r, err := h.service.Open(c.Request.Context(), actor, c.Param("id"), req.Reason)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d, "buyRequest": r})
}

// ListDisputes handles GET /v1/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	actor, _ := auth.IdentityFrom(c)
	list, err := h.service.List(c.Request.Context(), actor, limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": list, "count": len(list)})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	actor, _ := auth.IdentityFrom(c)
	d, err := h.service.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveDispute handles POST /v1/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.Respond(c, apperr.ErrInvalidRequest)
			return
		}
	}

	actor, _ := auth.IdentityFrom(c)
	d, err := h.service.Resolve(c.Request.Context(), actor, c.Param("id"), req.Resolution)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}
