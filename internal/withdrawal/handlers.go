package withdrawal

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/swapdesk/internal/apperr"
	"github.com/mbd888/swapdesk/internal/auth"
	"github.com/mbd888/swapdesk/internal/users"
)

// Handler provides HTTP endpoints for withdrawals.
type Handler struct {
	service *Service
}

// NewHandler creates a new withdrawal handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up withdrawal routes. r must already run
// auth.RequireAuth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/withdrawals", h.CreateWithdrawal)
	r.GET("/withdrawals", h.ListWithdrawals)
	r.GET("/withdrawals/:id", h.GetWithdrawal)
	r.POST("/withdrawals/:id/transition",
		auth.RequireRole(users.RoleOperator, users.RoleAdmin), h.TransitionWithdrawal)
}

// TransitionRequest is the body of POST /v1/withdrawals/:id/transition.
type TransitionRequest struct {
	Status          string `json:"status"`
	TransactionHash string `json:"transactionHash"`
}

// CreateWithdrawal handles POST /v1/withdrawals
func (h *Handler) CreateWithdrawal(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.ErrInvalidRequest)
		return
	}

	actor, _ := auth.IdentityFrom(c)
	w, err := h.service.Create(c.Request.Context(), actor, req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"withdrawal": w})
}

// ListWithdrawals handles GET /v1/withdrawals
func (h *Handler) ListWithdrawals(c *gin.Context) {
	opts := ListOptions{Status: c.Query("status")}
	opts.Limit, _ = strconv.Atoi(c.Query("limit"))

	actor, _ := auth.IdentityFrom(c)
	list, err := h.service.List(c.Request.Context(), actor, opts)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if list == nil {
		list = []*Withdrawal{}
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": list, "count": len(list)})
}

// GetWithdrawal handles GET /v1/withdrawals/:id
func (h *Handler) GetWithdrawal(c *gin.Context) {
	actor, _ := auth.IdentityFrom(c)
	w, err := h.service.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// TransitionWithdrawal handles POST /v1/withdrawals/:id/transition
func (h *Handler) TransitionWithdrawal(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.ErrInvalidRequest)
		return
	}

	actor, _ := auth.IdentityFrom(c)
	w, err := h.service.Transition(c.Request.Context(), actor, c.Param("id"), req.Status, req.TransactionHash)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}
