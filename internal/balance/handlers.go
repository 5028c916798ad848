package balance

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/swapdesk/internal/apperr"
	"github.com/mbd888/swapdesk/internal/auth"
)

// Handler provides balance endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a new balance handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes mounts the caller's own balance view.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/me/balances", h.MyBalances)
}

// RegisterAdminRoutes mounts manual adjustments, the refund path for
// cancelled withdrawals.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/users/:id/balance-adjustments", h.AdjustUser)
	r.GET("/users/:id/balance-adjustments", h.UserHistory)
}

// MyBalances handles GET /v1/me/balances
func (h *Handler) MyBalances(c *gin.Context) {
	id, _ := auth.IdentityFrom(c)
	bals, err := h.service.Balances(c.Request.Context(), id.UserID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balances": bals})
}

// AdjustRequest is the body of a manual adjustment.
type AdjustRequest struct {
	Asset     string          `json:"asset"`
	Delta     decimal.Decimal `json:"delta"`
	Reference string          `json:"reference"`
}

// AdjustUser handles POST /v1/admin/users/:id/balance-adjustments
func (h *Handler) AdjustUser(c *gin.Context) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.ErrInvalidRequest)
		return
	}

	userID := c.Param("id")
	admin, _ := auth.IdentityFrom(c)
	reference := req.Reference
	if reference == "" {
		reference = "manual:" + admin.Username
	}

	if err := h.service.Adjust(c.Request.Context(), userID, req.Asset, req.Delta, reference); err != nil {
		apperr.Respond(c, err)
		return
	}
	bals, err := h.service.Balances(c.Request.Context(), userID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"userId": userID, "balances": bals})
}

// UserHistory handles GET /v1/admin/users/:id/balance-adjustments
func (h *Handler) UserHistory(c *gin.Context) {
	list, err := h.service.History(c.Request.Context(), c.Param("id"), 100)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"adjustments": list, "count": len(list)})
}
