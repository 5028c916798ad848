package walletaddr

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/swapdesk/internal/apperr"
)

// Handler exposes address validation to clients before they submit a
// request.
type Handler struct{}

// NewHandler creates a new wallet address handler.
func NewHandler() *Handler {
	return &Handler{}
}

// RegisterRoutes sets up public routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallets/validate", h.Validate)
}

// ValidateRequest is the body of POST /v1/wallets/validate.
type ValidateRequest struct {
	Asset   string `json:"asset" binding:"required"`
	Network string `json:"network"`
	Address string `json:"address"`
}

// Validate handles POST /v1/wallets/validate
func (h *Handler) Validate(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.ErrInvalidRequest)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"asset":   req.Asset,
		"network": NormalizeNetwork(req.Network),
		"valid":   Valid(req.Asset, req.Network, req.Address),
	})
}
