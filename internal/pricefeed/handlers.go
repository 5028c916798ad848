package pricefeed

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/swapdesk/internal/apperr"
)

// DefaultCurrency is quoted when the caller names none.
const DefaultCurrency = "RUB"

// Handler serves public price quotes.
type Handler struct {
	feed Feed
}

// NewHandler creates a new price handler.
func NewHandler(feed Feed) *Handler {
	return &Handler{feed: feed}
}

// RegisterRoutes sets up public price routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/prices/:asset", h.GetPrice)
}

// GetPrice handles GET /v1/prices/:asset?currency=RUB
func (h *Handler) GetPrice(c *gin.Context) {
	asset := strings.ToUpper(c.Param("asset"))
	currency := strings.ToUpper(c.DefaultQuery("currency", DefaultCurrency))

	price, err := h.feed.Price(c.Request.Context(), asset, currency)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"asset":    asset,
		"currency": currency,
		"price":    price,
	})
}
