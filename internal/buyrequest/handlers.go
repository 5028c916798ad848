package buyrequest

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/swapdesk/internal/apperr"
	"github.com/mbd888/swapdesk/internal/auth"
	"github.com/mbd888/swapdesk/internal/imagehost"
	"github.com/mbd888/swapdesk/internal/logging"
	"github.com/mbd888/swapdesk/internal/pricefeed"
)

// Handler provides HTTP endpoints for buy requests.
type Handler struct {
	service *Service
	feed    pricefeed.Feed
}

// NewHandler creates a new buy request handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// WithPriceFeed enables the derived crypto amount in responses.
func (h *Handler) WithPriceFeed(f pricefeed.Feed) *Handler {
	h.feed = f
	return h
}

// RegisterRoutes sets up buy request routes. r must already run
// auth.RequireAuth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/buy-requests", h.CreateRequest)
	r.GET("/buy-requests", h.ListRequests)
	r.GET("/buy-requests/:id", h.GetRequest)
	r.POST("/buy-requests/:id/transition", h.TransitionRequest)
	r.POST("/buy-requests/:id/receipt", h.UploadReceipt)
	r.DELETE("/buy-requests/:id", h.DeleteRequest)
}

// View is a buy request as shown to clients.
type View struct {
	*BuyRequest
	CryptoAmount *decimal.Decimal `json:"cryptoAmount,omitempty"`
}

// CreateRequest handles POST /v1/buy-requests
func (h *Handler) CreateRequest(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.ErrInvalidRequest)
		return
	}

	actor, _ := auth.IdentityFrom(c)
	r, err := h.service.Create(c.Request.Context(), actor, req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"buyRequest": h.view(c.Request.Context(), r, nil)})
}

// ListRequests handles GET /v1/buy-requests
func (h *Handler) ListRequests(c *gin.Context) {
	opts := ListOptions{
		Status:         c.Query("status"),
		IncludeDeleted: c.Query("includeDeleted") == "true",
	}
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			opts.Limit = n
		}
	}

	actor, _ := auth.IdentityFrom(c)
	list, err := h.service.List(c.Request.Context(), actor, opts)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	prices := make(map[string]*decimal.Decimal)
	views := make([]View, 0, len(list))
	for _, r := range list {
		views = append(views, h.view(c.Request.Context(), r, prices))
	}
	c.JSON(http.StatusOK, gin.H{"buyRequests": views, "count": len(views)})
}

// GetRequest handles GET /v1/buy-requests/:id
func (h *Handler) GetRequest(c *gin.Context) {
	actor, _ := auth.IdentityFrom(c)
	r, err := h.service.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"buyRequest": h.view(c.Request.Context(), r, nil)})
}

// TransitionRequest handles POST /v1/buy-requests/:id/transition
func (h *Handler) TransitionRequest(c *gin.Context) {
	var fields TransitionFields
	if err := c.ShouldBindJSON(&fields); err != nil {
		apperr.Respond(c, apperr.ErrInvalidRequest)
		return
	}
	payload, err := ParsePayload(fields)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	actor, _ := auth.IdentityFrom(c)
	r, err := h.service.Transition(c.Request.Context(), actor, c.Param("id"), payload)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"buyRequest": h.view(c.Request.Context(), r, nil)})
}

// UploadReceipt handles POST /v1/buy-requests/:id/receipt (multipart "receipt")
func (h *Handler) UploadReceipt(c *gin.Context) {
	fh, err := c.FormFile("receipt")
	if err != nil {
		apperr.Respond(c, apperr.OnField(imagehost.ErrInvalidImage, "receipt"))
		return
	}
	f, err := fh.Open()
	if err != nil {
		apperr.Respond(c, apperr.OnField(imagehost.ErrInvalidImage, "receipt"))
		return
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, imagehost.MaxImageSize+1))
	if err != nil {
		apperr.Respond(c, apperr.OnField(imagehost.ErrInvalidImage, "receipt"))
		return
	}
	if err := imagehost.CheckImage(data); err != nil {
		apperr.Respond(c, apperr.OnField(imagehost.ErrInvalidImage, "receipt"))
		return
	}

	actor, _ := auth.IdentityFrom(c)
	r, err := h.service.UploadReceipt(c.Request.Context(), actor, c.Param("id"), fh.Filename, data)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"buyRequest": h.view(c.Request.Context(), r, nil)})
}

// DeleteRequest handles DELETE /v1/buy-requests/:id
func (h *Handler) DeleteRequest(c *gin.Context) {
	actor, _ := auth.IdentityFrom(c)
	if err := h.service.Delete(c.Request.Context(), actor, c.Param("id")); err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true, "id": c.Param("id")})
}

// view attaches the derived crypto amount. prices memoizes quotes per pair
// within one response; a nil map disables memoization.
func (h *Handler) view(ctx context.Context, r *BuyRequest, prices map[string]*decimal.Decimal) View {
	v := View{BuyRequest: r}
	if h.feed == nil {
		return v
	}

	pair := r.CryptoType + "/" + r.FiatCurrency
	price, seen := prices[pair]
	if !seen {
		p, err := h.feed.Price(ctx, r.CryptoType, r.FiatCurrency)
		if err != nil {
			logging.L(ctx).Debug("no price for display", "pair", pair, "error", err)
		} else {
			price = &p
		}
		if prices != nil {
			prices[pair] = price
		}
	}
	if price == nil {
		return v
	}
	if amount, ok := pricefeed.CryptoAmount(r.FiatAmount, *price); ok {
		v.CryptoAmount = &amount
	}
	return v
}
