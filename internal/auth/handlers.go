package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/swapdesk/internal/apperr"
)

// Handler provides HTTP endpoints for identity and session management
type Handler struct {
	manager *Manager
	users   UserLookup
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager, userLookup UserLookup) *Handler {
	return &Handler{manager: m, users: userLookup}
}

// RegisterProtectedRoutes mounts caller-scoped routes. r must already run
// RequireAuth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/me", h.Me)
}

// RegisterAdminRoutes mounts session administration. r must already be
// restricted to admins.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/users/:id/sessions", h.IssueSession)
	r.GET("/users/:id/sessions", h.ListSessions)
	r.POST("/sessions/:sessionId/revoke", h.RevokeSession)
}

// Me returns the authenticated caller
func (h *Handler) Me(c *gin.Context) {
	id, _ := IdentityFrom(c)
	u, err := h.users.Get(c.Request.Context(), id.UserID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": id, "user": u})
}

// IssueSession creates a session for a user and returns the raw token once
func (h *Handler) IssueSession(c *gin.Context) {
	raw, sess, err := h.manager.Issue(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"token":   raw,
		"session": sess,
		"warning": "Store this token securely. It will not be shown again.",
	})
}

// ListSessions returns a user's sessions without hashes
func (h *Handler) ListSessions(c *gin.Context) {
	list, err := h.manager.Sessions(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list, "count": len(list)})
}

// RevokeSession invalidates a session
func (h *Handler) RevokeSession(c *gin.Context) {
	if err := h.manager.Revoke(c.Request.Context(), c.Param("sessionId")); err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}
