package auth

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/swapdesk/internal/apperr"
	"github.com/mbd888/swapdesk/internal/logging"
	"github.com/mbd888/swapdesk/internal/users"
)

const (
	// ContextKeyIdentity is the key for storing the caller identity in gin context
	ContextKeyIdentity = "identity"
	// contextKeyAuthErr holds why a presented token was rejected
	contextKeyAuthErr = "authError"

	// SessionCookie is the cookie consulted when no header carries a token
	SessionCookie = "session"
)

// TokenFrom extracts the raw session token from a request. The token query
// parameter is honoured only on websocket upgrades, where browsers cannot
// set headers.
func TokenFrom(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if h := c.GetHeader("X-Session-Token"); h != "" {
		return strings.TrimSpace(h)
	}
	if v, err := c.Cookie(SessionCookie); err == nil && v != "" {
		return v
	}
	if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
		return c.Query("token")
	}
	return ""
}

// Middleware resolves the session token, if any, and stores the identity in
// context. It never aborts; RequireAuth and RequireRole do.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := TokenFrom(c)
		if token == "" {
			c.Next()
			return
		}

		id, err := m.Resolve(c.Request.Context(), token)
		if err != nil {
			c.Set(contextKeyAuthErr, err)
			c.Next()
			return
		}

		c.Set(ContextKeyIdentity, id)
		ctx := logging.WithUserID(c.Request.Context(), id.UserID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireAuth rejects requests without a resolved identity.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := IdentityFrom(c); !ok {
			apperr.Respond(c, authFailure(c))
			return
		}
		c.Next()
	}
}

// RequireRole rejects callers whose role is not in roles.
func RequireRole(roles ...users.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := IdentityFrom(c)
		if !ok {
			apperr.Respond(c, authFailure(c))
			return
		}
		for _, r := range roles {
			if id.Role == r {
				c.Next()
				return
			}
		}
		apperr.Respond(c, apperr.ErrForbidden)
	}
}

// IdentityFrom returns the caller identity (if authenticated)
func IdentityFrom(c *gin.Context) (Identity, bool) {
	v, exists := c.Get(ContextKeyIdentity)
	if !exists {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

func authFailure(c *gin.Context) error {
	if v, ok := c.Get(contextKeyAuthErr); ok {
		if err, ok := v.(error); ok {
			return err
		}
	}
	return ErrUnauthenticated
}
