package apperr

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/swapdesk/internal/logging"
)

// Respond writes err as a JSON error body. Unclassified errors are logged
// with the request id and reported as internal_error.
func Respond(c *gin.Context, err error) {
	var ae *Error
	if !errors.As(err, &ae) {
		logging.L(c.Request.Context()).Error("unhandled error",
			"error", err,
			"path", c.FullPath(),
		)
		ae = ErrInternal
	} else if ae.Kind == KindInternal || ae.Kind == KindUpstream {
		logging.L(c.Request.Context()).Error("request failed",
			"code", ae.Code,
			"error", err,
			"path", c.FullPath(),
		)
	}

	tag := Negotiate(c.GetHeader("Accept-Language"))
	body := gin.H{
		"error":   ae.Code,
		"kind":    ae.Kind,
		"message": Localize(tag, ae.Code, ae.Msg),
	}
	if ae.Field != "" {
		body["field"] = ae.Field
	}
	c.AbortWithStatusJSON(ae.Kind.HTTPStatus(), body)
}
