package http

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// newLimitedBody caps request body reads at maxBytes. Oversized bodies
// surface as a bind error in the handler, which maps to 400/413 there.
func newLimitedBody(c *gin.Context, maxBytes int64) io.ReadCloser {
	return http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
}
