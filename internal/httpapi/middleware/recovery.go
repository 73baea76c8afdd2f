package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/velora-ai/companion/internal/common"
)

// Recovery turns panics into the standard 500 envelope. If the response
// has already started streaming, the connection is simply dropped.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logrus.WithFields(logrus.Fields{
					"panic": r,
					"path":  c.Request.URL.Path,
				}).Error("recovered from panic")
				if !c.Writer.Written() {
					common.Fail(c, http.StatusInternalServerError, 50000, "internal error")
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}
