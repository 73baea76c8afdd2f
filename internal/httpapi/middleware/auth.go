package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/velora-ai/companion/internal/auth"
	"github.com/velora-ai/companion/internal/common"
	"github.com/velora-ai/companion/internal/models"
)

const (
	UserIDKey    = "user_id"
	UserEmailKey = "user_email"
)

// AuthRequired validates the Bearer token, resolves the user row and
// requires the account to be active. A token for a deleted or
// deactivated account is dead regardless of its expiry.
func AuthRequired(db *gorm.DB, jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			c.Abort()
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		claims, err := auth.ParseJWT(token, jwtSecret)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			c.Abort()
			return
		}
		var user models.User
		if err := db.WithContext(c.Request.Context()).First(&user, claims.UserID).Error; err != nil {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			c.Abort()
			return
		}
		if !user.IsActive {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			c.Abort()
			return
		}
		c.Set(UserIDKey, user.ID)
		c.Set(UserEmailKey, user.Email)
		c.Next()
	}
}
