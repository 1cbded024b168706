package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mailbox-sync/internal/auth"
)

const userKey = "user"

// Authenticator validates the caller of a request.
type Authenticator interface {
	UserFromRequest(r *http.Request) (*auth.User, error)
}

func AuthMiddleware(authn Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := authn.UserFromRequest(c.Request)
		if err != nil {
			log.Debug().Err(err).Str("path", c.FullPath()).Msg("rejected request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Set(userKey, user)
		c.Next()
	}
}

func currentUser(c *gin.Context) *auth.User {
	user, _ := c.MustGet(userKey).(*auth.User)
	return user
}
