package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/mediation/internal/auth"
	"github.com/suPer8Hu/mediation/internal/common"
)

const UserIDKey = "user_id"

// AuthRequired accepts a bearer access token and stores the caller's id
// under UserIDKey.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		tok, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || strings.TrimSpace(tok) == "" {
			common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "missing bearer token")
			return
		}
		claims, err := auth.ParseJWT(strings.TrimSpace(tok), secret, auth.KindAccess)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "invalid or expired token")
			return
		}
		uid, err := claims.UserID()
		if err != nil || uid == 0 {
			common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "invalid token subject")
			return
		}
		c.Set(UserIDKey, uid)
		c.Next()
	}
}

// UserID returns the id stored by AuthRequired.
func UserID(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}
