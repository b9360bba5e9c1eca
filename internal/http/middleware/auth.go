// README: Firebase bearer-token auth; the verified caller travels as an explicit Session.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ridetrack/internal/infra"
)

const sessionKey = "ridetrack.session"

// Session is the authenticated caller of a request.
type Session struct {
	UID  string
	Role string
}

// Auth rejects requests without a verifiable bearer token. WebSocket clients
// that cannot set headers may pass the token as the access_token query value.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), raw)
		if err != nil || token == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(sessionKey, Session{UID: token.UID, Role: token.Role()})
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if q := c.Query("access_token"); q != "" {
			return q, true
		}
		return "", false
	}
	raw, found := strings.CutPrefix(header, "Bearer ")
	raw = strings.TrimSpace(raw)
	if !found || raw == "" {
		return "", false
	}
	return raw, true
}

// SessionFrom returns the caller set by Auth.
func SessionFrom(c *gin.Context) (Session, bool) {
	v, ok := c.Get(sessionKey)
	if !ok {
		return Session{}, false
	}
	s, ok := v.(Session)
	return s, ok
}

func CallerUID(c *gin.Context) string {
	s, _ := SessionFrom(c)
	return s.UID
}

func CallerRole(c *gin.Context) string {
	s, _ := SessionFrom(c)
	return s.Role
}
