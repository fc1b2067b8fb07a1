// Package auth guards the status surface with an optional shared token.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Token is a shared bearer token. The empty token disables checking.
type Token string

func (t Token) Enabled() bool {
	return t != ""
}

// Check compares presented with t in constant time.
func (t Token) Check(presented string) error {
	if !t.Enabled() {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(t), []byte(presented)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FromHeader returns the credential of an "Authorization: Bearer x" value.
func FromHeader(v string) string {
	scheme, cred, ok := strings.Cut(strings.TrimSpace(v), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(cred)
}

// Middleware rejects requests that do not carry t. Paths listed in open
// are served without a token.
func Middleware(t Token, open ...string) gin.HandlerFunc {
	skip := make(map[string]bool, len(open))
	for _, p := range open {
		skip[p] = true
	}
	return func(c *gin.Context) {
		if !t.Enabled() || skip[c.Request.URL.Path] {
			c.Next()
			return
		}
		if err := t.Check(FromHeader(c.GetHeader("Authorization"))); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}
