// README: Bearer-token auth; verifies the token and stores the caller identity on the gin context.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"courier/internal/infra"
	"courier/internal/modules/courier"
	"courier/internal/types"
)

const (
	ctxCallerUID  = "caller_uid"
	ctxCallerRole = "caller_role"
)

// Auth accepts "Authorization: Bearer <token>", or a token query parameter for websocket
// upgrades where browsers cannot set headers. A missing or unknown role claim means customer.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			abort(c, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), raw)
		if err != nil || token == nil || token.UID == "" {
			abort(c, http.StatusUnauthorized, "invalid token")
			return
		}
		role := types.RoleCustomer
		if v, ok := token.Claims["role"].(string); ok && types.Role(v).Valid() {
			role = types.Role(v)
		}
		c.Set(ctxCallerUID, types.ID(token.UID))
		c.Set(ctxCallerRole, role)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return ""
		}
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if c.Request.Method == http.MethodGet {
		return c.Query("token")
	}
	return ""
}

// Users resolves the stored user for a caller; courier.Service satisfies it.
type Users interface {
	Ensure(ctx context.Context, actor types.Actor) (*courier.User, error)
}

// ResolveUser makes the stored role authoritative over the token claim and blocks deactivated users.
// It must run after Auth.
func ResolveUser(users Users) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, err := users.Ensure(c.Request.Context(), CallerActor(c))
		if err != nil {
			abort(c, http.StatusServiceUnavailable, "user lookup failed")
			return
		}
		if !u.Active {
			abort(c, http.StatusForbidden, "account is deactivated")
			return
		}
		c.Set(ctxCallerRole, u.Role)
		c.Next()
	}
}

func CallerUID(c *gin.Context) types.ID {
	v, _ := c.Get(ctxCallerUID)
	id, _ := v.(types.ID)
	return id
}

func CallerRole(c *gin.Context) types.Role {
	v, _ := c.Get(ctxCallerRole)
	r, _ := v.(types.Role)
	return r
}

func CallerActor(c *gin.Context) types.Actor {
	return types.Actor{ID: CallerUID(c), Role: CallerRole(c)}
}

// RequireRole rejects callers whose role is not listed.
func RequireRole(roles ...types.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := CallerRole(c)
		for _, r := range roles {
			if r == role {
				c.Next()
				return
			}
		}
		abort(c, http.StatusForbidden, "role not allowed")
	}
}

func abort(c *gin.Context, status int, msg string) {
	kind := "access_denied"
	if status == http.StatusServiceUnavailable {
		kind = "internal"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "kind": kind, "retryable": false})
}
