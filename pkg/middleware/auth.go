package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"vhm24-loyalty/pkg/accesscontrol"
	"vhm24-loyalty/pkg/auth"
	"vhm24-loyalty/pkg/errutil"
)

var ErrForbidden = errutil.Sentinel(errutil.StatusForbidden, "FORBIDDEN", "not allowed to perform this operation")

// Authenticate verifies the bearer token and stores the principal on the
// request context.
func Authenticate(a *auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			Abort(c, auth.ErrMissingToken)
			return
		}

		p, err := a.Verify(strings.TrimSpace(token))
		if err != nil {
			Abort(c, err)
			return
		}

		c.Request = c.Request.WithContext(auth.WithPrincipal(c.Request.Context(), p))
		c.Next()
	}
}

// Authorize checks the route against the policy. A customer whose subject
// equals the :account_id path parameter acts as the account owner.
func Authorize(e accesscontrol.Enforcer) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := auth.FromContext(c.Request.Context())
		if !ok {
			Abort(c, auth.ErrMissingToken)
			return
		}

		if !e.Allowed(string(EffectiveRole(p, c.Param("account_id"))), c.Request.URL.Path, c.Request.Method) {
			Abort(c, ErrForbidden)
			return
		}
		c.Next()
	}
}

func EffectiveRole(p *auth.Principal, accountID string) auth.Role {
	if p.Role == auth.RoleCustomer && accountID != "" && accountID == p.Subject {
		return auth.RoleOwner
	}
	return p.Role
}
