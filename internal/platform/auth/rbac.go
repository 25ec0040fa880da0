package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// implied lists roles that carry another role's permissions.
var implied = map[string][]string{
	RoleMigrationView: {RoleMigrationAdmin},
}

// HasRole reports whether granted satisfies required. admin satisfies every
// role.
func HasRole(granted []string, required string) bool {
	for _, has := range granted {
		if has == required || has == RoleAdmin {
			return true
		}
		for _, r := range implied[required] {
			if has == r {
				return true
			}
		}
	}
	return false
}

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, required := range roles {
				if HasRole(userRoles, required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
