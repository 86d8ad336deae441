package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Trial staff roles.
const (
	RoleAdmin        = "admin"
	RoleInvestigator = "investigator"
	RoleCoordinator  = "coordinator"
	RoleExaminer     = "examiner"
	RoleMonitor      = "monitor"
)

// Role groups used when registering routes.
var (
	// Study design and enrollment.
	StudyManagers = []string{RoleInvestigator, RoleCoordinator}
	// Anyone who records examination data at a visit.
	VisitStaff = []string{RoleInvestigator, RoleCoordinator, RoleExaminer}
	// Read-only access for monitors and auditors on top of visit staff.
	Readers = []string{RoleInvestigator, RoleCoordinator, RoleExaminer, RoleMonitor}
)

// HasRole reports whether userRoles grants any of required. Admin grants all.
func HasRole(userRoles []string, required ...string) bool {
	for _, has := range userRoles {
		if has == RoleAdmin {
			return true
		}
		for _, r := range required {
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
			if HasRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
