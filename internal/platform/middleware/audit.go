package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/trialvisits/internal/platform/auth"
)

// AccessEntry records who touched which trial resource, when and how.
type AccessEntry struct {
	UserID       string
	UserRoles    []string
	TenantID     string
	ResourceType string // studies, surveys, visits
	ResourceID   string
	Action       string // read, create, update, delete, submit
	IPAddress    string
	UserAgent    string
	Path         string
	Method       string
	Timestamp    time.Time
	RequestID    string
	StatusCode   int
}

// AccessRecorder persists access entries.
type AccessRecorder interface {
	RecordAccess(entry AccessEntry) error
}

// AccessRecorderFunc is a function adapter for AccessRecorder.
type AccessRecorderFunc func(entry AccessEntry) error

func (f AccessRecorderFunc) RecordAccess(entry AccessEntry) error {
	return f(entry)
}

// Audit logs every request under /api/v1/ as a trial data access. When a
// recorder is supplied each entry is also handed to it; a recorder error is
// logged and never fails the request.
func Audit(logger zerolog.Logger, recorder AccessRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			resourceType, resourceID := extractResource(path)
			tenant, _ := c.Get("tenant_id").(string)
			entry := AccessEntry{
				UserID:       auth.UserIDFromContext(req.Context()),
				UserRoles:    auth.RolesFromContext(req.Context()),
				TenantID:     tenant,
				ResourceType: resourceType,
				ResourceID:   resourceID,
				Action:       actionFor(req.Method, path),
				IPAddress:    c.RealIP(),
				UserAgent:    req.UserAgent(),
				Path:         path,
				Method:       req.Method,
				Timestamp:    time.Now().UTC(),
				RequestID:    requestIDOf(c),
				StatusCode:   status,
			}

			if recorder != nil {
				if recErr := recorder.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record access entry")
				}
			}

			logger.Info().
				Str("type", "trial_access").
				Str("request_id", entry.RequestID).
				Str("tenant_id", entry.TenantID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource_type", entry.ResourceType).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Int("status", entry.StatusCode).
				Msg("data_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/")
}

func actionFor(method, path string) string {
	switch method {
	case http.MethodPost:
		if strings.HasSuffix(path, "/submit") {
			return "submit"
		}
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// extractResource returns the deepest "<collection>/<uuid>" pair in the path,
// e.g. /api/v1/surveys/<id>/visits -> ("surveys", id) and
// /api/v1/visits/<id>/draft -> ("visits", id).
func extractResource(path string) (string, string) {
	segments := strings.Split(strings.Trim(strings.TrimPrefix(path, "/api/v1/"), "/"), "/")
	resourceType, resourceID := "unknown", ""
	if len(segments) > 0 && segments[0] != "" {
		resourceType = segments[0]
	}
	for i := 1; i < len(segments); i++ {
		if _, err := uuid.Parse(segments[i]); err == nil {
			resourceType, resourceID = segments[i-1], segments[i]
		}
	}
	return resourceType, resourceID
}
