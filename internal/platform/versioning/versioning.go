// Package versioning maps optimistic-concurrency versions onto HTTP weak ETags.
package versioning

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// SetETag writes the version as a weak ETag on the response.
func SetETag(c echo.Context, version int64) {
	c.Response().Header().Set("ETag", FormatETag(version))
}

// FormatETag creates a weak ETag from a version number.
func FormatETag(version int64) string {
	return fmt.Sprintf(`W/"%d"`, version)
}

// ParseETag extracts the version number from an ETag value like W/"3" or "3".
func ParseETag(etag string) (int64, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)

	v, err := strconv.ParseInt(etag, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ETag must contain a numeric version: %s", etag)
	}
	if v < 0 {
		return 0, fmt.Errorf("ETag version must not be negative: %d", v)
	}
	return v, nil
}

// IfMatch returns the version carried by the If-Match header. ok is false when
// the header is absent, which callers treat as an unconditional write.
func IfMatch(c echo.Context) (version int64, ok bool, err error) {
	h := c.Request().Header.Get("If-Match")
	if h == "" {
		return 0, false, nil
	}
	v, err := ParseETag(h)
	if err != nil {
		return 0, false, echo.NewHTTPError(http.StatusBadRequest, "invalid If-Match header: "+err.Error())
	}
	return v, true, nil
}

// NotModified reports whether If-None-Match names the current version.
func NotModified(c echo.Context, current int64) bool {
	h := c.Request().Header.Get("If-None-Match")
	if h == "" {
		return false
	}
	v, err := ParseETag(h)
	if err != nil {
		return false
	}
	return v == current
}
