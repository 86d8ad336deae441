package examination

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/trialvisits/internal/platform/auth"
)

type Handler struct {
	registry *Registry
}

func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.Readers...))
	read.GET("/examinations", h.ListExaminations)
	read.GET("/examinations/:exam/compare", h.Compare)
	read.GET("/visits/:id/examinations/:exam", h.GetForVisit)
}

func (h *Handler) ListExaminations(c echo.Context) error {
	return c.JSON(http.StatusOK, h.registry.Definitions())
}

func (h *Handler) lookup(c echo.Context) (Definition, error) {
	def, err := h.registry.Lookup(ExamID(c.Param("exam")))
	if errors.Is(err, ErrUnknownExamination) {
		return Definition{}, echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return def, err
}

func (h *Handler) GetForVisit(c echo.Context) error {
	visitID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid visit id")
	}
	def, err := h.lookup(c)
	if err != nil {
		return err
	}
	both, err := def.Store.GetBothEyes(c.Request().Context(), visitID)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, both)
}

// Compare returns one examination across several visits, in the order the
// visits were requested: ?visit=<id>&visit=<id> or ?visits=<id>,<id>.
func (h *Handler) Compare(c echo.Context) error {
	def, err := h.lookup(c)
	if err != nil {
		return err
	}

	raw := c.QueryParams()["visit"]
	if v := c.QueryParam("visits"); v != "" {
		raw = append(raw, strings.Split(v, ",")...)
	}
	if len(raw) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one visit is required")
	}
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(strings.TrimSpace(s))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid visit id: "+s)
		}
		ids = append(ids, id)
	}

	out, err := def.Store.CompareAcrossVisits(c.Request().Context(), ids)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, out)
}
