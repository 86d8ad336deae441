package visit

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/trialvisits/internal/domain/examination"
	"github.com/ehr/trialvisits/internal/platform/auth"
	"github.com/ehr/trialvisits/internal/platform/versioning"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.Readers...))
	read.GET("/surveys/:id/visits", h.ListSurveyVisits)
	read.GET("/surveys/:id/summary", h.SurveySummary)
	read.GET("/surveys/:id/deviations", h.ListSurveyDeviations)
	read.GET("/visits/:id", h.GetVisit)
	read.GET("/visits/:id/progress", h.GetProgress)
	read.GET("/visits/:id/deviations", h.ListDeviations)

	staff := api.Group("", auth.RequireRole(auth.VisitStaff...))
	staff.POST("/visits/:id/start", h.StartVisit)
	staff.POST("/visits/:id/skip", h.SkipExamination)

	managers := api.Group("", auth.RequireRole(auth.StudyManagers...))
	managers.POST("/visits/:id/cancel", h.CancelVisit)
	managers.POST("/visits/:id/reschedule", h.RescheduleVisit)
}

// HTTPError maps visit errors onto HTTP status codes.
func HTTPError(err error) error {
	var (
		tmpl  *InvalidTemplateError
		dup   *DuplicateVisitNumberError
		skip  *CannotSkipRequiredExaminationError
		store *StorageError
		he    *echo.HTTPError
	)
	switch {
	case err == nil:
		return nil
	case errors.As(err, &he):
		return he
	case errors.Is(err, ErrVisitNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrVisitClosed), errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &skip), errors.As(err, &tmpl), errors.As(err, &dup),
		errors.Is(err, ErrExaminationNotInVisit), errors.Is(err, examination.ErrUnknownExamination):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &store):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func respondVisit(c echo.Context, status int, v *Visit) error {
	versioning.SetETag(c, v.Version)
	return c.JSON(status, v)
}

func (h *Handler) GetVisit(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.GetVisit(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	if versioning.NotModified(c, v.Version) {
		return c.NoContent(http.StatusNotModified)
	}
	return respondVisit(c, http.StatusOK, v)
}

func (h *Handler) GetProgress(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Progress(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListSurveyVisits(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	visits, err := h.svc.ListSurveyVisits(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	if visits == nil {
		visits = []Visit{}
	}
	return c.JSON(http.StatusOK, visits)
}

func (h *Handler) SurveySummary(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sum, err := h.svc.SurveySummary(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, sum)
}

func (h *Handler) ListDeviations(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	devs, err := h.svc.ListDeviations(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	if devs == nil {
		devs = []ProtocolDeviation{}
	}
	return c.JSON(http.StatusOK, devs)
}

func (h *Handler) ListSurveyDeviations(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	devs, err := h.svc.ListSurveyDeviations(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	if devs == nil {
		devs = []ProtocolDeviation{}
	}
	return c.JSON(http.StatusOK, devs)
}

func (h *Handler) StartVisit(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.StartVisit(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return respondVisit(c, http.StatusOK, v)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelVisit(c echo.Context) error {
	return h.close(c, h.svc.CancelVisit)
}

func (h *Handler) RescheduleVisit(c echo.Context) error {
	return h.close(c, h.svc.RescheduleVisit)
}

func (h *Handler) close(c echo.Context, op func(ctx context.Context, id uuid.UUID, reason string) (*Visit, error)) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	v, err := op(c.Request().Context(), id, req.Reason)
	if err != nil {
		return HTTPError(err)
	}
	return respondVisit(c, http.StatusOK, v)
}

type skipRequest struct {
	ExaminationID examination.ExamID `json:"examination_id"`
}

func (h *Handler) SkipExamination(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req skipRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ExaminationID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "examination_id is required")
	}
	v, err := h.svc.SkipExamination(c.Request().Context(), id, req.ExaminationID)
	if err != nil {
		return HTTPError(err)
	}
	return respondVisit(c, http.StatusOK, v)
}
