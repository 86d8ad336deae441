package study

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/trialvisits/internal/domain/visit"
	"github.com/ehr/trialvisits/internal/platform/auth"
	"github.com/ehr/trialvisits/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.Readers...))
	read.GET("/studies", h.ListStudies)
	read.GET("/studies/:id", h.GetStudy)
	read.GET("/studies/:id/surveys", h.ListSurveys)
	read.GET("/surveys/:id", h.GetSurvey)
	read.GET("/patients/:id/surveys", h.ListPatientSurveys)

	write := api.Group("", auth.RequireRole(auth.StudyManagers...))
	write.POST("/studies", h.CreateStudy)
	write.PUT("/studies/:id/template", h.UpdateTemplate)
	write.POST("/studies/:id/activate", h.ActivateStudy)
	write.POST("/studies/:id/close", h.CloseStudy)
	write.POST("/studies/:id/surveys", h.EnrollPatient)
	write.POST("/surveys/:id/withdraw", h.WithdrawSurvey)
	write.POST("/surveys/:id/complete", h.CompleteSurvey)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrStudyNotFound), errors.Is(err, ErrSurveyNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrTemplateFrozen), errors.Is(err, ErrStudyNotActive),
		errors.Is(err, ErrAlreadyEnrolled), errors.Is(err, ErrInvalidStatus):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return visit.HTTPError(err)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Study Handlers --

func (h *Handler) CreateStudy(c echo.Context) error {
	var s Study
	if err := c.Bind(&s); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateStudy(c.Request().Context(), &s); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, s)
}

func (h *Handler) GetStudy(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	s, err := h.svc.GetStudy(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) ListStudies(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListStudies(c.Request().Context(), Status(c.QueryParam("status")), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Study{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c))
}

func (h *Handler) UpdateTemplate(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var template []visit.TemplateEntry
	if err := c.Bind(&template); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s, err := h.svc.UpdateTemplate(c.Request().Context(), id, template)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) ActivateStudy(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	s, err := h.svc.ActivateStudy(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) CloseStudy(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	s, err := h.svc.CloseStudy(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s)
}

// -- Survey Handlers --

type enrollResponse struct {
	Survey *Survey       `json:"survey"`
	Visits []visit.Visit `json:"visits"`
}

func (h *Handler) EnrollPatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in EnrollInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if in.EnrolledBy == "" {
		in.EnrolledBy = auth.UserIDFromContext(c.Request().Context())
	}
	sv, visits, err := h.svc.EnrollPatient(c.Request().Context(), id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, enrollResponse{Survey: sv, Visits: visits})
}

func (h *Handler) GetSurvey(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sv, err := h.svc.GetSurvey(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sv)
}

func (h *Handler) ListSurveys(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListSurveys(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Survey{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c))
}

func (h *Handler) ListPatientSurveys(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListPatientSurveys(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Survey{}
	}
	return c.JSON(http.StatusOK, items)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) WithdrawSurvey(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sv, err := h.svc.WithdrawSurvey(c.Request().Context(), id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sv)
}

func (h *Handler) CompleteSurvey(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sv, err := h.svc.CompleteSurvey(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sv)
}
