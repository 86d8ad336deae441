package draft

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/trialvisits/internal/domain/visit"
	"github.com/ehr/trialvisits/internal/platform/auth"
	"github.com/ehr/trialvisits/internal/platform/versioning"
)

type Handler struct {
	sync *Synchronizer
}

func NewHandler(sync *Synchronizer) *Handler {
	return &Handler{sync: sync}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := api.Group("", auth.RequireRole(auth.VisitStaff...))
	staff.GET("/visits/:id/draft", h.GetDraft)
	staff.PUT("/visits/:id/draft", h.SaveDraft)
	staff.PATCH("/visits/:id/draft", h.AutoSave)
	staff.POST("/visits/:id/submit", h.Submit)
}

func parseVisitID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid visit id")
	}
	return id, nil
}

func httpError(err error) error {
	if errors.Is(err, ErrDraftNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return visit.HTTPError(err)
}

func (h *Handler) GetDraft(c echo.Context) error {
	id, err := parseVisitID(c)
	if err != nil {
		return err
	}
	d, err := h.sync.Load(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if versioning.NotModified(c, d.Version) {
		return c.NoContent(http.StatusNotModified)
	}
	versioning.SetETag(c, d.Version)
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) SaveDraft(c echo.Context) error {
	id, err := parseVisitID(c)
	if err != nil {
		return err
	}
	var d Draft
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	saved, err := h.sync.Save(c.Request().Context(), id, d)
	if err != nil {
		return httpError(err)
	}
	versioning.SetETag(c, saved.Version)
	return c.JSON(http.StatusOK, saved)
}

// AutoSave requires If-Match with the version the client last saw. A stale
// version answers 409 with the stored draft for the client to reconcile.
func (h *Handler) AutoSave(c echo.Context) error {
	id, err := parseVisitID(c)
	if err != nil {
		return err
	}
	base, ok, err := versioning.IfMatch(c)
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusPreconditionRequired, "If-Match is required for autosave")
	}
	var p Patch
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.sync.AutoSave(c.Request().Context(), id, base, p)
	if err != nil {
		return httpError(err)
	}
	switch res.Outcome {
	case OutcomeNotFound:
		return c.JSON(http.StatusNotFound, res)
	case OutcomeConflict:
		versioning.SetETag(c, res.Version)
		return c.JSON(http.StatusConflict, res)
	}
	versioning.SetETag(c, res.Version)
	return c.JSON(http.StatusOK, res)
}

type submitFailure struct {
	Success            bool     `json:"success"`
	SavedExaminations  []string `json:"saved_examinations"`
	FailedExaminations []string `json:"failed_examinations"`
	Error              string   `json:"error"`
}

func (h *Handler) Submit(c echo.Context) error {
	id, err := parseVisitID(c)
	if err != nil {
		return err
	}
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ConductedBy == "" {
		req.ConductedBy = auth.UserIDFromContext(c.Request().Context())
	}
	res, err := h.sync.Submit(c.Request().Context(), id, req)
	var failed *SubmissionFailedError
	if errors.As(err, &failed) {
		return c.JSON(http.StatusBadGateway, submitFailure{
			SavedExaminations:  examStrings(failed.Saved),
			FailedExaminations: examStrings(failed.Failed),
			Error:              failed.Err.Error(),
		})
	}
	if err != nil {
		return httpError(err)
	}
	versioning.SetETag(c, res.Visit.Version)
	return c.JSON(http.StatusOK, res)
}
