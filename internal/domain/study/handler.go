package study

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/radflow/radflow/pkg/pagination"
)

// Handler serves the read API consumed by the worklist.
type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/studies", h.ListStudies)
	api.GET("/studies/:id", h.GetStudy)
	api.GET("/studies/orthanc/:orthancStudyId", h.GetStudyByOrthancID)
}

func (h *Handler) ListStudies(c echo.Context) error {
	pg := pagination.FromContext(c)

	var f ListFilter
	if status := c.QueryParam("status"); status != "" {
		f.WorkflowStatus = WorkflowStatus(status)
		if !f.WorkflowStatus.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
		}
	}
	for param, dst := range map[string]**uuid.UUID{"patient_ref": &f.PatientRef, "lab_ref": &f.LabRef} {
		v := c.QueryParam(param)
		if v == "" {
			continue
		}
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid "+param)
		}
		*dst = &id
	}

	studies, total, err := h.repo.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if studies == nil {
		studies = []*Study{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(studies, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetStudy(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	s, err := h.repo.GetByID(c.Request().Context(), id)
	if err != nil {
		return notFoundOr500(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) GetStudyByOrthancID(c echo.Context) error {
	s, err := h.repo.GetByOrthancID(c.Request().Context(), c.Param("orthancStudyId"))
	if err != nil {
		return notFoundOr500(err)
	}
	return c.JSON(http.StatusOK, s)
}

func notFoundOr500(err error) error {
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "study not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
