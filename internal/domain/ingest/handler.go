package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/radflow/radflow/internal/platform/orthanc"
)

// SystemChecker reports the archive's identity; used by the connection test.
type SystemChecker interface {
	System(ctx context.Context) (*orthanc.SystemInfo, error)
}

// Handler serves the archive webhook intake and job polling routes.
type Handler struct {
	svc     *Service
	archive SystemChecker
}

func NewHandler(svc *Service, archive SystemChecker) *Handler {
	return &Handler{svc: svc, archive: archive}
}

// RegisterRoutes mounts the intake routes on g, normally the /orthanc group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/stable-study", h.StableStudy)
	g.POST("/new-instance", h.NewInstance)
	g.GET("/job-status/:requestId", h.JobStatus)
	g.GET("/test-connection", h.TestConnection)
}

type queuedResponse struct {
	Message        string `json:"message"`
	JobID          int64  `json:"jobId"`
	RequestID      string `json:"requestId"`
	OrthancStudyID string `json:"orthancStudyId"`
	Status         string `json:"status"`
	CheckStatusURL string `json:"checkStatusUrl"`
}

func queued(message string, sub *Submission) queuedResponse {
	return queuedResponse{
		Message:        message,
		JobID:          sub.JobID,
		RequestID:      sub.RequestID,
		OrthancStudyID: sub.OrthancStudyID,
		Status:         "queued",
		CheckStatusURL: "/orthanc/job-status/" + sub.RequestID,
	}
}

// StableStudy accepts the archive's stable-study callback. The archive's Lua
// hook posts the bare study id, so the body may be plain text, a JSON string
// or a JSON object.
func (h *Handler) StableStudy(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable request body"})
	}
	sub, err := h.svc.SubmitStable(StudyIDFromBody(body))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid or missing Orthanc Study ID"})
	}
	return c.JSON(http.StatusAccepted, queued("Stable study queued for processing", sub))
}

type newInstanceRequest struct {
	ID          string `json:"ID"`
	ParentStudy string `json:"ParentStudy"`
}

// NewInstance queues the parent study of a newly stored instance.
func (h *Handler) NewInstance(c echo.Context) error {
	var req newInstanceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sub, err := h.svc.SubmitInstance(req.ID, req.ParentStudy)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Missing ParentStudy for instance"})
	}
	return c.JSON(http.StatusAccepted, queued("Instance study queued for processing", sub))
}

func (h *Handler) JobStatus(c echo.Context) error {
	requestID := c.Param("requestId")
	st, err := h.svc.Status(c.Request().Context(), requestID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"status":    "not_found",
				"message":   "Job not found or expired",
				"requestId": requestID,
			})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

type connectionCheck struct {
	OK      bool   `json:"ok"`
	Detail  string `json:"detail,omitempty"`
	Version string `json:"version,omitempty"`
}

// TestConnection reports whether the archive and the result cache answer.
func (h *Handler) TestConnection(c echo.Context) error {
	ctx := c.Request().Context()
	archive := connectionCheck{OK: true}
	if info, err := h.archive.System(ctx); err != nil {
		archive = connectionCheck{Detail: err.Error()}
	} else {
		archive.Version = info.Version
		archive.Detail = info.Name
	}

	cache := connectionCheck{OK: true}
	if err := h.svc.ProbeCache(ctx); err != nil {
		cache = connectionCheck{Detail: err.Error()}
	}

	status := http.StatusOK
	if !archive.OK || !cache.OK {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]any{
		"success":     archive.OK && cache.OK,
		"orthanc":     archive,
		"resultCache": cache,
		"queue":       h.svc.QueueStats(),
	})
}

// StudyIDFromBody extracts the study id from a stable-study callback body.
// Objects are searched for studyId, ID and orthancStudyId, then fall back to
// their first key, which is where form-encoded bare ids end up.
func StudyIDFromBody(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}
	if !json.Valid(body) {
		return strings.TrimSpace(string(body))
	}

	var s string
	if err := json.Unmarshal(body, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return ""
	}
	for _, k := range []string{"studyId", "ID", "orthancStudyId"} {
		if err := json.Unmarshal(obj[k], &s); err == nil && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return strings.TrimSpace(firstKey(body))
}

// firstKey returns the first key of a JSON object in document order.
func firstKey(body []byte) string {
	dec := json.NewDecoder(bytes.NewReader(body))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return ""
	}
	tok, err := dec.Token()
	if err != nil {
		return ""
	}
	k, _ := tok.(string)
	return k
}
