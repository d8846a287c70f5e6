package archive

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/radflow/radflow/internal/platform/blobstore"
)

// Handler serves bundle requests and storage administration routes.
type Handler struct {
	svc   *Service
	store blobstore.BlobStore
}

func NewHandler(svc *Service, store blobstore.BlobStore) *Handler {
	return &Handler{svc: svc, store: store}
}

// RegisterRoutes mounts the archive routes on g, normally the /orthanc group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/create-zip/:orthancStudyId", h.CreateZip)
	g.GET("/zip-status/:jobId", h.ZipStatus)
	g.GET("/storage-stats", h.StorageStats)
	g.POST("/storage-init", h.StorageInit)
}

func (h *Handler) CreateZip(c echo.Context) error {
	id := c.Param("orthancStudyId")
	out, err := h.svc.Request(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrStudyNotFound) {
			return c.JSON(http.StatusNotFound, map[string]any{"success": false, "message": "Study not found in database"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]any{"success": false, "message": err.Error()})
	}

	switch out.State {
	case StateProcessing:
		return c.JSON(http.StatusOK, map[string]any{
			"success": false,
			"message": "ZIP creation already in progress",
			"status":  StateProcessing,
			"jobId":   out.JobID,
		})
	case StateCompleted:
		return c.JSON(http.StatusOK, map[string]any{
			"success":   true,
			"message":   "ZIP already exists",
			"status":    StateCompleted,
			"zipUrl":    out.Bundle.URL,
			"cdnUrl":    out.Bundle.CDNURL,
			"zipSizeMB": out.Bundle.SizeMB,
			"createdAt": out.Bundle.CreatedAt,
			"expiresAt": out.Bundle.ExpiresAt,
		})
	}
	return c.JSON(http.StatusAccepted, map[string]any{
		"success":        true,
		"message":        "ZIP creation queued",
		"jobId":          out.JobID,
		"requestId":      out.RequestID,
		"status":         StateQueued,
		"checkStatusUrl": "/orthanc/zip-status/" + strconv.FormatInt(out.JobID, 10),
	})
}

func (h *Handler) ZipStatus(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("jobId"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"success": false, "message": "invalid job id"})
	}
	job, ok := h.svc.Job(id)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]any{"success": false, "message": "ZIP job not found"})
	}

	snap := job.Snapshot()
	resp := map[string]any{
		"success":   true,
		"jobId":     snap.ID,
		"status":    snap.Status,
		"progress":  snap.Progress,
		"createdAt": snap.CreatedAt,
		"result":    nil,
		"error":     nil,
	}
	if r, done := job.Result(); done {
		resp["result"] = r
	}
	if snap.Error != "" {
		resp["error"] = snap.Error
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) StorageStats(c echo.Context) error {
	st, err := Stats(c.Request().Context(), h.store, h.svc.QueueStats())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]any{"success": false, "message": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "stats": st})
}

func (h *Handler) StorageInit(c echo.Context) error {
	created, err := h.store.EnsureBucket(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]any{"success": false, "message": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"message": h.store.Provider() + " bucket initialized successfully",
		"bucket":  h.store.Bucket(),
		"created": created,
	})
}
