package blobstore

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// listResponse is the JSON envelope returned by the list endpoint.
type listResponse struct {
	Bucket   string       `json:"bucket"`
	Provider string       `json:"provider"`
	Items    []ObjectInfo `json:"items"`
	Total    int          `json:"total"`
}

// BlobHandler serves stored archives. With the GCS backend clients download
// from the bucket URL directly; these routes let the in-memory backend serve
// the same keys in development.
type BlobHandler struct {
	store BlobStore
}

func NewBlobHandler(store BlobStore) *BlobHandler {
	return &BlobHandler{store: store}
}

// RegisterRoutes mounts blob routes on the supplied Echo group.
func (h *BlobHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/blobs", h.handleList)
	g.GET("/blobs/*", h.handleDownload)
}

func (h *BlobHandler) handleList(c echo.Context) error {
	items, err := h.store.List(c.Request().Context(), c.QueryParam("prefix"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, listResponse{
		Bucket:   h.store.Bucket(),
		Provider: h.store.Provider(),
		Items:    items,
		Total:    len(items),
	})
}

func (h *BlobHandler) handleDownload(c echo.Context) error {
	key := strings.TrimPrefix(c.Param("*"), "/")
	if key == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": ErrMissingKey.Error()})
	}

	rc, info, err := h.store.Open(c.Request().Context(), key)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	defer rc.Close()

	hdr := c.Response().Header()
	if info.ContentDisposition != "" {
		hdr.Set("Content-Disposition", info.ContentDisposition)
	}
	if info.CacheControl != "" {
		hdr.Set("Cache-Control", info.CacheControl)
	}
	if info.ETag != "" {
		hdr.Set("ETag", `"`+info.ETag+`"`)
	}
	ct := info.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	return c.Stream(http.StatusOK, ct, rc)
}
