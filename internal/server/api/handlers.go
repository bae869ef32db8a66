package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Zynh0722/nyazoom/internal/server/service"
	"github.com/Zynh0722/nyazoom/internal/server/storage"

	"github.com/labstack/echo/v4"
)

// Handler contains the HTTP handlers for the NyaZoom API.
type Handler struct {
	svc   *service.UploadService
	store *storage.FileSystemStore
}

// NewHandler creates a new handler with the given dependencies.
func NewHandler(svc *service.UploadService, store *storage.FileSystemStore) *Handler {
	return &Handler{svc: svc, store: store}
}

// HandleUpload handles POST /upload.
// Accepts a multipart form and streams every file field into a single
// archive. The body is never buffered whole; see UploadService.
func (h *Handler) HandleUpload(c echo.Context) error {
	form, err := c.Request().MultipartReader()
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "multipart form body required",
		})
	}

	result, err := h.svc.ProcessUpload(c.Request().Context(), form)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, result)
}

// HandleDownload handles GET /download/:token.
// The download is consumed before the first byte goes out, so a
// transfer the client aborts still counts against the record.
func (h *Handler) HandleDownload(c echo.Context) error {
	token := c.Param("token")

	filePath, filename, err := h.svc.Download(c.Request().Context(), token)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.Attachment(filePath, filename)
}

// HandleInfo handles GET /api/info/:token.
// Returns record metadata without consuming a download.
func (h *Handler) HandleInfo(c echo.Context) error {
	token := c.Param("token")

	info, err := h.svc.GetInfo(c.Request().Context(), token)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, info)
}

// HandleListRecords handles GET /api/records.
// Returns every live record, keyed by token.
func (h *Handler) HandleListRecords(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"records": h.svc.List(c.Request().Context()),
	})
}

// HandleDelete handles DELETE /api/records/:token.
func (h *Handler) HandleDelete(c echo.Context) error {
	token := c.Param("token")

	if err := h.svc.Delete(c.Request().Context(), token); err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"message": "record deleted",
	})
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including storage access.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	storageStatus := "ok"

	if err := h.store.HealthCheck(); err != nil {
		status = "degraded"
		storageStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":  status,
		"storage": storageStatus,
	})
}

// HandleStats handles GET /api/stats.
// Returns aggregate server statistics.
func (h *Handler) HandleStats(c echo.Context) error {
	stats := h.svc.GetStats(c.Request().Context())

	return c.JSON(http.StatusOK, echo.Map{
		"active_records":     stats.ActiveRecords,
		"total_downloads":    stats.TotalDownloads,
		"storage_used_bytes": stats.StorageUsed,
		"storage_used_human": humanizeBytes(stats.StorageUsed),
	})
}

// mapServiceError translates service-layer errors into appropriate HTTP
// responses. Unknown, expired, and exhausted tokens all map to the same
// 404 so a response never reveals whether a token once existed.
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "record not found"})
	case errors.Is(err, service.ErrUnsafeFilename):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}

// humanizeBytes formats a byte count into a human-readable string.
func humanizeBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
