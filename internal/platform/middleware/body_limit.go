package middleware

import (
	"fmt"
	"io"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
)

// DefaultBodyLimit applies when the configured limit cannot be parsed.
const DefaultBodyLimit = 1 << 20

// BodyLimit rejects request bodies larger than limit, a human-readable size
// such as "1MB" or "512KiB". Webhook payloads are small JSON documents, so
// the limit is enforced both on Content-Length and while reading.
func BodyLimit(limit string) echo.MiddlewareFunc {
	max := ParseLimit(limit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			if req.ContentLength > max {
				return payloadTooLarge(c, max)
			}
			req.Body = &limitedReadCloser{ReadCloser: req.Body, remaining: max}
			return next(c)
		}
	}
}

// ParseLimit parses a size with go-humanize, falling back to
// DefaultBodyLimit.
func ParseLimit(s string) int64 {
	n, err := humanize.ParseBytes(s)
	if err != nil || n == 0 {
		return DefaultBodyLimit
	}
	return int64(n)
}

type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	exceeded  bool
}

func (r *limitedReadCloser) Read(p []byte) (int, error) {
	if r.exceeded {
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	if int64(len(p)) > r.remaining+1 {
		p = p[:r.remaining+1]
	}
	n, err := r.ReadCloser.Read(p)
	r.remaining -= int64(n)
	if r.remaining < 0 {
		r.exceeded = true
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	return n, err
}

func payloadTooLarge(c echo.Context, max int64) error {
	return c.JSON(http.StatusRequestEntityTooLarge, map[string]any{
		"success": false,
		"message": fmt.Sprintf("request body exceeds %s", humanize.IBytes(uint64(max))),
	})
}
