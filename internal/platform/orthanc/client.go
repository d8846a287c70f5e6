// Package orthanc is a read-only client for the Orthanc DICOM archive REST
// API.
package orthanc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrNotFound matches a StatusError for a 404 response.
var ErrNotFound = errors.New("orthanc: resource not found")

// StatusError is returned for any non-2xx archive response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("orthanc %s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("orthanc %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Options configures a Client.
type Options struct {
	BaseURL  string
	Username string
	Password string
	// Timeout bounds every metadata call.
	Timeout time.Duration
	// ArchiveTimeout bounds a full study archive download.
	ArchiveTimeout time.Duration
	// Transport overrides the base round tripper; tests pass nil.
	Transport http.RoundTripper
}

// Client talks to one Orthanc server with HTTP basic auth.
type Client struct {
	baseURL        string
	username       string
	password       string
	timeout        time.Duration
	archiveTimeout time.Duration
	http           *http.Client
	logger         zerolog.Logger
}

// NewClient builds a client whose transport is wrapped with OpenTelemetry
// tracing.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.ArchiveTimeout <= 0 {
		opts.ArchiveTimeout = 10 * time.Minute
	}
	return &Client{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		username:       opts.Username,
		password:       opts.Password,
		timeout:        opts.Timeout,
		archiveTimeout: opts.ArchiveTimeout,
		http:           &http.Client{Transport: otelhttp.NewTransport(base)},
		logger:         logger.With().Str("component", "orthanc").Logger(),
	}
}

// BaseURL returns the configured server root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// System returns the server's identification block. Used as a connectivity
// probe.
func (c *Client) System(ctx context.Context) (*SystemInfo, error) {
	var info SystemInfo
	if err := c.getJSON(ctx, c.timeout, "/system", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetStudy returns the study resource including its series id list.
func (c *Client) GetStudy(ctx context.Context, studyID string) (*Resource, error) {
	var r Resource
	if err := c.getJSON(ctx, c.timeout, "/studies/"+url.PathEscape(studyID), &r); err != nil {
		return nil, err
	}
	if r.ID == "" {
		r.ID = studyID
	}
	return &r, nil
}

// ListStudySeries returns the expanded series of a study.
func (c *Client) ListStudySeries(ctx context.Context, studyID string) ([]Resource, error) {
	var out []Resource
	if err := c.getJSON(ctx, c.timeout, "/studies/"+url.PathEscape(studyID)+"/series", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListStudyInstances returns the instances of a study. With expand the
// archive includes MainDicomTags and ParentSeries for each instance.
func (c *Client) ListStudyInstances(ctx context.Context, studyID string, expand bool) ([]Resource, error) {
	path := "/studies/" + url.PathEscape(studyID) + "/instances"
	if expand {
		path += "?expand"
	}
	var out []Resource
	if err := c.getJSON(ctx, c.timeout, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSeries returns one series resource.
func (c *Client) GetSeries(ctx context.Context, seriesID string) (*Resource, error) {
	var r Resource
	if err := c.getJSON(ctx, c.timeout, "/series/"+url.PathEscape(seriesID), &r); err != nil {
		return nil, err
	}
	if r.ID == "" {
		r.ID = seriesID
	}
	return &r, nil
}

// ListSeriesInstances returns the instance references of a series.
func (c *Client) ListSeriesInstances(ctx context.Context, seriesID string) ([]Resource, error) {
	var out []Resource
	if err := c.getJSON(ctx, c.timeout, "/series/"+url.PathEscape(seriesID)+"/instances", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetInstanceTags returns the full tag dump of an instance keyed by tag
// number ("0010,0010"). Sequence and binary values are skipped.
func (c *Client) GetInstanceTags(ctx context.Context, instanceID string) (map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := c.getJSON(ctx, c.timeout, "/instances/"+url.PathEscape(instanceID)+"/tags", &raw); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for key, v := range raw {
		var t rawTag
		if err := json.Unmarshal(v, &t); err == nil && len(t.Value) > 0 {
			if s, ok := stringValue(t.Value); ok {
				out[key] = s
			}
			continue
		}
		if s, ok := stringValue(v); ok {
			out[key] = s
		}
	}
	return out, nil
}

// GetInstanceSimplifiedTags returns the keyword-keyed tag dump of an
// instance ("PatientName").
func (c *Client) GetInstanceSimplifiedTags(ctx context.Context, instanceID string) (map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := c.getJSON(ctx, c.timeout, "/instances/"+url.PathEscape(instanceID)+"/simplified-tags", &raw); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for key, v := range raw {
		if s, ok := stringValue(v); ok {
			out[key] = s
		}
	}
	return out, nil
}

// StudyArchive streams the ZIP archive of a study. The archive timeout
// applies until the returned reader is closed.
func (c *Client) StudyArchive(ctx context.Context, studyID string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, c.archiveTimeout)
	resp, err := c.do(ctx, "/studies/"+url.PathEscape(studyID)+"/archive")
	if err != nil {
		cancel()
		return nil, err
	}
	return &cancelBody{ReadCloser: resp.Body, cancel: cancel}, nil
}

func (c *Client) getJSON(ctx context.Context, timeout time.Duration, path string, dst any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.do(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode orthanc %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create orthanc request %s: %w", path, err)
	}
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("orthanc GET %s: %w", path, err)
	}
	c.logger.Debug().Str("path", path).Int("status", resp.StatusCode).Dur("latency", time.Since(start)).Msg("orthanc request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{
			Method:     http.MethodGet,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}
	return resp, nil
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
