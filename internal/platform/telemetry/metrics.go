// Package telemetry records HTTP and job-queue metrics and serves them in the
// Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/radflow/radflow/internal/platform/jobqueue"
)

// httpDurationBuckets follow the OTel HTTP server duration boundaries (seconds).
var httpDurationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// jobDurationBuckets span a metadata-only ingest up to a large ZIP export.
var jobDurationBuckets = []float64{
	0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 180, 600,
}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits, updated by CAS
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(next)) {
			return
		}
	}
}

// histogramVec is a set of histograms keyed by their rendered label set.
type histogramVec struct {
	boundaries []float64
	mu         sync.RWMutex
	items      map[string]*histogram
}

func newHistogramVec(boundaries []float64) *histogramVec {
	return &histogramVec{boundaries: boundaries, items: make(map[string]*histogram)}
}

func (v *histogramVec) with(labels string) *histogram {
	v.mu.RLock()
	h, ok := v.items[labels]
	v.mu.RUnlock()
	if ok {
		return h
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if h, ok = v.items[labels]; !ok {
		h = newHistogram(v.boundaries)
		v.items[labels] = h
	}
	return h
}

func (v *histogramVec) get(labels string) *histogram {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.items[labels]
}

// sorted returns label sets in a stable order for export.
func (v *histogramVec) sorted() ([]string, map[string]*histogram) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := make([]string, 0, len(v.items))
	cp := make(map[string]*histogram, len(v.items))
	for k, h := range v.items {
		keys = append(keys, k)
		cp[k] = h
	}
	sort.Strings(keys)
	return keys, cp
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

type gaugeFunc struct {
	name string
	help string
	fn   func() float64
}

// Provider owns every metric the service exports.
type Provider struct {
	requests *histogramVec
	jobs     *histogramVec
	active   atomic.Int64

	mu     sync.RWMutex
	queues []func() jobqueue.Stats
	gauges []gaugeFunc
}

func NewProvider() *Provider {
	return &Provider{
		requests: newHistogramVec(httpDurationBuckets),
		jobs:     newHistogramVec(jobDurationBuckets),
	}
}

// WatchQueue exports the queue's job counts by status on every scrape.
func (p *Provider) WatchQueue(stats func() jobqueue.Stats) {
	p.mu.Lock()
	p.queues = append(p.queues, stats)
	p.mu.Unlock()
}

// GaugeFunc exports fn's value under name on every scrape.
func (p *Provider) GaugeFunc(name, help string, fn func() float64) {
	p.mu.Lock()
	p.gauges = append(p.gauges, gaugeFunc{name: name, help: help, fn: fn})
	p.mu.Unlock()
}

// ObserveJob records a finished job; it matches jobqueue.Config.Observe.
func (p *Provider) ObserveJob(queue string, status jobqueue.Status, elapsed time.Duration) {
	p.jobs.with(jobLabels(queue, string(status))).Observe(elapsed.Seconds())
}

// JobCount returns how many jobs of queue finished with status.
func (p *Provider) JobCount(queue string, status jobqueue.Status) int64 {
	if h := p.jobs.get(jobLabels(queue, string(status))); h != nil {
		return h.Count()
	}
	return 0
}

// RequestCount returns how many requests matched method, route and status.
func (p *Provider) RequestCount(method, route string, status int) int64 {
	if h := p.requests.get(requestLabels(method, route, strconv.Itoa(status))); h != nil {
		return h.Count()
	}
	return 0
}

func jobLabels(queue, status string) string {
	return fmt.Sprintf("queue=%q,status=%q", queue, status)
}

func requestLabels(method, route, status string) string {
	return fmt.Sprintf("method=%q,route=%q,status_code=%q", method, route, status)
}

// Middleware records request duration by route pattern. Paths under
// skipPrefixes (the scrape endpoint itself) are not recorded.
func (p *Provider) Middleware(skipPrefixes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			for _, prefix := range skipPrefixes {
				if strings.HasPrefix(req.URL.Path, prefix) {
					return next(c)
				}
			}

			p.active.Add(1)
			start := time.Now()
			err := next(c)
			p.active.Add(-1)

			status := c.Response().Status
			if err != nil && !c.Response().Committed {
				status = http.StatusInternalServerError
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			p.requests.with(requestLabels(req.Method, route, strconv.Itoa(status))).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves all metrics in Prometheus text format.
func (p *Provider) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		writeHistograms(&b, "http_server_request_duration_seconds",
			"Duration of HTTP requests in seconds.", p.requests)

		b.WriteString("# HELP http_server_active_requests Number of in-flight HTTP requests.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n\n", p.active.Load())

		writeHistograms(&b, "jobqueue_job_duration_seconds",
			"Duration of finished jobs in seconds.", p.jobs)

		p.mu.RLock()
		queues := append([]func() jobqueue.Stats(nil), p.queues...)
		gauges := append([]gaugeFunc(nil), p.gauges...)
		p.mu.RUnlock()

		b.WriteString("# HELP jobqueue_jobs Retained jobs by queue and status.\n")
		b.WriteString("# TYPE jobqueue_jobs gauge\n")
		for _, stats := range queues {
			s := stats()
			for _, row := range []struct {
				status string
				n      int
			}{
				{string(jobqueue.StatusWaiting), s.Waiting},
				{string(jobqueue.StatusActive), s.Active},
				{string(jobqueue.StatusCompleted), s.Completed},
				{string(jobqueue.StatusFailed), s.Failed},
			} {
				fmt.Fprintf(&b, "jobqueue_jobs{%s} %d\n", jobLabels(s.Name, row.status), row.n)
			}
		}
		b.WriteByte('\n')

		for _, g := range gauges {
			fmt.Fprintf(&b, "# HELP %s %s\n", g.name, g.help)
			fmt.Fprintf(&b, "# TYPE %s gauge\n", g.name)
			fmt.Fprintf(&b, "%s %g\n\n", g.name, g.fn())
		}

		return c.String(http.StatusOK, b.String())
	}
}

func writeHistograms(b *strings.Builder, name, help string, vec *histogramVec) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s histogram\n", name)
	keys, items := vec.sorted()
	for _, labels := range keys {
		writeHistogram(b, name, labels, items[labels])
	}
	b.WriteByte('\n')
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}
