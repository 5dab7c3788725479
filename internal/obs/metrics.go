package obs

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_transitions_total",
			Help: "Committed state transitions by entity.",
		},
		[]string{"entity", "from", "to"},
	)

	rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_rejections_total",
			Help: "Mutations rejected by a domain rule or a lost race.",
		},
		[]string{"entity", "reason"},
	)

	liveViewsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gatehouse_live_views_active",
		Help: "Open live view subscriptions.",
	})

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_notifications_total",
			Help: "Notification dispatch outcomes.",
		},
		[]string{"result"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gatehouse_ready",
		Help: "1 when the service passes its readiness probe.",
	})
)

// Init registers all collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			transitionsTotal, rejectionsTotal, liveViewsActive, notificationsTotal, ready,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records in-flight, count and latency per canonical route.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

var (
	idCollections = map[string]bool{"visitors": true, "bookings": true, "gate-passes": true, "facilities": true}
	idActions     = map[string]bool{"approve": true, "deny": true, "enter": true, "exit": true, "cancel": true, "confirm": true}
	literalLeaves = map[string]bool{"redeem": true}
)

// CanonicalPath collapses resource identifiers so metric label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" || !idCollections[parts[1]] {
		return raw
	}
	switch {
	case len(parts) == 3 && !literalLeaves[parts[2]]:
		return "/v1/" + parts[1] + "/:id"
	case len(parts) == 4 && idActions[parts[3]]:
		return "/v1/" + parts[1] + "/:id/" + parts[3]
	}
	return raw
}

// ObserveTransition counts a committed status change.
func ObserveTransition(entity, from, to string) {
	transitionsTotal.WithLabelValues(entity, from, to).Inc()
}

// ObserveRejection counts a rejected mutation.
func ObserveRejection(entity, reason string) {
	rejectionsTotal.WithLabelValues(entity, reason).Inc()
}

// LiveViewOpened and LiveViewClosed track open subscriptions.
func LiveViewOpened() { liveViewsActive.Inc() }

func LiveViewClosed() { liveViewsActive.Dec() }

// ObserveNotification counts a dispatch outcome: delivered, failed or dropped.
func ObserveNotification(result string) {
	notificationsTotal.WithLabelValues(result).Inc()
}

// SetReady mirrors the readiness probe result.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the connection to websocket upgraders.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	w.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
