package service

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// Healthz serves GET /healthz.
func Healthz(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HTTPMetrics are the per-request instruments of one binary.
type HTTPMetrics struct {
	Requests *prometheus.CounterVec   // method, route, status
	Duration *prometheus.HistogramVec // method, route
}

// NewHTTPMetrics registers <prefix>_http_requests_total and
// <prefix>_http_request_duration_seconds with reg.
func NewHTTPMetrics(reg prometheus.Registerer, prefix string) HTTPMetrics {
	f := promauto.With(reg)
	return HTTPMetrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_http_requests_total",
			Help: "Total number of HTTP requests by method, route, and status code.",
		}, []string{"method", "route", "status"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Routes is the set of paths that get their own metric label. Anything
// else is labelled "other" so raw URLs cannot blow up cardinality.
type Routes map[string]struct{}

func NewRoutes(paths ...string) Routes {
	rt := make(Routes, len(paths))
	for _, p := range paths {
		rt[p] = struct{}{}
	}
	return rt
}

func (rt Routes) Label(r *http.Request) string {
	if _, ok := rt[r.URL.Path]; ok {
		return r.URL.Path
	}
	return "other"
}

// recorder wraps ResponseWriter to capture the written status code.
type recorder struct {
	http.ResponseWriter
	status int
}

func (rr *recorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the access log.
func (rr *recorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rr.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// AccessLog logs one line per request and records it in m.
func AccessLog(logger *slog.Logger, routes Routes, m HTTPMetrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := routes.Label(r)
		rr := &recorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rr, r)

		elapsed := time.Since(start)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rr.status,
			"remote", r.RemoteAddr,
			"duration_ms", elapsed.Milliseconds(),
		)

		m.Requests.WithLabelValues(r.Method, route, strconv.Itoa(rr.status)).Inc()
		m.Duration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
	})
}

// StartMetricsServer serves /metrics from the default gatherer on addr in
// the background.
func StartMetricsServer(logger *slog.Logger, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return srv
}

// ProbeAddr turns a listen address such as ":9090" into a dialable one.
func ProbeAddr(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "localhost" + listen
	}
	return listen
}

// Probe dials the listener at addr, for -healthcheck.
func Probe(addr string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", ProbeAddr(addr), timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}
