package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/alimk/nightwatch/internal/service"
	"github.com/alimk/nightwatch/pkg/models"
)

var version = "dev"

var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

var (
	httpMetrics = service.NewHTTPMetrics(prometheus.DefaultRegisterer, "ingestor")

	// lastStateTimestamp is 0 until the first snapshot arrives.
	lastStateTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingestor_last_state_timestamp_seconds",
		Help: "Unix timestamp (seconds) of the last accepted device snapshot. 0 if none received yet.",
	})

	alarmEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestor_alarm_events_total",
		Help: "Total accepted alarm events by kind.",
	}, []string{"kind"})

	duplicateEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingestor_duplicate_events_total",
		Help: "Total alarm events ignored because their ID was already stored.",
	})

	dbUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingestor_db_up",
		Help: "1 if the ingestor SQLite database is reachable, 0 otherwise.",
	})

	dbWriteFailTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestor_db_write_fail_total",
		Help: "Total number of failed INSERT operations by table.",
	}, []string{"table"})

	dbRows = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingestor_db_rows",
		Help: "Current number of rows by table.",
	}, []string{"table"})

	// dbFileBytes is 0 for :memory: databases.
	dbFileBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingestor_db_file_bytes",
		Help: "Size of the SQLite database file in bytes. 0 for in-memory databases.",
	})

	dbLastWriteUnix = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingestor_db_last_write_unix",
		Help: "Unix timestamp (seconds) of the most-recent successful INSERT. 0 if none.",
	})
)

const (
	tableStates = "device_states"
	tableEvents = "alarm_events"
)

// lastEntry holds the most recently accepted snapshot of one device and the
// wall clock time it arrived. It backs /state/last when no DB is available.
type lastEntry struct {
	ReceivedAt int64                 `json:"received_at"` // unix seconds
	Payload    models.DeviceSnapshot `json:"payload"`
}

var (
	lastMu     sync.RWMutex
	lastByID   = map[string]*lastEntry{}
	lastLatest *lastEntry // nil until first successful POST
)

func rememberState(snap models.DeviceSnapshot, receivedAt int64) {
	e := &lastEntry{ReceivedAt: receivedAt, Payload: snap}
	lastMu.Lock()
	lastByID[snap.DeviceID] = e
	lastLatest = e
	lastMu.Unlock()
}

func recalledState(deviceID string) *lastEntry {
	lastMu.RLock()
	defer lastMu.RUnlock()
	if deviceID != "" {
		return lastByID[deviceID]
	}
	return lastLatest
}

func resetRemembered() {
	lastMu.Lock()
	lastByID = map[string]*lastEntry{}
	lastLatest = nil
	lastMu.Unlock()
}

// validator is implemented by every payload the ingestor accepts.
type validator interface {
	Validate() error
}

// decodeValid reads a JSON body into v, validates it and enforces maxSkew
// against ts(). It writes the error response itself and reports whether the
// handler should continue.
func decodeValid(w http.ResponseWriter, r *http.Request, v validator, ts func() time.Time, maxSkew time.Duration) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MiB

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		service.WriteError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	if err := v.Validate(); err != nil {
		service.WriteError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
		return false
	}
	if maxSkew > 0 {
		delta := ts().UTC().Sub(time.Now().UTC())
		if delta < -maxSkew || delta > maxSkew {
			msg := fmt.Sprintf("timestamp skew %.0fs exceeds limit %.0fs",
				delta.Seconds(), maxSkew.Seconds())
			service.WriteError(w, http.StatusUnprocessableEntity, "validation_failed", msg)
			return false
		}
	}
	return true
}

// refreshDBMetrics mirrors store statistics into the db gauges.
func refreshDBMetrics(st *store) {
	snap := st.statsSnapshot()
	dbRows.WithLabelValues(tableStates).Set(float64(snap.StateRows))
	dbRows.WithLabelValues(tableEvents).Set(float64(snap.EventRows))
	dbLastWriteUnix.Set(float64(snap.LastWriteUnix))
	dbFileBytes.Set(float64(snap.FileBytes))
}

// makeStateHandler serves POST /api/v1/state. A DB failure is logged and
// counted but the snapshot is still accepted into the in-memory fallback.
func makeStateHandler(maxSkew time.Duration, st *store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var snap models.DeviceSnapshot
		if !decodeValid(w, r, &snap, func() time.Time { return snap.Timestamp }, maxSkew) {
			return
		}

		logger.Info("received device state",
			"device_id", snap.DeviceID,
			"timestamp", snap.Timestamp,
			"light_level", snap.LightLevel,
			"night_mode", snap.NightMode,
			"alarm_active", snap.AlarmActive,
			"buzzer_timer", snap.BuzzerTimer,
		)

		receivedAt := time.Now().Unix()
		if st != nil {
			if err := st.insertState(snap, receivedAt); err != nil {
				logger.Error("db insert failed", "table", tableStates, "error", err)
				dbWriteFailTotal.WithLabelValues(tableStates).Inc()
				dbUp.Set(0)
			} else {
				dbUp.Set(1)
				refreshDBMetrics(st)
			}
		}

		rememberState(snap, receivedAt)
		lastStateTimestamp.Set(float64(receivedAt))

		service.WriteJSON(w, http.StatusAccepted, map[string]string{"result": "accepted"})
	}
}

// makeEventHandler serves POST /api/v1/events. Events have no in-memory
// fallback; without a DB they are validated, logged and dropped.
func makeEventHandler(maxSkew time.Duration, st *store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ev models.AlarmEvent
		if !decodeValid(w, r, &ev, func() time.Time { return ev.Timestamp }, maxSkew) {
			return
		}

		logger.Info("received alarm event",
			"id", ev.ID,
			"device_id", ev.DeviceID,
			"kind", ev.Kind,
			"timestamp", ev.Timestamp,
		)

		result := "accepted"
		if st != nil {
			inserted, err := st.insertEvent(ev, time.Now().Unix())
			switch {
			case err != nil:
				logger.Error("db insert failed", "table", tableEvents, "error", err)
				dbWriteFailTotal.WithLabelValues(tableEvents).Inc()
				dbUp.Set(0)
			case !inserted:
				duplicateEventsTotal.Inc()
				dbUp.Set(1)
				result = "duplicate"
			default:
				dbUp.Set(1)
				refreshDBMetrics(st)
			}
		}
		if result == "accepted" {
			alarmEventsTotal.WithLabelValues(ev.Kind).Inc()
		}

		service.WriteJSON(w, http.StatusAccepted, map[string]string{"result": result})
	}
}

// makeLastStateHandler serves GET /api/v1/state/last[?device_id=<id>].
// The DB is authoritative when present; otherwise the in-memory copy is used.
func makeLastStateHandler(st *store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.URL.Query().Get("device_id")

		if st != nil {
			row, err := st.queryLastState(deviceID)
			if err != nil {
				logger.Error("db queryLastState failed", "error", err)
				service.WriteError(w, http.StatusInternalServerError, "db_error", "database query failed")
				return
			}
			if row == nil {
				service.WriteError(w, http.StatusNotFound, "no_state", "no device state received")
				return
			}
			service.WriteJSON(w, http.StatusOK, row)
			return
		}

		entry := recalledState(deviceID)
		if entry == nil {
			service.WriteError(w, http.StatusNotFound, "no_state", "no device state received")
			return
		}
		service.WriteJSON(w, http.StatusOK, entry)
	}
}

// parseLimit reads ?limit=, defaulting to 100 and clamping to [1, 500].
func parseLimit(r *http.Request) int {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 100
	}
	n, err := strconv.Atoi(s)
	switch {
	case err != nil || n < 1:
		return 1
	case n > 500:
		return 500
	default:
		return n
	}
}

// makeRecentEventsHandler serves GET /api/v1/events/recent[?limit=N&device_id=<id>].
// Requires a DB; returns 503 if none is configured.
func makeRecentEventsHandler(st *store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if st == nil {
			service.WriteError(w, http.StatusServiceUnavailable, "no_db", "persistence not configured")
			return
		}

		rows, err := st.queryRecentEvents(r.URL.Query().Get("device_id"), parseLimit(r))
		if err != nil {
			logger.Error("db queryRecentEvents failed", "error", err)
			service.WriteError(w, http.StatusInternalServerError, "db_error", "database query failed")
			return
		}
		if rows == nil {
			rows = []eventRow{}
		}
		service.WriteJSON(w, http.StatusOK, rows)
	}
}

// statsResponse is the JSON body returned by GET /api/v1/stats.
type statsResponse struct {
	DBUp          int   `json:"db_up"`
	StateRows     int64 `json:"state_rows"`
	EventRows     int64 `json:"event_rows"`
	LastWriteUnix int64 `json:"last_write_unix"`
	DBFileBytes   int64 `json:"db_file_bytes"`
}

// makeStatsHandler serves GET /api/v1/stats: 200 with DB statistics when the
// DB is reachable, 503 with zeroed fields otherwise.
func makeStatsHandler(st *store) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if st == nil {
			service.WriteJSON(w, http.StatusServiceUnavailable, statsResponse{})
			return
		}
		if err := st.ping(); err != nil {
			logger.Error("db ping failed in stats handler", "error", err)
			dbUp.Set(0)
			service.WriteJSON(w, http.StatusServiceUnavailable, statsResponse{})
			return
		}
		snap := st.statsSnapshot()
		service.WriteJSON(w, http.StatusOK, statsResponse{
			DBUp:          1,
			StateRows:     snap.StateRows,
			EventRows:     snap.EventRows,
			LastWriteUnix: snap.LastWriteUnix,
			DBFileBytes:   snap.FileBytes,
		})
	}
}

// newMux wires every ingestor route. st may be nil.
func newMux(maxSkew time.Duration, st *store) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", service.Healthz)
	mux.HandleFunc("POST /api/v1/state", makeStateHandler(maxSkew, st))
	mux.HandleFunc("POST /api/v1/events", makeEventHandler(maxSkew, st))
	mux.HandleFunc("GET /api/v1/state/last", makeLastStateHandler(st))
	mux.HandleFunc("GET /api/v1/events/recent", makeRecentEventsHandler(st))
	mux.HandleFunc("GET /api/v1/stats", makeStatsHandler(st))
	return mux
}

var ingestorRoutes = service.NewRoutes(
	"/healthz",
	"/api/v1/state",
	"/api/v1/events",
	"/api/v1/state/last",
	"/api/v1/events/recent",
	"/api/v1/stats",
)

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Probe the HTTP server and exit 0/1.")
	flag.Parse()

	env := service.Env{Logger: logger}
	addr := env.String("HTTP_ADDR", ":8080")

	if *healthcheck {
		if err := service.Probe(addr, 3*time.Second); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	metricsAddr := env.String("METRICS_ADDR", ":9091")
	maxSkew := env.Window("MAX_TS_SKEW", 24*time.Hour)
	dbPath := env.String("INGESTOR_DB_PATH", "/tmp/nightwatch.db")

	logger.Info("starting ingestor",
		"version", version,
		"addr", addr,
		"metrics_addr", metricsAddr,
		"max_ts_skew", maxSkew.String(),
		"db_path", dbPath,
	)

	// Non-fatal: without a DB the ingestor still accepts snapshots into
	// memory and the db metrics reflect the outage.
	st, err := openStore(dbPath)
	if err != nil {
		logger.Error("failed to open db; running without persistence", "error", err)
		dbUp.Set(0)
	} else {
		dbUp.Set(1)
		refreshDBMetrics(st)
		defer st.close()
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      service.AccessLog(logger, ingestorRoutes, httpMetrics, newMux(maxSkew, st)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsSrv := service.StartMetricsServer(logger, metricsAddr)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
	case err := <-serverErrCh:
		logger.Error("server exited unexpectedly", "error", err)
	}

	logger.Info("shutting down ingestor gracefully")
	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	_ = metricsSrv.Shutdown(shutCtx)
	logger.Info("ingestor stopped")
}
