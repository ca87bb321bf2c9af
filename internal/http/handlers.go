package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"owg/server/internal/broadcast"
	grpcstream "owg/server/internal/grpc"
	"owg/server/internal/ingest"
	"owg/server/internal/logging"
	"owg/server/internal/networking"
	"owg/server/internal/persist"
	"owg/server/internal/protocol"
	"owg/server/internal/replay"
	"owg/server/internal/simulation"
)

// ReadinessProvider exposes server state required for readiness checks.
type ReadinessProvider interface {
	StartupError() error
	Uptime() time.Duration
}

// Fingerprinter reports the current tick and its state digest.
type Fingerprinter interface {
	Fingerprint() (uint64, string, error)
}

// StatePersister writes the current state on demand.
type StatePersister interface {
	Flush(ctx context.Context) (persist.Result, error)
}

// LedgerReader lists recently persisted snapshots.
type LedgerReader interface {
	Recent(ctx context.Context, limit int) ([]persist.LedgerRow, error)
	Lookup(ctx context.Context, tick uint64) (persist.LedgerRow, bool, error)
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// MetricsSources collects the optional stat readers rendered by /metrics.
type MetricsSources struct {
	Hub       func() broadcast.Stats
	Sync      func() simulation.SyncStats
	Ticks     func() simulation.TickMetricsSnapshot
	Ingest    func() ingest.Stats
	GRPC      func() grpcstream.Stats
	Traffic   func() networking.TrafficTotals
	Recorder  func() replay.Stats
	Retention func() replay.StorageStats
	Persist   func() persist.Stats
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Readiness   ReadinessProvider
	Metrics     MetricsSources
	Fingerprint Fingerprinter
	Persister   StatePersister
	Ledger      LedgerReader
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	metrics     MetricsSources
	fingerprint Fingerprinter
	persister   StatePersister
	ledger      LedgerReader
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		readiness:   opts.Readiness,
		metrics:     opts.Metrics,
		fingerprint: opts.Fingerprint,
		persister:   opts.Persister,
		ledger:      opts.Ledger,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/health", h.HealthHandler())
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/schema/", h.SchemaHandler())
	mux.HandleFunc("/state/fingerprint", h.FingerprintHandler())
	mux.HandleFunc("/state/persist", h.PersistHandler())
	mux.HandleFunc("/state/ledger", h.LedgerHandler())
}

// HealthHandler answers a plain "ok" for load balancers.
func (h *HandlerSet) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok")
	}
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports readiness, including the current tick and subscriber count.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Subscribers   int     `json:"subscribers"`
		Tick          uint64  `json:"tick"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.metrics.Hub != nil {
			resp.Subscribers = h.metrics.Hub().Subscribers
		}
		if h.fingerprint != nil {
			resp.Tick, _, _ = h.fingerprint.Fingerprint()
		}
		if h.readiness != nil {
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m := h.metrics
		if h.readiness != nil {
			writeMetric(w, "owg_uptime_seconds", "gauge", "Server uptime in seconds.", math.Floor(h.readiness.Uptime().Seconds()))
		}
		if h.fingerprint != nil {
			tick, _, _ := h.fingerprint.Fingerprint()
			writeMetric(w, "owg_tick", "gauge", "Current simulation tick.", tick)
		}
		if m.Hub != nil {
			stats := m.Hub()
			writeMetric(w, "owg_subscribers", "gauge", "Current broadcast subscribers.", stats.Subscribers)
			writeMetric(w, "owg_broadcasts_total", "counter", "Payloads published to the hub.", stats.Published)
			writeMetric(w, "owg_deliveries_total", "counter", "Payloads queued for a subscriber.", stats.Delivered)
			writeMetric(w, "owg_subscribers_dropped_total", "counter", "Subscribers dropped for a full queue.", stats.Dropped)
		}
		if m.Sync != nil {
			stats := m.Sync()
			writeMetric(w, "owg_snapshots_total", "counter", "Full snapshots broadcast by the loop.", stats.Snapshots)
			writeMetric(w, "owg_deltas_total", "counter", "Deltas broadcast by the loop.", stats.Deltas)
			writeMetric(w, "owg_encode_failures_total", "counter", "Broadcasts skipped because encoding failed.", stats.EncodeFailures)
			writeMetric(w, "owg_scheduled_commands_total", "counter", "Replay commands injected before a step.", stats.ScheduledCommands)
		}
		if m.Ticks != nil {
			stats := m.Ticks()
			writeMetric(w, "owg_step_seconds_avg", "gauge", "Average loop step duration.", stats.Average.Seconds())
			writeMetric(w, "owg_step_seconds_max", "gauge", "Longest loop step duration in the window.", stats.Max.Seconds())
			writeMetric(w, "owg_step_overruns", "gauge", "Steps in the window that exceeded the tick budget.", stats.Overruns)
		}
		if m.Ingest != nil {
			stats := m.Ingest()
			writeMetric(w, "owg_connections", "gauge", "Currently attached client connections.", stats.Active)
			writeMetric(w, "owg_connections_total", "counter", "Client connections attached since start.", stats.Connections)
			writeMetric(w, "owg_commands_accepted_total", "counter", "Inbound command envelopes applied.", stats.Accepted)
			writeMetric(w, "owg_commands_rejected_total", "counter", "Inbound payloads rejected by decoding or schema.", stats.Rejected)
		}
		if m.GRPC != nil {
			stats := m.GRPC()
			writeMetric(w, "owg_grpc_event_streams", "gauge", "Open gRPC event streams.", stats.EventStreams)
		}
		if m.Traffic != nil {
			stats := m.Traffic()
			writeMetric(w, "owg_ws_bytes_in_total", "counter", "Bytes received over websocket.", stats.BytesIn)
			writeMetric(w, "owg_ws_bytes_out_total", "counter", "Bytes sent over websocket.", stats.BytesOut)
		}
		if m.Recorder != nil {
			stats := m.Recorder()
			writeMetric(w, "owg_recorded_commands_total", "counter", "Commands appended to the session recording.", stats.Records)
			writeMetric(w, "owg_recorded_bytes_total", "counter", "Bytes appended to the session recording.", stats.Bytes)
		}
		if m.Retention != nil {
			stats := m.Retention()
			writeMetric(w, "owg_recordings", "gauge", "Recordings kept on disk after the last sweep.", stats.Recordings)
			writeMetric(w, "owg_recordings_bytes", "gauge", "Disk footprint of kept recordings.", stats.Bytes)
		}
		if m.Persist != nil {
			stats := m.Persist()
			writeMetric(w, "owg_state_saves_total", "counter", "State documents written.", stats.Saves)
			writeMetric(w, "owg_state_save_failures_total", "counter", "State saves that failed.", stats.Failures)
			writeMetric(w, "owg_state_last_saved_tick", "gauge", "Tick of the most recent state save.", stats.Last.Tick)
		}
	}
}

// SchemaHandler serves the published JSON schemas at /schema/command and /schema/event.
func (h *HandlerSet) SchemaHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/schema/")
		if name != "command" && name != "event" {
			http.NotFound(w, r)
			return
		}
		doc, err := protocol.SchemaDocument(name)
		if err != nil {
			http.Error(w, "schema unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/schema+json")
		_, _ = w.Write(doc)
	}
}

// FingerprintHandler reports the current tick and its digest so clients can compare state.
func (h *HandlerSet) FingerprintHandler() http.HandlerFunc {
	type response struct {
		Tick        uint64 `json:"tick"`
		Fingerprint string `json:"fingerprint"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if h.fingerprint == nil {
			http.Error(w, "fingerprint unavailable", http.StatusServiceUnavailable)
			return
		}
		tick, digest, err := h.fingerprint.Fingerprint()
		if err != nil {
			logging.FromContext(r.Context(), h.logger).Error("fingerprint failed", logging.Error(err))
			http.Error(w, "fingerprint failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, response{Tick: tick, Fingerprint: digest})
	}
}

// PersistHandler authorises and triggers an immediate state save.
func (h *HandlerSet) PersistHandler() http.HandlerFunc {
	type response struct {
		Status string         `json:"status"`
		Result persist.Result `json:"result"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.FromContext(r.Context(), h.logger).With(
			logging.String("handler", "state_persist"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("state persist denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("state persist denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			if limiter, ok := h.rateLimiter.(*SlidingWindowLimiter); ok {
				if wait := limiter.RetryAfter(); wait > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				}
			}
			reqLogger.Warn("state persist denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.persister == nil {
			reqLogger.Warn("state persist denied: no persister configured")
			http.Error(w, "state persistence is unavailable", http.StatusServiceUnavailable)
			return
		}
		result, err := h.persister.Flush(r.Context())
		if err != nil {
			reqLogger.Error("state persist failed", logging.Error(err))
			http.Error(w, "failed to persist state", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("state persisted", logging.Tick(result.Tick), logging.Bool("skipped", result.Skipped))
		writeJSON(w, http.StatusOK, response{Status: "persisted", Result: result})
	}
}

// LedgerHandler lists recent ledger rows; ?limit=N bounds the result. ?tick=N returns the
// single row saved at that tick, or 404.
func (h *HandlerSet) LedgerHandler() http.HandlerFunc {
	type row struct {
		Tick        uint64 `json:"tick"`
		Fingerprint string `json:"fingerprint"`
		Entities    int    `json:"entities"`
		Projectiles int    `json:"projectiles"`
		SavedAt     string `json:"saved_at"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if h.ledger == nil {
			http.Error(w, "ledger unavailable", http.StatusServiceUnavailable)
			return
		}
		toRow := func(entry persist.LedgerRow) row {
			return row{
				Tick:        entry.Tick,
				Fingerprint: entry.Fingerprint,
				Entities:    entry.Entities,
				Projectiles: entry.Projectiles,
				SavedAt:     entry.SavedAt.UTC().Format(time.RFC3339Nano),
			}
		}
		if raw := r.URL.Query().Get("tick"); raw != "" {
			tick, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				http.Error(w, "tick must be a non-negative integer", http.StatusBadRequest)
				return
			}
			entry, ok, err := h.ledger.Lookup(r.Context(), tick)
			if err != nil {
				logging.FromContext(r.Context(), h.logger).Error("ledger lookup failed", logging.Error(err), logging.Tick(tick))
				http.Error(w, "ledger query failed", http.StatusInternalServerError)
				return
			}
			if !ok {
				http.Error(w, "no snapshot recorded at that tick", http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, toRow(entry))
			return
		}
		limit := 20
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = parsed
		}
		rows, err := h.ledger.Recent(r.Context(), limit)
		if err != nil {
			logging.FromContext(r.Context(), h.logger).Error("ledger query failed", logging.Error(err))
			http.Error(w, "ledger query failed", http.StatusInternalServerError)
			return
		}
		out := make([]row, 0, len(rows))
		for _, entry := range rows {
			out = append(out, toRow(entry))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeMetric(w io.Writer, name, kind, help string, value any) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	switch v := value.(type) {
	case float64:
		fmt.Fprintf(w, "%s %s\n", name, strconv.FormatFloat(v, 'g', -1, 64))
	default:
		fmt.Fprintf(w, "%s %d\n", name, v)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
