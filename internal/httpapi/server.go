package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/you/streamsight/internal/catalog"
	"github.com/you/streamsight/internal/core"
	"github.com/you/streamsight/internal/estimate"
)

// EventStore is the read surface for stored events.
type EventStore interface {
	CountEvents(ctx context.Context, f Filters) (int64, error)
	ListEvents(ctx context.Context, f Filters) ([]core.Event, error)
}

// CategoryService exposes the catalog matcher's review and mapping surface.
type CategoryService interface {
	UnmappedCategories(ctx context.Context) ([]catalog.UnmappedCategory, error)
	LowConfidenceMappings(ctx context.Context, threshold float64) ([]core.CategoryMapping, error)
	SetManualMapping(ctx context.Context, platform core.Platform, platformCategoryID, catalogEntryID string) error
	MapAllUnmapped(ctx context.Context) (catalog.BatchResult, error)
}

// EstimateService computes viewer estimates from stored aggregates.
type EstimateService interface {
	EstimateTotalViewers(p estimate.Params) core.Estimate
	EstimateDailyViewers(ctx context.Context, platform core.Platform, channelID string, day time.Time) (estimate.DailyEstimate, error)
}

// BroadcastStats reads per-broadcast aggregates for single-broadcast
// estimates.
type BroadcastStats interface {
	BroadcastStats(ctx context.Context, broadcastID string) (estimate.Stats, error)
}

// RateReloader re-reads the currency rate file on demand.
type RateReloader interface {
	Reload() error
}

type streamClient struct {
	ch      chan core.Event
	filters Filters
}

type Options struct {
	Addr        string
	CORSOrigins []string
	RateRPS     int
	RateBurst   int
	Metrics     bool
	AccessLog   bool
	Logger      *slog.Logger
	Build       BuildInfo

	Categories CategoryService
	Estimates  EstimateService
	Stats      BroadcastStats
	Rates      RateReloader
}

type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	store      EventStore
	opts       Options
	logger     *slog.Logger

	metrics *Metrics
	limiter *ipRateLimiter
	cors    *corsPolicy

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

func New(store EventStore, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	srv := &Server{
		store:   store,
		opts:    opts,
		logger:  logger,
		limiter: newIPRateLimiter(opts.RateRPS, opts.RateBurst),
		cors:    newCORSPolicy(opts.CORSOrigins),
		clients: make(map[*streamClient]struct{}),
	}
	if opts.Metrics {
		srv.metrics = newMetrics()
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", srv.route("/healthz", srv.handleHealthz))
	mux.Handle("/info", srv.route("/info", srv.handleInfo))
	mux.Handle("/count", srv.route("/count", srv.handleCount))
	mux.Handle("/events", srv.route("/events", srv.handleEvents))
	mux.Handle("/stream", srv.route("/stream", srv.handleStream))
	mux.Handle("/ws", srv.route("/ws", srv.handleWS))
	mux.Handle("/estimate", srv.route("/estimate", srv.handleEstimate))
	mux.Handle("/estimate/daily", srv.route("/estimate/daily", srv.handleEstimateDaily))
	mux.Handle("/categories/unmapped", srv.route("/categories/unmapped", srv.handleUnmapped))
	mux.Handle("/categories/low-confidence", srv.route("/categories/low-confidence", srv.handleLowConfidence))
	mux.Handle("/categories/map", srv.route("/categories/map", srv.handleManualMap))
	mux.Handle("/categories/map-all", srv.route("/categories/map-all", srv.handleMapAll))
	mux.Handle("/admin/rates/reload", srv.route("/admin/rates/reload", srv.handleRatesReload))
	if srv.metrics != nil {
		// Resolved per scrape so registries added after construction are
		// included.
		mux.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			srv.metrics.Handler().ServeHTTP(w, r)
		}))
	}

	srv.mux = mux
	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Mux exposes the underlying mux so auxiliary handler sets (the ingest
// surface) can register alongside the read API.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// AddMetrics includes another component's registry in the /metrics output.
// A no-op when metrics are disabled.
func (s *Server) AddMetrics(g prometheus.Gatherer) {
	if s.metrics != nil {
		s.metrics.AddGatherer(g)
	}
}

// route wraps a handler with the shared middleware stack: CORS, per-IP rate
// limiting, gzip, access logging, and request metrics.
func (s *Server) route(name string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newResponseRecorder(w)

		if handled, status := s.cors.handlePreflight(rec, r); handled {
			s.observe(name, r, status, start)
			return
		}
		if !s.cors.applyHeaders(rec, r) {
			http.Error(rec, "origin not allowed", http.StatusForbidden)
			s.observe(name, r, http.StatusForbidden, start)
			return
		}
		if !s.limiter.Allow(remoteIP(r)) {
			s.metrics.IncRateLimited()
			http.Error(rec, "rate limit exceeded", http.StatusTooManyRequests)
			s.observe(name, r, http.StatusTooManyRequests, start)
			return
		}

		if gz, ok := maybeGzip(rec, r); ok {
			defer func() { _ = gz.Close() }()
		}

		h(rec, r)
		s.observe(name, r, rec.Status(), start)
	})
}

func (s *Server) observe(route string, r *http.Request, status int, start time.Time) {
	dur := time.Since(start)
	s.metrics.ObserveRequest(route, r.Method, status, dur)
	if s.opts.AccessLog {
		s.logger.Info("http request",
			"route", route,
			"method", r.Method,
			"status", status,
			"remote", remoteIP(r),
			"dur_ms", dur.Milliseconds())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	count, err := s.store.CountEvents(r.Context(), filters)
	if err != nil {
		s.logger.Error("count query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "count error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": count})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := s.store.ListEvents(r.Context(), filters)
	if err != nil {
		s.logger.Error("event query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "list error")
		return
	}
	if rows == nil {
		rows = []core.Event{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "stream unsupported")
		return
	}

	client := &streamClient{
		ch:      make(chan core.Event, 256),
		filters: filters.CloneForStream(),
	}
	if !s.addClient(client) {
		writeError(w, http.StatusServiceUnavailable, "server shutting down")
		return
	}
	s.metrics.IncSSEClients(1)
	defer func() {
		s.removeClient(client)
		s.metrics.IncSSEClients(-1)
	}()

	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = w.Write([]byte(":ping\n\n"))
			flusher.Flush()
		case ev, ok := <-client.ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: event\ndata: "))
			_, _ = w.Write(data)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
			s.metrics.IncEventsSent("sse")
		}
	}
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	if s.opts.Estimates == nil || s.opts.Stats == nil {
		writeError(w, http.StatusNotImplemented, "estimation disabled")
		return
	}
	broadcastID := strings.TrimSpace(r.URL.Query().Get("broadcast"))
	if broadcastID == "" {
		writeError(w, http.StatusBadRequest, "broadcast parameter required")
		return
	}
	stats, err := s.opts.Stats.BroadcastStats(r.Context(), broadcastID)
	if err != nil {
		s.logger.Error("broadcast stats query failed", "broadcast", broadcastID, "err", err)
		writeError(w, http.StatusInternalServerError, "stats error")
		return
	}
	est := s.opts.Estimates.EstimateTotalViewers(estimate.Params{
		ConfirmedActiveViewers:   stats.ConfirmedActiveViewers,
		AverageConcurrentViewers: stats.AverageConcurrentViewers,
	})
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) handleEstimateDaily(w http.ResponseWriter, r *http.Request) {
	if s.opts.Estimates == nil {
		writeError(w, http.StatusNotImplemented, "estimation disabled")
		return
	}
	q := r.URL.Query()
	platform, ok := core.ParsePlatform(q.Get("platform"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid platform")
		return
	}
	channelID := strings.TrimSpace(q.Get("channel"))
	if channelID == "" {
		writeError(w, http.StatusBadRequest, "channel parameter required")
		return
	}
	day := time.Now().UTC()
	if raw := q.Get("day"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
			return
		}
		day = parsed
	}
	est, err := s.opts.Estimates.EstimateDailyViewers(r.Context(), platform, channelID, day)
	if err != nil {
		s.logger.Error("daily estimate failed", "platform", platform, "channel", channelID, "err", err)
		writeError(w, http.StatusInternalServerError, "estimate error")
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) handleUnmapped(w http.ResponseWriter, r *http.Request) {
	if s.opts.Categories == nil {
		writeError(w, http.StatusNotImplemented, "catalog disabled")
		return
	}
	rows, err := s.opts.Categories.UnmappedCategories(r.Context())
	if err != nil {
		s.logger.Error("unmapped query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "query error")
		return
	}
	if rows == nil {
		rows = []catalog.UnmappedCategory{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleLowConfidence(w http.ResponseWriter, r *http.Request) {
	if s.opts.Categories == nil {
		writeError(w, http.StatusNotImplemented, "catalog disabled")
		return
	}
	threshold := catalog.DefaultThreshold
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed <= 0 || parsed > 1 {
			writeError(w, http.StatusBadRequest, "threshold must be in (0, 1]")
			return
		}
		threshold = parsed
	}
	rows, err := s.opts.Categories.LowConfidenceMappings(r.Context(), threshold)
	if err != nil {
		s.logger.Error("low-confidence query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "query error")
		return
	}
	if rows == nil {
		rows = []core.CategoryMapping{}
	}
	writeJSON(w, http.StatusOK, rows)
}

type manualMapRequest struct {
	Platform           string `json:"platform"`
	PlatformCategoryID string `json:"platformCategoryId"`
	CatalogEntryID     string `json:"catalogEntryId"`
}

func (s *Server) handleManualMap(w http.ResponseWriter, r *http.Request) {
	if s.opts.Categories == nil {
		writeError(w, http.StatusNotImplemented, "catalog disabled")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req manualMapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	platform, ok := core.ParsePlatform(req.Platform)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid platform")
		return
	}
	if req.PlatformCategoryID == "" || req.CatalogEntryID == "" {
		writeError(w, http.StatusBadRequest, "platformCategoryId and catalogEntryId required")
		return
	}
	if err := s.opts.Categories.SetManualMapping(r.Context(), platform, req.PlatformCategoryID, req.CatalogEntryID); err != nil {
		s.logger.Error("manual mapping failed", "err", err)
		writeError(w, http.StatusInternalServerError, "mapping error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "mapped"})
}

func (s *Server) handleMapAll(w http.ResponseWriter, r *http.Request) {
	if s.opts.Categories == nil {
		writeError(w, http.StatusNotImplemented, "catalog disabled")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	result, err := s.opts.Categories.MapAllUnmapped(r.Context())
	if err != nil {
		s.logger.Error("batch mapping failed", "err", err)
		writeError(w, http.StatusInternalServerError, "mapping error")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRatesReload(w http.ResponseWriter, r *http.Request) {
	if s.opts.Rates == nil {
		writeError(w, http.StatusNotImplemented, "rate reload disabled")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if err := s.opts.Rates.Reload(); err != nil {
		s.logger.Error("rate reload failed", "err", err)
		writeError(w, http.StatusInternalServerError, "reload error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) addClient(client *streamClient) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[client] = struct{}{}
	return true
}

func (s *Server) removeClient(client *streamClient) {
	s.mu.Lock()
	delete(s.clients, client)
	s.mu.Unlock()
}

// Broadcast fans an event out to connected stream clients whose filters
// match. Slow clients drop events rather than block the pipeline.
func (s *Server) Broadcast(ev core.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for client := range s.clients {
		if !client.filters.Matches(ev) {
			continue
		}
		select {
		case client.ch <- ev:
		default:
			s.metrics.IncBroadcastDrops("stream")
		}
	}
}

func (s *Server) Start() error {
	log.Printf("http api listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for client := range s.clients {
		close(client.ch)
	}
	s.clients = make(map[*streamClient]struct{})
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}
