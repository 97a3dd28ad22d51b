// Package httpserver exposes the control API for publishing events and voting on barriers.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/httprate"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/coachpo/barrierbus/errs"
	"github.com/coachpo/barrierbus/internal/domain/schema"
	"github.com/coachpo/barrierbus/internal/infra/behavior"
	"github.com/coachpo/barrierbus/internal/infra/bus/eventbus"
	"github.com/coachpo/barrierbus/internal/infra/logging"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	eventsPath         = "/events"
	barriersPath       = "/barriers"
	barrierPrefix      = barriersPath + "/"
	decisionsPath      = barriersPath + "/decisions"
	busMetricsPath     = "/bus/metrics"
	busPerformancePath = "/bus/performance"
	healthPath         = "/health"
	subscribersPath    = "/subscribers"
	rateLimitPath      = "/ratelimit"
	behaviorsPath      = "/behaviors"
	configBackupPath   = "/config/backup"
	metricsPath        = "/metrics"
	socketPath         = "/ws"
)

// Bus is the subset of the event bus exposed over HTTP.
type Bus interface {
	Publish(ctx context.Context, in schema.EventInput) schema.PublishResult
	RespondToBarrier(eventID, responderID string, vote schema.BarrierVote) error
	PendingBarriers() []eventbus.PendingBarrier
	SubscriberCount(pattern string) int
	RateLimitStatus(ctx context.Context, key, eventType string) (schema.RateLimitStatus, error)
	Metrics() schema.MetricsSnapshot
}

// Behaviors exposes runtime edits of the behavior rules.
type Behaviors interface {
	Rules() []behavior.Rule
	Replace(rules []behavior.Rule) error
}

// DecisionReader reads settled barrier decisions.
type DecisionReader interface {
	ListDecisions(ctx context.Context, limit int) ([]schema.BarrierDecision, error)
	GetDecision(ctx context.Context, eventID string) (schema.BarrierDecision, error)
}

// PerformanceSource reports monitor observations.
type PerformanceSource interface {
	PerformanceReport() schema.PerformanceReport
	SystemHealth() schema.SystemHealth
	OptimizationSuggestions() []string
}

// Option configures the handler.
type Option func(*httpServer)

// WithBehaviors enables GET/PUT /behaviors.
func WithBehaviors(b Behaviors) Option {
	return func(s *httpServer) { s.behaviors = b }
}

// WithDecisions enables GET /barriers/decisions.
func WithDecisions(d DecisionReader) Option {
	return func(s *httpServer) { s.decisions = d }
}

// WithPerformance enables /health and /bus/performance.
func WithPerformance(p PerformanceSource) Option {
	return func(s *httpServer) { s.performance = p }
}

// WithSocket mounts the websocket hub at /ws.
func WithSocket(h http.Handler) Option {
	return func(s *httpServer) { s.socket = h }
}

// WithPrometheus serves the registry at /metrics.
func WithPrometheus(reg *prometheus.Registry) Option {
	return func(s *httpServer) { s.registry = reg }
}

// WithEnvironment labels backups with the deployment environment.
func WithEnvironment(env string) Option {
	return func(s *httpServer) { s.environment = strings.TrimSpace(env) }
}

// WithRequestLimit caps requests per client IP within window. A limit <= 0
// disables it.
func WithRequestLimit(limit int, window time.Duration) Option {
	return func(s *httpServer) {
		s.requestLimit = limit
		s.requestWindow = window
	}
}

// WithLogger overrides the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *httpServer) { s.logger = logger }
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	bus         Bus
	behaviors   Behaviors
	decisions   DecisionReader
	performance PerformanceSource
	socket      http.Handler
	registry    *prometheus.Registry
	environment string
	logger      zerolog.Logger

	requestLimit  int
	requestWindow time.Duration
}

// NewHandler creates the control API handler around bus.
func NewHandler(bus Bus, opts ...Option) http.Handler {
	server := &httpServer{bus: bus, logger: logging.Component("http")}
	for _, opt := range opts {
		if opt != nil {
			opt(server)
		}
	}
	mux := http.NewServeMux()

	mux.Handle(eventsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.publish,
	}))
	mux.Handle(barriersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listBarriers,
	}))
	mux.Handle(barrierPrefix, http.HandlerFunc(server.handleBarrier))
	mux.Handle(busMetricsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.busMetrics,
	}))
	mux.Handle(subscribersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.subscribers,
	}))
	mux.Handle(rateLimitPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.rateLimitStatus,
	}))

	if server.behaviors != nil {
		mux.Handle(behaviorsPath, server.methodHandlers(map[string]handlerFunc{
			http.MethodGet: server.listBehaviors,
			http.MethodPut: server.replaceBehaviors,
		}))
		mux.Handle(configBackupPath, server.methodHandlers(map[string]handlerFunc{
			http.MethodGet:  server.exportConfigBackup,
			http.MethodPost: server.restoreConfigBackup,
		}))
	}
	if server.performance != nil {
		mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
			http.MethodGet: server.health,
		}))
		mux.Handle(busPerformancePath, server.methodHandlers(map[string]handlerFunc{
			http.MethodGet: server.busPerformance,
		}))
	}
	if server.registry != nil {
		mux.Handle(metricsPath, promhttp.HandlerFor(server.registry, promhttp.HandlerOpts{Registry: server.registry}))
	}
	if server.socket != nil {
		mux.Handle(socketPath, server.socket)
	}

	return withCORS(server.limitRequests(mux))
}

func (s *httpServer) limitRequests(next http.Handler) http.Handler {
	if s.requestLimit <= 0 {
		return next
	}
	window := s.requestWindow
	if window <= 0 {
		window = time.Minute
	}
	return httprate.Limit(s.requestLimit, window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusTooManyRequests, "too many requests")
		}),
	)(next)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) publish(w http.ResponseWriter, r *http.Request) {
	var input schema.EventInput
	if !decodeJSON(w, r, &input) {
		return
	}
	result := s.bus.Publish(r.Context(), input)
	writeJSON(w, publishStatus(result), result)
}

// publishStatus maps a publish result onto an HTTP status.
func publishStatus(result schema.PublishResult) int {
	switch {
	case result.Success && result.Blocked():
		return http.StatusAccepted
	case result.Success:
		return http.StatusOK
	}
	switch errs.Code(result.ErrorCode) {
	case errs.CodeRateLimited:
		return http.StatusTooManyRequests
	case errs.CodeUnavailable, errs.CodeStopped:
		return http.StatusServiceUnavailable
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *httpServer) listBarriers(w http.ResponseWriter, _ *http.Request) {
	pending := s.bus.PendingBarriers()
	if pending == nil {
		pending = []eventbus.PendingBarrier{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"barriers": pending})
}

func (s *httpServer) handleBarrier(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, barrierPrefix), "/")
	if rest == "decisions" || strings.HasPrefix(rest, "decisions/") {
		s.handleDecisions(w, r, strings.TrimPrefix(strings.TrimPrefix(rest, "decisions"), "/"))
		return
	}
	eventID, action, _ := strings.Cut(rest, "/")
	if eventID == "" || action != "responses" {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	s.respond(w, r, eventID)
}

type responsePayload struct {
	ResponderID string `json:"responderId"`
	Progression string `json:"progression"`
	Reason      string `json:"reason,omitempty"`
}

func (s *httpServer) respond(w http.ResponseWriter, r *http.Request, eventID string) {
	var payload responsePayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	responderID := strings.TrimSpace(payload.ResponderID)
	if responderID == "" {
		writeError(w, http.StatusBadRequest, "responderId required")
		return
	}
	progression, err := schema.ParseProgression(payload.Progression)
	if err != nil {
		writeError(w, http.StatusBadRequest, errs.MessageOf(err))
		return
	}
	if err := s.bus.RespondToBarrier(eventID, responderID, schema.BarrierVote{Progression: progression, Reason: payload.Reason}); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "eventId": eventID, "responderId": responderID})
}

func (s *httpServer) handleDecisions(w http.ResponseWriter, r *http.Request, eventID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.decisions == nil {
		writeError(w, http.StatusNotFound, "decision store not configured")
		return
	}
	if eventID != "" {
		decision, err := s.decisions.GetDecision(r.Context(), eventID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, decision)
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	decisions, err := s.decisions.ListDecisions(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

func (s *httpServer) busMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bus.Metrics())
}

func (s *httpServer) busPerformance(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"report":      s.performance.PerformanceReport(),
		"suggestions": s.performance.OptimizationSuggestions(),
	})
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	health := s.performance.SystemHealth()
	status := http.StatusOK
	if health.Status == schema.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *httpServer) subscribers(w http.ResponseWriter, r *http.Request) {
	pattern := strings.TrimSpace(r.URL.Query().Get("pattern"))
	if pattern == "" {
		writeError(w, http.StatusBadRequest, "pattern required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pattern": pattern, "count": s.bus.SubscriberCount(pattern)})
}

func (s *httpServer) rateLimitStatus(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	key := strings.TrimSpace(query.Get("key"))
	if key == "" {
		key = "anonymous"
	}
	eventType := strings.TrimSpace(query.Get("eventType"))
	if eventType == "" {
		writeError(w, http.StatusBadRequest, "eventType required")
		return
	}
	status, err := s.bus.RateLimitStatus(r.Context(), key, eventType)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *httpServer) listBehaviors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, behavior.Document{Rules: s.behaviors.Rules()})
}

func (s *httpServer) replaceBehaviors(w http.ResponseWriter, r *http.Request) {
	var doc behavior.Document
	if !decodeJSON(w, r, &doc) {
		return
	}
	if err := s.behaviors.Replace(doc.Rules); err != nil {
		writeError(w, http.StatusBadRequest, errs.MessageOf(err))
		return
	}
	s.logger.Info().Int("rules", len(doc.Rules)).Msg("behavior rules replaced")
	writeJSON(w, http.StatusOK, behavior.Document{Rules: s.behaviors.Rules()})
}

func (s *httpServer) writeDomainError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err, 0)
	if status == 0 {
		switch {
		case errs.Is(err, errs.CodeNotFound):
			status = http.StatusNotFound
		case errs.Is(err, errs.CodeInvalid):
			status = http.StatusBadRequest
		case errs.Is(err, errs.CodeConflict):
			status = http.StatusConflict
		case errs.Is(err, errs.CodeUnavailable), errs.Is(err, errs.CodeStopped):
			status = http.StatusServiceUnavailable
		default:
			status = http.StatusInternalServerError
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("control api request failed")
	}
	writeError(w, status, errs.MessageOf(err))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeDecodeError(w, err)
		return false
	}
	return true
}

func writeDecodeError(w http.ResponseWriter, err error) {
	switch {
	case isRequestTooLarge(err):
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
	case errors.Is(err, io.EOF):
		writeError(w, http.StatusBadRequest, "request body required")
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid payload: %v", err))
	}
}

func isRequestTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
