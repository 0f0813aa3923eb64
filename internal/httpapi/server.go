// Package httpapi exposes the question-answering service over HTTP:
// JSON ask endpoints, an SSE progress stream with a WebSocket mirror,
// feedback, seeding status, health, and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/maestro-rag/maestro/internal/rag"
	"github.com/maestro-rag/maestro/internal/router"
	"github.com/maestro-rag/maestro/internal/seeding"
	"github.com/maestro-rag/maestro/internal/streaming"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config tunes the HTTP surface.
type Config struct {
	Version     string
	ONNXEnabled bool
	Int8Enabled bool
	// RateLimitRPS caps request throughput; zero disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int
}

// Server wires the router and its collaborators to HTTP handlers.
type Server struct {
	cfg     Config
	router  *router.Router
	bus     *streaming.Bus
	tracker *seeding.Tracker
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewServer builds the handler set. bus and tracker may be nil in
// reduced deployments; the dependent endpoints then return 503.
func NewServer(cfg Config, rt *router.Router, bus *streaming.Bus, tracker *seeding.Tracker, logger *zap.Logger) *Server {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = int(cfg.RateLimitRPS)
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}
	return &Server{cfg: cfg, router: rt, bus: bus, tracker: tracker, limiter: limiter, logger: logger}
}

// Handler returns the full route set behind the rate limiter.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.withRateLimit(mux)
}

// RegisterRoutes registers every endpoint on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ask-smart", s.handleAskSmart)
	mux.HandleFunc("/ask-hybrid", s.forcedHandler("hybrid"))
	mux.HandleFunc("/ask-iterative", s.forcedHandler("iterative"))
	mux.HandleFunc("/ask-graph", s.forcedHandler("graph"))
	mux.HandleFunc("/ask-table", s.forcedHandler("table"))
	mux.HandleFunc("/ask-smart-stream", s.handleStream)
	mux.HandleFunc("/stream/ws", s.handleWS)
	mux.HandleFunc("/feedback", s.handleFeedback)
	mux.HandleFunc("/seed-status", s.handleSeedStatus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
}

// withRateLimit rejects over-limit requests with 429. Health and
// metrics bypass the limiter so probes and scrapes never fail.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/metrics":
			next.ServeHTTP(w, r)
			return
		}
		if !s.limiter.Allow() {
			s.writeError(w, rag.E("httpapi", rag.KindLLMRateLimited, errors.New("rate limit exceeded")))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("Response encode failed", zap.Error(err))
	}
}

type errorBody struct {
	Error string   `json:"error"`
	Kind  rag.Kind `json:"kind,omitempty"`
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := rag.KindOf(err)
	status := statusFor(kind, err)
	msg := publicMessage(kind)
	if status >= 500 {
		s.logger.Error("Request failed", zap.String("kind", string(kind)), zap.Error(err))
	} else {
		s.logger.Warn("Request rejected", zap.String("kind", string(kind)), zap.Error(err))
	}
	s.writeJSON(w, status, errorBody{Error: msg, Kind: kind})
}

func statusFor(kind rag.Kind, err error) int {
	switch kind {
	case rag.KindInvalidInput:
		return http.StatusBadRequest
	case rag.KindQueryIDNotFound:
		return http.StatusNotFound
	case rag.KindLLMRateLimited:
		return http.StatusTooManyRequests
	case rag.KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case rag.KindEmbeddingUnavailable, rag.KindRerankUnavailable,
		rag.KindIndexUnavailable, rag.KindLLMUnavailable,
		rag.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case rag.KindStrategyFailed:
		return http.StatusBadGateway
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// publicMessage keeps wrapped causes out of responses; details go to
// structured logs only.
func publicMessage(kind rag.Kind) string {
	switch kind {
	case rag.KindInvalidInput:
		return "invalid request"
	case rag.KindQueryIDNotFound:
		return "query id not found or expired"
	case rag.KindLLMRateLimited:
		return "rate limit exceeded, retry later"
	case rag.KindDeadlineExceeded:
		return "request deadline exceeded"
	case rag.KindNoEvidence:
		return "no supporting evidence found"
	case rag.KindStrategyFailed:
		return "answer generation failed"
	case "":
		return "internal error"
	}
	return "dependency unavailable"
}
