// Package server exposes the dispute orchestrator over HTTP and websockets.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jurywatch/disputes"
	"jurywatch/ledger"
	"jurywatch/observability"
	"jurywatch/querycache"
	"jurywatch/storage"
)

const (
	maxBodyBytes          = 64 << 10
	defaultRequestTimeout = 30 * time.Second
	// voteTimeout covers submission and settlement of a vote.
	voteTimeout = 3 * time.Minute
)

var (
	errRateLimited = errors.New("rate limit exceeded")
	errReadOnly    = errors.New("no signer configured")
	errNoJournal   = errors.New("mutation journal disabled")
)

// MutationLister reads back journalled mutations.
type MutationLister interface {
	RecentMutations(ctx context.Context, filter storage.MutationFilter) ([]storage.Mutation, error)
}

// Options wires the server's collaborators. Reads and Sessions are required;
// without a Voter and Opener the mutating routes answer 503.
type Options struct {
	Reads    *disputes.Reads
	Sessions *disputes.SessionManager
	Voter    *disputes.Voter
	Opener   *disputes.Opener
	Journal  MutationLister

	// PaymentTokens are reported on juror profiles when a request names none.
	PaymentTokens     []common.Address
	CountdownTick     time.Duration
	RequestsPerSecond float64
	Burst             int
	RequestTimeout    time.Duration

	Logger  *slog.Logger
	Metrics *observability.OrchestratorMetrics
	Now     func() time.Time
}

// Server routes API requests to the dispute orchestrator.
type Server struct {
	opts    Options
	logger  *slog.Logger
	limiter *RateLimiter
	router  chi.Router
}

// New validates opts and builds the router.
func New(opts Options) (*Server, error) {
	if opts.Reads == nil {
		return nil, fmt.Errorf("server: reads required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("server: session manager required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CountdownTick <= 0 {
		opts.CountdownTick = disputes.DefaultTick
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		opts:    opts,
		logger:  opts.Logger,
		limiter: NewRateLimiter(opts.RequestsPerSecond, opts.Burst),
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.observe)
	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.limiter.Middleware)

		r.Get("/deals/{dealID}/dispute", s.disputeForDeal)

		r.Get("/disputes/{disputeID}/countdown", s.countdownStream)
		r.Get("/disputes/{disputeID}/votes/{juror}", s.voteStatus)
		r.Post("/disputes/{disputeID}/votes", s.submitVote)

		r.Get("/jurors/{address}", s.jurorProfile)
		r.Get("/jurors/{address}/disputes", s.jurorDisputes)

		r.Post("/sessions", s.openSession)
		r.Get("/sessions/{sessionID}", s.getSession)
		r.Delete("/sessions/{sessionID}", s.closeSession)
		r.Post("/sessions/{sessionID}/open", s.openDispute)
		r.Get("/sessions/{sessionID}/stream", s.sessionStream)

		r.Get("/mutations", s.listMutations)
	})
	return r
}

// observe logs and measures every request under its route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.opts.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := s.opts.Now().Sub(start)
		s.opts.Metrics.ObserveRequest(route, r.Method, rec.status, elapsed)
		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"route", route,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack lets websocket upgrades pass through the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("server: response writer cannot be hijacked")
	}
	s.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"readOnly": s.opts.Voter == nil,
		"sessions": s.opts.Sessions.Len(),
		"cached":   s.opts.Reads.Cache().Len(),
	})
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.opts.RequestTimeout)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errReadOnly), errors.Is(err, errNoJournal):
		return http.StatusServiceUnavailable
	case errors.Is(err, disputes.ErrAlreadyVoted), errors.Is(err, disputes.ErrVoteInFlight):
		return http.StatusConflict
	case errors.Is(err, disputes.ErrInvalidSupport):
		return http.StatusBadRequest
	case errors.Is(err, disputes.ErrNotSigner):
		return http.StatusForbidden
	case errors.Is(err, disputes.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, disputes.ErrNoDispute), errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case ledger.IsMutationRejected(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ledger.ErrNetwork), errors.Is(err, querycache.ErrNotEnabled):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err)
}
