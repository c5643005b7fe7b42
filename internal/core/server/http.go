// Package server hosts the rule engine behind HTTP and exposes the admin
// gRPC health service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/solatis/routekeeper/internal/core/config"
	"github.com/solatis/routekeeper/internal/metrics"
	"github.com/solatis/routekeeper/internal/rules"
	"github.com/solatis/routekeeper/internal/types"
)

const tracerName = "github.com/solatis/routekeeper/internal/core/server"

// EngineSource yields the engine to serve a request with. It returns nil
// while no rule set has been loaded.
type EngineSource interface {
	Engine() *rules.Engine
}

// HTTPServer runs every inbound request through the rule phases, then
// answers it, proxies it upstream or declines it.
type HTTPServer struct {
	engines EngineSource
	proxy   *httputil.ReverseProxy
	tracer  trace.Tracer
	log     zerolog.Logger
	server  *http.Server
}

// NewHTTPServer creates the host. An empty cfg.Upstream leaves unanswered
// requests as 404s instead of proxying them.
func NewHTTPServer(cfg config.ServerConfig, engines EngineSource, log zerolog.Logger) (*HTTPServer, error) {
	if engines == nil {
		return nil, fmt.Errorf("engines cannot be nil")
	}

	s := &HTTPServer{
		engines: engines,
		tracer:  otel.Tracer(tracerName),
		log:     log.With().Str("component", "http").Logger(),
	}

	if cfg.Upstream != "" {
		target, err := url.Parse(cfg.Upstream)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream: %w", err)
		}
		s.proxy = httputil.NewSingleHostReverseProxy(target)
		s.proxy.ErrorHandler = s.proxyError
	}

	s.server = &http.Server{
		Addr:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:     s,
		ReadTimeout: cfg.ReadTimeout,
	}
	return s, nil
}

// Start binds the listener and serves until Shutdown is called.
func (s *HTTPServer) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve %s: %w", s.server.Addr, err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

/*
Request workflow:
 1. Snapshot the active engine; a concurrent reload does not affect this request.
 2. Run every phase but the last in order, stopping early once an action
    answers the request. Fatal action errors become 500.
 3. Answer, proxy the rewritten request upstream, or 404.
 4. Run the last phase after the response is decided, as a log phase.
*/

// ServeHTTP implements http.Handler.
func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	engine := s.engines.Engine()
	if engine == nil {
		http.Error(w, "rules not loaded", http.StatusServiceUnavailable)
		s.observe(metrics.OutcomeError, start)
		return
	}

	x := newExchange(r)
	rc := engine.NewRequestContext(x)
	w.Header().Set("X-Request-Id", string(rc.ID))

	ctx, span := s.tracer.Start(r.Context(), "routekeeper.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.RequestURI()),
			attribute.String("net.host.name", r.Host),
			attribute.String("routekeeper.request_id", string(rc.ID)),
		),
	)
	defer span.End()

	phases := engine.Phases()
	last := types.Phase(phases.Len() - 1)

	for ph := types.Phase(0); ph < last && !x.answered; ph++ {
		if err := s.runPhase(ctx, engine, rc, ph); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "action failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			s.observe(metrics.OutcomeError, start)
			return
		}
	}

	outcome := s.respond(ctx, w, x)
	span.SetAttributes(
		attribute.String("routekeeper.outcome", outcome),
		attribute.Int("routekeeper.evaluations", rc.Evaluations()),
	)

	if err := s.runPhase(ctx, engine, rc, last); err != nil {
		span.RecordError(err)
		rc.Logger().Error().Err(err).Msg("Log phase failed after response")
	}

	s.observe(outcome, start)
}

func (s *HTTPServer) runPhase(ctx context.Context, engine *rules.Engine, rc *rules.RequestContext, ph types.Phase) error {
	name := engine.Phases().Name(ph)
	ctx, span := s.tracer.Start(ctx, "routekeeper.phase",
		trace.WithAttributes(attribute.String("routekeeper.phase", name)))
	defer span.End()

	status, err := engine.RunPhase(ctx, rc, ph)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(
		attribute.String("routekeeper.status", status.String()),
		attribute.Int("routekeeper.passes", rc.Passes()),
	)
	return nil
}

func (s *HTTPServer) respond(ctx context.Context, w http.ResponseWriter, x *exchange) string {
	switch {
	case x.answered:
		x.writeAnswer(w)
		return metrics.OutcomeResponded
	case s.proxy != nil:
		s.proxy.ServeHTTP(w, x.upstreamRequest(ctx))
		return metrics.OutcomeProxied
	default:
		http.NotFound(w, x.req)
		return metrics.OutcomeDeclined
	}
}

func (s *HTTPServer) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Warn().Err(err).Str("path", r.URL.Path).Msg("Upstream request failed")
	w.WriteHeader(http.StatusBadGateway)
}

func (s *HTTPServer) observe(outcome string, start time.Time) {
	metrics.HTTPRequests.WithLabelValues(outcome).Inc()
	metrics.HTTPDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}
