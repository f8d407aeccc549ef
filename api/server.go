// Package api is the HTTP surface: a thin translator from requests to
// workflow runs. One endpoint per workflow, direct worker endpoints for
// debugging, retrieval, and a health probe reporting worker reachability.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	slidewise "github.com/slidewise/slidewise"
	"github.com/slidewise/slidewise/ingest"
)

// HealthFunc probes one dependency's reachability.
type HealthFunc func(ctx context.Context) error

// Server translates HTTP requests into orchestrator and worker calls.
type Server struct {
	orch      *slidewise.Orchestrator
	registry  *slidewise.Registry
	retriever *slidewise.Retriever
	ingestor  *ingest.Ingestor
	sink      *slidewise.MemorySink
	health    map[string]HealthFunc
	logger    *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithIngestor enables inline ingestion of new_files on workflow requests.
func WithIngestor(ing *ingest.Ingestor) ServerOption {
	return func(s *Server) { s.ingestor = ing }
}

// WithRetriever enables the POST /rag/retrieve endpoint.
func WithRetriever(r *slidewise.Retriever) ServerOption {
	return func(s *Server) { s.retriever = r }
}

// WithTelemetrySink exposes the rollup under GET /v1/telemetry.
func WithTelemetrySink(sink *slidewise.MemorySink) ServerOption {
	return func(s *Server) { s.sink = sink }
}

// WithHealthCheck registers a named dependency probe for GET /health.
func WithHealthCheck(name string, fn HealthFunc) ServerOption {
	return func(s *Server) { s.health[name] = fn }
}

// WithServerLogger sets the structured logger for request-level events.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer creates the API server.
func NewServer(orch *slidewise.Orchestrator, registry *slidewise.Registry, opts ...ServerOption) *Server {
	s := &Server{
		orch:     orch,
		registry: registry,
		health:   make(map[string]HealthFunc),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.Health)
	r.POST("/v1/workflow/presentation", s.RunPresentation)
	r.POST("/v1/worker/:name", s.InvokeWorker)
	if s.retriever != nil {
		r.POST("/rag/retrieve", s.Retrieve)
	}
	if s.sink != nil {
		r.GET("/v1/telemetry", s.Telemetry)
	}
	return r
}

// Health reports dependency reachability. The endpoint returns 503 when any
// probe fails so load balancers can rotate the instance out.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	workers := make(map[string]string, len(s.health))
	healthy := true
	for name, probe := range s.health {
		if err := probe(ctx); err != nil {
			workers[name] = err.Error()
			healthy = false
			continue
		}
		workers[name] = "ok"
	}

	status := http.StatusOK
	verdict := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		verdict = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":  verdict,
		"workers": workers,
	})
}

// statusOf maps run-level error codes onto HTTP statuses.
func statusOf(code slidewise.ErrorCode) int {
	switch code {
	case slidewise.CodeValidation, slidewise.CodeBadRequest, slidewise.CodeSchema:
		return http.StatusBadRequest
	case slidewise.CodeAuth:
		return http.StatusUnauthorized
	case slidewise.CodeConflict:
		return http.StatusConflict
	case slidewise.CodeBudgetExceeded, slidewise.CodeRateLimit:
		return http.StatusTooManyRequests
	case slidewise.CodeTimeout:
		return http.StatusGatewayTimeout
	case slidewise.CodeWorkerUnavailable:
		return http.StatusServiceUnavailable
	case slidewise.CodeWorkerTransient, slidewise.CodeTransient:
		return http.StatusBadGateway
	case slidewise.CodeCancelled:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}
