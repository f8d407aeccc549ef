// Slidewise orchestrator server: loads the workflow, wires the evidence
// and state stores, worker clients, and the quality gate, and serves the
// HTTP API.
//
// Exit codes: 0 clean shutdown, 1 fatal config error, 2 port in use,
// 3 evidence store unreachable on boot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	slidewise "github.com/slidewise/slidewise"
	"github.com/slidewise/slidewise/api"
	"github.com/slidewise/slidewise/cv"
	"github.com/slidewise/slidewise/ingest"
	"github.com/slidewise/slidewise/internal/config"
	"github.com/slidewise/slidewise/observer"
	"github.com/slidewise/slidewise/store/postgres"
	"github.com/slidewise/slidewise/store/sqlite"
	"github.com/slidewise/slidewise/worker/httpjson"
)

const (
	exitOK               = 0
	exitConfig           = 1
	exitPortInUse        = 2
	exitStoreUnreachable = 3
)

// evidenceStore is the combined store contract both backends satisfy.
type evidenceStore interface {
	slidewise.EvidenceStore
	slidewise.StateStore
	Init(ctx context.Context) error
	Close() error
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", os.Getenv("SLIDEWISE_CONFIG"), "path to TOML config file")
	flag.Parse()

	cfg := config.Load(*configPath)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx := context.Background()

	// Observability first so everything downstream can attach to it.
	var (
		tracer     slidewise.Tracer
		metricSink slidewise.TelemetrySink
	)
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			logger.Error("observer init failed", "error", err)
			return exitConfig
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
		tracer = observer.NewTracer()
		metricSink = observer.NewMetricSink(inst)
	}

	// Evidence + state store, selected by URL scheme.
	store, err := openStore(ctx, cfg.Store.URL)
	if err != nil {
		logger.Error("evidence store unreachable", "url", cfg.Store.URL, "error", err)
		return exitStoreUnreachable
	}
	defer store.Close()

	// Retrieval and ingestion, co-located with the store.
	var retrieverOpts []slidewise.RetrieverOption
	var ingestorOpts []ingest.Option
	if embedURL := cfg.Workers.URLs["embed"]; embedURL != "" {
		embedder := httpjson.NewEmbedder(embedURL, httpjson.WithAPIKey(cfg.Workers.APIKey))
		retrieverOpts = append(retrieverOpts, slidewise.WithEmbedder(embedder))
		ingestorOpts = append(ingestorOpts, ingest.WithEmbedder(embedder))
	}
	retriever := slidewise.NewRetriever(store, retrieverOpts...)

	var cvClient *cv.Client
	if cfg.CV.URL != "" {
		cvClient = cv.New(cfg.CV.URL, cv.WithAPIKey(cfg.CV.APIKey), cv.WithLogger(logger))
		ingestorOpts = append(ingestorOpts, ingest.WithOCR(cvClient.OCR()))
	}
	ingestorOpts = append(ingestorOpts, ingest.WithLogger(logger))
	ingestor := ingest.NewIngestor(store, ingestorOpts...)

	// Worker registry: remote workers by config, local retrieve/ingest.
	schemas, err := slidewise.NewSchemaSet()
	if err != nil {
		logger.Error("schema set init failed", "error", err)
		return exitConfig
	}
	registry := slidewise.NewRegistry(
		slidewise.WithSchemas(schemas),
		slidewise.WithRegistryLogger(logger),
	)
	breakerCfg := slidewise.BreakerConfig{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		RecoveryTimeout:  time.Duration(cfg.Circuit.RecoverySeconds) * time.Second,
	}
	healthChecks := make(map[string]api.HealthFunc)
	for kind, url := range cfg.Workers.URLs {
		if kind == "embed" {
			continue
		}
		client := httpjson.New(kind, url,
			httpjson.WithAPIKey(cfg.Workers.APIKey),
			httpjson.WithLogger(logger))
		registry.Register(slidewise.WithBreaker(client, breakerCfg, logger))
		healthChecks[kind] = client.Health
	}
	registry.Register(retriever.AsWorker())
	registry.Register(ingestor.AsWorker())

	// Session manager over the state store.
	sessions := slidewise.NewSessionManager(store,
		slidewise.WithSessionBudget(slidewise.Budget{
			MaxTokens: cfg.Budget.MaxTokensPerTrace,
			MaxTime:   time.Duration(cfg.Budget.MaxMSPerTrace) * time.Millisecond,
		}),
		slidewise.WithSessionLogger(logger),
	)

	// Telemetry: in-memory rollup, optional event log, optional OTEL mirror.
	memSink := slidewise.NewMemorySink()
	sinks := slidewise.MultiSink{memSink}
	if cfg.Server.EventLog != "" {
		fileSink, err := slidewise.NewFileSink(cfg.Server.EventLog)
		if err != nil {
			logger.Error("event log open failed", "path", cfg.Server.EventLog, "error", err)
			return exitConfig
		}
		defer fileSink.Close()
		sinks = append(sinks, fileSink)
	}
	if metricSink != nil {
		sinks = append(sinks, metricSink)
	}

	// Engine with barrier persistence through the state store.
	engineOpts := []slidewise.EngineOption{
		slidewise.WithTelemetry(sinks),
		slidewise.WithEngineLogger(logger),
		slidewise.WithCommitter(func(ctx context.Context, state *slidewise.WorkflowState) error {
			return store.Save(ctx, state, state.Version-1)
		}),
	}
	if tracer != nil {
		engineOpts = append(engineOpts, slidewise.WithTracer(tracer))
	}
	mutations := slidewise.DefaultMutations()
	engine := slidewise.NewEngine(registry, mutations, engineOpts...)

	// The presentation workflow: declarative file when configured, built-in
	// otherwise.
	workflow, err := buildWorkflow(cfg, registry, mutations)
	if err != nil {
		logger.Error("workflow build failed", "error", err)
		return exitConfig
	}

	gateOpts := []slidewise.GateOption{slidewise.WithGateLogger(logger)}
	if cvClient != nil {
		gateOpts = append(gateOpts, slidewise.WithContrastChecker(cvClient.ContrastChecker()))
	}
	gate := slidewise.NewQualityGate(gateOpts...)

	orch := slidewise.NewOrchestrator(sessions, engine, workflow,
		slidewise.WithQualityGate(gate),
		slidewise.WithOrchestratorLogger(logger),
	)

	serverOpts := []api.ServerOption{
		api.WithIngestor(ingestor),
		api.WithRetriever(retriever),
		api.WithTelemetrySink(memSink),
		api.WithServerLogger(logger),
	}
	for name, check := range healthChecks {
		serverOpts = append(serverOpts, api.WithHealthCheck(name, check))
	}
	server := api.NewServer(orch, registry, serverOpts...)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("listen failed", "addr", addr, "error", err)
		if errors.Is(err, syscall.EADDRINUSE) {
			return exitPortInUse
		}
		return exitConfig
	}

	httpServer := &http.Server{Handler: server.Router()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()

	logger.Info("slidewise serving",
		"addr", addr,
		"store", cfg.Store.URL,
		"workers", len(cfg.Workers.URLs))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
		return exitOK
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return exitOK
		}
		logger.Error("server failed", "error", err)
		return exitConfig
	}
}

// openStore selects the backend by URL scheme: "sqlite:path" or a
// "postgres://" DSN. The store must be reachable and migrated on boot.
func openStore(ctx context.Context, url string) (evidenceStore, error) {
	switch {
	case strings.HasPrefix(url, "sqlite:"):
		s := sqlite.New(strings.TrimPrefix(url, "sqlite:"))
		if err := s.Init(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		s, err := postgres.Open(ctx, url)
		if err != nil {
			return nil, err
		}
		if err := s.Init(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported evidence store url %q", url)
}

func buildWorkflow(cfg config.Config, registry *slidewise.Registry, mutations *slidewise.MutationRegistry) (*slidewise.Workflow, error) {
	inputs := slidewise.DefaultInputs()
	preds := slidewise.DefaultPredicates()
	if cfg.Workflow.Definition == "" {
		return slidewise.BuildPresentationWorkflow(mutations, inputs, preds)
	}
	def, err := slidewise.LoadDefinition(cfg.Workflow.Definition)
	if err != nil {
		return nil, err
	}
	return slidewise.FromDefinition(def, slidewise.DefinitionRegistry{
		Workers:    registry,
		Mutations:  mutations,
		Inputs:     inputs,
		Predicates: preds,
	})
}
