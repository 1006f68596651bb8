// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon wires the workflow engine, the job and plan services,
// and the MCP processor into one runnable process. It plays the role the
// teacher's internal/daemon package plays for conductord: a single
// construction point that turns a config.Config into a serving
// http.Server, so cmd/deploygraphd/main.go stays a thin flag/signal
// shell.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tombee/deploygraph/internal/cache"
	"github.com/tombee/deploygraph/internal/checkpoint"
	"github.com/tombee/deploygraph/internal/config"
	"github.com/tombee/deploygraph/internal/engine"
	"github.com/tombee/deploygraph/internal/jobs"
	"github.com/tombee/deploygraph/internal/kv"
	"github.com/tombee/deploygraph/internal/kv/memory"
	"github.com/tombee/deploygraph/internal/kv/sqlite"
	"github.com/tombee/deploygraph/internal/mcp"
	"github.com/tombee/deploygraph/internal/plans"
	"github.com/tombee/deploygraph/internal/pubsub"
	"github.com/tombee/deploygraph/internal/ragstore"
	"github.com/tombee/deploygraph/internal/session"
	"github.com/tombee/deploygraph/internal/tracing"
	"github.com/tombee/deploygraph/internal/workflows/codegen"
	"github.com/tombee/deploygraph/internal/workflows/plan"
	"github.com/tombee/deploygraph/pkg/llm"
	"github.com/tombee/deploygraph/pkg/llm/cost"
	"github.com/tombee/deploygraph/pkg/observability"
	"go.opentelemetry.io/otel/trace"
)

// Options carries build-time metadata, mirroring the teacher's
// daemon.Options{Version, Commit, BuildDate}.
type Options struct {
	Version string
}

// Daemon owns every long-lived service this process runs: the workflow
// engines, the job/plan services, and the MCP WebSocket server. Construct
// with New, then Start/Shutdown from cmd/deploygraphd.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	httpServer *http.Server
	otel       *tracing.OTelProvider

	planEngine    *engine.Engine[plan.State]
	codegenEngine *engine.Engine[codegen.State]
}

// New constructs a Daemon from cfg. graphs and embedder are the external
// graph-store/embeddings collaborators (spec.md §1 Non-goals); either may
// be nil, in which case the RAG-dependent tool handlers report an empty
// result instead of erroring (mirrors internal/mcp/tools.go's deps.Graphs
// == nil checks).
func New(cfg *config.Config, logger *slog.Logger, graphs ragstore.GraphStore, embedder ragstore.Embedder, users session.UserStore, opts Options) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := buildKVStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("daemon: kv store: %w", err)
	}

	bus := pubsub.New(pubsub.Config{Logger: logger})

	var sessionSvc *session.Service
	if users != nil {
		sessionCache := cache.New(cache.Config{
			Store: store, KeyPrefix: "session", LRUMax: 1000, LRUTTL: 5 * time.Minute, Logger: logger,
		})
		sessionSvc = session.New(session.Config{
			Cache:     sessionCache,
			Users:     users,
			CookieTTL: cfg.Session.CookieTTL,
			JWT: session.JWTConfig{
				Secret: []byte(cfg.Session.JWTSigningKey),
			},
		})
	}

	jobCache := cache.New(cache.Config{
		Store: store, KeyPrefix: "jobs", LRUMax: cfg.Cache.L1MaxEntries, LRUTTL: cfg.Cache.L1TTL, Logger: logger,
	})

	planCP, err := checkpoint.New(checkpoint.Config[plan.State]{
		Store: store, KeyPrefix: "plan", TTL: cfg.Engine.CheckpointTTL, HeaderOf: plan.HeaderOf, SetHeader: plan.SetHeader,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: plan checkpointer: %w", err)
	}
	codegenCP, err := checkpoint.New(checkpoint.Config[codegen.State]{
		Store: store, KeyPrefix: "codegen", TTL: cfg.Engine.CheckpointTTL, HeaderOf: codegen.HeaderOf, SetHeader: codegen.SetHeader,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: codegen checkpointer: %w", err)
	}

	var otelProvider *tracing.OTelProvider
	var engineTracer trace.Tracer
	var llmTracer observability.Tracer
	var metricsCollector *tracing.MetricsCollector
	if cfg.Tracing.Enabled {
		otelProvider, err = tracing.NewOTelProvider(cfg.Tracing.ServiceName, opts.Version)
		if err != nil {
			logger.Warn("daemon: tracing disabled: failed to start OTel provider", "error", err)
		} else {
			engineTracer = otelProvider.NativeTracer("deploygraph/engine")
			llmTracer = otelProvider.Tracer("deploygraph/llm")
			metricsCollector = otelProvider.MetricsCollector()
		}
	}

	planEngine := engine.New(engine.Config[plan.State]{
		Checkpointer: planCP, Bus: bus, Logger: logger,
		HeaderOf: plan.HeaderOf, SetHeader: plan.SetHeader,
		MaxConcurrentThreads: cfg.Engine.MaxConcurrentThreads,
		MaxStepRetries:       cfg.Engine.MaxStepRetries,
		StepTimeout:          cfg.Engine.StepTimeout,
		DrainTimeout:         cfg.Engine.DrainTimeout,
		Tracer:               engineTracer,
		Metrics:              metricsCollector,
	})
	codegenEngine := engine.New(engine.Config[codegen.State]{
		Checkpointer: codegenCP, Bus: bus, Logger: logger,
		HeaderOf: codegen.HeaderOf, SetHeader: codegen.SetHeader,
		MaxConcurrentThreads: cfg.Engine.MaxConcurrentThreads,
		MaxStepRetries:       cfg.Engine.MaxStepRetries,
		StepTimeout:          cfg.Engine.StepTimeout,
		DrainTimeout:         cfg.Engine.DrainTimeout,
		Tracer:               engineTracer,
		Metrics:              metricsCollector,
	})

	provider, model, err := resolveProvider(cfg, llmTracer, metricsCollector)
	if err != nil {
		logger.Warn("daemon: no LLM provider configured; plan/codegen tool calls will fail until one is activated", "error", err)
	}

	planDef := plan.NewDefinition(provider, model)
	costStore := cost.NewMemoryStore()
	codegenDef := codegen.NewDefinition(codegen.Deps{
		Provider: provider, Model: model, Store: graphs, Embedder: embedder, CostStore: costStore,
	})

	jobsSvc := jobs.New(jobs.Config{
		Engine: codegenEngine, Checkpointer: codegenCP, Definition: codegenDef, Cache: jobCache, Bus: bus, Logger: logger,
	})
	plansSvc := plans.New(plans.Config{
		Engine: planEngine, Checkpointer: planCP, Definition: planDef, Store: graphs, Logger: logger,
	})

	registry := mcp.BuildRegistry(mcp.Deps{Jobs: jobsSvc, Plans: plansSvc, Graphs: graphs, Embedder: embedder})
	connRegistry := mcp.NewRegistry()
	processor := mcp.NewProcessor(registry, mcp.ServerInfo{Name: "deploygraphd", Version: opts.Version}, logger)
	mcpServer := mcp.NewServer(mcp.ServerConfig{Path: cfg.MCP.Path, Logger: logger}, connRegistry, processor)

	mux := http.NewServeMux()
	mux.Handle(cfg.MCP.Path, requireSession(sessionSvc, mcpServer.Handler()))
	mux.HandleFunc("/healthz", handleHealth)
	if otelProvider != nil {
		mux.Handle("/metrics", otelProvider.MetricsHandler())
	}

	return &Daemon{
		cfg:    cfg,
		logger: logger,
		httpServer: &http.Server{
			Addr:        cfg.MCP.ListenAddr,
			Handler:     mux,
			ReadTimeout: cfg.MCP.RequestTimeout,
		},
		otel:          otelProvider,
		planEngine:    planEngine,
		codegenEngine: codegenEngine,
	}, nil
}

// Start runs the HTTP/WebSocket server until it errors or ctx is
// cancelled. It returns http.ErrServerClosed (wrapped nil by Shutdown's
// caller) on a graceful Shutdown.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info("deploygraphd starting", "listen_addr", d.cfg.MCP.ListenAddr, "mcp_path", d.cfg.MCP.Path)
	errCh := make(chan error, 1)
	go func() { errCh <- d.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown drains in-flight workflow threads (bounded by
// engine.Config.DrainTimeout) and then stops the HTTP server.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.planEngine.StartDraining()
	d.codegenEngine.StartDraining()
	drainTimeout := d.cfg.Engine.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = 30 * time.Second
	}
	if err := d.planEngine.WaitForDrain(ctx, drainTimeout); err != nil {
		d.logger.Warn("daemon: plan engine did not drain in time", "error", err)
	}
	if err := d.codegenEngine.WaitForDrain(ctx, drainTimeout); err != nil {
		d.logger.Warn("daemon: codegen engine did not drain in time", "error", err)
	}
	if d.otel != nil {
		if err := d.otel.Shutdown(ctx); err != nil {
			d.logger.Warn("daemon: otel shutdown failed", "error", err)
		}
	}
	return d.httpServer.Shutdown(ctx)
}

// requireSession gates the MCP upgrade endpoint behind spec.md 4.J's
// bearer-or-cookie authentication when a UserStore was supplied to New.
// With no UserStore (the common standalone/dev configuration) the
// endpoint is unauthenticated, matching the rest of this package's
// nil-collaborator-means-skip convention.
func requireSession(svc *session.Service, next http.Handler) http.Handler {
	if svc == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if _, err := svc.AuthenticateBearer(ctx, r); err == nil {
			next.ServeHTTP(w, r)
			return
		}
		if _, err := svc.AuthenticateCookie(ctx, r); err == nil {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func buildKVStore(cfg *config.Config) (kv.Store, error) {
	switch cfg.KV.Backend {
	case "sqlite":
		return sqlite.New(sqlite.Config{Path: cfg.KV.SQLitePath})
	case "memory", "":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown kv backend %q", cfg.KV.Backend)
	}
}

// resolveProvider activates and returns the configured primary provider
// and its "balanced" tier model, following config.Config's own
// GetPrimaryProvider/GetModelForTier resolution. Providers register their
// factories via pkg/llm/providers's init(); the caller's main package
// imports that package for side effects (blank import), same as the
// teacher's own provider-activation entrypoint.
//
// When tracer is non-nil (tracing enabled in config), the returned
// provider is wrapped with tracing.WrapProviderWithMetrics so every
// Complete/Stream call gets an llm.complete/llm.stream span and reports
// to metrics's RecordLLMRequest counters.
func resolveProvider(cfg *config.Config, tracer observability.Tracer, metrics *tracing.MetricsCollector) (llm.Provider, string, error) {
	name := cfg.GetPrimaryProvider()
	if name == "" {
		return nil, "", fmt.Errorf("no provider configured")
	}
	pc, ok := cfg.Providers[name]
	if !ok {
		return nil, "", fmt.Errorf("provider %q referenced but not configured", name)
	}
	creds := llm.APIKeyCredentials{APIKey: pc.APIKey, BaseURL: pc.BaseURL}
	if err := llm.Activate(name, creds); err != nil {
		return nil, "", fmt.Errorf("activating provider %q: %w", name, err)
	}
	provider, err := llm.Get(name)
	if err != nil {
		return nil, "", err
	}
	model := cfg.GetModelForTier("balanced")
	if tracer != nil {
		provider = tracing.WrapProviderWithMetrics(provider, tracer, metrics)
	}
	return provider, model, nil
}
