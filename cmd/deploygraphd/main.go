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

// Command deploygraphd runs the workflow engine, job/plan services and
// MCP WebSocket endpoint as a single long-lived process. It is a thin
// flag/signal shell around internal/daemon.Daemon, mirroring the
// teacher's cmd/conductord/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tombee/deploygraph/internal/config"
	"github.com/tombee/deploygraph/internal/daemon"
	"github.com/tombee/deploygraph/internal/log"

	// Registers built-in LLM provider factories (Anthropic, ...) with
	// pkg/llm's global registry as a side effect of import.
	_ "github.com/tombee/deploygraph/pkg/llm/providers"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to deploygraphd config YAML")
		listenAddr  = flag.String("listen", "", "HTTP/WebSocket listen address (overrides config)")
		mcpPath     = flag.String("mcp-path", "", "MCP WebSocket path (overrides config)")
		kvBackend   = flag.String("kv-backend", "", "KV store backend: memory or sqlite (overrides config)")
		sqlitePath  = flag.String("sqlite-path", "", "SQLite database path when kv-backend=sqlite")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("deploygraphd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	if *listenAddr != "" {
		cfg.MCP.ListenAddr = *listenAddr
	}
	if *mcpPath != "" {
		cfg.MCP.Path = *mcpPath
	}
	if *kvBackend != "" {
		cfg.KV.Backend = *kvBackend
	}
	if *sqlitePath != "" {
		cfg.KV.SQLitePath = *sqlitePath
	}

	// The graph store, embeddings provider, and user store are external
	// collaborators out of scope per spec.md §1 Non-goals; daemon.New
	// accepts nil for each and degrades the dependent tool handlers and
	// auth gate accordingly.
	d, err := daemon.New(cfg, logger, nil, nil, nil, daemon.Options{Version: version})
	if err != nil {
		logger.Error("failed to construct daemon", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Engine.DrainTimeout+10*time.Second)
		defer shutdownCancel()
		if err := d.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during shutdown", slog.Any("error", err))
			os.Exit(1)
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("daemon error", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
