// aide agent server — runs the orchestration core behind the operational
// HTTP API and the websocket event stream.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aide-run/aide/pkg/api"
	"github.com/aide-run/aide/pkg/audit"
	"github.com/aide-run/aide/pkg/bus"
	"github.com/aide-run/aide/pkg/config"
	"github.com/aide-run/aide/pkg/database"
	"github.com/aide-run/aide/pkg/executor"
	"github.com/aide-run/aide/pkg/metrics"
	"github.com/aide-run/aide/pkg/oracle"
	"github.com/aide-run/aide/pkg/orchestrator"
	"github.com/aide-run/aide/pkg/permission"
	"github.com/aide-run/aide/pkg/planner"
	"github.com/aide-run/aide/pkg/recovery"
	"github.com/aide-run/aide/pkg/registry"
	"github.com/aide-run/aide/pkg/routing"
	"github.com/aide-run/aide/pkg/tasks"
	"github.com/aide-run/aide/pkg/version"
)

// journalCapacity bounds the bus catch-up journal.
const journalCapacity = 1024

func main() {
	envPath := flag.String("env-file", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	slog.Info("Starting aide", "version", version.Full())

	ctx := context.Background()
	logger := slog.Default()

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Metrics registry
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	// 3. Audit store: PostgreSQL when DB_HOST is configured, in-memory
	// otherwise. The in-memory store loses history on restart but keeps the
	// runtime fully functional.
	var auditStore audit.Store
	var dbClient *database.Client
	if os.Getenv("DB_HOST") != "" {
		dbConfig, err := database.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		dbClient, err = database.NewClient(ctx, dbConfig)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()
		auditStore = audit.NewPostgresStore(dbClient.DB())
		slog.Info("Connected to PostgreSQL database")
	} else {
		auditStore = audit.NewMemoryStore()
		slog.Warn("DB_HOST not set, using in-memory audit store")
	}
	auditLog := audit.NewLog(auditStore, cfg.Audit, nil, m)

	// 4. Event bus
	eventBus := bus.New(journalCapacity, m)

	// 5. Language oracle. Without an API key the scripted stub answers, so
	// the runtime stays usable offline.
	var languageOracle oracle.Oracle
	oracleConfigured := cfg.Oracle.APIKey != ""
	if oracleConfigured {
		languageOracle = oracle.NewOpenAIOracle(cfg.Oracle, m, logger)
		slog.Info("Oracle initialized", "model", cfg.Oracle.Model)
	} else {
		languageOracle = &oracle.ScriptOracle{}
		slog.Warn("ORACLE_API_KEY not set, using scripted oracle")
	}

	// 6. Core components
	toolRegistry := registry.New()
	recoveryManager := recovery.NewManager(cfg.Health, nil, m, logger)
	recoveryManager.RegisterComponent("orchestrator", recovery.KindInfrastructure)
	recoveryManager.RegisterComponent("registry", recovery.KindInfrastructure)
	recoveryManager.RegisterComponent("audit", recovery.KindInfrastructure)
	recoveryManager.RegisterComponent("bus", recovery.KindInfrastructure)
	recoveryManager.RegisterComponent("classifier", recovery.KindService)
	recoveryManager.RegisterComponent("planner", recovery.KindService)

	gate := permission.NewGate(eventBus, auditLog, cfg.Permission, nil, m, logger)
	classifier := routing.New(toolRegistry, languageOracle, cfg.Routing, nil, m, logger)
	plnr := planner.New(toolRegistry, languageOracle, nil, logger)
	exec := executor.New(toolRegistry, gate, languageOracle, eventBus, auditLog,
		cfg.Executor, nil, m, logger)
	taskManager := tasks.NewManager(eventBus, cfg.Tasks, nil, m, logger)

	orch := orchestrator.New(orchestrator.Deps{
		Registry:   toolRegistry,
		Oracle:     languageOracle,
		Classifier: classifier,
		Planner:    plnr,
		Executor:   exec,
		Tasks:      taskManager,
		Gate:       gate,
		Recovery:   recoveryManager,
		Bus:        eventBus,
		Audit:      auditLog,
		Logger:     logger,
	})
	orch.Start(ctx)

	// 7. Health monitor: database probe when configured, oracle probe only
	// when a real provider is wired.
	monitor := recovery.NewMonitor(recoveryManager, cfg.Health, logger)
	if dbClient != nil {
		monitor.RegisterProbe(recovery.ProbeFunc{
			ProbeName: "database",
			Fn: func(ctx context.Context) error {
				_, err := database.Health(ctx, dbClient.DB())
				return err
			},
		})
	}
	if oracleConfigured {
		monitor.RegisterProbe(recovery.ProbeFunc{
			ProbeName: "oracle",
			Fn:        languageOracle.Probe,
		})
	}
	monitor.Start(ctx)

	// 8. HTTP server
	hub := api.NewHub(eventBus, cfg.HTTP.WSWriteTimeout, logger)
	server := api.NewServer(orch, recoveryManager, toolRegistry, auditLog, dbClient,
		hub, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}), logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("aide started successfully", "tools", toolRegistry.Len())

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: stop HTTP intake first, then the monitor, then
	// drain the orchestrator (which flushes the audit sweeper and closes the
	// bus last).
	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	monitor.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Orchestrator shutdown incomplete", "error", err)
	}

	slog.Info("Shutdown complete")
}
