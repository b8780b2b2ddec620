// Command livecalc-core runs a single pipeline configuration through the
// orchestration core and prints the terminal run record as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/livecalc/core/infrastructure/config"
	"github.com/livecalc/core/infrastructure/database"
	coreerrors "github.com/livecalc/core/infrastructure/errors"
	"github.com/livecalc/core/infrastructure/logging"
	"github.com/livecalc/core/infrastructure/metrics"
	"github.com/livecalc/core/infrastructure/state"
	"github.com/livecalc/core/internal/engine"
	"github.com/livecalc/core/internal/history"
	"github.com/livecalc/core/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to a pipeline configuration JSON file (required)")
	runID := flag.String("run-id", "", "run identifier; a UUID is generated when empty")
	scriptsDir := flag.String("scripts-dir", "", "directory of <name>.js files registered as script:// engines")
	redisAddr := flag.String("redis-addr", "", "Redis address for breakpoint persistence; in-memory when empty")
	metricsAddr := flag.String("metrics-addr", "", "address to serve /metrics on, e.g. :9090; disabled when empty")
	controlAddr := flag.String("control-addr", "", "address to serve the C13 inspector/control surface on; disabled when empty")
	historyDSN := flag.String("history-dsn", "", "PostgreSQL DSN for durable run-history; in-memory-only when empty")
	concurrency := flag.Int("concurrency", 0, "max concurrent node executions; 0 means unbounded")
	flag.Parse()

	if strings.TrimSpace(*configPath) == "" {
		log.Fatal("livecalc-core: -config is required")
	}

	procCfg := config.LoadCoreConfig()
	logger := logging.New("livecalc-core", procCfg.LogLevel, procCfg.LogFormat)

	id := strings.TrimSpace(*runID)
	if id == "" {
		id = uuid.New().String()
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if procCfg.MetricsEnabled {
		m = metrics.New("livecalc-core")
	}

	if strings.TrimSpace(*metricsAddr) != "" && m != nil {
		router := mux.NewRouter()
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
		srv := &http.Server{Addr: *metricsAddr, Handler: router}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithContext(rootCtx).WithError(err).Warn("metrics server stopped")
			}
		}()
		go func() {
			<-rootCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	backend, err := breakpointBackend(rootCtx, *redisAddr)
	if err != nil {
		log.Fatalf("livecalc-core: breakpoint backend: %v", err)
	}
	breakpoints, err := engine.NewBreakpointController(backend)
	if err != nil {
		log.Fatalf("livecalc-core: breakpoint controller: %v", err)
	}

	scripts := engine.NewScriptRegistry()
	if dir := strings.TrimSpace(*scriptsDir); dir != "" {
		if err := loadScripts(scripts, dir); err != nil {
			log.Fatalf("livecalc-core: load scripts: %v", err)
		}
	}

	data, err := os.ReadFile(*configPath)
	if err != nil {
		log.Fatalf("livecalc-core: read config: %v", err)
	}
	pipelineCfg, err := engine.ParsePipelineConfig(data)
	if err != nil {
		logger.LogErrorWithStack(rootCtx, err, "parse pipeline config", nil)
		os.Exit(coreerrors.ExitCode(err))
	}

	registry := server.NewRegistry()

	var historyStore engine.RunHistoryStore
	if dsn := strings.TrimSpace(*historyDSN); dsn != "" {
		db, err := database.Open(rootCtx, dsn)
		if err != nil {
			log.Fatalf("livecalc-core: connect run-history database: %v", err)
		}
		if err := database.Apply(db.DB); err != nil {
			log.Fatalf("livecalc-core: apply run-history migrations: %v", err)
		}
		historyStore = history.NewPostgresRunHistoryStore(db)
	}

	orch := engine.NewOrchestrator(engine.OrchestratorConfig{
		ServiceName:    "livecalc-core",
		Logger:         logger,
		Metrics:        m,
		NativeRegistry: engine.NewNativeRegistry(),
		ScriptRegistry: scripts,
		Breakpoints:    breakpoints,
		TimingStore:    historyStore,
		MaxConcurrency: *concurrency,
		OnAllocated: func(runID string, om *engine.OffsetMap, buf []byte) {
			registry.Register(runID, om, buf)
		},
	})

	if strings.TrimSpace(*controlAddr) != "" {
		ctrl := server.New(registry, breakpoints, orch, logger)
		ctrlSrv := &http.Server{Addr: *controlAddr, Handler: ctrl.Router()}
		go func() {
			if err := ctrlSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithContext(rootCtx).WithError(err).Warn("control surface stopped")
			}
		}()
		go func() {
			<-rootCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = ctrlSrv.Shutdown(shutdownCtx)
		}()
	}

	events := make(chan engine.OrchestratorEvent, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			registry.Publish(id, ev)
			logEvent(logger, ev)
		}
	}()

	record, runErr := orch.Run(rootCtx, id, pipelineCfg, events)
	close(events)
	<-done
	registry.Unregister(id)

	out, _ := json.MarshalIndent(record, "", "  ")
	fmt.Println(string(out))

	os.Exit(coreerrors.ExitCode(runErr))
}

func breakpointBackend(ctx context.Context, redisAddr string) (state.PersistenceBackend, error) {
	if strings.TrimSpace(redisAddr) == "" {
		return state.NewMemoryBackend(5 * time.Minute), nil
	}
	return state.NewRedisBackend(ctx, state.RedisBackendConfig{
		Addr: redisAddr,
		DB:   envInt("LIVECALC_REDIS_DB", 0),
	})
}

func loadScripts(reg *engine.ScriptRegistry, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".js") {
			return nil
		}
		src, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(filepath.Base(path), ".js")
		reg.Register(name, string(src))
		return nil
	})
}

func logEvent(logger *logging.Logger, ev engine.OrchestratorEvent) {
	switch ev.Kind {
	case engine.EventNodeStateChanged:
		entry := logger.WithContext(context.Background()).WithField("node_id", ev.NodeID).WithField("state", ev.State.String())
		if ev.Err != nil {
			entry.WithError(ev.Err).Warn("node state changed")
		} else {
			entry.Debug("node state changed")
		}
	case engine.EventPaused:
		logger.LogBreakpointEvent(context.Background(), "paused", ev.NodeID)
	case engine.EventIntegrityFailure:
		logger.WithContext(context.Background()).WithField("node_id", ev.NodeID).Warn("integrity check failed")
	case engine.EventRunComplete:
		// Terminal summary is printed to stdout by main after Run returns.
	}
}

func envInt(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
