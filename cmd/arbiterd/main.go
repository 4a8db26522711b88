// Command arbiterd runs the arbiter orchestrator behind a minimal HTTP
// adapter. The HTTP surface is deliberately thin: each handler maps a
// request onto one orchestrator operation and serializes the result. Richer
// protocol adapters (MCP, RPC) follow the same pattern out of tree.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/arbiterhq/orchestrator/arbitration"
	"github.com/arbiterhq/orchestrator/config"
	"github.com/arbiterhq/orchestrator/core"
	"github.com/arbiterhq/orchestrator/logger"
	"github.com/arbiterhq/orchestrator/orchestrator"
	"github.com/arbiterhq/orchestrator/telemetry"
)

func main() {
	var (
		listenAddr = flag.String("listen", ":8080", "HTTP listen address")
		configPath = flag.String("config", "", "optional YAML config file")
		logLevel   = flag.String("log-level", "", "log level (DEBUG, INFO, WARN, ERROR)")
	)
	flag.Parse()

	log := logger.New(*logLevel)

	if err := run(log, *listenAddr, *configPath); err != nil {
		log.Error("arbiterd exited with error", logger.F("error", err.Error()))
		os.Exit(1)
	}
}

func run(log *logger.StructuredLogger, listenAddr, configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadYAML(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tel, err := telemetry.Init(ctx, "arbiterd")
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			log.Warn("telemetry shutdown failed", logger.F("error", err.Error()))
		}
	}()

	var stores *orchestrator.Stores
	var closers []func() error
	if cfg.Persistence.Enabled {
		stores, closers, err = orchestrator.NewRedisStores(ctx, cfg.Persistence.RedisURL, log)
		if err != nil {
			return fmt.Errorf("connect persistence: %w", err)
		}
	}

	orch, err := orchestrator.New(ctx, cfg, log, stores, tel)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}
	orch.AttachClosers(closers...)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/v1/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, orch.GetStatus())
	})
	mux.HandleFunc("/v1/tasks/validate", func(w http.ResponseWriter, r *http.Request) {
		var spec orchestrator.TaskSpec
		if !decodeJSON(w, r, &spec) {
			return
		}
		writeJSON(w, http.StatusOK, orch.Validate(&spec))
	})
	mux.HandleFunc("/v1/tasks/assign", func(w http.ResponseWriter, r *http.Request) {
		var spec orchestrator.TaskSpec
		if !decodeJSON(w, r, &spec) {
			return
		}
		result, err := orch.AssignTask(r.Context(), &spec)
		if err != nil {
			writeJSON(w, statusFor(err), result)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})
	mux.HandleFunc("/v1/tasks/progress", func(w http.ResponseWriter, r *http.Request) {
		taskID := r.URL.Query().Get("task_id")
		report, err := orch.MonitorProgress(taskID, 0)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	})
	mux.HandleFunc("/v1/violations", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Violation *arbitration.Violation `json:"violation"`
			Rules     []arbitration.Rule     `json:"rules"`
		}
		if !decodeJSON(w, r, &body) {
			return
		}
		session, verdict, err := orch.ReportViolation(r.Context(), body.Violation, body.Rules)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"session_id": session.SessionID,
			"state":      session.State,
			"verdict":    verdict,
		})
	})

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           otelhttp.NewHandler(mux, "arbiterd"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("arbiterd listening", logger.F("addr", listenAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown failed", logger.F("error", err.Error()))
	}
	orch.Shutdown(shutdownCtx)
	return nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// statusFor maps error kinds onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case core.IsNotFound(err):
		return http.StatusNotFound
	case core.IsSaturation(err):
		return http.StatusTooManyRequests
	case core.IsUnauthorized(err):
		return http.StatusForbidden
	case core.IsInvalidTransition(err):
		return http.StatusConflict
	default:
		if kind, ok := core.KindOf(err); ok && kind == core.KindPrecondition {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	}
}
