package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/polyrun/polyrun/async"
	"github.com/polyrun/polyrun/engine"
	"github.com/polyrun/polyrun/internal/logging"
	"github.com/polyrun/polyrun/value"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for block execution",
	Long: `Start an HTTP server exposing block execution.

Endpoints:
  POST /execute     Execute a block entry point
  GET  /languages   List configured languages
  GET  /health      Health check
  GET  /metrics     Prometheus metrics (pool gauges and task counters)`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

type executeRequest struct {
	BlockID string            `json:"block_id"`
	Lang    string            `json:"lang"`
	Source  string            `json:"source"`
	Entry   string            `json:"entry"`
	Args    []json.RawMessage `json:"args,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
}

type executeResponse struct {
	Result     json.RawMessage `json:"result,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	Error      string          `json:"error,omitempty"`
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		fatal(err)
	}
	listen := cfg.Listen
	if flagListen, _ := cmd.Flags().GetString("listen"); flagListen != "" {
		listen = flagListen
	}

	promReg := prometheus.NewRegistry()
	metrics := async.NewMetrics(promReg)

	env, err := buildEnv(cfg, log, "", engine.WithPoolOptions(async.WithMetrics(metrics)))
	if err != nil {
		fatal(err)
	}
	defer env.Close()

	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateLimit)+1)
	mux := newServeMux(env, log, promReg, limiter)

	log.Info("polyrun server listening", "addr", listen)
	if err := http.ListenAndServe(listen, mux); err != nil {
		fatal(err)
	}
}

// newServeMux assembles the HTTP surface over a built runtime environment.
func newServeMux(env *runtimeEnv, log *slog.Logger, promReg *prometheus.Registry, limiter *rate.Limiter) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/languages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(env.engine.Registry().Languages())
	})

	mux.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		reqID := uuid.NewString()
		ctx := logging.WithRequestID(r.Context(), reqID)
		reqLog := logging.FromContext(ctx, log)

		var req executeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Source == "" || req.Lang == "" || req.Entry == "" {
			http.Error(w, "source, lang and entry required", http.StatusBadRequest)
			return
		}
		if req.BlockID == "" {
			req.BlockID = reqID
		}

		callArgs := make([]value.Value, 0, len(req.Args))
		for _, raw := range req.Args {
			v, err := value.Decode(raw)
			if err != nil {
				http.Error(w, fmt.Sprintf("invalid argument: %v", err), http.StatusBadRequest)
				return
			}
			callArgs = append(callArgs, v)
		}

		var timeout time.Duration
		if req.Timeout != "" {
			if d, err := time.ParseDuration(req.Timeout); err == nil {
				timeout = d
			}
		}

		block := engine.Block{ID: req.BlockID, Language: req.Lang, Source: req.Source}
		start := time.Now()
		result, err := env.engine.CallBlock(ctx, block, req.Entry, callArgs, timeout)
		duration := time.Since(start)

		resp := executeResponse{DurationMs: duration.Milliseconds()}
		if err != nil {
			reqLog.Warn("execute failed", "block", req.BlockID, "lang", req.Lang, "err", err)
			resp.Error = err.Error()
		} else {
			data, merr := json.Marshal(result)
			if merr != nil {
				resp.Error = merr.Error()
			} else {
				resp.Result = data
			}
			reqLog.Info("execute finished", "block", req.BlockID, "lang", req.Lang, "duration", duration)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	return mux
}
