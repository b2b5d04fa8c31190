package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strings"
)

// ProfilingConfig gates the pprof endpoints. Enabled must stay false outside
// development; Profiling checks the environment and refuses production
// regardless of the flag.
type ProfilingConfig struct {
	Enabled     bool
	Environment string
}

// Profiling exposes the runtime pprof handlers under /debug/pprof/ for
// development diagnosis (goroutine pile-ups in the hub, queue drain stalls,
// fan-out allocation profiles). When disabled, or when the environment is
// production, it returns next untouched.
func Profiling(config ProfilingConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !config.Enabled {
			return next
		}
		if config.Environment == "production" || config.Environment == "prod" {
			slog.Error("refusing to enable profiling in a production environment",
				"environment", config.Environment)
			return next
		}

		slog.Warn("pprof endpoints enabled",
			"environment", config.Environment,
			"prefix", "/debug/pprof/")

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/debug/pprof") {
				next.ServeHTTP(w, r)
				return
			}
			switch r.URL.Path {
			case "/debug/pprof/cmdline":
				pprof.Cmdline(w, r)
			case "/debug/pprof/profile":
				pprof.Profile(w, r)
			case "/debug/pprof/symbol":
				pprof.Symbol(w, r)
			case "/debug/pprof/trace":
				pprof.Trace(w, r)
			default:
				// Index serves /debug/pprof/ itself plus the named
				// profiles (heap, goroutine, block, mutex, allocs).
				pprof.Index(w, r)
			}
		})
	}
}

// ProfilingStatus reports the profiling configuration as JSON, for ops
// checks that profiling really is off where it should be.
func ProfilingStatus(config ProfilingConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "disabled"
		if config.Enabled {
			status = "enabled"
		}
		resp := struct {
			ProfilingEnabled bool   `json:"profiling_enabled"`
			Environment      string `json:"environment"`
			Status           string `json:"status"`
		}{config.Enabled, config.Environment, status}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.Error("failed to write profiling status", "error", err)
		}
	}
}
