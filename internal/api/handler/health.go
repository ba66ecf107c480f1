package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/aokitashipro/pre-next-dify/internal/api/response"
	"github.com/aokitashipro/pre-next-dify/internal/llm"
)

const readyTimeout = 3 * time.Second

// Pinger is a dependency the readiness check probes
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheck returns a simple health check response
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]string{
		"status": "ok",
	})
}

// ReadyCheck pings every dependency and reports each one's state
func ReadyCheck(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		checks := make(map[string]string, len(deps))
		ready := true
		for name, dep := range deps {
			if err := dep.Ping(ctx); err != nil {
				checks[name] = err.Error()
				ready = false
				continue
			}
			checks[name] = "ok"
		}

		if !ready {
			response.Error(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not ready",
				"checks": checks,
			})
			return
		}

		response.OK(w, map[string]any{
			"status": "ready",
			"checks": checks,
		})
	}
}

// ProviderLister lists the registered chat providers
type ProviderLister interface {
	ProvidersInfo() []llm.ProviderInfo
}

// ListLLMProviders returns available chat providers
func ListLLMProviders(lister ProviderLister, defaultProvider string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.OK(w, map[string]any{
			"providers":        lister.ProvidersInfo(),
			"default_provider": defaultProvider,
		})
	}
}
