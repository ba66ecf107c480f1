package api

import (
	"net/http"

	"github.com/aokitashipro/pre-next-dify/internal/api/handler"
	customMiddleware "github.com/aokitashipro/pre-next-dify/internal/api/middleware"
	"github.com/aokitashipro/pre-next-dify/internal/chatstate"
	"github.com/aokitashipro/pre-next-dify/internal/config"
	"github.com/aokitashipro/pre-next-dify/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Deps are the services and probes the router serves
type Deps struct {
	Tokens    customMiddleware.TokenValidator
	Limiter   customMiddleware.Limiter
	Chat      *service.ChatService
	Workspace *service.WorkspaceService
	Usage     *service.UsageService
	Billing   *service.BillingService
	Probes    map[string]handler.Pinger
}

// NewRouter creates and configures the HTTP router
func NewRouter(cfg *config.Config, deps Deps) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(customMiddleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Stripe-Signature"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	limits := chatstate.FileLimits{
		MaxFiles:    cfg.Upload.MaxFiles,
		MaxFileSize: int64(cfg.Upload.MaxFileSizeMB) << 20,
	}

	var gate service.UsageGate
	if deps.Usage != nil {
		gate = deps.Usage
	}

	chatHandler := handler.NewChatHandler(deps.Chat, gate, limits)
	workspaceHandler := handler.NewWorkspaceHandler(deps.Workspace, limits)
	workflowHandler := handler.NewWorkflowHandler(deps.Chat)
	billingHandler := handler.NewBillingHandler(deps.Billing)

	authMiddleware := customMiddleware.NewAuthMiddleware(deps.Tokens)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", handler.HealthCheck)
		r.Get("/ready", handler.ReadyCheck(deps.Probes))

		// Signed by the payment provider, not by a user token
		r.Post("/billing/webhook", billingHandler.Webhook)

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)
			if deps.Limiter != nil {
				r.Use(customMiddleware.NewRateLimitMiddleware(deps.Limiter).Limit)
			}

			// Long-lived streams are exempt from the request timeout
			r.Get("/workspace/events", workspaceHandler.Events)
			r.Post("/workflows/run", workflowHandler.Run)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(cfg.Server.MiddlewareTimeout))

				r.Get("/llm-providers", handler.ListLLMProviders(deps.Chat, cfg.LLM.DefaultProvider))

				r.Post("/chat", chatHandler.Chat)
				r.Get("/conversations", chatHandler.ListConversations)
				r.Get("/conversations/{conversationID}/messages", chatHandler.Messages)

				if deps.Usage != nil {
					r.Get("/usage", handler.NewUsageHandler(deps.Usage).Summary)
				}

				r.Get("/workspace", workspaceHandler.Get)
				r.Post("/workspace/messages", workspaceHandler.Submit)
				r.Post("/workspace/new", workspaceHandler.New)
				r.Post("/workspace/conversations/{conversationID}/open", workspaceHandler.Open)

				r.Post("/workflows/tasks/{taskID}/stop", workflowHandler.Stop)

				r.Post("/billing/checkout", billingHandler.Checkout)
				r.Post("/billing/portal", billingHandler.Portal)
			})
		})
	})

	return r
}
