// Package gateway exposes the escrow ledger over HTTP for marketplace
// clients, freelancers, and mediators.
package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"skillancer/gateway/auth"
	"skillancer/gateway/middleware"
	"skillancer/native/escrow"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine        *escrow.Engine
	Verifier      *auth.Verifier
	WebhookSecret string
	Logger        *slog.Logger
	Observability middleware.ObservabilityConfig
	RateLimits    map[string]middleware.RateLimit
	CORS          middleware.CORSConfig
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	engine        *escrow.Engine
	verifier      *auth.Verifier
	webhookSecret []byte
	logger        *slog.Logger
	obs           *middleware.Observability
	router        http.Handler
}

// New constructs a configured HTTP router with authentication, idempotency,
// and instrumentation.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		engine:        cfg.Engine,
		verifier:      cfg.Verifier,
		webhookSecret: []byte(cfg.WebhookSecret),
		logger:        logger,
		obs:           middleware.NewObservability(cfg.Observability, logger),
	}
	srv.router = srv.buildRouter(cfg)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(middleware.CORS(cfg.CORS))

	limiter := middleware.NewRateLimiter(cfg.RateLimits)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.obs.MetricsHandler())
	r.With(s.obs.Middleware("webhooks.gateway"), limiter.Middleware("webhooks")).
		Post("/webhooks/gateway", s.handleProviderWebhook)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.verifier.Middleware)
		api.Use(limiter.Middleware("api"))

		api.Route("/escrow/{contractID}", func(er chi.Router) {
			er.With(s.obs.Middleware("escrow.summary")).Get("/", s.handleSummary)
			er.With(s.obs.Middleware("escrow.transactions")).Get("/transactions", s.handleTransactions)
			er.With(s.obs.Middleware("escrow.stats")).Get("/stats", s.handleStats)
			er.With(s.obs.Middleware("escrow.fees")).Get("/fees", s.handleFeeQuote)

			er.With(s.obs.Middleware("escrow.fund"), middleware.RequireIdempotencyKey,
				auth.RequireRole(auth.RoleClient)).Post("/fund", s.handleFund)
			er.With(s.obs.Middleware("escrow.release"), middleware.RequireIdempotencyKey,
				auth.RequireRole(auth.RoleClient, auth.RoleMediator)).Post("/release", s.handleRelease)
			er.With(s.obs.Middleware("escrow.refund"), middleware.RequireIdempotencyKey,
				auth.RequireRole(auth.RoleFreelancer, auth.RoleMediator)).Post("/refund", s.handleRefund)
			er.With(s.obs.Middleware("escrow.freeze"),
				auth.RequireRole(auth.RoleMediator)).Post("/freeze", s.handleFreeze)
			er.With(s.obs.Middleware("escrow.unfreeze"),
				auth.RequireRole(auth.RoleMediator)).Post("/unfreeze", s.handleUnfreeze)
			er.With(s.obs.Middleware("escrow.close"),
				auth.RequireRole(auth.RoleMediator)).Post("/close", s.handleCloseAccount)

			er.With(s.obs.Middleware("disputes.open"),
				auth.RequireRole(auth.RoleClient, auth.RoleFreelancer)).Post("/disputes", s.handleOpenDispute)
			er.With(s.obs.Middleware("disputes.resolve"),
				auth.RequireRole(auth.RoleMediator)).Post("/resolve-dispute", s.handleResolveDispute)
		})

		api.Route("/disputes/{disputeID}", func(dr chi.Router) {
			dr.With(s.obs.Middleware("disputes.respond"),
				auth.RequireRole(auth.RoleClient, auth.RoleFreelancer)).Post("/respond", s.handleRespondDispute)
			dr.With(s.obs.Middleware("disputes.review"),
				auth.RequireRole(auth.RoleMediator)).Post("/review", s.handleReviewDispute)
			dr.With(s.obs.Middleware("disputes.escalate"),
				auth.RequireRole(auth.RoleClient, auth.RoleFreelancer, auth.RoleMediator)).Post("/escalate", s.handleEscalateDispute)
			dr.With(s.obs.Middleware("disputes.proposal"),
				auth.RequireRole(auth.RoleClient, auth.RoleFreelancer)).Post("/proposal", s.handleProposeResolution)
			dr.With(s.obs.Middleware("disputes.accept"),
				auth.RequireRole(auth.RoleClient, auth.RoleFreelancer)).Post("/accept", s.handleAcceptResolution)
			dr.With(s.obs.Middleware("disputes.close"),
				auth.RequireRole(auth.RoleClient, auth.RoleFreelancer, auth.RoleMediator)).Post("/close", s.handleCloseDispute)
		})
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
