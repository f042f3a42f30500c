// Package api assembles the HTTP surface: middleware chain, route table and
// the handlers behind it.
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"go.uber.org/zap"

	"github.com/veltrix/compengine/internal/api/handler"
	"github.com/veltrix/compengine/internal/api/middleware"
	"github.com/veltrix/compengine/internal/api/spec"
	"github.com/veltrix/compengine/internal/approval"
	"github.com/veltrix/compengine/internal/config"
	"github.com/veltrix/compengine/internal/engine"
	"github.com/veltrix/compengine/internal/graph"
	"github.com/veltrix/compengine/internal/idempotency"
	"github.com/veltrix/compengine/internal/ledger"
	"github.com/veltrix/compengine/internal/models"
	"github.com/veltrix/compengine/internal/orchestrator"
	"github.com/veltrix/compengine/internal/settings"
	"github.com/veltrix/compengine/internal/store"
)

// Deps carries everything the route table needs. db and redis are optional
// and only feed the readiness probe.
type Deps struct {
	Config    *config.Config
	Logger    *zap.Logger
	Store     store.Store
	DB        *pgxpool.Pool
	Redis     redis.Cmdable
	IdemStore *idempotency.Store

	Graph        *graph.Graph
	Ledger       *ledger.Ledger
	Settings     *settings.Service
	Purchase     *engine.PurchaseService
	Rank         *engine.RankEngine
	Orchestrator *orchestrator.Orchestrator
	Approval     *approval.Service
}

type Router struct {
	deps Deps
}

func NewRouter(deps Deps) *Router {
	return &Router{deps: deps}
}

func (api *Router) Routes() chi.Router {
	d := api.deps
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.RecoverMiddleware(d.Logger))
	r.Use(middleware.LoggingMiddleware(d.Logger))
	r.Use(middleware.MetricsMiddleware)

	authHandler := handler.NewAuthHandler(d.Store)
	healthHandler := handler.NewHealthHandler(d.DB, d.Redis)
	memberHandler := handler.NewMemberHandler(d.Graph, d.Ledger, d.Store)
	packageHandler := handler.NewPackageHandler(d.Purchase, d.Settings, d.Store)
	settingsHandler := handler.NewSettingsHandler(d.Settings)
	runHandler := handler.NewRunHandler(d.Orchestrator)
	requestHandler := handler.NewRequestHandler(d.Approval)
	rankHandler := handler.NewRankHandler(d.Rank, d.Store)

	// Operational endpoints
	r.Get("/healthz", healthHandler.Live)
	r.Get("/readyz", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/openapi.yaml", spec.OpenAPIHandler())
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))

	// Public routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(d.Config.PublicRateLimitRPS))
		r.Post("/v1/auth/login", authHandler.Login)
	})

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.AuthRateLimiter(d.Config.AuthRateLimitRPS))

		idem := middleware.IdempotencyMiddleware(d.IdemStore, d.Logger)

		// Member self-service
		r.Get("/v1/members/{id}", memberHandler.Get)
		r.Get("/v1/members/{id}/balance", memberHandler.GetBalance)
		r.Get("/v1/members/{id}/statement", memberHandler.GetStatement)
		r.Get("/v1/members/{id}/downline", memberHandler.GetDownline)
		r.Get("/v1/members/{id}/packages", packageHandler.ListByMember)
		r.Get("/v1/packages/{id}", packageHandler.Get)
		r.With(idem).Post("/v1/packages", packageHandler.Purchase)
		r.With(idem).Post("/v1/deposits", requestHandler.Create(models.DirectionDeposit))
		r.With(idem).Post("/v1/withdrawals", requestHandler.Create(models.DirectionWithdrawal))

		// Back office
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleAdmin))

			r.Post("/v1/members", memberHandler.Enroll)
			r.Get("/v1/members", memberHandler.List)
			r.Post("/v1/members/{id}/place", memberHandler.Place)
			r.Post("/v1/members/{id}/kyc", memberHandler.SetKYC)

			r.Get("/v1/settings", settingsHandler.Get)
			r.Put("/v1/settings", settingsHandler.Put)

			r.Post("/v1/runs/preview", runHandler.Preview)
			r.With(idem).Post("/v1/runs", runHandler.Execute)
			r.Get("/v1/runs", runHandler.List)
			r.Get("/v1/runs/{id}", runHandler.Get)

			r.Get("/v1/deposits", requestHandler.List(models.DirectionDeposit))
			r.Get("/v1/withdrawals", requestHandler.List(models.DirectionWithdrawal))
			r.With(idem).Post("/v1/deposits/{id}/approve", requestHandler.Approve)
			r.With(idem).Post("/v1/deposits/{id}/reject", requestHandler.Reject)
			r.With(idem).Post("/v1/withdrawals/{id}/approve", requestHandler.Approve)
			r.With(idem).Post("/v1/withdrawals/{id}/reject", requestHandler.Reject)
			r.With(idem).Post("/v1/withdrawals/batch-approve", requestHandler.BatchApprove)
			r.With(idem).Post("/v1/adjustments", requestHandler.ManualAdjust)

			r.Get("/v1/ranks/achievements", rankHandler.ListAchievements)
			r.With(idem).Post("/v1/ranks/achievements/{id}/pay", rankHandler.PayReward)
			r.With(idem).Post("/v1/ranks/achievements/{id}/cancel", rankHandler.CancelReward)
			r.With(idem).Post("/v1/ranks/adjust", rankHandler.AdjustRank)
		})
	})

	return r
}
