package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xela07ax/ledger-orchestrator/internal/agent"
	"github.com/xela07ax/ledger-orchestrator/internal/audit"
	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"github.com/xela07ax/ledger-orchestrator/internal/engine"
	"github.com/xela07ax/ledger-orchestrator/internal/infra/auth"
	"github.com/xela07ax/ledger-orchestrator/internal/orchestrator"
	"github.com/xela07ax/ledger-orchestrator/internal/resilience"
	"go.uber.org/zap"
)

// Orchestrator: оркестрация и планы (orchestrator.Orchestrator).
type Orchestrator interface {
	ExecuteWithEvents(ctx context.Context, req orchestrator.Request, tc domain.TenantContext, obs orchestrator.Observer) (orchestrator.Result, error)
	CreatePlan(ctx context.Context, command string, tc domain.TenantContext, input map[string]any) (orchestrator.Plan, error)
	GetPlan(ctx context.Context, id string, tc domain.TenantContext) (orchestrator.Plan, error)
	ExecutePlan(ctx context.Context, id string, tc domain.TenantContext, obs orchestrator.Observer) (orchestrator.Result, error)
}

// Agents: каталог агентов процесса (agent.Runtime).
type Agents interface {
	Get(id domain.AgentID) (*agent.Agent, error)
	Profiles() []domain.AgentProfile
}

// Control: остановка и запуск агентов на всех инстансах (engine.AgentControl).
type Control interface {
	Stop(ctx context.Context, id domain.AgentID) error
	Start(ctx context.Context, id domain.AgentID) error
	Stopped() []domain.AgentID
}

type AuditReader interface {
	Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
}

type Metrics interface {
	ObserveRateLimited(scope string)
}

type Deps struct {
	Orchestrator Orchestrator
	Agents       Agents
	Control      Control
	Audit        AuditReader
	Breakers     *resilience.BreakerSet
	// TenantLimiter: корзина на тенанта для всех вызовов /v1
	TenantLimiter *resilience.RateLimiter
	Metrics       Metrics
	Gatherer      prometheus.Gatherer

	Validator  auth.TokenValidator
	DevHeaders bool
	Logger     *zap.Logger
}

type Server struct {
	router *chi.Mux
	deps   Deps
	logger *zap.Logger
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		logger: deps.Logger.Named("api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(engine.TracingMiddleware)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (тенант из RS256 токена) ---
	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.deps.Validator, s.deps.DevHeaders, s.logger))
		r.Use(s.tenantRateLimit)

		// Оркестрация
		r.Post("/orchestrate", s.orchestrate)
		r.Post("/orchestrate/stream", s.orchestrateStream)

		// Планы: декомпозиция отдельно от исполнения
		r.Route("/plans", func(r chi.Router) {
			r.Post("/", s.createPlan)
			r.Get("/{id}", s.getPlan)
			r.Post("/{id}/execute", s.executePlan)
		})

		// Агенты
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", s.listAgents)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getAgent)
				r.Post("/tasks", s.executeAgentTask)
				r.With(requireRole(domain.RoleSuperAdmin)).Post("/stop", s.stopAgent)
				r.With(requireRole(domain.RoleSuperAdmin)).Post("/start", s.startAgent)
			})
		})

		// Аудит и устойчивость (Observability)
		r.Get("/audit", s.queryAudit)
		r.Get("/limits", s.limitUsage)
		r.With(requireRole(domain.RoleSuperAdmin)).Post("/limits/{tenant}/reset", s.resetLimit)
		r.Get("/breakers", s.listBreakers)
		r.With(requireRole(domain.RoleSuperAdmin)).Post("/breakers/{name}/reset", s.resetBreaker)
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("trace_id", domain.TraceID(r.Context())),
		)
	})
}
