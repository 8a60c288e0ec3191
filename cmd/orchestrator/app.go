package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/ledger-orchestrator/internal/agent"
	"github.com/xela07ax/ledger-orchestrator/internal/audit"
	"github.com/xela07ax/ledger-orchestrator/internal/connectors"
	"github.com/xela07ax/ledger-orchestrator/internal/engine"
	"github.com/xela07ax/ledger-orchestrator/internal/infra"
	"github.com/xela07ax/ledger-orchestrator/internal/llm"
	"github.com/xela07ax/ledger-orchestrator/internal/orchestrator"
	"github.com/xela07ax/ledger-orchestrator/internal/registry"
	"github.com/xela07ax/ledger-orchestrator/internal/repository/postgres"
	"github.com/xela07ax/ledger-orchestrator/internal/resilience"
	"github.com/xela07ax/ledger-orchestrator/internal/risk"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Внешние зависимости, у которых есть коннекторы
var connectorDeps = []string{
	resilience.DepPayments,
	resilience.DepBanking,
	resilience.DepAccounting,
	resilience.DepDocuments,
}

// app: все сервисы процесса. Создаются один раз при старте и передаются конструкторами.
type app struct {
	cfg    *infra.Config
	logger *zap.Logger

	promReg  *prometheus.Registry
	metrics  *engine.Metrics
	breakers *resilience.BreakerSet
	// Лимитеры: тенант на HTTP входе, default на gRPC входе, зависимость внутри коннекторов
	tenantLimiter  *resilience.RateLimiter
	defaultLimiter *resilience.RateLimiter

	registry *registry.Registry
	sink     *audit.Sink
	runtime  *agent.Runtime
	orch     *orchestrator.Orchestrator
	control  *engine.AgentControl

	rdb     redis.UniversalClient
	closers []func() error
}

func newApp(ctx context.Context, cfg *infra.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.build(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	// 1. Метрики
	a.promReg = prometheus.NewRegistry()
	a.promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = engine.NewMetrics(a.promReg)

	// 2. Устойчивость: предохранитель на зависимость, лимитеры
	a.breakers = resilience.NewBreakerSet(cfg.Breakers, logger, a.metrics.ObserveBreaker)
	a.tenantLimiter = resilience.NewRateLimiter(cfg.RateLimits.Tenant)
	a.defaultLimiter = resilience.NewRateLimiter(cfg.RateLimits.Default)
	depLimiter := resilience.NewRateLimiter(cfg.RateLimits.Dependency)

	// 3. Коннекторы: gRPC, если адрес задан, иначе мок
	conns := make(map[string]connectors.Connector, len(connectorDeps))
	for _, dep := range connectorDeps {
		var next connectors.Connector = &connectors.MockSystemsConnector{MaxLatency: 50 * time.Millisecond}
		if addr := cfg.Connectors[dep].Address; addr != "" {
			cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return fmt.Errorf("connector %s: %w", dep, err)
			}
			a.closers = append(a.closers, cc.Close)
			next = connectors.NewGRPCAdapter(cc, "ledger-orchestrator")
			logger.Info("connector configured", zap.String("dependency", dep), zap.String("address", addr))
		}
		conns[dep] = resilience.NewReliabilityWrapper(next, a.breakers.MustGet(dep), depLimiter, cfg.Reliability, logger)
	}

	// 4. Сервис рассуждений (выключен, если не сконфигурирован)
	var (
		completer llm.Completer         = llm.Disabled{}
		reasoner  orchestrator.Reasoner = llm.Disabled{}
	)
	client, err := llm.NewClient(ctx, cfg.LLM, a.breakers.MustGet(resilience.DepLLM), logger)
	switch {
	case err == nil:
		completer, reasoner = client, client
	case errors.Is(err, llm.ErrDisabled):
		logger.Warn("reasoning service disabled, composite requests cannot be decomposed", zap.Error(err))
	default:
		return err
	}

	// 5. Реестр навыков и каталог воркеров
	a.registry = registry.New(cfg.Agents.DefaultAgent, logger)
	a.registry.RegisterRoutes(registry.DefaultRoutes)
	workers, err := registry.LoadCatalog(cfg.Agents.CatalogPath)
	if err != nil {
		return err
	}
	a.registry.RegisterWorkers(workers)

	// 6. Аудит и записи о попытках: Postgres, если задан URL, иначе память
	var (
		store audit.Store = audit.NewMemoryStore()
		runs  agent.RunRecorder
	)
	if cfg.Database.URL != "" {
		db, err := postgres.Open(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		if err := migrate(ctx, db, cfg.Database.Migrate); err != nil {
			return err
		}
		store, runs = postgres.NewAuditRepo(db), postgres.NewRunRepo(db)
	}
	a.sink = audit.NewSink(store, cfg.Audit, logger, a.metrics.AuditBufferFill)
	a.sink.Start()

	// 7. Агенты
	a.runtime = agent.NewRuntime(a.registry, cfg.Agents.Options, agent.Deps{
		Audit:   a.sink,
		Runs:    runs,
		Metrics: a.metrics,
		Logger:  logger,
	})
	tk := &agent.Toolkit{
		Connectors: conns,
		LLM:        completer,
		Risk:       risk.NewAnalyzer(cfg.Risk, logger),
		Logger:     logger,
	}
	a.runtime.Register(agent.Leads(tk)...)
	a.runtime.Register(agent.Generalist(tk))
	a.runtime.Warmup()

	// 8. Оркестратор
	a.orch = orchestrator.New(orchestrator.Deps{
		Router:   a.registry,
		Agents:   a.runtime,
		Reasoner: reasoner,
		Audit:    a.sink,
		Metrics:  a.metrics,
		Logger:   logger,
	}, cfg.Orchestrator)

	// 9. Управление агентами: Redis, если задан адрес
	if cfg.Redis.Addr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		a.closers = append(a.closers, rc.Close)
		a.rdb = rc
	}
	a.control = engine.NewAgentControl(a.rdb, a.runtime, logger)
	if err := a.control.Seed(ctx, cfg.Agents.Disabled); err != nil {
		logger.Warn("seed stopped agents failed", zap.Error(err))
	}
	if err := a.control.Init(ctx); err != nil {
		return err
	}
	return nil
}

func migrate(ctx context.Context, db *sql.DB, enabled bool) error {
	if !enabled {
		return nil
	}
	return postgres.Migrate(ctx, db)
}

// close останавливает агентов, сливает аудит и закрывает соединения.
func (a *app) close() {
	if a.runtime != nil {
		a.runtime.StopAll()
	}
	if a.sink != nil {
		a.sink.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
}
