package agent

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"go.uber.org/zap"
)

// WorkerSource: откуда рантайм берет метаданные воркеров (registry.Registry).
type WorkerSource interface {
	Worker(id domain.AgentID) (domain.WorkerMetadata, bool)
}

// Runtime: каталог агентов процесса. Лиды регистрируются при старте,
// экземпляры (лиды и воркеры) создаются лениво при первой маршрутизации и кэшируются.
type Runtime struct {
	mu      sync.RWMutex
	agents  map[domain.AgentID]*Agent
	configs map[domain.AgentID]Config

	workers WorkerSource
	opts    Options
	deps    Deps
	logger  *zap.Logger
}

func NewRuntime(workers WorkerSource, opts Options, deps Deps) *Runtime {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Runtime{
		agents:  make(map[domain.AgentID]*Agent),
		configs: make(map[domain.AgentID]Config),
		workers: workers,
		opts:    opts,
		deps:    deps,
		logger:  deps.Logger.Named("runtime"),
	}
}

// Register добавляет статическую конфигурацию агента.
func (r *Runtime) Register(cfgs ...Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cfgs {
		r.configs[c.ID] = c
	}
}

// Get возвращает запущенный экземпляр агента, при необходимости создавая его.
func (r *Runtime) Get(id domain.AgentID) (*Agent, error) {
	// 1. Быстрый путь: агент уже создан
	r.mu.RLock()
	a, ok := r.agents[id]
	r.mu.RUnlock()
	if ok {
		return a, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[id]; ok {
		return a, nil
	}

	// 2. Статический агент или воркер из каталога
	cfg, ok := r.configs[id]
	if !ok {
		meta, found := r.lookupWorker(id)
		if !found {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownAgent, id)
		}
		cfg = WorkerConfig(meta)
	}

	a = New(cfg, r.opts, r.deps)
	a.Start()
	r.agents[id] = a
	r.logger.Info("agent instantiated", zap.String("agent_id", string(id)))
	return a, nil
}

func (r *Runtime) lookupWorker(id domain.AgentID) (domain.WorkerMetadata, bool) {
	if r.workers == nil {
		return domain.WorkerMetadata{}, false
	}
	return r.workers.Worker(id)
}

// Warmup создает все статически зарегистрированные агенты заранее.
func (r *Runtime) Warmup() {
	r.mu.RLock()
	ids := make([]domain.AgentID, 0, len(r.configs))
	for id := range r.configs {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		// Ошибки быть не может: конфигурация зарегистрирована
		_, _ = r.Get(id)
	}
}

// StartAgent перезапускает агента (снимает offline и error).
func (r *Runtime) StartAgent(id domain.AgentID) error {
	a, err := r.Get(id)
	if err != nil {
		return err
	}
	a.Start()
	return nil
}

// StopAgent останавливает агента; еще не созданный агент создается и сразу останавливается,
// чтобы сигнал не потерялся до первой маршрутизации.
func (r *Runtime) StopAgent(id domain.AgentID) error {
	a, err := r.Get(id)
	if err != nil {
		return err
	}
	a.Stop()
	return nil
}

// StopAll останавливает все созданные экземпляры.
func (r *Runtime) StopAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, a := range r.agents {
		r.logger.Info("stopping agent", zap.String("agent_id", string(id)))
		a.Stop()
	}
}

// Profiles: профили созданных агентов, отсортированные по id.
func (r *Runtime) Profiles() []domain.AgentProfile {
	r.mu.RLock()
	out := make([]domain.AgentProfile, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Profile())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.AgentProfile) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
