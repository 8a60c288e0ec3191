package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"github.com/xela07ax/ledger-orchestrator/internal/infra"
	"go.uber.org/zap"
)

// Controller: локальная сторона управления (рантайм агентов).
type Controller interface {
	StartAgent(id domain.AgentID) error
	StopAgent(id domain.AgentID) error
}

// AgentControl синхронизирует остановленных агентов между инстансами.
// Состояние: Redis Set (L2) + локальная мапа (L1), изменения: Pub/Sub сигналы.
// Без Redis работает только локально.
type AgentControl struct {
	mu      sync.RWMutex
	stopped map[domain.AgentID]struct{}

	rdb    redis.UniversalClient
	ctrl   Controller
	logger *zap.Logger
}

func NewAgentControl(rdb redis.UniversalClient, ctrl Controller, logger *zap.Logger) *AgentControl {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentControl{
		stopped: make(map[domain.AgentID]struct{}),
		rdb:     rdb,
		ctrl:    ctrl,
		logger:  logger.Named("agent_control"),
	}
}

// Init загружает набор остановленных агентов и приводит к нему локальный рантайм.
// Вызывается при старте и после каждого переподключения подписки.
func (c *AgentControl) Init(ctx context.Context) error {
	if c.rdb == nil {
		return nil
	}
	ids, err := c.rdb.SMembers(ctx, infra.RedisKeyStoppedAgents).Result()
	if err != nil {
		return fmt.Errorf("agent control: load stopped set: %w", err)
	}
	c.reconcile(ids)
	return nil
}

func (c *AgentControl) reconcile(ids []string) {
	want := make(map[domain.AgentID]struct{}, len(ids))
	for _, id := range ids {
		want[domain.AgentID(id)] = struct{}{}
	}

	c.mu.RLock()
	var started []domain.AgentID
	for id := range c.stopped {
		if _, ok := want[id]; !ok {
			started = append(started, id)
		}
	}
	c.mu.RUnlock()

	for id := range want {
		c.apply(Signal{AgentID: string(id), On: false})
	}
	for _, id := range started {
		c.apply(Signal{AgentID: string(id), On: true})
	}
}

// Seed заливает начальный набор остановленных агентов (agents.disabled из конфига),
// если Redis пуст. Заливает только один инстанс (SetNX-блокировка).
func (c *AgentControl) Seed(ctx context.Context, ids []domain.AgentID) error {
	// 1. Локальное состояние обновляем всегда
	for _, id := range ids {
		c.apply(Signal{AgentID: string(id), On: false})
	}
	if c.rdb == nil || len(ids) == 0 {
		return nil
	}

	// 2. Распределенная блокировка, чтобы Redis обновлял только один инстанс
	ok, err := c.rdb.SetNX(ctx, infra.RedisKeyLockSeed, "processing", 30*time.Second).Result()
	if err != nil || !ok {
		return nil
	}

	// 3. Заливаем только в пустой набор: ручные изменения операторов важнее конфига
	count, err := c.rdb.SCard(ctx, infra.RedisKeyStoppedAgents).Result()
	if err != nil {
		c.logger.Warn("could not check stopped set size, seeding anyway", zap.Error(err))
		count = 0
	}
	if count > 0 {
		return nil
	}

	c.logger.Info("seeding stopped agents", zap.Int("count", len(ids)))
	pipe := c.rdb.Pipeline()
	for _, id := range ids {
		pipe.SAdd(ctx, infra.RedisKeyStoppedAgents, string(id))
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Stop останавливает агента на всех инстансах.
func (c *AgentControl) Stop(ctx context.Context, id domain.AgentID) error {
	return c.set(ctx, Signal{AgentID: string(id), On: false})
}

// Start возвращает агента в работу на всех инстансах.
func (c *AgentControl) Start(ctx context.Context, id domain.AgentID) error {
	return c.set(ctx, Signal{AgentID: string(id), On: true})
}

func (c *AgentControl) set(ctx context.Context, s Signal) error {
	id := domain.AgentID(s.AgentID)
	// 1. Локально: заодно проверяет, что агент существует
	var err error
	if s.On {
		err = c.ctrl.StartAgent(id)
	} else {
		err = c.ctrl.StopAgent(id)
	}
	if err != nil {
		return err
	}
	c.mark(id, s.On)

	if c.rdb == nil {
		return nil
	}

	// 2. Состояние для новых и переподключившихся инстансов
	if s.On {
		err = c.rdb.SRem(ctx, infra.RedisKeyStoppedAgents, s.AgentID).Err()
	} else {
		err = c.rdb.SAdd(ctx, infra.RedisKeyStoppedAgents, s.AgentID).Err()
	}
	if err != nil {
		return fmt.Errorf("agent control: update stopped set: %w", err)
	}

	// 3. Сигнал остальным
	if err := c.rdb.Publish(ctx, infra.RedisChanAgentControl, s.String()).Err(); err != nil {
		return fmt.Errorf("agent control: publish: %w", err)
	}
	return nil
}

// Listen блокируется до отмены ctx.
func (c *AgentControl) Listen(ctx context.Context) {
	if c.rdb == nil {
		return
	}
	ListenStateResilient(ctx, c.rdb, c.logger, infra.RedisChanAgentControl, c.Init, c.apply)
}

func (c *AgentControl) apply(s Signal) {
	id := domain.AgentID(s.AgentID)
	var err error
	if s.On {
		err = c.ctrl.StartAgent(id)
	} else {
		err = c.ctrl.StopAgent(id)
	}
	if err != nil {
		if errors.Is(err, domain.ErrUnknownAgent) {
			c.logger.Warn("signal for unknown agent", zap.String("agent_id", s.AgentID))
			return
		}
		c.logger.Error("apply signal failed", zap.String("signal", s.String()), zap.Error(err))
		return
	}
	c.mark(id, s.On)
	c.logger.Info("agent state applied", zap.String("agent_id", s.AgentID), zap.Bool("on", s.On))
}

func (c *AgentControl) mark(id domain.AgentID, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		delete(c.stopped, id)
	} else {
		c.stopped[id] = struct{}{}
	}
}

func (c *AgentControl) IsStopped(id domain.AgentID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.stopped[id]
	return ok
}

// Stopped: отсортированный список остановленных агентов.
func (c *AgentControl) Stopped() []domain.AgentID {
	c.mu.RLock()
	out := make([]domain.AgentID, 0, len(c.stopped))
	for id := range c.stopped {
		out = append(out, id)
	}
	c.mu.RUnlock()
	slices.Sort(out)
	return out
}
