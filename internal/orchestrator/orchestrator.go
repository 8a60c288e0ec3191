package orchestrator

/*
Orchestrator: верхний уровень исполнения запросов.

- Составной запрос раскладывается Decomposer'ом, подзадачи исполняются строго последовательно
  в объявленном порядке, результаты возвращаются в том же порядке.
- Атомарный запрос маршрутизируется целиком одному агенту.
- Политика отказов: at-least-attempt. Падение подзадачи не прерывает остаток последовательности,
  итог агрегируется (completed | partial | failed).
- Ошибка задачи никогда не становится ошибкой вызова: наружу уходит только ErrEmptyCommand.
*/

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/xela07ax/ledger-orchestrator/internal/agent"
	"github.com/xela07ax/ledger-orchestrator/internal/audit"
	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"go.uber.org/zap"
)

// AgentID: от имени оркестратора пишется итоговый аудит.
const AgentID domain.AgentID = "orchestrator"

var ErrEmptyCommand = errors.New("command is required")

// Router выбирает агента по списку навыков (registry.Registry).
type Router interface {
	Resolve(caps []domain.Capability) domain.AgentID
}

// Directory отдает агента по id (agent.Runtime).
type Directory interface {
	Get(id domain.AgentID) (*agent.Agent, error)
}

type Metrics interface {
	ObserveOrchestration(status string)
}

type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

type Request struct {
	Command string `json:"command"`
	// Capabilities задает маршрут явно; такой запрос всегда атомарный
	Capabilities []domain.Capability `json:"capabilities,omitempty"`
	Input        map[string]any      `json:"input,omitempty"`
	Priority     domain.Priority     `json:"priority,omitempty"`
}

type Result struct {
	ConstellationID string              `json:"constellation_id"`
	Status          Status              `json:"status"`
	Composite       bool                `json:"composite"`
	TasksCompleted  int                 `json:"tasks_completed"`
	TasksFailed     int                 `json:"tasks_failed"`
	TasksSkipped    int                 `json:"tasks_skipped"`
	TasksTotal      int                 `json:"tasks_total"`
	Results         []domain.TaskResult `json:"results"`
	DurationMs      int64               `json:"total_duration_ms"`
	Summary         string              `json:"summary"`
	Error           string              `json:"error,omitempty"`
}

// Success: все подзадачи завершились успешно.
func (r Result) Success() bool { return r.Status == StatusCompleted }

type Options struct {
	// DelegateAttempts: сколько раз пробовать задачу при транзиентной ошибке (AgentBusy, CircuitOpen...)
	DelegateAttempts uint `mapstructure:"delegate_attempts"`
	// RetryDelay: фиксированная пауза между попытками; при 0 экспоненциальный бэкофф
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type Deps struct {
	Router   Router
	Agents   Directory
	Reasoner Reasoner
	Plans    PlanStore
	Audit    audit.Recorder
	Metrics  Metrics
	Logger   *zap.Logger
}

type Orchestrator struct {
	router     Router
	agents     Directory
	decomposer *Decomposer
	plans      PlanStore
	audit      audit.Recorder
	metrics    Metrics
	opts       Options
	logger     *zap.Logger
}

func New(deps Deps, opts Options) *Orchestrator {
	if opts.DelegateAttempts == 0 {
		opts.DelegateAttempts = 1
	}
	if deps.Plans == nil {
		deps.Plans = NewMemoryPlanStore()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		router:     deps.Router,
		agents:     deps.Agents,
		decomposer: NewDecomposer(deps.Reasoner),
		plans:      deps.Plans,
		audit:      deps.Audit,
		metrics:    deps.Metrics,
		opts:       opts,
		logger:     logger.Named("orchestrator"),
	}
}

func (o *Orchestrator) Execute(ctx context.Context, req Request, tc domain.TenantContext) (Result, error) {
	return o.ExecuteWithEvents(ctx, req, tc, nil)
}

// ExecuteWithEvents исполняет запрос и сообщает наблюдателю о каждом переходе.
func (o *Orchestrator) ExecuteWithEvents(ctx context.Context, req Request, tc domain.TenantContext, obs Observer) (Result, error) {
	if req.Command == "" && len(req.Capabilities) == 0 {
		return Result{}, ErrEmptyCommand
	}

	start := time.Now()
	cid := uuid.New().String()
	composite := len(req.Capabilities) == 0 && IsComposite(req.Command)
	log := o.logger.With(zap.String("constellation_id", cid), zap.String("tenant_id", tc.TenantID))

	obs.emit(Event{Type: EventPlanStarted, ConstellationID: cid})

	// 1. Составной запрос раскладываем, атомарный отдаем одному агенту
	var tasks []domain.TaskDescriptor
	if composite {
		var err error
		tasks, err = o.decomposer.Decompose(ctx, req.Command, tc, req.Input)
		if err != nil {
			log.Error("decomposition failed", zap.Error(err))
			return o.finish(ctx, cid, req.Command, tc, composite, nil, 0, start, obs, err), nil
		}
		log.Info("request decomposed", zap.Int("subtasks", len(tasks)))
	} else {
		tasks = []domain.TaskDescriptor{atomicTask(req, tc)}
	}

	// 2. Строго последовательно, в объявленном порядке, не прерываясь на отказах
	results := make([]domain.TaskResult, 0, len(tasks))
	for _, task := range tasks {
		results = append(results, o.runTask(ctx, cid, task, o.router.Resolve(task.RequiredCapabilities), tc, obs))
	}

	// 3. Агрегируем
	return o.finish(ctx, cid, req.Command, tc, composite, results, 0, start, obs, nil), nil
}

func atomicTask(req Request, tc domain.TenantContext) domain.TaskDescriptor {
	caps := req.Capabilities
	if len(caps) == 0 {
		caps = []domain.Capability{domain.CapabilityAny}
	}
	in := maps.Clone(req.Input)
	if in == nil {
		in = make(map[string]any, 1)
	}
	in["request"] = req.Command

	priority := req.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	name := req.Command
	if name == "" {
		name = string(caps[0])
	}
	return domain.TaskDescriptor{
		ID:                   uuid.New().String(),
		Name:                 name,
		Description:          req.Command,
		RequiredCapabilities: caps,
		Input:                in,
		TenantID:             tc.TenantID,
		Priority:             priority,
		Status:               domain.TaskPending,
		CreatedAt:            time.Now().UTC(),
	}
}

func (o *Orchestrator) runTask(ctx context.Context, cid string, task domain.TaskDescriptor, agentID domain.AgentID, tc domain.TenantContext, obs Observer) domain.TaskResult {
	obs.emit(Event{Type: EventTaskStarted, ConstellationID: cid, TaskID: task.ID, TaskName: task.Name, AgentID: agentID})

	task.Status = domain.TaskRunning
	res := o.delegate(ctx, task, agentID, tc)

	ev := Event{Type: EventTaskCompleted, ConstellationID: cid, TaskID: task.ID, TaskName: task.Name, AgentID: agentID, Task: &res}
	if !res.Success {
		ev.Type = EventTaskFailed
	}
	obs.emit(ev)
	return res
}

// delegate отдает задачу агенту; транзиентные отказы повторяются не более DelegateAttempts раз.
func (o *Orchestrator) delegate(ctx context.Context, task domain.TaskDescriptor, agentID domain.AgentID, tc domain.TenantContext) domain.TaskResult {
	a, err := o.agents.Get(agentID)
	if err != nil {
		o.logger.Warn("agent unavailable", zap.String("agent_id", string(agentID)), zap.String("task_id", task.ID), zap.Error(err))
		return domain.Failed(task.ID, agentID, err, 0)
	}

	var res domain.TaskResult
	if o.opts.DelegateAttempts <= 1 {
		return a.ExecuteTask(ctx, task, tc)
	}

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(o.opts.DelegateAttempts),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			if o.opts.RetryDelay > 0 {
				return o.opts.RetryDelay
			}
			return retry.BackOffDelay(n, err, config)
		}),
	)
	// Итог попытки всегда в res; ошибка нужна только как сигнал «повторить»
	_ = r.Do(func() error {
		res = a.ExecuteTask(ctx, task, tc)
		if res.Success || !retryableKind(res.ErrorKind) {
			return nil
		}
		return fmt.Errorf("%s: %s", res.ErrorKind, res.Error)
	})
	return res
}

func retryableKind(kind string) bool {
	switch kind {
	case "AgentBusy", "CircuitOpen", "RateLimited", "HandlerTimeout":
		return true
	}
	return false
}

func (o *Orchestrator) finish(ctx context.Context, cid, command string, tc domain.TenantContext, composite bool, results []domain.TaskResult, skipped int, start time.Time, obs Observer, cause error) Result {
	res := Result{
		ConstellationID: cid,
		Composite:       composite,
		Results:         results,
		TasksSkipped:    skipped,
		TasksTotal:      len(results) + skipped,
		DurationMs:      time.Since(start).Milliseconds(),
	}
	if res.Results == nil {
		res.Results = []domain.TaskResult{}
	}
	for _, r := range results {
		if r.Success {
			res.TasksCompleted++
		} else {
			res.TasksFailed++
		}
	}
	res.Status = aggregate(res.TasksCompleted, res.TasksFailed+res.TasksSkipped)
	res.Summary = fmt.Sprintf("Executed %d of %d tasks successfully. %d failed.", res.TasksCompleted, res.TasksTotal, res.TasksFailed)
	if skipped > 0 {
		res.Summary += fmt.Sprintf(" %d skipped.", skipped)
	}
	if cause != nil {
		res.Error = cause.Error()
		res.Summary = "Decomposition failed: " + cause.Error()
	}

	final := res
	obs.emit(Event{Type: EventPlanCompleted, ConstellationID: cid, Final: &final})

	if o.metrics != nil {
		o.metrics.ObserveOrchestration(string(res.Status))
	}
	if o.audit != nil {
		o.audit.Record(context.WithoutCancel(ctx), audit.Entry{
			TraceID:    domain.TraceID(ctx),
			TenantID:   tc.TenantID,
			UserID:     tc.UserID,
			AgentID:    AgentID,
			Action:     audit.ActionOrchestrationCompleted,
			EntityType: "constellations",
			EntityID:   cid,
			Details: map[string]any{
				"command":         command,
				"composite":       composite,
				"status":          string(res.Status),
				"tasks_total":     res.TasksTotal,
				"tasks_completed": res.TasksCompleted,
				"tasks_failed":    res.TasksFailed,
				"tasks_skipped":   res.TasksSkipped,
				"duration_ms":     res.DurationMs,
			},
		})
	}

	o.logger.Info("orchestration finished",
		zap.String("constellation_id", cid),
		zap.String("tenant_id", tc.TenantID),
		zap.String("status", string(res.Status)),
		zap.Int("completed", res.TasksCompleted),
		zap.Int("failed", res.TasksFailed),
		zap.Int64("duration_ms", res.DurationMs),
	)
	return res
}

func aggregate(completed, notCompleted int) Status {
	switch {
	case completed > 0 && notCompleted == 0:
		return StatusCompleted
	case completed > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}
