package agent

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/ledger-orchestrator/internal/audit"
	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"go.uber.org/zap"
)

// Handler: обработчик конкретного навыка агента.
type Handler func(ctx context.Context, tc domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error)

// RunRecorder сохраняет запись о попытке исполнения (insert_run). Best-effort.
type RunRecorder interface {
	InsertRun(ctx context.Context, run domain.AgentRun) error
}

// Metrics: наблюдатель за завершенными задачами (engine.Metrics).
type Metrics interface {
	ObserveTask(agentID domain.AgentID, res domain.TaskResult, d time.Duration)
}

// Config описывает агента: профиль и таблицу обработчиков.
type Config struct {
	ID           domain.AgentID
	Name         string
	Description  string
	Capabilities []domain.Capability
	Metadata     map[string]any

	// Handlers: навык -> обработчик. Выбирается первый навык задачи, для которого есть обработчик.
	Handlers map[domain.Capability]Handler
	// Fallback вызывается, если ни для одного навыка задачи нет обработчика
	Fallback Handler
}

type Options struct {
	// TaskTimeout: предел на вызов обработчика (0: только дедлайн вызывающего)
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	// FaultThreshold: сколько подряд сбоев обработчика переводят агента в error (0: никогда)
	FaultThreshold int `mapstructure:"fault_threshold"`
}

// Deps: общие сервисы процесса, передаются при сборке.
type Deps struct {
	Audit   audit.Recorder
	Runs    RunRecorder
	Metrics Metrics
	Logger  *zap.Logger
}

// Agent исполняет задачи строго по одной: второй вызов ждет освобождения слота.
type Agent struct {
	cfg    Config
	opts   Options
	deps   Deps
	logger *zap.Logger

	// slot: единственный слот исполнения (мьютекс, который умеет ждать с учетом ctx)
	slot chan struct{}

	mu           sync.RWMutex
	status       domain.AgentStatus
	currentTask  string
	tenant       *domain.TenantContext
	stopped      bool
	faults       int
	lastActivity time.Time
}

func New(cfg Config, opts Options, deps Deps) *Agent {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.Handlers == nil {
		cfg.Handlers = map[domain.Capability]Handler{}
	}
	return &Agent{
		cfg:     cfg,
		opts:    opts,
		deps:    deps,
		logger:  deps.Logger.Named("agent").With(zap.String("agent_id", string(cfg.ID))),
		slot:    make(chan struct{}, 1),
		status:  domain.AgentOffline,
		stopped: true,
	}
}

func (a *Agent) ID() domain.AgentID { return a.cfg.ID }

// Start переводит агента в idle. Идемпотентен; снимает состояние error.
func (a *Agent) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopped = false
	a.faults = 0
	// Задача, принятая до Stop, еще может исполняться: статус вернется в idle по ее завершении
	if a.status != domain.AgentBusy {
		a.status = domain.AgentIdle
	}
	a.logger.Info("agent ready")
}

// Stop переводит агента в offline. Принятая задача доисполняется,
// новые отклоняются сразу после возврата из Stop.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopped = true
	if a.status != domain.AgentBusy {
		a.status = domain.AgentOffline
	}
	a.logger.Info("agent stopped")
}

// Profile: снимок профиля для вызывающих; сам профиль меняет только агент.
func (a *Agent) Profile() domain.AgentProfile {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return domain.AgentProfile{
		ID:           a.cfg.ID,
		Name:         a.cfg.Name,
		Description:  a.cfg.Description,
		Capabilities: append([]domain.Capability(nil), a.cfg.Capabilities...),
		Status:       a.status,
		CurrentTask:  a.currentTask,
		Metadata:     maps.Clone(a.cfg.Metadata),
		LastActivity: a.lastActivity,
	}
}

// Tenant возвращает контекст тенанта, привязанный на время текущего вызова.
func (a *Agent) Tenant() (domain.TenantContext, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.tenant == nil {
		return domain.TenantContext{}, false
	}
	return *a.tenant, true
}

// ExecuteTask: единственная точка исполнения. Никогда не возвращает ошибку:
// любой отказ превращается в TaskResult{Success: false}.
func (a *Agent) ExecuteTask(ctx context.Context, task domain.TaskDescriptor, tc domain.TenantContext) domain.TaskResult {
	start := time.Now()

	// 0. Агент должен быть запущен и не в состоянии error
	if err := a.admissionErr(); err != nil {
		return a.reject(ctx, task, tc, err, start)
	}

	// 0.1 Захватываем слот исполнения (BLOCK до освобождения или отмены вызывающим)
	select {
	case a.slot <- struct{}{}:
	case <-ctx.Done():
		return a.reject(ctx, task, tc, fmt.Errorf("%w: %s: %w", domain.ErrAgentBusy, a.cfg.ID, ctx.Err()), start)
	}
	// Пока ждали слот, агента могли остановить
	if err := a.admissionErr(); err != nil {
		<-a.slot
		return a.reject(ctx, task, tc, err, start)
	}

	// 1-2. Привязываем тенанта и переходим в busy
	a.mu.Lock()
	a.tenant = &tc
	a.status = domain.AgentBusy
	a.currentTask = task.ID
	a.mu.Unlock()

	a.logger.Debug("executing task",
		zap.String("task_id", task.ID),
		zap.String("task_name", task.Name),
		zap.String("tenant_id", tc.TenantID),
	)

	// 3-5. Валидация и вызов обработчика
	output, handlerFault, err := a.run(domain.WithTenant(ctx, tc), task, tc)
	duration := time.Since(start)

	// 6-7. Возврат в idle на любом пути (успех, ошибка, таймаут)
	a.release(err, handlerFault)

	var res domain.TaskResult
	if err != nil {
		res = domain.Failed(task.ID, a.cfg.ID, err, duration)
		a.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.String("kind", res.ErrorKind),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
	} else {
		if output == nil {
			output = map[string]any{}
		}
		res = domain.TaskResult{
			TaskID:     task.ID,
			AgentID:    a.cfg.ID,
			Success:    true,
			Output:     output,
			DurationMs: duration.Milliseconds(),
		}
		a.logger.Info("task completed", zap.String("task_id", task.ID), zap.Duration("duration", duration))
	}

	a.record(ctx, task, tc, res, err, start, duration)
	return res
}

func (a *Agent) admissionErr() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	switch {
	case a.status == domain.AgentError:
		return fmt.Errorf("%w: %s rejects tasks until restarted", domain.ErrAgentFaulted, a.cfg.ID)
	case a.stopped:
		return fmt.Errorf("%w: %s", domain.ErrAgentOffline, a.cfg.ID)
	}
	return nil
}

// run выполняет шаги 3-5. fault = true, если отказал именно обработчик (HandlerError, HandlerTimeout).
func (a *Agent) run(ctx context.Context, task domain.TaskDescriptor, tc domain.TenantContext) (map[string]any, bool, error) {
	if err := task.Validate(); err != nil {
		return nil, false, err
	}

	// 3. Все требуемые навыки должны быть у агента
	if missing := a.missing(task.RequiredCapabilities); len(missing) > 0 {
		return nil, false, fmt.Errorf("%w: %s", domain.ErrMissingCapability, strings.Join(missing, ", "))
	}

	// 4. Изоляция тенантов
	if !tc.CanAccess(task.TenantID) {
		return nil, false, fmt.Errorf("%w: task tenant %q, caller tenant %q", domain.ErrTenantIsolation, task.TenantID, tc.TenantID)
	}

	// 5. Обработчик навыка с ограничением по времени
	h := a.handlerFor(task.RequiredCapabilities)
	if h == nil {
		return nil, true, fmt.Errorf("%w: no handler for capabilities: %s", domain.ErrHandlerError, joinCaps(task.RequiredCapabilities))
	}
	out, err := a.invoke(ctx, h, tc, task)
	if err != nil {
		kind := domain.Kind(err)
		return nil, kind == "HandlerError" || kind == "HandlerTimeout", err
	}
	return out, false, nil
}

func (a *Agent) missing(required []domain.Capability) []string {
	p := domain.AgentProfile{Capabilities: a.cfg.Capabilities}
	var out []string
	for _, c := range required {
		if !p.Has(c) {
			out = append(out, string(c))
		}
	}
	return out
}

func (a *Agent) handlerFor(caps []domain.Capability) Handler {
	for _, c := range caps {
		if h, ok := a.cfg.Handlers[c]; ok {
			return h
		}
	}
	return a.cfg.Fallback
}

type outcome struct {
	out map[string]any
	err error
}

// invoke запускает обработчик в горутине: зависший обработчик не держит агента в busy.
func (a *Agent) invoke(ctx context.Context, h Handler, tc domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	hctx, cancel := ctx, context.CancelFunc(func() {})
	if a.opts.TaskTimeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, a.opts.TaskTimeout)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: panic: %v", domain.ErrHandlerError, r)}
			}
		}()
		out, err := h(hctx, tc, task)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", domain.ErrHandlerTimeout, o.err)
		}
		return o.out, o.err
	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", domain.ErrHandlerTimeout, hctx.Err())
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrHandlerError, hctx.Err())
	}
}

// release возвращает агента в idle (offline после Stop, error после серии сбоев) и освобождает слот.
func (a *Agent) release(err error, handlerFault bool) {
	a.mu.Lock()
	switch {
	case err == nil:
		a.faults = 0
	case handlerFault:
		a.faults++
	}

	a.status = domain.AgentIdle
	if a.stopped {
		a.status = domain.AgentOffline
	} else if a.opts.FaultThreshold > 0 && a.faults >= a.opts.FaultThreshold {
		a.status = domain.AgentError
		a.logger.Error("agent faulted", zap.Int("consecutive_faults", a.faults))
	}
	a.currentTask = ""
	a.tenant = nil
	a.lastActivity = time.Now()
	a.mu.Unlock()

	<-a.slot
}

// reject: отказ до захвата агента. статус не меняется, но попытка все равно аудируется.
func (a *Agent) reject(ctx context.Context, task domain.TaskDescriptor, tc domain.TenantContext, err error, start time.Time) domain.TaskResult {
	d := time.Since(start)
	res := domain.Failed(task.ID, a.cfg.ID, err, d)
	a.logger.Warn("task rejected", zap.String("task_id", task.ID), zap.String("kind", res.ErrorKind), zap.Error(err))
	a.record(ctx, task, tc, res, err, start, d)
	return res
}

// record пишет аудит, запись о запуске и метрики. Сбои только логируются.
func (a *Agent) record(ctx context.Context, task domain.TaskDescriptor, tc domain.TenantContext, res domain.TaskResult, err error, start time.Time, d time.Duration) {
	// Контекст вызывающего может быть уже отменен, а записать попытку нужно в любом случае
	bg := context.WithoutCancel(ctx)

	if a.deps.Audit != nil {
		details := map[string]any{
			"agent_id":    string(a.cfg.ID),
			"task_name":   task.Name,
			"duration_ms": d.Milliseconds(),
		}
		action := audit.ActionTaskCompleted
		if err != nil {
			action = audit.ActionTaskFailed
			details["error"] = res.Error
			details["error_kind"] = res.ErrorKind
		}
		entry := audit.Entry{
			TraceID:    domain.TraceID(ctx),
			TenantID:   tc.TenantID,
			UserID:     tc.UserID,
			AgentID:    a.cfg.ID,
			Action:     action,
			EntityType: "agent_runs",
			EntityID:   task.ID,
			Details:    details,
		}
		a.deps.Audit.Record(bg, entry)

		if errors.Is(err, domain.ErrTenantIsolation) {
			entry.Action = audit.ActionTenantIsolationViolation
			entry.Details = map[string]any{
				"agent_id":       string(a.cfg.ID),
				"task_tenant_id": task.TenantID,
				"caller_role":    string(tc.Role),
			}
			a.deps.Audit.Record(bg, entry)
		}
	}

	if a.deps.Runs != nil {
		status := domain.TaskCompleted
		if err != nil {
			status = domain.TaskFailed
		}
		run := domain.AgentRun{
			ID:          uuid.New().String(),
			TenantID:    tc.TenantID,
			AgentID:     a.cfg.ID,
			TaskID:      task.ID,
			Status:      status,
			StartedAt:   start.UTC(),
			CompletedAt: start.Add(d).UTC(),
			DurationMs:  d.Milliseconds(),
			Error:       res.Error,
		}
		rctx, cancel := context.WithTimeout(bg, 2*time.Second)
		if rerr := a.deps.Runs.InsertRun(rctx, run); rerr != nil {
			a.logger.Error("failed to persist agent run", zap.String("task_id", task.ID), zap.Error(rerr))
		}
		cancel()
	}

	if a.deps.Metrics != nil {
		a.deps.Metrics.ObserveTask(a.cfg.ID, res, d)
	}
}

func joinCaps(caps []domain.Capability) string {
	s := make([]string, len(caps))
	for i, c := range caps {
		s[i] = string(c)
	}
	return strings.Join(s, ", ")
}
