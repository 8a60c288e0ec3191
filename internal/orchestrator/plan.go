package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"go.uber.org/zap"
)

var (
	ErrPlanNotFound = errors.New("plan not found")
	ErrPlanRunning  = errors.New("plan is already executing")
)

type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanExecuting PlanStatus = "executing"
	PlanCompleted PlanStatus = "completed"
	PlanPartial   PlanStatus = "partial"
	PlanFailed    PlanStatus = "failed"
)

// Оценка длительности одной задачи для EstimatedDurationMs
const estimatedTaskDuration = 5 * time.Second

type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// PlanTask: подзадача плана с заранее назначенным агентом.
type PlanTask struct {
	domain.TaskDescriptor
	AssignedAgent domain.AgentID     `json:"assigned_agent"`
	AgentName     string             `json:"agent_name"`
	Result        *domain.TaskResult `json:"result,omitempty"`
}

type Plan struct {
	ID                  string     `json:"plan_id"`
	Command             string     `json:"command"`
	TenantID            string     `json:"tenant_id"`
	CreatedAt           time.Time  `json:"created_at"`
	EstimatedDurationMs int64      `json:"estimated_duration_ms"`
	Tasks               []PlanTask `json:"tasks"`
	Edges               []Edge     `json:"edges"`
	Status              PlanStatus `json:"status"`
}

func (p Plan) clone() Plan {
	p.Tasks = slices.Clone(p.Tasks)
	p.Edges = slices.Clone(p.Edges)
	return p
}

type PlanStore interface {
	Save(ctx context.Context, p Plan) error
	Get(ctx context.Context, id string) (Plan, error)
	// Acquire атомарно переводит план в executing; занятый план: ErrPlanRunning.
	Acquire(ctx context.Context, id string) (Plan, error)
}

// MemoryPlanStore хранит планы в памяти процесса.
type MemoryPlanStore struct {
	mu    sync.RWMutex
	plans map[string]Plan
}

func NewMemoryPlanStore() *MemoryPlanStore {
	return &MemoryPlanStore{plans: make(map[string]Plan)}
}

func (s *MemoryPlanStore) Save(_ context.Context, p Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ID] = p.clone()
	return nil
}

func (s *MemoryPlanStore) Get(_ context.Context, id string) (Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	return p.clone(), nil
}

func (s *MemoryPlanStore) Acquire(_ context.Context, id string) (Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	if p.Status == PlanExecuting {
		return Plan{}, fmt.Errorf("%w: %s", ErrPlanRunning, id)
	}
	p.Status = PlanExecuting
	s.plans[id] = p
	return p.clone(), nil
}

// CreatePlan раскладывает команду и заранее назначает агентов, ничего не исполняя.
func (o *Orchestrator) CreatePlan(ctx context.Context, command string, tc domain.TenantContext, input map[string]any) (Plan, error) {
	if command == "" {
		return Plan{}, ErrEmptyCommand
	}
	tasks, err := o.decomposer.Decompose(ctx, command, tc, input)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{
		ID:                  uuid.New().String(),
		Command:             command,
		TenantID:            tc.TenantID,
		CreatedAt:           time.Now().UTC(),
		EstimatedDurationMs: int64(len(tasks)) * estimatedTaskDuration.Milliseconds(),
		Tasks:               make([]PlanTask, len(tasks)),
		Edges:               []Edge{},
		Status:              PlanPending,
	}
	for i, t := range tasks {
		agentID := o.router.Resolve(t.RequiredCapabilities)
		pt := PlanTask{TaskDescriptor: t, AssignedAgent: agentID}
		if a, err := o.agents.Get(agentID); err == nil {
			pt.AgentName = a.Profile().Name
		}
		plan.Tasks[i] = pt
		for _, dep := range t.Dependencies {
			plan.Edges = append(plan.Edges, Edge{From: dep, To: t.ID})
		}
	}

	if err := o.plans.Save(ctx, plan); err != nil {
		return Plan{}, fmt.Errorf("save plan: %w", err)
	}
	o.logger.Info("plan created", zap.String("plan_id", plan.ID), zap.String("tenant_id", tc.TenantID), zap.Int("tasks", len(plan.Tasks)))
	return plan, nil
}

func (o *Orchestrator) GetPlan(ctx context.Context, id string, tc domain.TenantContext) (Plan, error) {
	p, err := o.plans.Get(ctx, id)
	if err != nil {
		return Plan{}, err
	}
	if !tc.CanAccess(p.TenantID) {
		return Plan{}, fmt.Errorf("%w: plan %s", domain.ErrTenantIsolation, id)
	}
	return p, nil
}

// ExecutePlan исполняет план в порядке зависимостей.
// Задача, чья зависимость упала или была пропущена, помечается skipped.
func (o *Orchestrator) ExecutePlan(ctx context.Context, id string, tc domain.TenantContext, obs Observer) (Result, error) {
	if _, err := o.GetPlan(ctx, id, tc); err != nil {
		return Result{}, err
	}
	plan, err := o.plans.Acquire(ctx, id)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	obs.emit(Event{Type: EventPlanStarted, ConstellationID: plan.ID})

	status := make(map[string]domain.TaskStatus, len(plan.Tasks))
	results := make([]domain.TaskResult, 0, len(plan.Tasks))
	skipped := 0

	for _, i := range o.executionOrder(plan) {
		pt := &plan.Tasks[i]

		if dep, blocked := blockedBy(pt.Dependencies, status); blocked {
			pt.Status = domain.TaskSkipped
			status[pt.ID] = domain.TaskSkipped
			skipped++
			obs.emit(Event{Type: EventTaskSkipped, ConstellationID: plan.ID, TaskID: pt.ID, TaskName: pt.Name, Reason: "dependency failed: " + dep})
			continue
		}

		res := o.runTask(ctx, plan.ID, pt.TaskDescriptor, pt.AssignedAgent, tc, obs)
		pt.Result = &res
		pt.Status = domain.TaskFailed
		if res.Success {
			pt.Status = domain.TaskCompleted
		}
		status[pt.ID] = pt.Status
		results = append(results, res)
	}

	res := o.finish(ctx, plan.ID, plan.Command, tc, true, results, skipped, start, obs, nil)
	plan.Status = PlanStatus(res.Status)
	if err := o.plans.Save(context.WithoutCancel(ctx), plan); err != nil {
		o.logger.Error("failed to save executed plan", zap.String("plan_id", plan.ID), zap.Error(err))
	}
	return res, nil
}

func blockedBy(deps []string, status map[string]domain.TaskStatus) (string, bool) {
	for _, dep := range deps {
		if s := status[dep]; s == domain.TaskFailed || s == domain.TaskSkipped {
			return dep, true
		}
	}
	return "", false
}

// executionOrder: топологическая сортировка Кана по индексам задач.
// При цикле возвращается объявленный порядок.
func (o *Orchestrator) executionOrder(p Plan) []int {
	index := make(map[string]int, len(p.Tasks))
	for i, t := range p.Tasks {
		index[t.ID] = i
	}

	inDegree := make([]int, len(p.Tasks))
	forward := make([][]int, len(p.Tasks))
	for _, e := range p.Edges {
		from, okFrom := index[e.From]
		to, okTo := index[e.To]
		if !okFrom || !okTo {
			continue
		}
		inDegree[to]++
		forward[from] = append(forward[from], to)
	}

	var queue []int
	for i, d := range inDegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]int, 0, len(p.Tasks))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, next := range forward[n] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(p.Tasks) {
		o.logger.Warn("cycle detected in plan graph, using declared order", zap.String("plan_id", p.ID))
		order = order[:0]
		for i := range p.Tasks {
			order = append(order, i)
		}
	}
	return order
}
