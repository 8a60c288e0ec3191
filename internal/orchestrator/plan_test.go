package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/ledger-orchestrator/internal/agent"
	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"github.com/xela07ax/ledger-orchestrator/internal/llm"
	"github.com/xela07ax/ledger-orchestrator/internal/registry"
	"go.uber.org/zap"
)

func TestCreatePlan_AssignsAgentsAndEdges(t *testing.T) {
	r := &fakeReasoner{subtasks: []llm.Subtask{
		{Name: "Parse", RequiredCapabilities: []domain.Capability{domain.CapInvoiceParsing}},
		{Name: "Match", RequiredCapabilities: []domain.Capability{domain.CapTransactionMatching}, Dependencies: []string{"Parse"}},
		{Name: "Forecast", RequiredCapabilities: []domain.Capability{"crystal_ball"}},
	}}
	h := newHarness(t, r, agent.Options{}, Options{}, payablesAgent(nil), reconciliationAgent())

	plan, err := h.orch.CreatePlan(context.Background(), "reconcile and report", tenantA, nil)
	require.NoError(t, err)

	assert.Equal(t, PlanPending, plan.Status)
	assert.Equal(t, tenantA.TenantID, plan.TenantID)
	assert.Equal(t, int64(15000), plan.EstimatedDurationMs)
	require.Len(t, plan.Tasks, 3)
	assert.Equal(t, registry.AccountsPayableLead, plan.Tasks[0].AssignedAgent)
	assert.Equal(t, "Accounts Payable Lead", plan.Tasks[0].AgentName)
	assert.Equal(t, registry.ReconciliationLead, plan.Tasks[1].AssignedAgent)
	assert.Equal(t, registry.Generalist, plan.Tasks[2].AssignedAgent)
	assert.Equal(t, []Edge{{From: plan.Tasks[0].ID, To: plan.Tasks[1].ID}}, plan.Edges)

	got, err := h.orch.GetPlan(context.Background(), plan.ID, tenantA)
	require.NoError(t, err)
	assert.Equal(t, plan.ID, got.ID)

	// Чужой тенант план не видит, super_admin видит
	other := domain.TenantContext{TenantID: "tenant-b", UserID: "u", Role: domain.RoleTenantAdmin}
	_, err = h.orch.GetPlan(context.Background(), plan.ID, other)
	assert.ErrorIs(t, err, domain.ErrTenantIsolation)

	admin := domain.TenantContext{TenantID: "ops", UserID: "root", Role: domain.RoleSuperAdmin}
	_, err = h.orch.GetPlan(context.Background(), plan.ID, admin)
	assert.NoError(t, err)

	_, err = h.orch.GetPlan(context.Background(), "missing", tenantA)
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestExecutePlan_SkipsDependentsOfFailedTasks(t *testing.T) {
	r := &fakeReasoner{subtasks: []llm.Subtask{
		{Name: "Parse", RequiredCapabilities: []domain.Capability{domain.CapInvoiceParsing}},
		{Name: "Pay", RequiredCapabilities: []domain.Capability{domain.CapPaymentProcessing}, Dependencies: []string{"Parse"}},
		{Name: "Match", RequiredCapabilities: []domain.Capability{domain.CapTransactionMatching}, Dependencies: []string{"Pay"}},
		{Name: "Validate", RequiredCapabilities: []domain.Capability{domain.CapInvoiceValidation}},
	}}
	payCalled := false
	h := newHarness(t, r, agent.Options{}, Options{},
		payablesAgent(map[domain.Capability]agent.Handler{
			domain.CapInvoiceParsing: func(context.Context, domain.TenantContext, domain.TaskDescriptor) (map[string]any, error) {
				return nil, errors.New("unreadable scan")
			},
			domain.CapPaymentProcessing: func(context.Context, domain.TenantContext, domain.TaskDescriptor) (map[string]any, error) {
				payCalled = true
				return map[string]any{}, nil
			},
			domain.CapInvoiceValidation: echo,
		}),
		reconciliationAgent(),
	)

	plan, err := h.orch.CreatePlan(context.Background(), "process invoice and pay", tenantA, nil)
	require.NoError(t, err)

	res, err := h.orch.ExecutePlan(context.Background(), plan.ID, tenantA, h.observe)
	require.NoError(t, err)

	assert.False(t, payCalled)
	assert.Equal(t, plan.ID, res.ConstellationID)
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, 4, res.TasksTotal)
	assert.Equal(t, 1, res.TasksCompleted)
	assert.Equal(t, 1, res.TasksFailed)
	assert.Equal(t, 2, res.TasksSkipped)
	require.Len(t, res.Results, 2)

	var skipped []string
	for _, e := range h.events {
		if e.Type == EventTaskSkipped {
			skipped = append(skipped, e.TaskName)
			assert.Contains(t, e.Reason, "dependency failed")
		}
	}
	assert.ElementsMatch(t, []string{"Pay", "Match"}, skipped)

	stored, err := h.orch.GetPlan(context.Background(), plan.ID, tenantA)
	require.NoError(t, err)
	assert.Equal(t, PlanPartial, stored.Status)
	assert.Equal(t, domain.TaskFailed, stored.Tasks[0].Status)
	assert.Equal(t, domain.TaskSkipped, stored.Tasks[1].Status)
	assert.Equal(t, domain.TaskSkipped, stored.Tasks[2].Status)
	assert.Equal(t, domain.TaskCompleted, stored.Tasks[3].Status)
	require.NotNil(t, stored.Tasks[3].Result)
	assert.True(t, stored.Tasks[3].Result.Success)
}

func TestExecutePlan_TenantIsolation(t *testing.T) {
	r := &fakeReasoner{subtasks: []llm.Subtask{{Name: "Parse", RequiredCapabilities: []domain.Capability{domain.CapInvoiceParsing}}}}
	h := newHarness(t, r, agent.Options{}, Options{}, payablesAgent(map[domain.Capability]agent.Handler{domain.CapInvoiceParsing: echo}))

	plan, err := h.orch.CreatePlan(context.Background(), "parse", tenantA, nil)
	require.NoError(t, err)

	other := domain.TenantContext{TenantID: "tenant-b", UserID: "u", Role: domain.RoleAccountant}
	_, err = h.orch.ExecutePlan(context.Background(), plan.ID, other, nil)
	assert.ErrorIs(t, err, domain.ErrTenantIsolation)

	_, err = h.orch.ExecutePlan(context.Background(), "nope", tenantA, nil)
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestMemoryPlanStore_AcquireRejectsRunningPlan(t *testing.T) {
	s := NewMemoryPlanStore()
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, Plan{ID: "p1", Status: PlanPending}))

	p, err := s.Acquire(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, PlanExecuting, p.Status)

	_, err = s.Acquire(ctx, "p1")
	assert.ErrorIs(t, err, ErrPlanRunning)

	p.Status = PlanCompleted
	require.NoError(t, s.Save(ctx, p))
	_, err = s.Acquire(ctx, "p1")
	assert.NoError(t, err)
}

func TestExecutionOrder(t *testing.T) {
	o := New(Deps{Logger: zap.NewNop()}, Options{})
	task := func(id string) PlanTask {
		return PlanTask{TaskDescriptor: domain.TaskDescriptor{ID: id}}
	}

	// Объявлено c, b, a; зависимости a -> b -> c
	p := Plan{
		Tasks: []PlanTask{task("c"), task("b"), task("a")},
		Edges: []Edge{{From: "a", To: "b"}, {From: "b", To: "c"}},
	}
	assert.Equal(t, []int{2, 1, 0}, o.executionOrder(p))

	// Цикл: исполняем в объявленном порядке
	p.Edges = append(p.Edges, Edge{From: "c", To: "a"})
	assert.Equal(t, []int{0, 1, 2}, o.executionOrder(p))

	// Ссылки на неизвестные задачи игнорируются
	p.Edges = []Edge{{From: "ghost", To: "a"}}
	assert.Equal(t, []int{0, 1, 2}, o.executionOrder(p))
}
