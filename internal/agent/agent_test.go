package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/ledger-orchestrator/internal/audit"
	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"go.uber.org/zap"
)

type memRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memRecorder) Record(_ context.Context, e audit.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

func (m *memRecorder) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Action
	}
	return out
}

type memRuns struct {
	mu   sync.Mutex
	runs []domain.AgentRun
	err  error
}

func (m *memRuns) InsertRun(_ context.Context, run domain.AgentRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return m.err
}

var tenantA = domain.TenantContext{TenantID: "tenant-a", UserID: "user-1", Role: domain.RoleAccountant}

func newTask(id string, caps ...domain.Capability) domain.TaskDescriptor {
	return domain.TaskDescriptor{
		ID:                   id,
		Name:                 "task " + id,
		RequiredCapabilities: caps,
		Input:                map[string]any{},
		TenantID:             tenantA.TenantID,
	}
}

type fixture struct {
	agent *Agent
	rec   *memRecorder
	runs  *memRuns
	calls atomic.Int32
}

func newFixture(t *testing.T, h Handler, opts Options) *fixture {
	t.Helper()
	f := &fixture{rec: &memRecorder{}, runs: &memRuns{}}
	wrapped := func(ctx context.Context, tc domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
		f.calls.Add(1)
		return h(ctx, tc, task)
	}
	f.agent = New(Config{
		ID:           "test_agent",
		Name:         "Test Agent",
		Capabilities: []domain.Capability{domain.CapReportGeneration, domain.CapReportAnalysis},
		Handlers:     map[domain.Capability]Handler{domain.CapReportGeneration: wrapped},
		Fallback:     wrapped,
	}, opts, Deps{Audit: f.rec, Runs: f.runs, Logger: zap.NewNop()})
	f.agent.Start()
	return f
}

func okHandler(_ context.Context, _ domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	return map[string]any{"done": task.ID}, nil
}

func failHandler(context.Context, domain.TenantContext, domain.TaskDescriptor) (map[string]any, error) {
	return nil, errors.New("ledger unavailable")
}

func assertIdle(t *testing.T, a *Agent) {
	t.Helper()
	p := a.Profile()
	assert.Equal(t, domain.AgentIdle, p.Status)
	assert.Empty(t, p.CurrentTask)
	_, bound := a.Tenant()
	assert.False(t, bound)
}

func TestExecuteTask_Success(t *testing.T) {
	f := newFixture(t, okHandler, Options{})

	res := f.agent.ExecuteTask(context.Background(), newTask("t1", domain.CapReportGeneration), tenantA)

	require.True(t, res.Success)
	assert.Equal(t, "t1", res.TaskID)
	assert.Equal(t, domain.AgentID("test_agent"), res.AgentID)
	assert.Equal(t, map[string]any{"done": "t1"}, res.Output)
	assert.Empty(t, res.Error)
	assertIdle(t, f.agent)

	assert.Equal(t, []string{audit.ActionTaskCompleted}, f.rec.actions())
	e := f.rec.entries[0]
	assert.Equal(t, "tenant-a", e.TenantID)
	assert.Equal(t, "user-1", e.UserID)
	assert.Equal(t, "t1", e.EntityID)

	require.Len(t, f.runs.runs, 1)
	assert.Equal(t, domain.TaskCompleted, f.runs.runs[0].Status)
	assert.False(t, f.agent.Profile().LastActivity.IsZero())
}

func TestExecuteTask_HandlerErrorReturnsFailedResult(t *testing.T) {
	f := newFixture(t, failHandler, Options{})

	res := f.agent.ExecuteTask(context.Background(), newTask("t1", domain.CapReportGeneration), tenantA)

	assert.False(t, res.Success)
	assert.Equal(t, "ledger unavailable", res.Error)
	assert.Equal(t, "HandlerError", res.ErrorKind)
	assert.NotNil(t, res.Output)
	assertIdle(t, f.agent)
	assert.Equal(t, []string{audit.ActionTaskFailed}, f.rec.actions())
	assert.Equal(t, "ledger unavailable", f.rec.entries[0].Details["error"])
	assert.Equal(t, domain.TaskFailed, f.runs.runs[0].Status)
}

func TestExecuteTask_TimeoutNeverLeavesAgentBusy(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	hang := func(context.Context, domain.TenantContext, domain.TaskDescriptor) (map[string]any, error) {
		<-release // обработчик игнорирует отмену контекста
		return nil, nil
	}
	f := newFixture(t, hang, Options{TaskTimeout: 30 * time.Millisecond})

	start := time.Now()
	res := f.agent.ExecuteTask(context.Background(), newTask("t1", domain.CapReportGeneration), tenantA)

	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, res.Success)
	assert.Equal(t, "HandlerTimeout", res.ErrorKind)
	assertIdle(t, f.agent)
	assert.Equal(t, []string{audit.ActionTaskFailed}, f.rec.actions())
}

func TestExecuteTask_CallerDeadlineIsEnforced(t *testing.T) {
	slow := func(ctx context.Context, _ domain.TenantContext, _ domain.TaskDescriptor) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f := newFixture(t, slow, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := f.agent.ExecuteTask(ctx, newTask("t1", domain.CapReportGeneration), tenantA)

	assert.Equal(t, "HandlerTimeout", res.ErrorKind)
	assertIdle(t, f.agent)
	// Аудит пишется даже при истекшем контексте вызывающего
	assert.Equal(t, []string{audit.ActionTaskFailed}, f.rec.actions())
}

func TestExecuteTask_PanicIsContained(t *testing.T) {
	f := newFixture(t, func(context.Context, domain.TenantContext, domain.TaskDescriptor) (map[string]any, error) {
		panic("nil ledger")
	}, Options{})

	res := f.agent.ExecuteTask(context.Background(), newTask("t1", domain.CapReportGeneration), tenantA)

	assert.False(t, res.Success)
	assert.Equal(t, "HandlerError", res.ErrorKind)
	assert.Contains(t, res.Error, "nil ledger")
	assertIdle(t, f.agent)
}

func TestExecuteTask_MissingCapabilityNeverInvokesHandler(t *testing.T) {
	f := newFixture(t, okHandler, Options{})

	res := f.agent.ExecuteTask(context.Background(),
		newTask("t1", domain.CapReportGeneration, domain.CapPaymentProcessing, domain.CapBankSync), tenantA)

	assert.False(t, res.Success)
	assert.Equal(t, "MissingCapability", res.ErrorKind)
	assert.Contains(t, res.Error, "payment_processing, bank_sync")
	assert.Zero(t, f.calls.Load())
	assertIdle(t, f.agent)
	assert.Equal(t, []string{audit.ActionTaskFailed}, f.rec.actions())
}

func TestExecuteTask_InvalidDescriptor(t *testing.T) {
	f := newFixture(t, okHandler, Options{})

	res := f.agent.ExecuteTask(context.Background(), newTask("t1"), tenantA)

	assert.False(t, res.Success)
	assert.Equal(t, "InvalidTask", res.ErrorKind)
	assert.Zero(t, f.calls.Load())
	assertIdle(t, f.agent)
}

func TestExecuteTask_TenantIsolation(t *testing.T) {
	f := newFixture(t, okHandler, Options{})
	task := newTask("t1", domain.CapReportGeneration)
	task.TenantID = "tenant-b"

	res := f.agent.ExecuteTask(context.Background(), task, tenantA)

	assert.False(t, res.Success)
	assert.Equal(t, "TenantIsolationViolation", res.ErrorKind)
	assert.Zero(t, f.calls.Load())
	assertIdle(t, f.agent)
	assert.Equal(t, []string{audit.ActionTaskFailed, audit.ActionTenantIsolationViolation}, f.rec.actions())
	assert.Equal(t, "tenant-b", f.rec.entries[1].Details["task_tenant_id"])

	// super_admin может работать с чужим тенантом
	admin := domain.TenantContext{TenantID: "tenant-a", UserID: "root", Role: domain.RoleSuperAdmin}
	res = f.agent.ExecuteTask(context.Background(), task, admin)
	assert.True(t, res.Success)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestExecuteTask_SecondCallBlocksUntilSlotIsFree(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{}, 4)
	blocking := func(_ context.Context, tc domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
		entered <- struct{}{}
		<-gate
		return map[string]any{"task": task.ID}, nil
	}
	f := newFixture(t, blocking, Options{})

	first := make(chan domain.TaskResult, 1)
	go func() {
		first <- f.agent.ExecuteTask(context.Background(), newTask("t1", domain.CapReportGeneration), tenantA)
	}()
	<-entered

	p := f.agent.Profile()
	assert.Equal(t, domain.AgentBusy, p.Status)
	assert.Equal(t, "t1", p.CurrentTask)
	bound, ok := f.agent.Tenant()
	require.True(t, ok)
	assert.Equal(t, tenantA, bound)

	// 1. Второй вызов ждет слот и сдается по контексту с AgentBusy, обработчик не вызывается
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res := f.agent.ExecuteTask(ctx, newTask("t2", domain.CapReportGeneration), tenantA)
	assert.False(t, res.Success)
	assert.Equal(t, "AgentBusy", res.ErrorKind)
	assert.EqualValues(t, 1, f.calls.Load())
	assert.Equal(t, domain.AgentBusy, f.agent.Profile().Status)

	// 2. Третий вызов без дедлайна дожидается освобождения слота
	third := make(chan domain.TaskResult, 1)
	go func() {
		third <- f.agent.ExecuteTask(context.Background(), newTask("t3", domain.CapReportGeneration), tenantA)
	}()

	close(gate)
	assert.True(t, (<-first).Success)
	r3 := <-third
	assert.True(t, r3.Success)
	assert.Equal(t, "t3", r3.TaskID)
	assertIdle(t, f.agent)
}

func TestExecuteTask_AtMostOneConcurrentHandler(t *testing.T) {
	var inFlight, maxSeen atomic.Int32
	h := func(context.Context, domain.TenantContext, domain.TaskDescriptor) (map[string]any, error) {
		n := inFlight.Add(1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	}
	f := newFixture(t, h, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := f.agent.ExecuteTask(context.Background(), newTask("t", domain.CapReportGeneration), tenantA)
			assert.True(t, res.Success)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxSeen.Load())
	assert.EqualValues(t, 20, f.calls.Load())
	assertIdle(t, f.agent)
}

func TestLifecycle_StartStop(t *testing.T) {
	rec := &memRecorder{}
	a := New(Config{ID: "x", Capabilities: []domain.Capability{domain.CapReportGeneration}, Fallback: okHandler},
		Options{}, Deps{Audit: rec})

	// До Start агент offline и задачи не принимает
	assert.Equal(t, domain.AgentOffline, a.Profile().Status)
	res := a.ExecuteTask(context.Background(), newTask("t0", domain.CapReportGeneration), tenantA)
	assert.Equal(t, "AgentOffline", res.ErrorKind)

	a.Start()
	a.Start() // идемпотентен
	assert.Equal(t, domain.AgentIdle, a.Profile().Status)
	assert.True(t, a.ExecuteTask(context.Background(), newTask("t1", domain.CapReportGeneration), tenantA).Success)

	a.Stop()
	assert.Equal(t, domain.AgentOffline, a.Profile().Status)
	res = a.ExecuteTask(context.Background(), newTask("t2", domain.CapReportGeneration), tenantA)
	assert.Equal(t, "AgentOffline", res.ErrorKind)
	assert.Equal(t, domain.AgentOffline, a.Profile().Status)

	assert.Equal(t, []string{audit.ActionTaskFailed, audit.ActionTaskCompleted, audit.ActionTaskFailed}, rec.actions())
}

func TestLifecycle_StopWhileBusyFinishesAcceptedTask(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{})
	f := newFixture(t, func(context.Context, domain.TenantContext, domain.TaskDescriptor) (map[string]any, error) {
		close(entered)
		<-gate
		return map[string]any{}, nil
	}, Options{})

	done := make(chan domain.TaskResult, 1)
	go func() {
		done <- f.agent.ExecuteTask(context.Background(), newTask("t1", domain.CapReportGeneration), tenantA)
	}()
	<-entered

	f.agent.Stop()
	assert.Equal(t, domain.AgentBusy, f.agent.Profile().Status)

	close(gate)
	assert.True(t, (<-done).Success)
	p := f.agent.Profile()
	assert.Equal(t, domain.AgentOffline, p.Status)
	assert.Empty(t, p.CurrentTask)
}

func TestFaultThreshold_ErrorStatusPolicy(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	h := func(_ context.Context, tc domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
		if fail.Load() {
			return nil, errors.New("boom")
		}
		return okHandler(context.Background(), tc, task)
	}
	f := newFixture(t, h, Options{FaultThreshold: 2})

	// 1. Ошибки валидации не считаются сбоями обработчика
	for i := 0; i < 3; i++ {
		f.agent.ExecuteTask(context.Background(), newTask("v", domain.CapBankSync), tenantA)
	}
	assertIdle(t, f.agent)

	// 2. Два подряд сбоя обработчика переводят агента в error
	f.agent.ExecuteTask(context.Background(), newTask("f1", domain.CapReportGeneration), tenantA)
	assertIdle(t, f.agent)
	f.agent.ExecuteTask(context.Background(), newTask("f2", domain.CapReportGeneration), tenantA)
	p := f.agent.Profile()
	assert.Equal(t, domain.AgentError, p.Status)
	assert.Empty(t, p.CurrentTask)

	// 3. В состоянии error задачи отклоняются без вызова обработчика
	calls := f.calls.Load()
	res := f.agent.ExecuteTask(context.Background(), newTask("f3", domain.CapReportGeneration), tenantA)
	assert.Equal(t, "AgentFaulted", res.ErrorKind)
	assert.Equal(t, calls, f.calls.Load())

	// 4. Start снимает error
	fail.Store(false)
	f.agent.Start()
	assert.True(t, f.agent.ExecuteTask(context.Background(), newTask("ok", domain.CapReportGeneration), tenantA).Success)
	assertIdle(t, f.agent)
}

func TestFaultThreshold_DisabledAlwaysReturnsToIdle(t *testing.T) {
	f := newFixture(t, failHandler, Options{})
	for i := 0; i < 10; i++ {
		res := f.agent.ExecuteTask(context.Background(), newTask("f", domain.CapReportGeneration), tenantA)
		assert.False(t, res.Success)
		assertIdle(t, f.agent)
	}
}

func TestHandlerSelection(t *testing.T) {
	var picked []string
	a := New(Config{
		ID:           "sel",
		Capabilities: []domain.Capability{domain.CapBankSync, domain.CapAccountingSync, domain.CapDataImport},
		Handlers: map[domain.Capability]Handler{
			domain.CapAccountingSync: func(context.Context, domain.TenantContext, domain.TaskDescriptor) (map[string]any, error) {
				picked = append(picked, "accounting")
				return nil, nil
			},
			domain.CapBankSync: func(context.Context, domain.TenantContext, domain.TaskDescriptor) (map[string]any, error) {
				picked = append(picked, "bank")
				return nil, nil
			},
		},
	}, Options{}, Deps{})
	a.Start()

	a.ExecuteTask(context.Background(), newTask("1", domain.CapAccountingSync, domain.CapBankSync), tenantA)
	a.ExecuteTask(context.Background(), newTask("2", domain.CapDataImport, domain.CapBankSync), tenantA)
	assert.Equal(t, []string{"accounting", "bank"}, picked)

	// Нет ни обработчика, ни запасного
	res := a.ExecuteTask(context.Background(), newTask("3", domain.CapDataImport), tenantA)
	assert.Equal(t, "HandlerError", res.ErrorKind)
	assert.Contains(t, res.Error, "no handler for capabilities: data_import")
}

func TestRunRecorderFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, okHandler, Options{})
	f.runs.err = errors.New("db down")

	res := f.agent.ExecuteTask(context.Background(), newTask("t1", domain.CapReportGeneration), tenantA)
	assert.True(t, res.Success)
	assert.Len(t, f.runs.runs, 1)
}

func TestProfileIsACopy(t *testing.T) {
	a := New(Config{ID: "p", Capabilities: []domain.Capability{domain.CapBankSync}, Metadata: map[string]any{"k": "v"}}, Options{}, Deps{})
	p := a.Profile()
	p.Capabilities[0] = "mutated"
	p.Metadata["k"] = "mutated"

	fresh := a.Profile()
	assert.Equal(t, domain.CapBankSync, fresh.Capabilities[0])
	assert.Equal(t, "v", fresh.Metadata["k"])
}
