package engine

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"github.com/xela07ax/ledger-orchestrator/internal/orchestrator"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type fakeExecutor struct {
	gotReq orchestrator.Request
	gotTC  domain.TenantContext
	trace  string
}

func (f *fakeExecutor) Execute(ctx context.Context, req orchestrator.Request, tc domain.TenantContext) (orchestrator.Result, error) {
	f.gotReq, f.gotTC, f.trace = req, tc, domain.TraceID(ctx)
	if req.Command == "" && len(req.Capabilities) == 0 {
		return orchestrator.Result{}, orchestrator.ErrEmptyCommand
	}
	return orchestrator.Result{
		ConstellationID: "c-1",
		Status:          orchestrator.StatusPartial,
		TasksCompleted:  1,
		TasksFailed:     1,
		TasksTotal:      2,
		Results: []domain.TaskResult{
			{TaskID: "t1", AgentID: "accounts_payable_lead", Success: true},
			{TaskID: "t2", AgentID: "reconciliation_lead", Success: false, ErrorKind: "HandlerError"},
		},
		Summary: "Executed 1 of 2 tasks successfully. 1 failed.",
	}, nil
}

func dialServer(t *testing.T, exec Executor) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(grpc.UnaryInterceptor(UnaryAuthInterceptor(nil, true, zap.NewNop())))
	NewOrchestratorServer(exec).Register(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestOrchestratorServer_Execute(t *testing.T) {
	exec := &fakeExecutor{}
	conn := dialServer(t, exec)

	in, err := structpb.NewStruct(map[string]any{
		"command":      "process invoice and pay",
		"capabilities": []any{"invoice_parsing"},
		"input":        map[string]any{"amount": 120.5},
		"priority":     "high",
	})
	require.NoError(t, err)

	ctx := metadata.AppendToOutgoingContext(context.Background(),
		"x-tenant-id", "tenant-a", "x-user-id", "u1", "x-trace-id", "trace-42")
	out := &structpb.Struct{}
	require.NoError(t, conn.Invoke(ctx, ExecuteMethod, in, out))

	assert.Equal(t, "process invoice and pay", exec.gotReq.Command)
	assert.Equal(t, []domain.Capability{"invoice_parsing"}, exec.gotReq.Capabilities)
	assert.Equal(t, 120.5, exec.gotReq.Input["amount"])
	assert.Equal(t, domain.PriorityHigh, exec.gotReq.Priority)
	assert.Equal(t, domain.TenantContext{TenantID: "tenant-a", UserID: "u1", Role: domain.RoleAccountant}, exec.gotTC)
	assert.Equal(t, "trace-42", exec.trace)

	m := out.AsMap()
	assert.Equal(t, "partial", m["status"])
	assert.Equal(t, 2.0, m["tasks_total"])
	results, ok := m["results"].([]any)
	require.True(t, ok)
	assert.Len(t, results, 2)
}

func TestOrchestratorServer_Errors(t *testing.T) {
	conn := dialServer(t, &fakeExecutor{})

	// Без тенанта
	err := conn.Invoke(context.Background(), ExecuteMethod, &structpb.Struct{}, &structpb.Struct{})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	// Пустая команда
	ctx := metadata.AppendToOutgoingContext(context.Background(), "x-tenant-id", "tenant-a")
	err = conn.Invoke(ctx, ExecuteMethod, &structpb.Struct{}, &structpb.Struct{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

type denyAll struct{}

func (denyAll) Allow(string) error {
	return &domain.RetryableError{Kind: domain.ErrRateLimited, RetryAfter: 2e9}
}

func TestUnaryRateLimitInterceptor(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(
		UnaryAuthInterceptor(nil, true, zap.NewNop()),
		UnaryRateLimitInterceptor(denyAll{}, zap.NewNop()),
	))
	exec := &fakeExecutor{}
	NewOrchestratorServer(exec).Register(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	in, _ := structpb.NewStruct(map[string]any{"command": "reconcile and report"})
	ctx := metadata.AppendToOutgoingContext(context.Background(), "x-tenant-id", "tenant-a")
	err = conn.Invoke(ctx, ExecuteMethod, in, &structpb.Struct{})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.Empty(t, exec.gotReq.Command)
}
