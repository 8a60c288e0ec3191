package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"github.com/xela07ax/ledger-orchestrator/internal/orchestrator"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ExecuteMethod: унарный метод входа оркестратора. Запрос и ответ в формате google.protobuf.Struct:
// {"command": ..., "capabilities": [...], "input": {...}, "priority": ...} -> OrchestrationResult.
const ExecuteMethod = "/ledger.v1.OrchestratorService/Execute"

// Executor: то, что вызывает gRPC вход (orchestrator.Orchestrator).
type Executor interface {
	Execute(ctx context.Context, req orchestrator.Request, tc domain.TenantContext) (orchestrator.Result, error)
}

type orchestratorService interface {
	Execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type OrchestratorServer struct {
	exec Executor
}

func NewOrchestratorServer(exec Executor) *OrchestratorServer {
	return &OrchestratorServer{exec: exec}
}

// Register вешает сервис на gRPC сервер без сгенерированного кода.
func (s *OrchestratorServer) Register(gs *grpc.Server) {
	gs.RegisterService(&orchestratorServiceDesc, s)
}

func (s *OrchestratorServer) Execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	// 1. Вызывающий уже в контексте (UnaryAuthInterceptor)
	tc, ok := domain.TenantFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing tenant context")
	}

	// 2. Struct -> Request через JSON (те же правила, что и в HTTP)
	var req orchestrator.Request
	if err := convert(in.AsMap(), &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}

	// 3. Единый пайплайн (тот же, что и для HTTP)
	res, err := s.exec.Execute(ctx, req, tc)
	if err != nil {
		if errors.Is(err, orchestrator.ErrEmptyCommand) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}

	// 4. Отказы задач: часть результата, не ошибка вызова
	var out map[string]any
	if err := convert(res, &out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return structpb.NewStruct(out)
}

func convert(from, to any) error {
	b, err := json.Marshal(from)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return json.Unmarshal(b, to)
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*OrchestratorServer)
	if interceptor == nil {
		return s.Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ExecuteMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return s.Execute(ctx, req.(*structpb.Struct))
	})
}

var orchestratorServiceDesc = grpc.ServiceDesc{
	ServiceName: "ledger.v1.OrchestratorService",
	HandlerType: (*orchestratorService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ledger/v1/orchestrator.proto",
}
