package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type connectorService interface {
	Execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// fakeService отвечает через функцию, заданную в тесте
type fakeService struct {
	fn  func(in map[string]any) (*structpb.Struct, error)
	got map[string]any
}

func (s *fakeService) Execute(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	s.got = in.AsMap()
	return s.fn(s.got)
}

func startConnector(t *testing.T, svc *fakeService) *grpc.ClientConn {
	t.Helper()
	desc := grpc.ServiceDesc{
		ServiceName: "connector.v1.ConnectorService",
		HandlerType: (*connectorService)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Execute",
			Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := new(structpb.Struct)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(connectorService).Execute(ctx, in)
			},
		}},
	}

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	gs.RegisterService(&desc, svc)
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

func TestGRPCAdapter_Call(t *testing.T) {
	svc := &fakeService{fn: func(in map[string]any) (*structpb.Struct, error) {
		return structpb.NewStruct(map[string]any{
			"status_code": 0,
			"result":      map[string]any{"status": "paid", "invoice_id": in["payload"].(map[string]any)["invoice_id"]},
		})
	}}
	a := NewGRPCAdapter(startConnector(t, svc), "ledger-test")

	raw, err := a.Call(context.Background(), "payments.charge", []byte(`{"invoice_id":"INV-7","amount":120}`))
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "paid", out["status"])
	assert.Equal(t, "INV-7", out["invoice_id"])

	// Запрос уходит в формате capability_id + payload + metadata
	assert.Equal(t, "payments.charge", svc.got["capability_id"])
	assert.Equal(t, map[string]any{"source": "ledger-test"}, svc.got["metadata"])
}

func TestGRPCAdapter_Errors(t *testing.T) {
	t.Run("status code in response", func(t *testing.T) {
		svc := &fakeService{fn: func(map[string]any) (*structpb.Struct, error) {
			return structpb.NewStruct(map[string]any{"status_code": 502, "error_message": "bank unavailable"})
		}}
		a := NewGRPCAdapter(startConnector(t, svc), "ledger-test")

		_, err := a.Call(context.Background(), "banking.sync", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "[502]")
		assert.Contains(t, err.Error(), "bank unavailable")
	})

	t.Run("resource exhausted becomes throttle", func(t *testing.T) {
		svc := &fakeService{fn: func(map[string]any) (*structpb.Struct, error) {
			return nil, status.Error(codes.ResourceExhausted, "slow down")
		}}
		a := NewGRPCAdapter(startConnector(t, svc), "ledger-test")

		_, err := a.Call(context.Background(), "payments.charge", []byte(`{}`))
		var tErr *ThrottleError
		require.ErrorAs(t, err, &tErr)
		assert.Equal(t, time.Second, tErr.RetryAfter)
		assert.Equal(t, codes.ResourceExhausted, status.Code(errors.Unwrap(err)))
	})

	t.Run("invalid payload", func(t *testing.T) {
		a := NewGRPCAdapter(nil, "ledger-test")
		_, err := a.Call(context.Background(), "payments.charge", []byte(`not json`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unmarshal payload")
	})
}

func TestMockSystemsConnector(t *testing.T) {
	c := &MockSystemsConnector{}

	raw, err := c.Call(context.Background(), "payments.charge", []byte(`{"invoice_id":"INV-1","payment_method":"ach"}`))
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "paid", out["status"])
	assert.Equal(t, "ach", out["method"])

	_, err = c.Call(context.Background(), "unstable.service", nil)
	require.Error(t, err)

	_, err = c.Call(context.Background(), "unknown.capability", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}

func TestMockSystemsConnector_RespectsContext(t *testing.T) {
	c := &MockSystemsConnector{MaxLatency: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Call(ctx, "payments.charge", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFunc(t *testing.T) {
	var c Connector = Func(func(_ context.Context, capID string, _ []byte) ([]byte, error) {
		return []byte(`"` + capID + `"`), nil
	})
	raw, err := c.Call(context.Background(), "documents.ocr", nil)
	require.NoError(t, err)
	assert.Equal(t, `"documents.ocr"`, string(raw))
}
