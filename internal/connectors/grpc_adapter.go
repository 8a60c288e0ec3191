package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ExecuteMethod: унарный метод сервиса коннектора. Запрос и ответ в формате google.protobuf.Struct:
// {"capability_id": ..., "payload": {...}, "metadata": {...}} -> {"status_code": 0, "result": {...}}.
const ExecuteMethod = "/connector.v1.ConnectorService/Execute"

type GRPCAdapter struct {
	conn    grpc.ClientConnInterface
	source  string
	timeout time.Duration
}

// NewGRPCAdapter создает экземпляр адаптера
func NewGRPCAdapter(conn grpc.ClientConnInterface, source string) *GRPCAdapter {
	return &GRPCAdapter{conn: conn, source: source, timeout: 15 * time.Second}
}

// Call реализует интерфейс Connector
func (a *GRPCAdapter) Call(ctx context.Context, capID string, payload []byte) ([]byte, error) {
	// 1. Конвертируем JSON-байты в Protobuf Struct
	m := map[string]interface{}{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}

	req, err := structpb.NewStruct(map[string]interface{}{
		"capability_id": capID,
		"payload":       m,
		"metadata":      map[string]interface{}{"source": a.source},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create proto struct: %w", err)
	}

	// 2. Устанавливаем защитный таймаут на уровне вызова
	// Даже если ReliabilityWrapper имеет свой, адаптер должен иметь свой предел
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	// 3. Выполняем gRPC вызов к коннектору
	resp := &structpb.Struct{}
	if err := a.conn.Invoke(ctx, ExecuteMethod, req, resp); err != nil {
		if status.Code(err) == codes.ResourceExhausted {
			return nil, &ThrottleError{RetryAfter: time.Second, Cause: err}
		}
		return nil, fmt.Errorf("connector call failed: %w", err)
	}

	// 4. Проверяем статус внутри ответа
	fields := resp.AsMap()
	if code, _ := fields["status_code"].(float64); code != 0 {
		return nil, fmt.Errorf("connector returned error [%d]: %v", int(code), fields["error_message"])
	}

	// 5. Маршалим результат обратно в JSON
	resultBytes, err := json.Marshal(fields["result"])
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return resultBytes, nil
}
