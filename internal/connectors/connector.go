package connectors

import "context"

// Connector: вызов внешней зависимости (платежи, учетная система, OCR, банк).
// Payload и ответ: JSON.
type Connector interface {
	Call(ctx context.Context, capID string, payload []byte) ([]byte, error)
}

// Func позволяет использовать функцию как Connector.
type Func func(ctx context.Context, capID string, payload []byte) ([]byte, error)

func (f Func) Call(ctx context.Context, capID string, payload []byte) ([]byte, error) {
	return f(ctx, capID, payload)
}
