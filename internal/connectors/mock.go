package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2" // Используем v2 для Go 1.25
	"time"
)

// MockSystemsConnector имитирует внешние финансовые сервисы для локального запуска.
type MockSystemsConnector struct {
	// MaxLatency: верхняя граница имитируемой задержки (0: без задержки)
	MaxLatency time.Duration
}

func (c *MockSystemsConnector) Call(ctx context.Context, capID string, payload []byte) ([]byte, error) {
	if c.MaxLatency > 0 {
		latency := time.Duration(rand.Int64N(int64(c.MaxLatency)))
		select {
		case <-time.After(latency):
			// Имитация работы
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var in map[string]interface{}
	_ = json.Unmarshal(payload, &in)

	switch capID {
	case "payments.charge":
		return json.Marshal(map[string]interface{}{
			"status":     "paid",
			"invoice_id": in["invoice_id"],
			"method":     in["payment_method"],
			"paid_at":    time.Now().UTC().Format(time.RFC3339),
		})
	case "documents.ocr":
		return json.Marshal(map[string]interface{}{
			"text":       fmt.Sprintf("INVOICE %v", in["document_id"]),
			"confidence": 0.93,
		})
	case "accounting.sync":
		return json.Marshal(map[string]interface{}{"status": "synced", "provider": in["provider"]})
	case "banking.sync":
		return json.Marshal(map[string]interface{}{"status": "synced", "transactions_imported": 0})
	case "unstable.service":
		return nil, fmt.Errorf("service internal error")
	default:
		return nil, fmt.Errorf("capability %s not supported by connector", capID)
	}
}
