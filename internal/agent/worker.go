package agent

import (
	"context"
	"time"

	"github.com/xela07ax/ledger-orchestrator/internal/domain"
)

// WorkerConfig строит листового воркера из метаданных каталога.
// У воркера один обобщенный обработчик: он исполняет первый навык задачи.
func WorkerConfig(meta domain.WorkerMetadata) Config {
	return Config{
		ID:           meta.ID,
		Name:         meta.Name,
		Description:  meta.Description,
		Capabilities: meta.Capabilities,
		Metadata: map[string]any{
			"type":      "worker",
			"domain":    meta.Domain,
			"parent_id": string(meta.ParentID),
		},
		Fallback: genericWorker(meta),
	}
}

func genericWorker(meta domain.WorkerMetadata) Handler {
	return func(_ context.Context, _ domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
		capability := task.RequiredCapabilities[0]
		return map[string]any{
			"worker_id":    string(meta.ID),
			"worker_name":  meta.Name,
			"capability":   string(capability),
			"message":      string(capability) + " completed by " + meta.Name,
			"processed_at": time.Now().UTC().Format(time.RFC3339),
		}, nil
	}
}
