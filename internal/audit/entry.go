package audit

import (
	"context"
	"time"

	"github.com/xela07ax/ledger-orchestrator/internal/domain"
)

// Действия, которые пишет слой оркестрации
const (
	ActionTaskCompleted            = "task_completed"
	ActionTaskFailed               = "task_failed"
	ActionTenantIsolationViolation = "tenant_isolation_violation"
	ActionOrchestrationCompleted   = "orchestration_completed"
)

// Entry: запись аудита. Пишется один раз, не изменяется и не удаляется.
type Entry struct {
	ID         string         `json:"id"`       // UUID события
	TraceID    string         `json:"trace_id"` // Сквозной ID запроса
	TenantID   string         `json:"tenant_id"`
	UserID     string         `json:"user_id"`
	AgentID    domain.AgentID `json:"agent_id"` // Кто делал
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Details    map[string]any `json:"details"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Filter: параметры выборки; пустые поля не фильтруют.
type Filter struct {
	TenantID string
	UserID   string
	AgentID  domain.AgentID
	Action   string
	EntityID string
	Since    time.Time
	Until    time.Time
	Limit    int
}

const DefaultQueryLimit = 100

// Matches применяет фильтр к записи (для in-memory хранилища).
func (f Filter) Matches(e Entry) bool {
	switch {
	case f.TenantID != "" && e.TenantID != f.TenantID:
		return false
	case f.UserID != "" && e.UserID != f.UserID:
		return false
	case f.AgentID != "" && e.AgentID != f.AgentID:
		return false
	case f.Action != "" && e.Action != f.Action:
		return false
	case f.EntityID != "" && e.EntityID != f.EntityID:
		return false
	case !f.Since.IsZero() && e.Timestamp.Before(f.Since):
		return false
	case !f.Until.IsZero() && e.Timestamp.After(f.Until):
		return false
	}
	return true
}

// Recorder: запись аудита. Никогда не возвращает ошибку: сбой аудита не должен
// блокировать или ронять исполнение задач.
type Recorder interface {
	Record(ctx context.Context, entry Entry)
}

// Store определяет, куда физически будут сохраняться записи
type Store interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, entries []Entry) error
	// Query возвращает записи по фильтру, отсортированные по времени по убыванию
	Query(ctx context.Context, f Filter) ([]Entry, error)
}
