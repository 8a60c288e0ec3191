package orchestrator

import (
	"time"

	"github.com/xela07ax/ledger-orchestrator/internal/domain"
)

// EventType: переход исполнения, который видят стриминговые клиенты.
type EventType string

const (
	EventPlanStarted   EventType = "plan_started"
	EventTaskStarted   EventType = "task_started"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventTaskSkipped   EventType = "task_skipped"
	EventPlanCompleted EventType = "plan_completed"
)

// Event компактен, чтобы транспорт (SSE, логи, метрики) мог отобразить его как есть.
type Event struct {
	Type            EventType          `json:"type"`
	ConstellationID string             `json:"constellation_id"`
	TaskID          string             `json:"task_id,omitempty"`
	TaskName        string             `json:"task_name,omitempty"`
	AgentID         domain.AgentID     `json:"agent_id,omitempty"`
	Reason          string             `json:"reason,omitempty"`
	Task            *domain.TaskResult `json:"result,omitempty"`
	Final           *Result            `json:"final,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`
}

// Observer получает события синхронно, в порядке исполнения.
// Не должен блокироваться надолго: оркестрация ждет возврата.
type Observer func(Event)

func (o Observer) emit(e Event) {
	if o == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	o(e)
}
