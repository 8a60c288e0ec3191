package domain

import (
	"errors"
	"time"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var ErrInvalidTask = errors.New("invalid task descriptor")

// TaskDescriptor неизменяем после передачи агенту: агент получает копию по значению.
type TaskDescriptor struct {
	ID                   string         `json:"id"`
	Name                 string         `json:"name"`
	Description          string         `json:"description"`
	RequiredCapabilities []Capability   `json:"required_capabilities"`
	Input                map[string]any `json:"input"`
	TenantID             string         `json:"tenant_id"`
	Priority             Priority       `json:"priority"`
	Status               TaskStatus     `json:"status"`
	Dependencies         []string       `json:"dependencies"`
	CreatedAt            time.Time      `json:"created_at"`
}

// Validate проверяет обязательные поля дескриптора.
func (t TaskDescriptor) Validate() error {
	if t.ID == "" {
		return errors.Join(ErrInvalidTask, errors.New("id is required"))
	}
	if len(t.RequiredCapabilities) == 0 {
		return errors.Join(ErrInvalidTask, errors.New("required_capabilities must not be empty"))
	}
	return nil
}

// TaskResult формируется ровно один раз на попытку исполнения,
// в том числе при ошибке (исключения наружу не пробрасываются).
type TaskResult struct {
	TaskID     string         `json:"task_id"`
	AgentID    AgentID        `json:"agent_id"`
	Success    bool           `json:"success"`
	Output     map[string]any `json:"output"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// Failed собирает результат неудачной попытки из ошибки.
func Failed(taskID string, agentID AgentID, err error, d time.Duration) TaskResult {
	return TaskResult{
		TaskID:     taskID,
		AgentID:    agentID,
		Success:    false,
		Output:     map[string]any{},
		Error:      err.Error(),
		ErrorKind:  Kind(err),
		DurationMs: d.Milliseconds(),
	}
}

// AgentRun: запись о попытке исполнения для персистентного слоя.
type AgentRun struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	AgentID     AgentID    `json:"agent_id"`
	TaskID      string     `json:"task_id"`
	Status      TaskStatus `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at"`
	DurationMs  int64      `json:"duration_ms"`
	Error       string     `json:"error,omitempty"`
}
