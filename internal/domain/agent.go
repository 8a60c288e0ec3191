package domain

import (
	"slices"
	"time"
)

// AgentID: идентификатор агента (лиды статические, воркеры из каталога).
type AgentID string

// Capability: тег навыка, по которому задачи маршрутизируются к агентам.
type Capability string

// CapabilityAny объявляет агента-универсала: он принимает задачу с любыми тегами.
const CapabilityAny Capability = "*"

// Статусы State Machine агента
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
	AgentError   AgentStatus = "error" // Достижим только при включенном fault_threshold
)

// AgentProfile: снимок состояния агента. Инвариант: CurrentTask != "" <=> Status == busy.
type AgentProfile struct {
	ID           AgentID        `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Capabilities []Capability   `json:"capabilities"`
	Status       AgentStatus    `json:"status"`
	CurrentTask  string         `json:"current_task,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	LastActivity time.Time `json:"last_activity"`
}

// Has проверяет, объявлен ли навык в профиле.
func (p AgentProfile) Has(c Capability) bool {
	return slices.Contains(p.Capabilities, c) || slices.Contains(p.Capabilities, CapabilityAny)
}

// WorkerMetadata: статическое описание листового воркера из каталога.
type WorkerMetadata struct {
	ID           AgentID      `json:"id" yaml:"id"`
	Name         string       `json:"name" yaml:"name"`
	Description  string       `json:"description" yaml:"description"`
	ParentID     AgentID      `json:"parent_id" yaml:"parent_id"`
	Domain       string       `json:"domain" yaml:"domain"`
	Capabilities []Capability `json:"capabilities" yaml:"capabilities"`
}
