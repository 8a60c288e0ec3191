package registry

import (
	"cmp"
	"maps"
	"slices"
	"sync"

	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"go.uber.org/zap"
)

// Route: статический маршрут, лид и навыки, которые он обслуживает.
type Route struct {
	Agent        domain.AgentID
	Capabilities []domain.Capability
}

// Идентификаторы агентов верхнего уровня.
const (
	AccountsPayableLead    domain.AgentID = "accounts_payable_lead"
	AccountsReceivableLead domain.AgentID = "accounts_receivable_lead"
	ReconciliationLead     domain.AgentID = "reconciliation_lead"
	ReportingLead          domain.AgentID = "reporting_lead"
	ComplianceLead         domain.AgentID = "compliance_lead"
	IntegrationLead        domain.AgentID = "integration_lead"
	DataETLLead            domain.AgentID = "data_etl_lead"
	SupportLead            domain.AgentID = "support_lead"
	CFO                    domain.AgentID = "cfo"
	Generalist             domain.AgentID = "generalist"
)

// DefaultRoutes: таблица маршрутизации лидов. Порядок важен: при регистрации
// первый объявивший навык становится его владельцем.
var DefaultRoutes = []Route{
	{AccountsPayableLead, []domain.Capability{domain.CapInvoiceParsing, domain.CapInvoiceValidation, domain.CapPaymentProcessing}},
	{ReconciliationLead, []domain.Capability{domain.CapTransactionMatching, domain.CapDiscrepancyDetection}},
	{ReportingLead, []domain.Capability{domain.CapReportGeneration}},
	{ComplianceLead, []domain.Capability{domain.CapTaxComplianceCheck, domain.CapAuditPreparation}},
	{IntegrationLead, []domain.Capability{domain.CapBankSync, domain.CapAccountingSync}},
	{DataETLLead, []domain.Capability{domain.CapDataImport, domain.CapDataTransformation}},
	{SupportLead, []domain.Capability{domain.CapUserAssistance, domain.CapErrorRecovery}},
}

// Registry: таблица "навык -> агент" в памяти. Наполняется при старте
// (статические лиды, затем воркеры из каталога) и дальше только читается.
type Registry struct {
	mu sync.RWMutex
	// Кэш: capability -> agent_id
	routes map[domain.Capability]domain.AgentID
	// Листовые воркеры из каталога
	workers map[domain.AgentID]domain.WorkerMetadata

	defaultAgent domain.AgentID
	logger       *zap.Logger
}

func New(defaultAgent domain.AgentID, logger *zap.Logger) *Registry {
	if defaultAgent == "" {
		defaultAgent = Generalist
	}
	return &Registry{
		routes:       make(map[domain.Capability]domain.AgentID),
		workers:      make(map[domain.AgentID]domain.WorkerMetadata),
		defaultAgent: defaultAgent,
		logger:       logger.Named("registry"),
	}
}

// Register закрепляет навыки за агентом. Уже занятые навыки не перезаписываются,
// их список возвращается вызывающему.
func (r *Registry) Register(agentID domain.AgentID, caps ...domain.Capability) []domain.Capability {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(agentID, caps)
}

func (r *Registry) registerLocked(agentID domain.AgentID, caps []domain.Capability) []domain.Capability {
	var taken []domain.Capability
	for _, c := range caps {
		if owner, ok := r.routes[c]; ok {
			if owner != agentID {
				taken = append(taken, c)
			}
			continue
		}
		r.routes[c] = agentID
	}
	return taken
}

// RegisterRoutes загружает статическую таблицу лидов.
func (r *Registry) RegisterRoutes(routes []Route) {
	for _, rt := range routes {
		if taken := r.Register(rt.Agent, rt.Capabilities...); len(taken) > 0 {
			r.logger.Warn("capabilities already routed", zap.String("agent_id", string(rt.Agent)), zap.Any("capabilities", taken))
		}
	}
}

// RegisterWorkers добавляет воркеров каталога. Навыки, которые уже обслуживает лид,
// остаются за лидом; воркер получает только свободные.
func (r *Registry) RegisterWorkers(workers []domain.WorkerMetadata) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	routed := 0
	for _, w := range workers {
		r.workers[w.ID] = w
		before := len(r.routes)
		r.registerLocked(w.ID, w.Capabilities)
		if len(r.routes) > before {
			routed++
		}
	}
	r.logger.Info("worker catalog registered",
		zap.Int("workers", len(workers)),
		zap.Int("routed_workers", routed),
		zap.Int("routes", len(r.routes)),
	)
	return routed
}

// Resolve: детерминированный first-match. Первый навык из списка, у которого есть маршрут,
// определяет агента. Если не подошел ни один: агент по умолчанию (никогда не ошибка).
func (r *Registry) Resolve(caps []domain.Capability) domain.AgentID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range caps {
		if id, ok := r.routes[c]; ok {
			return id
		}
	}
	return r.defaultAgent
}

// Lookup возвращает владельца конкретного навыка.
func (r *Registry) Lookup(c domain.Capability) (domain.AgentID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.routes[c]
	return id, ok
}

func (r *Registry) Default() domain.AgentID {
	return r.defaultAgent
}

// Worker отдает метаданные воркера для ленивого создания в рантайме.
func (r *Registry) Worker(id domain.AgentID) (domain.WorkerMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	return w, ok
}

// Workers возвращает воркеров, отсортированных по id. Пустой parent: все воркеры.
func (r *Registry) Workers(parent domain.AgentID) []domain.WorkerMetadata {
	r.mu.RLock()
	out := make([]domain.WorkerMetadata, 0, len(r.workers))
	for _, w := range r.workers {
		if parent == "" || w.ParentID == parent {
			out = append(out, w)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.WorkerMetadata) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Routes: снимок таблицы маршрутизации.
func (r *Registry) Routes() map[domain.Capability]domain.AgentID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.routes)
}
