package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(Generalist, zap.NewNop())
	r.RegisterRoutes(DefaultRoutes)
	workers, err := LoadCatalog("")
	require.NoError(t, err)
	r.RegisterWorkers(workers)
	return r
}

func TestResolve_FirstMatchByListOrder(t *testing.T) {
	r := newTestRegistry(t)

	tests := []struct {
		name string
		caps []domain.Capability
		want domain.AgentID
	}{
		{"single lead capability", []domain.Capability{domain.CapPaymentProcessing}, AccountsPayableLead},
		{"order decides ties", []domain.Capability{domain.CapReportGeneration, domain.CapInvoiceParsing}, ReportingLead},
		{"order decides ties reversed", []domain.Capability{domain.CapInvoiceParsing, domain.CapReportGeneration}, AccountsPayableLead},
		{"unknown first is skipped", []domain.Capability{"crypto_mining", domain.CapBankSync}, IntegrationLead},
		{"worker-owned capability", []domain.Capability{domain.CapForecasting}, "cfo_strategic_planner"},
		{"unknown routes to default", []domain.Capability{"crypto_mining"}, Generalist},
		{"empty routes to default", nil, Generalist},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Resolve(tt.caps))
		})
	}
}

func TestRegister_DoesNotOverrideExistingRoute(t *testing.T) {
	r := New("", zap.NewNop())
	assert.Equal(t, Generalist, r.Default())

	taken := r.Register("a", domain.CapBankSync, domain.CapAccountingSync)
	assert.Empty(t, taken)

	taken = r.Register("b", domain.CapAccountingSync, domain.CapDataImport)
	assert.Equal(t, []domain.Capability{domain.CapAccountingSync}, taken)

	owner, ok := r.Lookup(domain.CapAccountingSync)
	require.True(t, ok)
	assert.Equal(t, domain.AgentID("a"), owner)

	owner, ok = r.Lookup(domain.CapDataImport)
	require.True(t, ok)
	assert.Equal(t, domain.AgentID("b"), owner)

	// Повторная регистрация своим же агентом не считается конфликтом
	assert.Empty(t, r.Register("a", domain.CapBankSync))
}

func TestRegisterWorkers_LeadsKeepTheirCapabilities(t *testing.T) {
	r := newTestRegistry(t)

	owner, _ := r.Lookup(domain.CapInvoiceParsing)
	assert.Equal(t, AccountsPayableLead, owner)

	w, ok := r.Worker("ap_invoice_parser")
	require.True(t, ok)
	assert.Equal(t, AccountsPayableLead, w.ParentID)
	assert.Equal(t, "Invoice Parser", w.Name)
	assert.Equal(t, []domain.Capability{domain.CapInvoiceParsing, domain.CapDocumentParsing}, w.Capabilities)

	// document_parsing не занят лидом, поэтому достается первому воркеру каталога
	owner, _ = r.Lookup(domain.CapDocumentParsing)
	assert.Equal(t, domain.AgentID("ap_invoice_parser"), owner)
}

func TestWorkers_FilterByParent(t *testing.T) {
	r := newTestRegistry(t)

	all := r.Workers("")
	assert.Len(t, all, 100)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].ID, all[i].ID)
	}

	support := r.Workers(SupportLead)
	assert.Len(t, support, 6)
	for _, w := range support {
		assert.Equal(t, "support", w.Domain)
	}
}

func TestParseCatalog(t *testing.T) {
	data := []byte(`
domains:
  - domain: ops
    workers:
      - type: night-batch
      - type: ledger-closer
        name: Closer
        capabilities: [report_generation]
`)
	workers, err := ParseCatalog(data)
	require.NoError(t, err)
	require.Len(t, workers, 2)

	assert.Equal(t, domain.AgentID("ops_night_batch"), workers[0].ID)
	assert.Equal(t, "Night Batch", workers[0].Name)
	assert.Equal(t, "Night Batch worker for ops", workers[0].Description)
	assert.Equal(t, Generalist, workers[0].ParentID)
	assert.Equal(t, []domain.Capability{domain.CapDataValidation}, workers[0].Capabilities)

	assert.Equal(t, "Closer", workers[1].Name)
	assert.Equal(t, []domain.Capability{domain.CapReportGeneration}, workers[1].Capabilities)
}

func TestParseCatalog_Errors(t *testing.T) {
	_, err := ParseCatalog([]byte("domains: [\n"))
	assert.Error(t, err)

	_, err = ParseCatalog([]byte(`
domains:
  - domain: ap
    workers:
      - type: a
      - type: a
`))
	assert.ErrorContains(t, err, "duplicate worker")

	_, err = LoadCatalog("/nonexistent/workers.yaml")
	assert.Error(t, err)
}
