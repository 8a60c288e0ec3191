package agent

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"github.com/xela07ax/ledger-orchestrator/internal/llm"
	"github.com/xela07ax/ledger-orchestrator/internal/registry"
	"github.com/xela07ax/ledger-orchestrator/internal/resilience"
	"github.com/xela07ax/ledger-orchestrator/internal/risk"
)

// Leads собирает конфигурации лидов верхнего уровня с таблицами обработчиков.
func Leads(tk *Toolkit) []Config {
	if tk.Risk == nil {
		tk.Risk = risk.NewAnalyzer(nil, tk.logger())
	}
	ap := &payablesHandlers{tk: tk}
	return []Config{
		{
			ID:          registry.AccountsPayableLead,
			Name:        "Accounts Payable Lead",
			Description: "Vendor invoice intake, validation, categorization and payment",
			Capabilities: []domain.Capability{
				domain.CapInvoiceParsing, domain.CapInvoiceValidation, domain.CapInvoiceCategorization,
				domain.CapInvoiceApproval, domain.CapPaymentProcessing,
			},
			Handlers: map[domain.Capability]Handler{
				domain.CapInvoiceParsing:        ap.parseInvoice,
				domain.CapInvoiceValidation:     ap.validateInvoice,
				domain.CapInvoiceCategorization: ap.categorizeInvoice,
				domain.CapInvoiceApproval:       ap.checkApproval,
				domain.CapPaymentProcessing:     ap.processPayment,
			},
		},
		{
			ID:           registry.AccountsReceivableLead,
			Name:         "Accounts Receivable Lead",
			Description:  "Customer invoicing and incoming payments",
			Capabilities: []domain.Capability{domain.CapInvoiceParsing, domain.CapInvoiceValidation, domain.CapPaymentProcessing},
			Handlers: map[domain.Capability]Handler{
				domain.CapInvoiceParsing:    generateCustomerInvoice,
				domain.CapInvoiceValidation: validateCustomerInvoice,
				domain.CapPaymentProcessing: recordCustomerPayment,
			},
		},
		{
			ID:           registry.ReconciliationLead,
			Name:         "Reconciliation Lead",
			Description:  "Bank-to-ledger matching and discrepancy handling",
			Capabilities: []domain.Capability{domain.CapTransactionMatching, domain.CapDiscrepancyDetection, domain.CapDiscrepancyResolution},
			Handlers: map[domain.Capability]Handler{
				domain.CapTransactionMatching:   matchTransactions,
				domain.CapDiscrepancyDetection:  detectDiscrepancies,
				domain.CapDiscrepancyResolution: resolveDiscrepancy,
			},
		},
		{
			ID:           registry.ReportingLead,
			Name:         "Reporting Lead",
			Description:  "Financial report generation and analysis",
			Capabilities: []domain.Capability{domain.CapReportGeneration, domain.CapReportAnalysis},
			Handlers: map[domain.Capability]Handler{
				domain.CapReportGeneration: generateReport,
				domain.CapReportAnalysis:   tk.analyzeReport,
			},
		},
		{
			ID:           registry.ComplianceLead,
			Name:         "Compliance Lead",
			Description:  "Tax compliance, audit preparation and policy enforcement",
			Capabilities: []domain.Capability{domain.CapTaxComplianceCheck, domain.CapAuditPreparation, domain.CapPolicyEnforcement},
			Handlers: map[domain.Capability]Handler{
				domain.CapTaxComplianceCheck: checkTaxCompliance,
				domain.CapAuditPreparation:   prepareAudit,
				domain.CapPolicyEnforcement:  tk.enforcePolicy,
			},
		},
		{
			ID:           registry.IntegrationLead,
			Name:         "Integration Lead",
			Description:  "Bank, accounting and payment gateway synchronization",
			Capabilities: []domain.Capability{domain.CapBankSync, domain.CapAccountingSync, domain.CapPaymentGateway},
			Handlers: map[domain.Capability]Handler{
				domain.CapBankSync:       tk.syncBank,
				domain.CapAccountingSync: tk.syncAccounting,
				domain.CapPaymentGateway: processGateway,
			},
		},
		{
			ID:           registry.DataETLLead,
			Name:         "Data ETL Lead",
			Description:  "Data import, transformation and validation",
			Capabilities: []domain.Capability{domain.CapDataImport, domain.CapDataTransformation, domain.CapDataValidation},
			Handlers: map[domain.Capability]Handler{
				domain.CapDataImport:         importData,
				domain.CapDataTransformation: transformData,
				domain.CapDataValidation:     validateData,
			},
		},
		{
			ID:           registry.SupportLead,
			Name:         "Support Lead",
			Description:  "User assistance, error recovery and escalation",
			Capabilities: []domain.Capability{domain.CapUserAssistance, domain.CapErrorRecovery, domain.CapEscalationHandling},
			Handlers: map[domain.Capability]Handler{
				domain.CapUserAssistance:     tk.assistUser,
				domain.CapErrorRecovery:      recoverFromError,
				domain.CapEscalationHandling: handleEscalation,
			},
		},
		{
			ID:           registry.CFO,
			Name:         "CFO",
			Description:  "Strategic financial planning, forecasting and analysis",
			Capabilities: []domain.Capability{domain.CapForecasting, domain.CapReportAnalysis, domain.CapReportGeneration},
			Handlers: map[domain.Capability]Handler{
				domain.CapForecasting:      forecastCashFlow,
				domain.CapReportAnalysis:   tk.analyzeReport,
				domain.CapReportGeneration: strategicReport,
			},
		},
	}
}

// Generalist: агент по умолчанию, принимает задачу с любыми навыками и отвечает через модель.
func Generalist(tk *Toolkit) Config {
	return Config{
		ID:           registry.Generalist,
		Name:         "Generalist",
		Description:  "Default handler for requests no specialist claims",
		Capabilities: []domain.Capability{domain.CapabilityAny},
		Fallback:     tk.answerDirectly,
	}
}

// --- Accounts payable ---

type payablesHandlers struct {
	tk *Toolkit
}

func (h *payablesHandlers) parseInvoice(ctx context.Context, _ domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	text := str(task.Input, "ocr_text", "text")

	// 1. Нет текста: распознаем документ через OCR-провайдера
	if text == "" {
		docID := str(task.Input, "document_id")
		if docID == "" {
			return nil, errors.New("ocr_text or document_id is required")
		}
		ocr, err := h.tk.call(ctx, resilience.DepDocuments, "documents.ocr", map[string]any{"document_id": docID})
		if err != nil {
			return nil, fmt.Errorf("ocr document %s: %w", docID, err)
		}
		text = str(ocr, "text")
	}

	// 2. Извлекаем поля счета моделью
	inv, err := llm.ParseInvoice(ctx, h.tk.completer(), text)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"invoice_data":    inv,
		"requires_review": num(inv["confidence"]) < 0.8,
	}, nil
}

func (h *payablesHandlers) validateInvoice(_ context.Context, _ domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	invoice := obj(task.Input, "invoice")
	if invoice == nil {
		return nil, errors.New("invoice is required")
	}

	errs := []string{}
	if str(invoice, "vendor_name") == "" {
		errs = append(errs, "Vendor name is required")
	}
	if str(invoice, "invoice_number") == "" {
		errs = append(errs, "Invoice number is required")
	}
	amount := num(invoice["amount"])
	if amount <= 0 {
		errs = append(errs, "Amount must be positive")
	}
	if str(invoice, "due_date") == "" {
		errs = append(errs, "Due date is required")
	}
	// Сумма строк должна сходиться с итогом (допуск 1 цент)
	if items := list(invoice, "line_items"); len(items) > 0 {
		var total float64
		for _, it := range items {
			total += num(it["amount"])
		}
		if math.Abs(total-amount) > 1 {
			errs = append(errs, "Line items do not sum to total amount")
		}
	}

	return map[string]any{"valid": len(errs) == 0, "errors": errs, "invoice": invoice}, nil
}

func (h *payablesHandlers) categorizeInvoice(ctx context.Context, _ domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	invoice := obj(task.Input, "invoice")
	if invoice == nil {
		return nil, errors.New("invoice is required")
	}

	items := list(invoice, "line_items")
	categorized := make([]map[string]any, 0, len(items))
	for _, it := range items {
		cat, err := llm.CategorizeExpense(ctx, h.tk.completer(), str(it, "description"))
		if err != nil {
			return nil, err
		}
		item := maps.Clone(it)
		item["category"] = cat
		categorized = append(categorized, item)
	}

	out := maps.Clone(invoice)
	out["line_items"] = categorized
	return map[string]any{"invoice": out, "categorized": true}, nil
}

func (h *payablesHandlers) checkApproval(_ context.Context, _ domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	findings := h.tk.Risk.Evaluate(task.Input)
	return map[string]any{
		"requires_approval": len(findings) > 0,
		"findings":          findings,
	}, nil
}

func (h *payablesHandlers) processPayment(ctx context.Context, tc domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	invoiceID := str(task.Input, "invoice_id")
	if invoiceID == "" {
		return nil, errors.New("invoice_id is required")
	}
	method := strOr(task.Input, "payment_method", "stripe")

	// 1. Крупный платеж без подтверждения не проводим, а ставим в очередь на HITL
	if findings := h.tk.Risk.Evaluate(task.Input); len(findings) > 0 && task.Input["approved"] != true {
		return map[string]any{
			"invoice_id":     invoiceID,
			"payment_method": method,
			"status":         "pending_approval",
			"findings":       findings,
		}, nil
	}

	// 2. Проводим платеж через платежного провайдера
	res, err := h.tk.call(ctx, resilience.DepPayments, "payments.charge", map[string]any{
		"tenant_id":      tc.TenantID,
		"invoice_id":     invoiceID,
		"payment_method": method,
		"amount":         task.Input["amount"],
	})
	if err != nil {
		return nil, fmt.Errorf("charge invoice %s: %w", invoiceID, err)
	}
	return map[string]any{
		"invoice_id":     invoiceID,
		"payment_method": method,
		"status":         strOr(res, "status", "paid"),
		"paid_at":        strOr(res, "paid_at", time.Now().UTC().Format(time.RFC3339)),
		"message":        "Payment processed successfully",
	}, nil
}

// --- Accounts receivable ---

func generateCustomerInvoice(_ context.Context, _ domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	return map[string]any{
		"invoice_id":  uuid.New().String(),
		"customer_id": str(task.Input, "customer_id"),
		"amount":      num(task.Input["amount"]),
		"message":     "Customer invoice generated",
	}, nil
}

func validateCustomerInvoice(_ context.Context, _ domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	invoice := obj(task.Input, "invoice")
	if invoice == nil {
		return nil, errors.New("invoice is required")
	}
	errs := []string{}
	if str(invoice, "customer_name") == "" {
		errs = append(errs, "Customer name is required")
	}
	if str(invoice, "invoice_number") == "" {
		errs = append(errs, "Invoice number is required")
	}
	if num(invoice["amount"]) <= 0 {
		errs = append(errs, "Amount must be positive")
	}
	return map[string]any{"valid": len(errs) == 0, "errors": errs, "invoice": invoice}, nil
}

func recordCustomerPayment(_ context.Context, _ domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	invoiceID := str(task.Input, "invoice_id")
	if invoiceID == "" {
		return nil, errors.New("invoice_id is required")
	}
	return map[string]any{
		"invoice_id":  invoiceID,
		"amount":      num(task.Input["amount"]),
		"status":      "recorded",
		"recorded_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// --- Reconciliation ---

// reconcile сопоставляет банковские операции с проводками по сумме (с точностью до цента).
func reconcile(in map[string]any) (matched []map[string]any, unmatchedBank, unmatchedLedger []map[string]any) {
	ledger := list(in, "ledger_entries")
	used := make([]bool, len(ledger))

	for _, tx := range list(in, "bank_transactions") {
		found := -1
		for i, e := range ledger {
			if !used[i] && math.Abs(num(tx["amount"])-num(e["amount"])) < 1 {
				found = i
				break
			}
		}
		if found == -1 {
			unmatchedBank = append(unmatchedBank, tx)
			continue
		}
		used[found] = true
		matched = append(matched, map[string]any{"bank": tx, "ledger": ledger[found]})
	}
	for i, e := range ledger {
		if !used[i] {
			unmatchedLedger = append(unmatchedLedger, e)
		}
	}
	return matched, unmatchedBank, unmatchedLedger
}

func matchTransactions(_ context.Context, _ domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	matched, ub, ul := reconcile(task.Input)
	return map[string]any{
		"account_id":      str(task.Input, "account_id"),
		"matched_count":   len(matched),
		"unmatched_count": len(ub) + len(ul),
		"matches":         matched,
		"message":         "Transaction matching completed",
	}, nil
}

func detectDiscrepancies(_ context.Context, _ domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	_, ub, ul := reconcile(task.Input)
	discrepancies := make([]map[string]any, 0, len(ub)+len(ul))
	for _, tx := range ub {
		discrepancies = append(discrepancies, map[string]any{"source": "bank", "item": tx, "reason": "no matching ledger entry"})
	}
	for _, e := range ul {
		discrepancies = append(discrepancies, map[string]any{"source": "ledger", "item": e, "reason": "no matching bank transaction"})
	}
	return map[string]any{"discrepancies_found": len(discrepancies), "discrepancies": discrepancies}, nil
}

func resolveDiscrepancy(_ context.Context, _ domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	id := str(task.Input, "discrepancy_id")
	if id == "" {
		return nil, errors.New("discrepancy_id is required")
	}
	return map[string]any{"discrepancy_id": id, "resolution": "resolved", "message": "Discrepancy resolved"}, nil
}

// --- Reporting / CFO ---

func generateReport(_ context.Context, tc domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	return map[string]any{
		"report_type":  strOr(task.Input, "report_type", "profit_loss"),
		"report_id":    uuid.New().String(),
		"tenant_id":    tc.TenantID,
		"generated_at": time.Now().UTC().Format(time.RFC3339),
		"message":      "Report generated successfully",
		"data":         map[string]any{},
	}, nil
}

func (tk *Toolkit) analyzeReport(ctx context.Context, _ domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	reportType := strOr(task.Input, "report_type", "financial")
	data := obj(task.Input, "data")
	if data == nil {
		data = map[string]any{}
	}
	analysis, err := llm.AnalyzeReport(ctx, tk.completer(), reportType, data)
	if err != nil {
		return nil, err
	}
	return map[string]any{"report_type": reportType, "analysis": analysis}, nil
}

func forecastCashFlow(_ context.Context, _ domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	return map[string]any{
		"forecast_period":   strOr(task.Input, "period", "12 months"),
		"forecasted_values": []any{},
		"message":           "Cash flow forecast generated",
	}, nil
}

func strategicReport(_ context.Context, _ domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	return map[string]any{
		"report_type": strOr(task.Input, "report_type", "strategic_summary"),
		"message":     "Strategic report generated",
	}, nil
}

// --- Compliance ---

func checkTaxCompliance(_ context.Context, _ domain.TenantContext, _ domain.TaskDescriptor) (map[string]any, error) {
	return map[string]any{"compliant": true, "issues": []string{}, "message": "Tax compliance check completed"}, nil
}

func prepareAudit(_ context.Context, _ domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	docs := list(task.Input, "documents")
	return map[string]any{"documents_prepared": len(docs), "message": "Audit documents prepared"}, nil
}

func (tk *Toolkit) enforcePolicy(_ context.Context, _ domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	violations := tk.Risk.Evaluate(task.Input)
	return map[string]any{
		"policy_id":  str(task.Input, "policy_id"),
		"compliant":  len(violations) == 0,
		"violations": violations,
	}, nil
}

// --- Integrations ---

func (tk *Toolkit) syncBank(ctx context.Context, tc domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	accountID := str(task.Input, "account_id")
	res, err := tk.call(ctx, resilience.DepBanking, "banking.sync", map[string]any{
		"tenant_id":  tc.TenantID,
		"account_id": accountID,
	})
	if err != nil {
		return nil, fmt.Errorf("bank sync: %w", err)
	}
	return map[string]any{
		"account_id":          accountID,
		"transactions_synced": num(res["transactions_imported"]),
		"message":             "Bank data synced successfully",
	}, nil
}

func (tk *Toolkit) syncAccounting(ctx context.Context, tc domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	system := strOr(task.Input, "system", "quickbooks")
	res, err := tk.call(ctx, resilience.DepAccounting, "accounting.sync", map[string]any{
		"tenant_id": tc.TenantID,
		"provider":  system,
	})
	if err != nil {
		return nil, fmt.Errorf("accounting sync: %w", err)
	}
	return map[string]any{
		"system":         system,
		"status":         strOr(res, "status", "synced"),
		"records_synced": num(res["records_synced"]),
		"message":        "Accounting data synced successfully",
	}, nil
}

func processGateway(_ context.Context, _ domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	return map[string]any{"gateway": strOr(task.Input, "gateway", "stripe"), "message": "Payment gateway processed successfully"}, nil
}

// --- Data / ETL ---

func importData(_ context.Context, _ domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	return map[string]any{
		"source":           strOr(task.Input, "source", "csv"),
		"records_imported": len(list(task.Input, "records")),
		"message":          "Data imported successfully",
	}, nil
}

func transformData(_ context.Context, _ domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	return map[string]any{"records_transformed": len(list(task.Input, "records")), "message": "Data transformed successfully"}, nil
}

// validateData проверяет, что у каждой записи заполнены обязательные поля (required_fields).
func validateData(_ context.Context, _ domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	var required []string
	if raw, ok := task.Input["required_fields"].([]any); ok {
		for _, f := range raw {
			required = append(required, fmt.Sprint(f))
		}
	}

	valid, invalid := 0, 0
	errs := []string{}
	for i, rec := range list(task.Input, "records") {
		var missing []string
		for _, f := range required {
			if str(rec, f) == "" {
				missing = append(missing, f)
			}
		}
		if len(missing) > 0 {
			invalid++
			errs = append(errs, fmt.Sprintf("record %d: missing %s", i, strings.Join(missing, ", ")))
			continue
		}
		valid++
	}
	return map[string]any{"valid_records": valid, "invalid_records": invalid, "errors": errs}, nil
}

// --- Support ---

func (tk *Toolkit) assistUser(ctx context.Context, _ domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	query := str(task.Input, "query", "request")
	if query == "" {
		query = task.Description
	}
	resp, err := tk.completer().Complete(ctx, query, llm.CompleteOptions{
		System:      "You are a bookkeeping support specialist. Answer clearly and briefly.",
		Temperature: 0.3,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"query": query, "response": resp, "ticket_id": uuid.New().String()}, nil
}

func recoverFromError(_ context.Context, _ domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	return map[string]any{"error_id": str(task.Input, "error_id"), "recovered": true, "message": "Error recovery completed"}, nil
}

func handleEscalation(_ context.Context, _ domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	return map[string]any{"ticket_id": str(task.Input, "ticket_id"), "escalated_to": "senior_support", "message": "Escalation handled"}, nil
}

// --- Generalist ---

func (tk *Toolkit) answerDirectly(ctx context.Context, _ domain.TenantContext, task domain.TaskDescriptor) (map[string]any, error) {
	request := str(task.Input, "request")
	if request == "" {
		request = task.Description
	}
	resp, err := tk.completer().Complete(ctx, request, llm.CompleteOptions{
		System:      "You are an autonomous bookkeeping assistant. Provide clear, accurate financial guidance.",
		Temperature: 0.3,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"response": resp, "task_id": task.ID, "handled_by": string(registry.Generalist)}, nil
}
