package domain

// Навыки бухгалтерской платформы.
const (
	CapInvoiceParsing        Capability = "invoice_parsing"
	CapInvoiceValidation     Capability = "invoice_validation"
	CapInvoiceCategorization Capability = "invoice_categorization"
	CapInvoiceApproval       Capability = "invoice_approval"
	CapDocumentParsing       Capability = "document_parsing"
	CapPaymentProcessing     Capability = "payment_processing"
	CapPaymentGateway        Capability = "payment_gateway_integration"
	CapTransactionMatching   Capability = "transaction_matching"
	CapDiscrepancyDetection  Capability = "discrepancy_detection"
	CapDiscrepancyResolution Capability = "discrepancy_resolution"
	CapReportGeneration      Capability = "report_generation"
	CapReportAnalysis        Capability = "report_analysis"
	CapForecasting           Capability = "forecasting"
	CapTaxComplianceCheck    Capability = "tax_compliance_check"
	CapAuditPreparation      Capability = "audit_preparation"
	CapPolicyEnforcement     Capability = "policy_enforcement"
	CapBankSync              Capability = "bank_sync"
	CapAccountingSync        Capability = "accounting_sync"
	CapDataImport            Capability = "data_import"
	CapDataTransformation    Capability = "data_transformation"
	CapDataValidation        Capability = "data_validation"
	CapEmailProcessing       Capability = "email_processing"
	CapUserAssistance        Capability = "user_assistance"
	CapErrorRecovery         Capability = "error_recovery"
	CapEscalationHandling    Capability = "escalation_handling"
	CapOCRProcessing         Capability = "ocr_processing"
)
