package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const invoicePrompt = `Extract invoice data from this OCR text:

%s

Return JSON with these fields:
{
  "vendor_name": "Company Name",
  "invoice_number": "INV-123",
  "invoice_date": "2026-01-15",
  "due_date": "2026-02-15",
  "amount": 50000,
  "currency": "USD",
  "line_items": [
    {"description": "Item description", "quantity": 10, "unit_price": 1500, "amount": 15000}
  ],
  "confidence": 0.95
}

Amounts are in cents. If a field is unclear, set confidence < 0.8.`

// ParseInvoice извлекает поля счета из OCR-текста.
func ParseInvoice(ctx context.Context, c Completer, ocrText string) (map[string]any, error) {
	resp, err := c.Complete(ctx, fmt.Sprintf(invoicePrompt, ocrText), CompleteOptions{
		System: "You are an expert invoice data extractor. Return only valid JSON.",
	})
	if err != nil {
		return nil, fmt.Errorf("parse invoice: %w", err)
	}
	inv, err := extractObject(resp)
	if err != nil {
		return nil, fmt.Errorf("parse invoice: %w", err)
	}
	return inv, nil
}

// ExpenseCategories: допустимые категории расходов.
var ExpenseCategories = []string{
	"Office Supplies",
	"Software & Subscriptions",
	"Cloud Services",
	"Marketing & Advertising",
	"Travel & Entertainment",
	"Equipment & Furniture",
	"Professional Services",
	"Utilities",
	"Rent & Facilities",
	"Insurance",
	"Payroll & Benefits",
	"Taxes & Licenses",
	"Uncategorized",
}

// CategorizeExpense относит строку расхода к одной из ExpenseCategories.
func CategorizeExpense(ctx context.Context, c Completer, description string) (string, error) {
	prompt := fmt.Sprintf("Categorize this expense:\n\nDescription: %q\n\nReturn ONE of these categories:\n- %s\n\nReturn only the category name, nothing else.",
		description, strings.Join(ExpenseCategories, "\n- "))

	resp, err := c.Complete(ctx, prompt, CompleteOptions{
		System:    "You are an expense categorization expert.",
		MaxTokens: 50,
	})
	if err != nil {
		return "", fmt.Errorf("categorize expense: %w", err)
	}
	got := strings.TrimSpace(resp)
	for _, cat := range ExpenseCategories {
		if strings.EqualFold(got, cat) {
			return cat, nil
		}
	}
	return "Uncategorized", nil
}

// AnalyzeReport просит модель выделить выводы по данным отчета.
func AnalyzeReport(ctx context.Context, c Completer, reportType string, data map[string]any) (string, error) {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("analyze report: %w", err)
	}
	prompt := fmt.Sprintf(`Analyze this %s report and provide insights:

%s

Provide:
1. Key takeaways (3-5 bullet points)
2. Areas of concern (if any)
3. Recommendations for improvement

Be concise and actionable.`, reportType, raw)

	resp, err := c.Complete(ctx, prompt, CompleteOptions{
		System:      "You are a CFO providing financial analysis.",
		Temperature: 0.5,
	})
	if err != nil {
		return "", fmt.Errorf("analyze report: %w", err)
	}
	return resp, nil
}
