package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"go.uber.org/zap"
)

// Subtask: подзадача в том виде, в каком ее вернула модель.
type Subtask struct {
	Name                 string              `json:"name"`
	Description          string              `json:"description"`
	RequiredCapabilities []domain.Capability `json:"required_capabilities"`
	// Dependencies: имена подзадач, от которых зависит эта
	Dependencies []string `json:"dependencies"`
}

const decomposeSystem = "You are an expert at decomposing financial workflows. Return ONLY valid JSON arrays, nothing else."

const decomposePrompt = `Decompose this financial request into atomic tasks.

Request: %q

Available capabilities:
- invoice_parsing, invoice_validation, invoice_categorization, payment_processing
- transaction_matching, discrepancy_detection
- report_generation, report_analysis
- bank_sync, accounting_sync
- tax_compliance_check, audit_preparation
- data_import, data_transformation

Return ONLY a valid JSON array, nothing else. Format:
[
  {
    "name": "Task name",
    "description": "What to do",
    "required_capabilities": ["capability1", "capability2"],
    "dependencies": []
  }
]

IMPORTANT: Return only the JSON array, no markdown, no explanation, no code blocks.`

// Decompose просит модель разложить запрос. Ошибка вызова модели возвращается как есть,
// неразборчивый ответ превращается в одну подзадачу-заглушку.
func Decompose(ctx context.Context, c Completer, request string, logger *zap.Logger) ([]Subtask, error) {
	resp, err := c.Complete(ctx, fmt.Sprintf(decomposePrompt, request), CompleteOptions{
		System:      decomposeSystem,
		Temperature: 0.1,
		MaxTokens:   2000,
	})
	if err != nil {
		return nil, fmt.Errorf("decompose: %w", err)
	}

	subtasks, perr := ParseSubtasks(resp)
	if perr != nil {
		preview := resp
		if len(preview) > 200 {
			preview = preview[:200] + "... (truncated)"
		}
		logger.Warn("decomposition response not parsed, using fallback task", zap.String("response", preview), zap.Error(perr))
		return FallbackSubtasks(request), nil
	}
	return subtasks, nil
}

// ParseSubtasks достает JSON-массив подзадач из ответа модели (с markdown-обрамлением или без).
func ParseSubtasks(response string) ([]Subtask, error) {
	text := stripCodeFences(response)

	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("no JSON array found in response (%d chars)", len(response))
	}

	var out []Subtask
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("unmarshal subtasks: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty task list returned")
	}
	for i, s := range out {
		if strings.TrimSpace(s.Name) == "" {
			return nil, fmt.Errorf("subtask %d has no name", i)
		}
	}
	return out, nil
}

// FallbackSubtasks: одна задача на весь запрос, маршрутизируется в отчетность.
func FallbackSubtasks(request string) []Subtask {
	return []Subtask{{
		Name:                 "Execute Request",
		Description:          request,
		RequiredCapabilities: []domain.Capability{domain.CapReportGeneration},
	}}
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "```json", "")
	return strings.ReplaceAll(s, "```", "")
}

// extractObject достает первый JSON-объект {...} из ответа модели.
func extractObject(response string) (map[string]any, error) {
	text := stripCodeFences(response)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("unmarshal object: %w", err)
	}
	return out, nil
}
