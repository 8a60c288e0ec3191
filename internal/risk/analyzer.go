package risk

import (
	"encoding/json"
	"strconv"

	"go.uber.org/zap"
)

// Rule: порог для числового поля входа задачи (например, сумма платежа в центах).
type Rule struct {
	Name      string  `mapstructure:"name" json:"name"`
	Field     string  `mapstructure:"field" json:"field"`
	Threshold float64 `mapstructure:"threshold" json:"threshold"`
}

// Finding: сработавшее правило.
type Finding struct {
	Rule      string  `json:"rule"`
	Field     string  `json:"field"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// DefaultRules: платеж свыше $10 000 требует ручного подтверждения.
func DefaultRules() []Rule {
	return []Rule{{Name: "payment_approval_limit", Field: "amount", Threshold: 1_000_000}}
}

type Analyzer struct {
	rules  []Rule
	logger *zap.Logger
}

func NewAnalyzer(rules []Rule, logger *zap.Logger) *Analyzer {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Analyzer{rules: rules, logger: logger.Named("analyzer")}
}

func (a *Analyzer) Rules() []Rule {
	return append([]Rule(nil), a.rules...)
}

// Evaluate проверяет вход задачи по всем правилам.
func (a *Analyzer) Evaluate(input map[string]any) []Finding {
	var out []Finding
	for _, r := range a.rules {
		// Если в правиле не указано, какое поле проверять: пропускаем
		if r.Field == "" {
			continue
		}
		// Пытаемся достать рисковое поле (например, "amount")
		raw, ok := input[r.Field]
		if !ok {
			continue
		}
		val, ok := number(raw)
		if !ok {
			a.logger.Debug("risk field is not numeric", zap.String("field", r.Field))
			continue
		}
		if val > r.Threshold {
			a.logger.Warn("approval limit exceeded",
				zap.String("rule", r.Name),
				zap.String("field", r.Field),
				zap.Float64("value", val),
				zap.Float64("threshold", r.Threshold),
			)
			out = append(out, Finding{Rule: r.Name, Field: r.Field, Value: val, Threshold: r.Threshold})
		}
	}
	return out
}

// RequiresApproval: нужна ли ручная проверка (HITL) перед исполнением.
func (a *Analyzer) RequiresApproval(input map[string]any) bool {
	return len(a.Evaluate(input)) > 0
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
