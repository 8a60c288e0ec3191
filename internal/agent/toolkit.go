package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/xela07ax/ledger-orchestrator/internal/connectors"
	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"github.com/xela07ax/ledger-orchestrator/internal/llm"
	"github.com/xela07ax/ledger-orchestrator/internal/risk"
	"go.uber.org/zap"
)

// Toolkit: внешние зависимости, доступные обработчикам навыков.
// Коннекторы приходят уже обернутыми (лимитер -> предохранитель -> повторы).
type Toolkit struct {
	Connectors map[string]connectors.Connector
	LLM        llm.Completer
	Risk       *risk.Analyzer
	Logger     *zap.Logger
}

// call вызывает внешнюю зависимость с JSON-нагрузкой и разбирает JSON-ответ.
func (tk *Toolkit) call(ctx context.Context, dep, capID string, payload map[string]any) (map[string]any, error) {
	conn, ok := tk.Connectors[dep]
	if !ok || conn == nil {
		return nil, fmt.Errorf("%w: connector %q is not configured", domain.ErrHandlerError, dep)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", capID, err)
	}
	raw, err := conn.Call(ctx, capID, body)
	if err != nil {
		return nil, err
	}

	out := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("unmarshal %s response: %w", capID, err)
		}
	}
	return out, nil
}

func (tk *Toolkit) completer() llm.Completer {
	if tk.LLM == nil {
		return llm.Disabled{}
	}
	return tk.LLM
}

func (tk *Toolkit) logger() *zap.Logger {
	if tk.Logger == nil {
		return zap.NewNop()
	}
	return tk.Logger
}

// Хелперы для чтения входа задачи

func str(in map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := in[k]; ok && v != nil {
			if s := fmt.Sprint(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func strOr(in map[string]any, key, def string) string {
	if s := str(in, key); s != "" {
		return s
	}
	return def
}

func num(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	}
	return 0
}

func obj(in map[string]any, key string) map[string]any {
	if m, ok := in[key].(map[string]any); ok {
		return m
	}
	return nil
}

func list(in map[string]any, key string) []map[string]any {
	raw, ok := in[key].([]any)
	if !ok {
		if typed, ok := in[key].([]map[string]any); ok {
			return typed
		}
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
