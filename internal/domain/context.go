package domain

import "context"

// Тип для ключа в контексте (избегаем коллизий)
type ctxKey string

const (
	tenantKey  ctxKey = "tenant_context"
	traceIDKey ctxKey = "trace_id"
)

// WithTenant кладет контекст тенанта в context.Context для нижних слоев (лимитеры, коннекторы).
func WithTenant(ctx context.Context, tc TenantContext) context.Context {
	return context.WithValue(ctx, tenantKey, tc)
}

func TenantFrom(ctx context.Context) (TenantContext, bool) {
	tc, ok := ctx.Value(tenantKey).(TenantContext)
	return tc, ok
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// TraceID помогает безопасно достать ID в любом месте кода
func TraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return "00000000-0000-0000-0000-000000000000" // Fallback
}
