package engine

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/xela07ax/ledger-orchestrator/internal/domain"
)

const HeaderTraceID = "X-Trace-ID"

// TracingMiddleware инициализирует Trace-ID для каждого запроса
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 1. Пытаемся достать ID из заголовка (если пришел от клиента/прокси)
		traceID := r.Header.Get(HeaderTraceID)

		// 2. Если его нет: генерируем новый
		if traceID == "" {
			traceID = uuid.New().String()
		}

		// 3. Добавляем в ответ, чтобы клиент тоже знал ID своего запроса
		w.Header().Set(HeaderTraceID, traceID)

		next.ServeHTTP(w, r.WithContext(domain.WithTraceID(r.Context(), traceID)))
	})
}
