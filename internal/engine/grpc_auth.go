package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"github.com/xela07ax/ledger-orchestrator/internal/infra/auth"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryAuthInterceptor строит TenantContext из метаданных вызова (та же логика, что и в HTTP).
func UnaryAuthInterceptor(v auth.TokenValidator, devHeaders bool, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		// 1. Извлекаем метаданные из контекста
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
		}

		// 2. В gRPC ключи метаданных в нижнем регистре
		first := func(key string) string {
			if vals := md.Get(strings.ToLower(key)); len(vals) > 0 {
				return vals[0]
			}
			return ""
		}

		tc, err := auth.Resolve(v, devHeaders, first("authorization"), first)
		if err != nil {
			logger.Warn("grpc auth failure", zap.String("method", info.FullMethod), zap.Error(err))
			return nil, status.Errorf(codes.Unauthenticated, "unauthorized")
		}

		// 3. Trace-ID: от клиента или новый
		traceID := first(HeaderTraceID)
		if traceID == "" {
			traceID = uuid.New().String()
		}
		ctx = domain.WithTraceID(domain.WithTenant(ctx, tc), traceID)

		return handler(ctx, req)
	}
}

// Limiter: корзина на ключ (resilience.RateLimiter).
type Limiter interface {
	Allow(key string) error
}

// UnaryRateLimitInterceptor ограничивает вызовы тенанта. Ставится после UnaryAuthInterceptor.
func UnaryRateLimitInterceptor(l Limiter, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		tc, _ := domain.TenantFrom(ctx)
		if err := l.Allow(tc.TenantID); err != nil {
			logger.Warn("grpc tenant rate limited", zap.String("tenant_id", tc.TenantID), zap.Error(err))
			return nil, status.Errorf(codes.ResourceExhausted, "rate limited, retry after %s", domain.RetryAfter(err))
		}
		return handler(ctx, req)
	}
}
